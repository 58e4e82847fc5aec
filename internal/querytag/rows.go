package querytag

import (
	"github.com/yjsyyyjszf/dicom-server-1/internal/dicom"
	"github.com/yjsyyyjszf/dicom-server-1/internal/fault"
)

// BuildIndexRows extracts one typed row per extended tag in active whose
// attribute is present in ds. Built-in tags are skipped; their values live
// in the fixed columns. Values are read as VM=1.
func BuildIndexRows(ds *dicom.Dataset, active []QueryTag) ([]IndexRow, error) {
	var rows []IndexRow
	seen := make(map[int64]struct{})
	for _, qt := range active {
		if !qt.IsExtended() {
			continue
		}
		key := qt.Extended.Key
		if _, dup := seen[key]; dup {
			continue
		}
		row, ok, err := extract(ds, qt)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		seen[key] = struct{}{}
		rows = append(rows, row)
	}
	return rows, nil
}

func extract(ds *dicom.Dataset, qt QueryTag) (IndexRow, bool, error) {
	bucket, ok := BucketFor(qt.VR)
	if !ok {
		return IndexRow{}, false, fault.Invariant("querytag.index", "tag %s has VR %q with no storage bucket", qt.Tag, qt.VR)
	}
	row := IndexRow{TagKey: qt.Extended.Key, Level: qt.Level, Bucket: bucket}
	var present bool
	var err error
	switch bucket {
	case BucketString:
		row.String, present = ds.SingleString(qt.Tag, qt.PrivateCreator)
	case BucketLong:
		row.Long, present, err = ds.SingleInt64(qt.Tag, qt.PrivateCreator)
	case BucketDouble:
		row.Double, present, err = ds.SingleFloat64(qt.Tag, qt.PrivateCreator)
	case BucketDateTime:
		row.DateTime, present, err = ds.SingleDate(qt.Tag, qt.PrivateCreator)
	case BucketPersonName:
		row.PersonName, present = ds.SingleString(qt.Tag, qt.PrivateCreator)
	}
	if err != nil {
		return IndexRow{}, false, err
	}
	return row, present, nil
}
