package dicom

import (
	"fmt"

	"github.com/yjsyyyjszf/dicom-server-1/internal/fault"
)

// InstanceIdentifier is the stable logical identity of an instance.
type InstanceIdentifier struct {
	StudyInstanceUID  string `msgpack:"study" json:"studyInstanceUid"`
	SeriesInstanceUID string `msgpack:"series" json:"seriesInstanceUid"`
	SOPInstanceUID    string `msgpack:"sop" json:"sopInstanceUid"`
}

func (id InstanceIdentifier) String() string {
	return id.StudyInstanceUID + "/" + id.SeriesInstanceUID + "/" + id.SOPInstanceUID
}

// Validate checks all three UIDs.
func (id InstanceIdentifier) Validate() error {
	if err := ValidateUID("StudyInstanceUID", id.StudyInstanceUID); err != nil {
		return err
	}
	if err := ValidateUID("SeriesInstanceUID", id.SeriesInstanceUID); err != nil {
		return err
	}
	return ValidateUID("SOPInstanceUID", id.SOPInstanceUID)
}

// VersionedInstanceIdentifier names one stored generation of an instance.
// Version is the storage key suffix for content and metadata.
type VersionedInstanceIdentifier struct {
	InstanceIdentifier
	Version int64 `msgpack:"version" json:"version"`
}

func (v VersionedInstanceIdentifier) String() string {
	return fmt.Sprintf("%s@%d", v.InstanceIdentifier, v.Version)
}

// ValidateUID checks that uid is 1-64 characters of digits and dots with no
// leading, trailing or doubled dot. name is used in the error message.
func ValidateUID(name, uid string) error {
	if uid == "" {
		return fault.Validation("dicom.uid", "%s is required", name)
	}
	if len(uid) > 64 {
		return fault.Validation("dicom.uid", "%s %q exceeds 64 characters", name, uid)
	}
	prevDot := true
	for i := 0; i < len(uid); i++ {
		c := uid[i]
		switch {
		case c == '.':
			if prevDot {
				return fault.Validation("dicom.uid", "%s %q has an empty component", name, uid)
			}
			prevDot = true
		case c >= '0' && c <= '9':
			prevDot = false
		default:
			return fault.Validation("dicom.uid", "%s %q contains invalid character %q", name, uid, c)
		}
	}
	if prevDot {
		return fault.Validation("dicom.uid", "%s %q ends with a dot", name, uid)
	}
	return nil
}

// InstanceIdentifier reads and validates the three identifying UIDs.
func (d *Dataset) InstanceIdentifier() (InstanceIdentifier, error) {
	study, _ := d.SingleString(TagStudyInstanceUID, "")
	series, _ := d.SingleString(TagSeriesInstanceUID, "")
	sop, _ := d.SingleString(TagSOPInstanceUID, "")
	id := InstanceIdentifier{StudyInstanceUID: study, SeriesInstanceUID: series, SOPInstanceUID: sop}
	if err := id.Validate(); err != nil {
		return InstanceIdentifier{}, err
	}
	return id, nil
}
