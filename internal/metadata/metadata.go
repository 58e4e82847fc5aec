// Package metadata stores the parsed attribute set of each instance
// version, keyed by versioned identifier.
//
// Datasets are encoded with msgpack and compressed with zstd. Backends:
// blobstore (any blob.Objects), pebble (local LSM) and cached (an LRU
// read-through layer over another Store).
package metadata

import (
	"context"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/yjsyyyjszf/dicom-server-1/internal/dicom"
	"github.com/yjsyyyjszf/dicom-server-1/internal/fault"
)

// Store is a metadata backend.
type Store interface {
	// Store writes the dataset under its identifier and version.
	Store(ctx context.Context, ds *dicom.Dataset, version int64) error
	// Get returns the dataset. Missing metadata is a NotFound error.
	Get(ctx context.Context, vid dicom.VersionedInstanceIdentifier) (*dicom.Dataset, error)
	// DeleteIfExists removes the dataset; missing metadata is not an error.
	DeleteIfExists(ctx context.Context, vid dicom.VersionedInstanceIdentifier) error
}

// ObjectName returns the key metadata is stored under:
// {study}/{series}/{sop}_{version}_metadata.msgpack.zst.
func ObjectName(vid dicom.VersionedInstanceIdentifier) string {
	return fmt.Sprintf("%s/%s/%s_%d_metadata.msgpack.zst",
		vid.StudyInstanceUID, vid.SeriesInstanceUID, vid.SOPInstanceUID, vid.Version)
}

// Identify returns the versioned identifier of ds at version.
func Identify(ds *dicom.Dataset, version int64) (dicom.VersionedInstanceIdentifier, error) {
	id, err := ds.InstanceIdentifier()
	if err != nil {
		return dicom.VersionedInstanceIdentifier{}, err
	}
	return dicom.VersionedInstanceIdentifier{InstanceIdentifier: id, Version: version}, nil
}

// formatVersion is the first byte of every encoded record.
const formatVersion byte = 1

// record is the msgpack body.
type record struct {
	Elements []dicom.Element `msgpack:"e"`
}

// Encoder and decoder are safe for concurrent EncodeAll/DecodeAll.
var (
	zstdEnc *zstd.Encoder
	zstdDec *zstd.Decoder
)

func init() {
	var err error
	zstdEnc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("zstd: init encoder: " + err.Error())
	}
	zstdDec, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		panic("zstd: init decoder: " + err.Error())
	}
}

// Encode serializes a dataset.
func Encode(ds *dicom.Dataset) ([]byte, error) {
	body, err := msgpack.Marshal(record{Elements: ds.Elements()})
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	out := make([]byte, 1, 1+len(body)/2)
	out[0] = formatVersion
	return zstdEnc.EncodeAll(body, out), nil
}

// Decode parses data produced by Encode.
func Decode(data []byte) (*dicom.Dataset, error) {
	if len(data) == 0 {
		return nil, fault.Invariant("metadata.decode", "empty record")
	}
	if data[0] != formatVersion {
		return nil, fault.Invariant("metadata.decode", "unsupported format version %d", data[0])
	}
	body, err := zstdDec.DecodeAll(data[1:], nil)
	if err != nil {
		return nil, fault.Invariant("metadata.decode", "decompress: %v", err)
	}
	var rec record
	if err := msgpack.Unmarshal(body, &rec); err != nil {
		return nil, fault.Invariant("metadata.decode", "unmarshal: %v", err)
	}
	return dicom.NewDataset(rec.Elements...), nil
}
