package orchestrator

import (
	"bytes"
	"context"
	"io"
	"os"

	"github.com/yjsyyyjszf/dicom-server-1/internal/dicom"
	"github.com/yjsyyyjszf/dicom-server-1/internal/fault"
)

// StaticSource is a Source over an already parsed dataset.
type StaticSource struct {
	DS   *dicom.Dataset
	Open func(ctx context.Context) (io.ReadCloser, error)
}

var _ Source = StaticSource{}

// BytesSource returns a Source whose content is data.
func BytesSource(ds *dicom.Dataset, data []byte) StaticSource {
	return StaticSource{DS: ds, Open: func(context.Context) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}}
}

// FileSource returns a Source whose content is read from path.
func FileSource(ds *dicom.Dataset, path string) StaticSource {
	return StaticSource{DS: ds, Open: func(context.Context) (io.ReadCloser, error) {
		return os.Open(path) //nolint:gosec // operator-supplied path
	}}
}

func (s StaticSource) Dataset(context.Context) (*dicom.Dataset, error) {
	if s.DS == nil {
		return nil, fault.Validation("orchestrator.source", "dataset is required")
	}
	return s.DS, nil
}

func (s StaticSource) Content(ctx context.Context) (io.ReadCloser, error) {
	if s.Open == nil {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	return s.Open(ctx)
}
