// Package blobstore keeps metadata records as objects in a blob backend.
package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/yjsyyyjszf/dicom-server-1/internal/blob"
	"github.com/yjsyyyjszf/dicom-server-1/internal/dicom"
	"github.com/yjsyyyjszf/dicom-server-1/internal/fault"
	"github.com/yjsyyyjszf/dicom-server-1/internal/metadata"
)

// Store is a metadata.Store over blob.Objects.
type Store struct {
	objects blob.Objects
}

var _ metadata.Store = (*Store)(nil)

// New creates a metadata store writing to objects.
func New(objects blob.Objects) *Store {
	return &Store{objects: objects}
}

func (s *Store) Store(ctx context.Context, ds *dicom.Dataset, version int64) error {
	vid, err := metadata.Identify(ds, version)
	if err != nil {
		return err
	}
	data, err := metadata.Encode(ds)
	if err != nil {
		return err
	}
	if _, err := s.objects.Put(ctx, metadata.ObjectName(vid), bytes.NewReader(data)); err != nil {
		return fault.Transient("metadata.store", fmt.Errorf("instance %s: %w", vid, err))
	}
	return nil
}

func (s *Store) Get(ctx context.Context, vid dicom.VersionedInstanceIdentifier) (*dicom.Dataset, error) {
	rc, err := s.objects.Get(ctx, metadata.ObjectName(vid))
	if err != nil {
		return nil, fault.Transient("metadata.get", err)
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fault.Transient("metadata.get", fmt.Errorf("instance %s: %w", vid, err))
	}
	return metadata.Decode(data)
}

func (s *Store) DeleteIfExists(ctx context.Context, vid dicom.VersionedInstanceIdentifier) error {
	if err := s.objects.Delete(ctx, metadata.ObjectName(vid)); err != nil {
		return fault.Transient("metadata.delete", fmt.Errorf("instance %s: %w", vid, err))
	}
	return nil
}
