// Package blob stores instance content.
//
// Backends implement Objects, a flat name-addressed object store. Content
// wraps an Objects and addresses instance content by versioned identifier,
// so every stored generation of an instance has its own object.
package blob

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/yjsyyyjszf/dicom-server-1/internal/dicom"
	"github.com/yjsyyyjszf/dicom-server-1/internal/fault"
	"github.com/yjsyyyjszf/dicom-server-1/internal/logging"
)

// Objects is a name-addressed object store.
type Objects interface {
	// Put writes the object, replacing any existing one, and returns a
	// backend-specific location.
	Put(ctx context.Context, name string, r io.Reader) (location string, err error)
	// Get opens the object. Missing objects are a NotFound error.
	Get(ctx context.Context, name string) (io.ReadCloser, error)
	// Delete removes the object. Deleting a missing object succeeds.
	Delete(ctx context.Context, name string) error
}

// Store is the content backend used by the archive.
type Store interface {
	Store(ctx context.Context, vid dicom.VersionedInstanceIdentifier, r io.Reader) (location string, err error)
	Get(ctx context.Context, vid dicom.VersionedInstanceIdentifier) (io.ReadCloser, error)
	DeleteIfExists(ctx context.Context, vid dicom.VersionedInstanceIdentifier) error
}

// ObjectName returns the object name of an instance's content:
// {study}/{series}/{sop}_{version}.dcm.
func ObjectName(vid dicom.VersionedInstanceIdentifier) string {
	return fmt.Sprintf("%s/%s/%s_%d.dcm", vid.StudyInstanceUID, vid.SeriesInstanceUID, vid.SOPInstanceUID, vid.Version)
}

// Content is a Store over an Objects backend.
type Content struct {
	objects Objects
	logger  *slog.Logger
}

var _ Store = (*Content)(nil)

// NewContent creates a content store over objects.
func NewContent(objects Objects, logger *slog.Logger) *Content {
	return &Content{
		objects: objects,
		logger:  logging.Default(logger).With("component", "blob"),
	}
}

func (c *Content) Store(ctx context.Context, vid dicom.VersionedInstanceIdentifier, r io.Reader) (string, error) {
	loc, err := c.objects.Put(ctx, ObjectName(vid), r)
	if err != nil {
		return "", fault.Transient("blob.store", fmt.Errorf("instance %s: %w", vid, err))
	}
	return loc, nil
}

func (c *Content) Get(ctx context.Context, vid dicom.VersionedInstanceIdentifier) (io.ReadCloser, error) {
	rc, err := c.objects.Get(ctx, ObjectName(vid))
	if err != nil {
		return nil, fault.Transient("blob.get", err)
	}
	return rc, nil
}

func (c *Content) DeleteIfExists(ctx context.Context, vid dicom.VersionedInstanceIdentifier) error {
	if err := c.objects.Delete(ctx, ObjectName(vid)); err != nil {
		return fault.Transient("blob.delete", fmt.Errorf("instance %s: %w", vid, err))
	}
	c.logger.Debug("content deleted", "instance", vid.String())
	return nil
}
