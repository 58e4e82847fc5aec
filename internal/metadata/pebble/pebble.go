// Package pebble keeps metadata records in a local pebble database.
package pebble

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/cockroachdb/pebble"

	"github.com/yjsyyyjszf/dicom-server-1/internal/dicom"
	"github.com/yjsyyyjszf/dicom-server-1/internal/fault"
	"github.com/yjsyyyjszf/dicom-server-1/internal/metadata"
)

// keyPrefix namespaces metadata keys.
const keyPrefix = "m/"

// Store is a metadata.Store backed by pebble.
type Store struct {
	db   *pebble.DB
	sync bool
}

var _ metadata.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithSync controls whether writes are fsynced before returning. Default true.
func WithSync(sync bool) Option {
	return func(s *Store) { s.sync = sync }
}

// Open opens or creates the database in dir.
func Open(dir string, opts ...Option) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", dir, err)
	}
	s := &Store{db: db, sync: true}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) writeOptions() *pebble.WriteOptions {
	if s.sync {
		return pebble.Sync
	}
	return pebble.NoSync
}

func key(vid dicom.VersionedInstanceIdentifier) []byte {
	return []byte(keyPrefix + metadata.ObjectName(vid))
}

func (s *Store) Store(ctx context.Context, ds *dicom.Dataset, version int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	vid, err := metadata.Identify(ds, version)
	if err != nil {
		return err
	}
	data, err := metadata.Encode(ds)
	if err != nil {
		return err
	}
	if err := s.db.Set(key(vid), data, s.writeOptions()); err != nil {
		return fault.Transient("metadata.store", fmt.Errorf("instance %s: %w", vid, err))
	}
	return nil
}

func (s *Store) Get(ctx context.Context, vid dicom.VersionedInstanceIdentifier) (*dicom.Dataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	val, closer, err := s.db.Get(key(vid))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, fault.NotFound("metadata.get", "metadata for %s", vid)
	}
	if err != nil {
		return nil, fault.Transient("metadata.get", fmt.Errorf("instance %s: %w", vid, err))
	}
	// val is only valid until closer.Close.
	data := slices.Clone(val)
	_ = closer.Close()
	return metadata.Decode(data)
}

func (s *Store) DeleteIfExists(ctx context.Context, vid dicom.VersionedInstanceIdentifier) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.Delete(key(vid), s.writeOptions()); err != nil {
		return fault.Transient("metadata.delete", fmt.Errorf("instance %s: %w", vid, err))
	}
	return nil
}
