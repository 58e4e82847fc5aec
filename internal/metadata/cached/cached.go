// Package cached adds an LRU read-through cache in front of a metadata.Store.
//
// Records are immutable per version, so cached entries never go stale;
// they are only evicted by size or by DeleteIfExists. Concurrent misses for
// one version share a single backend load.
package cached

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/yjsyyyjszf/dicom-server-1/internal/callgroup"
	"github.com/yjsyyyjszf/dicom-server-1/internal/dicom"
	"github.com/yjsyyyjszf/dicom-server-1/internal/metadata"
)

// DefaultSize is the default number of cached datasets.
const DefaultSize = 4096

// Store caches reads of an underlying metadata.Store.
type Store struct {
	next   metadata.Store
	cache  *lru.Cache[dicom.VersionedInstanceIdentifier, *dicom.Dataset]
	loads  callgroup.Group[dicom.VersionedInstanceIdentifier, *dicom.Dataset]
	hits   func()
	misses func()
}

var _ metadata.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithHitMissHooks registers callbacks invoked on cache hits and misses.
func WithHitMissHooks(hit, miss func()) Option {
	return func(s *Store) {
		if hit != nil {
			s.hits = hit
		}
		if miss != nil {
			s.misses = miss
		}
	}
}

// New wraps next with a cache of size entries (DefaultSize if size <= 0).
func New(next metadata.Store, size int, opts ...Option) (*Store, error) {
	if size <= 0 {
		size = DefaultSize
	}
	cache, err := lru.New[dicom.VersionedInstanceIdentifier, *dicom.Dataset](size)
	if err != nil {
		return nil, err
	}
	s := &Store{next: next, cache: cache, hits: func() {}, misses: func() {}}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Store writes through to the backend and primes the cache.
func (s *Store) Store(ctx context.Context, ds *dicom.Dataset, version int64) error {
	if err := s.next.Store(ctx, ds, version); err != nil {
		return err
	}
	if vid, err := metadata.Identify(ds, version); err == nil {
		s.cache.Add(vid, ds.Clone())
	}
	return nil
}

// Get returns a copy of the cached dataset, loading it on a miss.
func (s *Store) Get(ctx context.Context, vid dicom.VersionedInstanceIdentifier) (*dicom.Dataset, error) {
	if ds, ok := s.cache.Get(vid); ok {
		s.hits()
		return ds.Clone(), nil
	}
	s.misses()
	// The shared load must outlive any single caller's cancellation.
	loadCtx := context.WithoutCancel(ctx)
	ds, _, err := s.loads.Do(ctx, vid, func() (*dicom.Dataset, error) {
		ds, err := s.next.Get(loadCtx, vid)
		if err != nil {
			return nil, err
		}
		s.cache.Add(vid, ds)
		return ds, nil
	})
	if err != nil {
		return nil, err
	}
	return ds.Clone(), nil
}

// DeleteIfExists evicts the entry and deletes it from the backend.
func (s *Store) DeleteIfExists(ctx context.Context, vid dicom.VersionedInstanceIdentifier) error {
	s.cache.Remove(vid)
	return s.next.DeleteIfExists(ctx, vid)
}

// Len returns the number of cached entries.
func (s *Store) Len() int { return s.cache.Len() }
