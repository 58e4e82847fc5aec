package cached

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yjsyyyjszf/dicom-server-1/internal/blob/memory"
	"github.com/yjsyyyjszf/dicom-server-1/internal/dicom"
	"github.com/yjsyyyjszf/dicom-server-1/internal/metadata"
	"github.com/yjsyyyjszf/dicom-server-1/internal/metadata/blobstore"
	"github.com/yjsyyyjszf/dicom-server-1/internal/metadata/metadatatest"
)

func TestStore(t *testing.T) {
	metadatatest.TestStore(t, func(t *testing.T) metadata.Store {
		s, err := New(blobstore.New(memory.New()), 8)
		if err != nil {
			t.Fatal(err)
		}
		return s
	})
}

// countingStore counts Get calls and delays them so concurrent misses overlap.
type countingStore struct {
	next  metadata.Store
	gets  atomic.Int32
	delay time.Duration
}

func (c *countingStore) Store(ctx context.Context, ds *dicom.Dataset, version int64) error {
	return c.next.Store(ctx, ds, version)
}

func (c *countingStore) Get(ctx context.Context, vid dicom.VersionedInstanceIdentifier) (*dicom.Dataset, error) {
	c.gets.Add(1)
	time.Sleep(c.delay)
	return c.next.Get(ctx, vid)
}

func (c *countingStore) DeleteIfExists(ctx context.Context, vid dicom.VersionedInstanceIdentifier) error {
	return c.next.DeleteIfExists(ctx, vid)
}

func TestConcurrentMissesShareOneLoad(t *testing.T) {
	ctx := context.Background()
	backend := &countingStore{next: blobstore.New(memory.New()), delay: 50 * time.Millisecond}
	ds := metadatatest.Dataset("1.2", "1.2.3", "1.2.3.4", "X")
	if err := backend.Store(ctx, ds, 1); err != nil {
		t.Fatal(err)
	}

	var hits, misses atomic.Int32
	s, err := New(backend, 8, WithHitMissHooks(func() { hits.Add(1) }, func() { misses.Add(1) }))
	if err != nil {
		t.Fatal(err)
	}
	vid, _ := metadata.Identify(ds, 1)

	var wg sync.WaitGroup
	for range 10 {
		wg.Go(func() {
			if _, err := s.Get(ctx, vid); err != nil {
				t.Errorf("Get: %v", err)
			}
		})
	}
	wg.Wait()

	if got := backend.gets.Load(); got != 1 {
		t.Errorf("backend loads = %d, want 1", got)
	}
	if _, err := s.Get(ctx, vid); err != nil {
		t.Fatal(err)
	}
	if got := backend.gets.Load(); got != 1 {
		t.Errorf("backend loads after cached read = %d, want 1", got)
	}
	if hits.Load() < 1 || hits.Load()+misses.Load() != 11 {
		t.Errorf("hits=%d misses=%d, want 11 lookups with at least one hit", hits.Load(), misses.Load())
	}
}

func TestReturnedDatasetIsACopy(t *testing.T) {
	ctx := context.Background()
	s, err := New(blobstore.New(memory.New()), 8)
	if err != nil {
		t.Fatal(err)
	}
	ds := metadatatest.Dataset("1.2", "1.2.3", "1.2.3.4", "Original")
	if err := s.Store(ctx, ds, 1); err != nil {
		t.Fatal(err)
	}
	vid, _ := metadata.Identify(ds, 1)

	got, err := s.Get(ctx, vid)
	if err != nil {
		t.Fatal(err)
	}
	got.SetString(dicom.TagPatientName, dicom.VRPN, "Changed")

	again, err := s.Get(ctx, vid)
	if err != nil {
		t.Fatal(err)
	}
	if name, _ := again.SingleString(dicom.TagPatientName, ""); name != "Original" {
		t.Errorf("cached dataset mutated: PatientName = %q", name)
	}
}

func TestDeleteEvicts(t *testing.T) {
	ctx := context.Background()
	s, err := New(blobstore.New(memory.New()), 8)
	if err != nil {
		t.Fatal(err)
	}
	ds := metadatatest.Dataset("1.2", "1.2.3", "1.2.3.4", "X")
	if err := s.Store(ctx, ds, 1); err != nil {
		t.Fatal(err)
	}
	vid, _ := metadata.Identify(ds, 1)
	if err := s.DeleteIfExists(ctx, vid); err != nil {
		t.Fatal(err)
	}
	if s.Len() != 0 {
		t.Errorf("Len = %d after delete, want 0", s.Len())
	}
}
