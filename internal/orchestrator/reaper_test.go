package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yjsyyyjszf/dicom-server-1/internal/blob"
	"github.com/yjsyyyjszf/dicom-server-1/internal/deletion"
	"github.com/yjsyyyjszf/dicom-server-1/internal/dicom"
	"github.com/yjsyyyjszf/dicom-server-1/internal/fault"
	"github.com/yjsyyyjszf/dicom-server-1/internal/orchestrator"
)

func newReaper(h *harness, blobs blob.Store) *orchestrator.Reaper {
	if blobs == nil {
		blobs = h.blobs
	}
	return orchestrator.NewReaper(orchestrator.ReaperConfig{
		Index:       h.index,
		Blobs:       blobs,
		Metadata:    h.metadata,
		BatchSize:   2,
		MaxRetries:  3,
		BackoffBase: time.Minute,
		BackoffCap:  time.Hour,
		DeleteRate:  1000,
		Now:         h.clock.Now,
	})
}

func deletionWithGrace(h *harness, grace time.Duration) *deletion.Service {
	return deletion.New(deletion.Config{Index: h.index, GracePeriod: grace, Now: h.clock.Now})
}

// storeN stores n instances of one series and returns their identifiers.
func storeN(t *testing.T, h *harness, study string, n int) []dicom.VersionedInstanceIdentifier {
	t.Helper()
	out := make([]dicom.VersionedInstanceIdentifier, 0, n)
	for i := range n {
		res, err := h.orch.StoreInstance(context.Background(),
			source(study, study+".1", fmt.Sprintf("%s.1.%d", study, i+1)))
		if err != nil {
			t.Fatalf("store %d: %v", i, err)
		}
		out = append(out, res.Identifier)
	}
	return out
}

func TestSweepRemovesDueInstances(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	stored := storeN(t, h, "1.2", 5)
	for _, vid := range stored {
		if _, err := h.deleter.DeleteVersionNow(ctx, vid); err != nil {
			t.Fatal(err)
		}
	}

	res, err := newReaper(h, nil).Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if res.Deleted != 5 || res.Failed != 0 || res.Exhausted != 0 {
		t.Errorf("result = %+v, want 5 deleted", res)
	}
	if res.RunID == "" {
		t.Error("missing run id")
	}
	if names := h.objects.Names(); len(names) != 0 {
		t.Errorf("content left behind: %v", names)
	}
	for _, vid := range stored {
		if _, err := h.metadata.Get(ctx, vid); !errors.Is(err, fault.ErrNotFound) {
			t.Errorf("metadata %s: err = %v, want NotFound", vid, err)
		}
	}
	if due, _ := h.index.RetrieveDeletedInstances(ctx, 10, 10); len(due) != 0 {
		t.Errorf("cleanup records left: %+v", due)
	}
	if _, ok, _ := h.index.GetOldestDeletedInstance(ctx); ok {
		t.Error("oldest cleanup record reported after a full sweep")
	}
}

func TestSweepHonorsGracePeriod(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	stored := storeN(t, h, "1.3", 1)

	del := deletionWithGrace(h, 24*time.Hour)
	if _, err := del.DeleteInstance(ctx, stored[0].InstanceIdentifier); err != nil {
		t.Fatal(err)
	}

	r := newReaper(h, nil)
	res, err := r.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Deleted != 0 {
		t.Fatalf("deleted %d records before the grace period ended", res.Deleted)
	}
	if names := h.objects.Names(); len(names) != 1 {
		t.Fatalf("content removed early: %v", names)
	}

	h.clock.Advance(24*time.Hour + time.Second)
	res, err = r.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Deleted != 1 {
		t.Errorf("deleted = %d after the grace period, want 1", res.Deleted)
	}
}

// flakyBlobs fails DeleteIfExists while fail is set.
type flakyBlobs struct {
	next  blob.Store
	fail  atomic.Bool
	calls atomic.Int32
}

func (f *flakyBlobs) Store(ctx context.Context, vid dicom.VersionedInstanceIdentifier, r io.Reader) (string, error) {
	return f.next.Store(ctx, vid, r)
}

func (f *flakyBlobs) Get(ctx context.Context, vid dicom.VersionedInstanceIdentifier) (io.ReadCloser, error) {
	return f.next.Get(ctx, vid)
}

func (f *flakyBlobs) DeleteIfExists(ctx context.Context, vid dicom.VersionedInstanceIdentifier) error {
	f.calls.Add(1)
	if f.fail.Load() {
		return fault.Transient("blob.delete", errors.New("service unavailable"))
	}
	return f.next.DeleteIfExists(ctx, vid)
}

func TestSweepBacksOffAndExhausts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	stored := storeN(t, h, "1.4", 1)
	if _, err := h.deleter.DeleteVersionNow(ctx, stored[0]); err != nil {
		t.Fatal(err)
	}

	flaky := &flakyBlobs{next: h.blobs}
	flaky.fail.Store(true)
	r := newReaper(h, flaky)

	for attempt := 1; attempt <= 3; attempt++ {
		res, err := r.Sweep(ctx)
		if err != nil {
			t.Fatalf("sweep %d: %v", attempt, err)
		}
		if res.Failed != 1 || res.Deleted != 0 {
			t.Fatalf("sweep %d: result = %+v, want one failure", attempt, res)
		}

		// The record is rescheduled and not due again immediately.
		again, err := r.Sweep(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if again.Failed != 0 {
			t.Fatalf("sweep %d: record retried before its backoff elapsed", attempt)
		}
		h.clock.Advance(r.Backoff(attempt - 1))
	}

	res, err := r.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Failed != 0 || res.Deleted != 0 {
		t.Errorf("exhausted record was retried: %+v", res)
	}
	if res.Exhausted != 1 {
		t.Errorf("exhausted = %d, want 1", res.Exhausted)
	}
	if got := flaky.calls.Load(); got != 3 {
		t.Errorf("delete attempts = %d, want 3", got)
	}

	// Exhausted records stay in the index for an operator.
	if _, ok, _ := h.index.GetOldestDeletedInstance(ctx); !ok {
		t.Error("exhausted record was dropped")
	}
}

func TestSweepRecoversAfterTransientFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	stored := storeN(t, h, "1.5", 1)
	if _, err := h.deleter.DeleteVersionNow(ctx, stored[0]); err != nil {
		t.Fatal(err)
	}
	flaky := &flakyBlobs{next: h.blobs}
	flaky.fail.Store(true)
	r := newReaper(h, flaky)

	if res, _ := r.Sweep(ctx); res.Failed != 1 {
		t.Fatalf("first sweep = %+v, want one failure", res)
	}
	flaky.fail.Store(false)
	h.clock.Advance(r.Backoff(0))

	res, err := r.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Deleted != 1 {
		t.Errorf("deleted = %d, want 1", res.Deleted)
	}
	if names := h.objects.Names(); len(names) != 0 {
		t.Errorf("content left behind: %v", names)
	}
}

func TestBackoff(t *testing.T) {
	r := orchestrator.NewReaper(orchestrator.ReaperConfig{
		BackoffBase: time.Minute,
		BackoffCap:  time.Hour,
	})
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{-1, time.Minute},
		{0, time.Minute},
		{1, 2 * time.Minute},
		{2, 4 * time.Minute},
		{5, 32 * time.Minute},
		{6, time.Hour},
		{40, time.Hour},
	}
	for _, tt := range tests {
		if got := r.Backoff(tt.retry); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
}

func TestSweepCancelled(t *testing.T) {
	h := newHarness(t)
	stored := storeN(t, h, "1.6", 1)
	if _, err := h.deleter.DeleteVersionNow(context.Background(), stored[0]); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := newReaper(h, nil).Sweep(ctx); err == nil {
		t.Fatal("expected an error from a cancelled sweep")
	}
}
