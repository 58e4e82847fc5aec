package deletion

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/yjsyyyjszf/dicom-server-1/internal/dicom"
	"github.com/yjsyyyjszf/dicom-server-1/internal/fault"
	"github.com/yjsyyyjszf/dicom-server-1/internal/index"
	"github.com/yjsyyyjszf/dicom-server-1/internal/index/indextest"
	"github.com/yjsyyyjszf/dicom-server-1/internal/index/memory"
	"github.com/yjsyyyjszf/dicom-server-1/internal/metrics"
	"github.com/yjsyyyjszf/dicom-server-1/internal/querytag"
)

func seed(t *testing.T, s index.Store, study, series string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 1; i <= n; i++ {
		sop := fmt.Sprintf("%s.%d", series, i)
		v, err := s.CreateInstanceIndex(ctx, indextest.Dataset(study, series, sop), querytag.Builtin)
		if err != nil {
			t.Fatal(err)
		}
		vid := dicom.VersionedInstanceIdentifier{
			InstanceIdentifier: dicom.InstanceIdentifier{StudyInstanceUID: study, SeriesInstanceUID: series, SOPInstanceUID: sop},
			Version:            v,
		}
		if err := s.UpdateInstanceIndexStatus(ctx, vid, index.StatusCreated); err != nil {
			t.Fatal(err)
		}
	}
}

func TestDeleteSeriesSchedulesCleanupAfterGrace(t *testing.T) {
	ctx := context.Background()
	clock := indextest.NewClock()
	store := memory.NewStore(memory.WithClock(clock.Now))
	seed(t, store, "1.2", "1.2.1", 3)
	seed(t, store, "1.2", "1.2.2", 1)

	svc := New(Config{Index: store, GracePeriod: 2 * time.Hour, Now: clock.Now, Metrics: metrics.New(prometheus.NewRegistry())})
	removed, err := svc.DeleteSeries(ctx, "1.2", "1.2.1")
	if err != nil {
		t.Fatalf("DeleteSeries: %v", err)
	}
	if len(removed) != 3 {
		t.Fatalf("removed %d, want 3", len(removed))
	}

	due, err := store.RetrieveDeletedInstances(ctx, 10, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Fatalf("%d records due before the grace period", len(due))
	}

	clock.Advance(2 * time.Hour)
	due, err = store.RetrieveDeletedInstances(ctx, 10, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 3 {
		t.Fatalf("%d records due after the grace period, want 3", len(due))
	}
	want := indextest.NewClock().Now().Add(2 * time.Hour)
	for _, d := range due {
		if !d.CleanupAfter.Equal(want) {
			t.Errorf("CleanupAfter = %v, want %v", d.CleanupAfter, want)
		}
	}

	feed, err := store.ChangeFeed(ctx, 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	deletes := 0
	for _, e := range feed {
		if e.Action == index.ActionDelete {
			deletes++
		}
	}
	if deletes != 3 {
		t.Errorf("feed has %d delete entries, want 3", deletes)
	}
}

func TestDeleteVersionNowIsDueImmediately(t *testing.T) {
	ctx := context.Background()
	clock := indextest.NewClock()
	store := memory.NewStore(memory.WithClock(clock.Now))
	seed(t, store, "1.3", "1.3.1", 1)

	svc := New(Config{Index: store, Now: clock.Now})
	vid := dicom.VersionedInstanceIdentifier{
		InstanceIdentifier: dicom.InstanceIdentifier{StudyInstanceUID: "1.3", SeriesInstanceUID: "1.3.1", SOPInstanceUID: "1.3.1.1"},
		Version:            1,
	}
	if _, err := svc.DeleteVersionNow(ctx, vid); err != nil {
		t.Fatal(err)
	}
	due, err := store.RetrieveDeletedInstances(ctx, 10, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 {
		t.Fatalf("%d records due, want 1", len(due))
	}
}

func TestDeleteVersionNowLeavesOtherVersions(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	svc := New(Config{Index: store})
	ds := indextest.Dataset("1.4", "1.4.1", "1.4.1.1")
	id, err := ds.InstanceIdentifier()
	if err != nil {
		t.Fatal(err)
	}

	// v1 is left Creating and then removed by an operator delete.
	v1, err := store.CreateInstanceIndex(ctx, ds, querytag.Builtin)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.DeleteInstance(ctx, id); err != nil {
		t.Fatal(err)
	}
	v2, err := store.CreateInstanceIndex(ctx, ds, querytag.Builtin)
	if err != nil {
		t.Fatal(err)
	}
	live := dicom.VersionedInstanceIdentifier{InstanceIdentifier: id, Version: v2}
	if err := store.UpdateInstanceIndexStatus(ctx, live, index.StatusCreated); err != nil {
		t.Fatal(err)
	}

	stale := dicom.VersionedInstanceIdentifier{InstanceIdentifier: id, Version: v1}
	if _, err := svc.DeleteVersionNow(ctx, stale); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("DeleteVersionNow(v1) err = %v, want ErrNotFound", err)
	}
	rows, err := store.GetInstances(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Version != v2 || rows[0].Status != index.StatusCreated {
		t.Fatalf("rows = %+v, want only v%d Created", rows, v2)
	}
}

func TestDeleteValidation(t *testing.T) {
	svc := New(Config{Index: memory.NewStore()})
	ctx := context.Background()

	tests := []struct {
		name string
		del  func() error
	}{
		{"empty study", func() error { _, err := svc.DeleteStudy(ctx, ""); return err }},
		{"bad study", func() error { _, err := svc.DeleteStudy(ctx, "1..2"); return err }},
		{"bad series", func() error { _, err := svc.DeleteSeries(ctx, "1.2", "x"); return err }},
		{"bad sop", func() error {
			_, err := svc.DeleteInstance(ctx, dicom.InstanceIdentifier{StudyInstanceUID: "1.2", SeriesInstanceUID: "1.2.3", SOPInstanceUID: "1.2.3."})
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.del(); !errors.Is(err, fault.ErrValidation) {
				t.Errorf("err = %v, want ErrValidation", err)
			}
		})
	}
}

func TestDeleteNotFound(t *testing.T) {
	svc := New(Config{Index: memory.NewStore()})
	_, err := svc.DeleteStudy(context.Background(), "9.9")
	if !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

type recordingIndex struct {
	scope        index.Scope
	cleanupAfter time.Time
}

func (r *recordingIndex) DeleteScopeIndex(_ context.Context, scope index.Scope, cleanupAfter time.Time) ([]dicom.VersionedInstanceIdentifier, error) {
	r.scope = scope
	r.cleanupAfter = cleanupAfter
	return nil, nil
}

func TestDefaultGracePeriod(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	idx := &recordingIndex{}
	svc := New(Config{Index: idx, Now: func() time.Time { return now }})
	if _, err := svc.DeleteStudy(context.Background(), "1.2"); err != nil {
		t.Fatal(err)
	}
	if want := now.Add(DefaultGracePeriod); !idx.cleanupAfter.Equal(want) {
		t.Errorf("cleanupAfter = %v, want %v", idx.cleanupAfter, want)
	}
	if idx.scope.Level() != "study" {
		t.Errorf("scope level = %q", idx.scope.Level())
	}
}
