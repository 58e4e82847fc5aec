// Package indextest provides a shared conformance suite for index.Store
// implementations. Each backend (memory, sqlite) wires this suite to
// verify it satisfies the full Store contract.
package indextest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/yjsyyyjszf/dicom-server-1/internal/dicom"
	"github.com/yjsyyyjszf/dicom-server-1/internal/fault"
	"github.com/yjsyyyjszf/dicom-server-1/internal/index"
	"github.com/yjsyyyjszf/dicom-server-1/internal/querytag"
)

// Clock is a settable time source shared between a test and its store.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock starting at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Dataset builds a minimal valid dataset for the given UIDs.
func Dataset(study, series, sop string) *dicom.Dataset {
	ds := dicom.NewDataset()
	ds.SetString(dicom.TagStudyInstanceUID, dicom.VRUI, study)
	ds.SetString(dicom.TagSeriesInstanceUID, dicom.VRUI, series)
	ds.SetString(dicom.TagSOPInstanceUID, dicom.VRUI, sop)
	return ds
}

func identifier(study, series, sop string) dicom.InstanceIdentifier {
	return dicom.InstanceIdentifier{StudyInstanceUID: study, SeriesInstanceUID: series, SOPInstanceUID: sop}
}

func versioned(id dicom.InstanceIdentifier, v int64) dicom.VersionedInstanceIdentifier {
	return dicom.VersionedInstanceIdentifier{InstanceIdentifier: id, Version: v}
}

// store creates and finalizes an instance, failing the test on error.
func store(t *testing.T, s index.Store, study, series, sop string) dicom.VersionedInstanceIdentifier {
	t.Helper()
	ctx := context.Background()
	v, err := s.CreateInstanceIndex(ctx, Dataset(study, series, sop), querytag.Builtin)
	if err != nil {
		t.Fatalf("CreateInstanceIndex(%s/%s/%s): %v", study, series, sop, err)
	}
	vid := versioned(identifier(study, series, sop), v)
	if err := s.UpdateInstanceIndexStatus(ctx, vid, index.StatusCreated); err != nil {
		t.Fatalf("UpdateInstanceIndexStatus(%s): %v", vid, err)
	}
	return vid
}

// TestStore runs the full conformance suite. newStore must return a fresh,
// empty store that reads time from clock.
func TestStore(t *testing.T, newStore func(t *testing.T, clock func() time.Time) index.Store) {
	open := func(t *testing.T) (index.Store, *Clock) {
		t.Helper()
		clock := NewClock()
		s := newStore(t, clock.Now)
		t.Cleanup(func() { s.Close() })
		return s, clock
	}

	t.Run("CreateThenFinalize", func(t *testing.T) {
		s, _ := open(t)
		ctx := context.Background()

		v, err := s.CreateInstanceIndex(ctx, Dataset("1.1", "1.1.1", "1.1.1.1"), querytag.Builtin)
		if err != nil {
			t.Fatalf("CreateInstanceIndex: %v", err)
		}
		if v != 1 {
			t.Errorf("first version = %d, want 1", v)
		}

		feed, err := s.ChangeFeed(ctx, 0, 10)
		if err != nil {
			t.Fatalf("ChangeFeed: %v", err)
		}
		if len(feed) != 0 {
			t.Fatalf("Creating row must not be published, feed has %d entries", len(feed))
		}

		vid := versioned(identifier("1.1", "1.1.1", "1.1.1.1"), v)
		if err := s.UpdateInstanceIndexStatus(ctx, vid, index.StatusCreated); err != nil {
			t.Fatalf("UpdateInstanceIndexStatus: %v", err)
		}

		rows, err := s.GetInstances(ctx, vid.InstanceIdentifier)
		if err != nil {
			t.Fatalf("GetInstances: %v", err)
		}
		if len(rows) != 1 || rows[0].Status != index.StatusCreated || rows[0].Version != v {
			t.Fatalf("unexpected rows %+v", rows)
		}

		feed, err = s.ChangeFeed(ctx, 0, 10)
		if err != nil {
			t.Fatalf("ChangeFeed: %v", err)
		}
		if len(feed) != 1 {
			t.Fatalf("feed has %d entries, want 1", len(feed))
		}
		e := feed[0]
		if e.Sequence != 1 || e.Action != index.ActionCreate || e.OriginalVersion != v {
			t.Errorf("unexpected entry %+v", e)
		}
		if e.LiveVersion == nil || *e.LiveVersion != v {
			t.Errorf("live version = %v, want %d", e.LiveVersion, v)
		}
		if e.InstanceIdentifier != vid.InstanceIdentifier {
			t.Errorf("identifier = %s", e.InstanceIdentifier)
		}
	})

	t.Run("CoreColumns", func(t *testing.T) {
		s, clock := open(t)
		ctx := context.Background()

		ds := Dataset("1.2", "1.2.1", "1.2.1.1")
		ds.SetString(dicom.TagPatientID, dicom.VRLO, "PID-7")
		ds.SetString(dicom.TagPatientName, dicom.VRPN, "Doe^Jane")
		ds.SetString(dicom.TagModality, dicom.VRCS, "CT")
		ds.SetString(dicom.TagStudyDate, dicom.VRDA, "20231224")
		ds.SetString(dicom.TagAccessionNumber, dicom.VRSH, "ACC1")

		if _, err := s.CreateInstanceIndex(ctx, ds, querytag.Builtin); err != nil {
			t.Fatalf("CreateInstanceIndex: %v", err)
		}
		rows, err := s.GetInstances(ctx, identifier("1.2", "1.2.1", "1.2.1.1"))
		if err != nil {
			t.Fatalf("GetInstances: %v", err)
		}
		if len(rows) != 1 {
			t.Fatalf("got %d rows", len(rows))
		}
		r := rows[0]
		if r.Status != index.StatusCreating {
			t.Errorf("status = %s, want Creating", r.Status)
		}
		if r.PatientID != "PID-7" || r.PatientName != "Doe^Jane" || r.Modality != "CT" || r.AccessionNumber != "ACC1" {
			t.Errorf("core columns = %+v", r)
		}
		if !r.StudyDate.Equal(time.Date(2023, 12, 24, 0, 0, 0, 0, time.UTC)) {
			t.Errorf("StudyDate = %v", r.StudyDate)
		}
		if !r.PerformedProcedureStepStartDate.IsZero() {
			t.Errorf("absent date should be zero, got %v", r.PerformedProcedureStepStartDate)
		}
		if !r.CreatedAt.Equal(clock.Now()) {
			t.Errorf("CreatedAt = %v, want %v", r.CreatedAt, clock.Now())
		}
	})

	t.Run("InvalidDatasetRejected", func(t *testing.T) {
		s, _ := open(t)
		ds := Dataset("1.3", "1.3.1", "")
		if _, err := s.CreateInstanceIndex(context.Background(), ds, querytag.Builtin); !errors.Is(err, fault.ErrValidation) {
			t.Fatalf("expected validation error, got %v", err)
		}
	})

	t.Run("ConflictPending", func(t *testing.T) {
		s, _ := open(t)
		ctx := context.Background()
		ds := Dataset("2.1", "2.1.1", "2.1.1.1")
		if _, err := s.CreateInstanceIndex(ctx, ds, querytag.Builtin); err != nil {
			t.Fatalf("CreateInstanceIndex: %v", err)
		}
		_, err := s.CreateInstanceIndex(ctx, ds, querytag.Builtin)
		if !errors.Is(err, fault.ErrPending) {
			t.Fatalf("expected pending conflict, got %v", err)
		}
	})

	t.Run("ConflictAlreadyExists", func(t *testing.T) {
		s, _ := open(t)
		store(t, s, "2.2", "2.2.1", "2.2.1.1")
		_, err := s.CreateInstanceIndex(context.Background(), Dataset("2.2", "2.2.1", "2.2.1.1"), querytag.Builtin)
		if !errors.Is(err, fault.ErrAlreadyExists) {
			t.Fatalf("expected already-exists conflict, got %v", err)
		}
	})

	t.Run("DuplicateCreateRace", func(t *testing.T) {
		s, _ := open(t)
		ctx := context.Background()

		const racers = 8
		var wg sync.WaitGroup
		errs := make([]error, racers)
		for i := range racers {
			wg.Go(func() {
				_, errs[i] = s.CreateInstanceIndex(ctx, Dataset("3.1", "3.1.1", "3.1.1.1"), querytag.Builtin)
			})
		}
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			switch {
			case err == nil:
				succeeded++
			case fault.IsConflict(err):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}
		if succeeded != 1 {
			t.Fatalf("%d creates succeeded, want exactly 1", succeeded)
		}
	})

	t.Run("VersionsNeverReused", func(t *testing.T) {
		s, _ := open(t)
		ctx := context.Background()
		first := store(t, s, "4.1", "4.1.1", "4.1.1.1")
		if _, err := s.DeleteScopeIndex(ctx, index.InstanceScope(first.InstanceIdentifier), time.Time{}); err != nil {
			t.Fatalf("DeleteScopeIndex: %v", err)
		}
		second := store(t, s, "4.1", "4.1.1", "4.1.1.1")
		if second.Version <= first.Version {
			t.Fatalf("re-created version %d not greater than %d", second.Version, first.Version)
		}
	})

	t.Run("UpdateStatusErrors", func(t *testing.T) {
		s, _ := open(t)
		ctx := context.Background()
		missing := versioned(identifier("5.1", "5.1.1", "5.1.1.1"), 99)
		if err := s.UpdateInstanceIndexStatus(ctx, missing, index.StatusCreated); !errors.Is(err, fault.ErrNotFound) {
			t.Errorf("unknown row: expected not found, got %v", err)
		}

		vid := store(t, s, "5.2", "5.2.1", "5.2.1.1")
		if err := s.UpdateInstanceIndexStatus(ctx, vid, index.StatusCreated); fault.KindOf(err) != fault.KindInvariant {
			t.Errorf("Created -> Created: expected invariant violation, got %v", err)
		}
		if err := s.UpdateInstanceIndexStatus(ctx, vid, index.StatusCreating); fault.KindOf(err) != fault.KindInvariant {
			t.Errorf("Created -> Creating: expected invariant violation, got %v", err)
		}
	})

	t.Run("DeleteSeries", func(t *testing.T) {
		s, clock := open(t)
		ctx := context.Background()
		for i := 1; i <= 3; i++ {
			store(t, s, "6.1", "6.1.1", fmt.Sprintf("6.1.1.%d", i))
		}
		other := store(t, s, "6.1", "6.1.2", "6.1.2.1")

		grace := 24 * time.Hour
		cleanupAfter := clock.Now().Add(grace)
		removed, err := s.DeleteScopeIndex(ctx, index.SeriesScope("6.1", "6.1.1"), cleanupAfter)
		if err != nil {
			t.Fatalf("DeleteScopeIndex: %v", err)
		}
		if len(removed) != 3 {
			t.Fatalf("removed %d instances, want 3", len(removed))
		}
		for _, vid := range removed {
			rows, err := s.GetInstances(ctx, vid.InstanceIdentifier)
			if err != nil {
				t.Fatalf("GetInstances: %v", err)
			}
			if len(rows) != 0 {
				t.Errorf("%s still indexed", vid)
			}
		}
		if rows, _ := s.GetInstances(ctx, other.InstanceIdentifier); len(rows) != 1 {
			t.Error("instance outside the series must survive")
		}

		due, err := s.RetrieveDeletedInstances(ctx, 10, 5)
		if err != nil {
			t.Fatalf("RetrieveDeletedInstances: %v", err)
		}
		if len(due) != 0 {
			t.Fatalf("records are not due before the grace period, got %d", len(due))
		}
		clock.Advance(grace)
		due, err = s.RetrieveDeletedInstances(ctx, 10, 5)
		if err != nil {
			t.Fatalf("RetrieveDeletedInstances: %v", err)
		}
		if len(due) != 3 {
			t.Fatalf("got %d due records, want 3", len(due))
		}
		for _, d := range due {
			if !d.CleanupAfter.Equal(cleanupAfter) || d.RetryCount != 0 {
				t.Errorf("unexpected record %+v", d)
			}
		}

		feed, err := s.ChangeFeed(ctx, 0, 100)
		if err != nil {
			t.Fatalf("ChangeFeed: %v", err)
		}
		if len(feed) != 7 {
			t.Fatalf("feed has %d entries, want 4 creates + 3 deletes", len(feed))
		}
		for _, e := range feed[4:] {
			if e.Action != index.ActionDelete || e.LiveVersion != nil {
				t.Errorf("unexpected delete entry %+v", e)
			}
		}
		for _, e := range feed[:3] {
			if e.LiveVersion != nil {
				t.Errorf("create entry of a deleted instance should have no live version: %+v", e)
			}
		}
	})

	t.Run("DeleteCreatingRowUnpublished", func(t *testing.T) {
		s, clock := open(t)
		ctx := context.Background()
		v, err := s.CreateInstanceIndex(ctx, Dataset("7.1", "7.1.1", "7.1.1.1"), querytag.Builtin)
		if err != nil {
			t.Fatalf("CreateInstanceIndex: %v", err)
		}
		id := identifier("7.1", "7.1.1", "7.1.1.1")
		removed, err := s.DeleteScopeIndex(ctx, index.InstanceScope(id), clock.Now())
		if err != nil {
			t.Fatalf("DeleteScopeIndex: %v", err)
		}
		if len(removed) != 1 || removed[0].Version != v {
			t.Fatalf("removed = %v", removed)
		}
		feed, _ := s.ChangeFeed(ctx, 0, 10)
		if len(feed) != 0 {
			t.Errorf("rollback of a Creating row must not publish, feed = %+v", feed)
		}
		due, _ := s.RetrieveDeletedInstances(ctx, 10, 5)
		if len(due) != 1 || due[0].Version != v {
			t.Errorf("expected one due cleanup record, got %+v", due)
		}
		// The identifier is free again.
		if _, err := s.CreateInstanceIndex(ctx, Dataset("7.1", "7.1.1", "7.1.1.1"), querytag.Builtin); err != nil {
			t.Errorf("create after rollback: %v", err)
		}
	})

	t.Run("DeleteVersionScope", func(t *testing.T) {
		s, clock := open(t)
		ctx := context.Background()
		first := store(t, s, "7.2", "7.2.1", "7.2.1.1")
		if _, err := s.DeleteScopeIndex(ctx, index.InstanceScope(first.InstanceIdentifier), clock.Now()); err != nil {
			t.Fatalf("DeleteScopeIndex: %v", err)
		}
		second := store(t, s, "7.2", "7.2.1", "7.2.1.1")

		// A version scope naming a removed version touches nothing.
		if _, err := s.DeleteScopeIndex(ctx, index.VersionScope(first), clock.Now()); !errors.Is(err, fault.ErrNotFound) {
			t.Fatalf("stale version: expected not found, got %v", err)
		}
		rows, err := s.GetInstances(ctx, second.InstanceIdentifier)
		if err != nil {
			t.Fatalf("GetInstances: %v", err)
		}
		if len(rows) != 1 || rows[0].Version != second.Version {
			t.Fatalf("rows = %+v, want only version %d", rows, second.Version)
		}

		removed, err := s.DeleteScopeIndex(ctx, index.VersionScope(second), clock.Now())
		if err != nil {
			t.Fatalf("DeleteScopeIndex(version): %v", err)
		}
		if len(removed) != 1 || removed[0] != second {
			t.Fatalf("removed = %v, want %v", removed, second)
		}
	})

	t.Run("DeleteNotFound", func(t *testing.T) {
		s, _ := open(t)
		store(t, s, "8.1", "8.1.1", "8.1.1.1")
		_, err := s.DeleteScopeIndex(context.Background(), index.StudyScope("8.2"), time.Time{})
		if !errors.Is(err, fault.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})

	t.Run("DeleteStudy", func(t *testing.T) {
		s, _ := open(t)
		ctx := context.Background()
		store(t, s, "9.1", "9.1.1", "9.1.1.1")
		store(t, s, "9.1", "9.1.2", "9.1.2.1")
		keep := store(t, s, "9.2", "9.2.1", "9.2.1.1")
		removed, err := s.DeleteScopeIndex(ctx, index.StudyScope("9.1"), time.Time{})
		if err != nil {
			t.Fatalf("DeleteScopeIndex: %v", err)
		}
		if len(removed) != 2 {
			t.Errorf("removed %d, want 2", len(removed))
		}
		if rows, _ := s.GetInstances(ctx, keep.InstanceIdentifier); len(rows) != 1 {
			t.Error("other study must survive")
		}
	})

	t.Run("FeedPaginationAndOrder", func(t *testing.T) {
		s, _ := open(t)
		ctx := context.Background()
		for i := 1; i <= 10; i++ {
			store(t, s, "10.1", "10.1.1", fmt.Sprintf("10.1.1.%d", i))
		}
		if _, err := s.DeleteScopeIndex(ctx, index.InstanceScope(identifier("10.1", "10.1.1", "10.1.1.1")), time.Time{}); err != nil {
			t.Fatalf("DeleteScopeIndex: %v", err)
		}

		all, err := s.ChangeFeed(ctx, 0, 100)
		if err != nil {
			t.Fatalf("ChangeFeed: %v", err)
		}
		if len(all) != 11 {
			t.Fatalf("feed has %d entries, want 11", len(all))
		}
		for i, e := range all {
			if e.Sequence != int64(i+1) {
				t.Fatalf("entry %d has sequence %d", i, e.Sequence)
			}
		}

		page, err := s.ChangeFeed(ctx, 1, 10)
		if err != nil {
			t.Fatalf("ChangeFeed: %v", err)
		}
		if len(page) != 10 || page[0].Sequence != 2 || page[9].Sequence != 11 {
			t.Fatalf("page [1,11) = %d entries from %d", len(page), page[0].Sequence)
		}
		if page[9].Action != index.ActionDelete {
			t.Errorf("last entry should be the delete, got %s", page[9].Action)
		}

		tail, err := s.ChangeFeed(ctx, 8, 10)
		if err != nil {
			t.Fatalf("ChangeFeed: %v", err)
		}
		if len(tail) != 3 {
			t.Errorf("tail page has %d entries, want 3", len(tail))
		}
		past, err := s.ChangeFeed(ctx, 50, 10)
		if err != nil {
			t.Fatalf("ChangeFeed: %v", err)
		}
		if len(past) != 0 {
			t.Errorf("offset past end returned %d entries", len(past))
		}

		latest, ok, err := s.ChangeFeedLatest(ctx)
		if err != nil || !ok {
			t.Fatalf("ChangeFeedLatest: %v, %v", ok, err)
		}
		if latest.Sequence != 11 {
			t.Errorf("latest sequence = %d, want 11", latest.Sequence)
		}
	})

	t.Run("FeedLatestEmpty", func(t *testing.T) {
		s, _ := open(t)
		_, ok, err := s.ChangeFeedLatest(context.Background())
		if err != nil {
			t.Fatalf("ChangeFeedLatest: %v", err)
		}
		if ok {
			t.Error("empty feed should report no latest entry")
		}
	})

	t.Run("FeedLiveVersionAfterReplace", func(t *testing.T) {
		s, _ := open(t)
		ctx := context.Background()
		first := store(t, s, "11.1", "11.1.1", "11.1.1.1")
		if _, err := s.DeleteScopeIndex(ctx, index.InstanceScope(first.InstanceIdentifier), time.Time{}); err != nil {
			t.Fatalf("DeleteScopeIndex: %v", err)
		}
		second := store(t, s, "11.1", "11.1.1", "11.1.1.1")

		feed, err := s.ChangeFeed(ctx, 0, 10)
		if err != nil {
			t.Fatalf("ChangeFeed: %v", err)
		}
		if len(feed) != 3 {
			t.Fatalf("feed has %d entries, want 3", len(feed))
		}
		for _, e := range feed {
			if e.LiveVersion == nil || *e.LiveVersion != second.Version {
				t.Errorf("entry %d: live version = %v, want %d", e.Sequence, e.LiveVersion, second.Version)
			}
		}
		if feed[0].OriginalVersion != first.Version || feed[2].OriginalVersion != second.Version {
			t.Errorf("original versions changed: %+v", feed)
		}
	})

	t.Run("CleanupBookkeeping", func(t *testing.T) {
		s, clock := open(t)
		ctx := context.Background()
		var vids []dicom.VersionedInstanceIdentifier
		for i := 1; i <= 4; i++ {
			vids = append(vids, store(t, s, "12.1", "12.1.1", fmt.Sprintf("12.1.1.%d", i)))
		}
		deletedAt := clock.Now()
		for i, vid := range vids {
			// Later versions become due earlier so ordering is by CleanupAfter.
			due := clock.Now().Add(time.Duration(len(vids)-i) * time.Minute)
			if _, err := s.DeleteScopeIndex(ctx, index.InstanceScope(vid.InstanceIdentifier), due); err != nil {
				t.Fatalf("DeleteScopeIndex: %v", err)
			}
		}

		oldest, ok, err := s.GetOldestDeletedInstance(ctx)
		if err != nil || !ok {
			t.Fatalf("GetOldestDeletedInstance: %v, %v", ok, err)
		}
		if !oldest.Equal(deletedAt) {
			t.Errorf("oldest = %v, want %v", oldest, deletedAt)
		}

		clock.Advance(10 * time.Minute)
		batch, err := s.RetrieveDeletedInstances(ctx, 2, 3)
		if err != nil {
			t.Fatalf("RetrieveDeletedInstances: %v", err)
		}
		if len(batch) != 2 || batch[0].Version != vids[3].Version || batch[1].Version != vids[2].Version {
			t.Fatalf("batch not oldest-first: %+v", batch)
		}

		n, err := s.IncrementDeletedInstanceRetry(ctx, vids[3], clock.Now().Add(time.Hour))
		if err != nil {
			t.Fatalf("IncrementDeletedInstanceRetry: %v", err)
		}
		if n != 1 {
			t.Errorf("retry count = %d, want 1", n)
		}
		batch, _ = s.RetrieveDeletedInstances(ctx, 10, 3)
		if len(batch) != 3 {
			t.Errorf("rescheduled record should not be due, got %d records", len(batch))
		}

		for range 2 {
			if _, err := s.IncrementDeletedInstanceRetry(ctx, vids[2], clock.Now()); err != nil {
				t.Fatalf("IncrementDeletedInstanceRetry: %v", err)
			}
		}
		n, err = s.IncrementDeletedInstanceRetry(ctx, vids[2], clock.Now())
		if err != nil || n != 3 {
			t.Fatalf("IncrementDeletedInstanceRetry = %d, %v", n, err)
		}
		exhausted, err := s.CountExhaustedDeletedInstanceAttempts(ctx, 3)
		if err != nil {
			t.Fatalf("CountExhaustedDeletedInstanceAttempts: %v", err)
		}
		if exhausted != 1 {
			t.Errorf("exhausted = %d, want 1", exhausted)
		}
		batch, _ = s.RetrieveDeletedInstances(ctx, 10, 3)
		for _, d := range batch {
			if d.Version == vids[2].Version {
				t.Error("exhausted record must not be retrieved")
			}
		}

		if err := s.DeleteDeletedInstance(ctx, vids[0]); err != nil {
			t.Fatalf("DeleteDeletedInstance: %v", err)
		}
		if err := s.DeleteDeletedInstance(ctx, vids[0]); err != nil {
			t.Errorf("deleting a missing record should be a no-op, got %v", err)
		}
		if _, err := s.IncrementDeletedInstanceRetry(ctx, vids[0], clock.Now()); !errors.Is(err, fault.ErrNotFound) {
			t.Errorf("increment on missing record: expected not found, got %v", err)
		}
		exhausted, _ = s.CountExhaustedDeletedInstanceAttempts(ctx, 3)
		if exhausted != 1 {
			t.Errorf("exhausted records must be kept, count = %d", exhausted)
		}
	})

	t.Run("OldestDeletedEmpty", func(t *testing.T) {
		s, _ := open(t)
		_, ok, err := s.GetOldestDeletedInstance(context.Background())
		if err != nil || ok {
			t.Fatalf("GetOldestDeletedInstance on empty store = %v, %v", ok, err)
		}
	})

	t.Run("ExtendedQueryTags", func(t *testing.T) {
		s, _ := open(t)
		ctx := context.Background()

		added, err := s.AddExtendedQueryTags(ctx, []querytag.Entry{
			{Path: "00081090", VR: dicom.VRLO, Level: querytag.LevelSeries, Status: querytag.StatusAdding},
			{Path: "00091001", VR: dicom.VRDS, PrivateCreator: "ACME", Status: querytag.StatusAdding},
		})
		if err != nil {
			t.Fatalf("AddExtendedQueryTags: %v", err)
		}
		if len(added) != 2 || added[0].Key == 0 || added[0].Key == added[1].Key {
			t.Fatalf("keys not assigned: %+v", added)
		}

		_, err = s.AddExtendedQueryTags(ctx, []querytag.Entry{
			{Path: "00181030", VR: dicom.VRLO},
			{Path: "00081090", VR: dicom.VRLO},
		})
		if !errors.Is(err, querytag.ErrTagExists) {
			t.Fatalf("expected ErrTagExists, got %v", err)
		}

		all, err := s.GetExtendedQueryTags(ctx)
		if err != nil {
			t.Fatalf("GetExtendedQueryTags: %v", err)
		}
		if len(all) != 2 {
			t.Fatalf("duplicate batch must be rejected whole, have %d tags", len(all))
		}
		if all[1].PrivateCreator != "ACME" || all[1].VR != dicom.VRDS || all[0].Level != querytag.LevelSeries {
			t.Errorf("round trip mismatch: %+v", all)
		}

		e, err := s.UpdateExtendedQueryTagStatus(ctx, "00081090", querytag.StatusReady)
		if err != nil {
			t.Fatalf("UpdateExtendedQueryTagStatus: %v", err)
		}
		if e.Status != querytag.StatusReady || e.Key != added[0].Key {
			t.Errorf("updated entry = %+v", e)
		}
		if _, err := s.UpdateExtendedQueryTagStatus(ctx, "00100030", querytag.StatusReady); !errors.Is(err, fault.ErrNotFound) {
			t.Errorf("unknown tag: expected not found, got %v", err)
		}
	})

	t.Run("ExtendedIndexRows", func(t *testing.T) {
		s, _ := open(t)
		ctx := context.Background()

		added, err := s.AddExtendedQueryTags(ctx, []querytag.Entry{
			{Path: "00081090", VR: dicom.VRLO, Status: querytag.StatusReady},
			{Path: "00200013", VR: dicom.VRIS, Status: querytag.StatusReady},
			{Path: "00180050", VR: dicom.VRDS, Status: querytag.StatusReady},
			{Path: "00080021", VR: dicom.VRDA, Level: querytag.LevelSeries, Status: querytag.StatusReady},
			{Path: "00081070", VR: dicom.VRPN, Status: querytag.StatusReady},
		})
		if err != nil {
			t.Fatalf("AddExtendedQueryTags: %v", err)
		}
		active := append([]querytag.QueryTag{}, querytag.Builtin...)
		for _, e := range added {
			active = append(active, querytag.FromEntry(e))
		}

		ds := Dataset("13.1", "13.1.1", "13.1.1.1")
		ds.SetString(dicom.NewTag(0x0008, 0x1090), dicom.VRLO, "Model X")
		ds.SetString(dicom.NewTag(0x0020, 0x0013), dicom.VRIS, "12")
		ds.SetString(dicom.NewTag(0x0018, 0x0050), dicom.VRDS, "0.625")
		ds.SetString(dicom.NewTag(0x0008, 0x0021), dicom.VRDA, "20240102")

		if _, err := s.CreateInstanceIndex(ctx, ds, active); err != nil {
			t.Fatalf("CreateInstanceIndex: %v", err)
		}
		rows, err := s.GetInstances(ctx, identifier("13.1", "13.1.1", "13.1.1.1"))
		if err != nil || len(rows) != 1 {
			t.Fatalf("GetInstances: %d rows, %v", len(rows), err)
		}
		ext := rows[0].ExtendedRows
		if len(ext) != 4 {
			t.Fatalf("got %d extended rows, want 4 (operator name absent): %+v", len(ext), ext)
		}
		byKey := map[int64]querytag.IndexRow{}
		for _, r := range ext {
			byKey[r.TagKey] = r
		}
		if r := byKey[added[0].Key]; r.String != "Model X" {
			t.Errorf("string row = %+v", r)
		}
		if r := byKey[added[1].Key]; r.Long != 12 {
			t.Errorf("long row = %+v", r)
		}
		if r := byKey[added[2].Key]; r.Double != 0.625 {
			t.Errorf("double row = %+v", r)
		}
		if r := byKey[added[3].Key]; r.Level != querytag.LevelSeries || !r.DateTime.Equal(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)) {
			t.Errorf("datetime row = %+v", r)
		}
		if _, ok := byKey[added[4].Key]; ok {
			t.Error("absent attribute must not be indexed")
		}
	})
}
