package querytag

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/yjsyyyjszf/dicom-server-1/internal/dicom"
	"github.com/yjsyyyjszf/dicom-server-1/internal/fault"
)

// fakeStore is an in-memory Store for registry tests.
type fakeStore struct {
	mu      sync.Mutex
	entries []Entry
	nextKey int64
	adds    int
}

func (s *fakeStore) AddExtendedQueryTags(_ context.Context, entries []Entry) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adds++
	for _, e := range entries {
		for _, x := range s.entries {
			if x.Path == e.Path {
				return nil, ErrTagExists
			}
		}
	}
	out := make([]Entry, len(entries))
	for i, e := range entries {
		s.nextKey++
		e.Key = s.nextKey
		out[i] = e
		s.entries = append(s.entries, e)
	}
	return out, nil
}

func (s *fakeStore) GetExtendedQueryTags(context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.entries...), nil
}

func (s *fakeStore) UpdateExtendedQueryTagStatus(_ context.Context, path string, status Status) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].Path == path {
			s.entries[i].Status = status
			return s.entries[i], nil
		}
	}
	return Entry{}, fault.NotFound("fake", "tag %s", path)
}

func TestAddTagsUnsupportedVR(t *testing.T) {
	store := &fakeStore{}
	r := NewRegistry(store, nil)
	ctx := context.Background()

	_, err := r.AddTags(ctx, []AddRequest{
		{Path: "00081090", VR: "LO"},
		{Path: "00187001", VR: "OB"},
	})
	if !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if store.adds != 0 || len(store.entries) != 0 {
		t.Fatalf("nothing should be persisted, got %d entries", len(store.entries))
	}

	added, err := r.AddTags(ctx, []AddRequest{{Path: "0008,1090", VR: "lo"}})
	if err != nil {
		t.Fatalf("AddTags: %v", err)
	}
	if len(added) != 1 {
		t.Fatalf("added %d tags, want 1", len(added))
	}
	got := added[0]
	if got.Path != "00081090" || got.VR != dicom.VRLO || got.Status != StatusAdding || got.Level != LevelInstance {
		t.Errorf("unexpected entry %+v", got)
	}
}

func TestAddTagsValidation(t *testing.T) {
	tests := []struct {
		name string
		reqs []AddRequest
	}{
		{"empty", nil},
		{"bad path", []AddRequest{{Path: "xyz", VR: "LO"}}},
		{"builtin", []AddRequest{{Path: "00100020", VR: "LO"}}},
		{"missing vr", []AddRequest{{Path: "00081090"}}},
		{"private without creator", []AddRequest{{Path: "00091001", VR: "LO"}}},
		{"standard with creator", []AddRequest{{Path: "00081090", VR: "LO", PrivateCreator: "ACME"}}},
		{"bad level", []AddRequest{{Path: "00081090", VR: "LO", Level: "patient"}}},
		{"duplicate in request", []AddRequest{{Path: "00081090", VR: "LO"}, {Path: "0008,1090", VR: "LO"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{}
			_, err := NewRegistry(store, nil).AddTags(context.Background(), tt.reqs)
			if !errors.Is(err, fault.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if store.adds != 0 {
				t.Error("store should not be written")
			}
		})
	}
}

func TestAddTagsDuplicateOfRegistered(t *testing.T) {
	store := &fakeStore{}
	r := NewRegistry(store, nil)
	ctx := context.Background()
	if _, err := r.AddTags(ctx, []AddRequest{{Path: "00081090", VR: "LO"}}); err != nil {
		t.Fatalf("AddTags: %v", err)
	}
	_, err := r.AddTags(ctx, []AddRequest{{Path: "00181030", VR: "LO"}, {Path: "00081090", VR: "LO"}})
	if !errors.Is(err, fault.ErrValidation) || !errors.Is(err, ErrTagExists) {
		t.Fatalf("expected validation error wrapping ErrTagExists, got %v", err)
	}
	if len(store.entries) != 1 {
		t.Errorf("batch should be rejected whole, have %d entries", len(store.entries))
	}
}

func TestPrivateTagNormalization(t *testing.T) {
	store := &fakeStore{}
	added, err := NewRegistry(store, nil).AddTags(context.Background(), []AddRequest{
		{Path: "(0009,1001)", VR: "ds", PrivateCreator: "  ACME  ", Level: "series"},
	})
	if err != nil {
		t.Fatalf("AddTags: %v", err)
	}
	e := added[0]
	if e.Path != "00091001" || e.PrivateCreator != "ACME" || e.VR != dicom.VRDS || e.Level != LevelSeries {
		t.Errorf("unexpected entry %+v", e)
	}
}

func TestLifecycle(t *testing.T) {
	store := &fakeStore{}
	r := NewRegistry(store, nil)
	ctx := context.Background()
	if _, err := r.AddTags(ctx, []AddRequest{{Path: "00081090", VR: "LO"}}); err != nil {
		t.Fatalf("AddTags: %v", err)
	}

	active, err := r.GetActiveTags(ctx)
	if err != nil {
		t.Fatalf("GetActiveTags: %v", err)
	}
	if len(active) != len(Builtin) {
		t.Fatalf("Adding tag should not be active, got %d tags", len(active))
	}

	if _, err := r.PromoteTag(ctx, "00081090"); err != nil {
		t.Fatalf("PromoteTag: %v", err)
	}
	active, _ = r.GetActiveTags(ctx)
	if len(active) != len(Builtin)+1 || !active[len(active)-1].IsExtended() {
		t.Fatalf("promoted tag should be active, got %d tags", len(active))
	}

	if _, err := r.PromoteTag(ctx, "00081090"); !errors.Is(err, fault.ErrValidation) {
		t.Errorf("second promote: expected validation error, got %v", err)
	}

	e, err := r.RemoveTag(ctx, "00081090")
	if err != nil {
		t.Fatalf("RemoveTag: %v", err)
	}
	if e.Status != StatusDeleting {
		t.Errorf("status = %s, want Deleting", e.Status)
	}
	active, _ = r.GetActiveTags(ctx)
	if len(active) != len(Builtin) {
		t.Error("deleting tag should not be active")
	}

	if _, err := r.RemoveTag(ctx, "00181030"); !errors.Is(err, fault.ErrNotFound) {
		t.Errorf("unknown tag: expected not found, got %v", err)
	}
}

func TestBucketTable(t *testing.T) {
	tests := map[dicom.VR]Bucket{
		dicom.VRCS: BucketString,
		dicom.VRUI: BucketString,
		dicom.VRIS: BucketLong,
		dicom.VRUS: BucketLong,
		dicom.VRDS: BucketDouble,
		dicom.VRFD: BucketDouble,
		dicom.VRDA: BucketDateTime,
		dicom.VRPN: BucketPersonName,
	}
	for vr, want := range tests {
		got, ok := BucketFor(vr)
		if !ok || got != want {
			t.Errorf("BucketFor(%s) = %s, %v; want %s", vr, got, ok, want)
		}
	}
	for _, vr := range []dicom.VR{dicom.VRSQ, dicom.VRLT, dicom.VRDT, dicom.VRTM, "OB"} {
		if _, ok := BucketFor(vr); ok {
			t.Errorf("BucketFor(%s) should be unmapped", vr)
		}
	}
}

func readyTag(key int64, path string, vr dicom.VR, creator string) QueryTag {
	return FromEntry(Entry{Key: key, Path: path, VR: vr, PrivateCreator: creator, Status: StatusReady})
}

func TestBuildIndexRowsSparse(t *testing.T) {
	ds := dicom.NewDataset()
	ds.SetString(dicom.TagPatientID, dicom.VRLO, "P1")
	ds.SetString(dicom.NewTag(0x0008, 0x1090), dicom.VRLO, "Scanner")
	ds.SetString(dicom.NewTag(0x0020, 0x0013), dicom.VRIS, "3")
	ds.SetString(dicom.NewTag(0x0008, 0x0021), dicom.VRDA, "20230405")
	ds.Set(dicom.Element{Tag: dicom.NewTag(0x0009, 0x1001), VR: dicom.VRDS, PrivateCreator: "ACME", Values: []string{"2.5"}})

	active := append([]QueryTag{}, Builtin...)
	active = append(active,
		readyTag(1, "00081090", dicom.VRLO, ""),
		readyTag(2, "00200013", dicom.VRIS, ""),
		readyTag(3, "00080021", dicom.VRDA, ""),
		readyTag(4, "00091001", dicom.VRDS, "ACME"),
		readyTag(5, "00081070", dicom.VRPN, ""), // absent
		readyTag(1, "00081090", dicom.VRLO, ""), // repeated key
	)

	rows, err := BuildIndexRows(ds, active)
	if err != nil {
		t.Fatalf("BuildIndexRows: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("got %d rows, want 4: %+v", len(rows), rows)
	}
	byKey := make(map[int64]IndexRow)
	for _, r := range rows {
		if _, dup := byKey[r.TagKey]; dup {
			t.Fatalf("duplicate row for tag key %d", r.TagKey)
		}
		byKey[r.TagKey] = r
	}
	if r := byKey[1]; r.Bucket != BucketString || r.String != "Scanner" {
		t.Errorf("row 1 = %+v", r)
	}
	if r := byKey[2]; r.Bucket != BucketLong || r.Long != 3 {
		t.Errorf("row 2 = %+v", r)
	}
	if r := byKey[3]; r.Bucket != BucketDateTime || r.DateTime.Year() != 2023 {
		t.Errorf("row 3 = %+v", r)
	}
	if r := byKey[4]; r.Bucket != BucketDouble || r.Double != 2.5 {
		t.Errorf("row 4 = %+v", r)
	}
	if _, ok := byKey[5]; ok {
		t.Error("absent attribute must not produce a row")
	}
}

func TestBuildIndexRowsUnmappedVR(t *testing.T) {
	ds := dicom.NewDataset()
	ds.SetString(dicom.NewTag(0x0008, 0x1090), dicom.VRLT, "x")
	_, err := BuildIndexRows(ds, []QueryTag{readyTag(1, "00081090", dicom.VRLT, "")})
	if fault.KindOf(err) != fault.KindInvariant {
		t.Fatalf("expected invariant violation, got %v", err)
	}
}
