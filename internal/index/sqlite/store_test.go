package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/yjsyyyjszf/dicom-server-1/internal/index"
	"github.com/yjsyyyjszf/dicom-server-1/internal/index/indextest"
	"github.com/yjsyyyjszf/dicom-server-1/internal/querytag"
)

func newTestStore(t *testing.T, clock func() time.Time) *Store {
	t.Helper()
	s, err := NewStore(context.Background(), filepath.Join(t.TempDir(), "index.db"), WithClock(clock))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestConformance(t *testing.T) {
	indextest.TestStore(t, func(t *testing.T, clock func() time.Time) index.Store {
		return newTestStore(t, clock)
	})
}

func TestReopenKeepsState(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "index.db")

	s, err := NewStore(ctx, path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	v1, err := s.CreateInstanceIndex(ctx, indextest.Dataset("1.1", "1.1.1", "1.1.1.1"), querytag.Builtin)
	if err != nil {
		t.Fatalf("CreateInstanceIndex: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Migrations are not re-applied and the version counter survives.
	s, err = NewStore(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	v2, err := s.CreateInstanceIndex(ctx, indextest.Dataset("1.1", "1.1.1", "1.1.1.2"), querytag.Builtin)
	if err != nil {
		t.Fatalf("CreateInstanceIndex: %v", err)
	}
	if v2 <= v1 {
		t.Errorf("version after reopen = %d, want > %d", v2, v1)
	}
}
