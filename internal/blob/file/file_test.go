package file

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/yjsyyyjszf/dicom-server-1/internal/blob"
	"github.com/yjsyyyjszf/dicom-server-1/internal/blob/blobtest"
	"github.com/yjsyyyjszf/dicom-server-1/internal/fault"
)

func TestObjects(t *testing.T) {
	blobtest.TestObjects(t, func(t *testing.T) blob.Objects {
		o, err := New(t.TempDir())
		if err != nil {
			t.Fatal(err)
		}
		return o
	})
}

func TestPutLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	o, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	loc, err := o.Put(context.Background(), "st/se/sop_1.dcm", strings.NewReader("data"))
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(dir, "st", "se", "sop_1.dcm"); loc != want {
		t.Errorf("location = %q, want %q", loc, want)
	}
	entries, err := os.ReadDir(filepath.Join(dir, "st", "se"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("directory has %d entries, want 1", len(entries))
	}
}

func TestDeletePrunesEmptyDirs(t *testing.T) {
	dir := t.TempDir()
	o, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := o.Put(ctx, "st/se/sop_1.dcm", strings.NewReader("data")); err != nil {
		t.Fatal(err)
	}
	if err := o.Delete(ctx, "st/se/sop_1.dcm"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "st")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("study directory still present: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("root removed: %v", err)
	}
}

func TestPutRecreatesPrunedDir(t *testing.T) {
	dir := t.TempDir()
	o, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := o.Put(ctx, "st/se/sop_1.dcm", strings.NewReader("one")); err != nil {
		t.Fatal(err)
	}

	// Delete the last object in the series between MkdirAll and CreateTemp,
	// the way a concurrent Delete would.
	pruned := false
	o.afterMkdir = func(string) {
		if pruned {
			return
		}
		pruned = true
		if err := o.Delete(ctx, "st/se/sop_1.dcm"); err != nil {
			t.Errorf("Delete: %v", err)
		}
	}
	if _, err := o.Put(ctx, "st/se/sop_2.dcm", strings.NewReader("two")); err != nil {
		t.Fatalf("Put after concurrent prune: %v", err)
	}
	if !pruned {
		t.Fatal("directory was never pruned")
	}
	data, err := os.ReadFile(filepath.Join(dir, "st", "se", "sop_2.dcm"))
	if err != nil || string(data) != "two" {
		t.Errorf("sop_2 = %q, %v", data, err)
	}
}

func TestRejectsEscapingNames(t *testing.T) {
	o, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"../x", "/etc/passwd", "", "a/../../b"} {
		_, err := o.Put(context.Background(), name, strings.NewReader("x"))
		if !errors.Is(err, fault.ErrValidation) {
			t.Errorf("Put(%q): err = %v, want ErrValidation", name, err)
		}
	}
}
