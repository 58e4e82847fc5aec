// Package blobtest provides a conformance suite for blob.Objects backends.
package blobtest

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/yjsyyyjszf/dicom-server-1/internal/blob"
	"github.com/yjsyyyjszf/dicom-server-1/internal/fault"
)

// TestObjects runs the conformance suite against backends built by
// newObjects. Each subtest receives a fresh backend.
func TestObjects(t *testing.T, newObjects func(t *testing.T) blob.Objects) {
	ctx := context.Background()

	t.Run("PutGet", func(t *testing.T) {
		o := newObjects(t)
		loc, err := o.Put(ctx, "1.2/1.2.3/1.2.3.4_1.dcm", strings.NewReader("payload"))
		if err != nil {
			t.Fatalf("Put: %v", err)
		}
		if loc == "" {
			t.Error("Put returned empty location")
		}
		if got := read(t, o, "1.2/1.2.3/1.2.3.4_1.dcm"); got != "payload" {
			t.Errorf("Get = %q, want %q", got, "payload")
		}
	})

	t.Run("PutReplaces", func(t *testing.T) {
		o := newObjects(t)
		for _, body := range []string{"first", "second"} {
			if _, err := o.Put(ctx, "a/b", strings.NewReader(body)); err != nil {
				t.Fatalf("Put %q: %v", body, err)
			}
		}
		if got := read(t, o, "a/b"); got != "second" {
			t.Errorf("Get = %q, want %q", got, "second")
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		o := newObjects(t)
		_, err := o.Get(ctx, "missing/object")
		if !errors.Is(err, fault.ErrNotFound) {
			t.Fatalf("Get missing: err = %v, want ErrNotFound", err)
		}
	})

	t.Run("DeleteIdempotent", func(t *testing.T) {
		o := newObjects(t)
		if _, err := o.Put(ctx, "x/y", strings.NewReader("z")); err != nil {
			t.Fatal(err)
		}
		for i := range 2 {
			if err := o.Delete(ctx, "x/y"); err != nil {
				t.Fatalf("Delete #%d: %v", i+1, err)
			}
		}
		if _, err := o.Get(ctx, "x/y"); !errors.Is(err, fault.ErrNotFound) {
			t.Errorf("Get after delete: err = %v, want ErrNotFound", err)
		}
	})

	t.Run("DeleteKeepsSiblings", func(t *testing.T) {
		o := newObjects(t)
		for _, name := range []string{"s/a", "s/b"} {
			if _, err := o.Put(ctx, name, strings.NewReader(name)); err != nil {
				t.Fatal(err)
			}
		}
		if err := o.Delete(ctx, "s/a"); err != nil {
			t.Fatal(err)
		}
		if got := read(t, o, "s/b"); got != "s/b" {
			t.Errorf("sibling = %q, want %q", got, "s/b")
		}
	})
}

func read(t *testing.T, o blob.Objects, name string) string {
	t.Helper()
	rc, err := o.Get(context.Background(), name)
	if err != nil {
		t.Fatalf("Get %s: %v", name, err)
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read %s: %v", name, err)
	}
	return string(data)
}
