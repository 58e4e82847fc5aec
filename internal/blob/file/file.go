// Package file provides a filesystem blob.Objects backend.
//
// Object names map to paths under a root directory. Writes go to a
// temporary file in the destination directory and are renamed into place,
// so readers never observe a partially written object.
package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/yjsyyyjszf/dicom-server-1/internal/blob"
	"github.com/yjsyyyjszf/dicom-server-1/internal/fault"
)

// Objects stores objects as files under a root directory.
type Objects struct {
	root string

	// afterMkdir runs between creating a directory and the temp file in it.
	afterMkdir func(dir string)
}

var _ blob.Objects = (*Objects)(nil)

// New creates a file backend rooted at dir, creating it if needed.
func New(dir string) (*Objects, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create blob root %s: %w", dir, err)
	}
	return &Objects{root: filepath.Clean(dir)}, nil
}

// Root returns the root directory.
func (o *Objects) Root() string { return o.root }

func (o *Objects) path(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fault.Validation("blob.file", "invalid object name %q", name)
	}
	return filepath.Join(o.root, clean), nil
}

func (o *Objects) Put(ctx context.Context, name string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dst, err := o.path(name)
	if err != nil {
		return "", err
	}
	tmp, err := o.createTemp(filepath.Dir(dst))
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("rename %s: %w", name, err)
	}
	return dst, nil
}

// createTemp creates a temp file in dir, creating dir first. A concurrent
// Delete may prune dir between the two steps, so that case is retried.
func (o *Objects) createTemp(dir string) (*os.File, error) {
	const attempts = 3
	var err error
	for range attempts {
		if err = os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
		if o.afterMkdir != nil {
			o.afterMkdir(dir)
		}
		var tmp *os.File
		tmp, err = os.CreateTemp(dir, ".put-*")
		if err == nil {
			return tmp, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			break
		}
	}
	return nil, fmt.Errorf("create temp file: %w", err)
}

func (o *Objects) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := o.path(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p) //nolint:gosec // path is confined to the root
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fault.NotFound("blob.file", "object %s", name)
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (o *Objects) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := o.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	o.pruneEmpty(filepath.Dir(p))
	return nil
}

// pruneEmpty removes empty directories between dir and the root.
func (o *Objects) pruneEmpty(dir string) {
	for dir != o.root && strings.HasPrefix(dir, o.root) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}
