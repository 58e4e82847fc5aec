// Package memory provides an in-memory blob.Objects backend for tests and
// the --blob memory mode.
package memory

import (
	"bytes"
	"context"
	"io"
	"maps"
	"slices"
	"sync"

	"github.com/yjsyyyjszf/dicom-server-1/internal/blob"
	"github.com/yjsyyyjszf/dicom-server-1/internal/fault"
)

// Objects holds objects in a map.
type Objects struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

var _ blob.Objects = (*Objects)(nil)

// New creates an empty store.
func New() *Objects {
	return &Objects{objects: make(map[string][]byte)}
}

func (o *Objects) Put(ctx context.Context, name string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	o.mu.Lock()
	o.objects[name] = data
	o.mu.Unlock()
	return "mem://" + name, nil
}

func (o *Objects) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o.mu.RLock()
	data, ok := o.objects[name]
	o.mu.RUnlock()
	if !ok {
		return nil, fault.NotFound("blob.memory", "object %s", name)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (o *Objects) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.mu.Lock()
	delete(o.objects, name)
	o.mu.Unlock()
	return nil
}

// Names returns the stored object names, sorted.
func (o *Objects) Names() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return slices.Sorted(maps.Keys(o.objects))
}
