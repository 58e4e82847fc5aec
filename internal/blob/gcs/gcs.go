// Package gcs provides a Google Cloud Storage blob.Objects backend.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/yjsyyyjszf/dicom-server-1/internal/blob"
	"github.com/yjsyyyjszf/dicom-server-1/internal/fault"
)

// Config selects the bucket and credentials.
type Config struct {
	Bucket string
	Prefix string
	// CredentialsFile is a service account key file. When empty the
	// application default credentials are used.
	CredentialsFile string
	// Endpoint overrides the service endpoint (emulators).
	Endpoint string
	// Anonymous disables authentication.
	Anonymous bool
}

// Objects stores objects in a GCS bucket.
type Objects struct {
	client *storage.Client
	bucket string
	prefix string
}

var _ blob.Objects = (*Objects)(nil)

// New creates a GCS backend. Close releases the client.
func New(ctx context.Context, cfg Config) (*Objects, error) {
	if cfg.Bucket == "" {
		return nil, fault.Validation("blob.gcs", "bucket is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile)) //nolint:staticcheck // key files are still supported
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Anonymous {
		opts = append(opts, option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &Objects{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Close releases the underlying client.
func (o *Objects) Close() error { return o.client.Close() }

func (o *Objects) object(name string) (*storage.ObjectHandle, string) {
	key := name
	if o.prefix != "" {
		key = path.Join(o.prefix, name)
	}
	return o.client.Bucket(o.bucket).Object(key), key
}

func (o *Objects) Put(ctx context.Context, name string, r io.Reader) (string, error) {
	obj, key := o.object(name)
	w := obj.NewWriter(ctx)
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("write gs://%s/%s: %w", o.bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("write gs://%s/%s: %w", o.bucket, key, err)
	}
	return "gs://" + o.bucket + "/" + key, nil
}

func (o *Objects) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	obj, key := o.object(name)
	rc, err := obj.NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fault.NotFound("blob.gcs", "object gs://%s/%s", o.bucket, key)
	}
	if err != nil {
		return nil, fmt.Errorf("read gs://%s/%s: %w", o.bucket, key, err)
	}
	return rc, nil
}

func (o *Objects) Delete(ctx context.Context, name string) error {
	obj, key := o.object(name)
	if err := obj.Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete gs://%s/%s: %w", o.bucket, key, err)
	}
	return nil
}
