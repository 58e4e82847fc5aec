package app

import (
	"context"
	"fmt"
	"io"

	"github.com/yjsyyyjszf/dicom-server-1/internal/blob"
	"github.com/yjsyyyjszf/dicom-server-1/internal/blob/azure"
	blobfile "github.com/yjsyyyjszf/dicom-server-1/internal/blob/file"
	"github.com/yjsyyyjszf/dicom-server-1/internal/blob/gcs"
	blobmem "github.com/yjsyyyjszf/dicom-server-1/internal/blob/memory"
	"github.com/yjsyyyjszf/dicom-server-1/internal/blob/s3"
	"github.com/yjsyyyjszf/dicom-server-1/internal/config"
	"github.com/yjsyyyjszf/dicom-server-1/internal/home"
	"github.com/yjsyyyjszf/dicom-server-1/internal/index"
	indexmem "github.com/yjsyyyjszf/dicom-server-1/internal/index/memory"
	indexsqlite "github.com/yjsyyyjszf/dicom-server-1/internal/index/sqlite"
	"github.com/yjsyyyjszf/dicom-server-1/internal/metadata"
	"github.com/yjsyyyjszf/dicom-server-1/internal/metadata/blobstore"
	"github.com/yjsyyyjszf/dicom-server-1/internal/metadata/cached"
	mdpebble "github.com/yjsyyyjszf/dicom-server-1/internal/metadata/pebble"
	"github.com/yjsyyyjszf/dicom-server-1/internal/metrics"
)

// IndexFactory opens an index store.
type IndexFactory func(ctx context.Context, cfg config.IndexConfig, hd home.Dir) (index.Store, error)

// BlobFactory opens a content backend. The returned closer may be nil.
type BlobFactory func(ctx context.Context, cfg config.BlobConfig, hd home.Dir) (blob.Objects, io.Closer, error)

// MetadataFactory opens a metadata backend. objects is the content backend,
// which blob-backed metadata shares. The returned closer may be nil.
type MetadataFactory func(ctx context.Context, cfg config.MetadataConfig, objects blob.Objects, hd home.Dir) (metadata.Store, io.Closer, error)

// Factories maps backend names to constructors.
type Factories struct {
	Index    map[string]IndexFactory
	Blob     map[string]BlobFactory
	Metadata map[string]MetadataFactory
}

// DefaultFactories returns the built-in backends.
func DefaultFactories() Factories {
	return Factories{
		Index: map[string]IndexFactory{
			config.IndexSQLite: openSQLiteIndex,
			config.IndexMemory: func(context.Context, config.IndexConfig, home.Dir) (index.Store, error) {
				return indexmem.NewStore(), nil
			},
		},
		Blob: map[string]BlobFactory{
			config.BlobFile:   openFileBlobs,
			config.BlobMemory: func(context.Context, config.BlobConfig, home.Dir) (blob.Objects, io.Closer, error) { return blobmem.New(), nil, nil },
			config.BlobS3:     openS3Blobs,
			config.BlobAzure:  openAzureBlobs,
			config.BlobGCS:    openGCSBlobs,
		},
		Metadata: map[string]MetadataFactory{
			config.MetadataBlob: func(_ context.Context, _ config.MetadataConfig, objects blob.Objects, _ home.Dir) (metadata.Store, io.Closer, error) {
				return blobstore.New(objects), nil, nil
			},
			config.MetadataPebble: openPebbleMetadata,
		},
	}
}

// NeedsHome reports whether cfg keeps any state in the home directory.
func NeedsHome(cfg config.Config) bool {
	return (cfg.Index.Type == config.IndexSQLite && cfg.Index.Path == "") ||
		(cfg.Blob.Type == config.BlobFile && cfg.Blob.File.Dir == "") ||
		(cfg.Metadata.Type == config.MetadataPebble && cfg.Metadata.Dir == "")
}

func openSQLiteIndex(ctx context.Context, cfg config.IndexConfig, hd home.Dir) (index.Store, error) {
	path := cfg.Path
	if path == "" {
		path = hd.IndexPath()
	}
	return indexsqlite.NewStore(ctx, path)
}

func openFileBlobs(_ context.Context, cfg config.BlobConfig, hd home.Dir) (blob.Objects, io.Closer, error) {
	dir := cfg.File.Dir
	if dir == "" {
		dir = hd.BlobDir()
	}
	o, err := blobfile.New(dir)
	return o, nil, err
}

func openS3Blobs(ctx context.Context, cfg config.BlobConfig, _ home.Dir) (blob.Objects, io.Closer, error) {
	c := cfg.S3
	o, err := s3.New(ctx, s3.Config{
		Bucket:          c.Bucket,
		Prefix:          c.Prefix,
		Region:          c.Region,
		Endpoint:        c.Endpoint,
		PathStyle:       c.PathStyle,
		AccessKeyID:     c.AccessKeyID,
		SecretAccessKey: c.SecretAccessKey,
	})
	return o, nil, err
}

func openAzureBlobs(_ context.Context, cfg config.BlobConfig, _ home.Dir) (blob.Objects, io.Closer, error) {
	c := cfg.Azure
	o, err := azure.New(azure.Config{
		Container:        c.Container,
		Prefix:           c.Prefix,
		ConnectionString: c.ConnectionString,
		AccountURL:       c.AccountURL,
		AccountName:      c.AccountName,
		AccountKey:       c.AccountKey,
	})
	return o, nil, err
}

func openGCSBlobs(ctx context.Context, cfg config.BlobConfig, _ home.Dir) (blob.Objects, io.Closer, error) {
	c := cfg.GCS
	o, err := gcs.New(ctx, gcs.Config{
		Bucket:          c.Bucket,
		Prefix:          c.Prefix,
		CredentialsFile: c.CredentialsFile,
		Endpoint:        c.Endpoint,
		Anonymous:       c.Anonymous,
	})
	if err != nil {
		return nil, nil, err
	}
	return o, o, nil
}

func openPebbleMetadata(_ context.Context, cfg config.MetadataConfig, _ blob.Objects, hd home.Dir) (metadata.Store, io.Closer, error) {
	dir := cfg.Dir
	if dir == "" {
		dir = hd.MetadataDir()
	}
	s, err := mdpebble.Open(dir)
	if err != nil {
		return nil, nil, err
	}
	return s, s, nil
}

// withCache wraps md in a read cache when size > 0.
func withCache(md metadata.Store, size int, m *metrics.Metrics) (metadata.Store, error) {
	if size <= 0 {
		return md, nil
	}
	c, err := cached.New(md, size, cached.WithHitMissHooks(m.CacheHit, m.CacheMiss))
	if err != nil {
		return nil, fmt.Errorf("metadata cache: %w", err)
	}
	return c, nil
}
