// Package config describes how an archive is assembled: which index,
// content and metadata backends it uses and how deletion and cleanup are
// tuned.
//
// Config is declarative. It is loaded once at startup from an optional YAML
// file, overridden by command-line flags, validated, and handed to the
// app package which builds the components.
package config

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/go-co-op/gocron/v2"
	"gopkg.in/yaml.v3"
)

// Backend names.
const (
	IndexSQLite = "sqlite"
	IndexMemory = "memory"

	BlobFile   = "file"
	BlobMemory = "memory"
	BlobS3     = "s3"
	BlobAzure  = "azure"
	BlobGCS    = "gcs"

	MetadataBlob   = "blob"
	MetadataPebble = "pebble"
)

// Config is the full archive configuration.
type Config struct {
	Index         IndexConfig         `yaml:"index"`
	Blob          BlobConfig          `yaml:"blob"`
	Metadata      MetadataConfig      `yaml:"metadata"`
	Deletion      DeletionConfig      `yaml:"deletion"`
	Reaper        ReaperConfig        `yaml:"reaper"`
	Store         StoreConfig         `yaml:"store"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// IndexConfig selects the index backend.
type IndexConfig struct {
	Type string `yaml:"type"` // sqlite or memory
	// Path is the SQLite database file. Empty means <home>/index.db.
	Path string `yaml:"path,omitempty"`
}

// BlobConfig selects the content backend. Only the section matching Type
// is read.
type BlobConfig struct {
	Type  string          `yaml:"type"` // file, memory, s3, azure or gcs
	File  FileBlobConfig  `yaml:"file,omitempty"`
	S3    S3BlobConfig    `yaml:"s3,omitempty"`
	Azure AzureBlobConfig `yaml:"azure,omitempty"`
	GCS   GCSBlobConfig   `yaml:"gcs,omitempty"`
}

// FileBlobConfig configures the local directory backend.
type FileBlobConfig struct {
	Dir string `yaml:"dir,omitempty"` // empty means <home>/blobs
}

// S3BlobConfig configures the S3 backend.
type S3BlobConfig struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix,omitempty"`
	Region          string `yaml:"region,omitempty"`
	Endpoint        string `yaml:"endpoint,omitempty"`
	PathStyle       bool   `yaml:"pathStyle,omitempty"`
	AccessKeyID     string `yaml:"accessKeyId,omitempty"`
	SecretAccessKey string `yaml:"secretAccessKey,omitempty"`
}

// AzureBlobConfig configures the Azure Blob Storage backend.
type AzureBlobConfig struct {
	Container        string `yaml:"container"`
	Prefix           string `yaml:"prefix,omitempty"`
	ConnectionString string `yaml:"connectionString,omitempty"`
	AccountURL       string `yaml:"accountUrl,omitempty"`
	AccountName      string `yaml:"accountName,omitempty"`
	AccountKey       string `yaml:"accountKey,omitempty"`
}

// GCSBlobConfig configures the Google Cloud Storage backend.
type GCSBlobConfig struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix,omitempty"`
	CredentialsFile string `yaml:"credentialsFile,omitempty"`
	Endpoint        string `yaml:"endpoint,omitempty"`
	Anonymous       bool   `yaml:"anonymous,omitempty"`
}

// MetadataConfig selects the metadata backend.
type MetadataConfig struct {
	Type string `yaml:"type"` // blob or pebble
	// Dir is the pebble directory. Empty means <home>/metadata.
	Dir string `yaml:"dir,omitempty"`
	// CacheSize is the number of decoded datasets kept in memory.
	// Zero disables the cache.
	CacheSize int `yaml:"cacheSize"`
}

// DeletionConfig tunes the delete service.
type DeletionConfig struct {
	GracePeriod Duration `yaml:"gracePeriod"`
}

// ReaperConfig tunes the scheduled cleanup of deleted instances.
type ReaperConfig struct {
	Schedule    string   `yaml:"schedule"` // 5- or 6-field cron expression
	BatchSize   int      `yaml:"batchSize"`
	MaxRetries  int      `yaml:"maxRetries"`
	BackoffBase Duration `yaml:"backoffBase"`
	BackoffCap  Duration `yaml:"backoffCap"`
	DeleteRate  float64  `yaml:"deleteRate"` // physical deletes per second
}

// StoreConfig tunes the store orchestrator.
type StoreConfig struct {
	CleanupTimeout Duration `yaml:"cleanupTimeout"`
}

// ObservabilityConfig configures the metrics and health endpoint.
type ObservabilityConfig struct {
	Addr string `yaml:"addr"` // empty disables the endpoint
}

// Default returns the configuration used when no file and no flags say
// otherwise.
func Default() Config {
	return Config{
		Index:    IndexConfig{Type: IndexSQLite},
		Blob:     BlobConfig{Type: BlobFile},
		Metadata: MetadataConfig{Type: MetadataBlob, CacheSize: 4096},
		Deletion: DeletionConfig{GracePeriod: Duration(24 * time.Hour)},
		Reaper: ReaperConfig{
			Schedule:    "* * * * *",
			BatchSize:   10,
			MaxRetries:  5,
			BackoffBase: Duration(time.Minute),
			BackoffCap:  Duration(24 * time.Hour),
			DeleteRate:  50,
		},
		Store:         StoreConfig{CleanupTimeout: Duration(30 * time.Second)},
		Observability: ObservabilityConfig{Addr: ":9464"},
	}
}

// Validate checks backend names, limits and the reaper schedule. All
// problems are reported together.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(slices.Contains([]string{IndexSQLite, IndexMemory}, c.Index.Type),
		"index.type: unknown backend %q", c.Index.Type)
	check(slices.Contains([]string{BlobFile, BlobMemory, BlobS3, BlobAzure, BlobGCS}, c.Blob.Type),
		"blob.type: unknown backend %q", c.Blob.Type)
	check(slices.Contains([]string{MetadataBlob, MetadataPebble}, c.Metadata.Type),
		"metadata.type: unknown backend %q", c.Metadata.Type)

	switch c.Blob.Type {
	case BlobS3:
		check(c.Blob.S3.Bucket != "", "blob.s3.bucket is required")
	case BlobAzure:
		check(c.Blob.Azure.Container != "", "blob.azure.container is required")
		check(c.Blob.Azure.ConnectionString != "" || c.Blob.Azure.AccountURL != "",
			"blob.azure needs connectionString or accountUrl")
	case BlobGCS:
		check(c.Blob.GCS.Bucket != "", "blob.gcs.bucket is required")
	}

	check(c.Metadata.CacheSize >= 0, "metadata.cacheSize must not be negative")
	check(c.Deletion.GracePeriod >= 0, "deletion.gracePeriod must not be negative")
	check(c.Store.CleanupTimeout > 0, "store.cleanupTimeout must be positive")

	r := c.Reaper
	if err := ValidateCron(r.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("reaper.schedule: %w", err))
	}
	check(r.BatchSize > 0, "reaper.batchSize must be positive")
	check(r.MaxRetries > 0, "reaper.maxRetries must be positive")
	check(r.BackoffBase > 0, "reaper.backoffBase must be positive")
	check(r.BackoffCap >= r.BackoffBase, "reaper.backoffCap must not be below backoffBase")
	check(r.DeleteRate > 0, "reaper.deleteRate must be positive")

	return errors.Join(errs...)
}

// ValidateCron checks a cron expression. Both 5-field (minute-level) and
// 6-field (second-level) syntax are accepted.
func ValidateCron(expr string) error {
	if expr == "" {
		return errors.New("cron expression is required")
	}
	cr := gocron.NewDefaultCron(true)
	if err := cr.IsValid(expr, time.UTC, time.Now()); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}

// Duration is a time.Duration written as a Go duration string ("24h").
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", node.Line, s, err)
	}
	*d = Duration(v)
	return nil
}
