// Package home manages the archive home directory layout.
//
// The home directory owns all local persistent state. Remote backends
// (S3, Azure, GCS) keep their data elsewhere and only their configuration
// lives here.
//
// Layout:
//
//	<root>/
//	  config.yaml     (optional configuration file)
//	  archive_id      (persistent archive identity)
//	  index.db        (SQLite index store)
//	  blobs/          (file content backend)
//	  metadata/       (pebble metadata backend)
package home

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Dir represents an archive home directory.
type Dir struct {
	root string
}

// New creates a Dir with an explicit root path.
func New(root string) Dir {
	return Dir{root: root}
}

// Default returns a Dir using the platform-appropriate default location:
//   - Linux:   ~/.config/dicomarchive
//   - macOS:   ~/Library/Application Support/dicomarchive
//   - Windows: %APPDATA%/dicomarchive
func Default() (Dir, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return Dir{}, fmt.Errorf("determine config directory: %w", err)
	}
	return Dir{root: filepath.Join(base, "dicomarchive")}, nil
}

// Root returns the home directory path.
func (d Dir) Root() string {
	return d.root
}

// ConfigPath returns the path to the configuration file.
func (d Dir) ConfigPath() string {
	return filepath.Join(d.root, "config.yaml")
}

// IndexPath returns the path to the SQLite index database.
func (d Dir) IndexPath() string {
	return filepath.Join(d.root, "index.db")
}

// BlobDir returns the directory of the file content backend.
func (d Dir) BlobDir() string {
	return filepath.Join(d.root, "blobs")
}

// MetadataDir returns the directory of the pebble metadata backend.
func (d Dir) MetadataDir() string {
	return filepath.Join(d.root, "metadata")
}

// EnsureExists creates the home directory (and parents) if it doesn't exist.
func (d Dir) EnsureExists() error {
	if err := os.MkdirAll(d.root, 0o750); err != nil {
		return fmt.Errorf("create home directory %s: %w", d.root, err)
	}
	return nil
}

// ArchiveID reads the persistent archive identity from <root>/archive_id.
// If the file doesn't exist, a new UUIDv7 is generated and written.
func (d Dir) ArchiveID() (string, error) {
	return d.readOrCreate("archive_id", func() string {
		return uuid.Must(uuid.NewV7()).String()
	})
}

// readOrCreate reads a single-line value from <root>/<filename>.
// If the file doesn't exist, generate() provides the default which is persisted.
func (d Dir) readOrCreate(filename string, generate func() string) (string, error) {
	p := filepath.Join(d.root, filename)
	data, err := os.ReadFile(p) //nolint:gosec // G304: path is constructed from trusted home dir + constant filename
	if err == nil {
		if v := strings.TrimSpace(string(data)); v != "" {
			return v, nil
		}
	}
	v := generate()
	if err := os.WriteFile(p, []byte(v+"\n"), 0o640); err != nil { //nolint:gosec // G306: identity file is not secret
		return "", fmt.Errorf("write %s: %w", filename, err)
	}
	return v, nil
}
