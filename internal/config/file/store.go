// Package file persists the archive configuration as a YAML file.
//
// The file carries a format version next to the configuration:
//
//	version: 1
//	index:
//	  type: sqlite
//	...
//
// A missing version is read as the current one so hand-written files stay
// short. Fields left out keep their defaults. Writes are atomic via temp
// file + rename with round-trip validation.
package file

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/yjsyyyjszf/dicom-server-1/internal/config"
)

const currentVersion = 1

// envelope is the versioned on-disk format.
type envelope struct {
	Version       int `yaml:"version"`
	config.Config `yaml:",inline"`
}

// Store reads and writes one configuration file.
type Store struct {
	path string
}

// NewStore creates a store for the file at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the file path.
func (s *Store) Path() string { return s.path }

// Load reads the configuration. When the file does not exist it returns the
// defaults and found = false.
func (s *Store) Load() (cfg config.Config, found bool, err error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return config.Default(), false, nil
		}
		return config.Config{}, false, fmt.Errorf("read config file: %w", err)
	}
	cfg, err = Decode(data)
	if err != nil {
		return config.Config{}, true, fmt.Errorf("%s: %w", s.path, err)
	}
	return cfg, true, nil
}

// Decode parses a configuration document over the defaults. Unknown
// fields are rejected.
func Decode(data []byte) (config.Config, error) {
	env := envelope{Config: config.Default()}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&env); err != nil && !errors.Is(err, io.EOF) {
		return config.Config{}, fmt.Errorf("parse config: %w", err)
	}
	if env.Version > currentVersion {
		return config.Config{}, fmt.Errorf("config file version %d is newer than supported version %d", env.Version, currentVersion)
	}
	return env.Config, nil
}

// Save atomically writes cfg.
func (s *Store) Save(cfg config.Config) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(envelope{Version: currentVersion, Config: cfg})
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	// Round-trip validation: re-read and verify the file decodes.
	check, err := os.ReadFile(tmpPath) //nolint:gosec // path derived from the configured file
	if err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("read-back temp file: %w", err)
	}
	if _, err := Decode(check); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("round-trip validation failed: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename config file: %w", err)
	}
	return nil
}
