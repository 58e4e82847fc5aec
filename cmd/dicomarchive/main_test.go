package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const datasetJSON = `{
  "0020000D": {"vr": "UI", "Value": ["1.2.840.7"]},
  "0020000E": {"vr": "UI", "Value": ["1.2.840.7.1"]},
  "00080018": {"vr": "UI", "Value": ["1.2.840.7.1.1"]},
  "00100020": {"vr": "LO", "Value": ["P-7"]},
  "00080060": {"vr": "CS", "Value": ["CT"]}
}`

// run executes the root command with args against homeDir and returns
// stdout.
func run(t *testing.T, homeDir string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--home", homeDir, "--log-level", "error"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func mustRun(t *testing.T, homeDir string, args ...string) string {
	t.Helper()
	out, err := run(t, homeDir, args...)
	if err != nil {
		t.Fatalf("%s: %v", strings.Join(args, " "), err)
	}
	return out
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestStoreDeleteAndFeed(t *testing.T) {
	homeDir := t.TempDir()
	files := t.TempDir()
	ds := writeFile(t, files, "instance.json", datasetJSON)
	content := writeFile(t, files, "instance.dcm", "pixels")

	out := mustRun(t, homeDir, "store", "--dataset", ds, "--content", content, "-o", "json")
	var stored struct {
		Identifier struct {
			SOPInstanceUID string `json:"sopInstanceUid"`
			Version        int64  `json:"version"`
		}
	}
	if err := json.Unmarshal([]byte(out), &stored); err != nil {
		t.Fatalf("store output %q: %v", out, err)
	}
	if stored.Identifier.SOPInstanceUID != "1.2.840.7.1.1" {
		t.Errorf("stored = %+v", stored)
	}

	_, err := run(t, homeDir, "store", "--dataset", ds)
	if err == nil || !strings.Contains(err.Error(), "reason code 45070") {
		t.Errorf("duplicate store: err = %v, want reason code 45070", err)
	}

	out = mustRun(t, homeDir, "changefeed", "page", "--include-metadata", "-o", "json")
	var entries []struct {
		Sequence int64           `json:"sequence"`
		State    string          `json:"state"`
		Metadata json.RawMessage `json:"metadata"`
	}
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("changefeed output %q: %v", out, err)
	}
	if len(entries) != 1 || entries[0].State != "Current" || !strings.Contains(string(entries[0].Metadata), "P-7") {
		t.Fatalf("entries = %s", out)
	}

	out = mustRun(t, homeDir, "delete", "instance", "1.2.840.7", "1.2.840.7.1", "1.2.840.7.1.1")
	if !strings.Contains(out, "1.2.840.7.1.1") {
		t.Errorf("delete output = %q", out)
	}

	out = mustRun(t, homeDir, "changefeed", "latest")
	if !strings.Contains(out, "Delete") || !strings.Contains(out, "Deleted") {
		t.Errorf("latest = %q", out)
	}

	// The grace period holds the content back.
	out = mustRun(t, homeDir, "reap", "-o", "json")
	if !strings.Contains(out, `"Deleted": 0`) {
		t.Errorf("reap = %q", out)
	}
}

func TestTagsCommands(t *testing.T) {
	homeDir := t.TempDir()
	mustRun(t, homeDir, "tags", "add", "--path", "00100040", "--vr", "CS", "--level", "study")
	mustRun(t, homeDir, "tags", "promote", "00100040")

	out := mustRun(t, homeDir, "tags", "list", "-o", "json")
	var tags []struct {
		Path   string `json:"path"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal([]byte(out), &tags); err != nil {
		t.Fatalf("tags output %q: %v", out, err)
	}
	if len(tags) != 1 || tags[0].Path != "00100040" || tags[0].Status != "Ready" {
		t.Fatalf("tags = %s", out)
	}

	if _, err := run(t, homeDir, "tags", "add", "--path", "00100040", "--vr", "CS"); err == nil {
		t.Error("expected duplicate tag to be rejected")
	}
	if _, err := run(t, homeDir, "tags", "get", "00189999"); err == nil {
		t.Error("expected unknown tag lookup to fail")
	}
}

func TestInitWritesConfig(t *testing.T) {
	homeDir := t.TempDir()
	out := mustRun(t, homeDir, "init", "--metadata", "pebble")
	path := strings.TrimSpace(out)
	if path != filepath.Join(homeDir, "config.yaml") {
		t.Fatalf("init wrote %q", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "type: pebble") {
		t.Errorf("config file missing metadata override:\n%s", data)
	}
	if _, err := run(t, homeDir, "init"); err == nil {
		t.Error("expected init to refuse an existing file")
	}
	mustRun(t, homeDir, "init", "--force")
}

func TestInvalidLogLevel(t *testing.T) {
	if _, err := run(t, t.TempDir(), "--log-level", "loud", "version"); err == nil {
		t.Fatal("expected an unknown log level to fail")
	}
}

func TestVersion(t *testing.T) {
	if out := mustRun(t, t.TempDir(), "version"); strings.TrimSpace(out) != version {
		t.Errorf("version = %q", out)
	}
}
