package plugin

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestReadNameList(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "allow.ini")
	if err := os.WriteFile(path, []byte("plg1\n# comment\n\nplg2\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := readNameList(path)
	if _, ok := got["plg1"]; !ok {
		t.Fatalf("readNameList missing plg1: %v", got)
	}
	if _, ok := got["plg2"]; !ok {
		t.Fatalf("readNameList missing plg2: %v", got)
	}
	if len(got) != 2 {
		t.Fatalf("readNameList returned %d entries, want 2", len(got))
	}
}

func TestReadNameListMissingFile(t *testing.T) {
	if got := readNameList(filepath.Join(t.TempDir(), "absent.ini")); got != nil {
		t.Fatalf("readNameList for missing file = %v, want nil", got)
	}
}

func TestFiltered(t *testing.T) {
	allow := map[string]struct{}{"plg1": {}}
	block := map[string]struct{}{"plg2": {}}

	cases := []struct {
		name string
		want bool
	}{
		{"plg1", false},
		{"plg2", true},
		{"plg3", true}, // not in allow list
	}
	for _, c := range cases {
		if got := filtered(c.name, allow, block); got != c.want {
			t.Fatalf("filtered(%q, allow, block) = %v, want %v", c.name, got, c.want)
		}
	}

	// With no filters configured, nothing is filtered.
	if filtered("anything", nil, nil) {
		t.Fatalf("filtered with no allow/block lists should never filter")
	}
}

func TestFilteredStillMarksProcessed(t *testing.T) {
	// Regression for the "BROKEN" semantics named in spec.md §9: a blocked
	// candidate is still marked processed so the Monitor doesn't spin on it
	// forever.
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "blocked"+libExt()), nil, 0o644); err != nil {
		t.Fatalf("write candidate: %v", err)
	}
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	defer os.Chdir(wd)
	if err := os.WriteFile("block.ini", []byte("blocked\n"), 0o644); err != nil {
		t.Fatalf("write block.ini: %v", err)
	}

	m := NewMonitor(Config{Mode: Binary}, testLogger())
	m.st.paths = []string{dir}
	m.cycle()

	m.st.mu.Lock()
	_, done := m.st.processed["blocked"]
	queued := len(m.st.queue)
	m.st.mu.Unlock()
	if !done {
		t.Fatalf("blocked candidate was not recorded as processed")
	}
	if queued != 0 {
		t.Fatalf("blocked candidate was enqueued (%d queue entries), want none", queued)
	}
}

func TestLibExt(t *testing.T) {
	ext := libExt()
	switch ext {
	case ".so", ".dylib", ".dll":
	default:
		t.Fatalf("libExt() = %q, not a known platform extension", ext)
	}
}

func TestMonitorStaleMissingLibrary(t *testing.T) {
	m := NewMonitor(DefaultConfig(), testLogger())
	dir := t.TempDir()
	src := filepath.Join(dir, "plg.go")
	if err := os.WriteFile(src, []byte("package main"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	lib := filepath.Join(dir, "plg"+libExt())
	if !m.stale(src, lib) {
		t.Fatalf("stale() = false for a missing library, want true")
	}
}

func TestMonitorStaleSourceNewerThanLibrary(t *testing.T) {
	m := NewMonitor(DefaultConfig(), testLogger())
	dir := t.TempDir()
	lib := filepath.Join(dir, "plg"+libExt())
	if err := os.WriteFile(lib, []byte("old"), 0o644); err != nil {
		t.Fatalf("write library: %v", err)
	}
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(lib, past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	src := filepath.Join(dir, "plg.go")
	if err := os.WriteFile(src, []byte("package main"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	if !m.stale(src, lib) {
		t.Fatalf("stale() = false when source is newer than library, want true")
	}
}

func TestMonitorStaleUsesMetaSidecarShortcut(t *testing.T) {
	m := NewMonitor(DefaultConfig(), testLogger())
	dir := t.TempDir()

	lib := filepath.Join(dir, "plg"+libExt())
	if err := os.WriteFile(lib, []byte("compiled"), 0o644); err != nil {
		t.Fatalf("write library: %v", err)
	}
	src := filepath.Join(dir, "plg.go")
	if err := os.WriteFile(src, []byte("package main"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(lib, future, future); err != nil {
		t.Fatalf("chtimes library: %v", err)
	}
	siblingDir := filepath.Join(dir, "plg")
	if err := os.Mkdir(siblingDir, 0o755); err != nil {
		t.Fatalf("mkdir sibling: %v", err)
	}

	if err := writeMetaSidecar(m.cfg.MetaSidecarPath(lib), []string{"other"}); err != nil {
		t.Fatalf("writeMetaSidecar: %v", err)
	}

	if m.stale(src, lib) {
		t.Fatalf("stale() = true with a fresh meta sidecar and an untouched fragment directory, want false")
	}
}

func TestMonitorEnumerateSortsDeterministically(t *testing.T) {
	m := NewMonitor(Config{Mode: Binary}, testLogger())
	dir := t.TempDir()
	for _, name := range []string{"zeta.so", "alpha.so", "mid.so"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	got := m.enumerate([]string{dir}, Binary)
	if len(got) != 3 {
		t.Fatalf("enumerate returned %d entries, want 3", len(got))
	}
	if filepath.Base(got[0]) != "alpha.so" || filepath.Base(got[2]) != "zeta.so" {
		t.Fatalf("enumerate not sorted: %v", got)
	}
}
