package plugin

import (
	"path/filepath"
	"testing"
	"time"
)

func TestMetaSidecarRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plg.so.meta.toml")
	if err := writeMetaSidecar(path, []string{"a", "b"}); err != nil {
		t.Fatalf("writeMetaSidecar: %v", err)
	}

	meta, lastCompile, ok := readMetaSidecar(path)
	if !ok {
		t.Fatalf("readMetaSidecar reported ok=false for a sidecar it just wrote")
	}
	if len(meta.Depends) != 2 || meta.Depends[0] != "a" || meta.Depends[1] != "b" {
		t.Fatalf("Depends = %v, want [a b]", meta.Depends)
	}
	if lastCompile.After(time.Now()) || time.Since(lastCompile) > time.Minute {
		t.Fatalf("lastCompile = %v, not close to now", lastCompile)
	}
}

func TestReadMetaSidecarMissingFile(t *testing.T) {
	if _, _, ok := readMetaSidecar(filepath.Join(t.TempDir(), "absent.meta.toml")); ok {
		t.Fatalf("readMetaSidecar for a missing file reported ok=true")
	}
}

func TestConfigMetaSidecarPathHonorsDataDirectory(t *testing.T) {
	cfg := Config{DataDirectory: "/var/lib/pluginhost"}
	got := cfg.MetaSidecarPath("/plugins/plg1.so")
	want := filepath.Join("/var/lib/pluginhost", "plg1.so.meta.toml")
	if got != want {
		t.Fatalf("MetaSidecarPath = %q, want %q", got, want)
	}

	cfg.DataDirectory = ""
	got = cfg.MetaSidecarPath("/plugins/plg1.so")
	if got != "/plugins/plg1.so.meta.toml" {
		t.Fatalf("MetaSidecarPath with no DataDirectory = %q, want %q", got, "/plugins/plg1.so.meta.toml")
	}
}
