package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml"
)

// pluginMeta is the persisted-metadata sidecar the loader writes once a
// library finishes initializing: its last-compile time and resolved
// dependency list. The Monitor's staleness check consults it as a cache so a
// fragment directory that hasn't changed since the recorded compile doesn't
// need every sibling file re-hashed on every cycle (SPEC_FULL.md DOMAIN
// STACK).
type pluginMeta struct {
	LastCompile string   `toml:"last_compile"`
	Depends     []string `toml:"depends"`
}

func writeMetaSidecar(path string, depends []string) error {
	meta := pluginMeta{
		LastCompile: time.Now().UTC().Format(time.RFC3339Nano),
		Depends:     depends,
	}
	data, err := toml.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal plugin meta sidecar: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create meta sidecar directory: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// readMetaSidecar loads path and reports its recorded last-compile time. ok
// is false if the sidecar is absent or malformed, in which case callers must
// fall back to their own staleness logic.
func readMetaSidecar(path string) (meta pluginMeta, lastCompile time.Time, ok bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return pluginMeta{}, time.Time{}, false
	}
	if err := toml.Unmarshal(data, &meta); err != nil {
		return pluginMeta{}, time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, meta.LastCompile)
	if err != nil {
		return pluginMeta{}, time.Time{}, false
	}
	return meta, ts, true
}
