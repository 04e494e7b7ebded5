package plugin

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml"
)

// Mode selects how the Monitor discovers plugin artifacts.
type Mode int

const (
	// Binary mode watches for already-compiled shared libraries.
	Binary Mode = iota
	// Source mode watches source files and recompiles them as needed.
	Source
)

// Config controls the behaviour of the Monitor and Manager. The zero value is
// not usable; use DefaultConfig to obtain sane defaults.
type Config struct {
	// Enabled specifies if the plugin subsystem should run at all.
	Enabled bool
	// Mode selects Binary or Source discovery.
	Mode Mode
	// Paths lists the directories scanned for plugin artifacts.
	Paths []string
	// DataDirectory, when set, holds the libraries' persisted-metadata
	// sidecars (see MetaSidecarPath); when empty each sidecar sits next to
	// its library. Plugin-scoped data registries are kept in memory only.
	DataDirectory string

	// PollDelayCold is the Monitor's sleep between cycles before it first
	// reaches "ready" (every initial candidate processed at least once).
	PollDelayCold time.Duration
	// PollDelayWarm is the Monitor's sleep between cycles once ready.
	PollDelayWarm time.Duration

	// ReadyGateTicks is the number of sync ticks between load-queue drains
	// once the Manager is ready. Tunable, not a contract (spec.md §9).
	ReadyGateTicks int
}

// DefaultConfig returns the Config matching the literal values named in the
// specification: a 200ms cold poll, a 2s warm poll, and a 25-tick ready gate.
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		Mode:           Source,
		PollDelayCold:  200 * time.Millisecond,
		PollDelayWarm:  2 * time.Second,
		ReadyGateTicks: 25,
	}
}

// LoadConfigTOML decodes a Config from TOML, mirroring the teacher's use of
// github.com/pelletier/go-toml for its own server configuration file.
func LoadConfigTOML(data []byte) (Config, error) {
	cfg := DefaultConfig()
	var raw struct {
		Enabled        bool
		Mode           string
		Paths          []string
		DataDirectory  string `toml:"data_directory"`
		PollDelayCold  string `toml:"poll_delay_cold"`
		PollDelayWarm  string `toml:"poll_delay_warm"`
		ReadyGateTicks int    `toml:"ready_gate_ticks"`
	}
	if err := toml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("decode plugin host config: %w", err)
	}
	cfg.Enabled = raw.Enabled
	switch raw.Mode {
	case "", "source":
		cfg.Mode = Source
	case "binary":
		cfg.Mode = Binary
	default:
		return Config{}, fmt.Errorf("unknown plugin mode %q", raw.Mode)
	}
	cfg.Paths = raw.Paths
	cfg.DataDirectory = raw.DataDirectory
	if raw.PollDelayCold != "" {
		d, err := time.ParseDuration(raw.PollDelayCold)
		if err != nil {
			return Config{}, fmt.Errorf("parse poll_delay_cold: %w", err)
		}
		cfg.PollDelayCold = d
	}
	if raw.PollDelayWarm != "" {
		d, err := time.ParseDuration(raw.PollDelayWarm)
		if err != nil {
			return Config{}, fmt.Errorf("parse poll_delay_warm: %w", err)
		}
		cfg.PollDelayWarm = d
	}
	if raw.ReadyGateTicks > 0 {
		cfg.ReadyGateTicks = raw.ReadyGateTicks
	}
	return cfg, nil
}

// MetaSidecarPath returns the location of a compiled library's persisted-
// metadata sidecar (last-compile time, dependency list). When DataDirectory
// is configured, sidecars live there instead of alongside the library
// itself, so the plugin-scoped data root is the single place that survives
// a library being moved or recompiled in place.
func (c Config) MetaSidecarPath(libPath string) string {
	name := filepath.Base(libPath) + ".meta.toml"
	if c.DataDirectory != "" {
		return filepath.Join(c.DataDirectory, name)
	}
	return libPath + ".meta.toml"
}
