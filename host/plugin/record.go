package plugin

import (
	goplugin "plugin"
	"strings"

	"github.com/google/uuid"
)

// platformLibPrefix is the prefix the loader strips from a file stem to
// derive a plugin's name, mirroring common dynamic-library naming (lib*.so).
const platformLibPrefix = "lib"

// pluginRecord is the manager's record for one loaded native library. It is
// the generalization of the teacher's pluginInstance[S,C]
// (server/plugin/manager.go) to the full lifecycle/user-callback symbol set
// spec.md §3 and §9 call for: a name→function-pointer map per plugin plus a
// name-set (cindex) for cheap membership tests.
type pluginRecord struct {
	name       string
	sourcePath string
	libPath    string
	// openPath is the actual path passed to plugin.Open: a content-hash-
	// suffixed copy of libPath, never reused across reloads, since Go's
	// stdlib plugin package caches *Plugin by exact path opened.
	openPath string
	handle   *goplugin.Plugin

	// InstanceID correlates the loader's "plugin loaded" and "plugin
	// unloaded" log lines for the same load (SPEC_FULL.md DOMAIN STACK); it
	// is not part of any notify message.
	InstanceID uuid.UUID

	depends    []string
	dependents map[string]struct{}

	data any // plugin-scoped opaque pointer, owned by the plugin-scoped registry

	onDepends LifecycleFunc
	onLoad    LifecycleFunc
	onUnload  LifecycleFunc
	onTick    LifecycleFunc
	onNotify  LifecycleFunc
	onReady   LifecycleFunc

	cindex    map[string]struct{}
	callbacks map[string]UserCallback

	version string

	// initialized is false while the record is half-initialized: the handle
	// is open and onDepends has run, but dependencies are not all present yet
	// so onLoad has not been resolved or invoked. initPlugin retries such
	// records on every sync.
	initialized bool
	// depsMissLogged tracks whether the "dependency not loaded" notify has
	// already fired for this record: it fires on the first miss and stays
	// silent on every later retry.
	depsMissLogged bool
}

func (r *pluginRecord) info() Info {
	return Info{
		Name:       r.name,
		Version:    r.version,
		Path:       r.libPath,
		Depends:    append([]string(nil), r.depends...),
		InstanceID: r.InstanceID,
	}
}

func (r *pluginRecord) addDependent(name string) {
	if r.dependents == nil {
		r.dependents = map[string]struct{}{}
	}
	r.dependents[name] = struct{}{}
}

func (r *pluginRecord) removeDependent(name string) {
	delete(r.dependents, name)
}

// deriveName takes the file stem of path and strips a platform library
// prefix, per spec.md §4.2 point 1.
func deriveName(path string) string {
	base := path
	if i := strings.LastIndexAny(base, `/\`); i >= 0 {
		base = base[i+1:]
	}
	base = strings.TrimSuffix(base, ".new")
	if i := strings.LastIndex(base, "."); i > 0 {
		base = base[:i]
	}
	base = strings.TrimPrefix(base, platformLibPrefix)
	return base
}
