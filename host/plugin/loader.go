package plugin

import (
	"fmt"
	"os"
	goplugin "plugin"
	"path/filepath"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// loader implements the load/unload/init algorithms of spec.md §4.2 against a
// Manager's plugin table. It is grounded on Manager.Enable/Manager.Disable in
// the teacher (server/plugin/manager.go), generalized from a single factory
// symbol to the full lifecycle symbol set.
type loader struct {
	m *Manager

	// initGroup deduplicates concurrent initPlugin retries for the same
	// record: a slow OnDepends/OnLoad triggered from sync must never be
	// entered twice if a command-router pload races the periodic retry in
	// the same tick (SPEC_FULL.md DOMAIN STACK).
	initGroup singleflight.Group
}

// loadPath implements spec.md §4.2 "Load operation". path may be a library
// path or (source mode) a compiled `.new` sidecar.
func (l *loader) loadPath(path string) error {
	name := deriveName(path)

	libPath := path
	if strings.HasSuffix(path, ".new") {
		live := strings.TrimSuffix(path, ".new")
		if err := installSidecar(path, live); err != nil {
			// The currently-loaded library, if any, is left running untouched:
			// a failed replace falls back to what was already working (spec.md
			// §9).
			l.m.disp.notifyf("plugin %q replace failed, keeping previous version: %v", name, err)
			return err
		}
		libPath = live
	}

	l.m.mu.Lock()
	_, exists := l.m.plugins[name]
	l.m.mu.Unlock()
	if exists {
		_ = l.unload(name, false)
	}

	openPath, err := versionedOpenPath(libPath)
	if err != nil {
		l.m.disp.notifyf("plugin %q versioning failed: %v", name, err)
		return err
	}

	handle, err := goplugin.Open(openPath)
	if err != nil {
		l.m.disp.notifyf("plugin %q open failed: %v", name, err)
		return err
	}

	rec := &pluginRecord{name: name, libPath: libPath, openPath: openPath, handle: handle, InstanceID: uuid.New()}
	if err := resolveOptional(handle, SymOnDepends, &rec.onDepends); err != nil {
		l.m.disp.notifyf("plugin %q onDepends resolution failed: %v", name, err)
		_ = handle2close(handle)
		return err
	}

	if rec.onDepends != nil {
		cmd := NewCmdData()
		crashed := l.invokeProtected(rec, rec.onDepends, cmd)
		if crashed || cmd.Failed {
			l.m.disp.notifyf("plugin %q onDepends failed", name)
			_ = handle2close(handle)
			return fmt.Errorf("plugin %q: onDepends failed", name)
		}
		rec.depends = cmd.Returned
	}

	l.m.mu.Lock()
	l.m.plugins[name] = rec
	l.m.order = append(l.m.order, name)
	l.m.mu.Unlock()

	l.initPlugin(name)
	return nil
}

// initPlugin attempts to complete initialization of a half (or newly)
// created record: waiting for dependencies, then resolving OnLoad and the
// rest of the lifecycle/user symbols. It is idempotent (spec.md §4.2
// invariant) and safe to call repeatedly while dependencies are missing.
func (l *loader) initPlugin(name string) {
	_, _, _ = l.initGroup.Do(name, func() (any, error) {
		l.doInitPlugin(name)
		return nil, nil
	})
}

func (l *loader) doInitPlugin(name string) {
	l.m.mu.Lock()
	rec, ok := l.m.plugins[name]
	l.m.mu.Unlock()
	if !ok || rec.initialized {
		return
	}

	var missing []string
	l.m.mu.Lock()
	for _, d := range rec.depends {
		dep, ok := l.m.plugins[d]
		if !ok || !dep.initialized {
			// A dependency that merely has a half-initialized record (itself
			// waiting on a dependency, possibly this very plugin) does not
			// count as loaded: treating mere presence as satisfaction would
			// let a cyclic pair (A depends B, B depends A) complete OnLoad
			// against each other's still-nil data, instead of both staying
			// half-initialized forever as spec.md §8 requires.
			missing = append(missing, d)
		}
	}
	l.m.mu.Unlock()

	if len(missing) > 0 {
		if !rec.depsMissLogged {
			rec.depsMissLogged = true
			l.m.disp.notifyf("Plugin '%s' dependency '%s' not loaded", name, missing[0])
		}
		return
	}

	if err := resolveOptional(rec.handle, SymOnLoad, &rec.onLoad); err != nil || rec.onLoad == nil {
		l.m.disp.notifyf("plugin %q missing OnLoad: %v", name, err)
		l.removeRecord(name)
		_ = handle2close(rec.handle)
		return
	}

	// Seed rec.data from any plugin-scoped registry entry already stored
	// under this name (one set through SetPluginData before OnLoad runs;
	// unload frees the slot, so nothing carries over from a previous load),
	// so OnLoad receives that value rather than nil.
	if v, ok := l.m.pluginDataReg.Get(name); ok {
		rec.data = v
	}

	cmd := NewCmdData()
	crashed := l.invokeProtected(rec, rec.onLoad, cmd)
	if crashed || cmd.Failed {
		l.m.disp.notifyf("plugin %q onLoad failed", name)
		l.removeRecord(name)
		_ = handle2close(rec.handle)
		return
	}

	if sym, err := rec.handle.Lookup("PluginVersion"); err == nil {
		switch fn := sym.(type) {
		case func() string:
			rec.version = fn()
		case *func() string:
			rec.version = (*fn)()
		}
	}

	_ = resolveOptional(rec.handle, SymOnUnload, &rec.onUnload)
	_ = resolveOptional(rec.handle, SymOnTick, &rec.onTick)
	_ = resolveOptional(rec.handle, SymOnNotify, &rec.onNotify)
	_ = resolveOptional(rec.handle, SymOnReady, &rec.onReady)

	rec.cindex = resolveCIndex(rec.handle)
	rec.callbacks = map[string]UserCallback{}
	var dropped []string
	for cbName := range rec.cindex {
		var fn UserCallback
		if sym, err := rec.handle.Lookup(cbName); err == nil {
			if f, ok := sym.(func(any, *CmdData)); ok {
				fn = f
			} else if f, ok := sym.(*func(any, *CmdData)); ok {
				fn = *f
			}
		}
		if fn == nil {
			dropped = append(dropped, cbName)
			continue
		}
		rec.callbacks[cbName] = fn
	}
	for _, d := range dropped {
		delete(rec.cindex, d)
		l.m.disp.notifyf("plugin %q: callback %q could not be resolved, dropped", name, d)
	}

	l.m.mu.Lock()
	for _, d := range rec.depends {
		if dep, ok := l.m.plugins[d]; ok {
			dep.addDependent(name)
		}
	}
	rec.initialized = true
	l.m.mu.Unlock()

	if err := writeMetaSidecar(l.m.cfg.MetaSidecarPath(rec.libPath), rec.depends); err != nil {
		l.m.log.Warn("write plugin meta sidecar", "plugin", name, "error", err)
	}

	names := make([]string, 0, len(rec.callbacks))
	for n := range rec.callbacks {
		names = append(names, n)
	}
	l.m.log.Info("plugin loaded", "name", name, "instance", rec.InstanceID, "callbacks", names)
	l.m.disp.notifyf("Plugin '%s' loaded (%s)", name, strings.Join(names, ", "))
}

// unload implements spec.md §4.2 "Unload operation".
func (l *loader) unload(name string, force bool) error {
	l.m.mu.Lock()
	rec, ok := l.m.plugins[name]
	if !ok {
		l.m.mu.Unlock()
		return ErrNotFound
	}
	if !force && len(rec.dependents) > 0 {
		l.m.mu.Unlock()
		return nil
	}
	dependents := make([]string, 0, len(rec.dependents))
	for d := range rec.dependents {
		dependents = append(dependents, d)
	}
	l.m.mu.Unlock()

	for _, d := range dependents {
		l.m.disp.notifyf("Plugin '%s' depends on '%s' and might crash", d, name)
	}

	if rec.onUnload != nil {
		cmd := NewCmdData()
		func() {
			defer func() {
				if r := recover(); r != nil {
					l.m.disp.notifyf("plugin %q onUnload panicked: %v", name, r)
				}
			}()
			rec.onUnload(rec.data, cmd)
		}()
		if cmd.Failed {
			l.m.disp.notifyf("plugin %q onUnload reported failure", name)
		}
	}

	_ = handle2close(rec.handle)
	removeVersionedCopy(rec.openPath, rec.libPath)
	l.m.pluginDataReg.Free(name)

	l.m.mu.Lock()
	for _, d := range rec.depends {
		if dep, ok := l.m.plugins[d]; ok {
			dep.removeDependent(name)
		}
	}
	l.m.mu.Unlock()

	l.removeRecord(name)
	l.m.log.Info("plugin unloaded", "name", name, "instance", rec.InstanceID)
	l.m.disp.notifyf("Plugin '%s' unloaded", name)
	return nil
}

func (l *loader) removeRecord(name string) {
	l.m.mu.Lock()
	delete(l.m.plugins, name)
	for i, n := range l.m.order {
		if n == name {
			l.m.order = append(l.m.order[:i], l.m.order[i+1:]...)
			break
		}
	}
	l.m.mu.Unlock()
}

// invokeProtected wraps a lifecycle call with crash containment: on panic it
// notifies and reports crashed=true so the caller unloads the offender (or,
// for onUnload, merely logs — that path doesn't call through here).
func (l *loader) invokeProtected(rec *pluginRecord, fn LifecycleFunc, cmd *CmdData) (crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			crashed = true
			l.m.disp.notifyf("plugin %q crashed: %v", rec.name, r)
		}
	}()
	fn(rec.data, cmd)
	return false
}

// versionedOpenPath returns a path to open with plugin.Open that is unique to
// libPath's current content: Go's stdlib plugin package caches *Plugin by
// the exact path given to Open, so reopening the same canonical libPath on
// every reload would silently serve the first version forever. A
// content-hash-suffixed copy sidesteps the cache without perturbing the
// logical plugin name or its on-disk canonical path.
func versionedOpenPath(libPath string) (string, error) {
	data, err := os.ReadFile(libPath)
	if err != nil {
		return "", fmt.Errorf("read library for versioning: %w", err)
	}
	sum := xxhash.Sum64(data)
	ext := filepath.Ext(libPath)
	base := strings.TrimSuffix(libPath, ext)
	versioned := fmt.Sprintf("%s.%016x%s", base, sum, ext)

	if _, err := os.Stat(versioned); err == nil {
		return versioned, nil // this exact version was already opened once
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("stat versioned copy: %w", err)
	}
	if err := os.WriteFile(versioned, data, 0o755); err != nil {
		return "", fmt.Errorf("write versioned copy: %w", err)
	}
	return versioned, nil
}

// removeVersionedCopy deletes the content-addressed copy plugin.Open was
// pointed at, leaving the canonical libPath untouched.
func removeVersionedCopy(openPath, libPath string) {
	if openPath == "" || openPath == libPath {
		return
	}
	_ = os.Remove(openPath)
}

func resolveOptional(h *goplugin.Plugin, symbol string, dst *LifecycleFunc) error {
	sym, err := h.Lookup(symbol)
	if err != nil {
		return nil // optional symbol absent is not an error
	}
	switch fn := sym.(type) {
	case func(any, *CmdData):
		*dst = fn
	case *func(any, *CmdData):
		*dst = *fn
	default:
		return fmt.Errorf("symbol %s has incompatible type %T", symbol, sym)
	}
	return nil
}

// resolveCIndex reads the plugin's compile-time published callback name set,
// exported as `var CIndex []string`.
func resolveCIndex(h *goplugin.Plugin) map[string]struct{} {
	out := map[string]struct{}{}
	sym, err := h.Lookup("CIndex")
	if err != nil {
		return out
	}
	switch v := sym.(type) {
	case *[]string:
		for _, n := range *v {
			out[n] = struct{}{}
		}
	case []string:
		for _, n := range v {
			out[n] = struct{}{}
		}
	}
	return out
}

// installSidecar implements spec.md §4.2 point 3: repeatedly try to delete
// the current library, then rename the sidecar over it.
func installSidecar(sidecar, live string) error {
	var lastErr error
	for i := 0; i < 10; i++ {
		if err := removeIfExists(live); err != nil {
			lastErr = err
			time.Sleep(250 * time.Millisecond)
			continue
		}
		lastErr = nil
		break
	}
	if lastErr != nil {
		return fmt.Errorf("remove existing library: %w", lastErr)
	}
	if err := renameFile(sidecar, live); err != nil {
		return fmt.Errorf("install sidecar: %w", err)
	}
	return nil
}

var (
	removeIfExists = defaultRemoveIfExists
	renameFile     = defaultRenameFile
)

func defaultRemoveIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func defaultRenameFile(oldPath, newPath string) error {
	return os.Rename(oldPath, newPath)
}

func handle2close(h *goplugin.Plugin) error {
	// Go's stdlib plugin.Plugin exposes no Close method: a dlopen'd shared
	// object is never munmapped by the runtime. unload still removes
	// the record and drops the last reference to the handle so it becomes
	// eligible for GC of the wrapper value; the underlying mapping is
	// reclaimed by the OS at process exit, matching real dlclose semantics
	// as closely as Go's plugin package allows.
	_ = h
	return nil
}
