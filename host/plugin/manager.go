package plugin

import (
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
)

// active holds the most recently Init'd Manager so native plugins, which run
// in-process and can import this package directly, can call back into the
// host from inside their own lifecycle callbacks (spec.md §8 scenario 1: "plg1's
// onLoad body runs, calls plg2test"). A plugin never receives a Manager
// reference through the fixed lifecycle-callback ABI, so this package-level
// pointer is the callback's only route back to Call/CallPlugin/NotifyAll.
var active atomic.Pointer[Manager]

// Call invokes the currently active Manager's Call, for use from inside a
// plugin's own callback. It is a noop (returns false) if no Manager is
// active.
func Call(name string, cmd *CmdData) bool {
	m := active.Load()
	if m == nil {
		return false
	}
	return m.Call(name, cmd)
}

// CallPlugin invokes the currently active Manager's CallPlugin.
func CallPlugin(pluginName, callbackName string, cmd *CmdData) {
	if m := active.Load(); m != nil {
		m.CallPlugin(pluginName, callbackName, cmd)
	}
}

// NotifyActive broadcasts msg through the currently active Manager.
func NotifyActive(msg string) {
	if m := active.Load(); m != nil {
		m.NotifyAll(msg)
	}
}

// RouteCommand routes line through the currently active Manager's Command
// Router.
func RouteCommand(line string, cmd *CmdData) {
	if m := active.Load(); m != nil {
		m.CallCommand(line, cmd)
	}
}

// SetPluginData lets a plugin's own OnLoad persist its opaque data pointer
// through the currently active Manager, mirroring Call/CallPlugin: a plugin
// has no route back to the Manager that loaded it other than this
// package-level pointer, and it is the only way OnLoad can make state
// available to its own later OnTick/OnNotify/OnReady/OnUnload calls.
func SetPluginData(name string, value any, free FreeFunc) {
	if m := active.Load(); m != nil {
		m.SetPluginData(name, value, free)
	}
}

// Manager is the single host-side aggregate described in spec.md §3/§4.6: it
// owns the plugin table, the Monitor, the run-state, and the tick counter,
// and exposes Init, Sync, and Stop to the host. Grounded on Manager[S,C] in
// the teacher (server/plugin/manager.go), generalized from a single slice
// guarded by mu to the {run-state, plugin table, monitor, tick} aggregate
// spec.md calls for.
type Manager struct {
	cfg Config
	log *slog.Logger

	mu      sync.RWMutex
	run     RunState
	plugins map[string]*pluginRecord
	order   []string // insertion order, mirrors plugins' keys

	tick  int
	ready bool

	pendingCmds []string

	monitor *Monitor
	disp    *dispatcher
	loader  *loader

	managerData   *registry
	pluginDataReg *registry
}

// Init allocates a Manager and, if cfg.Enabled, starts its Monitor watching
// cfg.Paths. initialCommands are queued and flushed through the Command
// Router the first time the Manager becomes ready (spec.md §4.6).
func Init(cfg Config, initialCommands []string, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		cfg:           cfg,
		log:           log.With("subsystem", "plugin.manager"),
		run:           Executing,
		plugins:       map[string]*pluginRecord{},
		pendingCmds:   append([]string(nil), initialCommands...),
		managerData:   newRegistry(),
		pluginDataReg: newRegistry(),
	}
	m.disp = newDispatcher(m)
	m.loader = &loader{m: m}
	m.monitor = NewMonitor(cfg, log)
	if cfg.Enabled {
		m.monitor.Start(cfg.Paths)
	}
	active.Store(m)
	return m
}

// Sync must be called once per host-loop iteration. It implements spec.md
// §4.6: bump the tick, periodically drain the Monitor's load-queue and retry
// half-initialized plugins, check the ready transition, and dispatch ticks.
func (m *Manager) Sync() {
	m.mu.Lock()
	stopped := m.run == Stopped
	m.tick++
	tick := m.tick
	wasReady := m.ready
	m.mu.Unlock()
	if stopped {
		return
	}

	gate := m.cfg.ReadyGateTicks
	if gate <= 0 {
		gate = 1
	}
	if !wasReady || tick%gate == 0 {
		m.drainLoadQueue()
		m.retryHalfInit()
	}

	if !wasReady && m.monitor.Ready() {
		m.mu.Lock()
		m.ready = true
		m.mu.Unlock()
		m.disp.readyAll()
		m.flushPendingCommands()
	}

	m.disp.tickAll()
}

// Stop implements spec.md §4.6: stop the Monitor, drain the plugin table
// (dependency leaves first, then forced), and join the Monitor goroutine.
func (m *Manager) Stop() {
	m.setRunState(Stopped)
	m.monitor.Stop()

	for {
		names := m.PluginNames()
		if len(names) == 0 {
			break
		}
		progressed := false
		for _, name := range names {
			if err := m.loader.unload(name, false); err == nil {
				progressed = true
			}
		}
		if !progressed {
			// Only cyclic or mutually-dependent plugins remain; force the rest.
			for _, name := range m.PluginNames() {
				_ = m.loader.unload(name, true)
			}
			break
		}
	}

	if m.cfg.Enabled {
		<-m.monitor.Done()
	}
}

func (m *Manager) drainLoadQueue() {
	for _, entry := range m.monitor.Drain() {
		if fileExists(entry) {
			if err := m.loader.loadPath(entry); err != nil {
				m.log.Error("load plugin", "path", entry, "error", err)
			}
			continue
		}
		// Not a path: the Monitor is relaying a compile-failure or read-error
		// message (spec.md §4.1 "Channel contract").
		m.disp.notifyAll(entry)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (m *Manager) retryHalfInit() {
	for _, name := range m.PluginNames() {
		m.mu.RLock()
		rec, ok := m.plugins[name]
		m.mu.RUnlock()
		if ok && !rec.initialized {
			m.loader.initPlugin(name)
		}
	}
}

func (m *Manager) flushPendingCommands() {
	m.mu.Lock()
	cmds := m.pendingCmds
	m.pendingCmds = nil
	m.mu.Unlock()
	for _, line := range cmds {
		cmd := NewCmdData()
		m.routeCommand(line, cmd)
	}
}

func (m *Manager) setRunState(s RunState) {
	m.mu.Lock()
	m.run = s
	m.mu.Unlock()
}

// RunState reports the Manager's current run-state.
func (m *Manager) RunState() RunState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.run
}

// Ready reports whether the Manager has completed its first full ready
// transition (spec.md §4.6).
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ready
}

// PluginNames returns the insertion-ordered list of currently loaded plugin
// names (spec.md §4.4 `plist`).
func (m *Manager) PluginNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Infos returns metadata for every loaded plugin, in insertion order. This is
// a supplemented feature (SPEC_FULL.md): `spec.md` names `plist` but not a
// structured equivalent, and `pinfo` needs one.
func (m *Manager) Infos() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.order))
	for _, name := range m.order {
		if rec, ok := m.plugins[name]; ok {
			out = append(out, rec.info())
		}
	}
	return out
}

// Call implements the Dispatcher's call operation as a public Manager entry
// point (spec.md §4.3).
func (m *Manager) Call(name string, cmd *CmdData) bool {
	return m.disp.call(name, cmd)
}

// CallPlugin implements the Dispatcher's callPlugin operation.
func (m *Manager) CallPlugin(pluginName, callbackName string, cmd *CmdData) {
	m.disp.callPlugin(pluginName, callbackName, cmd)
}

// CallCommand routes a raw text command line through the Command Router
// (spec.md §4.4).
func (m *Manager) CallCommand(line string, cmd *CmdData) {
	m.routeCommand(line, cmd)
}

// NotifyAll broadcasts msg to every loaded plugin's OnNotify and echoes it to
// standard output.
func (m *Manager) NotifyAll(msg string) {
	m.disp.notifyAll(msg)
}

// ManagerData returns the manager-scoped shared-data registry (spec.md
// §4.5): entries survive plugin unload/reload.
func (m *Manager) ManagerData() *RegistryHandle {
	return &RegistryHandle{r: m.managerData}
}

// PluginData returns the plugin-scoped shared-data registry: entries are
// freed alongside their owning plugin, by the loader on unload.
func (m *Manager) PluginData() *RegistryHandle {
	return &RegistryHandle{r: m.pluginDataReg}
}

// SetPluginData stores value under name in the plugin-scoped registry and,
// if a plugin named name is currently loaded, also assigns it to that
// plugin's pluginRecord.data — the opaque pointer passed as the first
// argument to every one of its own lifecycle and user callbacks (spec.md
// §4.5). Besides this, doInitPlugin copies an existing registry entry into
// rec.data once, before OnLoad runs; a plugin with nothing stored that never
// calls SetPluginData keeps its own record.data nil, exactly as a plugin
// with no state to keep would expect.
func (m *Manager) SetPluginData(name string, value any, free FreeFunc) {
	m.pluginDataReg.Set(name, value, free)
	m.mu.Lock()
	if rec, ok := m.plugins[name]; ok {
		rec.data = value
	}
	m.mu.Unlock()
}

// RegistryHandle is a thin exported wrapper letting callers outside the
// package use a Manager's registries without reaching into unexported
// fields.
type RegistryHandle struct {
	r *registry
}

func (h *RegistryHandle) Get(name string) (any, bool)           { return h.r.Get(name) }
func (h *RegistryHandle) Set(name string, v any, free FreeFunc) { h.r.Set(name, v, free) }
func (h *RegistryHandle) Free(name string)                      { h.r.Free(name) }
func (h *RegistryHandle) Names() []string                       { return h.r.Names() }
