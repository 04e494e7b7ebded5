package plugin

import (
	"fmt"
	"io"
	"os"
	"slices"
)

// dispatcher invokes lifecycle and user-defined callbacks with crash
// containment and ordered, snapshot-based iteration. Grounded directly on
// eventHub.invoke's recover() pattern and Manager.handlePluginPanic in the
// teacher (server/plugin/events.go, server/plugin/manager.go).
type dispatcher struct {
	m   *Manager
	out io.Writer
}

func newDispatcher(m *Manager) *dispatcher {
	return &dispatcher{m: m, out: os.Stdout}
}

// notifyf formats and broadcasts a message, exactly like notifyAll but
// sourced from the manager's own bookkeeping rather than a caller-supplied
// CmdData.
func (d *dispatcher) notifyf(format string, args ...any) {
	d.notifyAll(fmt.Sprintf(format, args...))
}

// notifyAll implements spec.md §4.3 notifyAll: iterate a pre-captured
// insertion-order snapshot, call each non-nil OnNotify, and only after the
// fan-out completes, write msg to the host's standard output (spec.md §9:
// "Preserve the post-fanout print").
func (d *dispatcher) notifyAll(msg string) {
	snapshot := d.snapshot()
	for _, rec := range snapshot {
		// The slot is held empty while this plugin's own call is dispatched
		// and reported, so the crash/failure notify raised for it is never fed
		// back into the same OnNotify.
		d.m.mu.Lock()
		fn := rec.onNotify
		rec.onNotify = nil
		d.m.mu.Unlock()
		if fn == nil {
			continue
		}
		cmd := NewCmdData(msg)
		crashed, failed := d.invokeGuarded(rec, fn, cmd)
		if crashed {
			// The slot stays nulled and the plugin is unloaded.
			_ = d.m.loader.unload(rec.name, true)
			continue
		}
		if failed {
			d.notifyf("plugin %q onNotify reported failure", rec.name)
		}
		d.m.mu.Lock()
		rec.onNotify = fn
		d.m.mu.Unlock()
	}
	fmt.Fprintln(d.out, msg)
}

// readyAll implements spec.md §4.3 readyAll: invoked once when the monitor
// first reports ready.
func (d *dispatcher) readyAll() {
	snapshot := d.snapshot()
	for _, rec := range snapshot {
		if rec.onReady == nil {
			continue
		}
		cmd := NewCmdData()
		crashed, failed := d.invokeGuarded(rec, rec.onReady, cmd)
		switch {
		case crashed:
			d.nullSlot(rec.name, symReady)
			_ = d.m.loader.unload(rec.name, true)
		case failed:
			d.notifyf("plugin %q onReady reported failure", rec.name)
		}
	}
}

// tickAll implements spec.md §4.3 tickAll: every sync, calls each non-nil
// OnTick; a crash unloads the offender, while cmd.Failed only notifies.
func (d *dispatcher) tickAll() {
	snapshot := d.snapshot()
	for _, rec := range snapshot {
		if rec.onTick == nil {
			continue
		}
		cmd := NewCmdData()
		crashed, failed := d.invokeGuardedCmd(rec, rec.onTick, cmd)
		switch {
		case crashed:
			_ = d.m.loader.unload(rec.name, true)
		case failed:
			d.notifyf("plugin %q onTick reported failure", rec.name)
		}
	}
}

// call implements spec.md §4.3 call: find the first plugin (insertion order)
// whose cindex contains name and invoke it, stopping after the first hit.
func (d *dispatcher) call(name string, cmd *CmdData) bool {
	snapshot := d.snapshot()
	for _, rec := range snapshot {
		if _, ok := rec.cindex[name]; !ok {
			continue
		}
		fn, ok := rec.callbacks[name]
		if !ok {
			continue
		}
		d.invokeUser(rec, fn, cmd)
		return true
	}
	return false
}

// callPlugin implements spec.md §4.3 callPlugin: direct lookup, noop if
// plugin or callback absent.
func (d *dispatcher) callPlugin(pluginName, callbackName string, cmd *CmdData) {
	d.m.mu.RLock()
	rec, ok := d.m.plugins[pluginName]
	d.m.mu.RUnlock()
	if !ok {
		return
	}
	fn, ok := rec.callbacks[callbackName]
	if !ok {
		return
	}
	d.invokeUser(rec, fn, cmd)
}

func (d *dispatcher) invokeUser(rec *pluginRecord, fn UserCallback, cmd *CmdData) {
	defer func() {
		if r := recover(); r != nil {
			d.notifyf("plugin %q callback crashed: %v", rec.name, r)
			_ = d.m.loader.unload(rec.name, true)
		}
	}()
	fn(rec.data, cmd)
}

// invokeGuarded runs a lifecycle callback with crash containment, reporting
// the panic signal and the cmd.Failed signal separately: spec.md §7
// distinguishes a callback crash (notify + unload, and for notify/ready a
// nulled slot) from a callback merely reporting cmd.Failed (notify only, the
// plugin stays loaded). Conflating the two would unload a plugin for doing
// nothing worse than returning a normal failure.
func (d *dispatcher) invokeGuarded(rec *pluginRecord, fn LifecycleFunc, cmd *CmdData) (crashed, failed bool) {
	defer func() {
		if r := recover(); r != nil {
			crashed = true
			d.notifyf("plugin %q callback crashed: %v", rec.name, r)
		}
	}()
	fn(rec.data, cmd)
	return false, cmd.Failed
}

// invokeGuardedCmd is invokeGuarded with an onTick-specific crash notify,
// used by tickAll. Neither helper nulls a slot or unloads: tickAll unloads a
// crashed plugin itself, and notifyAll/readyAll handle their own slots.
func (d *dispatcher) invokeGuardedCmd(rec *pluginRecord, fn LifecycleFunc, cmd *CmdData) (crashed, failed bool) {
	defer func() {
		if r := recover(); r != nil {
			crashed = true
			d.notifyf("plugin %q onTick crashed: %v", rec.name, r)
		}
	}()
	fn(rec.data, cmd)
	return false, cmd.Failed
}

type lifecycleSlot int

const (
	symNotify lifecycleSlot = iota
	symReady
)

func (d *dispatcher) nullSlot(name string, slot lifecycleSlot) {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()
	rec, ok := d.m.plugins[name]
	if !ok {
		return
	}
	switch slot {
	case symNotify:
		rec.onNotify = nil
	case symReady:
		rec.onReady = nil
	}
}

// snapshot returns the plugin table in insertion order, cloned before any
// callback runs so mutation during dispatch (e.g. an unload triggered by a
// callback) doesn't skip or double-invoke other plugins (spec.md §4.3
// "Ordering rules"). Grounded on Manager.Shutdown's slices.Clone(m.plugins)
// in the teacher.
func (d *dispatcher) snapshot() []*pluginRecord {
	d.m.mu.RLock()
	defer d.m.mu.RUnlock()
	order := slices.Clone(d.m.order)
	out := make([]*pluginRecord, 0, len(order))
	for _, name := range order {
		if rec, ok := d.m.plugins[name]; ok && rec.initialized {
			out = append(out, rec)
		}
	}
	return out
}
