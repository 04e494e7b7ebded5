package plugin

import (
	"strings"
	"testing"
)

func insertRecord(m *Manager, rec *pluginRecord) {
	m.mu.Lock()
	m.plugins[rec.name] = rec
	m.order = append(m.order, rec.name)
	m.mu.Unlock()
}

func pluginLoaded(m *Manager, name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.plugins[name]
	return ok
}

// TestDispatcherTickFailedWithoutCrashKeepsPluginLoaded covers spec.md §7: a
// callback that reports cmd.Failed without panicking is notified but not
// unloaded.
func TestDispatcherTickFailedWithoutCrashKeepsPluginLoaded(t *testing.T) {
	m := Init(Config{Enabled: false}, nil, testLogger())
	rec := &pluginRecord{name: "p", initialized: true}
	rec.onTick = func(data any, cmd *CmdData) { cmd.Fail() }
	insertRecord(m, rec)

	var out fakeWriter
	m.disp.out = &out

	m.disp.tickAll()

	if !pluginLoaded(m, "p") {
		t.Fatalf("plugin should remain loaded after a non-panicking onTick failure")
	}
	if !strings.Contains(out.String(), "onTick reported failure") {
		t.Fatalf("expected a failure notify, got %q", out.String())
	}
}

// TestDispatcherTickCrashUnloadsPlugin covers spec.md §7: a panicking OnTick
// unloads the plugin.
func TestDispatcherTickCrashUnloadsPlugin(t *testing.T) {
	m := Init(Config{Enabled: false}, nil, testLogger())
	rec := &pluginRecord{name: "p", initialized: true}
	rec.onTick = func(data any, cmd *CmdData) { panic("boom") }
	insertRecord(m, rec)

	var out fakeWriter
	m.disp.out = &out

	m.disp.tickAll()

	if pluginLoaded(m, "p") {
		t.Fatalf("plugin should be unloaded after a panicking onTick")
	}
}

// TestDispatcherNotifyFailedWithoutCrashKeepsSlot covers spec.md §7 for
// onNotify: cmd.Failed alone notifies but leaves both the plugin and its
// onNotify slot intact, unlike a crash which nulls the slot.
func TestDispatcherNotifyFailedWithoutCrashKeepsSlot(t *testing.T) {
	m := Init(Config{Enabled: false}, nil, testLogger())
	rec := &pluginRecord{name: "p", initialized: true}
	rec.onNotify = func(data any, cmd *CmdData) { cmd.Fail() }
	insertRecord(m, rec)

	var out fakeWriter
	m.disp.out = &out

	m.disp.notifyAll("hello")

	if !pluginLoaded(m, "p") {
		t.Fatalf("plugin should remain loaded after a non-panicking onNotify failure")
	}
	if rec.onNotify == nil {
		t.Fatalf("onNotify slot should not be nulled by a plain cmd.Failed")
	}
	if !strings.Contains(out.String(), "onNotify reported failure") {
		t.Fatalf("expected a failure notify, got %q", out.String())
	}
}

// TestDispatcherNotifyCrashNullsSlot covers spec.md §7 for onNotify: a crash
// nulls the slot so the broadcast isn't retried against it; as with tick, the
// crashed plugin is also unloaded.
func TestDispatcherNotifyCrashNullsSlot(t *testing.T) {
	m := Init(Config{Enabled: false}, nil, testLogger())
	rec := &pluginRecord{name: "p", initialized: true}
	rec.onNotify = func(data any, cmd *CmdData) { panic("boom") }
	insertRecord(m, rec)

	var out fakeWriter
	m.disp.out = &out

	m.disp.notifyAll("hello")

	if rec.onNotify != nil {
		t.Fatalf("onNotify slot should be nulled after a crash")
	}
}
