package plugin

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDeriveName(t *testing.T) {
	cases := map[string]string{
		"plg1.so":           "plg1",
		"libplg1.so":        "plg1",
		"/a/b/libplg2.so":   "plg2",
		"plg1.so.new":       "plg1",
		"crashy.go":         "crashy",
		`C:\plugins\lib.so`: "",
	}
	for input, want := range cases {
		if got := deriveName(input); got != want {
			t.Fatalf("deriveName(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.PollDelayCold != 200*time.Millisecond {
		t.Fatalf("PollDelayCold = %v, want 200ms", cfg.PollDelayCold)
	}
	if cfg.PollDelayWarm != 2*time.Second {
		t.Fatalf("PollDelayWarm = %v, want 2s", cfg.PollDelayWarm)
	}
	if cfg.ReadyGateTicks != 25 {
		t.Fatalf("ReadyGateTicks = %d, want 25", cfg.ReadyGateTicks)
	}
}

func TestLoadConfigTOML(t *testing.T) {
	data := []byte(`
enabled = true
mode = "binary"
paths = ["plugins"]
poll_delay_cold = "50ms"
ready_gate_ticks = 10
`)
	cfg, err := LoadConfigTOML(data)
	if err != nil {
		t.Fatalf("LoadConfigTOML: %v", err)
	}
	if cfg.Mode != Binary {
		t.Fatalf("Mode = %v, want Binary", cfg.Mode)
	}
	if cfg.PollDelayCold != 50*time.Millisecond {
		t.Fatalf("PollDelayCold = %v, want 50ms", cfg.PollDelayCold)
	}
	if cfg.PollDelayWarm != 2*time.Second {
		t.Fatalf("PollDelayWarm default = %v, want 2s (unset field keeps default)", cfg.PollDelayWarm)
	}
	if cfg.ReadyGateTicks != 10 {
		t.Fatalf("ReadyGateTicks = %d, want 10", cfg.ReadyGateTicks)
	}
}

func TestLoadConfigTOMLUnknownMode(t *testing.T) {
	if _, err := LoadConfigTOML([]byte(`mode = "wat"`)); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestManagerRouteCommandReservedVerbs(t *testing.T) {
	m := Init(Config{Enabled: false}, nil, testLogger())

	cmd := NewCmdData()
	m.CallCommand("getVersion", cmd)
	if len(cmd.Returned) != 1 || cmd.Returned[0] != Version {
		t.Fatalf("getVersion returned %v, want [%q]", cmd.Returned, Version)
	}

	cmd = NewCmdData()
	m.CallCommand("plist", cmd)
	if len(cmd.Returned) != 0 {
		t.Fatalf("plist on empty manager returned %v, want none", cmd.Returned)
	}

	cmd = NewCmdData()
	m.CallCommand("nosuchverb arg1", cmd)
	if !cmd.Failed {
		t.Fatalf("unrouted verb should fail cmd when no plugin claims it")
	}
}

func TestManagerNotifyAllPostFanoutPrint(t *testing.T) {
	m := Init(Config{Enabled: false}, nil, testLogger())
	var buf fakeWriter
	m.disp.out = &buf

	m.NotifyAll("hello")
	if buf.String() != "hello\n" {
		t.Fatalf("NotifyAll wrote %q, want %q", buf.String(), "hello\n")
	}
}

func TestManagerStopWithNoPlugins(t *testing.T) {
	m := Init(Config{Enabled: false}, nil, testLogger())
	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Stop() did not return for an empty manager")
	}
	if m.RunState() != Stopped {
		t.Fatalf("RunState() = %v, want Stopped", m.RunState())
	}
}

func TestManagerDataRegistries(t *testing.T) {
	m := Init(Config{Enabled: false}, nil, testLogger())

	freed := false
	m.ManagerData().Set("k", 1, func(any) { freed = true })
	if v, ok := m.ManagerData().Get("k"); !ok || v != 1 {
		t.Fatalf("ManagerData().Get(%q) = (%v, %v), want (1, true)", "k", v, ok)
	}
	m.ManagerData().Free("k")
	if !freed {
		t.Fatalf("Free did not invoke the registered FreeFunc")
	}
	if _, ok := m.ManagerData().Get("k"); ok {
		t.Fatalf("key still present after Free")
	}

	m.PluginData().Set("p", "x", nil)
	if names := m.PluginData().Names(); len(names) != 1 || names[0] != "p" {
		t.Fatalf("PluginData().Names() = %v, want [p]", names)
	}
}

func TestManagerQueuedQuitCommandStopsRunState(t *testing.T) {
	m := Init(Config{Enabled: false}, []string{"quit"}, testLogger())
	// Simulate the Monitor reaching ready without a real plugin directory:
	// flushPendingCommands is what Sync calls on the ready transition.
	m.mu.Lock()
	m.ready = true
	m.mu.Unlock()
	m.flushPendingCommands()
	if m.RunState() != Stopped {
		t.Fatalf("RunState() = %v, want Stopped after a queued quit command", m.RunState())
	}
}

func TestManagerSetPluginDataWiresRecordData(t *testing.T) {
	m := Init(Config{Enabled: false}, nil, testLogger())
	rec := &pluginRecord{name: "fake", initialized: true}
	m.mu.Lock()
	m.plugins["fake"] = rec
	m.order = append(m.order, "fake")
	m.mu.Unlock()

	m.SetPluginData("fake", 42, nil)

	if rec.data != 42 {
		t.Fatalf("rec.data = %v, want 42", rec.data)
	}
	if v, ok := m.PluginData().Get("fake"); !ok || v != 42 {
		t.Fatalf("PluginData().Get(fake) = (%v, %v), want (42, true)", v, ok)
	}
}

type fakeWriter struct {
	data []byte
}

func (f *fakeWriter) Write(p []byte) (int, error) {
	f.data = append(f.data, p...)
	return len(p), nil
}

func (f *fakeWriter) String() string { return string(f.data) }
