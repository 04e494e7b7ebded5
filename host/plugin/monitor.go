package plugin

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

const sourceExt = ".go"

// libExt returns the platform dynamic-library extension Go's own toolchain
// produces for -buildmode=plugin, matching spec.md §4.1 point 3's "platform
// dynamic-library extension".
func libExt() string {
	switch runtime.GOOS {
	case "darwin":
		return ".dylib"
	case "windows":
		return ".dll"
	default:
		return ".so"
	}
}

// monitorState is the single mutex-guarded record shared between the Monitor
// goroutine and the host thread, per spec.md §5: "A single Monitor record:
// {lock, run-state, paths, load-queue, processed, ready}." Every field is
// accessed exclusively under mu. The lock is held only for short bookkeeping,
// never across a directory enumeration or compile subprocess.
type monitorState struct {
	mu sync.Mutex

	run   RunState
	paths []string

	// processed holds plugin names already handled this scan cycle.
	processed map[string]struct{}
	// queue holds library paths (or, for entries that don't name an existing
	// file, error messages) waiting to be drained by the host thread.
	queue []string
	ready bool

	// hashCache remembers the last hash of a source file's sibling directory
	// file-name listing, so adding, removing or renaming a fragment file
	// triggers a recompile even when no mtime moves past the library's.
	hashCache map[string]uint64
}

// Monitor is the background worker described in spec.md §4.1: it discovers
// plugin artifacts, recompiles stale sources, and publishes load requests to
// the main thread. It runs on its own goroutine, started by Start.
type Monitor struct {
	cfg Config
	log *slog.Logger

	collator *collate.Collator

	st *monitorState

	stopped chan struct{}
}

// NewMonitor constructs a Monitor bound to cfg. The worker goroutine is not
// started until Start is called.
func NewMonitor(cfg Config, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		cfg:      cfg,
		log:      log.With("subsystem", "plugin.monitor"),
		collator: collate.New(language.Und),
		st: &monitorState{
			processed: map[string]struct{}{},
			hashCache: map[string]uint64{},
		},
		stopped: make(chan struct{}),
	}
}

// Start spawns the worker goroutine watching paths.
func (m *Monitor) Start(paths []string) {
	m.st.mu.Lock()
	m.st.paths = append([]string(nil), paths...)
	m.st.run = Executing
	m.st.mu.Unlock()

	go m.run_()
}

// Pause transitions the Monitor to Paused; it will stop scanning at its next
// wake but not exit.
func (m *Monitor) Pause() {
	m.st.mu.Lock()
	if m.st.run != Stopped {
		m.st.run = Paused
	}
	m.st.mu.Unlock()
}

// Resume transitions the Monitor back to Executing.
func (m *Monitor) Resume() {
	m.st.mu.Lock()
	if m.st.run != Stopped {
		m.st.run = Executing
	}
	m.st.mu.Unlock()
}

// Stop signals the worker to exit at its next wake. It does not block; callers
// that need the worker joined should wait on Done().
func (m *Monitor) Stop() {
	m.st.mu.Lock()
	m.st.run = Stopped
	m.st.mu.Unlock()
}

// Done returns a channel closed once the worker goroutine has exited.
func (m *Monitor) Done() <-chan struct{} {
	return m.stopped
}

// Ready reports whether every initial candidate has been processed at least
// once.
func (m *Monitor) Ready() bool {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	return m.st.ready
}

// Drain removes and returns every entry currently queued. Entries that don't
// name an existing file are error/notify messages (spec.md §4.1 "Channel
// contract").
func (m *Monitor) Drain() []string {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	if len(m.st.queue) == 0 {
		return nil
	}
	out := m.st.queue
	m.st.queue = nil
	return out
}

// MarkUnprocessed removes names from the processed set so they are re-picked
// on the next cycle, implementing the Command Router's `pload`/`preload`
// verbs (spec.md §4.4). An empty names list clears the entire set.
func (m *Monitor) MarkUnprocessed(names []string) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	if len(names) == 0 {
		m.st.processed = map[string]struct{}{}
		m.st.ready = false
		return
	}
	for _, n := range names {
		delete(m.st.processed, n)
	}
}

func (m *Monitor) run_() {
	defer close(m.stopped)
	for {
		delay := m.currentDelay()
		time.Sleep(delay)

		m.st.mu.Lock()
		state := m.st.run
		m.st.mu.Unlock()
		if state == Stopped {
			return
		}
		if state == Paused {
			continue
		}

		m.cycle()
	}
}

func (m *Monitor) currentDelay() time.Duration {
	m.st.mu.Lock()
	ready := m.st.ready
	m.st.mu.Unlock()
	if ready {
		return m.cfg.PollDelayWarm
	}
	return m.cfg.PollDelayCold
}

// cycle runs one scan: enumerate candidates, apply filters, handle each
// unprocessed candidate, and check the ready transition. Directory reads and
// compiles run unlocked against a snapshot of paths; only bookkeeping is
// locked (spec.md §5).
func (m *Monitor) cycle() {
	m.st.mu.Lock()
	paths := append([]string(nil), m.st.paths...)
	mode := m.cfg.Mode
	m.st.mu.Unlock()

	candidates := m.enumerate(paths, mode)
	allow, block := m.loadFilters()

	m.st.mu.Lock()
	var unprocessed []string
	for _, c := range candidates {
		if _, done := m.st.processed[nameFor(c)]; !done {
			unprocessed = append(unprocessed, c)
		}
	}
	m.st.mu.Unlock()

	for _, c := range unprocessed {
		name := nameFor(c)
		if filtered(name, allow, block) {
			m.markProcessed(name)
			continue
		}
		switch mode {
		case Binary:
			m.enqueue(c)
			m.markProcessed(name)
		case Source:
			m.handleSource(c)
			m.markProcessed(name)
		}
	}

	m.st.mu.Lock()
	if len(m.st.processed) >= len(candidates) && !m.st.ready {
		m.st.ready = true
	}
	m.st.mu.Unlock()
}

func nameFor(path string) string {
	return deriveName(path)
}

// enumerate lists candidate files across paths, sorted with a locale-stable
// collator so ordering is reproducible even for non-ASCII plugin names
// (spec.md §4.1 point 3).
func (m *Monitor) enumerate(paths []string, mode Mode) []string {
	ext := libExt()
	if mode == Source {
		ext = sourceExt
	}
	var out []string
	for _, dir := range paths {
		entries, err := os.ReadDir(dir)
		if err != nil {
			m.log.Error("read plugin directory", "dir", dir, "error", err)
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if !strings.EqualFold(filepath.Ext(e.Name()), ext) {
				continue
			}
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return m.collator.CompareString(out[i], out[j]) < 0
	})
	return out
}

// loadFilters reads allow.ini/block.ini from the working directory. Either
// file missing or empty means "no constraint". This intentionally does not
// use an INI parser: despite the extension the format is one name per line,
// not key/value documents (spec.md §4.1 point 4, §9).
func (m *Monitor) loadFilters() (allow, block map[string]struct{}) {
	allow = readNameList("allow.ini")
	block = readNameList("block.ini")
	return allow, block
}

func readNameList(path string) map[string]struct{} {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	out := map[string]struct{}{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out[line] = struct{}{}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func filtered(name string, allow, block map[string]struct{}) bool {
	if allow != nil {
		if _, ok := allow[name]; !ok {
			return true
		}
	}
	if block != nil {
		if _, ok := block[name]; ok {
			return true
		}
	}
	return false
}

func (m *Monitor) markProcessed(name string) {
	m.st.mu.Lock()
	m.st.processed[name] = struct{}{}
	m.st.mu.Unlock()
}

func (m *Monitor) enqueue(entry string) {
	m.st.mu.Lock()
	m.st.queue = append(m.st.queue, entry)
	m.st.mu.Unlock()
}

// handleSource recompiles a stale source file and enqueues the resulting
// sidecar, per spec.md §4.1 point 5.
func (m *Monitor) handleSource(srcPath string) {
	libPath := m.derivedLibPath(srcPath)
	if !m.stale(srcPath, libPath) {
		return
	}

	sidecar := libPath + ".new"
	cmd := exec.Command("go", "build", "-buildmode=plugin", "-o", sidecar, srcPath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		m.enqueue(fmt.Sprintf("compile failed for %s: %v: %s", srcPath, err, strings.TrimSpace(string(out))))
		return
	}
	m.enqueue(sidecar)
}

func (m *Monitor) derivedLibPath(srcPath string) string {
	base := strings.TrimSuffix(srcPath, filepath.Ext(srcPath))
	return base + libExt()
}

// stale reports whether srcPath should be recompiled: no library exists yet,
// the source is newer than the library, or a sibling fragment directory
// holds a file newer than the library or has a file-name listing whose hash
// differs from the previous cycle's (added, removed or renamed files whose
// mtimes don't move, e.g. after a git checkout). A content edit that keeps a
// file's mtime is not detected.
func (m *Monitor) stale(srcPath, libPath string) bool {
	libInfo, err := os.Stat(libPath)
	if err != nil {
		return true
	}
	srcInfo, err := os.Stat(srcPath)
	if err == nil && srcInfo.ModTime().After(libInfo.ModTime()) {
		return true
	}

	siblingDir := strings.TrimSuffix(srcPath, filepath.Ext(srcPath))
	dirInfo, err := os.Stat(siblingDir)
	if err != nil {
		return false
	}

	if _, lastCompile, ok := readMetaSidecar(m.cfg.MetaSidecarPath(libPath)); ok {
		if !dirInfo.ModTime().After(lastCompile) {
			// Nothing was added, removed, or renamed in the fragment
			// directory since the last recorded compile: skip re-hashing
			// every sibling file's listing.
			return false
		}
	}

	entries, err := os.ReadDir(siblingDir)
	if err != nil {
		return false
	}

	var listing strings.Builder
	var newestMod time.Time
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(newestMod) {
			newestMod = info.ModTime()
		}
		listing.WriteString(e.Name())
		listing.WriteByte(0)
	}
	if newestMod.After(libInfo.ModTime()) {
		return true
	}

	sum := xxhash.Sum64String(listing.String())
	m.st.mu.Lock()
	prev, ok := m.st.hashCache[siblingDir]
	m.st.hashCache[siblingDir] = sum
	m.st.mu.Unlock()
	return ok && prev != sum
}
