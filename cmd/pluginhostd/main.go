// Command pluginhostd is a minimal console host for github.com/dm-vev/pluginhost's
// plugin.Manager: it watches a directory of native plugins, ticks the Manager
// on a fixed interval, and reads commands from standard input, in the manner
// of the teacher's server/console.Console. It exists so the plugin subsystem
// has a caller to exercise it end to end; the host process itself is outside
// this repository's scope.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dm-vev/pluginhost/host/plugin"
)

func main() {
	var (
		dir      = flag.String("dir", "plugins", "directory scanned for plugin artifacts")
		mode     = flag.String("mode", "source", "discovery mode: source or binary")
		tickRate = flag.Duration("tick", 50*time.Millisecond, "interval between Manager.Sync calls")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg := plugin.DefaultConfig()
	cfg.Paths = []string{*dir}
	switch *mode {
	case "source":
		cfg.Mode = plugin.Source
	case "binary":
		cfg.Mode = plugin.Binary
	default:
		log.Error("unknown mode", "mode", *mode)
		os.Exit(1)
	}

	m := plugin.Init(cfg, nil, log)
	defer m.Stop()

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(*tickRate)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Sync()
			case <-done:
				return
			}
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		cmd := plugin.NewCmdData()
		m.CallCommand(line, cmd)
		for _, out := range cmd.Returned {
			fmt.Println(out)
		}
		if cmd.Failed {
			fmt.Fprintf(os.Stderr, "command %q failed\n", line)
		}
		if m.RunState() == plugin.Stopped {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		log.Error("stdin read error", "error", err)
	}
	close(done)
}
