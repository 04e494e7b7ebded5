package plugin

import "strings"

// Version, BuildDate and ToolchainTag are populated by the build (normally
// via -ldflags) and reported through the getVersion/getVersionBanner verbs.
var (
	Version      = "dev"
	BuildDate    = "unknown"
	ToolchainTag = "go"
)

// routeCommand implements spec.md §4.4: parse a textual command, map reserved
// verbs to Manager operations, and delegate anything else to the Dispatcher.
// It is the single ingress for textual control shared by the host and every
// plugin.
func (m *Manager) routeCommand(line string, cmd *CmdData) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		cmd.Fail()
		return
	}
	verb, rest := fields[0], fields[1:]

	switch verb {
	case "quit", "exit":
		m.setRunState(Stopped)
	case "notify":
		m.disp.notifyAll(strings.Join(rest, " "))
	case "getVersion":
		cmd.Return(Version)
	case "getVersionBanner":
		cmd.Return(Version + " " + BuildDate + " " + ToolchainTag)
	case "plist":
		for _, name := range m.PluginNames() {
			cmd.Return(name)
		}
	case "pinfo":
		for _, info := range m.Infos() {
			if len(rest) > 0 && info.Name != rest[0] {
				continue
			}
			cmd.Return(info.Name)
		}
	case "pload", "preload":
		m.monitor.MarkUnprocessed(rest)
	case "punload":
		if len(rest) == 0 {
			for _, name := range m.PluginNames() {
				_ = m.loader.unload(name, false)
			}
			return
		}
		for _, name := range rest {
			if err := m.loader.unload(name, false); err != nil {
				m.disp.notifyf("punload %q: %v", name, err)
			}
		}
	case "ppause":
		m.monitor.Pause()
	case "presume":
		m.monitor.Resume()
	case "pstop":
		m.monitor.Stop()
	default:
		cmdPrime := &CmdData{DispatchID: cmd.DispatchID, Params: rest}
		if !m.disp.call(verb, cmdPrime) {
			cmd.Fail()
			return
		}
		cmd.Returned = cmdPrime.Returned
		cmd.Failed = cmdPrime.Failed
	}
}
