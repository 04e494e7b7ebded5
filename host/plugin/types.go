package plugin

import (
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrDisabled reports that the plugin subsystem is disabled. Nothing in
	// this package returns it.
	ErrDisabled = errors.New("plugin subsystem disabled")
	// ErrAlreadyLoaded reports a plugin already loaded under the same name.
	// Nothing in this package returns it.
	ErrAlreadyLoaded = errors.New("plugin already loaded")
	// ErrNameConflict reports that another loaded plugin already uses the
	// same name. Nothing in this package returns it.
	ErrNameConflict = errors.New("plugin name already registered")
	// ErrNotFound is returned when attempting to unload a plugin that is not
	// currently loaded.
	ErrNotFound = errors.New("plugin not found")
	// ErrMissingOnLoad reports a library with no exported OnLoad symbol.
	// Nothing in this package returns it: a missing OnLoad is reported
	// through a notify and the record is dropped.
	ErrMissingOnLoad = errors.New("plugin has no OnLoad symbol")
)

// RunState is the run-state type used by both the Manager and the Monitor.
// Each holds its own value: quit/exit set the Manager's, ppause/presume/pstop
// set the Monitor's (under its own lock, so the host thread never blocks on
// it), and Manager.Stop sets both.
type RunState int

const (
	Executing RunState = iota
	Paused
	Stopped
)

func (s RunState) String() string {
	switch s {
	case Executing:
		return "Executing"
	case Paused:
		return "Paused"
	case Stopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Info describes a plugin currently loaded by the Manager.
type Info struct {
	Name    string
	Version string
	Path    string
	Depends []string
	// InstanceID is the correlation id assigned when this load was opened;
	// see pluginRecord.InstanceID.
	InstanceID uuid.UUID
}

// LifecycleFunc is the signature every lifecycle callback (OnLoad, OnUnload,
// OnTick, OnNotify, OnReady, OnDepends) must be exported under. It takes the
// record's opaque plugin-scoped data pointer and a CmdData envelope, and
// returns nothing — failures are reported through CmdData.Failed, crashes
// through panic/recover.
type LifecycleFunc func(data any, cmd *CmdData)

// UserCallback is the signature of a user-defined callback, published by a
// plugin through CIndex during OnLoad.
type UserCallback func(data any, cmd *CmdData)

// ABI symbol names resolved via plugin.Lookup. Go's dynamic loader only
// resolves exported identifiers, so the C-style `onLoad` contract described
// abstractly in the specification becomes these capitalized names (see
// SPEC_FULL.md §4).
const (
	SymOnDepends = "OnDepends"
	SymOnLoad    = "OnLoad"
	SymOnUnload  = "OnUnload"
	SymOnTick    = "OnTick"
	SymOnNotify  = "OnNotify"
	SymOnReady   = "OnReady"
)
