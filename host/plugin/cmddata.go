package plugin

import "github.com/google/uuid"

// CmdData is the call envelope passed to every callback invocation. It carries
// the caller's parameters and, after the callee returns, the callee's result.
// A CmdData is created fresh by the caller before each dispatch and must not
// be shared across goroutines.
type CmdData struct {
	// DispatchID is a unique id assigned by NewCmdData. The Command Router
	// copies it onto the envelope it forwards to a plugin callback; no log
	// or notify line in this package includes it.
	DispatchID uuid.UUID

	// Params holds the ordered string parameters supplied by the caller.
	Params []string
	// PtrParams holds ordered opaque pointer parameters supplied by the caller.
	PtrParams []any

	// Failed is set by the callee to signal a recoverable failure. It never
	// causes a panic or an unwind; callers inspect it after the call returns.
	Failed bool

	// Returned holds the ordered string return values set by the callee.
	Returned []string
	// PtrReturned holds ordered opaque pointer return values set by the callee.
	PtrReturned []any
}

// NewCmdData builds a CmdData with the given string parameters, ready to be
// passed to a callback invocation.
func NewCmdData(params ...string) *CmdData {
	return &CmdData{DispatchID: uuid.New(), Params: params}
}

// Fail marks the envelope failed. It is idempotent.
func (c *CmdData) Fail() {
	if c == nil {
		return
	}
	c.Failed = true
}

// Param returns the i'th string parameter, or "" if out of range.
func (c *CmdData) Param(i int) string {
	if c == nil || i < 0 || i >= len(c.Params) {
		return ""
	}
	return c.Params[i]
}

// Return appends a string to the return sequence.
func (c *CmdData) Return(s string) {
	if c == nil {
		return
	}
	c.Returned = append(c.Returned, s)
}
