package vm

import "sync/atomic"

// ---------------------------------------------------------------------------
// IsolateMessage: Owned message envelope
// ---------------------------------------------------------------------------

// liveMessages counts envelopes that have been created but not yet
// released. Tests use it to verify that dropped and dispatched messages are
// freed exactly once.
var liveMessages atomic.Int64

// LiveMessageCount returns the number of message envelopes not yet
// released.
func LiveMessageCount() int64 {
	return liveMessages.Load()
}

// IsolateMessage is an owned envelope addressed to a port. It carries
// exactly one of an owned byte payload or a startup argument vector (whose
// backing storage the message does not own). Envelopes are move-only:
// ownership transfers from the sender to the destination loop on
// PostMessage and is consumed exactly once, either by dispatch into the
// isolate or by Release when the destination no longer resolves. An
// envelope must never be touched after it has been posted.
type IsolateMessage struct {
	next     *IsolateMessage // intrusive link, owned by the destination loop
	dest     Port
	data     []byte   // owned byte payload, nil for the argv form
	argv     []string // startup arguments, nil for the byte form
	released atomic.Bool
}

// NewByteMessage builds an envelope owning the given byte payload. The
// caller must not retain data.
func NewByteMessage(dest Port, data []byte) *IsolateMessage {
	liveMessages.Add(1)
	return &IsolateMessage{dest: dest, data: data}
}

// NewArgvMessage builds a startup-argument envelope. The argument vector's
// backing storage stays owned by the caller.
func NewArgvMessage(dest Port, argv []string) *IsolateMessage {
	liveMessages.Add(1)
	return &IsolateMessage{dest: dest, argv: argv}
}

// DestPort returns the destination port.
func (m *IsolateMessage) DestPort() Port { return m.dest }

// Data returns the owned byte payload, or nil for the argv form.
func (m *IsolateMessage) Data() []byte { return m.data }

// Argv returns the startup argument vector, or nil for the byte form.
func (m *IsolateMessage) Argv() []string { return m.argv }

// Release consumes the envelope, dropping the owned payload. Called by the
// dispatch step after activation, or by the loop when the destination port
// does not resolve. Releasing twice is fatal.
func (m *IsolateMessage) Release() {
	if m.released.Swap(true) {
		vmFatal("IsolateMessage.Release: envelope for port %d already consumed", m.dest)
	}
	m.data = nil
	m.argv = nil
	liveMessages.Add(-1)
}
