package vm

import (
	"errors"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// MessageLoop: Abstract per-isolate event multiplexer
// ---------------------------------------------------------------------------

// WaitID names one pending signal-wait registration on a loop.
type WaitID int64

// InvalidWaitID is returned when a signal wait could not be registered.
const InvalidWaitID WaitID = 0

// ErrSignalWaitsUnsupported is returned by AwaitSignal on loop strategies
// without an OS readiness source (the portable loop).
var ErrSignalWaitsUnsupported = errors.New("signal waits are not supported by this message loop")

// Signal status values delivered to ActivateSignal.
const (
	// SignalStatusReady: the handle became ready for one of the awaited
	// signals.
	SignalStatusReady uintptr = 0
	// SignalStatusTimedOut: the registration's deadline elapsed first.
	SignalStatusTimedOut uintptr = 1
)

// MessageLoop multiplexes an isolate's inbound messages, timer wakeups, and
// OS readiness signals, and dispatches them one at a time into the owning
// isolate. Run executes on a single thread; every other operation is safe
// from any thread.
//
// Two strategies exist: the portable DefaultMessageLoop, and a native loop
// built on OS readiness primitives where the platform provides them. The
// choice is made at startup from the manifest, never per-event.
type MessageLoop interface {
	// PostMessage transfers ownership of message to the loop and wakes it
	// if it is blocked polling. It never fails: a message whose destination
	// port no longer resolves is dropped and released.
	PostMessage(message *IsolateMessage)

	// AwaitSignal registers interest in readiness of handle for the given
	// signal mask, with an optional absolute monotonic deadline (0 means no
	// deadline). Exactly one outcome is delivered per registration:
	// readiness, timeout, or explicit cancellation. Multiple concurrent
	// registrations on the same handle are permitted and independent.
	AwaitSignal(handle uintptr, signals uintptr, deadline int64) (WaitID, error)

	// CancelSignalWait cancels a pending registration. Idempotent, and a
	// no-op if the registration already fired. Cancellation itself delivers
	// no activation callback; discarding the registration is the outcome.
	CancelSignalWait(id WaitID)

	// AdjustWakeup reschedules the loop's next timer-driven wake to the
	// earliest of the current and requested deadlines. A zero deadline
	// clears the timer.
	AdjustWakeup(newWakeup int64)

	// Run blocks the calling thread, dispatching one ready event per
	// iteration until Interrupt is observed. Pending messages still queued
	// when the loop stops are released, not dispatched.
	Run()

	// Interrupt makes Run observe termination at the next dispatch
	// boundary, never mid-dispatch. Idempotent, callable from any thread.
	Interrupt()

	// OpenPort registers a fresh port routing to this loop.
	OpenPort() Port

	// ClosePort closes p if this loop owns it, reporting whether it did.
	ClosePort(p Port) bool

	// OpenPortCount returns the number of ports currently routing here.
	// Zero means the isolate has no addressable endpoints left.
	OpenPortCount() int

	// postBootstrap enqueues an isolate's initial message before the loop
	// starts, bypassing port resolution. Only Runtime.Spawn calls this;
	// both strategies live in this package.
	postBootstrap(message *IsolateMessage)
}

// loopState is the shared base of every loop strategy: the back-references
// to the runtime and the owning isolate, the open-port count, and the
// dispatch helpers. Dispatch is always performed with no loop lock held;
// the event is fully detached first.
type loopState struct {
	rt        *Runtime
	isolate   *Isolate
	openPorts atomic.Int64
}

func (ls *loopState) openPortOn(self MessageLoop) Port {
	p := ls.rt.ports.open(self)
	ls.openPorts.Add(1)
	return p
}

func (ls *loopState) closePortOn(self MessageLoop, p Port) bool {
	if !ls.rt.ports.close(p, self) {
		return false
	}
	ls.openPorts.Add(-1)
	return true
}

func (ls *loopState) portCount() int {
	return int(ls.openPorts.Load())
}

// resolvesHere reports whether the message's destination port currently
// routes to self. Checked on the posting side so stale messages are dropped
// before they occupy the queue.
func (ls *loopState) resolvesHere(self MessageLoop, m *IsolateMessage) bool {
	return ls.rt.ports.lookup(m.dest) == self
}

// dispatchMessage invokes the isolate's message activation, then consumes
// the envelope. The isolate must take what it needs from the payload before
// returning from the activation.
func (ls *loopState) dispatchMessage(m *IsolateMessage) {
	ls.isolate.ActivateMessage(m)
	m.Release()
}

func (ls *loopState) dispatchWakeup() {
	ls.isolate.ActivateWakeup()
}

func (ls *loopState) dispatchSignal(handle, status, signals, count uintptr) {
	ls.isolate.ActivateSignal(handle, status, signals, count)
}

// LoopStrategy selects a message-loop implementation at startup.
type LoopStrategy string

const (
	// LoopPortable is the poll-based loop available everywhere.
	LoopPortable LoopStrategy = "portable"
	// LoopNative integrates OS readiness primitives (epoll on Linux). On
	// platforms without a native strategy it falls back to the portable
	// loop.
	LoopNative LoopStrategy = "native"
)

// newLoopForStrategy builds the configured loop for an isolate.
func newLoopForStrategy(rt *Runtime, iso *Isolate, strategy LoopStrategy) MessageLoop {
	switch strategy {
	case LoopNative:
		return newNativeMessageLoop(rt, iso)
	default:
		return newDefaultMessageLoop(rt, iso)
	}
}
