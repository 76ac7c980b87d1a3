package vm

import "sync/atomic"

// ---------------------------------------------------------------------------
// Isolate: Actor with a private heap, interpreter, and message loop
// ---------------------------------------------------------------------------

// Isolate is an independently scheduled unit of execution. It owns a
// private heap and interpreter, a message loop, and a random salt; it
// communicates with other isolates only through port-addressed messages.
// Isolates are created by Runtime.Spawn and torn down after their loop is
// interrupted and drained.
type Isolate struct {
	id          uint64
	rt          *Runtime
	heap        Heap
	interpreter Interpreter
	loop        MessageLoop
	salt        uintptr
	random      *Random
	interrupted atomic.Bool
	done        chan struct{}

	// scheduled is guarded by the runtime's registry lock. A worker claims
	// it before interpreting; a second claim means two workers hold the
	// same isolate and is fatal.
	scheduled bool
}

// ID returns the isolate's registry identifier.
func (iso *Isolate) ID() uint64 { return iso.id }

// Loop returns the isolate's message loop.
func (iso *Isolate) Loop() MessageLoop { return iso.loop }

// Salt returns the isolate's random salt, used to perturb identity- and
// hash-sensitive values.
func (iso *Isolate) Salt() uintptr { return iso.salt }

// Random returns the isolate's private pseudo-random source.
func (iso *Isolate) Random() *Random { return iso.random }

// Heap returns the isolate's heap collaborator.
func (iso *Isolate) Heap() Heap { return iso.heap }

// ActivateMessage is the loop's message callback: it installs the inbound
// payload into interpreter-visible state, then hands control to the
// interpreter. The envelope is released by the dispatch step after this
// returns.
func (iso *Isolate) ActivateMessage(message *IsolateMessage) {
	iso.interpreter.ActivateMessage(message.DestPort(), message.Data(), message.Argv())
	iso.Interpret()
}

// ActivateWakeup is the loop's timer callback.
func (iso *Isolate) ActivateWakeup() {
	iso.interpreter.ActivateWakeup()
	iso.Interpret()
}

// ActivateSignal is the loop's OS readiness callback.
func (iso *Isolate) ActivateSignal(handle, status, signals, count uintptr) {
	iso.interpreter.ActivateSignal(handle, status, signals, count)
	iso.Interpret()
}

// Interpret runs the interpreter over currently available input, then
// returns control to the loop. It never blocks on the loop's event
// sources, so Interrupt and further polling stay responsive.
func (iso *Isolate) Interpret() {
	iso.interpreter.Interpret()
}

// Spawn creates a sibling isolate whose first dispatched event is
// initialMessage. The new isolate's salt derives from seed.
func (iso *Isolate) Spawn(initialMessage *IsolateMessage, seed uint64) (*Isolate, error) {
	return iso.rt.Spawn(initialMessage, seed)
}

// PostMessage sends message to whatever isolate its destination port
// resolves to. Fire-and-forget; ownership of message transfers on the
// call.
func (iso *Isolate) PostMessage(message *IsolateMessage) {
	iso.rt.PostMessage(message)
}

// Interrupt marks the isolate for termination at its next dispatch
// boundary. In-flight dispatch completes first. Idempotent, callable from
// any thread.
func (iso *Isolate) Interrupt() {
	if iso.interrupted.Swap(true) {
		return
	}
	iso.loop.Interrupt()
}

// PrintStack emits the interpreter's activation stack for diagnostics.
func (iso *Isolate) PrintStack() {
	iso.interpreter.PrintStack()
}

// Await blocks until the isolate has been unregistered and destroyed.
func (iso *Isolate) Await() {
	<-iso.done
}

// runOnWorker executes the isolate's loop to completion on a pool worker,
// then tears the isolate down. The worker claims the isolate under the
// registry lock first, so two workers can never interpret it at once.
func (iso *Isolate) runOnWorker() {
	iso.rt.mu.Lock()
	if iso.scheduled {
		iso.rt.mu.Unlock()
		vmFatal("isolate %d is already claimed by another worker", iso.id)
	}
	iso.scheduled = true
	iso.rt.mu.Unlock()

	log.Debugf("isolate %d running on %s", iso.id, CurrentThreadName())
	iso.loop.Run()
	iso.rt.isolateDone(iso)
}
