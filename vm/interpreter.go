package vm

// ---------------------------------------------------------------------------
// Interpreter / Heap: External collaborator contracts
// ---------------------------------------------------------------------------

// Interpreter is the bytecode-execution collaborator an isolate drives.
// The core never interprets; it installs one unit of input via an
// activation, then calls Interpret, which processes whatever input is
// available and returns control so the loop stays responsive to Interrupt
// and further polling. Interpret must not block on the loop's event
// sources.
//
// All methods are invoked on the isolate's current dispatch thread only;
// implementations need no internal locking against the core.
type Interpreter interface {
	// ActivateMessage installs an inbound message. The payload slices are
	// owned by the envelope and valid only for the duration of the call;
	// the interpreter copies what it keeps.
	ActivateMessage(dest Port, data []byte, argv []string)

	// ActivateWakeup installs a timer firing.
	ActivateWakeup()

	// ActivateSignal installs an OS readiness outcome.
	ActivateSignal(handle, status, signals, count uintptr)

	// Interpret processes currently available input, then returns.
	Interpret()

	// PrintStack emits the interpreter's current activation stack for
	// fatal diagnostics.
	PrintStack()
}

// Heap is the object-heap collaborator. Two isolates never share one.
type Heap interface {
	// Size returns the heap's current size in bytes, for diagnostics.
	Size() int

	// Teardown releases the heap. Called exactly once, after the isolate's
	// loop has stopped and drained.
	Teardown()
}

// HeapFactory builds a fresh heap from snapshot data at isolate creation.
type HeapFactory func(snapshot []byte) (Heap, error)

// InterpreterFactory builds the interpreter for a freshly created isolate.
// The isolate's loop and heap are already in place when it is called.
type InterpreterFactory func(iso *Isolate) (Interpreter, error)
