package vm

import (
	"sync"
	"testing"
	"time"
)

// testHeap is a minimal heap collaborator for runtime tests.
type testHeap struct {
	mu       sync.Mutex
	torndown bool
}

func (h *testHeap) Size() int { return 0 }

func (h *testHeap) Teardown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.torndown {
		panic("testHeap.Teardown called twice")
	}
	h.torndown = true
}

// sigEvent records one ActivateSignal delivery.
type sigEvent struct {
	handle, status, signals, count uintptr
}

// recordingInterpreter records every activation. The optional onMessage
// hook runs during Interpret for message activations, on the dispatch
// thread, so tests can open ports, spawn, or close ports mid-dispatch the
// way a real interpreter would.
type recordingInterpreter struct {
	iso *Isolate

	mu       sync.Mutex
	messages [][]byte
	argvs    [][]string
	dests    []Port
	wakeups  int
	signals  []sigEvent

	// staged is the input installed by the last activation, consumed by
	// Interpret.
	staged    bool
	lastDest  Port
	lastData  []byte
	lastArgv  []string
	onMessage func(dest Port, data []byte, argv []string)
}

func (ri *recordingInterpreter) ActivateMessage(dest Port, data []byte, argv []string) {
	ri.mu.Lock()
	ri.messages = append(ri.messages, append([]byte(nil), data...))
	ri.argvs = append(ri.argvs, argv)
	ri.dests = append(ri.dests, dest)
	ri.staged = true
	ri.lastDest = dest
	ri.lastData = append([]byte(nil), data...)
	ri.lastArgv = argv
	ri.mu.Unlock()
}

func (ri *recordingInterpreter) ActivateWakeup() {
	ri.mu.Lock()
	ri.wakeups++
	ri.mu.Unlock()
}

func (ri *recordingInterpreter) ActivateSignal(handle, status, signals, count uintptr) {
	ri.mu.Lock()
	ri.signals = append(ri.signals, sigEvent{handle, status, signals, count})
	ri.mu.Unlock()
}

func (ri *recordingInterpreter) Interpret() {
	ri.mu.Lock()
	staged := ri.staged
	ri.staged = false
	dest, data, argv := ri.lastDest, ri.lastData, ri.lastArgv
	hook := ri.onMessage
	ri.mu.Unlock()
	if staged && hook != nil {
		hook(dest, data, argv)
	}
}

func (ri *recordingInterpreter) PrintStack() {}

func (ri *recordingInterpreter) messageCount() int {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	return len(ri.messages)
}

func (ri *recordingInterpreter) wakeupCount() int {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	return ri.wakeups
}

func (ri *recordingInterpreter) signalEvents() []sigEvent {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	return append([]sigEvent(nil), ri.signals...)
}

// newTestRuntime starts a runtime whose spawned isolates all use
// recordingInterpreters. Each interpreter is delivered on interps as it is
// created. The runtime is shut down with the test.
func newTestRuntime(t *testing.T, opts RuntimeOptions) (*Runtime, chan *recordingInterpreter) {
	t.Helper()
	interps := make(chan *recordingInterpreter, 16)
	if opts.Workers == 0 {
		opts.Workers = 2
	}
	if opts.NewHeap == nil {
		opts.NewHeap = func(snapshot []byte) (Heap, error) { return &testHeap{}, nil }
	}
	if opts.NewInterpreter == nil {
		opts.NewInterpreter = func(iso *Isolate) (Interpreter, error) {
			ri := &recordingInterpreter{iso: iso}
			interps <- ri
			return ri, nil
		}
	}
	rt, err := StartupRuntime(opts)
	if err != nil {
		t.Fatalf("StartupRuntime: %v", err)
	}
	t.Cleanup(rt.Shutdown)
	return rt, interps
}

// newLoopIsolate builds a registered isolate whose loop the test drives
// directly (it is never handed to the pool). The caller runs iso.loop.Run
// itself and calls finishLoopIsolate when the loop has returned.
func newLoopIsolate(rt *Runtime, interp Interpreter) *Isolate {
	iso := &Isolate{
		rt:     rt,
		heap:   &testHeap{},
		random: NewRandom(42),
		done:   make(chan struct{}),
	}
	iso.salt = uintptr(iso.random.NextUint64())
	iso.loop = newDefaultMessageLoop(rt, iso)
	if interp == nil {
		interp = &recordingInterpreter{iso: iso}
	}
	iso.interpreter = interp
	rt.mu.Lock()
	rt.nextID++
	iso.id = rt.nextID
	rt.isolates[iso.id] = iso
	rt.mu.Unlock()
	return iso
}

func finishLoopIsolate(rt *Runtime, iso *Isolate) {
	rt.isolateDone(iso)
}

// waitDone waits for ch to close, failing the test after a timeout rather
// than hanging the whole run.
func waitDone(t *testing.T, ch <-chan struct{}, timeout time.Duration, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for %s", what)
	}
}

// pollUntil spins until cond holds, failing the test after a timeout.
func pollUntil(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// expectPanic runs fn and fails the test unless it panics.
func expectPanic(t *testing.T, what string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s: expected a fatal panic", what)
		}
	}()
	fn()
}
