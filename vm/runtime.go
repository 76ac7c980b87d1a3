package vm

import (
	"fmt"
	"runtime"
	"time"
)

// ---------------------------------------------------------------------------
// Runtime: Process context, isolate registry, startup/shutdown
// ---------------------------------------------------------------------------

// RuntimeOptions configures a Runtime at startup.
type RuntimeOptions struct {
	// Workers is the thread-pool size. Zero means one worker per CPU.
	Workers int

	// Strategy selects the message-loop implementation for every isolate.
	// Empty means LoopPortable.
	Strategy LoopStrategy

	// Seed seeds the runtime's root random source, from which port ids and
	// default isolate salts derive. Zero means time-derived.
	Seed uint64

	// Snapshot is the program snapshot handed to each new isolate's heap.
	// Its format is the heap collaborator's concern.
	Snapshot []byte

	// NewHeap and NewInterpreter construct the collaborators for each
	// spawned isolate. Both are required.
	NewHeap        HeapFactory
	NewInterpreter InterpreterFactory
}

// Runtime is the explicitly constructed process context: the isolate
// registry, the port map, and the thread pool. Exactly one StartupRuntime /
// Shutdown pair brackets all isolate activity. A single lock guards the
// registry; it is never held while control passes into interpreter code.
type Runtime struct {
	opts     RuntimeOptions
	strategy LoopStrategy
	ports    *portMap
	pool     *ThreadPool

	mu       Mutex // registry lock
	isolates map[uint64]*Isolate
	nextID   uint64
	root     *Random
	down     bool
}

// StartupRuntime initializes the process context and starts the worker
// pool. Call Shutdown exactly once when all isolate activity is finished.
func StartupRuntime(opts RuntimeOptions) (*Runtime, error) {
	if opts.NewHeap == nil || opts.NewInterpreter == nil {
		return nil, fmt.Errorf("StartupRuntime: heap and interpreter factories are required")
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	strategy := opts.Strategy
	if strategy == "" {
		strategy = LoopPortable
	}
	seed := opts.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	rt := &Runtime{
		opts:     opts,
		strategy: strategy,
		ports:    newPortMap(seed),
		pool:     newThreadPool(),
		isolates: make(map[uint64]*Isolate),
		root:     NewRandom(seed),
	}
	if err := rt.pool.Startup(workers); err != nil {
		return nil, err
	}
	log.Infof("runtime started: %d workers, %s loop", workers, strategy)
	return rt, nil
}

// Shutdown interrupts every live isolate, waits for the pool to drain, and
// tears down the process context. Fatal if called twice.
func (rt *Runtime) Shutdown() {
	rt.mu.Lock()
	if rt.down {
		rt.mu.Unlock()
		vmFatal("Runtime.Shutdown: already shut down")
	}
	rt.down = true
	rt.mu.Unlock()

	rt.InterruptAll()
	rt.pool.Shutdown()
	log.Info("runtime stopped")
}

// Spawn allocates a new isolate (heap, interpreter, loop, salt derived from
// seed), registers it, and schedules it on the pool with initialMessage
// guaranteed to be the first event its loop dispatches. The initial
// message's payload is either a byte-encoded program snapshot or a startup
// argument vector; its destination port may be IllegalPort, since the
// message is enqueued before the isolate can open any port.
func (rt *Runtime) Spawn(initialMessage *IsolateMessage, seed uint64) (*Isolate, error) {
	if initialMessage == nil {
		return nil, fmt.Errorf("Spawn: initial message is required")
	}

	heap, err := rt.opts.NewHeap(rt.opts.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("Spawn: heap construction: %w", err)
	}
	iso := &Isolate{
		rt:     rt,
		heap:   heap,
		random: NewRandom(seed),
		done:   make(chan struct{}),
	}
	iso.salt = uintptr(iso.random.NextUint64())
	iso.loop = newLoopForStrategy(rt, iso, rt.strategy)

	interp, err := rt.opts.NewInterpreter(iso)
	if err != nil {
		heap.Teardown()
		return nil, fmt.Errorf("Spawn: interpreter construction: %w", err)
	}
	iso.interpreter = interp

	rt.mu.Lock()
	if rt.down {
		rt.mu.Unlock()
		heap.Teardown()
		return nil, fmt.Errorf("Spawn: runtime is shut down")
	}
	rt.nextID++
	iso.id = rt.nextID
	rt.isolates[iso.id] = iso
	rt.mu.Unlock()

	// The isolate has no open ports yet, so nothing else can reach its
	// loop: the initial message is necessarily the first event dispatched.
	iso.loop.postBootstrap(initialMessage)

	rt.pool.submit(iso)
	log.Debugf("spawned isolate %d", iso.id)
	return iso, nil
}

// PostMessage routes message to the loop its destination port resolves to.
// Fire-and-forget: a message to a closed or unknown port is dropped and
// released, never an error.
func (rt *Runtime) PostMessage(message *IsolateMessage) {
	loop := rt.ports.lookup(message.DestPort())
	if loop == nil {
		message.Release()
		return
	}
	loop.PostMessage(message)
}

// InterruptAll interrupts every registered isolate, for coordinated
// shutdown. Each loop observes termination at its next dispatch boundary.
func (rt *Runtime) InterruptAll() {
	rt.mu.Lock()
	for _, iso := range rt.isolates {
		iso.Interrupt()
	}
	rt.mu.Unlock()
}

// PrintAllStacks emits every live isolate's interpreter stack, for fatal
// diagnostics.
func (rt *Runtime) PrintAllStacks() {
	rt.mu.Lock()
	live := make([]*Isolate, 0, len(rt.isolates))
	for _, iso := range rt.isolates {
		live = append(live, iso)
	}
	rt.mu.Unlock()
	for _, iso := range live {
		iso.PrintStack()
	}
}

// IsolateCount returns the number of registered isolates.
func (rt *Runtime) IsolateCount() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.isolates)
}

// isolateDone unregisters and destroys an isolate whose loop has stopped:
// remaining ports are closed so late senders see a clean routing failure,
// the heap is torn down, and waiters on Await are released.
func (rt *Runtime) isolateDone(iso *Isolate) {
	rt.ports.closeAllForLoop(iso.loop)

	rt.mu.Lock()
	delete(rt.isolates, iso.id)
	iso.scheduled = false
	rt.mu.Unlock()

	iso.heap.Teardown()
	close(iso.done)
	log.Debugf("isolate %d destroyed", iso.id)
}
