package vm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/petermattis/goid"
)

// ---------------------------------------------------------------------------
// Thread: Named goroutine threads with join handles
// ---------------------------------------------------------------------------

// ThreadID identifies a running thread. IDs support equality comparison
// only; they carry no ordering and are never reused while the thread is
// alive.
type ThreadID int64

// InvalidThreadID is the sentinel returned for "no thread".
const InvalidThreadID ThreadID = 0

// CurrentThreadID returns the id of the calling thread.
func CurrentThreadID() ThreadID {
	return ThreadID(goid.Get())
}

// Thread is the join handle for a thread started with StartThread. It is
// distinct from the thread's ThreadID: the handle is valid only while the
// thread is joinable and is consumed exactly once by Join.
type Thread struct {
	name   string
	id     atomic.Int64 // ThreadID, set by the spawned thread before entry runs
	done   chan struct{}
	joined atomic.Bool
}

// Name returns the debug name the thread was started with.
func (t *Thread) Name() string { return t.name }

// ID returns the thread's id, or InvalidThreadID if the thread has not yet
// begun running.
func (t *Thread) ID() ThreadID { return ThreadID(t.id.Load()) }

// Join blocks until the thread's entry function returns. The handle is
// consumed: a second Join on the same handle is fatal.
func (t *Thread) Join() {
	if t.joined.Swap(true) {
		vmFatal("Thread.Join: join handle for %q already consumed", t.name)
	}
	<-t.done
}

// StartThread spawns a thread that installs a fresh per-thread context
// (debug name, thread-local slots), then invokes entry(param). The returned
// handle may be used to Join the thread. It returns an error rather than
// aborting, so callers can surface spawn failures to their own callers.
func StartThread(name string, entry func(param uintptr), param uintptr) (*Thread, error) {
	if entry == nil {
		return nil, fmt.Errorf("StartThread: nil entry function for thread %q", name)
	}
	t := &Thread{
		name: name,
		done: make(chan struct{}),
	}
	go func() {
		gid := goid.Get()
		t.id.Store(gid)
		setThreadName(gid, name)
		defer func() {
			runThreadLocalDestructors(gid)
			clearThreadName(gid)
			close(t.done)
		}()
		entry(param)
	}()
	return t, nil
}

// ---------------------------------------------------------------------------
// Thread-local storage
// ---------------------------------------------------------------------------

// ThreadLocalKey is an opaque key naming one thread-local slot, created by
// CreateThreadLocal.
type ThreadLocalKey int32

// tlsRegistry holds all thread-local slots, keyed by thread id then slot
// key. Word-sized values only; destructors run when a thread started by
// StartThread exits.
var tlsRegistry = struct {
	mu          sync.RWMutex
	destructors map[ThreadLocalKey]func(uintptr)
	values      map[int64]map[ThreadLocalKey]uintptr
	names       map[int64]string
}{
	destructors: make(map[ThreadLocalKey]func(uintptr)),
	values:      make(map[int64]map[ThreadLocalKey]uintptr),
	names:       make(map[int64]string),
}

var nextThreadLocalKey atomic.Int32

// CreateThreadLocal allocates a thread-local slot. The destructor, if
// non-nil, is invoked with the slot's value on each exiting thread that set
// a non-zero value.
func CreateThreadLocal(destructor func(uintptr)) ThreadLocalKey {
	key := ThreadLocalKey(nextThreadLocalKey.Add(1))
	tlsRegistry.mu.Lock()
	tlsRegistry.destructors[key] = destructor
	tlsRegistry.mu.Unlock()
	return key
}

// DeleteThreadLocal releases a slot. Values stored under the key are
// discarded without running the destructor, matching the semantics of key
// deletion in the underlying OS facility.
func DeleteThreadLocal(key ThreadLocalKey) {
	tlsRegistry.mu.Lock()
	defer tlsRegistry.mu.Unlock()
	if _, ok := tlsRegistry.destructors[key]; !ok {
		vmFatal("DeleteThreadLocal: key %d was never created or already deleted", key)
	}
	delete(tlsRegistry.destructors, key)
	for gid, slots := range tlsRegistry.values {
		delete(slots, key)
		if len(slots) == 0 {
			delete(tlsRegistry.values, gid)
		}
	}
}

// SetThreadLocal stores a word-sized value in the calling thread's slot.
func SetThreadLocal(key ThreadLocalKey, value uintptr) {
	gid := goid.Get()
	tlsRegistry.mu.Lock()
	defer tlsRegistry.mu.Unlock()
	if _, ok := tlsRegistry.destructors[key]; !ok {
		vmFatal("SetThreadLocal: key %d was never created or already deleted", key)
	}
	slots := tlsRegistry.values[gid]
	if slots == nil {
		slots = make(map[ThreadLocalKey]uintptr)
		tlsRegistry.values[gid] = slots
	}
	slots[key] = value
}

// GetThreadLocal returns the calling thread's value for the slot, or zero
// if the thread never set one.
func GetThreadLocal(key ThreadLocalKey) uintptr {
	gid := goid.Get()
	tlsRegistry.mu.RLock()
	defer tlsRegistry.mu.RUnlock()
	return tlsRegistry.values[gid][key]
}

// runThreadLocalDestructors consumes the exiting thread's slots, invoking
// each destructor outside the registry lock.
func runThreadLocalDestructors(gid int64) {
	type pending struct {
		d func(uintptr)
		v uintptr
	}
	tlsRegistry.mu.Lock()
	slots := tlsRegistry.values[gid]
	delete(tlsRegistry.values, gid)
	var run []pending
	for key, value := range slots {
		if d := tlsRegistry.destructors[key]; d != nil && value != 0 {
			run = append(run, pending{d, value})
		}
	}
	tlsRegistry.mu.Unlock()
	for _, p := range run {
		p.d(p.v)
	}
}

func setThreadName(gid int64, name string) {
	tlsRegistry.mu.Lock()
	tlsRegistry.names[gid] = name
	tlsRegistry.mu.Unlock()
}

func clearThreadName(gid int64) {
	tlsRegistry.mu.Lock()
	delete(tlsRegistry.names, gid)
	tlsRegistry.mu.Unlock()
}

// CurrentThreadName returns the debug name of the calling thread, or the
// empty string for threads not started through StartThread.
func CurrentThreadName() string {
	tlsRegistry.mu.RLock()
	defer tlsRegistry.mu.RUnlock()
	return tlsRegistry.names[goid.Get()]
}
