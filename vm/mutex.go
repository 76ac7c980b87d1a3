package vm

import (
	"sync"
	"sync/atomic"

	"github.com/petermattis/goid"
)

// ---------------------------------------------------------------------------
// Mutex: Non-reentrant mutual exclusion with owner tracking
// ---------------------------------------------------------------------------

// Mutex is a non-reentrant mutual exclusion lock. The zero value is an
// unlocked mutex. Unlike sync.Mutex it tracks its owning thread, so the
// misuse cases the runtime cares about are caught at the call site: locking
// a mutex the caller already holds is self-deadlock, and unlocking a mutex
// the caller does not hold is a bug in the caller. Both are fatal when
// invariant checks are enabled.
type Mutex struct {
	mu    sync.Mutex
	owner atomic.Int64 // goroutine id of the holder, 0 when unheld
}

// Lock acquires the mutex, blocking until it is available. Fatal if the
// calling thread already holds it (self-deadlock is never retried).
func (m *Mutex) Lock() {
	gid := goid.Get()
	if invariantChecks.Load() && m.owner.Load() == gid {
		vmFatal("Mutex.Lock: deadlock, thread %d already holds the mutex", gid)
	}
	m.mu.Lock()
	m.owner.Store(gid)
}

// TryLock attempts to acquire the mutex without blocking. It returns false
// iff the mutex is currently held by some thread, the calling thread
// included; a busy lock is a normal outcome here, never an error.
func (m *Mutex) TryLock() bool {
	if !m.mu.TryLock() {
		return false
	}
	m.owner.Store(goid.Get())
	return true
}

// Unlock releases the mutex. Fatal if the calling thread does not hold it.
func (m *Mutex) Unlock() {
	if invariantChecks.Load() {
		if gid := goid.Get(); m.owner.Load() != gid {
			vmFatal("Mutex.Unlock: thread %d does not hold the mutex (owner %d)",
				gid, m.owner.Load())
		}
	}
	m.owner.Store(0)
	m.mu.Unlock()
}

// IsOwnedByCurrentThread reports whether the calling thread holds the
// mutex. Meaningful only for assertions; the answer can be stale for any
// other thread's holdings.
func (m *Mutex) IsOwnedByCurrentThread() bool {
	return m.owner.Load() == goid.Get()
}
