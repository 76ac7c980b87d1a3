package vm

import "time"

// ---------------------------------------------------------------------------
// Monitor: Mutex + condition variable with bounded timed waits
// ---------------------------------------------------------------------------

// WaitResult distinguishes how a timed wait on a Monitor returned.
type WaitResult int

const (
	// WaitNotified means the wait ended because of Notify or NotifyAll.
	WaitNotified WaitResult = iota
	// WaitTimedOut means the wait ended because the deadline elapsed.
	WaitTimedOut
)

func (r WaitResult) String() string {
	if r == WaitNotified {
		return "notified"
	}
	return "timed out"
}

// monitorWaiter is one blocked thread in a monitor's wait queue. The ready
// channel is closed exactly once, by Notify/NotifyAll, with notified set
// under the monitor's mutex before the close.
type monitorWaiter struct {
	next     *monitorWaiter
	ready    chan struct{}
	notified bool
}

// Monitor combines a Mutex with a condition variable. sync.Cond offers no
// timed wait, so the monitor keeps an explicit FIFO queue of waiters, each
// parked on its own channel; a timed waiter races its timer against a
// directed wakeup and resolves the race under the monitor's mutex, so a
// consumed notification is never lost to a concurrent timeout.
//
// Spurious wakeups are not surfaced, but callers must still re-check their
// predicate after Wait returns, since the state that prompted the Notify
// may have changed before the waiter re-acquired the monitor.
type Monitor struct {
	mu         Mutex
	head, tail *monitorWaiter
}

// Enter acquires the monitor.
func (m *Monitor) Enter() { m.mu.Lock() }

// TryEnter attempts to acquire the monitor without blocking.
func (m *Monitor) TryEnter() bool { return m.mu.TryLock() }

// Exit releases the monitor. Fatal if the caller does not hold it.
func (m *Monitor) Exit() { m.mu.Unlock() }

func (m *Monitor) assertHeld(op string) {
	if invariantChecks.Load() && !m.mu.IsOwnedByCurrentThread() {
		vmFatal("Monitor.%s: caller does not hold the monitor", op)
	}
}

func (m *Monitor) enqueueWaiter() *monitorWaiter {
	w := &monitorWaiter{ready: make(chan struct{})}
	if m.tail == nil {
		m.head = w
	} else {
		m.tail.next = w
	}
	m.tail = w
	return w
}

func (m *Monitor) unlinkWaiter(w *monitorWaiter) {
	var prev *monitorWaiter
	for cur := m.head; cur != nil; cur = cur.next {
		if cur == w {
			if prev == nil {
				m.head = cur.next
			} else {
				prev.next = cur.next
			}
			if m.tail == cur {
				m.tail = prev
			}
			cur.next = nil
			return
		}
		prev = cur
	}
}

// Wait atomically releases the monitor and blocks until notified, then
// re-acquires the monitor before returning. The caller must hold the
// monitor.
func (m *Monitor) Wait() {
	m.assertHeld("Wait")
	w := m.enqueueWaiter()
	m.mu.Unlock()
	<-w.ready
	m.mu.Lock()
}

// WaitUntilNanos atomically releases the monitor and blocks until notified
// or until the absolute monotonic-clock deadline (in nanoseconds, per
// MonotonicNanos) elapses, whichever comes first. The monitor is held again
// by the time it returns. A deadline at or before the current time still
// releases the monitor and parks briefly before timing out.
func (m *Monitor) WaitUntilNanos(deadline int64) WaitResult {
	m.assertHeld("WaitUntilNanos")
	w := m.enqueueWaiter()

	// Duration clamps rather than overflows: deadlines out past the
	// representable range become the maximum representable wait.
	var dur time.Duration
	if now := MonotonicNanos(); deadline > now {
		dur = time.Duration(deadline - now)
	}
	timer := time.NewTimer(dur)
	m.mu.Unlock()

	select {
	case <-w.ready:
		timer.Stop()
		m.mu.Lock()
		return WaitNotified
	case <-timer.C:
		m.mu.Lock()
		if w.notified {
			// The notification won the race; do not report a timeout or
			// the wakeup would be lost.
			return WaitNotified
		}
		m.unlinkWaiter(w)
		return WaitTimedOut
	}
}

// Notify wakes one waiter, if any. The caller must hold the monitor.
func (m *Monitor) Notify() {
	m.assertHeld("Notify")
	w := m.head
	if w == nil {
		return
	}
	m.head = w.next
	if m.head == nil {
		m.tail = nil
	}
	w.next = nil
	w.notified = true
	close(w.ready)
}

// NotifyAll wakes every waiter. The caller must hold the monitor.
func (m *Monitor) NotifyAll() {
	m.assertHeld("NotifyAll")
	for w := m.head; w != nil; {
		next := w.next
		w.next = nil
		w.notified = true
		close(w.ready)
		w = next
	}
	m.head = nil
	m.tail = nil
}
