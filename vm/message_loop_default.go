package vm

// ---------------------------------------------------------------------------
// DefaultMessageLoop: Portable poll-based strategy
// ---------------------------------------------------------------------------

// loopRunState tracks where Run currently is. Guarded by the loop monitor.
type loopRunState int32

const (
	loopIdle loopRunState = iota
	loopPolling
	loopDispatching
	loopStopped
)

// DefaultMessageLoop is the portable loop strategy: a monitor-guarded
// intrusive message queue plus a coalesced wakeup deadline. It has no OS
// readiness source, so AwaitSignal is unsupported; isolates that need
// handle signals run on the native strategy.
type DefaultMessageLoop struct {
	loopState
	monitor Monitor

	// All fields below are guarded by monitor.
	head, tail  *IsolateMessage
	wakeup      int64 // next timer deadline, 0 when no timer is set
	interrupted bool
	state       loopRunState
}

func newDefaultMessageLoop(rt *Runtime, iso *Isolate) *DefaultMessageLoop {
	return &DefaultMessageLoop{
		loopState: loopState{rt: rt, isolate: iso},
	}
}

// OpenPort registers a fresh port routing to this loop.
func (l *DefaultMessageLoop) OpenPort() Port { return l.openPortOn(l) }

// ClosePort closes p if this loop owns it. Closing the last port can make
// the loop exhausted, so a parked Run is woken to re-check its exit
// condition.
func (l *DefaultMessageLoop) ClosePort(p Port) bool {
	if !l.closePortOn(l, p) {
		return false
	}
	l.monitor.Enter()
	l.monitor.Notify()
	l.monitor.Exit()
	return true
}

// OpenPortCount returns the number of ports currently routing here.
func (l *DefaultMessageLoop) OpenPortCount() int { return l.portCount() }

// PostMessage enqueues message and wakes the loop if it is blocked polling.
// The enqueue and the wakeup happen under the loop monitor, so a posted
// message is either observed by the next poll or wakes the current one; no
// interleaving loses it.
func (l *DefaultMessageLoop) PostMessage(message *IsolateMessage) {
	if !l.resolvesHere(l, message) {
		message.Release()
		return
	}
	l.monitor.Enter()
	if l.state == loopStopped {
		l.monitor.Exit()
		message.Release()
		return
	}
	if l.tail == nil {
		l.head = message
	} else {
		l.tail.next = message
	}
	l.tail = message
	l.monitor.Notify()
	l.monitor.Exit()
}

// postBootstrap enqueues an isolate's initial message before Run starts.
func (l *DefaultMessageLoop) postBootstrap(message *IsolateMessage) {
	l.monitor.Enter()
	if l.tail == nil {
		l.head = message
	} else {
		l.tail.next = message
	}
	l.tail = message
	l.monitor.Exit()
}

// AwaitSignal is not available on the portable loop.
func (l *DefaultMessageLoop) AwaitSignal(handle uintptr, signals uintptr, deadline int64) (WaitID, error) {
	return InvalidWaitID, ErrSignalWaitsUnsupported
}

// CancelSignalWait is a no-op on the portable loop; no registration can
// exist.
func (l *DefaultMessageLoop) CancelSignalWait(id WaitID) {}

// AdjustWakeup coalesces the next timer wake to the earliest requested
// deadline. Zero clears the timer.
func (l *DefaultMessageLoop) AdjustWakeup(newWakeup int64) {
	l.monitor.Enter()
	if newWakeup == 0 {
		l.wakeup = 0
	} else if l.wakeup == 0 || newWakeup < l.wakeup {
		l.wakeup = newWakeup
		l.monitor.Notify()
	}
	l.monitor.Exit()
}

// Interrupt makes Run observe termination at the next dispatch boundary.
func (l *DefaultMessageLoop) Interrupt() {
	l.monitor.Enter()
	l.interrupted = true
	l.monitor.NotifyAll()
	l.monitor.Exit()
}

func (l *DefaultMessageLoop) wakeupDue() bool {
	return l.wakeup != 0 && MonotonicNanos() >= l.wakeup
}

// Run dispatches one ready event per iteration until Interrupt is
// observed, or until the isolate has no open ports and no pending work
// left (nothing can ever arrive). Each event is fully unlinked under the
// monitor, then dispatched with the monitor released, so a slow activation
// never blocks concurrent PostMessage or Interrupt callers.
func (l *DefaultMessageLoop) Run() {
	l.monitor.Enter()
	if l.state != loopIdle {
		l.monitor.Exit()
		vmFatal("DefaultMessageLoop.Run: loop is already running or stopped")
	}
	for {
		if l.interrupted || (l.head == nil && l.wakeup == 0 && l.portCount() == 0) {
			l.state = loopStopped
			undelivered := l.head
			l.head = nil
			l.tail = nil
			l.monitor.Exit()
			for m := undelivered; m != nil; {
				next := m.next
				m.Release()
				m = next
			}
			return
		}

		if m := l.head; m != nil {
			l.head = m.next
			if l.head == nil {
				l.tail = nil
			}
			m.next = nil
			l.state = loopDispatching
			l.monitor.Exit()
			l.dispatchMessage(m)
			l.monitor.Enter()
			l.state = loopIdle
			continue
		}

		if l.wakeupDue() {
			// Clear the timer before dispatch; the activation may set a
			// new one through AdjustWakeup.
			l.wakeup = 0
			l.state = loopDispatching
			l.monitor.Exit()
			l.dispatchWakeup()
			l.monitor.Enter()
			l.state = loopIdle
			continue
		}

		l.state = loopPolling
		if l.wakeup != 0 {
			l.monitor.WaitUntilNanos(l.wakeup)
		} else {
			l.monitor.Wait()
		}
		l.state = loopIdle
	}
}
