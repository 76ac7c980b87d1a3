//go:build linux

package vm

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ---------------------------------------------------------------------------
// EpollMessageLoop: Native strategy on epoll + eventfd + timerfd
// ---------------------------------------------------------------------------

// signalWait is one pending AwaitSignal registration. Independent
// registrations may target the same handle; each receives exactly one
// outcome.
type signalWait struct {
	id       WaitID
	handle   int32
	signals  uint32
	deadline int64 // absolute monotonic nanos, 0 for none
}

// fdEntry tracks all pending registrations on one handle. The handle is
// registered with epoll using the union of the waiters' masks and
// re-registered as waiters come and go.
type fdEntry struct {
	events uint32
	waits  []*signalWait
}

// signalDelivery is a readiness or timeout outcome waiting to be
// dispatched. epoll_wait can surface several outcomes at once; they are
// buffered and dispatched one per Run iteration.
type signalDelivery struct {
	handle  uintptr
	status  uintptr
	signals uintptr
}

// EpollMessageLoop is the native Linux strategy. Readiness waits are
// level-triggered and one-shot: a registration is removed the moment its
// outcome is delivered, and a waiter that wants further readiness registers
// again. An eventfd wakes the poller for posts and interrupts; a timerfd
// drives both AdjustWakeup and signal-wait deadlines.
type EpollMessageLoop struct {
	loopState

	epollFD int
	eventFD int
	timerFD int

	mu Mutex // guards everything below

	head, tail  *IsolateMessage
	waits       map[WaitID]*signalWait
	fds         map[int32]*fdEntry
	deliveries  []signalDelivery
	nextWaitID  WaitID
	wakeup      int64 // AdjustWakeup deadline, 0 when unset
	timerArmed  int64 // deadline the timerfd is currently set for
	interrupted bool
	state       loopRunState
}

func newNativeMessageLoop(rt *Runtime, iso *Isolate) MessageLoop {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		vmFatal("epoll_create1 failed: %v", err)
	}
	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		vmFatal("eventfd failed: %v", err)
	}
	tfd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		vmFatal("timerfd_create failed: %v", err)
	}
	l := &EpollMessageLoop{
		loopState: loopState{rt: rt, isolate: iso},
		epollFD:   epfd,
		eventFD:   efd,
		timerFD:   tfd,
		waits:     make(map[WaitID]*signalWait),
		fds:       make(map[int32]*fdEntry),
	}
	for _, fd := range []int{efd, tfd} {
		ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
			vmFatal("epoll_ctl ADD on internal fd %d failed: %v", fd, err)
		}
	}
	return l
}

// OpenPort registers a fresh port routing to this loop.
func (l *EpollMessageLoop) OpenPort() Port { return l.openPortOn(l) }

// ClosePort closes p if this loop owns it. Closing the last port can make
// the loop exhausted, so a blocked poll is nudged to re-check its exit
// condition.
func (l *EpollMessageLoop) ClosePort(p Port) bool {
	if !l.closePortOn(l, p) {
		return false
	}
	l.mu.Lock()
	if l.state != loopStopped {
		l.wake()
	}
	l.mu.Unlock()
	return true
}

// OpenPortCount returns the number of ports currently routing here.
func (l *EpollMessageLoop) OpenPortCount() int { return l.portCount() }

// wake nudges the poller via the eventfd. Called with l.mu held so the
// enqueue that prompted it is visible to the woken poll.
func (l *EpollMessageLoop) wake() {
	var one = [8]byte{1}
	if _, err := unix.Write(l.eventFD, one[:]); err != nil && err != unix.EAGAIN {
		vmFatal("eventfd write failed: %v", err)
	}
}

// PostMessage enqueues message and wakes the poller, both under the loop
// lock so no interleaving can make the message invisible to a blocked
// poll.
func (l *EpollMessageLoop) PostMessage(message *IsolateMessage) {
	if !l.resolvesHere(l, message) {
		message.Release()
		return
	}
	l.mu.Lock()
	if l.state == loopStopped {
		l.mu.Unlock()
		message.Release()
		return
	}
	if l.tail == nil {
		l.head = message
	} else {
		l.tail.next = message
	}
	l.tail = message
	l.wake()
	l.mu.Unlock()
}

// postBootstrap enqueues an isolate's initial message before Run starts.
func (l *EpollMessageLoop) postBootstrap(message *IsolateMessage) {
	l.mu.Lock()
	if l.tail == nil {
		l.head = message
	} else {
		l.tail.next = message
	}
	l.tail = message
	l.mu.Unlock()
}

// AwaitSignal registers a one-shot readiness wait on handle.
func (l *EpollMessageLoop) AwaitSignal(handle uintptr, signals uintptr, deadline int64) (WaitID, error) {
	fd := int32(handle)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == loopStopped {
		return InvalidWaitID, fmt.Errorf("AwaitSignal: loop is stopped")
	}
	l.nextWaitID++
	w := &signalWait{
		id:       l.nextWaitID,
		handle:   fd,
		signals:  uint32(signals),
		deadline: deadline,
	}
	entry := l.fds[fd]
	if entry == nil {
		entry = &fdEntry{}
		l.fds[fd] = entry
	}
	entry.waits = append(entry.waits, w)
	if err := l.rearmFD(fd, entry); err != nil {
		entry.waits = entry.waits[:len(entry.waits)-1]
		if len(entry.waits) == 0 {
			delete(l.fds, fd)
		}
		return InvalidWaitID, fmt.Errorf("AwaitSignal: %w", err)
	}
	l.waits[w.id] = w
	if deadline != 0 {
		l.rearmTimer()
	}
	return w.id, nil
}

// CancelSignalWait discards a pending registration. Idempotent; a no-op if
// the registration already fired. No activation callback is delivered for
// a cancellation.
func (l *EpollMessageLoop) CancelSignalWait(id WaitID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.waits[id]
	if w == nil {
		return
	}
	l.removeWait(w)
	l.rearmTimer()
	// The loop may now be exhausted; make a blocked poll notice.
	l.wake()
}

// removeWait unlinks w from the wait table and its fd entry, re-registering
// the fd with the remaining waiters' mask. Caller holds l.mu.
func (l *EpollMessageLoop) removeWait(w *signalWait) {
	delete(l.waits, w.id)
	entry := l.fds[w.handle]
	if entry == nil {
		return
	}
	for i, other := range entry.waits {
		if other == w {
			entry.waits = append(entry.waits[:i], entry.waits[i+1:]...)
			break
		}
	}
	if err := l.rearmFD(w.handle, entry); err != nil {
		// The handle may already be closed by its owner; registration
		// cleanup then has nothing left to do.
		delete(l.fds, w.handle)
	}
}

// rearmFD (re)registers fd with the union of its waiters' masks, removing
// the registration when no waiters remain. Caller holds l.mu.
func (l *EpollMessageLoop) rearmFD(fd int32, entry *fdEntry) error {
	var mask uint32
	for _, w := range entry.waits {
		mask |= w.signals
	}
	switch {
	case len(entry.waits) == 0:
		delete(l.fds, fd)
		if entry.events != 0 {
			return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_DEL, int(fd), nil)
		}
		return nil
	case entry.events == 0:
		ev := unix.EpollEvent{Events: mask, Fd: fd}
		if err := unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_ADD, int(fd), &ev); err != nil {
			return err
		}
		entry.events = mask
		return nil
	case entry.events != mask:
		ev := unix.EpollEvent{Events: mask, Fd: fd}
		if err := unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_MOD, int(fd), &ev); err != nil {
			return err
		}
		entry.events = mask
		return nil
	default:
		return nil
	}
}

// AdjustWakeup coalesces the loop's next timer-driven wake to the earliest
// requested deadline. Zero clears it. A no-op once the loop has stopped;
// the OS handles are gone by then.
func (l *EpollMessageLoop) AdjustWakeup(newWakeup int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == loopStopped {
		return
	}
	if newWakeup == 0 {
		l.wakeup = 0
	} else if l.wakeup == 0 || newWakeup < l.wakeup {
		l.wakeup = newWakeup
	} else {
		return
	}
	l.rearmTimer()
	l.wake()
}

// rearmTimer points the timerfd at the earliest pending deadline across
// the wakeup and all signal-wait deadlines. Caller holds l.mu.
func (l *EpollMessageLoop) rearmTimer() {
	earliest := l.wakeup
	for _, w := range l.waits {
		if w.deadline != 0 && (earliest == 0 || w.deadline < earliest) {
			earliest = w.deadline
		}
	}
	if earliest == l.timerArmed {
		return
	}
	l.timerArmed = earliest
	var spec unix.ItimerSpec
	if earliest != 0 {
		rel := earliest - MonotonicNanos()
		if rel < 1 {
			rel = 1 // already due, fire immediately
		}
		spec.Value = unix.NsecToTimespec(rel)
	}
	if err := unix.TimerfdSettime(l.timerFD, 0, &spec, nil); err != nil {
		vmFatal("timerfd_settime failed: %v", err)
	}
}

// Interrupt makes Run observe termination at the next dispatch boundary.
func (l *EpollMessageLoop) Interrupt() {
	l.mu.Lock()
	if l.state != loopStopped {
		l.interrupted = true
		l.wake()
	}
	l.mu.Unlock()
}

// collectDue moves expired deadlines into the delivery buffer: the
// AdjustWakeup deadline becomes a wakeup dispatch, expired signal waits
// become timeout outcomes. Caller holds l.mu. Returns whether a timer
// wakeup is due.
func (l *EpollMessageLoop) collectDue(now int64) bool {
	wakeupDue := l.wakeup != 0 && now >= l.wakeup
	for _, w := range l.waits {
		if w.deadline != 0 && now >= w.deadline {
			l.deliveries = append(l.deliveries, signalDelivery{
				handle: uintptr(w.handle),
				status: SignalStatusTimedOut,
			})
			l.removeWait(w)
		}
	}
	return wakeupDue
}

// Run dispatches one ready event per iteration until interrupted. Events
// are detached under the lock and dispatched without it.
func (l *EpollMessageLoop) Run() {
	l.mu.Lock()
	if l.state != loopIdle {
		l.mu.Unlock()
		vmFatal("EpollMessageLoop.Run: loop is already running or stopped")
	}
	for {
		if l.interrupted || l.exhaustedLocked() {
			l.stopLocked()
			return
		}

		// Inbound messages first.
		if m := l.head; m != nil {
			l.head = m.next
			if l.head == nil {
				l.tail = nil
			}
			m.next = nil
			l.state = loopDispatching
			l.mu.Unlock()
			l.dispatchMessage(m)
			l.mu.Lock()
			l.state = loopIdle
			continue
		}

		// Expired deadlines and buffered readiness outcomes.
		if l.collectDue(MonotonicNanos()) {
			l.wakeup = 0
			l.rearmTimer()
			l.state = loopDispatching
			l.mu.Unlock()
			l.dispatchWakeup()
			l.mu.Lock()
			l.state = loopIdle
			continue
		}
		if len(l.deliveries) > 0 {
			d := l.deliveries[0]
			l.deliveries = l.deliveries[1:]
			l.state = loopDispatching
			l.mu.Unlock()
			l.dispatchSignal(d.handle, d.status, d.signals, 1)
			l.mu.Lock()
			l.state = loopIdle
			continue
		}

		// Nothing ready; poll.
		l.state = loopPolling
		l.mu.Unlock()
		l.poll()
		l.mu.Lock()
		l.state = loopIdle
	}
}

// exhaustedLocked reports whether no event can ever arrive again: no open
// ports, no queued or buffered work, no timer, no pending registrations.
// Caller holds l.mu.
func (l *EpollMessageLoop) exhaustedLocked() bool {
	return l.head == nil && l.wakeup == 0 && len(l.waits) == 0 &&
		len(l.deliveries) == 0 && l.portCount() == 0
}

// poll blocks in epoll_wait and converts OS events into queue state: the
// eventfd and timerfd are drained (their effects are re-derived from loop
// state next iteration), readiness on watched handles becomes buffered
// deliveries.
func (l *EpollMessageLoop) poll() {
	var events [16]unix.EpollEvent
	n, err := unix.EpollWait(l.epollFD, events[:], -1)
	if err != nil {
		if err == unix.EINTR {
			return
		}
		vmFatal("epoll_wait failed: %v", err)
	}
	var drain [8]byte
	for _, ev := range events[:n] {
		switch int(ev.Fd) {
		case l.timerFD:
			unix.Read(int(ev.Fd), drain[:])
			// The one-shot timer has fired; force the next rearm to
			// program the timerfd even for an equal deadline value.
			l.mu.Lock()
			l.timerArmed = -1
			l.mu.Unlock()
		case l.eventFD:
			unix.Read(int(ev.Fd), drain[:])
		default:
			l.mu.Lock()
			if entry := l.fds[ev.Fd]; entry != nil {
				// Deliver to every waiter whose mask intersects. Error and
				// hangup conditions are reported to all waiters regardless
				// of the requested mask, as epoll itself does.
				forced := ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0
				for _, w := range append([]*signalWait(nil), entry.waits...) {
					if forced || w.signals&ev.Events != 0 {
						l.deliveries = append(l.deliveries, signalDelivery{
							handle:  uintptr(w.handle),
							status:  SignalStatusReady,
							signals: uintptr(ev.Events),
						})
						l.removeWait(w)
					}
				}
			}
			l.mu.Unlock()
		}
	}
}

// stopLocked finalizes the loop: undelivered messages are released,
// pending registrations discarded, and the OS handles closed. Caller holds
// l.mu; the lock is released before the messages are consumed.
func (l *EpollMessageLoop) stopLocked() {
	l.state = loopStopped
	undelivered := l.head
	l.head = nil
	l.tail = nil
	l.waits = make(map[WaitID]*signalWait)
	l.fds = make(map[int32]*fdEntry)
	l.deliveries = nil
	epfd, efd, tfd := l.epollFD, l.eventFD, l.timerFD
	l.mu.Unlock()

	for m := undelivered; m != nil; {
		next := m.next
		m.Release()
		m = next
	}
	unix.Close(epfd)
	unix.Close(efd)
	unix.Close(tfd)
}
