package vm

import (
	"testing"
	"time"
)

func TestMonitorEnterExit(t *testing.T) {
	var m Monitor
	m.Enter()
	m.Exit()

	if !m.TryEnter() {
		t.Fatal("TryEnter on an unheld monitor should succeed")
	}
	if m.TryEnter() {
		t.Error("TryEnter by the holding thread should report busy, not re-enter")
	}
	ok := make(chan bool)
	go func() {
		ok <- m.TryEnter()
	}()
	if <-ok {
		t.Error("TryEnter should fail while the monitor is held")
	}
	m.Exit()
}

func TestMonitorWaitNotify(t *testing.T) {
	var m Monitor
	ready := false
	returned := make(chan struct{})

	go func() {
		m.Enter()
		for !ready {
			m.Wait()
		}
		// After Wait returns the caller holds the monitor.
		if !m.mu.IsOwnedByCurrentThread() {
			t.Error("waiter does not hold the monitor after Wait")
		}
		m.Exit()
		close(returned)
	}()

	// Give the waiter time to block, then signal under the monitor.
	time.Sleep(10 * time.Millisecond)
	m.Enter()
	ready = true
	m.Notify()
	m.Exit()

	waitDone(t, returned, 2*time.Second, "notified waiter")
}

func TestMonitorWaitUntilNanosTimesOut(t *testing.T) {
	var m Monitor
	const wait = 50 * time.Millisecond

	m.Enter()
	deadline := MonotonicNanos() + int64(wait)
	res := m.WaitUntilNanos(deadline)
	elapsed := MonotonicNanos() - deadline + int64(wait)
	if !m.mu.IsOwnedByCurrentThread() {
		t.Error("caller does not hold the monitor after WaitUntilNanos")
	}
	m.Exit()

	if res != WaitTimedOut {
		t.Errorf("result = %v, want timed out", res)
	}
	// Never returns before the deadline (minus scheduler slop).
	if slop := 2 * time.Millisecond; elapsed < int64(wait)-int64(slop) {
		t.Errorf("returned after %v, before the %v deadline", time.Duration(elapsed), wait)
	}
}

func TestMonitorWaitUntilNanosNotified(t *testing.T) {
	var m Monitor
	result := make(chan WaitResult, 1)

	go func() {
		m.Enter()
		res := m.WaitUntilNanos(MonotonicNanos() + int64(5*time.Second))
		m.Exit()
		result <- res
	}()

	time.Sleep(10 * time.Millisecond)
	m.Enter()
	m.Notify()
	m.Exit()

	select {
	case res := <-result:
		if res != WaitNotified {
			t.Errorf("result = %v, want notified", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the notified waiter")
	}
}

func TestMonitorWaitUntilNanosPastDeadline(t *testing.T) {
	var m Monitor
	m.Enter()
	res := m.WaitUntilNanos(MonotonicNanos() - 1)
	m.Exit()
	if res != WaitTimedOut {
		t.Errorf("result = %v, want timed out for an already-past deadline", res)
	}
}

func TestMonitorNotifyAll(t *testing.T) {
	var m Monitor
	const waiters = 4
	released := make(chan struct{}, waiters)
	proceed := false

	for i := 0; i < waiters; i++ {
		go func() {
			m.Enter()
			for !proceed {
				m.Wait()
			}
			m.Exit()
			released <- struct{}{}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	m.Enter()
	proceed = true
	m.NotifyAll()
	m.Exit()

	for i := 0; i < waiters; i++ {
		select {
		case <-released:
		case <-time.After(2 * time.Second):
			t.Fatalf("waiter %d never released after NotifyAll", i)
		}
	}
}

func TestMonitorNotifyWithoutHoldingIsFatal(t *testing.T) {
	var m Monitor
	expectPanic(t, "Notify without holding the monitor", func() {
		m.Notify()
	})
	expectPanic(t, "NotifyAll without holding the monitor", func() {
		m.NotifyAll()
	})
	expectPanic(t, "Wait without holding the monitor", func() {
		m.Wait()
	})
}

func TestMonitorNotifyWakesExactlyOne(t *testing.T) {
	var m Monitor
	woken := make(chan struct{}, 3)
	for i := 0; i < 3; i++ {
		go func() {
			m.Enter()
			m.Wait()
			m.Exit()
			woken <- struct{}{}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	m.Enter()
	m.Notify()
	m.Exit()

	select {
	case <-woken:
	case <-time.After(2 * time.Second):
		t.Fatal("Notify woke no waiter")
	}
	select {
	case <-woken:
		t.Error("Notify woke more than one waiter")
	case <-time.After(50 * time.Millisecond):
	}

	// Release the rest so the test leaves no blocked goroutines.
	m.Enter()
	m.NotifyAll()
	m.Exit()
}
