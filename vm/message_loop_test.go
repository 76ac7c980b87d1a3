package vm

import (
	"bytes"
	"fmt"
	"testing"
	"time"
)

func TestPostThenRunDeliversInOrder(t *testing.T) {
	rt, _ := newTestRuntime(t, RuntimeOptions{})
	ri := &recordingInterpreter{}
	iso := newLoopIsolate(rt, ri)
	p := iso.loop.OpenPort()

	base := LiveMessageCount()
	posted := make(chan struct{})
	go func() {
		for i := 1; i <= 3; i++ {
			rt.PostMessage(NewByteMessage(p, []byte{byte(i)}))
		}
		close(posted)
	}()
	<-posted

	runReturned := make(chan struct{})
	go func() {
		iso.loop.Run()
		close(runReturned)
	}()

	pollUntil(t, 2*time.Second, "three dispatches", func() bool {
		return ri.messageCount() == 3
	})
	for i, want := range [][]byte{{1}, {2}, {3}} {
		if !bytes.Equal(ri.messages[i], want) {
			t.Errorf("message %d = %v, want %v", i, ri.messages[i], want)
		}
		if ri.dests[i] != p {
			t.Errorf("message %d destination = %d, want %d", i, ri.dests[i], p)
		}
	}

	// Every dispatched envelope has been freed.
	if got := LiveMessageCount(); got != base {
		t.Errorf("live messages = %d, want %d", got, base)
	}

	// Absent further events or an interrupt, Run stays blocked.
	select {
	case <-runReturned:
		t.Fatal("Run returned with an open port and no interrupt")
	case <-time.After(50 * time.Millisecond):
	}

	iso.loop.Interrupt()
	waitDone(t, runReturned, 2*time.Second, "interrupted Run")
	finishLoopIsolate(rt, iso)
}

func TestPostOrderPreservedWhileRunning(t *testing.T) {
	rt, _ := newTestRuntime(t, RuntimeOptions{})
	ri := &recordingInterpreter{}
	iso := newLoopIsolate(rt, ri)
	p := iso.loop.OpenPort()

	runReturned := make(chan struct{})
	go func() {
		iso.loop.Run()
		close(runReturned)
	}()

	const n = 50
	for i := 0; i < n; i++ {
		rt.PostMessage(NewByteMessage(p, []byte{byte(i)}))
	}
	pollUntil(t, 5*time.Second, "all dispatches", func() bool {
		return ri.messageCount() == n
	})
	ri.mu.Lock()
	for i := 0; i < n; i++ {
		if ri.messages[i][0] != byte(i) {
			t.Errorf("message %d carries payload %d", i, ri.messages[i][0])
		}
	}
	ri.mu.Unlock()

	iso.loop.Interrupt()
	waitDone(t, runReturned, 2*time.Second, "interrupted Run")
	finishLoopIsolate(rt, iso)
}

func TestPostToClosedPortIsDroppedAndFreed(t *testing.T) {
	rt, _ := newTestRuntime(t, RuntimeOptions{})
	ri := &recordingInterpreter{}
	iso := newLoopIsolate(rt, ri)
	p := iso.loop.OpenPort()
	if !iso.loop.ClosePort(p) {
		t.Fatal("ClosePort on an open port returned false")
	}

	base := LiveMessageCount()
	rt.PostMessage(NewByteMessage(p, []byte("late")))
	if got := LiveMessageCount(); got != base {
		t.Errorf("dropped message leaked: live = %d, want %d", got, base)
	}
	if ri.messageCount() != 0 {
		t.Error("message to a closed port was delivered")
	}
	finishLoopIsolate(rt, iso)
}

func TestClosePortForeignPort(t *testing.T) {
	rt, _ := newTestRuntime(t, RuntimeOptions{})
	a := newLoopIsolate(rt, nil)
	b := newLoopIsolate(rt, nil)
	p := a.loop.OpenPort()
	if b.loop.ClosePort(p) {
		t.Error("a loop closed a port it does not own")
	}
	if a.loop.OpenPortCount() != 1 {
		t.Errorf("open port count = %d, want 1", a.loop.OpenPortCount())
	}
	finishLoopIsolate(rt, a)
	finishLoopIsolate(rt, b)
}

func TestAdjustWakeupFiresTimer(t *testing.T) {
	rt, _ := newTestRuntime(t, RuntimeOptions{})
	ri := &recordingInterpreter{}
	iso := newLoopIsolate(rt, ri)
	iso.loop.OpenPort() // keep the loop alive

	runReturned := make(chan struct{})
	go func() {
		iso.loop.Run()
		close(runReturned)
	}()

	start := MonotonicNanos()
	// The later deadline first; the earlier one must win (coalescing
	// never moves the wake later).
	iso.loop.AdjustWakeup(start + int64(time.Hour))
	iso.loop.AdjustWakeup(start + int64(30*time.Millisecond))

	pollUntil(t, 2*time.Second, "wakeup dispatch", func() bool {
		return ri.wakeupCount() == 1
	})
	if elapsed := MonotonicNanos() - start; elapsed < int64(25*time.Millisecond) {
		t.Errorf("wakeup fired after %v, before the 30ms deadline", time.Duration(elapsed))
	}

	// The timer is one-shot until rescheduled.
	time.Sleep(50 * time.Millisecond)
	if ri.wakeupCount() != 1 {
		t.Errorf("wakeup fired %d times, want 1", ri.wakeupCount())
	}

	iso.loop.Interrupt()
	waitDone(t, runReturned, 2*time.Second, "interrupted Run")
	finishLoopIsolate(rt, iso)
}

func TestAwaitSignalUnsupportedOnPortableLoop(t *testing.T) {
	rt, _ := newTestRuntime(t, RuntimeOptions{})
	iso := newLoopIsolate(rt, nil)
	if _, err := iso.loop.AwaitSignal(0, 0, 0); err != ErrSignalWaitsUnsupported {
		t.Errorf("AwaitSignal error = %v, want ErrSignalWaitsUnsupported", err)
	}
	iso.loop.CancelSignalWait(InvalidWaitID) // must not panic
	finishLoopIsolate(rt, iso)
}

func TestInterruptIsIdempotent(t *testing.T) {
	rt, _ := newTestRuntime(t, RuntimeOptions{})
	iso := newLoopIsolate(rt, nil)
	iso.loop.OpenPort()

	runReturned := make(chan struct{})
	go func() {
		iso.loop.Run()
		close(runReturned)
	}()

	for i := 0; i < 3; i++ {
		iso.loop.Interrupt()
	}
	waitDone(t, runReturned, 2*time.Second, "interrupted Run")

	// Interrupting a stopped loop stays harmless.
	iso.loop.Interrupt()
	finishLoopIsolate(rt, iso)
}

func TestStoppedLoopReleasesUndelivered(t *testing.T) {
	rt, _ := newTestRuntime(t, RuntimeOptions{})
	ri := &recordingInterpreter{}
	iso := newLoopIsolate(rt, ri)
	p := iso.loop.OpenPort()

	base := LiveMessageCount()
	// Interrupt first, then post: Run startup observes the interrupt and
	// must release the queued message rather than dispatch it.
	iso.loop.Interrupt()
	rt.PostMessage(NewByteMessage(p, []byte("undelivered")))

	iso.loop.Run()
	if got := LiveMessageCount(); got != base {
		t.Errorf("undelivered message leaked: live = %d, want %d", got, base)
	}
	if ri.messageCount() != 0 {
		t.Error("message dispatched after interrupt")
	}

	// Posts to a stopped loop are dropped, not queued forever.
	rt.PostMessage(NewByteMessage(p, []byte("after-stop")))
	if got := LiveMessageCount(); got != base {
		t.Errorf("post after stop leaked: live = %d, want %d", got, base)
	}
	finishLoopIsolate(rt, iso)
}

func TestDispatchDoesNotHoldQueueLock(t *testing.T) {
	rt, _ := newTestRuntime(t, RuntimeOptions{})
	entered := make(chan struct{})
	release := make(chan struct{})
	ri := &recordingInterpreter{}
	first := true
	ri.onMessage = func(dest Port, data []byte, argv []string) {
		if first {
			first = false
			entered <- struct{}{}
			<-release
		}
	}
	iso := newLoopIsolate(rt, ri)
	p := iso.loop.OpenPort()

	runReturned := make(chan struct{})
	go func() {
		iso.loop.Run()
		close(runReturned)
	}()

	rt.PostMessage(NewByteMessage(p, []byte("slow")))
	<-entered

	// A slow dispatch must not block concurrent posters.
	postDone := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			rt.PostMessage(NewByteMessage(p, []byte(fmt.Sprintf("m%d", i))))
		}
		close(postDone)
	}()
	waitDone(t, postDone, 2*time.Second, "posts during a slow dispatch")

	close(release)
	pollUntil(t, 2*time.Second, "queued dispatches", func() bool {
		return ri.messageCount() == 11
	})

	iso.loop.Interrupt()
	waitDone(t, runReturned, 2*time.Second, "interrupted Run")
	finishLoopIsolate(rt, iso)
}

func TestRunReturnsWhenPortClosedByAnotherThread(t *testing.T) {
	rt, _ := newTestRuntime(t, RuntimeOptions{})
	iso := newLoopIsolate(rt, nil)
	p := iso.loop.OpenPort()

	runReturned := make(chan struct{})
	go func() {
		iso.loop.Run()
		close(runReturned)
	}()

	// Let the loop park in its wait, then close its only port from this
	// thread. The close must wake the loop so it observes exhaustion.
	time.Sleep(20 * time.Millisecond)
	if !iso.loop.ClosePort(p) {
		t.Fatal("ClosePort on an open port returned false")
	}
	waitDone(t, runReturned, 2*time.Second, "Run after a foreign-thread port close")
	finishLoopIsolate(rt, iso)
}

func TestRunReturnsWhenLastPortCloses(t *testing.T) {
	rt, _ := newTestRuntime(t, RuntimeOptions{})
	ri := &recordingInterpreter{}
	ri.onMessage = func(dest Port, data []byte, argv []string) {
		if string(data) == "done" {
			ri.iso.loop.ClosePort(dest)
		}
	}
	iso := newLoopIsolate(rt, ri)
	ri.iso = iso
	p := iso.loop.OpenPort()

	runReturned := make(chan struct{})
	go func() {
		iso.loop.Run()
		close(runReturned)
	}()

	rt.PostMessage(NewByteMessage(p, []byte("work")))
	rt.PostMessage(NewByteMessage(p, []byte("done")))

	// With its last port closed and no pending work, the loop drains and
	// Run returns without an interrupt.
	waitDone(t, runReturned, 2*time.Second, "Run after last port closed")
	if ri.messageCount() != 2 {
		t.Errorf("dispatched %d messages, want 2", ri.messageCount())
	}
	finishLoopIsolate(rt, iso)
}
