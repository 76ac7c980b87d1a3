package vm

import (
	"sync"
	"testing"
)

func TestMutexLockUnlock(t *testing.T) {
	var m Mutex
	m.Lock()
	if !m.IsOwnedByCurrentThread() {
		t.Error("expected current thread to own the mutex after Lock")
	}
	m.Unlock()

	// Lock after Unlock by the same thread succeeds without blocking.
	m.Lock()
	m.Unlock()
}

func TestMutexTryLock(t *testing.T) {
	var m Mutex
	if !m.TryLock() {
		t.Fatal("TryLock on an unheld mutex should succeed")
	}

	// Held by this thread: another thread's TryLock must fail without
	// blocking.
	result := make(chan bool)
	go func() {
		result <- m.TryLock()
	}()
	if <-result {
		t.Error("TryLock should fail while the mutex is held")
	}

	m.Unlock()
	go func() {
		if m.TryLock() {
			m.Unlock()
			result <- true
		} else {
			result <- false
		}
	}()
	if !<-result {
		t.Error("TryLock should succeed after Unlock")
	}
}

func TestMutexTryLockByHolderReturnsFalse(t *testing.T) {
	var m Mutex
	m.Lock()
	if m.TryLock() {
		t.Error("TryLock by the holding thread should report busy, not acquire")
	}
	if !m.IsOwnedByCurrentThread() {
		t.Error("failed TryLock must not disturb ownership")
	}
	m.Unlock()

	if !m.TryLock() {
		t.Error("TryLock after Unlock should succeed")
	}
	m.Unlock()
}

func TestMutexSelfDeadlockIsFatal(t *testing.T) {
	var m Mutex
	m.Lock()
	defer m.Unlock()
	expectPanic(t, "second Lock by the owner", func() {
		m.Lock()
	})
}

func TestMutexUnlockByNonOwnerIsFatal(t *testing.T) {
	var m Mutex
	m.Lock()
	defer m.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		expectPanic(t, "Unlock by a non-owner", func() {
			m.Unlock()
		})
	}()
	<-done
}

func TestMutexContention(t *testing.T) {
	var m Mutex
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				m.Lock()
				counter++
				m.Unlock()
			}
		}()
	}
	wg.Wait()
	if counter != 8000 {
		t.Errorf("counter = %d, want 8000", counter)
	}
}
