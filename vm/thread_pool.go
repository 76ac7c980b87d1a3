package vm

import "fmt"

// ---------------------------------------------------------------------------
// ThreadPool: Bounded workers executing isolate interpretation
// ---------------------------------------------------------------------------

// ThreadPool is the bounded set of worker threads that run isolate message
// loops. Distinct isolates run concurrently on distinct workers; a given
// isolate is never run by more than one worker, enforced by the scheduled
// flag the worker claims under the runtime's registry lock before it
// begins interpreting. A worker with no runnable isolate blocks on the
// pool monitor until one arrives or shutdown is requested.
type ThreadPool struct {
	monitor Monitor

	// Guarded by monitor.
	runnable []*Isolate
	shutdown bool
	started  bool

	workers []*Thread
}

func newThreadPool() *ThreadPool {
	return &ThreadPool{}
}

// Startup spawns the worker threads. Called once from runtime startup.
func (tp *ThreadPool) Startup(workerCount int) error {
	tp.monitor.Enter()
	if tp.started {
		tp.monitor.Exit()
		vmFatal("ThreadPool.Startup: pool already started")
	}
	tp.started = true
	tp.monitor.Exit()

	for i := 0; i < workerCount; i++ {
		t, err := StartThread(fmt.Sprintf("psoup-worker-%d", i), func(uintptr) {
			tp.workerLoop()
		}, 0)
		if err != nil {
			return fmt.Errorf("ThreadPool.Startup: %w", err)
		}
		tp.workers = append(tp.workers, t)
	}
	log.Infof("thread pool started with %d workers", workerCount)
	return nil
}

// Shutdown asks the workers to exit once the runnable backlog is drained,
// then joins them. Isolates still blocked in their loops must have been
// interrupted first or Shutdown will not converge.
func (tp *ThreadPool) Shutdown() {
	tp.monitor.Enter()
	tp.shutdown = true
	tp.monitor.NotifyAll()
	tp.monitor.Exit()
	for _, t := range tp.workers {
		t.Join()
	}
	tp.workers = nil
	log.Info("thread pool stopped")
}

// submit hands a runnable isolate to the pool. The caller (the Runtime)
// has already marked the isolate scheduled under the registry lock.
func (tp *ThreadPool) submit(iso *Isolate) {
	tp.monitor.Enter()
	if tp.shutdown {
		tp.monitor.Exit()
		vmFatal("ThreadPool.submit: pool is shut down")
	}
	tp.runnable = append(tp.runnable, iso)
	tp.monitor.Notify()
	tp.monitor.Exit()
}

// workerLoop claims runnable isolates one at a time and runs each to
// completion. Exits when shutdown is requested and no runnable work
// remains.
func (tp *ThreadPool) workerLoop() {
	for {
		tp.monitor.Enter()
		for len(tp.runnable) == 0 && !tp.shutdown {
			tp.monitor.Wait()
		}
		if len(tp.runnable) == 0 {
			tp.monitor.Exit()
			return
		}
		iso := tp.runnable[0]
		tp.runnable = tp.runnable[1:]
		tp.monitor.Exit()

		iso.runOnWorker()
	}
}
