package vm

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"
)

// log is the package logger for runtime lifecycle events. Hot paths
// (dispatch, enqueue) never log.
var log = commonlog.GetLogger("psoup.vm")

// ---------------------------------------------------------------------------
// Fatal conditions and invariant checks
// ---------------------------------------------------------------------------

// invariantChecks gates the misuse assertions in Mutex and Monitor
// (double-lock, unlock by non-owner, notify without holding). The lock and
// unlock code path is identical with checks on or off; only the assertion
// strength differs.
var invariantChecks atomic.Bool

func init() {
	invariantChecks.Store(true)
}

// SetInvariantChecks enables or disables misuse assertions. Called once
// during runtime startup from the manifest; tests may toggle it directly.
func SetInvariantChecks(enabled bool) {
	invariantChecks.Store(enabled)
}

// vmFatal reports an unrecoverable condition: a core invariant violation or
// a failed primitive that cannot be safely continued past. It panics with a
// diagnostic identifying the failing operation.
func vmFatal(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	log.Critical(msg)
	panic("psoup: " + msg)
}

// ---------------------------------------------------------------------------
// Monotonic clock
// ---------------------------------------------------------------------------

// processEpoch anchors the monotonic clock. All deadlines in the runtime
// are absolute nanosecond timestamps on this clock.
var processEpoch = time.Now()

// MonotonicNanos returns the current time on the process monotonic clock
// in nanoseconds. Deadlines passed to Monitor.WaitUntilNanos and
// MessageLoop.AdjustWakeup are timestamps on this clock.
func MonotonicNanos() int64 {
	return int64(time.Since(processEpoch))
}
