//go:build !linux

package vm

// newNativeMessageLoop falls back to the portable strategy on platforms
// without a native readiness integration.
func newNativeMessageLoop(rt *Runtime, iso *Isolate) MessageLoop {
	log.Notice("native message loop unavailable on this platform, using portable loop")
	return newDefaultMessageLoop(rt, iso)
}
