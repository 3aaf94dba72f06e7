package testutil

import (
	"runtime"
	"testing"
	"time"
)

// GoroutineBaseline lets in-flight goroutines from earlier tests settle and
// returns the current count.
func GoroutineBaseline() int {
	runtime.GC()
	time.Sleep(50 * time.Millisecond)
	return runtime.NumGoroutine()
}

// AssertNoGoroutineLeaks polls until the goroutine count falls back to
// baseline+margin. On timeout it fails the test and logs every stack so the
// leaked worker can be identified.
func AssertNoGoroutineLeaks(t *testing.T, baseline int, margin int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var current int
	for {
		current = runtime.NumGoroutine()
		if current <= baseline+margin {
			return
		}
		if time.Now().After(deadline) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	t.Errorf("goroutine leak: baseline=%d current=%d margin=%d\n%s", baseline, current, margin, buf[:n])
}
