package common

import (
	"fmt"
	"os"
	"runtime"
	"sync/atomic"

	"github.com/ternarybob/arbor"
)

// goroutineCounter tracks spawned goroutines for diagnostics
var goroutineCounter int64

// GetGoroutineCount returns the number of goroutines spawned via SafeGo
func GetGoroutineCount() int64 {
	return atomic.LoadInt64(&goroutineCounter)
}

// SafeGo runs fn in a goroutine with panic recovery.
// Panics are logged and written to a crash file but never take the service down.
//
//	common.SafeGo(logger, "wakeup:queue.advance", func() {
//	    handler(ctx)
//	})
func SafeGo(logger arbor.ILogger, name string, fn func()) {
	atomic.AddInt64(&goroutineCounter, 1)

	go func() {
		defer RecoverPanic(logger, name, nil)
		fn()
	}()
}

// RecoverPanic is deferred at goroutine and job boundaries. When a panic is
// recovered it is logged, a crash file is written and onPanic (if set) receives the value.
func RecoverPanic(logger arbor.ILogger, name string, onPanic func(r interface{})) {
	r := recover()
	if r == nil {
		return
	}

	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	stackTrace := string(buf[:n])

	if logger != nil {
		logger.Error().
			Str("goroutine", name).
			Str("panic", fmt.Sprintf("%v", r)).
			Str("stack", stackTrace).
			Msg("Recovered from panic - continuing service operation")
	} else {
		fmt.Fprintf(os.Stderr, "PANIC in %s: %v\n%s\n", name, r, stackTrace)
	}

	WriteCrashFile(name, r, stackTrace)

	if onPanic != nil {
		onPanic(r)
	}
}
