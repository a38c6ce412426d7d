package log

import (
	"fmt"
	"runtime/debug"
)

// SafeGo runs fn in a goroutine that logs panics instead of crashing the
// daemon. name identifies the goroutine in the panic log line.
func SafeGo(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				Error(CatDaemon, "goroutine panic",
					"goroutine", name,
					"panic", fmt.Sprintf("%v", r),
					"stack", string(debug.Stack()))
			}
		}()
		fn()
	}()
}
