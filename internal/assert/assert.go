// Package assert panics on invariant violations that indicate a bug in the
// caller rather than a runtime condition to recover from, mirroring the
// DCHECK-and-abort discipline of the profiler this package is modeled on.
package assert

import "fmt"

// Truef panics with a formatted message if cond is false.
func Truef(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(fmt.Sprintf(format, args...))
	}
}
