package observability

import (
	"runtime/debug"
)

// RecoverPanic recovers from a panic and logs it with structured logging.
// Intended for defer statements in background goroutines (cache population,
// review sweeps) where a panic must not take the process down.
func RecoverPanic(logger *Logger, context string) {
	if r := recover(); r != nil {
		logger.WithField("panic", r).
			WithField("stack", string(debug.Stack())).
			WithField("context", context).
			Error("PANIC recovered")
	}
}
