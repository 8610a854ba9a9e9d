package api

import "time"

// Timer is a cancellable deferred task.
type Timer interface {
	// Stop cancels the timer. It reports whether the call stopped it.
	Stop() bool
	Active() bool
}

// Scheduler runs deferred work on the event loop goroutine.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
	// Post queues fn for the loop goroutine. It is safe to call from any
	// goroutine.
	Post(fn func())
}

// FDWatch is a registered descriptor readiness subscription.
type FDWatch interface {
	SetEvents(read, write bool)
	Stop()
}

// FDWatcher delivers descriptor readiness on the event loop goroutine.
type FDWatcher interface {
	Watch(fd int, handler func(readable, writable bool)) (FDWatch, error)
}
