// Package eventloop provides the serialized task that owns all call-control
// state. Backend callbacks, timers, and HTTP handlers never touch core state
// directly; they post closures onto the loop and the loop runs them one at a
// time, in order.
package eventloop

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrStopped is returned by Call after the loop has been stopped.
var ErrStopped = errors.New("eventloop: stopped")

// queueDepth is the buffered capacity of the event queue. Posts beyond this
// block the caller rather than dropping events.
const queueDepth = 256

// Loop is a single-goroutine serialized executor. All state guarded by a
// Loop is owned by the goroutine running it; see Post.
type Loop struct {
	events chan func()
	logger *slog.Logger

	mu      sync.Mutex
	stopped bool
	done    chan struct{}
}

// New creates a loop. Call Start to begin processing.
func New(logger *slog.Logger) *Loop {
	return &Loop{
		events: make(chan func(), queueDepth),
		logger: logger.With("subsystem", "eventloop"),
		done:   make(chan struct{}),
	}
}

// Start launches the loop goroutine. It returns immediately.
func (l *Loop) Start() {
	go l.run()
}

func (l *Loop) run() {
	defer close(l.done)
	for fn := range l.events {
		fn()
	}
}

// Post enqueues fn for execution on the loop goroutine. It returns false if
// the loop has been stopped; fn is not run in that case. Post is safe to call
// from any goroutine, including from within a posted function.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	// Holding the lock while sending would deadlock a full queue against
	// Stop, so release first. A racing Stop drains remaining events.
	l.mu.Unlock()

	defer func() {
		// The events channel closes during shutdown; a concurrent Post may
		// lose the race and panic on send. Swallow it: the event is dropped
		// exactly as if Post had observed stopped.
		recover() //nolint:errcheck
	}()
	l.events <- fn
	return true
}

// Stop shuts the loop down after draining already-posted events. It blocks
// until the loop goroutine exits. Calling Stop twice is a no-op.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.stopped = true
	l.mu.Unlock()

	close(l.events)
	<-l.done
}

// Call runs fn on the loop goroutine and blocks until it returns, passing
// fn's error back to the caller. Entry points reachable from foreign
// goroutines use this to get synchronous validation results. Calling Call
// from within a posted function deadlocks; loop-side code calls directly.
func (l *Loop) Call(fn func() error) error {
	errc := make(chan error, 1)
	if !l.Post(func() { errc <- fn() }) {
		return ErrStopped
	}
	return <-errc
}

// Sync posts a no-op and waits for it to run. Useful in tests to establish
// that all previously posted events have been processed.
func (l *Loop) Sync() {
	ran := make(chan struct{})
	if !l.Post(func() { close(ran) }) {
		return
	}
	<-ran
}
