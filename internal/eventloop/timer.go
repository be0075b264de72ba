package eventloop

import "time"

// Timer schedules a callback to run on the loop after a delay. Unlike a raw
// time.AfterFunc, the callback is posted as a loop event, so it never races
// with other loop state, and a Stop issued on the loop is guaranteed to win
// against a timer that has fired but not yet been dispatched.
//
// All Timer methods must be called from the loop goroutine.
type Timer struct {
	loop *Loop
	gen  uint64
	t    *time.Timer
}

// NewTimer creates an idle timer bound to the loop.
func NewTimer(loop *Loop) *Timer {
	return &Timer{loop: loop}
}

// Start schedules fn to run on the loop after d, replacing any previously
// scheduled callback.
func (tm *Timer) Start(d time.Duration, fn func()) {
	tm.gen++
	gen := tm.gen
	if tm.t != nil {
		tm.t.Stop()
	}
	tm.t = time.AfterFunc(d, func() {
		tm.loop.Post(func() {
			// A Stop or Start after the underlying timer fired but before
			// this event ran bumps the generation; stale firings are dropped.
			if tm.gen == gen {
				tm.t = nil
				fn()
			}
		})
	})
}

// Stop cancels any scheduled callback. Stopping an idle timer is a no-op.
func (tm *Timer) Stop() {
	tm.gen++
	if tm.t != nil {
		tm.t.Stop()
		tm.t = nil
	}
}

// Active reports whether a callback is currently scheduled.
func (tm *Timer) Active() bool {
	return tm.t != nil
}
