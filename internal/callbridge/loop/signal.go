package loop

import "sync/atomic"

// Signal coalesces wake-ups into at most one pending run of a callback on a
// Poster. Raise may be called from any goroutine.
type Signal struct {
	target  Poster
	fn      func()
	pending atomic.Bool
}

// NewSignal binds fn to target.
func NewSignal(target Poster, fn func()) *Signal {
	return &Signal{target: target, fn: fn}
}

// Raise schedules fn unless a run is already pending. The pending flag is
// cleared before fn runs, so a Raise issued while fn executes schedules a new
// run. Returns false if the target refused the task.
func (s *Signal) Raise() bool {
	if !s.pending.CompareAndSwap(false, true) {
		return true
	}
	if !s.target.Post(s.fire) {
		s.pending.Store(false)
		return false
	}
	return true
}

// Pending reports whether a run is scheduled and has not started yet.
func (s *Signal) Pending() bool {
	return s.pending.Load()
}

func (s *Signal) fire() {
	s.pending.Store(false)
	s.fn()
}
