package eventloop

import "time"

// Slot holds at most one pending callback. Scheduling while a callback is
// pending is dropped; once the callback has fired the slot can be armed again.
// A Slot must only be used from its scheduler's goroutine.
type Slot struct {
	sched Scheduler
	timer Timer
}

func NewSlot(sched Scheduler) *Slot {
	return &Slot{sched: sched}
}

// Schedule arms the slot with fn after d. It returns false, without
// scheduling anything, when the slot is already armed.
func (s *Slot) Schedule(d time.Duration, fn func()) bool {
	if s.timer != nil {
		return false
	}
	var t Timer
	t = s.sched.AfterFunc(d, func() {
		if s.timer == t {
			s.timer = nil
		}
		fn()
	})
	s.timer = t
	return true
}

// Pending reports whether a callback is armed.
func (s *Slot) Pending() bool {
	return s.timer != nil
}

// Cancel disarms the slot. The pending callback, if any, will not run.
func (s *Slot) Cancel() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
