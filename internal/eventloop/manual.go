package eventloop

import (
	"sort"
	"sync"
	"time"
)

// Manual is a deterministic Scheduler for tests. Nothing runs until the test
// calls RunPending or Advance.
type Manual struct {
	mu     sync.Mutex
	now    time.Duration
	seq    int
	posted []func()
	timers []*manualTimer
}

func NewManual() *Manual {
	return &Manual{}
}

func (m *Manual) Post(fn func()) {
	m.mu.Lock()
	m.posted = append(m.posted, fn)
	m.mu.Unlock()
}

func (m *Manual) AfterFunc(d time.Duration, fn func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{m: m, at: m.now + d, seq: m.seq, fn: fn}
	m.timers = append(m.timers, t)
	return t
}

// RunPending runs posted functions and timers that are due at the current
// virtual time, including any they schedule, until nothing is left.
func (m *Manual) RunPending() {
	for m.step() {
	}
}

// Advance moves the virtual clock forward by d, firing timers in deadline
// order as it goes.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now + d
	m.mu.Unlock()

	for {
		m.RunPending()

		m.mu.Lock()
		t := m.earliest()
		if t == nil || t.at > target {
			m.now = target
			m.mu.Unlock()
			m.RunPending()
			return
		}
		m.now = t.at
		m.mu.Unlock()
	}
}

// Pending returns the number of armed timers.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Now returns the virtual time elapsed since the scheduler was created.
func (m *Manual) Now() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) step() bool {
	m.mu.Lock()
	if len(m.posted) > 0 {
		fn := m.posted[0]
		m.posted = m.posted[1:]
		m.mu.Unlock()
		fn()
		return true
	}
	t := m.earliest()
	if t == nil || t.at > m.now {
		m.mu.Unlock()
		return false
	}
	m.remove(t)
	m.mu.Unlock()
	t.fn()
	return true
}

// earliest must be called with m.mu held.
func (m *Manual) earliest() *manualTimer {
	if len(m.timers) == 0 {
		return nil
	}
	sort.SliceStable(m.timers, func(i, j int) bool {
		if m.timers[i].at == m.timers[j].at {
			return m.timers[i].seq < m.timers[j].seq
		}
		return m.timers[i].at < m.timers[j].at
	})
	return m.timers[0]
}

// remove must be called with m.mu held.
func (m *Manual) remove(t *manualTimer) bool {
	for i, other := range m.timers {
		if other == t {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			return true
		}
	}
	return false
}

type manualTimer struct {
	m   *Manual
	at  time.Duration
	seq int
	fn  func()
}

func (t *manualTimer) Stop() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	return t.m.remove(t)
}
