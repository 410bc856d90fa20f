// Package eventloop runs a slave's callbacks on a single goroutine.
//
// Every controller, session and greeter callback is executed by one Loop, so
// controller state needs no locking. Goroutines that wait on sockets or child
// processes hand their results to the loop with Post.
package eventloop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/logging"
)

var log = logging.L("eventloop")

// ErrStopped is returned by Run when the loop was stopped before its context
// was cancelled.
var ErrStopped = errors.New("eventloop: stopped")

// Scheduler is the part of a loop that components depend on.
type Scheduler interface {
	// Post queues fn to run on the loop. Safe to call from any goroutine.
	Post(fn func())
	// AfterFunc runs fn on the loop once d has elapsed.
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a pending AfterFunc callback.
type Timer interface {
	// Stop prevents the callback from running. It reports whether the
	// callback was still pending.
	Stop() bool
}

// Loop is a Scheduler backed by a single goroutine.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stop    chan struct{}
	stopped atomic.Bool
	once    sync.Once
}

func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
}

// Post queues fn. Functions run in the order they were posted.
func (l *Loop) Post(fn func()) {
	if l.stopped.Load() {
		return
	}
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// AfterFunc schedules fn on the loop after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	t := &loopTimer{}
	t.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.cancelled.CompareAndSwap(false, true) {
				fn()
			}
		})
	})
	return t
}

// Stop makes Run return after the function currently executing.
func (l *Loop) Stop() {
	l.once.Do(func() {
		l.stopped.Store(true)
		close(l.stop)
	})
}

// Run executes posted functions until ctx is cancelled or Stop is called.
func (l *Loop) Run(ctx context.Context) error {
	for {
		for {
			fn := l.next()
			if fn == nil {
				break
			}
			l.call(fn)
			if l.stopped.Load() {
				return ErrStopped
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stop:
			return ErrStopped
		case <-l.wake:
		}
	}
}

func (l *Loop) next() func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn
}

func (l *Loop) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in loop callback", "panic", r)
		}
	}()
	fn()
}

type loopTimer struct {
	timer     *time.Timer
	cancelled atomic.Bool
}

func (t *loopTimer) Stop() bool {
	t.timer.Stop()
	return t.cancelled.CompareAndSwap(false, true)
}
