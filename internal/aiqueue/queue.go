// Package aiqueue bounds upstream request pressure with two admission
// constraints: a concurrency cap on tasks executing, and a cap on how
// many tasks may start within each fixed time window.
//
// Admission is FIFO. The pending list is unbounded; callers that need
// back-pressure must apply it before Submit. Counters are owned by the
// Queue instance, never process-wide, so each gateway (or test) gets an
// isolated, reproducible queue.
package aiqueue

import (
	"context"
	"sync"
	"time"
)

// Config sizes a Queue. Not mutated at runtime.
type Config struct {
	Concurrency int           // max tasks executing at once
	IntervalCap int           // max task starts per window; 0 disables
	Interval    time.Duration // window length; 0 disables the window cap
}

type waiter struct {
	ready chan struct{}
}

// Queue admits submitted tasks in FIFO order once both constraints hold.
type Queue struct {
	cfg Config

	mu        sync.Mutex
	running   int
	started   int // starts within the current window
	windowEnd time.Time
	waiters   []*waiter
	timer     *time.Timer
}

// New creates a Queue. Concurrency below 1 is clamped to 1.
func New(cfg Config) *Queue {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Interval <= 0 || cfg.IntervalCap <= 0 {
		cfg.Interval = 0
		cfg.IntervalCap = 0
	}
	return &Queue{cfg: cfg}
}

// Submit blocks until task has been admitted and has run to completion.
// ctx is honored only while the task waits for admission: once admitted,
// the task always runs, even if the caller's ctx is cancelled (wasted
// upstream quota is the documented cost of that tradeoff).
func (q *Queue) Submit(ctx context.Context, task func()) error {
	w := &waiter{ready: make(chan struct{})}

	q.mu.Lock()
	q.waiters = append(q.waiters, w)
	q.dispatchLocked(time.Now())
	q.mu.Unlock()

	select {
	case <-w.ready:
	case <-ctx.Done():
		q.mu.Lock()
		removed := q.removeLocked(w)
		q.mu.Unlock()
		if removed {
			return ctx.Err()
		}
		// Admitted concurrently with cancellation; run to completion.
		<-w.ready
	}

	task()

	q.mu.Lock()
	q.running--
	q.dispatchLocked(time.Now())
	q.mu.Unlock()
	return nil
}

// InFlight returns the number of tasks currently executing.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Pending returns the number of tasks waiting for admission.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}

// dispatchLocked admits waiters from the head while both constraints
// hold. Callers must hold q.mu.
func (q *Queue) dispatchLocked(now time.Time) {
	q.rollWindowLocked(now)

	for len(q.waiters) > 0 {
		if q.running >= q.cfg.Concurrency {
			return
		}
		if q.cfg.Interval > 0 && q.started >= q.cfg.IntervalCap {
			// Blocked on the window alone: wake up at the boundary.
			q.armTimerLocked(now)
			return
		}
		w := q.waiters[0]
		q.waiters = q.waiters[1:]
		q.running++
		q.started++
		close(w.ready)
	}
}

// rollWindowLocked advances the window boundary in whole intervals and
// zeroes the start count at each reset, independent of in-flight count.
func (q *Queue) rollWindowLocked(now time.Time) {
	if q.cfg.Interval <= 0 {
		return
	}
	if q.windowEnd.IsZero() {
		q.windowEnd = now.Add(q.cfg.Interval)
		return
	}
	if now.Before(q.windowEnd) {
		return
	}
	elapsed := now.Sub(q.windowEnd)
	q.windowEnd = q.windowEnd.Add((elapsed/q.cfg.Interval + 1) * q.cfg.Interval)
	q.started = 0
}

func (q *Queue) armTimerLocked(now time.Time) {
	d := q.windowEnd.Sub(now)
	if d <= 0 {
		d = time.Millisecond
	}
	if q.timer != nil {
		q.timer.Stop()
	}
	q.timer = time.AfterFunc(d, func() {
		q.mu.Lock()
		q.dispatchLocked(time.Now())
		q.mu.Unlock()
	})
}

// removeLocked drops w from the pending list, reporting whether it was
// still pending. Callers must hold q.mu.
func (q *Queue) removeLocked(w *waiter) bool {
	for i, cand := range q.waiters {
		if cand == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return true
		}
	}
	return false
}
