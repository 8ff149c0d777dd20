// Package scheduler implements the overlay's single delay-priority-queue
// task scheduler and its cooperative shutdown primitive (§4.J).
package scheduler

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"
)

// Handle is passed to a scheduled task so it can reschedule itself without
// reaching back into the Scheduler's internals.
type Handle struct {
	s *Scheduler
}

// Reschedule re-enqueues fn to run at 'at'.
func (h *Handle) Reschedule(at time.Time, fn func(*Handle)) {
	h.s.Schedule(at, fn)
}

// After is a convenience for Reschedule(time.Now().Add(d), fn).
func (h *Handle) After(d time.Duration, fn func(*Handle)) {
	h.Reschedule(time.Now().Add(d), fn)
}

type task struct {
	when time.Time
	seq   uint64
	fn    func(*Handle)
}

type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}
func (h taskHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)        { *h = append(*h, x.(*task)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Scheduler is a single min-heap of delayed tasks serviced by one
// goroutine. Tasks may reschedule themselves via the Handle they receive.
type Scheduler struct {
	log *slog.Logger

	mu  sync.Mutex
	pq  taskHeap
	seq uint64

	wake chan struct{}
}

func New(log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	h := taskHeap{}
	heap.Init(&h)
	return &Scheduler{log: log, pq: h, wake: make(chan struct{}, 1)}
}

// Schedule enqueues fn to run at 'at'.
func (s *Scheduler) Schedule(at time.Time, fn func(*Handle)) {
	s.mu.Lock()
	s.seq++
	heap.Push(&s.pq, &task{when: at, seq: s.seq, fn: fn})
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Len reports the number of pending tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pq.Len()
}

// Run drives the scheduler loop until ctx is canceled. It is meant to be
// run as the single scheduler thread (§5).
func (s *Scheduler) Run(ctx context.Context) {
	h := &Handle{s: s}
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		var next *task
		var wait time.Duration
		if s.pq.Len() > 0 {
			next = s.pq[0]
			wait = time.Until(next.when)
		} else {
			wait = time.Hour
		}
		if next != nil && wait <= 0 {
			heap.Pop(&s.pq)
			s.mu.Unlock()
			func() {
				defer func() {
					if r := recover(); r != nil {
						s.log.Error("scheduler: task panicked", "recover", r)
					}
				}()
				next.fn(h)
			}()
			continue
		}
		s.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-s.wake:
		}
	}
}
