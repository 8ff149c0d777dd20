package scheduler

import (
	"fmt"
	"sync"
	"time"
)

// StopManager is the single cancellation primitive for a running node
// (§4.J, §5). Long-lived roles register a Worker; Stop() runs named
// listeners in insertion order, then Wait() unblocks once every
// registered worker has been dropped.
type StopManager struct {
	mu        sync.Mutex
	stopped   bool
	listeners []namedListener
	count     int
	done      chan struct{}
	onceStop  sync.Once
}

type namedListener struct {
	name   string
	onStop func()
}

func NewStopManager() *StopManager {
	return &StopManager{done: make(chan struct{})}
}

// Register adds a named stop listener. It fails if the manager has already
// stopped or if the name is already registered.
func (m *StopManager) Register(name string, onStop func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return fmt.Errorf("scheduler: stop manager already stopped, cannot register %q", name)
	}
	for _, l := range m.listeners {
		if l.name == name {
			return fmt.Errorf("scheduler: listener %q already registered", name)
		}
	}
	m.listeners = append(m.listeners, namedListener{name: name, onStop: onStop})
	return nil
}

// Worker tracks one outstanding long-lived goroutine. Done must be called
// exactly once, typically via defer.
type Worker struct {
	m        *StopManager
	released sync.Once
}

// NewWorker registers an outstanding worker with the manager, incrementing
// its live count.
func (m *StopManager) NewWorker() *Worker {
	m.mu.Lock()
	m.count++
	m.mu.Unlock()
	return &Worker{m: m}
}

// Done decrements the manager's outstanding worker count; when it reaches
// zero, all parked Wait callers are released.
func (w *Worker) Done() {
	w.released.Do(func() {
		m := w.m
		m.mu.Lock()
		m.count--
		n := m.count
		m.mu.Unlock()
		if n <= 0 {
			select {
			case <-m.done:
			default:
				close(m.done)
			}
		}
	})
}

// Stop runs every registered listener's onStop hook in insertion order.
// It is idempotent; only the first call runs the hooks.
func (m *StopManager) Stop() {
	m.onceStop.Do(func() {
		m.mu.Lock()
		m.stopped = true
		listeners := append([]namedListener{}, m.listeners...)
		m.mu.Unlock()

		for _, l := range listeners {
			l.onStop()
		}

		m.mu.Lock()
		n := m.count
		m.mu.Unlock()
		if n <= 0 {
			select {
			case <-m.done:
			default:
				close(m.done)
			}
		}
	})
}

// Stopped reports whether Stop has been called.
func (m *StopManager) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// Wait blocks until every registered Worker has called Done (and Stop has
// run, if ever called).
func (m *StopManager) Wait() {
	<-m.done
}

// WaitTimeout blocks until Wait would return or d elapses, returning
// whether it returned because all workers finished.
func (m *StopManager) WaitTimeout(d time.Duration) bool {
	select {
	case <-m.done:
		return true
	case <-time.After(d):
		return false
	}
}
