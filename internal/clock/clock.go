// Package clock abstracts time for the audio driver's deadlines and deferred
// timeouts. Production code uses Real; tests drive a Mock by hand.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock is the subset of the time package the bridge depends on.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration

	// After sends the current time on the returned channel once d has elapsed.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f in its own goroutine once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call.
type Timer interface {
	// Stop prevents the timer from firing. It returns false if the timer
	// already fired or was stopped.
	Stop() bool
}

// Real implements Clock with the time package.
type Real struct{}

func New() Real { return Real{} }

func (Real) Now() time.Time                         { return time.Now() }
func (Real) Since(t time.Time) time.Duration        { return time.Since(t) }
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Mock is a manually advanced clock. Timers fire synchronously inside Advance,
// in deadline order.
type Mock struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*mockTimer
	changed chan struct{}
}

type mockTimer struct {
	deadline time.Time
	f        func()
	stopped  bool
	mock     *Mock
}

// NewMock creates a mock clock starting at start.
func NewMock(start time.Time) *Mock {
	return &Mock{now: start, changed: make(chan struct{})}
}

func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Mock) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

func (m *Mock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.AfterFunc(d, func() {
		ch <- m.Now()
	})
	return ch
}

func (m *Mock) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := &mockTimer{deadline: m.now.Add(d), f: f, mock: m}
	m.timers = append(m.timers, t)
	m.notifyLocked()
	return t
}

// Pending returns the number of timers that have not fired or been stopped.
func (m *Mock) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, t := range m.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

// WaitForTimers blocks until at least n timers are pending or the timeout elapses.
// Tests use it to make sure the code under test reached its wait before advancing.
func (m *Mock) WaitForTimers(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		m.mu.Lock()
		pending := 0
		for _, t := range m.timers {
			if !t.stopped {
				pending++
			}
		}
		changed := m.changed
		m.mu.Unlock()

		if pending >= n {
			return true
		}

		select {
		case <-changed:
		case <-deadline:
			return false
		}
	}
}

// Advance moves the clock forward by d and fires every timer that came due.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)

	var due, remaining []*mockTimer
	for _, t := range m.timers {
		switch {
		case t.stopped:
		case !t.deadline.After(m.now):
			t.stopped = true
			due = append(due, t)
		default:
			remaining = append(remaining, t)
		}
	}
	m.timers = remaining
	m.notifyLocked()
	m.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, t := range due {
		t.f()
	}
}

func (m *Mock) notifyLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

func (t *mockTimer) Stop() bool {
	t.mock.mu.Lock()
	defer t.mock.mu.Unlock()

	wasActive := !t.stopped
	t.stopped = true
	t.mock.notifyLocked()
	return wasActive
}
