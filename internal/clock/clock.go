// Package clock provides the time base used by the scheduler: a monotonic
// clock measured since boot, a manually advanced clock for deterministic
// runs, and a periodic ticker that drives the timer interrupt.
package clock

import (
	"sync"
	"sync/atomic"
	"time"
)

// Clock reports the time elapsed since boot.
type Clock interface {
	Now() time.Duration
}

// Manual is a clock that only moves when told to.
type Manual struct {
	now atomic.Int64
}

func NewManual(start time.Duration) *Manual {
	m := &Manual{}
	m.now.Store(int64(start))
	return m
}

func (m *Manual) Now() time.Duration { return time.Duration(m.now.Load()) }

// Advance moves the clock forward by d and returns the new time.
func (m *Manual) Advance(d time.Duration) time.Duration {
	if d < 0 {
		d = 0
	}
	return time.Duration(m.now.Add(int64(d)))
}

// Set moves the clock to t. Moving backwards is ignored.
func (m *Manual) Set(t time.Duration) {
	for {
		cur := m.now.Load()
		if int64(t) <= cur {
			return
		}
		if m.now.CompareAndSwap(cur, int64(t)) {
			return
		}
	}
}

// Monotonic reads the host monotonic clock, offset to the moment it was created.
type Monotonic struct {
	boot time.Duration
}

func NewMonotonic() *Monotonic {
	return &Monotonic{boot: hostMonotonic()}
}

func (m *Monotonic) Now() time.Duration {
	return hostMonotonic() - m.boot
}

// Handle stops a periodic callback.
type Handle interface {
	Stop()
}

type handleFunc func()

func (f handleFunc) Stop() {
	if f != nil {
		f()
	}
}

// TickerFactory starts a periodic callback.
type TickerFactory func(period time.Duration, cb func()) Handle

// NewTicker runs cb every period on its own goroutine until the handle is stopped.
func NewTicker(period time.Duration, cb func()) Handle {
	if period <= 0 || cb == nil {
		return handleFunc(nil)
	}

	stop := make(chan struct{})
	var once sync.Once

	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				cb()
			case <-stop:
				return
			}
		}
	}()

	return handleFunc(func() {
		once.Do(func() { close(stop) })
	})
}
