package clock

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestManualAdvance(t *testing.T) {
	m := NewManual(10 * time.Millisecond)
	if got := m.Advance(5 * time.Millisecond); got != 15*time.Millisecond {
		t.Fatalf("Advance = %v, want 15ms", got)
	}
	m.Advance(-time.Second)
	if got := m.Now(); got != 15*time.Millisecond {
		t.Fatalf("negative advance moved clock to %v", got)
	}
	m.Set(time.Millisecond)
	if got := m.Now(); got != 15*time.Millisecond {
		t.Fatalf("Set moved clock backwards to %v", got)
	}
	m.Set(time.Second)
	if got := m.Now(); got != time.Second {
		t.Fatalf("Set = %v, want 1s", got)
	}
}

func TestMonotonicNeverGoesBackwards(t *testing.T) {
	m := NewMonotonic()
	prev := m.Now()
	for i := 0; i < 1000; i++ {
		now := m.Now()
		if now < prev {
			t.Fatalf("clock went backwards: %v < %v", now, prev)
		}
		prev = now
	}
}

func TestTickerStops(t *testing.T) {
	var count atomic.Int32
	fired := make(chan struct{}, 1)
	h := NewTicker(time.Millisecond, func() {
		count.Add(1)
		select {
		case fired <- struct{}{}:
		default:
		}
	})

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatalf("ticker never fired")
	}
	h.Stop()
	h.Stop()

	time.Sleep(5 * time.Millisecond)
	after := count.Load()
	time.Sleep(10 * time.Millisecond)
	if count.Load() != after {
		t.Fatalf("ticker kept firing after Stop")
	}
}

func TestTickerRejectsBadPeriod(t *testing.T) {
	h := NewTicker(0, func() { t.Fatalf("callback should not run") })
	h.Stop()
}
