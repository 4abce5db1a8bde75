// Package cpu models the per-processor interrupt state the scheduler and the
// IRQ subsystem coordinate through.
//
// Two levels of masking exist. The trap path is serialised per CPU, which
// stands in for the hardware interrupt flag being clear while a trap runs.
// Software masking is what Disable provides: traps still arrive and realtime
// handlers still run, but standard handlers are deferred until the last
// Guard is restored.
package cpu

import (
	"sync"
	"sync/atomic"
)

// SoftBits are soft-interrupt request bits.
type SoftBits uint32

const (
	// SoftResched asks the running thread to pass through the dispatcher.
	SoftResched SoftBits = 1 << iota
)

// Deferred is work postponed while software interrupts were disabled or a
// realtime thread was running. The IRQ subsystem implements it.
type Deferred interface {
	// Pending reports whether any deferred work is queued.
	Pending() bool
	// RunPending runs queued work. The caller holds the software interrupt
	// window of c.
	RunPending(c *CPU)
}

// CPU is one simulated processor.
type CPU struct {
	id int

	trap sync.Mutex
	// soft is held while software interrupts are disabled or while deferred
	// handlers run. depth is touched only by the thread owning the CPU.
	soft  sync.Mutex
	depth int

	realtime atomic.Bool

	softReq    atomic.Uint32
	softMasked atomic.Bool
	attention  chan struct{}

	deferredMu sync.RWMutex
	deferred   Deferred
}

func New(id int) *CPU {
	return &CPU{
		id:        id,
		attention: make(chan struct{}, 1),
	}
}

func (c *CPU) ID() int { return c.id }

// SetDeferred installs the deferred-work source drained when software
// interrupts become enabled or the realtime window closes.
func (c *CPU) SetDeferred(d Deferred) {
	c.deferredMu.Lock()
	defer c.deferredMu.Unlock()
	c.deferred = d
}

func (c *CPU) loadDeferred() Deferred {
	c.deferredMu.RLock()
	defer c.deferredMu.RUnlock()
	return c.deferred
}

// Guard restores the software interrupt state captured by Disable.
type Guard struct {
	c     *CPU
	outer bool
}

// Disable masks software interrupts on c and returns a guard that restores
// the previous state. Only the thread running on c may call it, and it must
// not be called with the scheduler lock held.
func (c *CPU) Disable() Guard {
	if c.depth == 0 {
		c.soft.Lock()
		c.depth = 1
		return Guard{c: c, outer: true}
	}
	c.depth++
	return Guard{c: c}
}

// Restore undoes the matching Disable. Restoring the outermost guard runs any
// deferred work before the window reopens.
func (g Guard) Restore() {
	c := g.c
	if c == nil {
		return
	}
	c.depth--
	if !g.outer {
		return
	}
	if d := c.loadDeferred(); d != nil && d.Pending() && !c.Realtime() {
		d.RunPending(c)
	}
	c.soft.Unlock()
	c.RunDeferred()
}

// Enabled reports whether software interrupts are enabled from the point of
// view of the thread owning c.
func (c *CPU) Enabled() bool { return c.depth == 0 }

// Interrupt runs fn on the trap path of c. Traps on one CPU never overlap.
func (c *CPU) Interrupt(fn func()) {
	c.trap.Lock()
	defer c.trap.Unlock()
	fn()
}

// RunDeferred drains deferred work if software interrupts are enabled and no
// realtime thread is running on c. It reports whether the window was open.
func (c *CPU) RunDeferred() bool {
	d := c.loadDeferred()
	if d == nil {
		return true
	}
	for d.Pending() && !c.Realtime() {
		if !c.soft.TryLock() {
			// Whoever holds the window drains on release.
			return false
		}
		d.RunPending(c)
		c.soft.Unlock()
	}
	return true
}

// SetRealtime records whether a realtime thread is executing on c. It
// reports whether the realtime window just closed, in which case the caller
// should call RunDeferred once it has released its own locks.
func (c *CPU) SetRealtime(on bool) bool {
	was := c.realtime.Swap(on)
	return was && !on
}

func (c *CPU) Realtime() bool { return c.realtime.Load() }

// RequestSoft posts soft-interrupt bits and nudges an idle CPU.
func (c *CPU) RequestSoft(bits SoftBits) {
	c.softReq.Or(uint32(bits))
	c.Poke()
}

// SoftPending reports whether soft-interrupt bits are posted and unmasked.
func (c *CPU) SoftPending() bool {
	return c.softReq.Load() != 0 && !c.softMasked.Load()
}

// BeginSoft masks soft interrupts and takes the posted bits. It returns false
// if soft interrupts are already masked.
func (c *CPU) BeginSoft() (SoftBits, bool) {
	if !c.softMasked.CompareAndSwap(false, true) {
		return 0, false
	}
	return SoftBits(c.softReq.Swap(0)), true
}

// EndSoft unmasks soft interrupts.
func (c *CPU) EndSoft() {
	c.softMasked.Store(false)
}

// Poke wakes the idle loop of c if it is waiting.
func (c *CPU) Poke() {
	select {
	case c.attention <- struct{}{}:
	default:
	}
}

// Attention is signalled whenever soft work is posted to c.
func (c *CPU) Attention() <-chan struct{} { return c.attention }
