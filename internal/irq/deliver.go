package irq

import (
	"math/bits"

	"github.com/OSPreservProject/oskit-sub005/internal/cpu"
)

// Trap delivers an interrupt on vector to CPU c. It is called on the trap path
// with the trap serialised on c.
//
// Realtime handlers run immediately, in registration order, after the vector
// is re-enabled at the controller. Standard handlers only mark the vector
// pending. The pending set is then drained before returning if software
// interrupts on c were enabled and no realtime thread is running there.
func (s *Subsystem) Trap(c *cpu.CPU, vector int) {
	if s.checkVector(vector) != nil {
		s.log.Warn("irq: trap on invalid vector", "vector", vector)
		return
	}
	s.stats.traps.Add(1)

	v := &s.vectors[vector]
	rt := v.rt.head.Load()
	if rt != nil {
		s.ctrl.EndOfInterrupt(vector)
		ts := TrapState{
			Vector:         vector,
			CPU:            c.ID(),
			Time:           s.now(),
			RealtimeThread: c.Realtime(),
		}
		for n := rt; n != nil; n = n.next.Load() {
			n.call(&ts)
		}
	}

	if v.std.head.Load() != nil {
		s.pending.Or(uint64(1) << vector)
		s.stats.deferred.Add(1)
	} else if rt == nil {
		s.log.Debug("irq: unhandled interrupt", "vector", vector)
	}
	if rt == nil {
		s.ctrl.EndOfInterrupt(vector)
	}

	c.RunDeferred()
}

// Pending reports whether any vector is pending. It implements cpu.Deferred.
func (s *Subsystem) Pending() bool {
	return s.pending.Load() != 0
}

// PendingVector reports whether vector is pending.
func (s *Subsystem) PendingVector(vector int) bool {
	if s.checkVector(vector) != nil {
		return false
	}
	return s.pending.Load()&(uint64(1)<<vector) != 0
}

// PendingMask returns the pending set, one bit per vector.
func (s *Subsystem) PendingMask() uint64 {
	return s.pending.Load()
}

// RunPending runs the standard handlers of every pending vector, lowest
// vector first. Each bit is cleared exactly once, immediately before its
// handlers run. It implements cpu.Deferred; the caller holds the software
// interrupt window of c.
func (s *Subsystem) RunPending(c *cpu.CPU) {
	for {
		set := s.pending.Load()
		if set == 0 || c.Realtime() {
			return
		}
		vector := bits.TrailingZeros64(set)
		bit := uint64(1) << vector
		if s.pending.And(^bit)&bit == 0 {
			continue
		}
		s.stats.drained.Add(1)
		ts := TrapState{Vector: vector, CPU: c.ID(), Time: s.now()}
		s.vectors[vector].std.each(func(n *node) bool {
			n.call(&ts)
			return true
		})
	}
}

// Attach makes the subsystem the deferred-work source of c, so restoring an
// interrupt guard or leaving the realtime window on c drains pending vectors.
func (s *Subsystem) Attach(c *cpu.CPU) {
	c.SetDeferred(s)
}

// DrainPending runs pending standard handlers on c if its software interrupt
// window is open and no realtime thread is running there. It reports whether
// the window was open.
func (s *Subsystem) DrainPending(c *cpu.CPU) bool {
	return c.RunDeferred()
}

var _ cpu.Deferred = (*Subsystem)(nil)
