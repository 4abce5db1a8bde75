package sched

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/OSPreservProject/oskit-sub005/internal/thread"
)

// Reason says why a running thread stopped running.
type Reason int

const (
	// YieldPeriod is a voluntary yield until the next period.
	YieldPeriod Reason = iota
	// Timeslice gives up the rest of the current timeslice.
	Timeslice
	Preempted
	// Idle lets the dispatcher re-evaluate without consuming the period.
	Idle
	Blocked
)

func (r Reason) String() string {
	switch r {
	case YieldPeriod:
		return "yield-period"
	case Timeslice:
		return "timeslice"
	case Preempted:
		return "preempted"
	case Idle:
		return "idle"
	case Blocked:
		return "blocked"
	default:
		return fmt.Sprintf("Reason(%d)", int(r))
	}
}

// Env is what a policy may ask of the scheduler. It is only used from inside
// policy calls, which run under the scheduler lock.
type Env interface {
	Now() time.Duration
	// Running returns the thread on each CPU, idle threads included.
	Running() []*thread.Thread
	Logger() *slog.Logger
}

// Policy is a scheduling class. Every method is called with the scheduler
// lock held and must not block.
type Policy interface {
	Name() string
	Init(env Env)
	// Schedules reports whether the policy owns the tag.
	Schedules(p thread.Policy) bool
	// SetRunnable queues t and reports whether a running thread should be
	// preempted in its favour.
	SetRunnable(t *thread.Thread) bool
	// Dispatch is called when t stops running. Returning true refuses the
	// transition and t keeps its CPU.
	Dispatch(reason Reason, t *thread.Thread) bool
	// ThreadNext dequeues the head of the run queue if it may run now.
	ThreadNext() *thread.Thread
	// ChangeState applies new parameters to t and reports whether a
	// reschedule is needed.
	ChangeState(t *thread.Thread, p thread.Params) bool
	Disassociate(t *thread.Thread)
	// PriorityBump sets the effective priority of t for priority inheritance.
	PriorityBump(t *thread.Thread, level int)
}
