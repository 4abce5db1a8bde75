package sched

import (
	"fmt"
	"time"

	"github.com/OSPreservProject/oskit-sub005/internal/kerr"
	"github.com/OSPreservProject/oskit-sub005/internal/thread"
)

// Block suspends the caller until Wakeup. A wakeup delivered while the
// caller was still running is not lost: Block then returns at once.
//
// Block reports false when it returned because a cancellation is pending
// rather than because of a wakeup. The caller should then reach a
// cancellation point instead of rechecking its condition.
func (s *Scheduler) Block(self *thread.Thread) bool {
	pc := s.enter(self)
	if s.asyncCancelLocked(self) {
		s.exitLocked(self, ErrCanceled)
	}
	if s.cancelDueLocked(self) {
		s.mu.Unlock()
		return false
	}
	if self.WakePending {
		self.WakePending = false
		s.mu.Unlock()
		return true
	}
	s.blockLocked(pc, self)

	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.cancelDueLocked(self)
}

func (s *Scheduler) blockLocked(pc *percpu, self *thread.Thread) {
	self.State = thread.Blocked
	s.dispatchLocked(pc, self, Blocked)
}

// Wakeup makes a blocked thread runnable again.
func (s *Scheduler) Wakeup(t *thread.Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wakeupLocked(t) {
		s.kickLocked()
	}
}

func (s *Scheduler) wakeupLocked(t *thread.Thread) bool {
	switch t.State {
	case thread.Blocked:
		if t.Sleeping {
			s.removeSleeperLocked(t)
		}
		if t.Queued {
			kerr.Fatal("blocked thread is on a run queue", "thread", int(t.ID()))
		}
		t.State = thread.Runnable
		return s.policyFor(t).SetRunnable(t)
	case thread.Zombie:
		return false
	default:
		t.WakePending = true
		return false
	}
}

// Sleep blocks the caller for at least d. It is a cancellation point.
func (s *Scheduler) Sleep(self *thread.Thread, d time.Duration) {
	pc := s.enter(self)
	wakeAt := s.clk.Now() + d
	for {
		if s.cancelDueLocked(self) {
			s.exitLocked(self, ErrCanceled)
		}
		if s.clk.Now() >= wakeAt {
			s.mu.Unlock()
			return
		}
		self.WakeAt = wakeAt
		s.addSleeperLocked(self)
		s.blockLocked(pc, self)
		pc = s.enter(self)
	}
}

// Yield gives up the rest of the caller's timeslice.
func (s *Scheduler) Yield(self *thread.Thread) {
	pc := s.enter(self)
	if s.asyncCancelLocked(self) {
		s.exitLocked(self, ErrCanceled)
	}
	s.dispatchLocked(pc, self, Timeslice)
}

// YieldPeriod ends the caller's work for its current period.
func (s *Scheduler) YieldPeriod(self *thread.Thread) {
	pc := s.enter(self)
	if s.asyncCancelLocked(self) {
		s.exitLocked(self, ErrCanceled)
	}
	s.dispatchLocked(pc, self, YieldPeriod)
}

// Pause lets the dispatcher pick again without ending the caller's period.
func (s *Scheduler) Pause(self *thread.Thread) {
	pc := s.enter(self)
	s.dispatchLocked(pc, self, Idle)
}

// SetParams changes the policy parameters of id.
func (s *Scheduler) SetParams(id thread.ID, params thread.Params) error {
	var opened *percpu
	defer func() { s.drainOpened(opened) }()
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.reg.Lookup(id)
	if err != nil {
		return err
	}
	if t.State == thread.Zombie {
		return fmt.Errorf("sched: set params: thread %d: %w", id, kerr.ErrNotFound)
	}
	if err := normalizeParams(t.Policy, &params); err != nil {
		return err
	}
	t.BasePriority = params.Priority
	kick := s.policyFor(t).ChangeState(t, params)
	opened, changed := s.retuneLocked(t)
	if kick || changed {
		s.kickLocked()
	}
	return nil
}

// SetPolicy moves id to another scheduling class.
func (s *Scheduler) SetPolicy(id thread.ID, tag thread.Policy, params thread.Params) error {
	var opened *percpu
	defer func() { s.drainOpened(opened) }()
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.reg.Lookup(id)
	if err != nil {
		return err
	}
	if t.State == thread.Zombie {
		return fmt.Errorf("sched: set policy: thread %d: %w", id, kerr.ErrNotFound)
	}
	next := s.policyForTag(tag)
	if next == nil {
		return fmt.Errorf("sched: set policy: no policy schedules %s: %w", tag, kerr.ErrInvalidArgument)
	}
	if err := normalizeParams(tag, &params); err != nil {
		return err
	}

	queued := t.Queued
	s.policyFor(t).Disassociate(t)
	t.Policy = tag
	t.Params = params
	t.BasePriority = params.Priority
	kick := queued && next.SetRunnable(t)
	opened, changed := s.retuneLocked(t)
	if kick || changed {
		s.kickLocked()
	}
	s.log.Debug("sched: policy changed", "thread", id, "policy", tag)
	return nil
}

// retuneLocked brings the realtime window of the CPU running t in line with
// the band t is now in. It returns the CPU whose window just closed, if any,
// and whether the window changed at all.
func (s *Scheduler) retuneLocked(t *thread.Thread) (*percpu, bool) {
	if t.State != thread.Running {
		return nil, false
	}
	pc := s.cpuOf(t)
	if pc == nil || pc.current != t {
		return nil, false
	}
	rt := t.Realtime()
	if pc.cpu.Realtime() == rt {
		return nil, false
	}
	if pc.cpu.SetRealtime(rt) {
		return pc, true
	}
	return nil, true
}

// drainOpened runs work deferred on pc while a realtime thread held it. The
// scheduler lock must not be held.
func (s *Scheduler) drainOpened(pc *percpu) {
	if pc != nil {
		pc.cpu.RunDeferred()
	}
}

// RegisterScheduler installs id as a scheduler in the CPU inheritance tree.
// The handle is passed as Attr.Scheduler to threads that inherit from it.
func (s *Scheduler) RegisterScheduler(id thread.ID) (thread.SchedulerHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.reg.Lookup(id)
	if err != nil {
		return thread.SchedulerHandle{}, err
	}
	t.IsScheduler = true
	return t.Handle(), nil
}

// Stats is a snapshot of one thread.
type Stats struct {
	ID         thread.ID
	Name       string
	State      thread.State
	Policy     thread.Policy
	Priority   int
	Deadline   time.Duration
	Period     time.Duration
	CPU        int
	Ticks      uint64
	Lifetime   uint64
	ChildTicks uint64
	Percent    int
	Misses     uint64
	Scheduler  thread.ID
}

func statsOf(t *thread.Thread) Stats {
	return Stats{
		ID:         t.ID(),
		Name:       t.Name,
		State:      t.State,
		Policy:     t.Policy,
		Priority:   t.Priority,
		Deadline:   t.Deadline,
		Period:     t.Period,
		CPU:        t.CPU,
		Ticks:      t.Ticks,
		Lifetime:   t.Lifetime,
		ChildTicks: t.ChildTicks,
		Percent:    t.Percent,
		Misses:     t.Misses,
		Scheduler:  t.Scheduler.ID(),
	}
}

func (s *Scheduler) Stats(id thread.ID) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.reg.Lookup(id)
	if err != nil {
		return Stats{}, err
	}
	return statsOf(t), nil
}

// AllStats returns a snapshot of every registered thread in id order.
func (s *Scheduler) AllStats() []Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Stats
	s.reg.Each(func(t *thread.Thread) bool {
		out = append(out, statsOf(t))
		return true
	})
	return out
}
