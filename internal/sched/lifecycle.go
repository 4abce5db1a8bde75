package sched

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/OSPreservProject/oskit-sub005/internal/kerr"
	"github.com/OSPreservProject/oskit-sub005/internal/thread"
)

// ErrCanceled is the exit status of a thread that acted on a cancellation.
var ErrCanceled = errors.New("thread canceled")

// Entry is the body of a thread. self identifies the running thread to the
// scheduler calls it makes.
type Entry func(self *thread.Thread, arg any) any

// Create registers a thread running entry(arg) and makes it runnable under
// the policy named by attr.
func (s *Scheduler) Create(entry Entry, arg any, attr thread.Attr) (thread.ID, error) {
	if entry == nil {
		return thread.InvalidID, fmt.Errorf("sched: create: nil entry: %w", kerr.ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.policyForTag(attr.Policy)
	if p == nil {
		return thread.InvalidID, fmt.Errorf("sched: create: no policy schedules %s: %w", attr.Policy, kerr.ErrInvalidArgument)
	}
	if err := normalizeParams(attr.Policy, &attr.Params); err != nil {
		return thread.InvalidID, err
	}
	if attr.Scheduler.Valid() && s.reg.Resolve(attr.Scheduler) == nil {
		return thread.InvalidID, fmt.Errorf("sched: create: scheduler thread %d: %w", attr.Scheduler.ID(), kerr.ErrNotFound)
	}

	t, err := s.reg.Alloc(attr)
	if err != nil {
		return thread.InvalidID, err
	}
	t.State = thread.Runnable
	go s.trampoline(t, entry, arg)

	if p.SetRunnable(t) {
		s.kickLocked()
	}
	s.log.Debug("sched: thread created", "thread", t.ID(), "name", t.Name, "policy", t.Policy, "priority", t.Priority)
	return t.ID(), nil
}

func normalizeParams(tag thread.Policy, p *thread.Params) error {
	if p.Start < 0 || p.Deadline < 0 || p.Period < 0 {
		return fmt.Errorf("sched: negative time parameter: %w", kerr.ErrInvalidArgument)
	}
	switch tag {
	case thread.PolicyEDF:
		if p.Priority < thread.RealtimePriority {
			p.Priority = thread.RealtimePriority
		}
	default:
		if p.Priority < thread.MinPriority || p.Priority > thread.MaxPriority {
			return fmt.Errorf("sched: priority %d outside %d..%d: %w", p.Priority, thread.MinPriority, thread.MaxPriority, kerr.ErrInvalidArgument)
		}
	}
	return nil
}

func (s *Scheduler) trampoline(t *thread.Thread, entry Entry, arg any) {
	t.Park()
	s.resume(t)

	returned := false
	defer func() {
		s.mu.Lock()
		exiting := t.Exiting
		s.mu.Unlock()
		if returned || exiting {
			s.finish(t)
		}
	}()

	status := entry(t, arg)

	s.mu.Lock()
	t.ExitValue = status
	t.Exiting = true
	s.mu.Unlock()
	returned = true
}

// finish turns t into a zombie and gives its CPU away. The goroutine of t
// ends once it returns.
func (s *Scheduler) finish(t *thread.Thread) {
	s.mu.Lock()
	pc := s.cpuOf(t)
	if pc == nil || pc.current != t {
		s.fatalLocked("exiting thread does not own a CPU", t)
	}

	t.State = thread.Zombie
	s.policyFor(t).Disassociate(t)
	if t.Sleeping {
		s.removeSleeperLocked(t)
	}
	t.Finish()
	if j := t.Joiner; j != nil {
		if s.wakeupLocked(j) {
			s.kickLocked()
		}
	}
	if t.Detached {
		s.reg.Free(t.ID())
	}
	s.log.Debug("sched: thread exited", "thread", t.ID(), "cpu_ticks", t.Lifetime)

	next := s.pickLocked()
	if next == nil {
		next = pc.idle
	}
	s.switchLocked(pc, t, next)
}

// Exit terminates the calling thread with status. It does not return.
func (s *Scheduler) Exit(self *thread.Thread, status any) {
	s.enter(self)
	s.exitLocked(self, status)
}

func (s *Scheduler) exitLocked(self *thread.Thread, status any) {
	self.ExitValue = status
	self.Exiting = true
	s.mu.Unlock()
	runtime.Goexit()
}

// Join waits for the thread id to exit, reclaims it and returns its exit
// status. self is the calling thread, or nil when called from outside the
// scheduler. Join is a cancellation point.
func (s *Scheduler) Join(self *thread.Thread, id thread.ID) (any, error) {
	var pc *percpu
	if self != nil {
		pc = s.enter(self)
	} else {
		s.mu.Lock()
	}

	t, err := s.reg.Lookup(id)
	switch {
	case err != nil:
		s.mu.Unlock()
		return nil, err
	case t == self:
		s.mu.Unlock()
		return nil, fmt.Errorf("sched: join: thread %d joins itself: %w", id, kerr.ErrInvalidArgument)
	case t.Detached:
		s.mu.Unlock()
		return nil, fmt.Errorf("sched: join: thread %d is detached: %w", id, kerr.ErrInvalidArgument)
	case t.Joined:
		s.mu.Unlock()
		return nil, fmt.Errorf("sched: join: thread %d already has a joiner: %w", id, kerr.ErrInvalidArgument)
	}
	t.Joined = true

	if self == nil {
		s.mu.Unlock()
		<-t.Done()
		s.mu.Lock()
	} else {
		for t.State != thread.Zombie {
			if s.cancelDueLocked(self) {
				t.Joined = false
				t.Joiner = nil
				s.exitLocked(self, ErrCanceled)
			}
			t.Joiner = self
			s.blockLocked(pc, self)
			pc = s.enter(self)
		}
		t.Joiner = nil
	}

	s.reg.Free(t.ID())
	s.mu.Unlock()
	return t.ExitStatus(), nil
}

// Detach marks id so that its slot is reclaimed as soon as it exits.
func (s *Scheduler) Detach(id thread.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.reg.Lookup(id)
	if err != nil {
		return err
	}
	if t.Detached || t.Joined {
		return fmt.Errorf("sched: detach: thread %d: %w", id, kerr.ErrInvalidArgument)
	}
	t.Detached = true
	if t.State == thread.Zombie {
		s.reg.Free(id)
	}
	return nil
}

// Cancel requests termination of id. The target acts on it at its next
// cancellation point, or at any scheduler entry if it chose CancelAsync.
func (s *Scheduler) Cancel(id thread.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.reg.Lookup(id)
	if err != nil {
		return err
	}
	if t.State == thread.Zombie {
		return nil
	}
	t.CancelRequested = true
	if !t.CancelDisabled && t.State == thread.Blocked {
		if s.wakeupLocked(t) {
			s.kickLocked()
		}
	}
	return nil
}

// Testcancel is an explicit cancellation point.
func (s *Scheduler) Testcancel(self *thread.Thread) {
	s.enter(self)
	if s.cancelDueLocked(self) {
		s.exitLocked(self, ErrCanceled)
	}
	s.mu.Unlock()
}

// SetCancelType selects deferred or asynchronous cancellation for the
// caller and returns the previous type.
func (s *Scheduler) SetCancelType(self *thread.Thread, typ thread.CancelType) thread.CancelType {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := self.CancelType
	self.CancelType = typ
	return old
}

// SetCancelState enables or disables cancellation for the caller and
// returns whether it was enabled.
func (s *Scheduler) SetCancelState(self *thread.Thread, enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := !self.CancelDisabled
	self.CancelDisabled = !enabled
	return old
}

func (s *Scheduler) cancelDueLocked(t *thread.Thread) bool {
	return t.CancelRequested && !t.CancelDisabled
}

func (s *Scheduler) asyncCancelLocked(t *thread.Thread) bool {
	return s.cancelDueLocked(t) && t.CancelType == thread.CancelAsync
}
