package sched

import (
	"github.com/OSPreservProject/oskit-sub005/internal/thread"
)

// Mutex is a sleeping lock with priority inheritance: while a higher
// priority thread waits, the owner runs at the waiter's priority.
type Mutex struct {
	s       *Scheduler
	owner   *thread.Thread
	waiters []*thread.Thread
}

func (s *Scheduler) NewMutex() *Mutex {
	return &Mutex{s: s}
}

// Lock acquires m, blocking the caller while another thread owns it.
func (m *Mutex) Lock(self *thread.Thread) {
	s := m.s
	pc := s.enter(self)
	if m.owner == self {
		s.fatalLocked("mutex locked recursively", self)
	}
	if m.owner == nil {
		m.owner = self
		s.mu.Unlock()
		return
	}

	m.waiters = append(m.waiters, self)
	for m.owner != self {
		m.inheritLocked(m.owner)
		s.blockLocked(pc, self)
		pc = s.enter(self)
	}
	s.mu.Unlock()
}

// TryLock acquires m if it is free.
func (m *Mutex) TryLock(self *thread.Thread) bool {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if m.owner != nil {
		return false
	}
	m.owner = self
	return true
}

// Unlock releases m and hands it to the highest priority waiter.
func (m *Mutex) Unlock(self *thread.Thread) {
	s := m.s
	s.mu.Lock()
	if m.owner != self {
		s.fatalLocked("mutex unlocked by a thread that does not own it", self)
	}
	if self.Priority != self.BasePriority {
		s.policyFor(self).PriorityBump(self, self.BasePriority)
	}

	if len(m.waiters) == 0 {
		m.owner = nil
		s.mu.Unlock()
		return
	}

	best := 0
	for i, w := range m.waiters {
		if w.Priority > m.waiters[best].Priority {
			best = i
		}
	}
	next := m.waiters[best]
	m.waiters = append(m.waiters[:best], m.waiters[best+1:]...)
	m.owner = next
	m.inheritLocked(next)

	// A waiter that is already runnable sees the hand-off in its Lock loop.
	if next.State == thread.Blocked && s.wakeupLocked(next) {
		s.kickLocked()
	}
	s.mu.Unlock()
}

// inheritLocked raises owner to the priority of its highest waiter.
func (m *Mutex) inheritLocked(owner *thread.Thread) {
	top := owner.Priority
	for _, w := range m.waiters {
		if w.Priority > top {
			top = w.Priority
		}
	}
	if top > owner.Priority {
		m.s.policyFor(owner).PriorityBump(owner, top)
	}
}

// Owner returns the id of the owning thread, or thread.InvalidID.
func (m *Mutex) Owner() thread.ID {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if m.owner == nil {
		return thread.InvalidID
	}
	return m.owner.ID()
}
