// Package sched is the policy-independent scheduler core. Threads are
// goroutines that only run while they hold a CPU; a context switch hands the
// CPU from one goroutine to the next. Policies decide which thread runs.
package sched

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/OSPreservProject/oskit-sub005/internal/clock"
	"github.com/OSPreservProject/oskit-sub005/internal/cpu"
	"github.com/OSPreservProject/oskit-sub005/internal/kerr"
	"github.com/OSPreservProject/oskit-sub005/internal/thread"
	"github.com/OSPreservProject/oskit-sub005/internal/timeslice"
)

var (
	sliceRun      = timeslice.RegisterKind("run", 0)
	sliceRealtime = timeslice.RegisterKind("realtime", timeslice.SliceFlagRealtime)
	sliceIdle     = timeslice.RegisterKind("idle", timeslice.SliceFlagIdle)
)

const (
	DefaultHZ         = 100
	DefaultQuantum    = 10
	DefaultMaxThreads = 64
)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithPolicies installs the scheduling classes, highest class first.
func WithPolicies(p ...Policy) Option {
	return func(s *Scheduler) {
		s.policies = append(s.policies, p...)
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(s *Scheduler) {
		if log != nil {
			s.log = log
		}
	}
}

// WithHZ sets the tick rate used for per-second accounting.
func WithHZ(hz int) Option {
	return func(s *Scheduler) {
		if hz > 0 {
			s.hz = hz
		}
	}
}

// WithQuantum sets the timeslice length in ticks.
func WithQuantum(ticks int) Option {
	return func(s *Scheduler) {
		if ticks > 0 {
			s.quantum = ticks
		}
	}
}

func WithMaxThreads(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxThreads = n
		}
	}
}

type percpu struct {
	cpu     *cpu.CPU
	current *thread.Thread
	idle    *thread.Thread
	// used counts ticks charged to current since it was switched in.
	used  int
	since time.Duration
}

// Scheduler owns the thread registry, the per-CPU current and idle slots
// and the policies.
type Scheduler struct {
	// mu is the scheduler lock. It guards every run queue, the per-CPU slots
	// and the scheduler-owned fields of every thread.
	mu sync.Mutex

	clk        clock.Clock
	reg        *thread.Registry
	policies   []Policy
	cpus       []*percpu
	log        *slog.Logger
	hz         int
	quantum    int
	maxThreads int

	ticks    uint64
	sleepers []*thread.Thread

	started  bool
	stopping bool
	stop     chan struct{}
}

func New(clk clock.Clock, cpus []*cpu.CPU, opts ...Option) (*Scheduler, error) {
	if clk == nil {
		return nil, fmt.Errorf("sched: nil clock: %w", kerr.ErrInvalidArgument)
	}
	if len(cpus) == 0 {
		return nil, fmt.Errorf("sched: no CPUs: %w", kerr.ErrInvalidArgument)
	}

	s := &Scheduler{
		clk:        clk,
		log:        slog.Default(),
		hz:         DefaultHZ,
		quantum:    DefaultQuantum,
		maxThreads: DefaultMaxThreads,
		stop:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if len(s.policies) == 0 {
		return nil, fmt.Errorf("sched: no policies: %w", kerr.ErrInvalidArgument)
	}

	s.reg = thread.NewRegistry(s.maxThreads)
	for _, c := range cpus {
		idle := thread.NewIdle(c.ID())
		s.cpus = append(s.cpus, &percpu{cpu: c, current: idle, idle: idle})
	}

	e := env{s}
	for _, p := range s.policies {
		p.Init(e)
	}
	return s, nil
}

type env struct{ s *Scheduler }

func (e env) Now() time.Duration { return e.s.clk.Now() }

func (e env) Running() []*thread.Thread {
	out := make([]*thread.Thread, 0, len(e.s.cpus))
	for _, pc := range e.s.cpus {
		out = append(out, pc.current)
	}
	return out
}

func (e env) Logger() *slog.Logger { return e.s.log }

// Start launches the idle loop of every CPU.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	for _, pc := range s.cpus {
		go s.idleLoop(pc)
	}
	s.log.Debug("sched: started", "cpus", len(s.cpus), "hz", s.hz, "quantum", s.quantum)
}

// Shutdown stops the idle loops. Threads still blocked stay blocked.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	close(s.stop)
	s.mu.Unlock()

	for _, pc := range s.cpus {
		pc.cpu.Poke()
	}
}

func (s *Scheduler) Clock() clock.Clock { return s.clk }

func (s *Scheduler) NumCPU() int { return len(s.cpus) }

// Lookup returns the live thread with the given id.
func (s *Scheduler) Lookup(id thread.ID) (*thread.Thread, error) {
	return s.reg.Lookup(id)
}

// Threads returns the number of registered threads.
func (s *Scheduler) Threads() int { return s.reg.Len() }

// Current returns the thread running on a CPU, or false if it is idle.
func (s *Scheduler) Current(cpuID int) (thread.ID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cpuID < 0 || cpuID >= len(s.cpus) {
		return thread.InvalidID, false
	}
	t := s.cpus[cpuID].current
	if t.Idle() {
		return thread.InvalidID, false
	}
	return t.ID(), true
}

func (s *Scheduler) policyFor(t *thread.Thread) Policy {
	return s.policyForTag(t.Policy)
}

func (s *Scheduler) policyForTag(tag thread.Policy) Policy {
	for _, p := range s.policies {
		if p.Schedules(tag) {
			return p
		}
	}
	return nil
}

func (s *Scheduler) cpuOf(t *thread.Thread) *percpu {
	if t.CPU < 0 || t.CPU >= len(s.cpus) {
		return nil
	}
	return s.cpus[t.CPU]
}

// fatalLocked releases the scheduler lock before aborting.
func (s *Scheduler) fatalLocked(invariant string, t *thread.Thread) {
	s.mu.Unlock()
	kerr.Fatal(invariant, "thread", int(t.ID()))
}

// enter checks that self owns its CPU with software interrupts enabled and
// returns that CPU with the scheduler lock held.
func (s *Scheduler) enter(self *thread.Thread) *percpu {
	if self == nil || self.Idle() {
		kerr.Fatal("scheduler entered without a thread", "thread", 0)
	}
	s.mu.Lock()
	pc := s.cpuOf(self)
	if pc == nil || pc.current != self {
		s.fatalLocked("caller does not own a CPU", self)
	}
	if !pc.cpu.Enabled() {
		s.fatalLocked("scheduler entered with interrupts disabled", self)
	}
	return pc
}

// pickLocked asks each policy in order for a thread that may run now.
func (s *Scheduler) pickLocked() *thread.Thread {
	for _, p := range s.policies {
		if t := p.ThreadNext(); t != nil {
			if t.Queued || t.State != thread.Runnable {
				s.fatalLocked("dequeued thread is not runnable", t)
			}
			return t
		}
	}
	return nil
}

// kickLocked asks every CPU not running a realtime thread to reschedule.
func (s *Scheduler) kickLocked() {
	for _, pc := range s.cpus {
		if !pc.current.Realtime() {
			pc.cpu.RequestSoft(cpu.SoftResched)
		}
	}
}

// switchLocked hands pc from from to to. It is called with the scheduler
// lock held and returns with it released, after from has been switched back
// in. A zombie from does not wait.
func (s *Scheduler) switchLocked(pc *percpu, from, to *thread.Thread) {
	if to == from {
		from.State = thread.Running
		pc.cpu.EndSoft()
		s.mu.Unlock()
		return
	}

	now := s.clk.Now()
	s.recordSlice(pc, from, now)

	pc.current = to
	pc.used = 0
	pc.since = now
	if !to.Idle() {
		to.State = thread.Running
	}
	to.CPU = pc.cpu.ID()
	pc.cpu.SetRealtime(to.Realtime())
	pc.cpu.EndSoft()
	zombie := from.State == thread.Zombie
	s.mu.Unlock()

	to.Unpark()
	if zombie {
		return
	}
	from.Park()
	s.resume(from)
}

// resume runs on a thread that was just handed a CPU.
func (s *Scheduler) resume(t *thread.Thread) {
	s.mu.Lock()
	pc := s.cpuOf(t)
	s.mu.Unlock()
	if pc != nil {
		pc.cpu.RunDeferred()
	}
}

func (s *Scheduler) recordSlice(pc *percpu, from *thread.Thread, now time.Duration) {
	if !timeslice.Recording() {
		return
	}
	kind := sliceRun
	switch {
	case from.Idle():
		kind = sliceIdle
	case from.Realtime():
		kind = sliceRealtime
	}
	timeslice.Record(kind, pc.cpu.ID(), int(from.ID()), now-pc.since)
}

// dispatchLocked takes self off pc for reason. The lock is released on return.
func (s *Scheduler) dispatchLocked(pc *percpu, self *thread.Thread, reason Reason) {
	keep := s.policyFor(self).Dispatch(reason, self)
	if keep && reason != Blocked {
		if reason == Timeslice {
			pc.used = 0
		}
		pc.cpu.EndSoft()
		s.mu.Unlock()
		return
	}

	if self.State != thread.Zombie {
		if self.Queued {
			self.State = thread.Runnable
		} else {
			self.State = thread.Blocked
		}
	}

	next := s.pickLocked()
	if next == nil {
		next = pc.idle
	}
	s.switchLocked(pc, self, next)
}

func (s *Scheduler) idleLoop(pc *percpu) {
	idle := pc.idle
	for {
		pc.cpu.RunDeferred()
		if _, ok := pc.cpu.BeginSoft(); ok {
			pc.cpu.EndSoft()
		}

		s.mu.Lock()
		if s.stopping {
			s.mu.Unlock()
			return
		}
		if next := s.pickLocked(); next != nil {
			s.switchLocked(pc, idle, next)
			continue
		}
		s.mu.Unlock()

		select {
		case <-pc.cpu.Attention():
		case <-s.stop:
		}
	}
}

// Tick is the periodic timer handler. It charges the running threads, wakes
// due sleepers and asks every CPU outside a realtime window to reschedule.
func (s *Scheduler) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ticks++
	now := s.clk.Now()

	for _, pc := range s.cpus {
		if t := pc.current; !t.Idle() {
			s.reg.Charge(t)
			pc.used++
		}
	}
	if s.ticks%uint64(s.hz) == 0 {
		s.reg.Recompute(s.hz)
	}

	for len(s.sleepers) > 0 && s.sleepers[0].WakeAt <= now {
		s.wakeupLocked(s.sleepers[0])
	}

	s.kickLocked()
}

// Ticks returns the number of ticks handled since boot.
func (s *Scheduler) Ticks() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticks
}

// Checkpoint runs the soft-interrupt handler if a reschedule was requested
// for the caller's CPU. Threads call it wherever they may be preempted.
func (s *Scheduler) Checkpoint(self *thread.Thread) {
	pc := s.enter(self)
	if s.asyncCancelLocked(self) {
		s.exitLocked(self, ErrCanceled)
	}

	bits, ok := pc.cpu.BeginSoft()
	if !ok {
		s.mu.Unlock()
		return
	}
	if bits&cpu.SoftResched == 0 {
		pc.cpu.EndSoft()
		s.mu.Unlock()
		return
	}

	reason := Preempted
	if pc.used >= s.quantum {
		reason = Timeslice
	}
	s.dispatchLocked(pc, self, reason)
}

func (s *Scheduler) addSleeperLocked(t *thread.Thread) {
	i := sort.Search(len(s.sleepers), func(i int) bool {
		return s.sleepers[i].WakeAt > t.WakeAt
	})
	s.sleepers = append(s.sleepers, nil)
	copy(s.sleepers[i+1:], s.sleepers[i:])
	s.sleepers[i] = t
	t.Sleeping = true
}

func (s *Scheduler) removeSleeperLocked(t *thread.Thread) {
	for i, x := range s.sleepers {
		if x == t {
			s.sleepers = append(s.sleepers[:i], s.sleepers[i+1:]...)
			break
		}
	}
	t.Sleeping = false
}
