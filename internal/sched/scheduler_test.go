package sched_test

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/OSPreservProject/oskit-sub005/internal/clock"
	"github.com/OSPreservProject/oskit-sub005/internal/cpu"
	"github.com/OSPreservProject/oskit-sub005/internal/kerr"
	"github.com/OSPreservProject/oskit-sub005/internal/sched"
	"github.com/OSPreservProject/oskit-sub005/internal/sched/edf"
	"github.com/OSPreservProject/oskit-sub005/internal/sched/posix"
	"github.com/OSPreservProject/oskit-sub005/internal/thread"
	"github.com/OSPreservProject/oskit-sub005/internal/timeslice"
)

type fixture struct {
	s    *sched.Scheduler
	clk  *clock.Manual
	cpus []*cpu.CPU
}

func newFixture(t *testing.T, ncpu int, opts ...sched.Option) *fixture {
	t.Helper()
	clk := clock.NewManual(0)
	var cpus []*cpu.CPU
	for i := 0; i < ncpu; i++ {
		cpus = append(cpus, cpu.New(i))
	}
	base := []sched.Option{
		sched.WithPolicies(edf.New(), posix.New()),
		sched.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	s, err := sched.New(clk, cpus, append(base, opts...)...)
	if err != nil {
		t.Fatalf("sched.New: %v", err)
	}
	s.Start()
	t.Cleanup(s.Shutdown)
	return &fixture{s: s, clk: clk, cpus: cpus}
}

func (f *fixture) create(t *testing.T, entry sched.Entry, arg any, attr thread.Attr) thread.ID {
	t.Helper()
	id, err := f.s.Create(entry, arg, attr)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return id
}

func (f *fixture) join(t *testing.T, id thread.ID) any {
	t.Helper()
	done := make(chan struct{})
	var status any
	var err error
	go func() {
		defer close(done)
		status, err = f.s.Join(nil, id)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Join(%d) timed out", id)
	}
	if err != nil {
		t.Fatalf("Join(%d): %v", id, err)
	}
	return status
}

// joinAll joins ids in order on a separate goroutine and closes the returned
// channel when done.
func (f *fixture) joinAll(t *testing.T, ids ...thread.ID) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, id := range ids {
			if _, err := f.s.Join(nil, id); err != nil {
				t.Errorf("Join(%d): %v", id, err)
			}
		}
	}()
	return done
}

// tickUntil advances the clock one tick at a time until done is closed.
func (f *fixture) tickUntil(t *testing.T, done <-chan struct{}, step time.Duration) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-done:
			return
		case <-deadline:
			t.Fatalf("timed out driving ticks at %v", f.clk.Now())
		default:
		}
		f.clk.Advance(step)
		f.s.Tick()
		time.Sleep(time.Millisecond)
	}
}

func (f *fixture) state(t *testing.T, id thread.ID) sched.Stats {
	t.Helper()
	st, err := f.s.Stats(id)
	if err != nil {
		t.Fatalf("Stats(%d): %v", id, err)
	}
	return st
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func rr(prio int) thread.Attr {
	return thread.Attr{Policy: thread.PolicyRR, Params: thread.Params{Priority: prio}}
}

func TestCreateJoin(t *testing.T) {
	f := newFixture(t, 1)
	id := f.create(t, func(self *thread.Thread, arg any) any {
		return arg.(int) * 2
	}, 21, rr(0))

	if got := f.join(t, id); got != 42 {
		t.Fatalf("exit status = %v, want 42", got)
	}
	if f.s.Threads() != 0 {
		t.Fatalf("Threads = %d after join", f.s.Threads())
	}
	if _, err := f.s.Join(nil, id); !errors.Is(err, kerr.ErrNotFound) {
		t.Fatalf("second Join err = %v, want NotFound", err)
	}
}

func TestCreateRejectsBadAttributes(t *testing.T) {
	f := newFixture(t, 1)
	nop := func(*thread.Thread, any) any { return nil }

	if _, err := f.s.Create(nop, nil, rr(150)); !errors.Is(err, kerr.ErrInvalidArgument) {
		t.Fatalf("out of band priority err = %v", err)
	}
	if _, err := f.s.Create(nop, nil, thread.Attr{Policy: thread.PolicyIdle}); !errors.Is(err, kerr.ErrInvalidArgument) {
		t.Fatalf("unscheduled policy err = %v", err)
	}
	if _, err := f.s.Create(nil, nil, rr(0)); !errors.Is(err, kerr.ErrInvalidArgument) {
		t.Fatalf("nil entry err = %v", err)
	}
}

func TestTableFull(t *testing.T) {
	f := newFixture(t, 1, sched.WithMaxThreads(2))
	release := make(chan struct{})
	wait := func(*thread.Thread, any) any { <-release; return nil }
	a := f.create(t, wait, nil, rr(0))
	b := f.create(t, wait, nil, rr(0))

	if _, err := f.s.Create(wait, nil, rr(0)); !errors.Is(err, kerr.ErrOutOfResources) {
		t.Fatalf("Create on full table err = %v", err)
	}
	close(release)
	f.join(t, a)
	f.join(t, b)
}

func TestDetachedThreadIsReclaimed(t *testing.T) {
	f := newFixture(t, 1)
	attr := rr(0)
	attr.Detached = true
	id := f.create(t, func(*thread.Thread, any) any { return nil }, nil, attr)

	waitFor(t, "detached thread reclaimed", func() bool { return f.s.Threads() == 0 })
	if _, err := f.s.Join(nil, id); err == nil {
		t.Fatalf("Join of a reclaimed detached thread succeeded")
	}
}

func TestJoinDetachedFails(t *testing.T) {
	f := newFixture(t, 1)
	release := make(chan struct{})
	id := f.create(t, func(*thread.Thread, any) any { <-release; return nil }, nil, rr(0))
	if err := f.s.Detach(id); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if _, err := f.s.Join(nil, id); !errors.Is(err, kerr.ErrInvalidArgument) {
		t.Fatalf("Join of detached thread err = %v", err)
	}
	if err := f.s.Detach(id); !errors.Is(err, kerr.ErrInvalidArgument) {
		t.Fatalf("second Detach err = %v", err)
	}
	close(release)
	waitFor(t, "detached thread reclaimed", func() bool { return f.s.Threads() == 0 })
}

func TestThreadJoinsThread(t *testing.T) {
	f := newFixture(t, 1)
	release := make(chan struct{})
	child := f.create(t, func(*thread.Thread, any) any { <-release; return "child" }, nil, rr(0))
	parent := f.create(t, func(self *thread.Thread, arg any) any {
		status, err := f.s.Join(self, arg.(thread.ID))
		if err != nil {
			return err
		}
		return status
	}, child, rr(0))

	close(release)
	if got := f.join(t, parent); got != "child" {
		t.Fatalf("parent saw %v, want child", got)
	}
}

func TestOneThreadPerCPU(t *testing.T) {
	f := newFixture(t, 1)
	var inside, overlaps atomic.Int32
	body := func(self *thread.Thread, arg any) any {
		for i := 0; i < 50; i++ {
			if inside.Add(1) != 1 {
				overlaps.Add(1)
			}
			runtime.Gosched()
			inside.Add(-1)
			f.s.Yield(self)
		}
		return nil
	}

	var ids []thread.ID
	for i := 0; i < 3; i++ {
		ids = append(ids, f.create(t, body, nil, rr(5)))
	}
	for _, id := range ids {
		f.join(t, id)
	}
	if n := overlaps.Load(); n != 0 {
		t.Fatalf("%d overlapping executions on one CPU", n)
	}
}

func TestSMPRunsAtMostOnePerCPU(t *testing.T) {
	f := newFixture(t, 2)
	var running, peak atomic.Int32
	body := func(self *thread.Thread, arg any) any {
		for i := 0; i < 20; i++ {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			runtime.Gosched()
			running.Add(-1)
			f.s.Yield(self)
		}
		return nil
	}

	var ids []thread.ID
	for i := 0; i < 4; i++ {
		ids = append(ids, f.create(t, body, nil, rr(1)))
	}
	for _, id := range ids {
		f.join(t, id)
	}
	if p := peak.Load(); p > 2 {
		t.Fatalf("%d threads ran at once on 2 CPUs", p)
	}
}

func TestBlockWakeup(t *testing.T) {
	f := newFixture(t, 1)
	id := f.create(t, func(self *thread.Thread, arg any) any {
		if !f.s.Block(self) {
			return "canceled"
		}
		return "woken"
	}, nil, rr(0))

	waitFor(t, "thread blocked", func() bool { return f.state(t, id).State == thread.Blocked })
	th, err := f.s.Lookup(id)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	f.s.Wakeup(th)
	if got := f.join(t, id); got != "woken" {
		t.Fatalf("status = %v", got)
	}
}

func TestWakeupBeforeBlockIsKept(t *testing.T) {
	f := newFixture(t, 1)
	id := f.create(t, func(self *thread.Thread, arg any) any {
		f.s.Wakeup(self)
		f.s.Block(self)
		return "ok"
	}, nil, rr(0))
	if got := f.join(t, id); got != "ok" {
		t.Fatalf("status = %v", got)
	}
}

func TestSleepWakesOnTick(t *testing.T) {
	f := newFixture(t, 1)
	id := f.create(t, func(self *thread.Thread, arg any) any {
		f.s.Sleep(self, 30*time.Millisecond)
		return f.s.Clock().Now()
	}, nil, rr(0))

	waitFor(t, "sleeper blocked", func() bool { return f.state(t, id).State == thread.Blocked })
	for i := 0; i < 2; i++ {
		f.clk.Advance(10 * time.Millisecond)
		f.s.Tick()
	}
	time.Sleep(5 * time.Millisecond)
	if st := f.state(t, id).State; st != thread.Blocked {
		t.Fatalf("sleeper state = %v at 20ms", st)
	}

	f.clk.Advance(10 * time.Millisecond)
	f.s.Tick()
	if woke := f.join(t, id).(time.Duration); woke < 30*time.Millisecond {
		t.Fatalf("woke at %v, want >= 30ms", woke)
	}
}

func TestCancelAtCancellationPoint(t *testing.T) {
	f := newFixture(t, 1)
	started := make(chan struct{})
	id := f.create(t, func(self *thread.Thread, arg any) any {
		close(started)
		for {
			f.s.Testcancel(self)
			f.s.Yield(self)
		}
	}, nil, rr(0))

	<-started
	if err := f.s.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got := f.join(t, id); got != sched.ErrCanceled {
		t.Fatalf("status = %v, want ErrCanceled", got)
	}
}

func TestCancelWakesSleeper(t *testing.T) {
	f := newFixture(t, 1)
	id := f.create(t, func(self *thread.Thread, arg any) any {
		f.s.Sleep(self, time.Hour)
		return "slept"
	}, nil, rr(0))

	waitFor(t, "sleeper blocked", func() bool { return f.state(t, id).State == thread.Blocked })
	if err := f.s.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got := f.join(t, id); got != sched.ErrCanceled {
		t.Fatalf("status = %v, want ErrCanceled", got)
	}
}

func TestCancelDisabledIsIgnored(t *testing.T) {
	f := newFixture(t, 1)
	proceed := make(chan struct{})
	id := f.create(t, func(self *thread.Thread, arg any) any {
		f.s.SetCancelState(self, false)
		<-proceed
		f.s.Testcancel(self)
		return "finished"
	}, nil, rr(0))

	if err := f.s.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	close(proceed)
	if got := f.join(t, id); got != "finished" {
		t.Fatalf("status = %v, want finished", got)
	}
}

func TestAsyncCancelAtCheckpoint(t *testing.T) {
	f := newFixture(t, 1)
	started := make(chan struct{})
	id := f.create(t, func(self *thread.Thread, arg any) any {
		f.s.SetCancelType(self, thread.CancelAsync)
		close(started)
		for {
			f.s.Checkpoint(self)
		}
	}, nil, rr(0))

	<-started
	if err := f.s.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got := f.join(t, id); got != sched.ErrCanceled {
		t.Fatalf("status = %v, want ErrCanceled", got)
	}
}

func TestDeferredCancelRunsThroughCheckpoint(t *testing.T) {
	f := newFixture(t, 1)
	started := make(chan struct{})
	canceled := make(chan struct{})
	var passed atomic.Int32
	id := f.create(t, func(self *thread.Thread, arg any) any {
		close(started)
		<-canceled
		for i := 0; i < 5; i++ {
			f.s.Checkpoint(self)
			f.s.Yield(self)
			passed.Add(1)
		}
		f.s.Testcancel(self)
		return "not canceled"
	}, nil, rr(0))

	<-started
	if err := f.s.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	close(canceled)
	if got := f.join(t, id); got != sched.ErrCanceled {
		t.Fatalf("status = %v, want ErrCanceled", got)
	}
	if n := passed.Load(); n != 5 {
		t.Fatalf("thread passed %d checkpoints before Testcancel, want 5", n)
	}
}

func TestAsyncCancelAtSchedulerEntry(t *testing.T) {
	entries := []struct {
		name string
		call func(s *sched.Scheduler, self *thread.Thread)
	}{
		{"Yield", func(s *sched.Scheduler, self *thread.Thread) { s.Yield(self) }},
		{"YieldPeriod", func(s *sched.Scheduler, self *thread.Thread) { s.YieldPeriod(self) }},
		{"Block", func(s *sched.Scheduler, self *thread.Thread) { s.Block(self) }},
	}
	for _, e := range entries {
		t.Run(e.name, func(t *testing.T) {
			f := newFixture(t, 1)
			started := make(chan struct{})
			canceled := make(chan struct{})
			id := f.create(t, func(self *thread.Thread, arg any) any {
				f.s.SetCancelType(self, thread.CancelAsync)
				close(started)
				<-canceled
				e.call(f.s, self)
				return "survived"
			}, nil, rr(0))

			<-started
			if err := f.s.Cancel(id); err != nil {
				t.Fatalf("Cancel: %v", err)
			}
			close(canceled)
			if got := f.join(t, id); got != sched.ErrCanceled {
				t.Fatalf("status = %v, want ErrCanceled", got)
			}
		})
	}
}

func TestBlockReportsCancel(t *testing.T) {
	f := newFixture(t, 1)
	id := f.create(t, func(self *thread.Thread, arg any) any {
		return f.s.Block(self)
	}, nil, rr(0))

	waitFor(t, "thread blocked", func() bool { return f.state(t, id).State == thread.Blocked })
	if err := f.s.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if woken := f.join(t, id); woken != false {
		t.Fatalf("Block = %v after Cancel, want false", woken)
	}
}

func TestBlockAfterCancelDoesNotSleep(t *testing.T) {
	f := newFixture(t, 1)
	started := make(chan struct{})
	canceled := make(chan struct{})
	id := f.create(t, func(self *thread.Thread, arg any) any {
		close(started)
		<-canceled
		if f.s.Block(self) {
			return "woken"
		}
		f.s.Testcancel(self)
		return "not canceled"
	}, nil, rr(0))

	<-started
	if err := f.s.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	close(canceled)
	if got := f.join(t, id); got != sched.ErrCanceled {
		t.Fatalf("status = %v, want ErrCanceled", got)
	}
}

func TestPauseLetsPeerRun(t *testing.T) {
	f := newFixture(t, 1)
	var bRan atomic.Bool
	a := f.create(t, func(self *thread.Thread, arg any) any {
		n := 0
		for !bRan.Load() {
			f.s.Pause(self)
			n++
		}
		return n
	}, nil, rr(5))
	b := f.create(t, func(self *thread.Thread, arg any) any {
		bRan.Store(true)
		return nil
	}, nil, rr(5))

	f.join(t, b)
	if n := f.join(t, a).(int); n == 0 {
		t.Fatalf("peer ran without the pausing thread giving up the CPU")
	}
}

func TestPauseKeepsEDFDeadline(t *testing.T) {
	f := newFixture(t, 1)
	id := f.create(t, func(self *thread.Thread, arg any) any {
		before, _ := f.s.Stats(self.ID())
		f.s.Pause(self)
		after, _ := f.s.Stats(self.ID())
		return after.Deadline - before.Deadline
	}, nil, thread.Attr{
		Policy: thread.PolicyEDF,
		Params: thread.Params{Priority: thread.RealtimePriority, Period: 10 * time.Millisecond},
	})

	if moved := f.join(t, id).(time.Duration); moved != 0 {
		t.Fatalf("Pause moved the deadline by %v", moved)
	}
}

func TestExitStatus(t *testing.T) {
	f := newFixture(t, 1)
	id := f.create(t, func(self *thread.Thread, arg any) any {
		f.s.Exit(self, "early")
		return "late"
	}, nil, rr(0))
	if got := f.join(t, id); got != "early" {
		t.Fatalf("status = %v, want early", got)
	}
}

func TestTimeslicePreemption(t *testing.T) {
	f := newFixture(t, 1, sched.WithQuantum(1))
	var bRan atomic.Bool
	a := f.create(t, func(self *thread.Thread, arg any) any {
		for !bRan.Load() {
			f.s.Checkpoint(self)
		}
		return nil
	}, nil, rr(5))
	b := f.create(t, func(self *thread.Thread, arg any) any {
		bRan.Store(true)
		return nil
	}, nil, rr(5))

	f.tickUntil(t, f.joinAll(t, a, b), 10*time.Millisecond)
}

func TestEDFThreadPreemptsPOSIX(t *testing.T) {
	f := newFixture(t, 1)
	var rtRan atomic.Bool
	var sawRealtime atomic.Bool

	spinner := f.create(t, func(self *thread.Thread, arg any) any {
		for !rtRan.Load() {
			f.s.Checkpoint(self)
		}
		return nil
	}, nil, rr(10))

	rt := f.create(t, func(self *thread.Thread, arg any) any {
		sawRealtime.Store(f.cpus[self.CPU].Realtime())
		rtRan.Store(true)
		return nil
	}, nil, thread.Attr{
		Policy: thread.PolicyEDF,
		Params: thread.Params{Start: 50 * time.Millisecond, Period: 50 * time.Millisecond},
	})

	f.tickUntil(t, f.joinAll(t, rt, spinner), 10*time.Millisecond)

	if !sawRealtime.Load() {
		t.Fatalf("CPU not in realtime mode while the EDF thread ran")
	}
	if f.cpus[0].Realtime() {
		t.Fatalf("CPU still in realtime mode after the EDF thread exited")
	}
}

func TestEDFPeriodicYield(t *testing.T) {
	f := newFixture(t, 1)
	var runs []time.Duration
	id := f.create(t, func(self *thread.Thread, arg any) any {
		for i := 0; i < 3; i++ {
			runs = append(runs, f.s.Clock().Now())
			f.s.YieldPeriod(self)
		}
		return nil
	}, nil, thread.Attr{
		Policy: thread.PolicyEDF,
		Params: thread.Params{Deadline: 20 * time.Millisecond, Period: 20 * time.Millisecond},
	})

	f.tickUntil(t, f.joinAll(t, id), 5*time.Millisecond)

	if len(runs) != 3 {
		t.Fatalf("ran %d times, want 3", len(runs))
	}
	for i, at := range runs {
		if release := time.Duration(i+1) * 20 * time.Millisecond; at < release {
			t.Fatalf("run %d at %v, before its release at %v", i, at, release)
		}
	}
}

func TestPriorityInheritanceMutex(t *testing.T) {
	f := newFixture(t, 1)
	m := f.s.NewMutex()
	locked := make(chan struct{})

	low := f.create(t, func(self *thread.Thread, arg any) any {
		m.Lock(self)
		close(locked)
		f.s.Block(self)
		m.Unlock(self)
		return self.Priority
	}, nil, rr(10))

	<-locked
	waitFor(t, "owner blocked", func() bool { return f.state(t, low).State == thread.Blocked })

	high := f.create(t, func(self *thread.Thread, arg any) any {
		m.Lock(self)
		owner := m.Owner()
		m.Unlock(self)
		return owner
	}, nil, rr(20))

	waitFor(t, "owner boosted", func() bool { return f.state(t, low).Priority == 20 })
	if m.Owner() != low {
		t.Fatalf("Owner = %d, want %d", m.Owner(), low)
	}

	th, err := f.s.Lookup(low)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	f.s.Wakeup(th)

	if got := f.join(t, low); got != 10 {
		t.Fatalf("owner priority after unlock = %v, want 10", got)
	}
	if got := f.join(t, high); got != high {
		t.Fatalf("waiter saw owner %v, want itself", got)
	}
	if m.Owner() != thread.InvalidID {
		t.Fatalf("mutex still owned")
	}
}

func TestMutexHandOffToRunnableWaiterLeavesNoWakeup(t *testing.T) {
	f := newFixture(t, 1)
	m := f.s.NewMutex()
	locked := make(chan struct{})
	release := make(chan struct{})

	owner := f.create(t, func(self *thread.Thread, arg any) any {
		m.Lock(self)
		close(locked)
		f.s.Block(self)
		<-release
		m.Unlock(self)
		return nil
	}, nil, rr(10))

	<-locked
	waitFor(t, "owner blocked", func() bool { return f.state(t, owner).State == thread.Blocked })

	var sent atomic.Bool
	waiter := f.create(t, func(self *thread.Thread, arg any) any {
		m.Lock(self)
		m.Unlock(self)
		f.s.Block(self)
		if !sent.Load() {
			return "stale wakeup"
		}
		return "woken"
	}, nil, rr(5))
	waitFor(t, "waiter queued on the mutex", func() bool { return f.state(t, waiter).State == thread.Blocked })

	ot, _ := f.s.Lookup(owner)
	f.s.Wakeup(ot)
	waitFor(t, "owner running", func() bool { return f.state(t, owner).State == thread.Running })

	// The waiter becomes runnable while the owner still holds the CPU.
	wt, _ := f.s.Lookup(waiter)
	f.s.Wakeup(wt)
	if st := f.state(t, waiter).State; st != thread.Runnable {
		t.Fatalf("waiter state = %v, want runnable", st)
	}
	close(release)

	waitFor(t, "waiter parked after unlock", func() bool {
		st := f.state(t, waiter).State
		return m.Owner() == thread.InvalidID && (st == thread.Blocked || st == thread.Zombie)
	})
	sent.Store(true)
	f.s.Wakeup(wt)
	if got := f.join(t, waiter); got != "woken" {
		t.Fatalf("waiter status = %v", got)
	}
	f.join(t, owner)
}

func TestSetPolicy(t *testing.T) {
	f := newFixture(t, 1)
	id := f.create(t, func(self *thread.Thread, arg any) any {
		f.s.Block(self)
		return self.Policy
	}, nil, rr(3))

	waitFor(t, "thread blocked", func() bool { return f.state(t, id).State == thread.Blocked })
	if err := f.s.SetPolicy(id, thread.PolicyEDF, thread.Params{Period: 10 * time.Millisecond}); err != nil {
		t.Fatalf("SetPolicy: %v", err)
	}
	st := f.state(t, id)
	if st.Policy != thread.PolicyEDF || st.Priority != thread.RealtimePriority {
		t.Fatalf("after SetPolicy policy=%v priority=%d", st.Policy, st.Priority)
	}

	th, _ := f.s.Lookup(id)
	f.s.Wakeup(th)
	if got := f.join(t, id); got != thread.PolicyEDF {
		t.Fatalf("thread ran under %v", got)
	}
}

func TestSetParams(t *testing.T) {
	f := newFixture(t, 1)
	id := f.create(t, func(self *thread.Thread, arg any) any {
		f.s.Block(self)
		return nil
	}, nil, rr(3))

	waitFor(t, "thread blocked", func() bool { return f.state(t, id).State == thread.Blocked })
	if err := f.s.SetParams(id, thread.Params{Priority: 7}); err != nil {
		t.Fatalf("SetParams: %v", err)
	}
	if p := f.state(t, id).Priority; p != 7 {
		t.Fatalf("Priority = %d, want 7", p)
	}
	if err := f.s.SetParams(id, thread.Params{Priority: 100}); !errors.Is(err, kerr.ErrInvalidArgument) {
		t.Fatalf("SetParams out of band err = %v", err)
	}

	th, _ := f.s.Lookup(id)
	f.s.Wakeup(th)
	f.join(t, id)
}

func TestCPUInheritanceAccounting(t *testing.T) {
	f := newFixture(t, 1, sched.WithHZ(1000))
	parent := f.create(t, func(self *thread.Thread, arg any) any {
		f.s.Block(self)
		return nil
	}, nil, rr(0))
	h, err := f.s.RegisterScheduler(parent)
	if err != nil {
		t.Fatalf("RegisterScheduler: %v", err)
	}

	var stop atomic.Bool
	attr := rr(1)
	attr.Scheduler = h
	child := f.create(t, func(self *thread.Thread, arg any) any {
		for !stop.Load() {
			f.s.Checkpoint(self)
		}
		return nil
	}, nil, attr)

	waitFor(t, "child running", func() bool {
		cur, ok := f.s.Current(0)
		return ok && cur == child
	})
	for i := 0; i < 5; i++ {
		f.clk.Advance(time.Millisecond)
		f.s.Tick()
	}

	cs := f.state(t, child)
	ps := f.state(t, parent)
	if cs.Lifetime == 0 {
		t.Fatalf("child was not charged")
	}
	if ps.ChildTicks != cs.Lifetime {
		t.Fatalf("parent child ticks = %d, child lifetime = %d", ps.ChildTicks, cs.Lifetime)
	}
	if cs.Scheduler != parent {
		t.Fatalf("child scheduler = %d, want %d", cs.Scheduler, parent)
	}

	stop.Store(true)
	f.join(t, child)
	th, _ := f.s.Lookup(parent)
	f.s.Wakeup(th)
	f.join(t, parent)
}

func TestBlockWithInterruptsDisabledIsFatal(t *testing.T) {
	f := newFixture(t, 1)
	id := f.create(t, func(self *thread.Thread, arg any) any {
		g := f.cpus[self.CPU].Disable()
		var rec any
		func() {
			defer func() { rec = recover() }()
			f.s.Block(self)
		}()
		g.Restore()
		return rec
	}, nil, rr(0))

	if _, ok := f.join(t, id).(*kerr.InvariantError); !ok {
		t.Fatalf("blocking with interrupts disabled did not raise an invariant violation")
	}
}

func TestSwitchesAreRecorded(t *testing.T) {
	var buf bytes.Buffer
	w, err := timeslice.Open(&buf)
	if err != nil {
		t.Fatalf("timeslice.Open: %v", err)
	}

	f := newFixture(t, 1)
	body := func(self *thread.Thread, arg any) any {
		for i := 0; i < 3; i++ {
			f.clk.Advance(time.Millisecond)
			f.s.Yield(self)
		}
		return nil
	}
	a := f.create(t, body, nil, rr(0))
	b := f.create(t, body, nil, rr(0))
	f.join(t, a)
	f.join(t, b)

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	perThread := map[int]int{}
	if err := timeslice.ReadAllRecords(&buf, func(s timeslice.Slice) error {
		if s.Kind == "run" {
			perThread[s.Thread]++
		}
		return nil
	}); err != nil {
		t.Fatalf("ReadAllRecords: %v", err)
	}
	if perThread[int(a)] == 0 || perThread[int(b)] == 0 {
		t.Fatalf("missing run slices: %v", perThread)
	}
}
