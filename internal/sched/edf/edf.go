// Package edf is the Earliest-Deadline-First scheduling class. A queued
// thread becomes eligible once its absolute deadline has arrived, and among
// eligible threads the earliest deadline runs first.
package edf

import (
	"log/slog"
	"sort"
	"time"

	catrate "github.com/joeycumines/go-catrate"

	"github.com/OSPreservProject/oskit-sub005/internal/kerr"
	"github.com/OSPreservProject/oskit-sub005/internal/sched"
	"github.com/OSPreservProject/oskit-sub005/internal/thread"
)

const DefaultSlack = 10 * time.Millisecond

// DefaultMissRates bounds missed-deadline warnings per thread. The windows
// are measured in host wall time, while misses are detected on the
// scheduler clock: under a stepped clock the caps do not line up with
// simulated seconds.
var DefaultMissRates = map[time.Duration]int{
	time.Second: 1,
	time.Minute: 10,
}

type Option func(*Policy)

// WithSlack sets how late a thread may be dequeued before it counts as a
// missed deadline.
func WithSlack(d time.Duration) Option {
	return func(p *Policy) {
		if d >= 0 {
			p.slack = d
		}
	}
}

// WithMissRates replaces the per-thread warning rate limits. An empty or
// malformed set is ignored and the current limits stay in place.
func WithMissRates(rates map[time.Duration]int) Option {
	return func(p *Policy) {
		if validRates(rates) {
			p.rates = rates
		}
	}
}

// validRates reports whether catrate accepts rates: every window and count
// positive, longer windows allowing more events at a strictly lower rate.
func validRates(rates map[time.Duration]int) bool {
	if len(rates) == 0 {
		return false
	}
	windows := make([]time.Duration, 0, len(rates))
	for d := range rates {
		windows = append(windows, d)
	}
	sort.Slice(windows, func(i, j int) bool { return windows[i] < windows[j] })
	for i, d := range windows {
		n := rates[d]
		if d <= 0 || n <= 0 {
			return false
		}
		if i == 0 {
			continue
		}
		prev := windows[i-1]
		if rates[prev] >= n || float64(n)/float64(d) >= float64(rates[prev])/float64(prev) {
			return false
		}
	}
	return true
}

// Policy keeps one run queue ordered by deadline. Threads with equal
// deadlines keep their insertion order.
type Policy struct {
	env     sched.Env
	log     *slog.Logger
	queue   []*thread.Thread
	slack   time.Duration
	rates   map[time.Duration]int
	limiter *catrate.Limiter
}

func New(opts ...Option) *Policy {
	p := &Policy{
		slack: DefaultSlack,
		rates: DefaultMissRates,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Policy) Name() string { return "edf" }

func (p *Policy) Init(env sched.Env) {
	p.env = env
	p.log = env.Logger()
	p.queue = p.queue[:0]
	p.limiter = catrate.NewLimiter(p.rates)
}

func (p *Policy) Schedules(tag thread.Policy) bool {
	return tag == thread.PolicyEDF
}

func (p *Policy) insert(t *thread.Thread) {
	if t.Queued {
		kerr.Fatal("thread queued twice", "thread", int(t.ID()))
	}
	i := sort.Search(len(p.queue), func(i int) bool {
		return p.queue[i].Deadline > t.Deadline
	})
	p.queue = append(p.queue, nil)
	copy(p.queue[i+1:], p.queue[i:])
	p.queue[i] = t
	t.Queued = true
}

func (p *Policy) remove(t *thread.Thread) bool {
	if !t.Queued {
		return false
	}
	for i, x := range p.queue {
		if x == t {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			t.Queued = false
			return true
		}
	}
	kerr.Fatal("queued thread missing from the EDF queue", "thread", int(t.ID()))
	return false
}

// preempts reports whether a due thread should displace a running one: only
// CPUs running a non-realtime thread or idling can be taken.
func (p *Policy) preempts(t *thread.Thread) bool {
	if p.env.Now() < t.Deadline {
		return false
	}
	for _, r := range p.env.Running() {
		if !r.Realtime() {
			return true
		}
	}
	return false
}

// SetRunnable queues t. A thread that never ran is released at its start
// time unless it was given an explicit deadline.
func (p *Policy) SetRunnable(t *thread.Thread) bool {
	if t.Deadline == 0 {
		t.Deadline = t.Start
	}
	p.insert(t)
	return p.preempts(t)
}

func (p *Policy) Dispatch(reason sched.Reason, t *thread.Thread) bool {
	switch reason {
	case sched.YieldPeriod:
		if t.Period == 0 {
			// aperiodic: stays off the queue until woken or re-armed
			return false
		}
		t.Deadline += t.Period
		p.insert(t)
		return false
	case sched.Timeslice, sched.Preempted:
		return true
	case sched.Idle:
		p.insert(t)
		return false
	default:
		return false
	}
}

func (p *Policy) ThreadNext() *thread.Thread {
	if len(p.queue) == 0 {
		return nil
	}
	t := p.queue[0]
	now := p.env.Now()
	if now < t.Deadline {
		return nil
	}
	p.queue = p.queue[1:]
	t.Queued = false

	if over := now - t.Deadline; over > p.slack {
		t.Misses++
		if _, ok := p.limiter.Allow(t.ID()); ok {
			p.log.Warn("edf: missed deadline", "thread", t.ID(), "overrun", over, "misses", t.Misses)
		}
	}
	return t
}

func (p *Policy) ChangeState(t *thread.Thread, params thread.Params) bool {
	queued := p.remove(t)
	t.Params = params
	if !queued {
		return false
	}
	p.insert(t)
	return p.preempts(t)
}

func (p *Policy) Disassociate(t *thread.Thread) {
	p.remove(t)
}

func (p *Policy) PriorityBump(t *thread.Thread, level int) {
	kerr.Fatal("priority bump on an EDF thread", "thread", int(t.ID()))
}

// Len returns the number of queued threads.
func (p *Policy) Len() int { return len(p.queue) }

var _ sched.Policy = (*Policy)(nil)
