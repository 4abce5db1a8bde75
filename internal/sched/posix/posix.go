// Package posix is the fixed-priority scheduling class for non-realtime
// threads: one FIFO queue per priority, with round-robin rotation for RR
// threads.
package posix

import (
	"github.com/OSPreservProject/oskit-sub005/internal/kerr"
	"github.com/OSPreservProject/oskit-sub005/internal/sched"
	"github.com/OSPreservProject/oskit-sub005/internal/thread"
)

const levels = thread.MaxPriority - thread.MinPriority + 1

type Policy struct {
	env    sched.Env
	queues [levels][]*thread.Thread
	count  int
}

func New() *Policy { return &Policy{} }

func (p *Policy) Name() string { return "posix" }

func (p *Policy) Init(env sched.Env) {
	p.env = env
	for i := range p.queues {
		p.queues[i] = nil
	}
	p.count = 0
}

func (p *Policy) Schedules(tag thread.Policy) bool {
	return tag == thread.PolicyRR || tag == thread.PolicyFIFO
}

func level(t *thread.Thread) int {
	switch {
	case t.Priority < thread.MinPriority:
		return 0
	case t.Priority > thread.MaxPriority:
		return levels - 1
	default:
		return t.Priority - thread.MinPriority
	}
}

func (p *Policy) pushBack(t *thread.Thread) {
	if t.Queued {
		kerr.Fatal("thread queued twice", "thread", int(t.ID()))
	}
	l := level(t)
	p.queues[l] = append(p.queues[l], t)
	t.Queued = true
	p.count++
}

func (p *Policy) pushFront(t *thread.Thread) {
	if t.Queued {
		kerr.Fatal("thread queued twice", "thread", int(t.ID()))
	}
	l := level(t)
	p.queues[l] = append([]*thread.Thread{t}, p.queues[l]...)
	t.Queued = true
	p.count++
}

func (p *Policy) remove(t *thread.Thread) bool {
	if !t.Queued {
		return false
	}
	q := p.queues[level(t)]
	for i, x := range q {
		if x == t {
			p.queues[level(t)] = append(q[:i], q[i+1:]...)
			t.Queued = false
			p.count--
			return true
		}
	}
	kerr.Fatal("queued thread missing from its priority queue", "thread", int(t.ID()))
	return false
}

// preempts reports whether t outranks a thread currently running.
func (p *Policy) preempts(t *thread.Thread) bool {
	for _, r := range p.env.Running() {
		if !r.Realtime() && r.Priority < t.Priority {
			return true
		}
	}
	return false
}

func (p *Policy) SetRunnable(t *thread.Thread) bool {
	p.pushBack(t)
	return p.preempts(t)
}

// Dispatch requeues t. A preempted thread keeps its place at the head of its
// priority. FIFO threads are not timesliced.
func (p *Policy) Dispatch(reason sched.Reason, t *thread.Thread) bool {
	switch reason {
	case sched.Preempted:
		p.pushFront(t)
	case sched.Timeslice:
		if t.Policy == thread.PolicyFIFO {
			p.pushFront(t)
		} else {
			p.pushBack(t)
		}
	case sched.YieldPeriod, sched.Idle:
		p.pushBack(t)
	}
	return false
}

func (p *Policy) ThreadNext() *thread.Thread {
	if p.count == 0 {
		return nil
	}
	for l := levels - 1; l >= 0; l-- {
		if q := p.queues[l]; len(q) > 0 {
			t := q[0]
			p.queues[l] = q[1:]
			t.Queued = false
			p.count--
			return t
		}
	}
	return nil
}

func (p *Policy) ChangeState(t *thread.Thread, params thread.Params) bool {
	queued := p.remove(t)
	t.Params = params
	if !queued {
		return false
	}
	p.pushBack(t)
	return p.preempts(t)
}

func (p *Policy) Disassociate(t *thread.Thread) {
	p.remove(t)
}

// PriorityBump moves t to prio, clamped to the POSIX band. A queued thread
// goes to the tail of its new priority.
func (p *Policy) PriorityBump(t *thread.Thread, prio int) {
	prio = max(thread.MinPriority, min(prio, thread.MaxPriority))
	queued := p.remove(t)
	t.Priority = prio
	if queued {
		p.pushBack(t)
	}
}

func (p *Policy) Len() int { return p.count }

var _ sched.Policy = (*Policy)(nil)
