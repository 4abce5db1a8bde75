// Package thread holds the thread control block, its attributes and the
// registry mapping small integer ids to live threads.
package thread

import (
	"fmt"
	"time"
)

// ID identifies a thread while it is alive. Zero is never allocated.
type ID int

const InvalidID ID = 0

type State int

const (
	Runnable State = iota
	Running
	Blocked
	Zombie
)

func (s State) String() string {
	switch s {
	case Runnable:
		return "runnable"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Zombie:
		return "zombie"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Policy tags the scheduling class a thread belongs to.
type Policy int

const (
	PolicyRR Policy = iota
	PolicyFIFO
	PolicyEDF
	// PolicyIdle marks the per-CPU idle threads. No policy module owns it.
	PolicyIdle
)

func (p Policy) String() string {
	switch p {
	case PolicyRR:
		return "rr"
	case PolicyFIFO:
		return "fifo"
	case PolicyEDF:
		return "edf"
	case PolicyIdle:
		return "idle"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy maps a policy name back to its tag.
func ParsePolicy(name string) (Policy, error) {
	switch name {
	case "rr", "":
		return PolicyRR, nil
	case "fifo":
		return PolicyFIFO, nil
	case "edf":
		return PolicyEDF, nil
	default:
		return 0, fmt.Errorf("thread: unknown policy %q", name)
	}
}

// Priority bands. Realtime threads sit strictly above every POSIX priority.
const (
	IdlePriority     = -1
	MinPriority      = 0
	MaxPriority      = 99
	RealtimePriority = 100
)

// Params are the policy parameters of a thread.
type Params struct {
	Priority int
	Start    time.Duration
	Deadline time.Duration
	Period   time.Duration
}

// SchedulerHandle names a thread installed as a scheduler in the CPU
// inheritance tree. The zero value means no scheduler.
type SchedulerHandle struct {
	id  ID
	gen uint64
}

func (h SchedulerHandle) Valid() bool { return h.id != InvalidID }
func (h SchedulerHandle) ID() ID      { return h.id }

// Attr are the creation attributes of a thread.
type Attr struct {
	Name      string
	StackSize int
	StackAddr uintptr
	Detached  bool
	Policy    Policy
	Params
	Scheduler SchedulerHandle
}

const DefaultStackSize = 64 << 10

func DefaultAttr() Attr {
	return Attr{StackSize: DefaultStackSize, Policy: PolicyRR}
}

// CancelType selects when a pending cancellation takes effect.
type CancelType int

const (
	// CancelDeferred acts only at cancellation points.
	CancelDeferred CancelType = iota
	// CancelAsync also acts whenever the thread enters the scheduler.
	CancelAsync
)

// Thread is a thread control block. Fields below the identity are guarded by
// the scheduler lock.
type Thread struct {
	id   ID
	gen  uint64
	Name string

	StackSize int
	StackAddr uintptr

	Policy Policy
	Params
	// BasePriority is the priority before any inheritance bump.
	BasePriority int

	State State
	// Queued is set while the thread sits on a policy run queue.
	Queued bool
	// CPU is the processor the thread last ran on.
	CPU int

	Detached bool
	Joined   bool
	Joiner   *Thread

	// Scheduler is the non-owning link to the thread this one inherits CPU
	// time from.
	Scheduler   SchedulerHandle
	IsScheduler bool

	// WakeAt is the wake time of a sleeping thread.
	WakeAt   time.Duration
	Sleeping bool
	// WakePending records a wakeup delivered before the thread blocked.
	WakePending bool

	CancelRequested bool
	CancelDisabled  bool
	CancelType      CancelType

	Ticks      uint64
	Lifetime   uint64
	ChildTicks uint64
	Percent    int
	Misses     uint64

	// ExitValue is the status reported to a joiner. Exiting is set once the
	// thread has asked to leave.
	ExitValue any
	Exiting   bool

	wake chan struct{}
	done chan struct{}
}

func newThread(id ID, gen uint64, attr Attr) *Thread {
	stack := attr.StackSize
	if stack <= 0 {
		stack = DefaultStackSize
	}
	return &Thread{
		id:           id,
		gen:          gen,
		Name:         attr.Name,
		StackSize:    stack,
		StackAddr:    attr.StackAddr,
		Policy:       attr.Policy,
		Params:       attr.Params,
		BasePriority: attr.Priority,
		State:        Blocked,
		CPU:          -1,
		Detached:     attr.Detached,
		Scheduler:    attr.Scheduler,
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// NewIdle returns the idle thread of a CPU. Idle threads are not registered.
func NewIdle(cpu int) *Thread {
	t := newThread(InvalidID, 0, Attr{
		Name:   fmt.Sprintf("idle/%d", cpu),
		Policy: PolicyIdle,
		Params: Params{Priority: IdlePriority},
	})
	t.CPU = cpu
	t.State = Running
	return t
}

func (t *Thread) ID() ID { return t.id }

// Handle returns the scheduler handle naming t.
func (t *Thread) Handle() SchedulerHandle {
	return SchedulerHandle{id: t.id, gen: t.gen}
}

// Realtime reports whether t is in the realtime priority band.
func (t *Thread) Realtime() bool {
	return t.Priority >= RealtimePriority
}

func (t *Thread) Idle() bool { return t.Policy == PolicyIdle }

// Park blocks the calling goroutine until the thread is handed a CPU.
func (t *Thread) Park() { <-t.wake }

// Unpark hands the thread its CPU. It never blocks.
func (t *Thread) Unpark() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Finish releases anyone waiting on Done.
func (t *Thread) Finish() {
	close(t.done)
}

// Done is closed once the thread has exited.
func (t *Thread) Done() <-chan struct{} { return t.done }

// ExitStatus is valid once Done is closed.
func (t *Thread) ExitStatus() any { return t.ExitValue }

func (t *Thread) String() string {
	if t.Name != "" {
		return fmt.Sprintf("%s(%d)", t.Name, t.id)
	}
	return fmt.Sprintf("thread(%d)", t.id)
}
