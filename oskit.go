// Package oskit is a simulated kernel core: an interrupt subsystem with
// realtime and deferred handlers, a thread registry, and a pluggable
// scheduler running EDF and POSIX policies over simulated CPUs. A Machine
// wires them together behind an emulated 8259A interrupt controller.
package oskit

import (
	"github.com/OSPreservProject/oskit-sub005/internal/clock"
	"github.com/OSPreservProject/oskit-sub005/internal/config"
	"github.com/OSPreservProject/oskit-sub005/internal/irq"
	"github.com/OSPreservProject/oskit-sub005/internal/kerr"
	"github.com/OSPreservProject/oskit-sub005/internal/machine"
	"github.com/OSPreservProject/oskit-sub005/internal/sched"
	"github.com/OSPreservProject/oskit-sub005/internal/thread"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from internal packages
// -----------------------------------------------------------------------------

// Machine is one simulated computer.
type Machine = machine.Machine

// Option configures a Machine.
type Option = machine.Option

// Workload is a synthetic CPU-burning thread body.
type Workload = machine.Workload

// Scheduler dispatches threads across the CPUs of a Machine.
type Scheduler = sched.Scheduler

// Policy is a scheduling class plugged into the Scheduler.
type Policy = sched.Policy

// Reason tells a Policy why a thread left its CPU.
type Reason = sched.Reason

// Mutex is a priority-inheritance lock for threads.
type Mutex = sched.Mutex

// Entry is a thread body.
type Entry = sched.Entry

// Stats is a snapshot of one thread's scheduling state.
type Stats = sched.Stats

// Thread is a thread control block.
type Thread = thread.Thread

type (
	ThreadID   = thread.ID
	ThreadAttr = thread.Attr
	Params     = thread.Params
	ThreadTag  = thread.Policy
)

// IRQ is the interrupt subsystem of a Machine.
type IRQ = irq.Subsystem

// Handler services an interrupt vector.
type Handler = irq.Handler

// HandlerFlags select the chain and sharing rules of a handler.
type HandlerFlags = irq.Flags

// TrapState describes the interrupt being serviced.
type TrapState = irq.TrapState

// Config is a scenario file.
type Config = config.Config

// Clock is a time base measured from boot.
type Clock = clock.Clock

// Scheduling policy tags.
const (
	PolicyRR   = thread.PolicyRR
	PolicyFIFO = thread.PolicyFIFO
	PolicyEDF  = thread.PolicyEDF
)

// Handler flags.
const (
	Shareable      = irq.Shareable
	Realtime       = irq.Realtime
	Override       = irq.Override
	WantsTrapState = irq.WantsTrapState
)

// Dispatch reasons.
const (
	YieldPeriod = sched.YieldPeriod
	Timeslice   = sched.Timeslice
	Preempted   = sched.Preempted
	Idle        = sched.Idle
	Blocked     = sched.Blocked
)

// Common sentinel errors.
var (
	ErrOutOfResources  = kerr.ErrOutOfResources
	ErrAlreadyBusy     = kerr.ErrAlreadyBusy
	ErrNotFound        = kerr.ErrNotFound
	ErrInvalidArgument = kerr.ErrInvalidArgument

	// ErrCanceled is the exit status of a thread that acted on a cancellation
	// request.
	ErrCanceled = sched.ErrCanceled
)

// -----------------------------------------------------------------------------
// Machine Options
// -----------------------------------------------------------------------------

var (
	WithCPUs          = machine.WithCPUs
	WithHZ            = machine.WithHZ
	WithQuantum       = machine.WithQuantum
	WithMaxThreads    = machine.WithMaxThreads
	WithVectors       = machine.WithVectors
	WithEDFSlack      = machine.WithEDFSlack
	WithClock         = machine.WithClock
	WithTickerFactory = machine.WithTickerFactory
	WithLogger        = machine.WithLogger
)

// -----------------------------------------------------------------------------
// Constructors
// -----------------------------------------------------------------------------

// New builds a Machine. Call Start to boot it and Stop when finished.
func New(opts ...Option) (*Machine, error) {
	return machine.New(opts...)
}

// NewManualClock returns a clock that only moves when told to, for
// deterministic simulation.
func NewManualClock() *clock.Manual {
	return clock.NewManual(0)
}

// LoadConfig reads a scenario file.
func LoadConfig(path string) (Config, error) {
	return config.Load(path)
}
