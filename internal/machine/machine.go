// Package machine assembles a bootable simulated machine: the interrupt
// controller, the CPUs, the IRQ subsystem, the scheduler and the periodic
// timer on IRQ 0.
package machine

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/OSPreservProject/oskit-sub005/internal/clock"
	"github.com/OSPreservProject/oskit-sub005/internal/cpu"
	"github.com/OSPreservProject/oskit-sub005/internal/ioport"
	"github.com/OSPreservProject/oskit-sub005/internal/irq"
	"github.com/OSPreservProject/oskit-sub005/internal/kerr"
	"github.com/OSPreservProject/oskit-sub005/internal/pic"
	"github.com/OSPreservProject/oskit-sub005/internal/sched"
	"github.com/OSPreservProject/oskit-sub005/internal/sched/edf"
	"github.com/OSPreservProject/oskit-sub005/internal/sched/posix"
)

// TimerIRQ is the line the periodic timer is wired to.
const TimerIRQ = 0

// BootCPU receives every device interrupt.
const BootCPU = 0

type options struct {
	cpus       int
	hz         int
	quantum    int
	maxThreads int
	vectors    int
	slack      time.Duration
	clk        clock.Clock
	ticker     clock.TickerFactory
	log        *slog.Logger
}

type Option func(*options)

func WithCPUs(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.cpus = n
		}
	}
}

func WithHZ(hz int) Option {
	return func(o *options) {
		if hz > 0 {
			o.hz = hz
		}
	}
}

func WithQuantum(ticks int) Option {
	return func(o *options) {
		if ticks > 0 {
			o.quantum = ticks
		}
	}
}

func WithMaxThreads(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxThreads = n
		}
	}
}

// WithVectors sets how many controller lines the IRQ subsystem manages.
func WithVectors(n int) Option {
	return func(o *options) {
		if n > 0 && n <= pic.NumLines {
			o.vectors = n
		}
	}
}

// WithEDFSlack sets the lateness tolerated before a deadline counts as missed.
func WithEDFSlack(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.slack = d
		}
	}
}

// WithClock selects the time base. A *clock.Manual clock is driven by Step;
// any other clock gets a periodic ticker on Start.
func WithClock(clk clock.Clock) Option {
	return func(o *options) {
		if clk != nil {
			o.clk = clk
		}
	}
}

func WithTickerFactory(f clock.TickerFactory) Option {
	return func(o *options) {
		if f != nil {
			o.ticker = f
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// Machine is one simulated computer.
type Machine struct {
	log   *slog.Logger
	clk   clock.Clock
	hz    int
	pic   *pic.DualPIC
	bus   *ioport.Bus
	cpus  []*cpu.CPU
	irqs  *irq.Subsystem
	sched *sched.Scheduler

	newTicker clock.TickerFactory
	ticker    clock.Handle
	intr      atomic.Bool
	running   atomic.Bool
}

func New(opts ...Option) (*Machine, error) {
	o := options{
		cpus:       1,
		hz:         sched.DefaultHZ,
		quantum:    sched.DefaultQuantum,
		maxThreads: sched.DefaultMaxThreads,
		vectors:    pic.NumLines,
		slack:      edf.DefaultSlack,
		ticker:     clock.NewTicker,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clk == nil {
		o.clk = clock.NewMonotonic()
	}

	m := &Machine{
		log:       o.log,
		clk:       o.clk,
		hz:        o.hz,
		pic:       pic.New(),
		bus:       ioport.NewBus(),
		newTicker: o.ticker,
	}
	if err := m.pic.Program(pic.DefaultBase); err != nil {
		return nil, fmt.Errorf("machine: program pic: %w", err)
	}
	m.pic.SetReadyLine(pic.ReadyLineFunc(func(high bool) { m.intr.Store(high) }))
	if err := m.bus.Register("pic", m.pic); err != nil {
		return nil, fmt.Errorf("machine: %w", err)
	}

	irqs, err := irq.New(o.vectors,
		irq.WithController(m.pic),
		irq.WithClock(o.clk.Now),
		irq.WithLogger(o.log),
	)
	if err != nil {
		return nil, fmt.Errorf("machine: irq subsystem: %w", err)
	}
	m.irqs = irqs

	for i := 0; i < o.cpus; i++ {
		c := cpu.New(i)
		irqs.Attach(c)
		m.cpus = append(m.cpus, c)
	}

	s, err := sched.New(o.clk, m.cpus,
		sched.WithPolicies(edf.New(edf.WithSlack(o.slack)), posix.New()),
		sched.WithLogger(o.log),
		sched.WithHZ(o.hz),
		sched.WithQuantum(o.quantum),
		sched.WithMaxThreads(o.maxThreads),
	)
	if err != nil {
		return nil, fmt.Errorf("machine: scheduler: %w", err)
	}
	m.sched = s

	if err := irqs.Alloc(TimerIRQ, m.timer, nil, irq.Realtime); err != nil {
		return nil, fmt.Errorf("machine: timer irq: %w", err)
	}
	return m, nil
}

func (m *Machine) timer(data any, ts *irq.TrapState) {
	m.sched.Tick()
}

func (m *Machine) Scheduler() *sched.Scheduler { return m.sched }
func (m *Machine) IRQ() *irq.Subsystem         { return m.irqs }
func (m *Machine) PIC() *pic.DualPIC           { return m.pic }
func (m *Machine) IOBus() *ioport.Bus          { return m.bus }
func (m *Machine) Clock() clock.Clock          { return m.clk }
func (m *Machine) NumCPU() int                 { return len(m.cpus) }

// TickPeriod is the interval between timer interrupts.
func (m *Machine) TickPeriod() time.Duration {
	return time.Second / time.Duration(m.hz)
}

func (m *Machine) CPU(i int) *cpu.CPU {
	if i < 0 || i >= len(m.cpus) {
		return nil
	}
	return m.cpus[i]
}

// Start boots the scheduler and, unless the clock is manual, the timer.
func (m *Machine) Start() {
	if !m.running.CompareAndSwap(false, true) {
		return
	}
	m.sched.Start()
	if _, manual := m.clk.(*clock.Manual); !manual {
		m.ticker = m.newTicker(m.TickPeriod(), m.Tick)
	}
	m.log.Info("machine: started", "cpus", len(m.cpus), "hz", m.hz)
}

func (m *Machine) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	if m.ticker != nil {
		m.ticker.Stop()
	}
	m.sched.Shutdown()
	m.log.Info("machine: stopped", "ticks", m.sched.Ticks())
}

// RaiseIRQ pulses an interrupt line and delivers whatever the controller
// presents to the boot CPU.
func (m *Machine) RaiseIRQ(line int) error {
	if line < 0 || line >= m.irqs.NumVectors() {
		return fmt.Errorf("machine: irq line %d: %w", line, kerr.ErrInvalidArgument)
	}
	m.pic.SetIRQ(uint8(line), true)
	m.service()
	m.pic.SetIRQ(uint8(line), false)
	return nil
}

func (m *Machine) service() {
	c := m.cpus[BootCPU]
	c.Interrupt(func() {
		for m.intr.Load() {
			ok, vec := m.pic.Acknowledge()
			if !ok {
				m.log.Debug("machine: spurious interrupt", "vector", vec)
				return
			}
			line, ok := m.pic.Line(vec)
			if !ok {
				m.log.Warn("machine: vector outside the pic range", "vector", vec)
				return
			}
			m.irqs.Trap(c, line)
		}
	})
}

// Tick raises the timer interrupt once.
func (m *Machine) Tick() {
	if err := m.RaiseIRQ(TimerIRQ); err != nil {
		m.log.Error("machine: timer", "error", err)
	}
}

// Step advances a manual clock by n tick periods, raising the timer after
// each. With any other clock it only raises the timer.
func (m *Machine) Step(n int) {
	manual, _ := m.clk.(*clock.Manual)
	for i := 0; i < n; i++ {
		if manual != nil {
			manual.Advance(m.TickPeriod())
		}
		m.Tick()
	}
}
