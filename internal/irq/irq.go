// Package irq owns interrupt vectors. Each vector carries two handler chains:
// realtime handlers run synchronously inside the trap, standard handlers are
// marked pending and run once software interrupts are enabled and no realtime
// thread occupies the CPU.
package irq

import (
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/OSPreservProject/oskit-sub005/internal/kerr"
)

// MaxVectors bounds the vector count so the pending set fits one word.
const MaxVectors = 64

// Flags select the chain and sharing behaviour of a registration.
type Flags uint32

const (
	Shareable Flags = 1 << iota
	Realtime
	// Override skips the sharing check against handlers already present.
	Override
	WantsTrapState
)

func (f Flags) String() string {
	flags := []string{}
	if f&Shareable != 0 {
		flags = append(flags, "shareable")
	}
	if f&Realtime != 0 {
		flags = append(flags, "realtime")
	}
	if f&Override != 0 {
		flags = append(flags, "override")
	}
	if f&WantsTrapState != 0 {
		flags = append(flags, "trapstate")
	}
	return strings.Join(flags, ",")
}

// TrapState describes the interrupted context.
type TrapState struct {
	Vector int
	CPU    int
	Time   time.Duration
	// RealtimeThread is set when a realtime thread was executing.
	RealtimeThread bool
}

// Handler services an interrupt. ts is nil unless WantsTrapState was given.
type Handler func(data any, ts *TrapState)

// Controller masks and acknowledges vectors at the interrupt controller.
type Controller interface {
	Mask(vector int)
	Unmask(vector int)
	EndOfInterrupt(vector int)
}

type noopController struct{}

func (noopController) Mask(int)           {}
func (noopController) Unmask(int)         {}
func (noopController) EndOfInterrupt(int) {}

// node is immutable once published except for next.
type node struct {
	handler Handler
	id      uintptr
	data    any
	flags   Flags
	next    atomic.Pointer[node]
}

func (n *node) call(ts *TrapState) {
	if n.flags&WantsTrapState != 0 {
		n.handler(n.data, ts)
		return
	}
	n.handler(n.data, nil)
}

type chain struct {
	head atomic.Pointer[node]
}

func (c *chain) each(fn func(*node) bool) {
	for n := c.head.Load(); n != nil; n = n.next.Load() {
		if !fn(n) {
			return
		}
	}
}

// append links n at the tail. n must be fully initialised.
func (c *chain) append(n *node) {
	tail := c.head.Load()
	if tail == nil {
		c.head.Store(n)
		return
	}
	for next := tail.next.Load(); next != nil; next = tail.next.Load() {
		tail = next
	}
	tail.next.Store(n)
}

func (c *chain) remove(id uintptr, data any) bool {
	var prev *node
	for n := c.head.Load(); n != nil; n = n.next.Load() {
		if n.id == id && sameData(n.data, data) {
			if prev == nil {
				c.head.Store(n.next.Load())
			} else {
				prev.next.Store(n.next.Load())
			}
			return true
		}
		prev = n
	}
	return false
}

type vectorState struct {
	std chain
	rt  chain
}

func (v *vectorState) count() (std, rt int, exclusive bool) {
	v.std.each(func(n *node) bool {
		std++
		exclusive = exclusive || n.flags&Shareable == 0
		return true
	})
	v.rt.each(func(n *node) bool {
		rt++
		exclusive = exclusive || n.flags&Shareable == 0
		return true
	})
	return
}

// Option configures a Subsystem.
type Option func(*Subsystem)

func WithLogger(log *slog.Logger) Option {
	return func(s *Subsystem) {
		if log != nil {
			s.log = log
		}
	}
}

// WithController installs the interrupt controller the subsystem masks,
// unmasks and acknowledges vectors on.
func WithController(ctrl Controller) Option {
	return func(s *Subsystem) {
		if ctrl != nil {
			s.ctrl = ctrl
		}
	}
}

// WithClock sets the time source stamped into TrapState.
func WithClock(now func() time.Duration) Option {
	return func(s *Subsystem) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMaxHandlers bounds the number of handlers on one vector.
func WithMaxHandlers(n int) Option {
	return func(s *Subsystem) {
		if n > 0 {
			s.maxPerVector = n
		}
	}
}

// Subsystem is the IRQ subsystem.
type Subsystem struct {
	// mu serialises chain mutation. Delivery never takes it.
	mu      sync.Mutex
	vectors []vectorState
	pending atomic.Uint64

	ctrl         Controller
	log          *slog.Logger
	now          func() time.Duration
	maxPerVector int

	stats struct {
		traps    atomic.Uint64
		deferred atomic.Uint64
		drained  atomic.Uint64
	}
}

func New(numVectors int, opts ...Option) (*Subsystem, error) {
	if numVectors <= 0 || numVectors > MaxVectors {
		return nil, fmt.Errorf("irq: vector count %d out of range 1..%d: %w", numVectors, MaxVectors, kerr.ErrInvalidArgument)
	}
	s := &Subsystem{
		vectors:      make([]vectorState, numVectors),
		ctrl:         noopController{},
		log:          slog.Default(),
		now:          func() time.Duration { return 0 },
		maxPerVector: 32,
	}
	for _, opt := range opts {
		opt(s)
	}
	for v := range s.vectors {
		s.ctrl.Mask(v)
	}
	return s, nil
}

func (s *Subsystem) NumVectors() int { return len(s.vectors) }

func (s *Subsystem) checkVector(vector int) error {
	if vector < 0 || vector >= len(s.vectors) {
		return fmt.Errorf("irq: vector %d out of range: %w", vector, kerr.ErrInvalidArgument)
	}
	return nil
}

// Alloc registers h on vector. Realtime in flags selects the realtime chain.
// A vector already holding handlers only accepts the new one if every handler
// involved is shareable, unless Override is given. The first registration on
// a vector unmasks it at the controller after the handler is published.
func (s *Subsystem) Alloc(vector int, h Handler, data any, flags Flags) error {
	if err := s.checkVector(vector); err != nil {
		return err
	}
	if h == nil {
		return fmt.Errorf("irq: vector %d: nil handler: %w", vector, kerr.ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	v := &s.vectors[vector]
	std, rt, exclusive := v.count()
	total := std + rt
	if total >= s.maxPerVector {
		return fmt.Errorf("irq: vector %d: %d handlers: %w", vector, total, kerr.ErrOutOfResources)
	}
	if total > 0 && flags&Override == 0 && (exclusive || flags&Shareable == 0) {
		return fmt.Errorf("irq: vector %d: %w", vector, kerr.ErrAlreadyBusy)
	}

	n := &node{
		handler: h,
		id:      handlerID(h),
		data:    data,
		flags:   flags,
	}
	if flags&Realtime != 0 {
		v.rt.append(n)
	} else {
		v.std.append(n)
	}

	if total == 0 {
		s.ctrl.Unmask(vector)
	}
	s.log.Debug("irq: handler registered", "vector", vector, "flags", flags)
	return nil
}

// Free unlinks the handler registered with h and data on vector. Freeing a
// handler that is not registered logs a warning and leaves the chains as they
// were. When the last handler goes, the vector is masked again.
func (s *Subsystem) Free(vector int, h Handler, data any) {
	if err := s.checkVector(vector); err != nil {
		s.log.Warn("irq: free on invalid vector", "vector", vector)
		return
	}
	if h == nil {
		s.log.Warn("irq: free of nil handler", "vector", vector)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	v := &s.vectors[vector]
	id := handlerID(h)
	if !v.rt.remove(id, data) && !v.std.remove(id, data) {
		s.log.Warn("irq: free of unregistered handler", "vector", vector)
		return
	}

	if v.std.head.Load() == nil {
		// No standard handler remains to consume a pending bit.
		s.pending.And(^(uint64(1) << vector))
	}
	if v.std.head.Load() == nil && v.rt.head.Load() == nil {
		s.ctrl.Mask(vector)
		s.log.Debug("irq: vector released", "vector", vector)
	}
}

// Schedule marks a vector pending without a hardware interrupt. The vector
// must have standard handlers. It is ordered against Free, so a vector whose
// last standard handler is gone never stays pending.
func (s *Subsystem) Schedule(vector int) error {
	if err := s.checkVector(vector); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vectors[vector].std.head.Load() == nil {
		return fmt.Errorf("irq: schedule vector %d: no standard handlers: %w", vector, kerr.ErrNotFound)
	}
	s.pending.Or(uint64(1) << vector)
	s.stats.deferred.Add(1)
	return nil
}

// Handlers returns the number of standard and realtime handlers on vector.
func (s *Subsystem) Handlers(vector int) (std, rt int) {
	if s.checkVector(vector) != nil {
		return 0, 0
	}
	std, rt, _ = s.vectors[vector].count()
	return std, rt
}

// Stats reports delivery counters.
type Stats struct {
	Traps    uint64
	Deferred uint64
	Drained  uint64
}

func (s *Subsystem) Stats() Stats {
	return Stats{
		Traps:    s.stats.traps.Load(),
		Deferred: s.stats.deferred.Load(),
		Drained:  s.stats.drained.Load(),
	}
}

func handlerID(h Handler) uintptr {
	return reflect.ValueOf(h).Pointer()
}

// sameData compares registration data without panicking on incomparable values.
func sameData(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}
