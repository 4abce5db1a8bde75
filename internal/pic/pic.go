// Package pic emulates the cascaded pair of 8259A interrupt controllers that
// sits in front of the boot CPU. The IRQ subsystem drives it through Mask,
// Unmask and EndOfInterrupt; devices drive it through SetIRQ.
package pic

import (
	"fmt"
	"math/bits"
	"sync"
)

const (
	PrimaryCommandPort   uint16 = 0x20
	PrimaryDataPort      uint16 = 0x21
	SecondaryCommandPort uint16 = 0xa0
	SecondaryDataPort    uint16 = 0xa1
	PrimaryELCRPort      uint16 = 0x4d0
	SecondaryELCRPort    uint16 = 0x4d1

	// NumLines is the number of IRQ lines across both controllers.
	NumLines = 16

	// DefaultBase is the vector offset programmed by Program.
	DefaultBase = 0x20

	cascadeIRQ  = 2
	irqMask     = 0x7
	spuriousIRQ = 7
)

// ReadyLine receives the level of the primary controller's INT output.
type ReadyLine interface {
	SetLevel(high bool)
}

// ReadyLineFunc adapts a function to ReadyLine.
type ReadyLineFunc func(high bool)

func (f ReadyLineFunc) SetLevel(high bool) {
	if f != nil {
		f(high)
	}
}

type noopReadyLine struct{}

func (noopReadyLine) SetLevel(bool) {}

// Stats counts acknowledged and spurious interrupts.
type Stats struct {
	Spurious     uint64
	Acknowledges uint64
	PerLine      [NumLines]uint64
}

// DualPIC implements the classic pair of cascaded 8259A controllers.
type DualPIC struct {
	mu    sync.Mutex
	ready ReadyLine
	pics  [2]*pic
	stats Stats
}

func New() *DualPIC {
	return &DualPIC{
		ready: noopReadyLine{},
		pics: [2]*pic{
			newPic(true),
			newPic(false),
		},
	}
}

// SetReadyLine sets the line used for the INT output.
func (p *DualPIC) SetReadyLine(line ReadyLine) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if line == nil {
		p.ready = noopReadyLine{}
	} else {
		p.ready = line
	}
	p.syncOutputsLocked()
}

// Program runs the ICW1-ICW4 initialisation sequence on both controllers,
// placing line 0 at vector base, and masks every line except the cascade.
func (p *DualPIC) Program(base uint8) error {
	if base&irqMask != 0 {
		return fmt.Errorf("pic: vector base 0x%x is not 8-aligned", base)
	}
	writes := []struct {
		port uint16
		data byte
	}{
		{PrimaryCommandPort, 0x11},
		{PrimaryDataPort, base},
		{PrimaryDataPort, 1 << cascadeIRQ},
		{PrimaryDataPort, 0x01},
		{SecondaryCommandPort, 0x11},
		{SecondaryDataPort, base + 8},
		{SecondaryDataPort, cascadeIRQ},
		{SecondaryDataPort, 0x01},
		{PrimaryDataPort, ^byte(1 << cascadeIRQ)},
		{SecondaryDataPort, 0xff},
	}
	for _, w := range writes {
		if err := p.WriteIOPort(w.port, []byte{w.data}); err != nil {
			return err
		}
	}
	return nil
}

// Ports lists the command, data and ELCR ports of both controllers.
func (p *DualPIC) Ports() []uint16 {
	return []uint16{
		PrimaryCommandPort, PrimaryDataPort,
		SecondaryCommandPort, SecondaryDataPort,
		PrimaryELCRPort, SecondaryELCRPort,
	}
}

func (p *DualPIC) ReadIOPort(port uint16, data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("pic: invalid read size %d", len(data))
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	switch port {
	case PrimaryCommandPort:
		data[0] = p.pics[0].readCommand()
	case PrimaryDataPort:
		data[0] = p.pics[0].imr
	case SecondaryCommandPort:
		data[0] = p.pics[1].readCommand()
	case SecondaryDataPort:
		data[0] = p.pics[1].imr
	case PrimaryELCRPort:
		data[0] = p.pics[0].elcr
	case SecondaryELCRPort:
		data[0] = p.pics[1].elcr
	default:
		return fmt.Errorf("pic: invalid read port 0x%04x", port)
	}
	return nil
}

func (p *DualPIC) WriteIOPort(port uint16, data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("pic: invalid write size %d", len(data))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch port {
	case PrimaryCommandPort:
		p.pics[0].writeCommand(data[0])
	case PrimaryDataPort:
		p.pics[0].writeData(data[0])
	case SecondaryCommandPort:
		p.pics[1].writeCommand(data[0])
	case SecondaryDataPort:
		p.pics[1].writeData(data[0])
	case PrimaryELCRPort:
		p.pics[0].elcr = data[0]
	case SecondaryELCRPort:
		p.pics[1].elcr = data[0]
	default:
		return fmt.Errorf("pic: invalid write port 0x%04x", port)
	}

	p.syncOutputsLocked()
	return nil
}

// Mask sets the IMR bit for an IRQ line.
func (p *DualPIC) Mask(line int) {
	p.setMask(line, true)
}

// Unmask clears the IMR bit for an IRQ line. Unmasking a secondary line also
// unmasks the cascade input on the primary.
func (p *DualPIC) Unmask(line int) {
	p.setMask(line, false)
}

func (p *DualPIC) setMask(line int, masked bool) {
	if line < 0 || line >= NumLines {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	chip, bit := p.locate(line)
	if masked {
		chip.imr |= bit
	} else {
		chip.imr &^= bit
		if line >= 8 {
			p.pics[0].imr &^= 1 << cascadeIRQ
		}
	}
	p.syncOutputsLocked()
}

// Masked reports whether an IRQ line is masked.
func (p *DualPIC) Masked(line int) bool {
	if line < 0 || line >= NumLines {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	chip, bit := p.locate(line)
	return chip.imr&bit != 0
}

// EndOfInterrupt issues a specific EOI for an IRQ line, including the
// cascade EOI on the primary for secondary lines.
func (p *DualPIC) EndOfInterrupt(line int) {
	if line < 0 || line >= NumLines {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if line >= 8 {
		l := byte(line-8) & irqMask
		p.pics[1].eoi(&l)
		c := byte(cascadeIRQ)
		p.pics[0].eoi(&c)
	} else {
		l := byte(line)
		p.pics[0].eoi(&l)
	}
	p.syncOutputsLocked()
}

func (p *DualPIC) locate(line int) (*pic, byte) {
	if line >= 8 {
		return p.pics[1], 1 << (line - 8)
	}
	return p.pics[0], 1 << line
}

func (p *DualPIC) syncOutputsLocked() {
	cascade := p.pics[1].interruptPending()
	p.pics[0].setIRQ(cascadeIRQ, cascade)
	p.ready.SetLevel(p.pics[0].interruptPending())
}

// SetIRQ drives an input line.
func (p *DualPIC) SetIRQ(line uint8, level bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if line >= NumLines {
		return
	}
	if line >= 8 {
		p.pics[1].setIRQ(line-8, level)
	} else {
		p.pics[0].setIRQ(line, level)
	}
	p.syncOutputsLocked()
}

// Acknowledge returns whether an interrupt was pending and, if so, the vector
// to deliver. A spurious acknowledge returns false and the spurious vector.
func (p *DualPIC) Acknowledge() (bool, uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()

	requested, vec := p.pics[0].acknowledge()
	if requested && vec&irqMask == cascadeIRQ {
		secRequested, secVec := p.pics[1].acknowledge()
		if !secRequested {
			p.stats.Spurious++
			p.syncOutputsLocked()
			return false, secVec
		}
		vec = secVec
		p.stats.Acknowledges++
		p.stats.PerLine[8+int(vec&irqMask)]++
	} else if requested {
		p.stats.Acknowledges++
		p.stats.PerLine[int(vec&irqMask)]++
	} else {
		p.stats.Spurious++
	}
	p.syncOutputsLocked()
	return requested, vec
}

// Line converts a delivered vector back to its IRQ line.
func (p *DualPIC) Line(vector uint8) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, chip := range p.pics {
		if vector&^irqMask == chip.icw2 {
			return i*8 + int(vector&irqMask), true
		}
	}
	return 0, false
}

func (p *DualPIC) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *DualPIC) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("PIC(primary=%v, secondary=%v)", p.pics[0], p.pics[1])
}

// pic models a single 8259A.
type pic struct {
	primary bool

	initStage initStage
	icw2      byte
	imr       byte
	ocw3      ocw3
	isr       byte
	elcr      byte
	lines     byte
	lineLow   byte
}

func newPic(primary bool) *pic {
	icw2 := byte(0)
	if !primary {
		icw2 = 8
	}
	return &pic{
		primary:   primary,
		initStage: initUninitialized,
		icw2:      icw2,
		imr:       0xff,
		lineLow:   0xff,
	}
}

func (p *pic) String() string {
	return fmt.Sprintf("{base=0x%02x imr=%08b isr=%08b irr=%08b}", p.icw2, p.imr, p.isr, p.irr())
}

func (p *pic) reset() {
	lines, elcr := p.lines, p.elcr
	*p = *newPic(p.primary)
	p.lines = lines
	p.elcr = elcr
}

func (p *pic) irr() byte {
	return p.lines & (p.elcr | p.lineLow)
}

func (p *pic) setIRQ(line uint8, high bool) {
	bit := byte(1 << line)
	if high {
		p.lines |= bit
	} else {
		p.lines &^= bit
		p.lineLow |= bit
	}
}

func (p *pic) readyVec() byte {
	highestISR := lowestSetBit(p.isr)
	higherNotISR := highestISR - 1
	return p.irr() &^ p.imr & higherNotISR
}

func (p *pic) interruptPending() bool {
	return p.readyVec() != 0
}

func (p *pic) acknowledge() (bool, uint8) {
	if vec := p.readyVec(); vec != 0 {
		line := byte(bits.TrailingZeros8(vec))
		bit := byte(1 << line)
		p.lineLow &^= bit
		p.isr |= bit
		return true, p.icw2 | line
	}
	return false, p.icw2 | spuriousIRQ
}

func (p *pic) eoi(line *byte) {
	var mask byte
	if line != nil {
		mask = 1 << *line
	} else {
		mask = lowestSetBit(p.isr)
	}
	p.isr &^= mask
}

func (p *pic) readCommand() byte {
	if p.ocw3.rr() {
		if p.ocw3.ris() {
			return p.isr
		}
		return p.irr()
	}
	return 0
}

func (p *pic) writeCommand(value byte) {
	const (
		initBit    = 0x10
		commandBit = 0x08
	)

	if value&initBit != 0 {
		p.reset()
		p.initStage = initExpectingICW2
		return
	}

	// OCWs delivered before init completes are ignored.
	if p.initStage != initInitialized {
		return
	}

	if value&commandBit == 0 {
		ocw := ocw2(value)
		switch {
		case ocw.EOI() && ocw.SL():
			line := ocw.Level()
			p.eoi(&line)
		case ocw.EOI():
			p.eoi(nil)
		}
		return
	}
	p.ocw3 = ocw3(value)
}

func (p *pic) writeData(value byte) {
	switch p.initStage {
	case initUninitialized, initInitialized:
		p.imr = value
	case initExpectingICW2:
		if value&irqMask != 0 {
			return
		}
		p.icw2 = value &^ irqMask
		p.initStage = initExpectingICW3
	case initExpectingICW3:
		if p.primary {
			if value != (1 << cascadeIRQ) {
				return
			}
		} else if value != cascadeIRQ {
			return
		}
		p.initStage = initExpectingICW4
	case initExpectingICW4:
		if value != 1 && value != 3 {
			return
		}
		p.initStage = initInitialized
	}
}

type initStage int

const (
	initUninitialized initStage = iota
	initExpectingICW2
	initExpectingICW3
	initExpectingICW4
	initInitialized
)

type ocw2 byte

type ocw3 byte

func (o ocw2) Level() byte { return byte(o) & 0x07 }
func (o ocw2) SL() bool    { return byte(o)&0x40 != 0 }
func (o ocw2) EOI() bool   { return byte(o)&0x20 != 0 }

func (o ocw3) rr() bool  { return byte(o)&0x02 != 0 }
func (o ocw3) ris() bool { return byte(o)&0x01 != 0 }

func lowestSetBit(b byte) byte {
	return b & byte(-int8(b))
}
