package pic

import "testing"

type testReadyLine struct {
	level bool
}

func (s *testReadyLine) SetLevel(level bool) {
	s.level = level
}

func programmedPIC(t *testing.T) (*DualPIC, *testReadyLine) {
	t.Helper()
	sink := &testReadyLine{}
	p := New()
	p.SetReadyLine(sink)
	if err := p.Program(DefaultBase); err != nil {
		t.Fatalf("Program: %v", err)
	}
	return p, sink
}

func TestProgramInitialisesBothControllers(t *testing.T) {
	p, sink := programmedPIC(t)

	if p.pics[0].initStage != initInitialized {
		t.Fatalf("primary PIC not initialized, stage=%v", p.pics[0].initStage)
	}
	if p.pics[1].initStage != initInitialized {
		t.Fatalf("secondary PIC not initialized, stage=%v", p.pics[1].initStage)
	}
	if sink.level {
		t.Fatalf("ready line unexpectedly high after initialization")
	}
	for line := 0; line < NumLines; line++ {
		if line == cascadeIRQ {
			continue
		}
		if !p.Masked(line) {
			t.Fatalf("line %d unmasked after Program", line)
		}
	}
}

func TestProgramRejectsUnalignedBase(t *testing.T) {
	if err := New().Program(0x21); err == nil {
		t.Fatalf("expected error for unaligned base")
	}
}

func TestMaskedLineDoesNotRaiseReady(t *testing.T) {
	p, sink := programmedPIC(t)

	p.SetIRQ(3, true)
	if sink.level {
		t.Fatalf("masked line asserted ready")
	}

	p.Unmask(3)
	if !sink.level {
		t.Fatalf("unmasking a raised line did not assert ready")
	}
}

func TestAcknowledgePrimary(t *testing.T) {
	p, sink := programmedPIC(t)
	p.Unmask(0)

	p.SetIRQ(0, true)
	if !sink.level {
		t.Fatalf("ready line not asserted for primary IRQ")
	}

	requested, vec := p.Acknowledge()
	if !requested {
		t.Fatalf("expected interrupt to be acknowledged")
	}
	if vec != DefaultBase {
		t.Fatalf("unexpected vector 0x%x", vec)
	}
	line, ok := p.Line(vec)
	if !ok || line != 0 {
		t.Fatalf("Line(0x%x) = %d, %v", vec, line, ok)
	}

	p.SetIRQ(0, false)
	p.EndOfInterrupt(0)
	if p.pics[0].isr != 0 {
		t.Fatalf("ISR not cleared by EOI: %08b", p.pics[0].isr)
	}
	if got := p.Stats().PerLine[0]; got != 1 {
		t.Fatalf("PerLine[0] = %d, want 1", got)
	}
}

func TestAcknowledgeSecondary(t *testing.T) {
	p, sink := programmedPIC(t)
	const irqLine = 10
	p.Unmask(irqLine)

	p.SetIRQ(irqLine, true)
	if !sink.level {
		t.Fatalf("ready line not asserted for secondary IRQ")
	}

	requested, vec := p.Acknowledge()
	if !requested {
		t.Fatalf("expected interrupt to be acknowledged")
	}
	if vec != DefaultBase+irqLine {
		t.Fatalf("unexpected vector 0x%x", vec)
	}

	p.SetIRQ(irqLine, false)
	p.EndOfInterrupt(irqLine)
	if p.pics[0].isr != 0 || p.pics[1].isr != 0 {
		t.Fatalf("ISR not cleared: primary=%08b secondary=%08b", p.pics[0].isr, p.pics[1].isr)
	}
}

func TestInServiceBlocksSameLine(t *testing.T) {
	p, _ := programmedPIC(t)
	p.Unmask(4)

	p.SetIRQ(4, true)
	if ok, _ := p.Acknowledge(); !ok {
		t.Fatalf("first acknowledge failed")
	}
	p.SetIRQ(4, false)
	p.SetIRQ(4, true)
	if ok, _ := p.Acknowledge(); ok {
		t.Fatalf("line acknowledged again while in service")
	}
	p.EndOfInterrupt(4)
	if ok, _ := p.Acknowledge(); !ok {
		t.Fatalf("line not delivered after EOI")
	}
}

func TestReadISRAndIRR(t *testing.T) {
	p, _ := programmedPIC(t)
	p.Unmask(1)
	p.SetIRQ(1, true)

	if err := p.WriteIOPort(PrimaryCommandPort, []byte{0x0a}); err != nil {
		t.Fatalf("select IRR: %v", err)
	}
	buf := make([]byte, 1)
	if err := p.ReadIOPort(PrimaryCommandPort, buf); err != nil {
		t.Fatalf("read IRR: %v", err)
	}
	if buf[0]&0x02 == 0 {
		t.Fatalf("IRR = %08b, want bit 1", buf[0])
	}

	p.Acknowledge()
	if err := p.WriteIOPort(PrimaryCommandPort, []byte{0x0b}); err != nil {
		t.Fatalf("select ISR: %v", err)
	}
	if err := p.ReadIOPort(PrimaryCommandPort, buf); err != nil {
		t.Fatalf("read ISR: %v", err)
	}
	if buf[0] != 0x02 {
		t.Fatalf("ISR = %08b, want 00000010", buf[0])
	}
}
