package dma

import (
	"testing"

	"periph.io/x/conn/v3/gpio"

	"mcuemu.dev/emu"
)

const (
	crEN   = 1 << 0
	crTCIE = 1 << 4
	crCIRC = 1 << 8
	crPINC = 1 << 9
	crMINC = 1 << 10
)

func crDIR(d Direction) uint32   { return uint32(d) << 6 }
func crPSIZE(bits uint32) uint32 { return bits << 11 }
func crMSIZE(bits uint32) uint32 { return bits << 13 }

func sreg(stream int, reg uint32) uint32 {
	return uint32(streamBase + stream*streamSize) + reg
}

// deferredSync queues work until Run is called, to observe ordering
// between completion and the IRQ edge.
type deferredSync struct {
	fns []func()
}

func (s *deferredSync) ExecuteInNearestSyncedState(fn func()) {
	s.fns = append(s.fns, fn)
}

func (s *deferredSync) Run() {
	fns := s.fns
	s.fns = nil
	for _, fn := range fns {
		fn()
	}
}

func newController(t *testing.T) (*Controller, *emu.RAM) {
	t.Helper()
	ram := emu.NewRAM(0, 0x1000)
	c, err := New("dma1", ram, emu.ImmediateSync{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return c, ram
}

func pulse(c *Controller, stream int) {
	c.SetRequest(stream, gpio.High)
	c.SetRequest(stream, gpio.Low)
}

func TestPeriphToMemOneShot(t *testing.T) {
	c, ram := newController(t)
	ram.Mem[0x100] = 0xAB

	c.WriteAt(sreg(0, regPAR), 4, 0x100)
	c.WriteAt(sreg(0, regM0AR), 4, 0x200)
	c.WriteAt(sreg(0, regNDTR), 4, 4)
	c.WriteAt(sreg(0, regCR), 4, crEN|crTCIE|crMINC|crDIR(PeriphToMem))

	for i := 0; i < 4; i++ {
		pulse(c, 0)
	}

	if len(ram.Copies) != 4 {
		t.Fatalf("copies = %d, want 4", len(ram.Copies))
	}
	for i, op := range ram.Copies {
		want := emu.CopyOp{Dst: 0x200 + uint32(i), Src: 0x100, N: 1}
		if op != want {
			t.Errorf("copy %d = %+v, want %+v", i, op, want)
		}
	}
	if got := c.ReadAt(sreg(0, regNDTR), 4); got != 0 {
		t.Errorf("NDTR = %d, want 0", got)
	}
	if got := c.ReadAt(sreg(0, regCR), 4) & crEN; got != 0 {
		t.Errorf("stream still enabled")
	}
	if got := c.ReadAt(regLISR, 4); got != 1<<5 {
		t.Errorf("LISR = %#x, want bit 5", got)
	}
	if c.IRQ(0).Level() != gpio.High {
		t.Errorf("IRQ not raised")
	}
	for i := 0; i < 4; i++ {
		if b := ram.Mem[0x200+i]; b != 0xAB {
			t.Errorf("mem[0x%x] = %#x, want 0xab", 0x200+i, b)
		}
	}
}

func TestPeriphToMemCircular(t *testing.T) {
	c, _ := newController(t)

	c.WriteAt(sreg(1, regPAR), 4, 0x100)
	c.WriteAt(sreg(1, regM0AR), 4, 0x200)
	c.WriteAt(sreg(1, regNDTR), 4, 2)
	c.WriteAt(sreg(1, regCR), 4,
		crEN|crTCIE|crCIRC|crMINC|crDIR(PeriphToMem)|crPSIZE(1))

	wantNDT := []uint32{1, 2, 1, 2, 1}
	for i, want := range wantNDT {
		pulse(c, 1)
		if got := c.ReadAt(sreg(1, regNDTR), 4); got != want {
			t.Fatalf("pulse %d: NDTR = %d, want %d", i+1, got, want)
		}
	}
	if got := c.ReadAt(sreg(1, regCR), 4) & crEN; got == 0 {
		t.Errorf("circular stream disabled itself")
	}
	if c.IRQ(1).Level() != gpio.High {
		t.Errorf("IRQ not raised after completion")
	}
	// Clearing the finished bit releases the IRQ; the next wrap
	// raises it again.
	c.WriteAt(regLIFCR, 4, 1<<11)
	if c.IRQ(1).Level() != gpio.Low {
		t.Fatalf("IRQ still asserted after clear")
	}
	pulse(c, 1) // NDT 1 -> 0, wrap
	if c.IRQ(1).Level() != gpio.High {
		t.Errorf("IRQ not raised on second wrap")
	}
}

func TestMemToMem(t *testing.T) {
	c, ram := newController(t)
	for i := 0; i < 64; i++ {
		ram.Mem[0x400+i] = byte(i)
	}

	// Request line already asserted before enable.
	c.SetRequest(2, gpio.High)

	c.WriteAt(sreg(2, regPAR), 4, 0x400)
	c.WriteAt(sreg(2, regM0AR), 4, 0x800)
	c.WriteAt(sreg(2, regNDTR), 4, 16)
	c.WriteAt(sreg(2, regCR), 4, crEN|crDIR(MemToMem)|crPSIZE(2))

	if len(ram.Copies) != 1 {
		t.Fatalf("copies = %d, want 1", len(ram.Copies))
	}
	want := emu.CopyOp{Dst: 0x800, Src: 0x400, N: 64}
	if ram.Copies[0] != want {
		t.Fatalf("copy = %+v, want %+v", ram.Copies[0], want)
	}
	if got := c.ReadAt(sreg(2, regNDTR), 4); got != 0 {
		t.Errorf("NDTR = %d, want 0", got)
	}
	if got := c.ReadAt(sreg(2, regCR), 4) & crEN; got != 0 {
		t.Errorf("stream still enabled")
	}
	if got := c.ReadAt(regLISR, 4); got != 1<<21 {
		t.Errorf("LISR = %#x, want bit 21", got)
	}
	for i := 0; i < 64; i++ {
		if ram.Mem[0x800+i] != byte(i) {
			t.Fatalf("mem[0x%x] = %d, want %d", 0x800+i, ram.Mem[0x800+i], i)
		}
	}
}

func TestMemToMemWaitsForRequest(t *testing.T) {
	c, ram := newController(t)

	c.WriteAt(sreg(0, regPAR), 4, 0x400)
	c.WriteAt(sreg(0, regM0AR), 4, 0x800)
	c.WriteAt(sreg(0, regNDTR), 4, 4)
	c.WriteAt(sreg(0, regCR), 4, crEN|crDIR(MemToMem))
	if len(ram.Copies) != 0 {
		t.Fatalf("burst fired without a pending request")
	}
	pulse(c, 0)
	if len(ram.Copies) != 1 {
		t.Fatalf("burst did not fire on request edge")
	}
}

func TestMemToPeriph(t *testing.T) {
	c, ram := newController(t)
	ram.Mem[0x200] = 0x11
	ram.Mem[0x201] = 0x22

	c.WriteAt(sreg(3, regPAR), 4, 0x100)
	c.WriteAt(sreg(3, regM0AR), 4, 0x200)
	c.WriteAt(sreg(3, regNDTR), 4, 2)
	c.WriteAt(sreg(3, regCR), 4, crEN|crMINC|crDIR(MemToPeriph))

	pulse(c, 3)
	pulse(c, 3)
	want := []emu.CopyOp{
		{Dst: 0x100, Src: 0x200, N: 1},
		{Dst: 0x100, Src: 0x201, N: 1},
	}
	if len(ram.Copies) != len(want) {
		t.Fatalf("copies = %d, want %d", len(ram.Copies), len(want))
	}
	for i := range want {
		if ram.Copies[i] != want[i] {
			t.Errorf("copy %d = %+v, want %+v", i, ram.Copies[i], want[i])
		}
	}
}

func TestRequestWhileDisabledIsLatchedOnly(t *testing.T) {
	c, ram := newController(t)
	c.WriteAt(sreg(0, regPAR), 4, 0x100)
	c.WriteAt(sreg(0, regM0AR), 4, 0x200)
	c.WriteAt(sreg(0, regNDTR), 4, 1)

	pulse(c, 0)
	if len(ram.Copies) != 0 {
		t.Fatalf("transfer fired on disabled stream")
	}
	// Enabling a peripheral stream does not replay the latched
	// request; only a fresh edge does.
	c.WriteAt(sreg(0, regCR), 4, crEN|crDIR(PeriphToMem))
	if len(ram.Copies) != 0 {
		t.Fatalf("peripheral stream fired on enable")
	}
	pulse(c, 0)
	if len(ram.Copies) != 1 {
		t.Fatalf("stream did not fire on request edge")
	}
}

func TestNDTRWriteIgnoredWhileEnabled(t *testing.T) {
	c, _ := newController(t)
	c.WriteAt(sreg(0, regNDTR), 4, 8)
	c.WriteAt(sreg(0, regCR), 4, crEN|crDIR(PeriphToMem))

	c.WriteAt(sreg(0, regNDTR), 4, 2)
	if got := c.ReadAt(sreg(0, regNDTR), 4); got != 8 {
		t.Fatalf("NDTR changed while enabled: %d", got)
	}
	c.WriteAt(sreg(0, regPAR), 4, 0x123)
	if got := c.ReadAt(sreg(0, regPAR), 4); got != 0 {
		t.Fatalf("PAR changed while enabled: %#x", got)
	}

	c.WriteAt(sreg(0, regCR), 4, 0)
	c.WriteAt(sreg(0, regNDTR), 4, 2)
	if got := c.ReadAt(sreg(0, regNDTR), 4); got != 2 {
		t.Fatalf("NDTR write dropped while disabled: %d", got)
	}
}

func TestEnableWithZeroNDT(t *testing.T) {
	c, ram := newController(t)
	c.WriteAt(sreg(0, regCR), 4, crEN|crTCIE|crDIR(PeriphToMem))
	pulse(c, 0)
	if len(ram.Copies) != 0 {
		t.Fatalf("transfer fired with NDT=0")
	}
	if got := c.ReadAt(sreg(0, regCR), 4) & crEN; got != 0 {
		t.Fatalf("stream not disabled after failed request")
	}
	if got := c.ReadAt(regLISR, 4); got != 0 {
		t.Fatalf("finished set after failed request: %#x", got)
	}
	if c.IRQ(0).Level() != gpio.Low {
		t.Fatalf("IRQ raised after failed request")
	}
}

func TestStatusBitMapping(t *testing.T) {
	c, _ := newController(t)
	for s := 0; s < NumStreams; s++ {
		c.WriteAt(sreg(s, regPAR), 4, 0x100)
		c.WriteAt(sreg(s, regM0AR), 4, 0x200)
		c.WriteAt(sreg(s, regNDTR), 4, 1)
		c.WriteAt(sreg(s, regCR), 4, crEN|crDIR(PeriphToMem))
		pulse(c, s)
	}
	wantBits := uint32(1<<5 | 1<<11 | 1<<21 | 1<<27)
	if got := c.ReadAt(regLISR, 4); got != wantBits {
		t.Fatalf("LISR = %#x, want %#x", got, wantBits)
	}
	if got := c.ReadAt(regHISR, 4); got != wantBits {
		t.Fatalf("HISR = %#x, want %#x", got, wantBits)
	}
	// Clear streams 1 and 6 only.
	c.WriteAt(regLIFCR, 4, 1<<11)
	c.WriteAt(regHIFCR, 4, 1<<21)
	if got := c.ReadAt(regLISR, 4); got != 1<<5|1<<21|1<<27 {
		t.Fatalf("LISR after clear = %#x", got)
	}
	if got := c.ReadAt(regHISR, 4); got != 1<<5|1<<11|1<<27 {
		t.Fatalf("HISR after clear = %#x", got)
	}
	// Writes to unmapped bit positions are ignored.
	c.WriteAt(regLIFCR, 4, ^uint32(1<<5|1<<11|1<<21|1<<27))
	if got := c.ReadAt(regLISR, 4); got != 1<<5|1<<21|1<<27 {
		t.Fatalf("unmapped clear changed LISR: %#x", got)
	}
}

func TestNoIRQWithoutTCIE(t *testing.T) {
	c, _ := newController(t)
	c.WriteAt(sreg(0, regPAR), 4, 0x100)
	c.WriteAt(sreg(0, regM0AR), 4, 0x200)
	c.WriteAt(sreg(0, regNDTR), 4, 1)
	c.WriteAt(sreg(0, regCR), 4, crEN|crDIR(PeriphToMem))
	pulse(c, 0)
	if got := c.ReadAt(regLISR, 4); got != 1<<5 {
		t.Fatalf("finished not set: %#x", got)
	}
	if c.IRQ(0).Level() != gpio.Low {
		t.Fatalf("IRQ raised without TCIE")
	}
}

func TestIRQDeferredToSyncPoint(t *testing.T) {
	ram := emu.NewRAM(0, 0x1000)
	sync := &deferredSync{}
	c, err := New("dma1", ram, sync, nil)
	if err != nil {
		t.Fatal(err)
	}
	c.WriteAt(sreg(0, regPAR), 4, 0x100)
	c.WriteAt(sreg(0, regM0AR), 4, 0x200)
	c.WriteAt(sreg(0, regNDTR), 4, 1)
	c.WriteAt(sreg(0, regCR), 4, crEN|crTCIE|crDIR(PeriphToMem))
	pulse(c, 0)

	// Completion is visible, the edge is not.
	if got := c.ReadAt(regLISR, 4); got != 1<<5 {
		t.Fatalf("finished not set before sync: %#x", got)
	}
	if c.IRQ(0).Level() != gpio.Low {
		t.Fatalf("IRQ raised before sync point")
	}
	sync.Run()
	if c.IRQ(0).Level() != gpio.High {
		t.Fatalf("IRQ not raised at sync point")
	}
}

func TestClearBeforeSyncSuppressesIRQ(t *testing.T) {
	ram := emu.NewRAM(0, 0x1000)
	sync := &deferredSync{}
	c, err := New("dma1", ram, sync, nil)
	if err != nil {
		t.Fatal(err)
	}
	c.WriteAt(sreg(0, regPAR), 4, 0x100)
	c.WriteAt(sreg(0, regM0AR), 4, 0x200)
	c.WriteAt(sreg(0, regNDTR), 4, 1)
	c.WriteAt(sreg(0, regCR), 4, crEN|crTCIE|crDIR(PeriphToMem))
	pulse(c, 0)

	c.WriteAt(regLIFCR, 4, 1<<5)
	sync.Run()
	if c.IRQ(0).Level() != gpio.Low {
		t.Fatalf("IRQ raised although finished was cleared first")
	}
}

func TestReservedSizeFallsBackToByte(t *testing.T) {
	c, ram := newController(t)
	c.WriteAt(sreg(0, regPAR), 4, 0x100)
	c.WriteAt(sreg(0, regM0AR), 4, 0x200)
	c.WriteAt(sreg(0, regNDTR), 4, 1)
	c.WriteAt(sreg(0, regCR), 4, crEN|crDIR(PeriphToMem)|crPSIZE(3))
	pulse(c, 0)
	if len(ram.Copies) != 1 || ram.Copies[0].N != 1 {
		t.Fatalf("copies = %+v, want one 1-byte copy", ram.Copies)
	}
}

func TestSubWordRegisterAccess(t *testing.T) {
	c, _ := newController(t)
	// Half-word write reaches NDTR via widening.
	c.WriteAt(sreg(0, regNDTR), 2, 7)
	if got := c.ReadAt(sreg(0, regNDTR), 4); got != 7 {
		t.Fatalf("NDTR = %d, want 7", got)
	}
	// Byte write of CR bits 8-15 sets CIRC and PINC without
	// touching the rest.
	c.WriteAt(sreg(0, regCR)+1, 1, (crCIRC|crPINC)>>8)
	got := c.ReadAt(sreg(0, regCR), 4)
	if got&(crCIRC|crPINC) != crCIRC|crPINC {
		t.Fatalf("CR = %#x, want CIRC and PINC set", got)
	}
	if got&crEN != 0 {
		t.Fatalf("CR = %#x, EN set by sub-word write", got)
	}
}

func TestFCRReset(t *testing.T) {
	c, _ := newController(t)
	if got := c.ReadAt(sreg(5, regFCR), 4); got != fcrReset {
		t.Fatalf("FCR = %#x, want %#x", got, fcrReset)
	}
	c.WriteAt(sreg(5, regFCR), 4, 0x07)
	c.Reset()
	if got := c.ReadAt(sreg(5, regFCR), 4); got != fcrReset {
		t.Fatalf("FCR after reset = %#x, want %#x", got, fcrReset)
	}
}
