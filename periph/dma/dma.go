// Package dma emulates an STM32-style DMA controller with eight
// independent transfer streams, shared interrupt status registers and
// per-stream peripheral request pins.
package dma

import (
	"fmt"
	"log/slog"
	"sync"

	"periph.io/x/conn/v3/gpio"

	"mcuemu.dev/emu"
	"mcuemu.dev/regbank"
	"mcuemu.dev/signal"
)

// NumStreams is the number of transfer streams per controller.
const NumStreams = 8

// Size is the byte size of the controller's register region.
const Size = 0x400

// Register offsets.
const (
	regLISR  = 0x00
	regHISR  = 0x04
	regLIFCR = 0x08
	regHIFCR = 0x0C

	streamBase = 0x10
	streamSize = 0x18

	regCR   = 0x00
	regNDTR = 0x04
	regPAR  = 0x08
	regM0AR = 0x0C
	regM1AR = 0x10
	regFCR  = 0x14

	fcrReset = 0x21
)

// statusBits maps stream-within-half to its bit position in the
// status and clear registers. The hardware layout is not contiguous.
var statusBits = [4]uint8{5, 11, 21, 27}

// Direction is a stream's transfer direction, per the CR.DIR field.
type Direction uint8

const (
	PeriphToMem Direction = iota
	MemToPeriph
	MemToMem
)

func (d Direction) String() string {
	switch d {
	case PeriphToMem:
		return "p2m"
	case MemToPeriph:
		return "m2p"
	case MemToMem:
		return "m2m"
	}
	return fmt.Sprintf("Direction(%d)", uint8(d))
}

type stream struct {
	c   *Controller
	n   int
	irq *signal.Line

	enabled    bool
	// enWritten shadows the last EN bit written; the enable edge
	// is applied only after the whole CR write has settled, so
	// direction and size bits written in the same word count.
	enWritten  bool
	reqPending bool
	dir        Direction
	psize      int
	msize      int
	pinc       bool
	minc       bool
	circ       bool
	tcie       bool
	par        uint32
	m0ar       uint32
	m1ar       uint32
	ndt        uint16
	latch      uint16
	finished   bool
}

// Controller is one DMA controller instance. Register dispatch runs
// on the bus-access thread; request pins may be pulsed from other
// emulated components, so all stream state is guarded by a single
// controller mutex that also covers the finished bits and IRQ
// toggling.
type Controller struct {
	log  *slog.Logger
	bus  emu.Bus
	sync emu.Syncer
	bank *regbank.Bank

	mu      sync.Mutex
	streams [NumStreams]*stream
	// deferred collects IRQ-edge work scheduled while mu is
	// held. Public entry points hand it to the syncer after
	// unlocking, so an immediate syncer cannot re-enter the lock.
	deferred []func()
}

// New builds a controller issuing transfers through bus and deferring
// IRQ edges through syncer. name scopes log output.
func New(name string, bus emu.Bus, syncer emu.Syncer, log *slog.Logger) (*Controller, error) {
	if log == nil {
		log = slog.Default()
	}
	c := &Controller{
		log:  log.With(slog.String("periph", name)),
		bus:  bus,
		sync: syncer,
	}
	for i := range c.streams {
		c.streams[i] = &stream{
			c:     c,
			n:     i,
			irq:   signal.NewLine(fmt.Sprintf("%s-stream%d-irq", name, i)),
			psize: 1,
			msize: 1,
		}
	}
	bank, err := regbank.New(name, Size, regbank.Widen, log, c.fields())
	if err != nil {
		return nil, err
	}
	c.bank = bank
	return c, nil
}

// IRQ returns stream n's interrupt output line.
func (c *Controller) IRQ(n int) *signal.Line {
	return c.streams[n].irq
}

// ReadAt services a CPU read of the register region.
func (c *Controller) ReadAt(off uint32, size int) uint32 {
	c.mu.Lock()
	v := c.bank.ReadAt(off, size)
	c.flushLocked()
	return v
}

// WriteAt services a CPU write of the register region.
func (c *Controller) WriteAt(off uint32, size int, v uint32) {
	c.mu.Lock()
	c.bank.WriteAt(off, size, v)
	c.flushLocked()
}

// flushLocked releases mu and hands accumulated IRQ work to the
// syncer.
func (c *Controller) flushLocked() {
	deferred := c.deferred
	c.deferred = nil
	c.mu.Unlock()
	for _, fn := range deferred {
		c.sync.ExecuteInNearestSyncedState(fn)
	}
}

// Reset returns the controller to its power-on state. Pending IRQ
// lines are released.
func (c *Controller) Reset() {
	c.mu.Lock()
	irqs := make([]*signal.Line, 0, NumStreams)
	for _, s := range c.streams {
		*s = stream{c: c, n: s.n, irq: s.irq, psize: 1, msize: 1}
		irqs = append(irqs, s.irq)
	}
	c.bank.Reset()
	c.mu.Unlock()
	for _, irq := range irqs {
		irq.Low()
	}
}

// SetRequest drives stream n's peripheral request pin. A rising edge
// on an enabled stream dispatches a transfer; on a disabled stream it
// is recorded in the pending latch only.
func (c *Controller) SetRequest(n int, lv gpio.Level) {
	c.mu.Lock()
	s := c.streams[n]
	rising := lv == gpio.High && !s.reqPending
	s.reqPending = lv == gpio.High
	if rising {
		if s.enabled {
			s.selectTransfer()
		} else {
			c.log.Debug("request pulse on disabled stream", slog.Int("stream", n))
		}
	}
	c.flushLocked()
}

// RequestPin adapts stream n's request input to a line watcher, for
// wiring a peripheral's level-based request output straight into the
// controller.
func (c *Controller) RequestPin(n int) func(gpio.Level) {
	return func(lv gpio.Level) { c.SetRequest(n, lv) }
}

// transferSize decodes a 2-bit PSIZE/MSIZE value. The reserved
// encoding is treated as one byte.
func (c *Controller) transferSize(n int, field string, v uint32) int {
	switch v {
	case 0:
		return 1
	case 1:
		return 2
	case 2:
		return 4
	}
	c.log.Warn("reserved transfer size encoding, using 1 byte",
		slog.Int("stream", n), slog.String("field", field))
	return 1
}

// selectTransfer dispatches on direction: memory-to-memory streams
// run a full burst, peripheral streams move exactly one item per
// request. Callers hold c.mu.
func (s *stream) selectTransfer() {
	if s.dir == MemToMem {
		s.doMemoryTransfer()
	} else {
		s.doPeripheralTransfer()
	}
}

// checkRequest validates the transfer preconditions. Violations
// disable the stream, leaving finished clear.
func (s *stream) checkRequest(items int) bool {
	if s.ndt == 0 {
		s.c.log.Error("transfer request with NDT=0", slog.Int("stream", s.n))
		s.enabled = false
		return false
	}
	if items > int(s.ndt) {
		s.c.log.Error("transfer request larger than NDT",
			slog.Int("stream", s.n), slog.Int("items", items), slog.Int("ndt", int(s.ndt)))
		s.enabled = false
		return false
	}
	return true
}

// addresses resolves source and destination for the next transfer,
// applying the increment rules: a side advances by
// alreadyTransferred × its own size iff its increment flag is set.
func (s *stream) addresses() (src, dst uint32, srcSize int) {
	already := uint32(s.latch - s.ndt)
	periph := s.par
	if s.pinc {
		periph += already * uint32(s.psize)
	}
	mem := s.m0ar
	if s.minc {
		mem += already * uint32(s.msize)
	}
	switch s.dir {
	case MemToPeriph:
		return mem, periph, s.msize
	default:
		// PeriphToMem and MemToMem both read from the
		// peripheral address.
		return periph, mem, s.psize
	}
}

// doMemoryTransfer issues the whole remaining burst as one bus copy.
func (s *stream) doMemoryTransfer() {
	if !s.checkRequest(int(s.ndt)) {
		return
	}
	src, dst, _ := s.addresses()
	n := int(s.ndt) * s.psize
	if err := s.c.bus.Copy(dst, src, n); err != nil {
		s.c.log.Error("bus copy failed", slog.Int("stream", s.n), slog.Any("err", err))
		s.enabled = false
		return
	}
	if s.circ {
		s.ndt = s.latch
	} else {
		s.ndt = 0
		s.enabled = false
	}
	s.complete()
}

// doPeripheralTransfer moves exactly one peripheral-sized item.
func (s *stream) doPeripheralTransfer() {
	if !s.checkRequest(1) {
		return
	}
	src, dst, _ := s.addresses()
	if err := s.c.bus.Copy(dst, src, s.psize); err != nil {
		s.c.log.Error("bus copy failed", slog.Int("stream", s.n), slog.Any("err", err))
		s.enabled = false
		return
	}
	s.ndt--
	if s.ndt > 0 {
		return
	}
	if s.circ {
		s.ndt = s.latch
	} else {
		s.enabled = false
	}
	s.complete()
}

// complete records stream completion and queues the IRQ edge for the
// next synchronization point. Callers hold c.mu. The edge checks the
// finished bit again when it fires: a clear that lands before the
// sync point wins.
func (s *stream) complete() {
	s.finished = true
	if !s.tcie {
		return
	}
	c := s.c
	c.deferred = append(c.deferred, func() {
		c.mu.Lock()
		raise := s.finished && s.tcie
		c.mu.Unlock()
		if raise {
			s.irq.High()
		}
	})
}

// setEnable handles the CR.EN edge. The rising edge latches NDT; a
// memory-to-memory stream with a request already pending fires
// immediately, everything else arms and waits for request pulses.
func (s *stream) setEnable(on bool) {
	if on == s.enabled {
		return
	}
	s.enabled = on
	if !on {
		// Falling edge cancels arming only; finished state and
		// a raised IRQ survive.
		return
	}
	s.latch = s.ndt
	if s.dir == MemToMem && s.reqPending {
		s.selectTransfer()
	}
}

// status gathers the finished bits for one register half.
func (c *Controller) status(half int) uint32 {
	var v uint32
	for i, bit := range statusBits {
		if c.streams[half*4+i].finished {
			v |= 1 << bit
		}
	}
	return v
}

// clearStatus applies a write-1-to-clear mask for one register half.
// Clearing a stream's bit also releases its IRQ line.
func (c *Controller) clearStatus(half int, v uint32) {
	for i, bit := range statusBits {
		if v&(1<<bit) == 0 {
			continue
		}
		s := c.streams[half*4+i]
		s.finished = false
		s.irq.Low()
	}
}

// guarded wraps a write callback for registers that are read-only
// while the stream is enabled. The reference manual forbids such
// writes; they are dropped with a log line and the shadowed state is
// left untouched.
func (s *stream) guarded(reg string, apply func(uint32)) func(old, new uint32) {
	return func(old, new uint32) {
		if s.enabled {
			s.c.log.Warn("write ignored while stream enabled",
				slog.Int("stream", s.n), slog.String("reg", reg))
			return
		}
		apply(new)
	}
}

// fields builds the register table: the shared interrupt block
// followed by eight stream register sets. All stream state is
// derived, the bank stores only FCR.
func (c *Controller) fields() []regbank.Field {
	fs := []regbank.Field{
		{Name: "LISR", Offset: regLISR, Pos: 0, Width: 32, Kind: regbank.Value, Access: regbank.ReadOnly,
			Read: func() uint32 { return c.status(0) }},
		{Name: "HISR", Offset: regHISR, Pos: 0, Width: 32, Kind: regbank.Value, Access: regbank.ReadOnly,
			Read: func() uint32 { return c.status(1) }},
		{Name: "LIFCR", Offset: regLIFCR, Pos: 0, Width: 32, Kind: regbank.Value, Access: regbank.WriteOnly,
			Write: func(_, new uint32) { c.clearStatus(0, new) }},
		{Name: "HIFCR", Offset: regHIFCR, Pos: 0, Width: 32, Kind: regbank.Value, Access: regbank.WriteOnly,
			Write: func(_, new uint32) { c.clearStatus(1, new) }},
	}
	for i := range c.streams {
		fs = append(fs, c.streamFields(i)...)
	}
	return fs
}

func (c *Controller) streamFields(n int) []regbank.Field {
	s := c.streams[n]
	base := uint32(streamBase + n*streamSize)
	name := func(r string) string { return fmt.Sprintf("S%d%s", n, r) }
	return []regbank.Field{
		{Name: name("CR.EN"), Offset: base + regCR, Pos: 0, Width: 1, Kind: regbank.Flag,
			Read:      func() uint32 { return b2u(s.enabled) },
			Write:     func(_, new uint32) { s.enWritten = new != 0 },
			PostWrite: func() { s.setEnable(s.enWritten) }},
		{Name: name("CR.TCIE"), Offset: base + regCR, Pos: 4, Width: 1, Kind: regbank.Flag,
			Read:  func() uint32 { return b2u(s.tcie) },
			Write: func(_, new uint32) { s.tcie = new != 0 }},
		{Name: name("CR.DIR"), Offset: base + regCR, Pos: 6, Width: 2, Kind: regbank.Enum,
			Read: func() uint32 { return uint32(s.dir) },
			Write: func(_, new uint32) {
				if new == 3 {
					c.log.Warn("reserved direction encoding", slog.Int("stream", n))
					new = 0
				}
				s.dir = Direction(new)
			}},
		{Name: name("CR.CIRC"), Offset: base + regCR, Pos: 8, Width: 1, Kind: regbank.Flag,
			Read:  func() uint32 { return b2u(s.circ) },
			Write: func(_, new uint32) { s.circ = new != 0 }},
		{Name: name("CR.PINC"), Offset: base + regCR, Pos: 9, Width: 1, Kind: regbank.Flag,
			Read:  func() uint32 { return b2u(s.pinc) },
			Write: func(_, new uint32) { s.pinc = new != 0 }},
		{Name: name("CR.MINC"), Offset: base + regCR, Pos: 10, Width: 1, Kind: regbank.Flag,
			Read:  func() uint32 { return b2u(s.minc) },
			Write: func(_, new uint32) { s.minc = new != 0 }},
		{Name: name("CR.PSIZE"), Offset: base + regCR, Pos: 11, Width: 2, Kind: regbank.Enum,
			Read:  func() uint32 { return sizeBits(s.psize) },
			Write: func(_, new uint32) { s.psize = c.transferSize(n, "PSIZE", new) }},
		{Name: name("CR.MSIZE"), Offset: base + regCR, Pos: 13, Width: 2, Kind: regbank.Enum,
			Read:  func() uint32 { return sizeBits(s.msize) },
			Write: func(_, new uint32) { s.msize = c.transferSize(n, "MSIZE", new) }},

		{Name: name("NDTR"), Offset: base + regNDTR, Pos: 0, Width: 16, Kind: regbank.Value,
			Read:  func() uint32 { return uint32(s.ndt) },
			Write: s.guarded("NDTR", func(v uint32) { s.ndt = uint16(v) })},
		{Name: name("PAR"), Offset: base + regPAR, Pos: 0, Width: 32, Kind: regbank.Value,
			Read:  func() uint32 { return s.par },
			Write: s.guarded("PAR", func(v uint32) { s.par = v })},
		{Name: name("M0AR"), Offset: base + regM0AR, Pos: 0, Width: 32, Kind: regbank.Value,
			Read:  func() uint32 { return s.m0ar },
			Write: s.guarded("M0AR", func(v uint32) { s.m0ar = v })},
		// M1AR is register-visible only: stored and read back,
		// never used by transfers (no double-buffer mode).
		{Name: name("M1AR"), Offset: base + regM1AR, Pos: 0, Width: 32, Kind: regbank.Value,
			Read:  func() uint32 { return s.m1ar },
			Write: s.guarded("M1AR", func(v uint32) { s.m1ar = v })},
		{Name: name("FCR"), Offset: base + regFCR, Pos: 0, Width: 8, Kind: regbank.Value, Reset: fcrReset},
	}
}

func b2u(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

func sizeBits(size int) uint32 {
	switch size {
	case 2:
		return 1
	case 4:
		return 2
	}
	return 0
}
