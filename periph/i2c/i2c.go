// Package i2c emulates the master mode of an STM32F4 I²C peripheral.
// The software-visible state machine is driven by CR1/DR writes and
// by the mandated SR1-then-SR2 status read order; the status flags
// ADDR, BTF, RxNE and TxE are pure derivations of the state and the
// queue contents.
package i2c

import (
	"fmt"
	"log/slog"
	"sync"

	"periph.io/x/conn/v3/gpio"

	"mcuemu.dev/emu"
	"mcuemu.dev/regbank"
	"mcuemu.dev/signal"
)

// Size is the byte size of the register region.
const Size = 0x400

// Register offsets.
const (
	regCR1   = 0x00
	regCR2   = 0x04
	regOAR1  = 0x08
	regOAR2  = 0x0C
	regDR    = 0x10
	regSR1   = 0x14
	regSR2   = 0x18
	regCCR   = 0x1C
	regTRISE = 0x20
)

// Device is a child peripheral on the emulated bus, indexed by its
// 7-bit address. Read may return an empty batch. A returned error
// aborts the current transaction.
type Device interface {
	Write(p []byte) error
	Read() ([]byte, error)
	FinishTransmission() error
}

type state int

const (
	stateIdle state = iota
	stateAwaitAddress
	stateAwaitSR1Read
	stateAwaitSR2Read
	stateAwaitData
	stateReceiving
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateAwaitAddress:
		return "await-address"
	case stateAwaitSR1Read:
		return "await-sr1"
	case stateAwaitSR2Read:
		return "await-sr2"
	case stateAwaitData:
		return "await-data"
	case stateReceiving:
		return "receiving"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Controller is one I²C controller instance. Register dispatch is
// single-threaded (the bus-access thread); the mutex makes the
// derived flag recomputation and queue handling safe against
// synced-state callbacks arriving from the scheduler.
type Controller struct {
	log  *slog.Logger
	sync emu.Syncer
	bank *regbank.Bank

	evIRQ  *signal.Line
	errIRQ *signal.Line
	dmaTx  *signal.Line
	dmaRx  *signal.Line

	devices map[uint8]Device

	mu  sync.Mutex
	st  state
	sel Device
	// read is the transfer direction latched from the address
	// byte.
	read bool
	txq  []byte
	rxq  []byte

	af      bool
	ack     bool
	pe      bool
	itevten bool
	itbufen bool
	iterren bool
	dmaen   bool
	dmalast bool

	deferred []func()
}

// New builds a controller over the given child devices. Addresses
// must fit 7 bits.
func New(name string, devices map[uint8]Device, syncer emu.Syncer, log *slog.Logger) (*Controller, error) {
	if log == nil {
		log = slog.Default()
	}
	for addr := range devices {
		if addr > 0x7F {
			return nil, fmt.Errorf("i2c %s: child address 0x%x exceeds 7 bits", name, addr)
		}
	}
	c := &Controller{
		log:     log.With(slog.String("periph", name)),
		sync:    syncer,
		devices: devices,
		evIRQ:   signal.NewLine(name + "-ev-irq"),
		errIRQ:  signal.NewLine(name + "-err-irq"),
		dmaTx:   signal.NewLine(name + "-dma-tx"),
		dmaRx:   signal.NewLine(name + "-dma-rx"),
	}
	bank, err := regbank.New(name, Size, regbank.AlignedOnly, log, c.fields())
	if err != nil {
		return nil, err
	}
	c.bank = bank
	return c, nil
}

// EventIRQ returns the event interrupt output.
func (c *Controller) EventIRQ() *signal.Line { return c.evIRQ }

// ErrorIRQ returns the error interrupt output.
func (c *Controller) ErrorIRQ() *signal.Line { return c.errIRQ }

// DMATransmit returns the level-based transmit request line.
func (c *Controller) DMATransmit() *signal.Line { return c.dmaTx }

// DMAReceive returns the level-based receive request line.
func (c *Controller) DMAReceive() *signal.Line { return c.dmaRx }

// ReadAt services a CPU read. Sub-word reads project from the
// aligned word.
func (c *Controller) ReadAt(off uint32, size int) uint32 {
	c.mu.Lock()
	v := c.bank.ReadAt(off, size)
	c.finish()
	return v
}

// WriteAt services a CPU write. Sub-word writes are accepted only at
// word-aligned offsets, so a byte write can never read the data
// register as a side effect.
func (c *Controller) WriteAt(off uint32, size int, v uint32) {
	c.mu.Lock()
	c.bank.WriteAt(off, size, v)
	c.finish()
}

// finish recomputes the output lines, releases the lock and hands
// deferred work to the syncer.
func (c *Controller) finish() {
	lines := c.recompute()
	deferred := c.deferred
	c.deferred = nil
	c.mu.Unlock()
	lines()
	for _, fn := range deferred {
		c.sync.ExecuteInNearestSyncedState(fn)
	}
}

// Derived status flags.

func (c *Controller) flagSB() bool { return c.st == stateAwaitAddress }

func (c *Controller) flagADDR() bool {
	return c.st == stateAwaitSR1Read || c.st == stateAwaitSR2Read
}

func (c *Controller) flagRxNE() bool {
	return c.st == stateReceiving && len(c.rxq) > 0
}

func (c *Controller) flagTxE() bool {
	if c.st == stateAwaitData && len(c.txq) == 0 {
		return true
	}
	return !c.read && (c.st == stateAwaitSR1Read || c.st == stateAwaitSR2Read)
}

func (c *Controller) flagBTF() bool {
	if c.st != stateAwaitData && c.st != stateReceiving {
		return false
	}
	if c.read {
		return c.flagRxNE()
	}
	return c.flagTxE()
}

func (c *Controller) busy() bool { return c.st != stateIdle }

// evPending is the event interrupt predicate. Callers hold c.mu.
func (c *Controller) evPending() bool {
	return c.itevten && (c.flagSB() || c.flagADDR() || c.flagBTF() ||
		(c.itbufen && (c.flagTxE() || c.flagRxNE())))
}

// errPending is the error interrupt predicate. Callers hold c.mu.
func (c *Controller) errPending() bool {
	return c.iterren && c.af
}

// recompute refreshes the four output lines from the current state.
// It must run after every state or queue mutation. The returned
// closure applies the new levels and is invoked after the lock is
// released. Interrupt de-assertion is immediate; assertion edges are
// deferred to the next synchronization point and re-check their
// predicate when they fire, so a state change that lands first wins.
func (c *Controller) recompute() func() {
	ev := c.evPending()
	errLine := c.errPending()
	rx := c.dmaen && c.flagRxNE() && c.st == stateReceiving
	tx := c.dmaen && c.flagTxE() && c.st == stateAwaitData
	if ev && c.evIRQ.Level() == gpio.Low {
		c.deferred = append(c.deferred, func() {
			c.mu.Lock()
			raise := c.evPending()
			c.mu.Unlock()
			if raise {
				c.evIRQ.High()
			}
		})
	}
	if errLine && c.errIRQ.Level() == gpio.Low {
		c.deferred = append(c.deferred, func() {
			c.mu.Lock()
			raise := c.errPending()
			c.mu.Unlock()
			if raise {
				c.errIRQ.High()
			}
		})
	}
	return func() {
		if !ev {
			c.evIRQ.Low()
		}
		if !errLine {
			c.errIRQ.Low()
		}
		c.dmaRx.Set(gpio.Level(rx))
		c.dmaTx.Set(gpio.Level(tx))
	}
}

// abort drops the transaction after a child error: log, AF, Idle.
func (c *Controller) abort(op string, err error) {
	c.log.Warn("child aborted transaction", slog.String("op", op), slog.Any("err", err))
	c.af = true
	c.toIdle(false)
}

// toIdle clears the transaction state. When finishTx is set, pending
// transmit bytes are committed and the child is told the transaction
// is over.
func (c *Controller) toIdle(finishTx bool) {
	if finishTx && c.sel != nil {
		if c.commit() {
			if err := c.sel.FinishTransmission(); err != nil {
				c.log.Warn("child aborted transaction", slog.String("op", "finish"), slog.Any("err", err))
				c.af = true
			}
		}
	}
	c.st = stateIdle
	c.sel = nil
	c.txq = nil
	c.rxq = nil
}

// commit flushes queued transmit bytes to the child. It reports
// false after a child error, with the transaction already aborted.
func (c *Controller) commit() bool {
	if len(c.txq) == 0 {
		return true
	}
	p := c.txq
	c.txq = nil
	if err := c.sel.Write(p); err != nil {
		c.abort("write", err)
		return false
	}
	return true
}

// start handles a CR1.START write: from idle a fresh address phase,
// otherwise a repeated start that commits the prior batch first.
func (c *Controller) start() {
	switch c.st {
	case stateIdle:
		c.st = stateAwaitAddress
	case stateAwaitAddress:
		// Restart during the address phase: no-op.
	default:
		if c.sel != nil {
			if !c.commit() {
				return
			}
			if err := c.sel.FinishTransmission(); err != nil {
				c.abort("finish", err)
				return
			}
		}
		c.rxq = nil
		c.st = stateAwaitAddress
	}
}

// stop handles a CR1.STOP write.
func (c *Controller) stop() {
	c.toIdle(true)
}

// swrst is the CR1.SWRST software reset: every queue and flag is
// dropped and the controller returns to idle.
func (c *Controller) swrst() {
	c.st = stateIdle
	c.sel = nil
	c.txq = nil
	c.rxq = nil
	c.af = false
	c.ack = false
	c.itevten = false
	c.itbufen = false
	c.iterren = false
	c.dmaen = false
	c.dmalast = false
	c.bank.Reset()
}

// writeDR dispatches a data register write on the current state.
func (c *Controller) writeDR(v uint32) {
	b := byte(v)
	switch c.st {
	case stateAwaitAddress:
		addr := b >> 1
		c.read = b&1 != 0
		dev, ok := c.devices[addr]
		if !ok {
			c.log.Warn("no child at address", slog.String("addr", fmt.Sprintf("0x%02x", addr)))
			c.af = true
			c.toIdle(false)
			return
		}
		c.sel = dev
		c.st = stateAwaitSR1Read
	case stateAwaitData:
		c.txq = append(c.txq, b)
		c.deferred = append(c.deferred, c.flushTx)
	default:
		c.log.Warn("data register write in unsupported state", slog.String("state", c.st.String()))
	}
}

// peekDR returns the byte the next data register read delivers,
// without side effects. The bank also consults it for the old value
// when the register is written, so it must stay pure.
func (c *Controller) peekDR() uint32 {
	if c.st == stateReceiving && len(c.rxq) > 0 {
		return uint32(c.rxq[0])
	}
	return 0
}

// drRead fires after a data register read and dequeues the byte just
// delivered. Reads outside of receive mode return zero.
func (c *Controller) drRead() {
	if c.st != stateReceiving {
		c.log.Warn("data register read in unsupported state", slog.String("state", c.st.String()))
		return
	}
	if len(c.rxq) == 0 {
		c.log.Warn("data register read with empty receive queue")
		return
	}
	c.rxq = c.rxq[1:]
	if len(c.rxq) == 0 {
		// Queue drained, pull the next batch from the child at
		// the next synchronization point.
		c.deferred = append(c.deferred, c.receiveFromChild)
	}
}

// flushTx runs in a synced state and commits queued transmit bytes.
func (c *Controller) flushTx() {
	c.mu.Lock()
	if c.st == stateAwaitData && c.sel != nil {
		c.commit()
	}
	c.finish()
}

// receiveFromChild runs in a synced state and pulls a batch from the
// child into the receive queue.
func (c *Controller) receiveFromChild() {
	c.mu.Lock()
	if c.st == stateReceiving && c.sel != nil {
		p, err := c.sel.Read()
		if err != nil {
			c.abort("read", err)
		} else {
			c.rxq = append(c.rxq, p...)
		}
	}
	c.finish()
}

// sr1Read fires after any SR1 read and advances the address phase.
func (c *Controller) sr1Read() {
	if c.st == stateAwaitSR1Read {
		c.st = stateAwaitSR2Read
	}
}

// sr2Read fires after any SR2 read. Completing the SR1→SR2 sequence
// clears ADDR and enters the data phase; a read transaction
// immediately schedules the first pull from the child.
func (c *Controller) sr2Read() {
	if c.st != stateAwaitSR2Read {
		return
	}
	if c.read {
		c.st = stateReceiving
		c.deferred = append(c.deferred, c.receiveFromChild)
	} else {
		c.st = stateAwaitData
	}
}

func (c *Controller) fields() []regbank.Field {
	flag := func(name string, off uint32, pos uint8, read func() bool, write func(bool)) regbank.Field {
		return regbank.Field{
			Name: name, Offset: off, Pos: pos, Width: 1, Kind: regbank.Flag,
			Read:  func() uint32 { return b2u(read()) },
			Write: func(_, new uint32) { write(new != 0) },
		}
	}
	derived := func(name string, off uint32, pos uint8, read func() bool) regbank.Field {
		return regbank.Field{
			Name: name, Offset: off, Pos: pos, Width: 1, Kind: regbank.Flag,
			Access: regbank.ReadOnly,
			Read:   func() uint32 { return b2u(read()) },
		}
	}
	trigger := func(name string, off uint32, pos uint8, fire func()) regbank.Field {
		return regbank.Field{
			Name: name, Offset: off, Pos: pos, Width: 1, Kind: regbank.Flag,
			Access: regbank.WriteOnly,
			Write: func(_, new uint32) {
				if new != 0 {
					fire()
				}
			},
		}
	}
	fs := []regbank.Field{
		flag("CR1.PE", regCR1, 0, func() bool { return c.pe }, func(v bool) { c.pe = v }),
		trigger("CR1.START", regCR1, 8, c.start),
		trigger("CR1.STOP", regCR1, 9, c.stop),
		flag("CR1.ACK", regCR1, 10, func() bool { return c.ack }, func(v bool) { c.ack = v }),
		trigger("CR1.SWRST", regCR1, 15, c.swrst),

		{Name: "CR2.FREQ", Offset: regCR2, Pos: 0, Width: 6, Kind: regbank.Value},
		flag("CR2.ITERREN", regCR2, 8, func() bool { return c.iterren }, func(v bool) { c.iterren = v }),
		flag("CR2.ITEVTEN", regCR2, 9, func() bool { return c.itevten }, func(v bool) { c.itevten = v }),
		flag("CR2.ITBUFEN", regCR2, 10, func() bool { return c.itbufen }, func(v bool) { c.itbufen = v }),
		flag("CR2.DMAEN", regCR2, 11, func() bool { return c.dmaen }, func(v bool) { c.dmaen = v }),
		flag("CR2.LAST", regCR2, 12, func() bool { return c.dmalast }, func(v bool) { c.dmalast = v }),

		// Own-address registers exist only for software that
		// probes them; slave addressing is not emulated.
		{Name: "OAR1", Offset: regOAR1, Pos: 0, Width: 16, Kind: regbank.Unimplemented},
		{Name: "OAR2", Offset: regOAR2, Pos: 0, Width: 8, Kind: regbank.Unimplemented},

		{Name: "DR", Offset: regDR, Pos: 0, Width: 8, Kind: regbank.Value,
			Read:     c.peekDR,
			Write:    func(_, new uint32) { c.writeDR(new) },
			PostRead: c.drRead},

		derived("SR1.SB", regSR1, 0, c.flagSB),
		derived("SR1.ADDR", regSR1, 1, c.flagADDR),
		derived("SR1.BTF", regSR1, 2, c.flagBTF),
		derived("SR1.RxNE", regSR1, 6, c.flagRxNE),
		derived("SR1.TxE", regSR1, 7, c.flagTxE),
		{Name: "SR1.AF", Offset: regSR1, Pos: 10, Width: 1, Kind: regbank.Flag,
			Access:   regbank.Write0Clear,
			Read:     func() uint32 { return b2u(c.af) },
			Change:   func(_, new uint32) { c.af = new != 0 },
			PostRead: c.sr1Read},

		derived("SR2.MSL", regSR2, 0, c.busy),
		derived("SR2.BUSY", regSR2, 1, c.busy),
		{Name: "SR2.TRA", Offset: regSR2, Pos: 2, Width: 1, Kind: regbank.Flag,
			Access:   regbank.ReadOnly,
			Read:     func() uint32 { return b2u(c.busy() && !c.read) },
			PostRead: c.sr2Read},

		{Name: "CCR", Offset: regCCR, Pos: 0, Width: 16, Kind: regbank.Value},
		{Name: "TRISE", Offset: regTRISE, Pos: 0, Width: 6, Kind: regbank.Value},
	}
	return fs
}

func b2u(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
