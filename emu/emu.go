// Package emu defines the machine context shared by the emulated
// peripherals: the bus fabric they issue memory traffic through and
// the virtual-time synchronization hook interrupt edges are deferred
// to.
package emu

import (
	"errors"
	"fmt"
)

// Bus is the word/byte access and memory-copy engine of the machine's
// bus fabric. Peripherals never touch memory directly; every transfer
// goes through a Bus.
type Bus interface {
	Read(addr uint32, p []byte) error
	Write(addr uint32, p []byte) error
	// Copy moves n bytes from src to dst in a single bus
	// transaction.
	Copy(dst, src uint32, n int) error
}

// Syncer schedules work at the next virtual-time synchronization
// point. Interrupt edges must be raised through it, never from within
// the originating bus transaction.
type Syncer interface {
	ExecuteInNearestSyncedState(fn func())
}

// ImmediateSync runs scheduled work inline. It stands in for the
// machine's tick scheduler in tests and simple hosts.
type ImmediateSync struct{}

func (ImmediateSync) ExecuteInNearestSyncedState(fn func()) { fn() }

var errBusRange = errors.New("access outside memory range")

// RAM is a flat memory region implementing Bus. It records the copy
// operations issued against it, in order.
type RAM struct {
	Base uint32
	Mem  []byte

	// Copies holds every Copy issued, oldest first.
	Copies []CopyOp
}

type CopyOp struct {
	Dst, Src uint32
	N        int
}

func NewRAM(base uint32, size int) *RAM {
	return &RAM{Base: base, Mem: make([]byte, size)}
}

func (r *RAM) slice(addr uint32, n int) ([]byte, error) {
	if addr < r.Base || int(addr-r.Base)+n > len(r.Mem) {
		return nil, fmt.Errorf("%w: 0x%08x+%d", errBusRange, addr, n)
	}
	off := int(addr - r.Base)
	return r.Mem[off : off+n], nil
}

func (r *RAM) Read(addr uint32, p []byte) error {
	src, err := r.slice(addr, len(p))
	if err != nil {
		return err
	}
	copy(p, src)
	return nil
}

func (r *RAM) Write(addr uint32, p []byte) error {
	dst, err := r.slice(addr, len(p))
	if err != nil {
		return err
	}
	copy(dst, p)
	return nil
}

func (r *RAM) Copy(dst, src uint32, n int) error {
	s, err := r.slice(src, n)
	if err != nil {
		return err
	}
	d, err := r.slice(dst, n)
	if err != nil {
		return err
	}
	copy(d, s)
	r.Copies = append(r.Copies, CopyOp{Dst: dst, Src: src, N: n})
	return nil
}
