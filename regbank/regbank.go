// Package regbank implements a data-driven, memory-mapped register
// bank. A bank is a table of bit-fields; a single generic dispatcher
// applies reads and writes to the table, so peripherals declare their
// register layout as data and hang behavior off field callbacks.
package regbank

import (
	"fmt"
	"log/slog"
	"sort"
)

// Access is a field's software access mode.
type Access uint8

const (
	// ReadWrite fields are stored and freely writable.
	ReadWrite Access = iota
	// ReadOnly fields ignore writes.
	ReadOnly
	// WriteOnly fields read as zero.
	WriteOnly
	// ReadToClear fields reset to zero after each read of the
	// containing register.
	ReadToClear
	// Write0Clear fields can only be cleared by software, by
	// writing zero bits.
	Write0Clear
)

// Kind tags what a field represents. Reserved and Unimplemented
// fields carry no behavior beyond access logging.
type Kind uint8

const (
	Flag Kind = iota
	Value
	Enum
	Reserved
	Unimplemented
)

// Field describes one bit-field of a 32-bit register at Offset.
// Fields with a Read callback are derived: their value lives in the
// owning peripheral and the bank stores nothing for them.
type Field struct {
	Name   string
	Offset uint32
	Pos    uint8
	Width  uint8
	Kind   Kind
	Access Access
	Reset  uint32

	// Read returns the field's current value.
	Read func() uint32
	// Write observes every accepted write, before storage.
	Write func(old, new uint32)
	// Change fires only when an accepted write actually changes
	// the value.
	Change func(old, new uint32)
	// PostRead fires after a read of the containing register has
	// completed. At most one field per register may set it.
	PostRead func()
	// PostWrite fires after a write of the containing register
	// has been applied to every field, for side effects that need
	// the whole register settled first. At most one field per
	// register may set it.
	PostWrite func()
}

func (f *Field) mask() uint32 {
	return ((1 << f.Width) - 1) << f.Pos
}

// Policy selects how sub-word accesses are translated.
type Policy uint8

const (
	// Widen turns sub-word writes into read-modify-write of the
	// containing word and projects sub-word reads from it.
	Widen Policy = iota
	// AlignedOnly accepts writes only at word-aligned offsets,
	// zero-extending them; other writes are dropped with a log
	// line. Reads project from the aligned word. This keeps a
	// stray byte write from reading a register as a side effect.
	AlignedOnly
)

type field struct {
	Field
	val    uint32
	warned bool
}

// Bank is a register bank of Size bytes.
type Bank struct {
	name   string
	size   uint32
	policy Policy
	log    *slog.Logger
	regs   map[uint32][]*field
}

// New validates the field table and builds the bank. Field offsets
// must be word-aligned and in range, widths must fit a 32-bit
// register, and fields of one register must not overlap.
func New(name string, size uint32, policy Policy, log *slog.Logger, fields []Field) (*Bank, error) {
	if log == nil {
		log = slog.Default()
	}
	b := &Bank{
		name:   name,
		size:   size,
		policy: policy,
		log:    log.With(slog.String("bank", name)),
		regs:   make(map[uint32][]*field),
	}
	for _, f := range fields {
		if f.Offset%4 != 0 || f.Offset >= size {
			return nil, fmt.Errorf("regbank %s: field %s: bad offset 0x%x", name, f.Name, f.Offset)
		}
		if f.Width == 0 || int(f.Pos)+int(f.Width) > 32 {
			return nil, fmt.Errorf("regbank %s: field %s: bad position %d width %d", name, f.Name, f.Pos, f.Width)
		}
		if f.Reset&^((1<<f.Width)-1) != 0 {
			return nil, fmt.Errorf("regbank %s: field %s: reset value 0x%x exceeds width", name, f.Name, f.Reset)
		}
		b.regs[f.Offset] = append(b.regs[f.Offset], &field{Field: f})
	}
	for off, fs := range b.regs {
		sort.Slice(fs, func(i, j int) bool { return fs[i].Pos < fs[j].Pos })
		var used uint32
		postReads, postWrites := 0, 0
		for _, f := range fs {
			if used&f.mask() != 0 {
				return nil, fmt.Errorf("regbank %s: overlapping fields at offset 0x%x", name, off)
			}
			used |= f.mask()
			if f.PostRead != nil {
				postReads++
			}
			if f.PostWrite != nil {
				postWrites++
			}
		}
		if postReads > 1 || postWrites > 1 {
			return nil, fmt.Errorf("regbank %s: multiple post-access hooks at offset 0x%x", name, off)
		}
	}
	b.Reset()
	return b, nil
}

func (b *Bank) Size() uint32 { return b.size }

// Reset restores every field to its declared reset value. Callbacks
// do not fire.
func (b *Bank) Reset() {
	for _, fs := range b.regs {
		for _, f := range fs {
			f.val = f.Reset
		}
	}
}

func (f *field) current() uint32 {
	if f.Read != nil {
		return f.Read()
	}
	return f.val
}

// ReadWord reads the 32-bit register at off, firing read side
// effects (derived reads, read-to-clear, the register's PostRead
// hook). Unhandled offsets read as zero with a log line.
func (b *Bank) ReadWord(off uint32) uint32 {
	fs, ok := b.regs[off]
	if !ok || off >= b.size {
		b.log.Warn("read of unhandled register", slog.String("offset", fmt.Sprintf("0x%03x", off)))
		return 0
	}
	var v uint32
	var post func()
	for _, f := range fs {
		if f.Kind == Unimplemented && !f.warned {
			f.warned = true
			b.log.Warn("read of unimplemented field", slog.String("field", f.Name))
		}
		if f.PostRead != nil {
			post = f.PostRead
		}
		if f.Access == WriteOnly {
			continue
		}
		v |= (f.current() & ((1 << f.Width) - 1)) << f.Pos
		if f.Access == ReadToClear {
			f.val = 0
		}
	}
	if post != nil {
		post()
	}
	return v
}

// peekWord reads the register without any side effects. Used for the
// read-modify-write half of widened sub-word writes.
func (b *Bank) peekWord(off uint32) uint32 {
	var v uint32
	for _, f := range b.regs[off] {
		if f.Access == WriteOnly {
			continue
		}
		v |= (f.current() & ((1 << f.Width) - 1)) << f.Pos
	}
	return v
}

// WriteWord writes the 32-bit register at off. Writes to unhandled
// offsets are dropped with a log line.
func (b *Bank) WriteWord(off uint32, v uint32) {
	fs, ok := b.regs[off]
	if !ok || off >= b.size {
		b.log.Warn("write to unhandled register",
			slog.String("offset", fmt.Sprintf("0x%03x", off)),
			slog.String("value", fmt.Sprintf("0x%08x", v)))
		return
	}
	var post func()
	for _, f := range fs {
		if f.PostWrite != nil {
			post = f.PostWrite
		}
		incoming := (v >> f.Pos) & ((1 << f.Width) - 1)
		old := f.current()
		var new uint32
		switch f.Access {
		case ReadOnly, ReadToClear:
			continue
		case Write0Clear:
			new = old & incoming
		default:
			new = incoming
		}
		if f.Kind == Unimplemented && !f.warned {
			f.warned = true
			b.log.Warn("write to unimplemented field", slog.String("field", f.Name))
		}
		if f.Write != nil {
			f.Write(old, new)
		}
		if f.Read == nil {
			f.val = new
		}
		if new != old && f.Change != nil {
			f.Change(old, new)
		}
	}
	if post != nil {
		post()
	}
}

// ReadAt performs a 1, 2 or 4-byte read at off, projecting sub-word
// sizes from the aligned word.
func (b *Bank) ReadAt(off uint32, size int) uint32 {
	if size == 4 && off%4 == 0 {
		return b.ReadWord(off)
	}
	aligned := off &^ 3
	w := b.ReadWord(aligned)
	shift := (off - aligned) * 8
	switch size {
	case 1:
		return (w >> shift) & 0xff
	case 2:
		return (w >> shift) & 0xffff
	default:
		b.log.Warn("misaligned word read", slog.String("offset", fmt.Sprintf("0x%03x", off)))
		return (w >> shift)
	}
}

// WriteAt performs a 1, 2 or 4-byte write at off according to the
// bank's translation policy.
func (b *Bank) WriteAt(off uint32, size int, v uint32) {
	if size == 4 && off%4 == 0 {
		b.WriteWord(off, v)
		return
	}
	switch b.policy {
	case AlignedOnly:
		if off%4 != 0 {
			b.log.Warn("dropped sub-word write at unaligned offset",
				slog.String("offset", fmt.Sprintf("0x%03x", off)), slog.Int("size", size))
			return
		}
		switch size {
		case 1:
			v &= 0xff
		case 2:
			v &= 0xffff
		}
		b.WriteWord(off, v)
	default:
		aligned := off &^ 3
		shift := (off - aligned) * 8
		var mask uint32
		switch size {
		case 1:
			mask = 0xff << shift
		case 2:
			mask = 0xffff << shift
		default:
			b.log.Warn("misaligned word write", slog.String("offset", fmt.Sprintf("0x%03x", off)))
			mask = 0xffffffff << shift
		}
		w := b.peekWord(aligned)
		w = w&^mask | (v<<shift)&mask
		b.WriteWord(aligned, w)
	}
}
