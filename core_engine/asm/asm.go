// Package asm is a small two-pass x86 encoder for boot-stage code.
//
// It covers only the instructions the boot sector and the stage payloads need.
// Instructions are appended in the current operand mode; references to labels are
// recorded as fixups and patched by Assemble once every label is known.
package asm

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Mode is the default operand size of the code being emitted.
type Mode int

const (
	Mode16 Mode = 16
	Mode32 Mode = 32
)

func (m Mode) String() string { return fmt.Sprintf("%d-bit", int(m)) }

var (
	ErrDuplicateLabel   = errors.New("asm: duplicate label")
	ErrUndefinedLabel   = errors.New("asm: undefined label")
	ErrBranchRange      = errors.New("asm: branch target out of range")
	ErrAddressRange     = errors.New("asm: absolute address out of range")
	ErrAlreadyAssembled = errors.New("asm: already assembled")
)

type fixupKind int

const (
	rel8 fixupKind = iota
	rel16
	rel32
	abs16
	abs32
)

type fixup struct {
	at    int
	label string
	kind  fixupKind
}

// Assembler accumulates machine code starting at a fixed origin address.
type Assembler struct {
	origin    uint32
	mode      Mode
	buf       []byte
	labels    map[string]uint32
	fixups    []fixup
	assembled bool
}

// New returns an assembler whose first byte will live at origin.
func New(origin uint32, mode Mode) *Assembler {
	return &Assembler{
		origin: origin,
		mode:   mode,
		labels: make(map[string]uint32),
	}
}

func (a *Assembler) Origin() uint32 { return a.origin }
func (a *Assembler) Mode() Mode     { return a.mode }
func (a *Assembler) SetMode(m Mode) { a.mode = m }
func (a *Assembler) Len() int       { return len(a.buf) }
func (a *Assembler) PC() uint32     { return a.origin + uint32(len(a.buf)) }

// Label binds name to the current position.
func (a *Assembler) Label(name string) error {
	if _, ok := a.labels[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateLabel, name)
	}
	a.labels[name] = a.PC()
	return nil
}

// Define binds name to an absolute address outside the emitted code, such as a
// table placed elsewhere in the image or the entry point of the next stage.
func (a *Assembler) Define(name string, addr uint32) error {
	if _, ok := a.labels[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateLabel, name)
	}
	a.labels[name] = addr
	return nil
}

// Address returns the absolute address of a bound label.
func (a *Assembler) Address(name string) (uint32, error) {
	addr, ok := a.labels[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUndefinedLabel, name)
	}
	return addr, nil
}

// Emit appends raw bytes.
func (a *Assembler) Emit(b ...byte) { a.buf = append(a.buf, b...) }

func (a *Assembler) emit16(v uint16) { a.buf = binary.LittleEndian.AppendUint16(a.buf, v) }
func (a *Assembler) emit32(v uint32) { a.buf = binary.LittleEndian.AppendUint32(a.buf, v) }

// opsize emits the operand-size prefix when want differs from the current mode.
func (a *Assembler) opsize(want Mode) {
	if want != a.mode {
		a.Emit(0x66)
	}
}

func (a *Assembler) ref(label string, kind fixupKind) {
	a.fixups = append(a.fixups, fixup{at: len(a.buf), label: label, kind: kind})
	switch kind {
	case rel8:
		a.Emit(0)
	case rel16, abs16:
		a.emit16(0)
	case rel32, abs32:
		a.emit32(0)
	}
}

// Align pads with fill until the current address is a multiple of n.
func (a *Assembler) Align(n uint32, fill byte) {
	for a.PC()%n != 0 {
		a.Emit(fill)
	}
}

// PadTo pads with fill until the code is size bytes long.
func (a *Assembler) PadTo(size int, fill byte) error {
	if len(a.buf) > size {
		return fmt.Errorf("asm: code is %d bytes, cannot pad to %d", len(a.buf), size)
	}
	for len(a.buf) < size {
		a.Emit(fill)
	}
	return nil
}

// Asciz emits s followed by a zero byte.
func (a *Assembler) Asciz(s string) {
	a.Emit([]byte(s)...)
	a.Emit(0)
}

// Assemble resolves every fixup and returns the final code.
func (a *Assembler) Assemble() ([]byte, error) {
	if a.assembled {
		return nil, ErrAlreadyAssembled
	}
	for _, f := range a.fixups {
		addr, ok := a.labels[f.label]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUndefinedLabel, f.label)
		}
		target := int64(addr)
		next := int64(a.origin) + int64(f.at)
		switch f.kind {
		case rel8:
			d := target - (next + 1)
			if d < -128 || d > 127 {
				return nil, fmt.Errorf("%w: %q is %d bytes away", ErrBranchRange, f.label, d)
			}
			a.buf[f.at] = byte(int8(d))
		case rel16:
			d := target - (next + 2)
			if d < -32768 || d > 32767 {
				return nil, fmt.Errorf("%w: %q is %d bytes away", ErrBranchRange, f.label, d)
			}
			binary.LittleEndian.PutUint16(a.buf[f.at:], uint16(int16(d)))
		case rel32:
			d := target - (next + 4)
			binary.LittleEndian.PutUint32(a.buf[f.at:], uint32(int32(d)))
		case abs16:
			if target > 0xFFFF {
				return nil, fmt.Errorf("%w: %q at 0x%x", ErrAddressRange, f.label, target)
			}
			binary.LittleEndian.PutUint16(a.buf[f.at:], uint16(target))
		case abs32:
			binary.LittleEndian.PutUint32(a.buf[f.at:], uint32(target))
		}
	}
	a.assembled = true
	out := make([]byte, len(a.buf))
	copy(out, a.buf)
	return out, nil
}
