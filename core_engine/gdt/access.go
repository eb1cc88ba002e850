// Package gdt builds x86 Global Descriptor Tables bit-for-bit.
//
// Every layout here is dictated by the processor. A descriptor byte that is off by
// one bit is not reported by anything at runtime: the CPU simply faults or resets.
// Errors are therefore only ever returned while a table is being built.
package gdt

import (
	"errors"
	"fmt"
)

// Privilege is a protection ring, 0 (most privileged) to 3.
type Privilege uint8

const (
	Ring0 Privilege = 0
	Ring1 Privilege = 1
	Ring2 Privilege = 2
	Ring3 Privilege = 3

	Kernel = Ring0
	User   = Ring3
)

// Access byte bits.
const (
	AccessPresent    uint8 = 1 << 7
	AccessDPLShift         = 5
	AccessDPLMask    uint8 = 3 << AccessDPLShift
	AccessCodeData   uint8 = 1 << 4 // S bit: 1 code/data, 0 system.
	AccessExecutable uint8 = 1 << 3
	AccessDirConf    uint8 = 1 << 2 // Direction (data) or conforming (code).
	AccessReadWrite  uint8 = 1 << 1 // Writable (data) or readable (code).
	AccessAccessed   uint8 = 1 << 0

	accessTypeMask uint8 = 0x0F
)

var (
	ErrNotPresent   = errors.New("gdt: descriptor not present")
	ErrBadPrivilege = errors.New("gdt: privilege level above ring 3")
	ErrBadType      = errors.New("gdt: system type does not fit in 4 bits")
)

// Kind is the closed set of segment kinds: System, Data or Code.
// Only this package can add implementations.
type Kind interface {
	typeBits() uint8
	isKind()
}

// Direction of a data segment.
type Direction uint8

const (
	GrowsUp Direction = iota
	GrowsDown
)

// Conformance of a code segment. Equal only allows transfers from the same
// privilege level; LessOrEqual lets less privileged code call in.
type Conformance uint8

const (
	Equal Conformance = iota
	LessOrEqual
)

// Data is a data segment.
type Data struct {
	Direction Direction
	Writable  bool
}

// Code is a code segment.
type Code struct {
	Conforming Conformance
	Readable   bool
}

// SystemType is the 4-bit type field of a system descriptor.
type SystemType uint8

const (
	SystemLDT           SystemType = 0x2
	SystemTSS32         SystemType = 0x9
	SystemTSS32Busy     SystemType = 0xB
	SystemCallGate32    SystemType = 0xC
	SystemInterruptGate SystemType = 0xE
	SystemTrapGate      SystemType = 0xF
)

// System is a system segment (LDT, TSS, gate). Its low nibble is the raw type.
type System struct {
	Type SystemType
}

func (d Data) typeBits() uint8 {
	var b uint8
	if d.Direction == GrowsDown {
		b |= AccessDirConf
	}
	if d.Writable {
		b |= AccessReadWrite
	}
	return b
}

func (c Code) typeBits() uint8 {
	b := AccessExecutable
	if c.Conforming == LessOrEqual {
		b |= AccessDirConf
	}
	if c.Readable {
		b |= AccessReadWrite
	}
	return b
}

func (s System) typeBits() uint8 { return uint8(s.Type) & accessTypeMask }

func (Data) isKind()   {}
func (Code) isKind()   {}
func (System) isKind() {}

// Access describes the access byte of a descriptor. Present is always set.
// Accessed applies to code and data only; set it for tables placed in read-only
// memory, where the CPU cannot set the bit itself on the first segment load.
// On a System kind that bit belongs to the type, so Validate rejects Accessed.
type Access struct {
	Privilege Privilege
	Kind      Kind
	Accessed  bool
}

// Validate checks the fields Encode would otherwise truncate.
func (a Access) Validate() error {
	if a.Privilege > Ring3 {
		return fmt.Errorf("%w: %d", ErrBadPrivilege, a.Privilege)
	}
	if s, ok := a.Kind.(System); ok {
		if uint8(s.Type) > accessTypeMask {
			return fmt.Errorf("%w: 0x%x", ErrBadType, uint8(s.Type))
		}
		if a.Accessed {
			return fmt.Errorf("%w: accessed bit on system type 0x%x", ErrBadType, uint8(s.Type))
		}
	}
	return nil
}

// Encode returns the hardware access byte. Fields that fail Validate are
// truncated to their bit width.
func (a Access) Encode() uint8 {
	if a.Kind == nil {
		return 0
	}
	b := AccessPresent | (uint8(a.Privilege&3) << AccessDPLShift) | a.Kind.typeBits()
	if _, ok := a.Kind.(System); !ok {
		b |= AccessCodeData
		if a.Accessed {
			b |= AccessAccessed
		}
	}
	return b
}

// DecodeAccess is the inverse of Encode for present descriptors.
func DecodeAccess(b uint8) (Access, error) {
	if b&AccessPresent == 0 {
		return Access{}, fmt.Errorf("%w: access byte 0x%02x", ErrNotPresent, b)
	}
	a := Access{Privilege: Privilege((b & AccessDPLMask) >> AccessDPLShift)}
	if b&AccessCodeData != 0 {
		a.Accessed = b&AccessAccessed != 0
	}
	switch {
	case b&AccessCodeData == 0:
		a.Kind = System{Type: SystemType(b & accessTypeMask)}
	case b&AccessExecutable != 0:
		c := Code{Readable: b&AccessReadWrite != 0}
		if b&AccessDirConf != 0 {
			c.Conforming = LessOrEqual
		}
		a.Kind = c
	default:
		d := Data{Writable: b&AccessReadWrite != 0}
		if b&AccessDirConf != 0 {
			d.Direction = GrowsDown
		}
		a.Kind = d
	}
	return a, nil
}

// IsCode reports whether the access describes an executable segment.
func (a Access) IsCode() bool {
	_, ok := a.Kind.(Code)
	return ok
}

// IsData reports whether the access describes a data segment.
func (a Access) IsData() bool {
	_, ok := a.Kind.(Data)
	return ok
}

func (a Access) String() string {
	switch k := a.Kind.(type) {
	case Code:
		return fmt.Sprintf("code(dpl=%d conforming=%t readable=%t)", a.Privilege, k.Conforming == LessOrEqual, k.Readable)
	case Data:
		return fmt.Sprintf("data(dpl=%d down=%t writable=%t)", a.Privilege, k.Direction == GrowsDown, k.Writable)
	case System:
		return fmt.Sprintf("system(dpl=%d type=0x%x)", a.Privilege, uint8(k.Type))
	}
	return "null"
}
