package boot

import (
	"example.com/protoboot/core_engine/gdt"
)

// Segment is a segment register.
type Segment uint8

const (
	ES Segment = iota
	CS
	SS
	DS
	FS
	GS
)

func (s Segment) String() string {
	return [...]string{"ES", "CS", "SS", "DS", "FS", "GS"}[s]
}

// Machine is the set of hardware operations the transition is made of. CodeGen
// turns them into boot sector code; Model performs them against device models.
type Machine interface {
	DisableInterrupts() error
	LoadSegment(seg Segment, sel gdt.Selector) error
	// WaitInputEmpty polls statusPort until the input-buffer-full bit clears.
	// A positive limit bounds the number of reads; running out returns ErrA20Timeout.
	WaitInputEmpty(statusPort uint16, limit int) error
	WriteByte(port uint16, value byte) error
	LoadGDT(p gdt.Pointer) error
	EnableProtection() error
	// FarJump reloads CS with code and continues in the segment's mode.
	FarJump(code gdt.Selector) error
	SetStack(esp uint32) error
	// Call transfers control to the next stage. returned reports whether
	// control can come back; code generators always report true because the
	// fallthrough path has to exist in the image.
	Call(entry uint32) (returned bool, err error)
	Signal(port uint16, words ...uint16) error
	Halt() error
}
