package hypervisor

import (
	"fmt"

	"example.com/protoboot/core_engine/gdt"
)

// Segment type nibbles KVM expects for real-mode segment registers.
const (
	realModeDataType = 0x3 // read/write, accessed
	realModeCodeType = 0xB // execute/read, accessed
)

// RealModeSegment is the hidden state a segment register holds after the
// firmware loads selector sel in real mode: base sel*16 and a 64 KiB limit.
func RealModeSegment(sel uint16, code bool) KvmSegment {
	s := KvmSegment{
		Base:     uint64(sel) << 4,
		Limit:    0xFFFF,
		Selector: sel,
		Type:     realModeDataType,
		Present:  1,
		S:        1,
	}
	if code {
		s.Type = realModeCodeType
	}
	return s
}

// DescriptorSegment is the hidden state a protected-mode segment register
// holds after loading sel, which refers to d. A null selector yields an
// unusable segment.
func DescriptorSegment(sel gdt.Selector, d gdt.Descriptor) KvmSegment {
	if sel.IsNull() || d.IsNull() {
		return KvmSegment{Selector: uint16(sel), Unusable: 1}
	}
	access := d.Access.Encode()
	s := KvmSegment{
		Base:     uint64(d.Base),
		Limit:    uint32(d.Extent()),
		Selector: uint16(sel),
		Type:     access & 0x0F,
		Present:  1,
		DPL:      uint8(d.Access.Privilege),
		S:        (access >> 4) & 1,
	}
	if d.Flags.Size == gdt.Protected32 {
		s.DB = 1
	}
	if d.Flags.Granularity == gdt.Page {
		s.G = 1
	}
	if d.Flags.LongMode {
		s.L = 1
	}
	return s
}

// Matches reports whether the segment register holds what loading sel with d
// would produce. The accessed bit is ignored since the processor sets it on load.
func (s KvmSegment) Matches(sel gdt.Selector, d gdt.Descriptor) bool {
	want := DescriptorSegment(sel, d)
	if want.Unusable == 1 {
		return s.Unusable == 1 || s.Present == 0
	}
	s.Type |= 1
	want.Type |= 1
	s.AVL, want.AVL = 0, 0
	return s == want
}

func (s KvmSegment) String() string {
	if s.Unusable == 1 {
		return fmt.Sprintf("sel=0x%04x unusable", s.Selector)
	}
	return fmt.Sprintf("sel=0x%04x base=0x%x limit=0x%x type=0x%x s=%d dpl=%d p=%d db=%d g=%d l=%d",
		s.Selector, s.Base, s.Limit, s.Type, s.S, s.DPL, s.Present, s.DB, s.G, s.L)
}
