package gdt

// Granularity is the unit of a segment limit.
type Granularity uint8

const (
	Byte Granularity = iota // limit counts bytes
	Page                    // limit counts 4 KiB pages
)

// Size is the default operand/address size of a segment (the D/B bit).
type Size uint8

const (
	Protected16 Size = iota
	Protected32
)

// Flag nibble bits, as they appear in the upper nibble of descriptor byte 6.
const (
	FlagGranularity uint8 = 1 << 3
	FlagSize        uint8 = 1 << 2
	FlagLongMode    uint8 = 1 << 1
	FlagReserved    uint8 = 1 << 0 // AVL, always written as zero
)

const PageSize = 4096

// Flags are the G, D/B and L bits of a descriptor.
type Flags struct {
	Granularity Granularity
	Size        Size
	LongMode    bool
}

// Flat32 are the flags of a 4 GiB, 32-bit segment.
var Flat32 = Flags{Granularity: Page, Size: Protected32}

// Encode returns the 4-bit flag value.
func (f Flags) Encode() uint8 {
	var b uint8
	if f.Granularity == Page {
		b |= FlagGranularity
	}
	if f.Size == Protected32 {
		b |= FlagSize
	}
	if f.LongMode {
		b |= FlagLongMode
	}
	return b
}

// DecodeFlags reads a flag nibble. The reserved bit is ignored.
func DecodeFlags(nibble uint8) Flags {
	var f Flags
	if nibble&FlagGranularity != 0 {
		f.Granularity = Page
	}
	if nibble&FlagSize != 0 {
		f.Size = Protected32
	}
	f.LongMode = nibble&FlagLongMode != 0
	return f
}

// Extent returns the highest addressable offset for limit under these flags:
// limit itself for byte granularity, limit*4096+4095 for page granularity.
func (f Flags) Extent(limit uint32) uint64 {
	if f.Granularity == Page {
		return uint64(limit)*PageSize + PageSize - 1
	}
	return uint64(limit)
}
