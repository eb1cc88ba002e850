package gdt

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// DescriptorSize is the size in bytes of one legacy segment descriptor.
	DescriptorSize = 8
	// MaxLimit is the largest value the 20-bit limit field can hold.
	MaxLimit = 0xFFFFF
)

var (
	ErrLimitOverflow = errors.New("gdt: limit does not fit in 20 bits")
	// ErrNotNull is returned for a descriptor without a kind whose other fields are set.
	ErrNotNull = errors.New("gdt: descriptor without a kind is not null")
)

// Descriptor is one GDT entry. The zero value is the null descriptor.
//
// Layout of the encoded form:
//
//	byte 0-1  limit 15:0
//	byte 2-3  base 15:0
//	byte 4    base 23:16
//	byte 5    access byte
//	byte 6    flags (high nibble) | limit 19:16 (low nibble)
//	byte 7    base 31:24
type Descriptor struct {
	Base   uint32
	Limit  uint32
	Flags  Flags
	Access Access
}

// Null returns the null descriptor.
func Null() Descriptor { return Descriptor{} }

// IsNull reports whether d is the null descriptor.
func (d Descriptor) IsNull() bool { return d.Access.Kind == nil }

// FlatCode returns a readable code segment spanning 4 GiB.
func FlatCode(dpl Privilege) Descriptor {
	return Descriptor{
		Limit:  MaxLimit,
		Flags:  Flat32,
		Access: Access{Privilege: dpl, Kind: Code{Conforming: Equal, Readable: true}},
	}
}

// FlatData returns a writable, expand-up data segment spanning 4 GiB.
func FlatData(dpl Privilege) Descriptor {
	return Descriptor{
		Limit:  MaxLimit,
		Flags:  Flat32,
		Access: Access{Privilege: dpl, Kind: Data{Direction: GrowsUp, Writable: true}},
	}
}

// LimitFor returns the limit and granularity that cover extent bytes starting at
// the segment base. Extents up to 1 MiB keep byte granularity; larger ones are
// rounded up to whole pages.
func LimitFor(extent uint64) (uint32, Granularity, error) {
	if extent == 0 {
		return 0, Byte, fmt.Errorf("%w: empty extent", ErrLimitOverflow)
	}
	if extent-1 <= MaxLimit {
		return uint32(extent - 1), Byte, nil
	}
	pages := (extent + PageSize - 1) / PageSize
	if pages-1 > MaxLimit {
		return 0, Page, fmt.Errorf("%w: extent 0x%x exceeds 4 GiB", ErrLimitOverflow, extent)
	}
	return uint32(pages - 1), Page, nil
}

// Encode packs the descriptor into its 8-byte hardware form.
func (d Descriptor) Encode() ([DescriptorSize]byte, error) {
	var b [DescriptorSize]byte
	if d.IsNull() {
		if d != Null() {
			return b, fmt.Errorf("%w: base=0x%x limit=0x%x flags=0x%x", ErrNotNull, d.Base, d.Limit, d.Flags.Encode())
		}
		return b, nil
	}
	if d.Limit > MaxLimit {
		return b, fmt.Errorf("%w: 0x%x", ErrLimitOverflow, d.Limit)
	}
	if err := d.Access.Validate(); err != nil {
		return b, err
	}
	binary.LittleEndian.PutUint16(b[0:], uint16(d.Limit&0xFFFF))
	binary.LittleEndian.PutUint16(b[2:], uint16(d.Base&0xFFFF))
	b[4] = uint8(d.Base >> 16)
	b[5] = d.Access.Encode()
	b[6] = d.Flags.Encode()<<4 | uint8((d.Limit>>16)&0x0F)
	b[7] = uint8(d.Base >> 24)
	return b, nil
}

// Uint64 returns the encoded descriptor as a little-endian quadword.
func (d Descriptor) Uint64() (uint64, error) {
	b, err := d.Encode()
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// DecodeDescriptor unpacks an encoded descriptor. Eight zero bytes decode to
// the null descriptor.
func DecodeDescriptor(b [DescriptorSize]byte) (Descriptor, error) {
	if b == ([DescriptorSize]byte{}) {
		return Null(), nil
	}
	access, err := DecodeAccess(b[5])
	if err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		Base:   uint32(binary.LittleEndian.Uint16(b[2:])) | uint32(b[4])<<16 | uint32(b[7])<<24,
		Limit:  uint32(binary.LittleEndian.Uint16(b[0:])) | uint32(b[6]&0x0F)<<16,
		Flags:  DecodeFlags(b[6] >> 4),
		Access: access,
	}, nil
}

// Extent is the highest offset addressable through the segment.
func (d Descriptor) Extent() uint64 { return d.Flags.Extent(d.Limit) }

func (d Descriptor) String() string {
	if d.IsNull() {
		return "null"
	}
	return fmt.Sprintf("%s base=0x%08x limit=0x%05x flags=0x%x", d.Access, d.Base, d.Limit, d.Flags.Encode())
}
