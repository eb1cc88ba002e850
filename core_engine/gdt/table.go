package gdt

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrEmptyTable         = errors.New("gdt: table has no descriptors")
	ErrTooManyDescriptors = errors.New("gdt: too many descriptors")
	ErrNoCodeSegment      = errors.New("gdt: table has no code descriptor")
	ErrNoDataSegment      = errors.New("gdt: table has no data descriptor")
	ErrNoSuchDescriptor   = errors.New("gdt: no such descriptor")
)

// PointerSize is the size of the memory operand of LGDT.
const PointerSize = 6

// Pointer is the GDTR image: table size minus one and its linear address.
type Pointer struct {
	Size uint16
	Base uint32
}

// Bytes returns the 6-byte LGDT operand (size, then base, little-endian).
func (p Pointer) Bytes() [PointerSize]byte {
	var b [PointerSize]byte
	binary.LittleEndian.PutUint16(b[0:], p.Size)
	binary.LittleEndian.PutUint32(b[2:], p.Base)
	return b
}

// DecodePointer reads an LGDT operand.
func DecodePointer(b [PointerSize]byte) Pointer {
	return Pointer{
		Size: binary.LittleEndian.Uint16(b[0:]),
		Base: binary.LittleEndian.Uint32(b[2:]),
	}
}

// Entries is the number of descriptors the pointer covers.
func (p Pointer) Entries() int { return (int(p.Size) + 1) / DescriptorSize }

// Table is an assembled GDT. It is immutable once built and is bound to the linear
// address it was built for: the CPU is handed that raw address, so the bytes have
// to be placed there and left alone until reset.
type Table struct {
	descriptors []Descriptor
	buf         []byte
	address     uint32
}

// Build encodes descriptors into a table at linearAddress. Slot 0 is always
// written as the null descriptor whatever the caller put there.
func Build(descriptors []Descriptor, linearAddress uint32) (*Table, error) {
	n := len(descriptors)
	if n == 0 {
		return nil, ErrEmptyTable
	}
	if n > MaxDescriptors {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyDescriptors, n, MaxDescriptors)
	}

	t := &Table{
		descriptors: make([]Descriptor, n),
		buf:         make([]byte, n*DescriptorSize),
		address:     linearAddress,
	}
	copy(t.descriptors, descriptors)
	t.descriptors[0] = Null()

	var hasCode, hasData bool
	for i, d := range t.descriptors {
		b, err := d.Encode()
		if err != nil {
			return nil, fmt.Errorf("descriptor %d: %w", i, err)
		}
		copy(t.buf[i*DescriptorSize:], b[:])
		hasCode = hasCode || d.Access.IsCode()
		hasData = hasData || d.Access.IsData()
	}
	if !hasCode {
		return nil, ErrNoCodeSegment
	}
	if !hasData {
		return nil, ErrNoDataSegment
	}
	return t, nil
}

// Flat builds the canonical three-entry table: null, ring 0 code, ring 0 data.
func Flat(linearAddress uint32) (*Table, error) {
	return Build([]Descriptor{Null(), FlatCode(Kernel), FlatData(Kernel)}, linearAddress)
}

// Len is the number of descriptors, including the null one.
func (t *Table) Len() int { return len(t.descriptors) }

// Address is the linear address the table was built for.
func (t *Table) Address() uint32 { return t.address }

// Size is the byte length of the table, 8*Len().
func (t *Table) Size() int { return len(t.buf) }

// Bytes returns a copy of the encoded table.
func (t *Table) Bytes() []byte {
	out := make([]byte, len(t.buf))
	copy(out, t.buf)
	return out
}

// Pointer returns the GDTR record for the table.
func (t *Table) Pointer() Pointer {
	return Pointer{Size: uint16(len(t.buf) - 1), Base: t.address}
}

// Descriptor returns entry i.
func (t *Table) Descriptor(i int) (Descriptor, error) {
	if i < 0 || i >= len(t.descriptors) {
		return Descriptor{}, fmt.Errorf("%w: index %d of %d", ErrNoSuchDescriptor, i, len(t.descriptors))
	}
	return t.descriptors[i], nil
}

// Selector returns the selector of entry i with the given RPL.
func (t *Table) Selector(i int, rpl Privilege) (Selector, error) {
	if i < 0 || i >= len(t.descriptors) {
		return 0, fmt.Errorf("%w: index %d of %d", ErrNoSuchDescriptor, i, len(t.descriptors))
	}
	return NewSelector(i, rpl)
}

// First returns the selector (RPL 0) of the first descriptor matching pred.
func (t *Table) First(pred func(Descriptor) bool) (Selector, error) {
	for i, d := range t.descriptors {
		if i > 0 && pred(d) {
			return NewSelector(i, Ring0)
		}
	}
	return 0, ErrNoSuchDescriptor
}

// CodeSelector is the RPL 0 selector of the first code descriptor.
func (t *Table) CodeSelector() Selector {
	s, _ := t.First(func(d Descriptor) bool { return d.Access.IsCode() })
	return s
}

// DataSelector is the RPL 0 selector of the first data descriptor.
func (t *Table) DataSelector() Selector {
	s, _ := t.First(func(d Descriptor) bool { return d.Access.IsData() })
	return s
}
