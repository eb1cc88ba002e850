package boot

import (
	"bytes"
	"fmt"
)

// Layout describes where things ended up in the boot sector. Addresses are
// linear; the sector occupies LoadAddress to LoadAddress+512.
type Layout struct {
	LoadAddress    uint32
	CodeSize       int
	TableAddress   uint32
	TableSize      int
	PointerAddress uint32 // the 6-byte LGDT record
	Limit          int    // bytes usable before the partition table or signature
}

func (l Layout) String() string {
	return fmt.Sprintf("code 0x%x+%d, gdt 0x%x+%d, gdtr 0x%x, limit %d",
		l.LoadAddress, l.CodeSize, l.TableAddress, l.TableSize, l.PointerAddress, l.Limit)
}

// Image is a finished boot sector.
type Image struct {
	sector [SectorSize]byte
	layout Layout
}

// Bytes returns a copy of the 512-byte sector.
func (i *Image) Bytes() []byte {
	out := make([]byte, SectorSize)
	copy(out, i.sector[:])
	return out
}

func (i *Image) Layout() Layout { return i.layout }

// Code returns the machine code at the start of the sector.
func (i *Image) Code() []byte {
	out := make([]byte, i.layout.CodeSize)
	copy(out, i.sector[:i.layout.CodeSize])
	return out
}

// ParseImage wraps a boot sector read back from a disk. Only the load address
// and the usable limit are known for it; the limit shrinks to the partition
// table offset when partition entries are present.
func ParseImage(sector []byte, loadAddress uint32) (*Image, error) {
	if len(sector) != SectorSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadSignature, len(sector))
	}
	if sector[SignatureOffset] != 0x55 || sector[SignatureOffset+1] != 0xAA {
		return nil, fmt.Errorf("%w: found %02x %02x", ErrBadSignature, sector[SignatureOffset], sector[SignatureOffset+1])
	}
	img := &Image{layout: Layout{LoadAddress: loadAddress, Limit: SignatureOffset}}
	copy(img.sector[:], sector)
	if !bytes.Equal(sector[PartitionTableOffset:SignatureOffset], make([]byte, SignatureOffset-PartitionTableOffset)) {
		img.layout.Limit = PartitionTableOffset
	}
	return img, nil
}
