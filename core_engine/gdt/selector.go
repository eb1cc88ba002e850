package gdt

import (
	"errors"
	"fmt"
)

// MaxDescriptors is the number of entries a GDT can address: the 13-bit selector index.
const MaxDescriptors = 8192

var ErrBadSelector = errors.New("gdt: selector out of range")

// Selector is a segment selector: index<<3 | TI | RPL. TI is always 0 (GDT).
type Selector uint16

const (
	selectorRPLMask = 0x3
	selectorTI      = 0x4
)

// NewSelector returns index*8 + rpl.
func NewSelector(index int, rpl Privilege) (Selector, error) {
	if index < 0 || index >= MaxDescriptors {
		return 0, fmt.Errorf("%w: index %d", ErrBadSelector, index)
	}
	if rpl > Ring3 {
		return 0, fmt.Errorf("%w: rpl %d", ErrBadSelector, rpl)
	}
	return Selector(index<<3) | Selector(rpl), nil
}

// MustSelector is NewSelector for constant arguments. It panics on bad input.
func MustSelector(index int, rpl Privilege) Selector {
	s, err := NewSelector(index, rpl)
	if err != nil {
		panic(err)
	}
	return s
}

func (s Selector) Index() int       { return int(s >> 3) }
func (s Selector) RPL() Privilege   { return Privilege(s & selectorRPLMask) }
func (s Selector) LocalTable() bool { return s&selectorTI != 0 }
func (s Selector) IsNull() bool     { return s.Index() == 0 && !s.LocalTable() }
func (s Selector) Offset() uint32   { return uint32(s.Index()) * DescriptorSize }
func (s Selector) String() string   { return fmt.Sprintf("0x%04x(index=%d rpl=%d)", uint16(s), s.Index(), s.RPL()) }
