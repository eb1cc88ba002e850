package boot

import (
	"errors"
	"fmt"
	"log"

	"example.com/protoboot/core_engine/devices"
	"example.com/protoboot/core_engine/gdt"
)

const cr0PE = 1 << 0

// A20Gate reports the state of the address line 20 gate.
type A20Gate interface {
	A20Enabled() bool
}

// SegmentState is the visible selector and cached descriptor of a segment register.
type SegmentState struct {
	Selector   gdt.Selector
	Descriptor gdt.Descriptor
	Base       uint32
}

// StageFunc stands in for the next stage. It returns true if it returns to
// its caller.
type StageFunc func(m *Model) (returned bool)

// Model is a Machine that performs each operation against device models and
// a flat guest memory, checking the operation the way the processor would.
// Violations are reported as *FaultError.
type Model struct {
	Bus    *devices.IOBus
	Memory []byte
	Gate   A20Gate // nil leaves the gate permanently open
	Stage  StageFunc

	Logger *log.Logger
	Debug  bool

	interrupts bool
	cr0        uint32
	gdtr       gdt.Pointer
	gdtLoaded  bool
	segs       [GS + 1]SegmentState
	cpl        gdt.Privilege
	bits       int
	esp        uint32
	halted     bool
	polls      int
}

// NewModel returns a processor in the state firmware leaves it in at the boot
// sector: real mode, interrupts enabled, 16-bit code.
func NewModel(bus *devices.IOBus, memory []byte) *Model {
	return &Model{
		Bus:        bus,
		Memory:     memory,
		Logger:     log.Default(),
		interrupts: true,
		bits:       16,
	}
}

func (m *Model) debugf(format string, args ...any) {
	if m.Debug {
		m.Logger.Printf("Model: "+format, args...)
	}
}

// LoadImage copies a boot sector to its load address.
func (m *Model) LoadImage(img *Image) error {
	return m.WriteMemory(img.Layout().LoadAddress, img.Bytes())
}

// phys applies the A20 gate to a linear address.
func (m *Model) phys(addr uint32) uint32 {
	if m.Gate != nil && !m.Gate.A20Enabled() {
		return addr &^ (1 << 20)
	}
	return addr
}

func (m *Model) ReadMemory(addr uint32, n int) ([]byte, error) {
	p := uint64(m.phys(addr))
	if p+uint64(n) > uint64(len(m.Memory)) {
		return nil, fmt.Errorf("boot: read of %d bytes at 0x%x outside guest memory", n, addr)
	}
	out := make([]byte, n)
	copy(out, m.Memory[p:])
	return out, nil
}

func (m *Model) WriteMemory(addr uint32, b []byte) error {
	p := uint64(m.phys(addr))
	if p+uint64(len(b)) > uint64(len(m.Memory)) {
		return fmt.Errorf("boot: write of %d bytes at 0x%x outside guest memory", len(b), addr)
	}
	copy(m.Memory[p:], b)
	return nil
}

// descriptor fetches and decodes the GDT entry sel refers to.
func (m *Model) descriptor(sel gdt.Selector, notPresent int) (gdt.Descriptor, error) {
	if sel.LocalTable() {
		return gdt.Descriptor{}, fault(VectorGP, sel, "local descriptor tables are not supported")
	}
	if !m.gdtLoaded || sel.Offset()+gdt.DescriptorSize-1 > uint32(m.gdtr.Size) {
		return gdt.Descriptor{}, fault(VectorGP, sel, "index %d beyond GDT limit 0x%x", sel.Index(), m.gdtr.Size)
	}
	raw, err := m.ReadMemory(m.gdtr.Base+sel.Offset(), gdt.DescriptorSize)
	if err != nil {
		return gdt.Descriptor{}, fault(VectorGP, sel, "%v", err)
	}
	d, err := gdt.DecodeDescriptor([gdt.DescriptorSize]byte(raw))
	if errors.Is(err, gdt.ErrNotPresent) {
		return gdt.Descriptor{}, fault(notPresent, sel, "segment not present")
	}
	if err != nil {
		return gdt.Descriptor{}, fault(VectorGP, sel, "%v", err)
	}
	return d, nil
}

func (m *Model) DisableInterrupts() error {
	m.interrupts = false
	return nil
}

func (m *Model) LoadSegment(seg Segment, sel gdt.Selector) error {
	if seg == CS {
		return fault(VectorGP, sel, "CS can only be loaded by a far transfer")
	}
	if m.cr0&cr0PE == 0 {
		m.segs[seg] = SegmentState{Selector: sel, Base: uint32(sel) << 4}
		return nil
	}
	if sel.IsNull() {
		if seg == SS {
			return fault(VectorGP, sel, "null stack segment")
		}
		m.segs[seg] = SegmentState{Selector: sel}
		return nil
	}

	notPresent := VectorNP
	if seg == SS {
		notPresent = VectorSS
	}
	d, err := m.descriptor(sel, notPresent)
	if err != nil {
		return err
	}
	dpl := d.Access.Privilege
	switch kind := d.Access.Kind.(type) {
	case gdt.Data:
		if seg == SS {
			if !kind.Writable {
				return fault(VectorGP, sel, "stack segment is not writable")
			}
			if sel.RPL() != m.cpl || dpl != m.cpl {
				return fault(VectorGP, sel, "stack segment privilege %d, CPL %d", dpl, m.cpl)
			}
		} else if max(m.cpl, sel.RPL()) > dpl {
			return fault(VectorGP, sel, "data segment privilege %d below CPL %d / RPL %d", dpl, m.cpl, sel.RPL())
		}
	case gdt.Code:
		if seg == SS {
			return fault(VectorGP, sel, "code segment loaded into SS")
		}
		if !kind.Readable {
			return fault(VectorGP, sel, "execute-only code segment loaded into %s", seg)
		}
		if kind.Conforming == gdt.Equal && max(m.cpl, sel.RPL()) > dpl {
			return fault(VectorGP, sel, "code segment privilege %d below CPL %d / RPL %d", dpl, m.cpl, sel.RPL())
		}
	default:
		return fault(VectorGP, sel, "system descriptor loaded into %s", seg)
	}
	m.segs[seg] = SegmentState{Selector: sel, Descriptor: d, Base: d.Base}
	m.debugf("%s = %s", seg, sel)
	return nil
}

func (m *Model) WaitInputEmpty(statusPort uint16, limit int) error {
	for n := 1; ; n++ {
		st, err := m.Bus.In(statusPort)
		if err != nil {
			return err
		}
		m.polls++
		if st&devices.KBD_STATUS_IBF == 0 {
			return nil
		}
		if limit > 0 && n >= limit {
			return fmt.Errorf("%w after %d reads of port 0x%x", ErrA20Timeout, n, statusPort)
		}
	}
}

func (m *Model) WriteByte(port uint16, value byte) error {
	return m.Bus.Out(port, value)
}

func (m *Model) LoadGDT(p gdt.Pointer) error {
	m.gdtr = p
	m.gdtLoaded = true
	m.debugf("GDTR base=0x%x size=0x%x (%d entries)", p.Base, p.Size, p.Entries())
	return nil
}

func (m *Model) EnableProtection() error {
	m.cr0 |= cr0PE
	return nil
}

func (m *Model) FarJump(code gdt.Selector) error {
	if m.cr0&cr0PE == 0 {
		return fault(VectorGP, code, "far jump to a selector with protection disabled")
	}
	if m.Gate != nil && !m.Gate.A20Enabled() {
		return fault(VectorGP, code, "A20 gate closed")
	}
	if code.IsNull() {
		return fault(VectorGP, code, "null code selector")
	}
	d, err := m.descriptor(code, VectorNP)
	if err != nil {
		return err
	}
	kind, ok := d.Access.Kind.(gdt.Code)
	if !ok {
		return fault(VectorGP, code, "far jump target is not a code segment (%s)", d.Access)
	}
	dpl := d.Access.Privilege
	if kind.Conforming == gdt.Equal {
		if code.RPL() > m.cpl || dpl != m.cpl {
			return fault(VectorGP, code, "non-conforming code privilege %d, CPL %d, RPL %d", dpl, m.cpl, code.RPL())
		}
	} else if dpl > m.cpl {
		return fault(VectorGP, code, "conforming code privilege %d above CPL %d", dpl, m.cpl)
	}
	m.segs[CS] = SegmentState{Selector: code&^3 | gdt.Selector(m.cpl), Descriptor: d, Base: d.Base}
	m.bits = 16
	if d.Flags.Size == gdt.Protected32 {
		m.bits = 32
	}
	m.debugf("CS = %s, %d-bit code", code, m.bits)
	return nil
}

func (m *Model) SetStack(esp uint32) error {
	if m.cr0&cr0PE != 0 {
		ss := m.segs[SS]
		if !ss.Selector.IsNull() && esp != 0 && uint64(esp-1) > ss.Descriptor.Extent() {
			return fault(VectorSS, ss.Selector, "stack pointer 0x%x beyond limit", esp)
		}
	}
	m.esp = esp
	return nil
}

// Call pushes a return address and runs Stage. A nil Stage returns at once.
func (m *Model) Call(entry uint32) (bool, error) {
	if m.bits != 32 {
		return false, fault(VectorGP, m.segs[CS].Selector, "call to 0x%x from %d-bit code", entry, m.bits)
	}
	if m.esp < 4 {
		return false, fault(VectorSS, m.segs[SS].Selector, "no room on the stack at 0x%x", m.esp)
	}
	// There is no instruction pointer in the model, so the pushed slot holds
	// the call target instead of a return address.
	m.esp -= 4
	slot := []byte{byte(entry), byte(entry >> 8), byte(entry >> 16), byte(entry >> 24)}
	if err := m.WriteMemory(m.segs[SS].Base+m.esp, slot); err != nil {
		return false, fault(VectorSS, m.segs[SS].Selector, "%v", err)
	}
	m.debugf("call 0x%x", entry)
	returned := true
	if m.Stage != nil {
		returned = m.Stage(m)
	}
	if returned {
		m.esp += 4
	}
	return returned, nil
}

func (m *Model) Signal(port uint16, words ...uint16) error {
	for _, w := range words {
		if err := m.Bus.OutWord(port, w); err != nil {
			return err
		}
	}
	return nil
}

func (m *Model) Halt() error {
	m.halted = true
	return nil
}

func (m *Model) InterruptsEnabled() bool        { return m.interrupts }
func (m *Model) ProtectedMode() bool            { return m.cr0&cr0PE != 0 }
func (m *Model) CodeBits() int                  { return m.bits }
func (m *Model) CPL() gdt.Privilege             { return m.cpl }
func (m *Model) GDTR() gdt.Pointer              { return m.gdtr }
func (m *Model) Segment(s Segment) SegmentState { return m.segs[s] }
func (m *Model) ESP() uint32                    { return m.esp }
func (m *Model) Halted() bool                   { return m.halted }
func (m *Model) Polls() int                     { return m.polls }
