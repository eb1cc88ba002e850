package boot

import (
	"errors"
	"fmt"

	"example.com/protoboot/core_engine/asm"
	"example.com/protoboot/core_engine/devices"
	"example.com/protoboot/core_engine/gdt"
)

const (
	gdtrLabel  = "gdtr"
	stageLabel = "stage"
	fail16     = "fail16"
)

// CodeGen is a Machine that emits the boot sector. Operations are encoded in
// the order the sequencer issues them; the failure paths are always emitted
// because the generated code cannot know in advance whether it will need them.
type CodeGen struct {
	cfg Config
	a   *asm.Assembler

	ptr    gdt.Pointer
	loaded bool

	ax      uint16 // value known to be in AX when axKnown
	axKnown bool

	labels     int
	needFail16 bool
	finished   bool
	err        error
}

// NewCodeGen returns a generator for code loaded at cfg.LoadAddress.
func NewCodeGen(cfg Config) (*CodeGen, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &CodeGen{cfg: cfg, a: asm.New(cfg.LoadAddress, asm.Mode16)}, nil
}

func (g *CodeGen) label(prefix string) string {
	g.labels++
	return fmt.Sprintf("%s%d", prefix, g.labels)
}

func (g *CodeGen) bind(name string) {
	if err := g.a.Label(name); err != nil && g.err == nil {
		g.err = err
	}
}

func (g *CodeGen) setAX(v uint16) {
	if g.axKnown && g.ax == v {
		return
	}
	if v == 0 {
		g.a.XorAX()
	} else {
		g.a.MovAXImm(v)
	}
	g.ax, g.axKnown = v, true
}

func (g *CodeGen) clobberAX() { g.axKnown = false }

func (g *CodeGen) inAL(port uint16) {
	if port <= 0xFF {
		g.a.InALImm(uint8(port))
		return
	}
	g.a.MovDXImm(port)
	g.a.InALDX()
}

func (g *CodeGen) outAL(port uint16) {
	if port <= 0xFF {
		g.a.OutImmAL(uint8(port))
		return
	}
	g.a.MovDXImm(port)
	g.a.OutDXAL()
}

func (g *CodeGen) DisableInterrupts() error {
	g.a.Cli()
	return g.err
}

func (g *CodeGen) LoadSegment(seg Segment, sel gdt.Selector) error {
	if seg == CS {
		return fmt.Errorf("boot: CS can only be loaded by a far jump")
	}
	g.setAX(uint16(sel))
	g.a.MovSegAX(asm.Seg(seg))
	return g.err
}

// WaitInputEmpty emits a busy loop on the input-buffer-full bit. With a limit
// the loop counts down CX and leaves through the 16-bit failure stub.
func (g *CodeGen) WaitInputEmpty(statusPort uint16, limit int) error {
	poll := g.label("poll")
	if limit == 0 {
		g.bind(poll)
		g.inAL(statusPort)
		g.a.TestALImm(devices.KBD_STATUS_IBF)
		g.a.Jnz(poll)
	} else {
		done := g.label("ready")
		g.a.MovCXImm(uint16(limit))
		g.bind(poll)
		g.inAL(statusPort)
		g.a.TestALImm(devices.KBD_STATUS_IBF)
		g.a.Jz(done)
		g.a.Loop(poll)
		g.a.Jmp(fail16)
		g.bind(done)
		g.needFail16 = true
	}
	g.clobberAX()
	return g.err
}

func (g *CodeGen) WriteByte(port uint16, value byte) error {
	g.a.MovALImm(value)
	g.outAL(port)
	g.clobberAX()
	return g.err
}

// LoadGDT emits lgdt against the record that Image places right after the table.
func (g *CodeGen) LoadGDT(p gdt.Pointer) error {
	if p != g.cfg.Table.Pointer() {
		return fmt.Errorf("boot: GDTR %+v does not describe the configured table", p)
	}
	if err := g.a.Define(gdtrLabel, g.pointerAddress()); err != nil {
		return err
	}
	g.ptr, g.loaded = p, true
	g.a.Lgdt(gdtrLabel)
	return g.err
}

func (g *CodeGen) pointerAddress() uint32 {
	return g.cfg.Table.Address() + uint32(g.cfg.Table.Size())
}

func (g *CodeGen) EnableProtection() error {
	g.a.MovEAXCR0()
	g.a.OrEAXImm(1)
	g.a.MovCR0EAX()
	g.clobberAX()
	return g.err
}

func (g *CodeGen) FarJump(code gdt.Selector) error {
	if err := emitTrampoline(g.a, code); err != nil {
		return err
	}
	return g.err
}

func (g *CodeGen) SetStack(esp uint32) error {
	g.a.MovESPImm(esp)
	return g.err
}

// Call emits a near call to entry. The code after it is reachable.
func (g *CodeGen) Call(entry uint32) (bool, error) {
	if err := g.a.Define(stageLabel, entry); err != nil {
		return false, err
	}
	g.a.Call(stageLabel)
	g.clobberAX()
	return true, g.err
}

func (g *CodeGen) Signal(port uint16, words ...uint16) error {
	g.a.MovDXImm(port)
	for _, w := range words {
		g.setAX(w)
		g.a.OutDXAX()
	}
	return g.err
}

func (g *CodeGen) Halt() error {
	l := g.label("halt")
	g.bind(l)
	g.a.Hlt()
	g.a.Jmp8(l)
	return g.err
}

// finish emits the shared 16-bit failure stub if a bounded poll needs it.
func (g *CodeGen) finish() error {
	if g.finished {
		return g.err
	}
	g.finished = true
	if !g.needFail16 {
		return g.err
	}
	g.a.SetMode(asm.Mode16)
	g.clobberAX()
	g.bind(fail16)
	if err := g.Signal(g.cfg.DebugPort, devices.DEBUG_ENABLE, devices.DEBUG_BREAKPOINT); err != nil {
		return err
	}
	return g.Halt()
}

// Image assembles the emitted code and lays out the boot sector. With
// partitionTable set the code and the table have to stay clear of the MBR
// partition entries at offset 446.
func (g *CodeGen) Image(partitionTable bool) (*Image, error) {
	if !g.loaded {
		return nil, fmt.Errorf("boot: image requested before the table was loaded")
	}
	if err := g.finish(); err != nil {
		return nil, err
	}
	code, err := g.a.Assemble()
	if errors.Is(err, asm.ErrAddressRange) {
		return nil, fmt.Errorf("%w: %w", ErrTableOutOfReach, err)
	}
	if err != nil {
		return nil, err
	}

	limit := SignatureOffset
	if partitionTable {
		limit = PartitionTableOffset
	}
	l := Layout{
		LoadAddress:    g.cfg.LoadAddress,
		CodeSize:       len(code),
		TableAddress:   g.cfg.Table.Address(),
		TableSize:      g.cfg.Table.Size(),
		PointerAddress: g.pointerAddress(),
		Limit:          limit,
	}
	end := g.cfg.LoadAddress + uint32(limit)
	if l.TableAddress < g.cfg.LoadAddress || l.PointerAddress+gdt.PointerSize > end {
		return nil, fmt.Errorf("%w: table 0x%x-0x%x, sector usable up to 0x%x",
			ErrTableOutOfReach, l.TableAddress, l.PointerAddress+gdt.PointerSize, end)
	}
	if g.cfg.LoadAddress+uint32(len(code)) > end {
		return nil, fmt.Errorf("%w: %d bytes, %d available", ErrImageOverflow, len(code), limit)
	}
	if g.cfg.LoadAddress+uint32(len(code)) > l.TableAddress {
		return nil, fmt.Errorf("%w: code ends at 0x%x, table starts at 0x%x",
			ErrLayoutOverlap, g.cfg.LoadAddress+uint32(len(code)), l.TableAddress)
	}

	img := &Image{layout: l}
	copy(img.sector[:], code)
	copy(img.sector[l.TableAddress-l.LoadAddress:], g.cfg.Table.Bytes())
	rec := g.ptr.Bytes()
	copy(img.sector[l.PointerAddress-l.LoadAddress:], rec[:])
	img.sector[SignatureOffset] = 0x55
	img.sector[SignatureOffset+1] = 0xAA
	return img, nil
}

// Generate runs the transition through a CodeGen and returns the boot sector.
func Generate(cfg Config, partitionTable bool) (*Image, error) {
	seq, err := NewSequencer(cfg)
	if err != nil {
		return nil, err
	}
	g, err := NewCodeGen(seq.Config())
	if err != nil {
		return nil, err
	}
	// The stage-returned path is part of every image.
	if err := seq.Run(g); err != nil && !errors.Is(err, ErrStageReturned) {
		return nil, err
	}
	if seq.Config().Debug {
		seq.Config().Logger.Printf("CodeGen: %d bytes of code", g.a.Len())
	}
	return g.Image(partitionTable)
}
