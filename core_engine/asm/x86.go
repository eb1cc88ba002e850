package asm

// Seg is a segment register in ModRM reg-field order.
type Seg uint8

const (
	ES Seg = iota
	CS
	SS
	DS
	FS
	GS
)

func (s Seg) String() string {
	return [...]string{"es", "cs", "ss", "ds", "fs", "gs"}[s]
}

func (a *Assembler) Cli() { a.Emit(0xFA) }
func (a *Assembler) Cld() { a.Emit(0xFC) }
func (a *Assembler) Hlt() { a.Emit(0xF4) }
func (a *Assembler) Ret() { a.Emit(0xC3) }

// XorAX clears AX (EAX in 32-bit code).
func (a *Assembler) XorAX() { a.Emit(0x31, 0xC0) }

// MovSegAX loads a segment register from AX. The encoding is the same in both modes.
func (a *Assembler) MovSegAX(s Seg) { a.Emit(0x8E, 0xC0|byte(s)<<3) }

func (a *Assembler) MovALImm(v uint8) { a.Emit(0xB0, v) }

func (a *Assembler) MovAXImm(v uint16) {
	a.opsize(Mode16)
	a.Emit(0xB8)
	a.emit16(v)
}

func (a *Assembler) MovCXImm(v uint16) {
	a.opsize(Mode16)
	a.Emit(0xB9)
	a.emit16(v)
}

func (a *Assembler) MovDXImm(v uint16) {
	a.opsize(Mode16)
	a.Emit(0xBA)
	a.emit16(v)
}

// MovDXAX copies AX into DX.
func (a *Assembler) MovDXAX() {
	a.opsize(Mode16)
	a.Emit(0x89, 0xC2)
}

func (a *Assembler) MovESPImm(v uint32) {
	a.opsize(Mode32)
	a.Emit(0xBC)
	a.emit32(v)
}

// MovESILabel loads ESI with the address of label.
func (a *Assembler) MovESILabel(label string) {
	a.opsize(Mode32)
	a.Emit(0xBE)
	a.ref(label, abs32)
}

func (a *Assembler) MovEDIImm(v uint32) {
	a.opsize(Mode32)
	a.Emit(0xBF)
	a.emit32(v)
}

func (a *Assembler) MovBLAL() { a.Emit(0x88, 0xC3) }
func (a *Assembler) MovALBL() { a.Emit(0x88, 0xD8) }

// MovMemEDIBL stores BL at [EDI]. 32-bit addressing only.
func (a *Assembler) MovMemEDIBL() { a.Emit(0x88, 0x1F) }

// MovMemEDIImm stores v at [EDI+disp]. 32-bit addressing only.
func (a *Assembler) MovMemEDIImm(disp int8, v uint8) { a.Emit(0xC6, 0x47, byte(disp), v) }

func (a *Assembler) AddEDIImm(v int8) { a.Emit(0x83, 0xC7, byte(v)) }

func (a *Assembler) Lodsb() { a.Emit(0xAC) }

func (a *Assembler) TestALImm(v uint8) { a.Emit(0xA8, v) }
func (a *Assembler) TestALAL()         { a.Emit(0x84, 0xC0) }
func (a *Assembler) CmpALImm(v uint8)  { a.Emit(0x3C, v) }

func (a *Assembler) InALImm(port uint8)  { a.Emit(0xE4, port) }
func (a *Assembler) InALDX()             { a.Emit(0xEC) }
func (a *Assembler) OutImmAL(port uint8) { a.Emit(0xE6, port) }
func (a *Assembler) OutDXAL()            { a.Emit(0xEE) }

// OutDXAX writes the word in AX to port DX.
func (a *Assembler) OutDXAX() {
	a.opsize(Mode16)
	a.Emit(0xEF)
}

// MovEAXCR0 and MovCR0EAX always move 32 bits, in either mode.
func (a *Assembler) MovEAXCR0() { a.Emit(0x0F, 0x20, 0xC0) }
func (a *Assembler) MovCR0EAX() { a.Emit(0x0F, 0x22, 0xC0) }

func (a *Assembler) OrEAXImm(v int8) {
	a.opsize(Mode32)
	a.Emit(0x83, 0xC8, byte(v))
}

// Lgdt loads GDTR from the 6-byte record at label. In 16-bit code the operand
// size prefix is added so that all 32 bits of the base are loaded, and the record
// has to sit below 64 KiB because it is addressed through DS=0.
func (a *Assembler) Lgdt(label string) {
	if a.mode == Mode16 {
		a.Emit(0x66, 0x0F, 0x01, 0x16)
		a.ref(label, abs16)
		return
	}
	a.Emit(0x0F, 0x01, 0x15)
	a.ref(label, abs32)
}

func (a *Assembler) Jz(label string) {
	a.Emit(0x74)
	a.ref(label, rel8)
}

func (a *Assembler) Jnz(label string) {
	a.Emit(0x75)
	a.ref(label, rel8)
}

func (a *Assembler) Jmp8(label string) {
	a.Emit(0xEB)
	a.ref(label, rel8)
}

func (a *Assembler) Loop(label string) {
	a.Emit(0xE2)
	a.ref(label, rel8)
}

// Jmp is a near jump with a displacement sized for the current mode.
func (a *Assembler) Jmp(label string) {
	a.Emit(0xE9)
	if a.mode == Mode16 {
		a.ref(label, rel16)
		return
	}
	a.ref(label, rel32)
}

// Call is a near call with a displacement sized for the current mode.
func (a *Assembler) Call(label string) {
	a.Emit(0xE8)
	if a.mode == Mode16 {
		a.ref(label, rel16)
		return
	}
	a.ref(label, rel32)
}

// FarJump is a direct far jump to sel:label. With wide set the offset is 32 bits
// wide regardless of the current mode.
func (a *Assembler) FarJump(sel uint16, label string, wide bool) {
	if wide {
		a.opsize(Mode32)
		a.Emit(0xEA)
		a.ref(label, abs32)
	} else {
		a.Emit(0xEA)
		if a.mode == Mode16 {
			a.ref(label, abs16)
		} else {
			a.ref(label, abs32)
		}
	}
	a.emit16(sel)
}
