package boot

import (
	"example.com/protoboot/core_engine/asm"
	"example.com/protoboot/core_engine/gdt"
)

// The far jump is the one instruction whose bytes are fetched under 16-bit
// rules and whose target runs under 32-bit rules: CS is reloaded from the new
// table as part of the jump, so the instruction straddles both decodings. It
// is kept here, away from the ordinary real- and protected-mode emission.

const protectedEntryLabel = "pm32"

// emitTrampoline emits the jump from real mode into the 32-bit code segment and
// switches the assembler to 32-bit encoding for what follows. The short form
// (EA imm16 sel16) is used while the target is reachable with a 16-bit offset;
// past that the operand-size prefix widens the offset to 32 bits.
func emitTrampoline(a *asm.Assembler, code gdt.Selector) error {
	wide := a.PC()+5 > 0xFFFF
	a.FarJump(uint16(code), protectedEntryLabel, wide)
	a.SetMode(asm.Mode32)
	return a.Label(protectedEntryLabel)
}
