package boot

import (
	"fmt"
	"log"

	"example.com/protoboot/core_engine/devices"
	"example.com/protoboot/core_engine/gdt"
)

const (
	// LoadAddress is where PC firmware places the boot sector.
	LoadAddress uint32 = 0x7C00
	// SectorSize is the size of the boot sector.
	SectorSize = 512
	// SignatureOffset is where the 0x55 0xAA boot signature starts.
	SignatureOffset = 510
	// PartitionTableOffset is where an MBR partition table starts.
	PartitionTableOffset = 446

	// DefaultTableOffset places the table inside the boot sector, clear of the code.
	DefaultTableOffset = 0x100
	// DefaultStageAddress is the sector right after the boot sector.
	DefaultStageAddress uint32 = LoadAddress + SectorSize
)

// A20Config describes the keyboard controller handshake that opens the A20 gate.
type A20Config struct {
	StatusPort uint16 // read for the input-buffer-full bit, written with commands
	DataPort   uint16
	Command    byte // write output port
	Value      byte // output port value with the A20 bit set
}

// DefaultA20 is the 8042 handshake used by PC-compatible firmware.
var DefaultA20 = A20Config{
	StatusPort: devices.KEYBOARD_PORT_STATUS,
	DataPort:   devices.KEYBOARD_PORT_DATA,
	Command:    devices.KBD_CMD_WRITE_OUTPUT_PORT,
	Value:      devices.KBD_OUT_A20_ENABLE,
}

// Config carries everything the transition needs. It is passed explicitly to
// the single Sequencer.Run call; nothing is read from package state.
type Config struct {
	LoadAddress uint32
	Table       *gdt.Table

	// Selectors default to the first code and data descriptors of Table.
	CodeSelector gdt.Selector
	DataSelector gdt.Selector

	StackPointer uint32 // grows down from here; defaults to LoadAddress
	Entry        uint32 // linear address of the next stage

	A20 A20Config
	// PollLimit bounds each wait on the keyboard controller. Zero waits forever.
	PollLimit int

	DebugPort uint16

	Logger *log.Logger
	Debug  bool
}

// DefaultConfig returns the configuration for a flat table inside the boot
// sector and a next stage in the following sector.
func DefaultConfig() Config {
	table, err := gdt.Flat(LoadAddress + DefaultTableOffset)
	if err != nil {
		panic(fmt.Sprintf("boot: flat table: %v", err))
	}
	return Config{
		LoadAddress:  LoadAddress,
		Table:        table,
		CodeSelector: table.CodeSelector(),
		DataSelector: table.DataSelector(),
		StackPointer: LoadAddress,
		Entry:        DefaultStageAddress,
		A20:          DefaultA20,
		DebugPort:    devices.DEBUG_PORT,
		Logger:       log.Default(),
	}
}

// Validate fills derived defaults and checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Table == nil {
		return fmt.Errorf("%w: no descriptor table", ErrInvalidConfig)
	}
	if c.LoadAddress == 0 {
		c.LoadAddress = LoadAddress
	}
	if c.CodeSelector.IsNull() {
		c.CodeSelector = c.Table.CodeSelector()
	}
	if c.DataSelector.IsNull() {
		c.DataSelector = c.Table.DataSelector()
	}
	if c.StackPointer == 0 {
		c.StackPointer = c.LoadAddress
	}
	if c.A20 == (A20Config{}) {
		c.A20 = DefaultA20
	}
	if c.DebugPort == 0 {
		c.DebugPort = devices.DEBUG_PORT
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}

	if c.Entry == 0 {
		return fmt.Errorf("%w: no entry point", ErrInvalidConfig)
	}
	if c.PollLimit < 0 {
		return fmt.Errorf("%w: negative poll limit %d", ErrInvalidConfig, c.PollLimit)
	}
	if c.PollLimit > 0xFFFF {
		return fmt.Errorf("%w: poll limit %d does not fit a 16-bit counter", ErrInvalidConfig, c.PollLimit)
	}
	code, err := c.Table.Descriptor(c.CodeSelector.Index())
	if err != nil {
		return fmt.Errorf("%w: code selector %s: %w", ErrInvalidConfig, c.CodeSelector, err)
	}
	if !code.Access.IsCode() {
		return fmt.Errorf("%w: selector %s is not a code segment", ErrInvalidConfig, c.CodeSelector)
	}
	if err := checkHandoff("code", c.CodeSelector, code); err != nil {
		return err
	}
	data, err := c.Table.Descriptor(c.DataSelector.Index())
	if err != nil {
		return fmt.Errorf("%w: data selector %s: %w", ErrInvalidConfig, c.DataSelector, err)
	}
	if !data.Access.IsData() {
		return fmt.Errorf("%w: selector %s is not a data segment", ErrInvalidConfig, c.DataSelector)
	}
	if k := data.Access.Kind.(gdt.Data); !k.Writable || k.Direction != gdt.GrowsUp {
		return fmt.Errorf("%w: data selector %s is not writable expand-up data and cannot back SS", ErrInvalidConfig, c.DataSelector)
	}
	return checkHandoff("data", c.DataSelector, data)
}

// checkHandoff enforces what the next stage is promised: ring 0 selectors for
// flat, 32-bit segments. Anything else faults at the far jump or the SS load.
func checkHandoff(role string, sel gdt.Selector, d gdt.Descriptor) error {
	switch {
	case sel.RPL() != gdt.Ring0:
		return fmt.Errorf("%w: %s selector %s has RPL %d", ErrInvalidConfig, role, sel, sel.RPL())
	case d.Access.Privilege != gdt.Ring0:
		return fmt.Errorf("%w: %s descriptor %s has DPL %d", ErrInvalidConfig, role, sel, d.Access.Privilege)
	case d.Flags.Size != gdt.Protected32 || d.Flags.LongMode:
		return fmt.Errorf("%w: %s descriptor %s is not a 32-bit segment", ErrInvalidConfig, role, sel)
	case d.Base != 0 || d.Extent() != 0xFFFFFFFF:
		return fmt.Errorf("%w: %s descriptor %s is not flat (base 0x%x, extent 0x%x)", ErrInvalidConfig, role, sel, d.Base, d.Extent())
	}
	return nil
}
