// Package stage generates the program the boot sector hands control to. It
// brings up COM1, prints a greeting on it and mirrors the greeting onto the
// VGA text screen.
package stage

import (
	"errors"
	"fmt"
	"strings"

	"example.com/protoboot/core_engine/asm"
	"example.com/protoboot/core_engine/boot"
	"example.com/protoboot/core_engine/devices"
)

var ErrInvalidConfig = errors.New("stage: invalid config")

type Config struct {
	Address uint32 // where the stage is loaded and entered

	Message string // printed on the UART followed by a newline, and on screen
	Banner  string // printed on the UART only, right after initialisation

	UART uint16 // base port
	Baud int

	VGA        bool
	VGAAddress uint32
	Attribute  byte

	// Return ends the stage with a near return instead of a halt loop.
	Return bool
}

// DefaultBanner is the line the UART driver announces itself with.
const DefaultBanner = "xv6...\n"

func DefaultConfig() Config {
	return Config{
		Address:    boot.DefaultStageAddress,
		Message:    "Hello, UART!",
		Banner:     DefaultBanner,
		UART:       devices.COM1_PORT_BASE,
		Baud:       9600,
		VGA:        true,
		VGAAddress: devices.VGA_TEXT_BASE,
		Attribute:  0x0F,
	}
}

func (c Config) Validate() error {
	if c.Address == 0 {
		return fmt.Errorf("%w: no load address", ErrInvalidConfig)
	}
	if c.Baud <= 0 || c.Baud > devices.UART_CLOCK_HZ {
		return fmt.Errorf("%w: baud rate %d", ErrInvalidConfig, c.Baud)
	}
	if c.VGA && len(c.Message) > devices.VGA_TEXT_COLS*devices.VGA_TEXT_ROWS {
		return fmt.Errorf("%w: message longer than the screen", ErrInvalidConfig)
	}
	for _, s := range []string{c.Message, c.Banner} {
		if strings.IndexByte(s, 0) >= 0 {
			return fmt.Errorf("%w: NUL in %q", ErrInvalidConfig, s)
		}
	}
	return nil
}

// Divisor is the baud rate divisor programmed into DLL/DLM.
func (c Config) Divisor() uint16 {
	return uint16(devices.UART_CLOCK_HZ / c.Baud)
}

type portWrite struct {
	port  uint16
	value byte
}

// uartInit is the register sequence that brings the UART up at 8N1 with
// receive interrupts enabled and the FIFO off.
func (c Config) uartInit() []portWrite {
	d := c.Divisor()
	return []portWrite{
		{c.UART + devices.IIR_FCR, 0x00},
		{c.UART + devices.LCR, devices.LCR_DLAB},
		{c.UART + devices.RHR_THR_DLL, byte(d)},
		{c.UART + devices.IER_DLH, byte(d >> 8)},
		{c.UART + devices.LCR, devices.LCR_WORD_LEN8},
		{c.UART + devices.MCR, 0x00},
		{c.UART + devices.IER_DLH, devices.IER_RX_DATA_AVAILABLE},
	}
}

// builder keeps the first label error so emission reads straight through.
type builder struct {
	*asm.Assembler
	err error
}

func (b *builder) label(name string) {
	if err := b.Label(name); err != nil && b.err == nil {
		b.err = fmt.Errorf("stage: %w", err)
	}
}

// Build assembles the stage for cfg.
func Build(cfg Config) ([]byte, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &builder{Assembler: asm.New(cfg.Address, asm.Mode32)}

	a.Cld()
	for _, w := range cfg.uartInit() {
		a.MovDXImm(w.port)
		a.MovALImm(w.value)
		a.OutDXAL()
	}
	a.MovDXImm(cfg.UART + devices.LSR)
	a.InALDX()
	a.CmpALImm(devices.LSR_ABSENT)
	a.Jz("no_uart")

	// Acknowledge anything pending.
	a.MovDXImm(cfg.UART + devices.IIR_FCR)
	a.InALDX()
	a.MovDXImm(cfg.UART + devices.RHR_THR_DLL)
	a.InALDX()

	if cfg.Banner != "" {
		a.MovESILabel("banner")
		a.Call("puts")
	}
	a.MovESILabel("uart_msg")
	a.Call("puts")
	a.label("no_uart")

	if cfg.VGA {
		a.MovESILabel("vga_msg")
		a.MovEDIImm(cfg.VGAAddress)
		a.label("vga_loop")
		a.Lodsb()
		a.TestALAL()
		a.Jz("vga_done")
		a.MovBLAL()
		a.MovMemEDIBL()
		a.MovMemEDIImm(1, cfg.Attribute)
		a.AddEDIImm(2)
		a.Jmp8("vga_loop")
		a.label("vga_done")
	}

	if cfg.Return {
		a.Ret()
	} else {
		a.label("halt")
		a.Hlt()
		a.Jmp8("halt")
	}

	// puts writes the NUL-terminated string at ESI, waiting for THRE before
	// every byte.
	a.label("puts")
	a.Lodsb()
	a.TestALAL()
	a.Jz("puts_done")
	a.MovBLAL()
	a.MovDXImm(cfg.UART + devices.LSR)
	a.label("puts_wait")
	a.InALDX()
	a.TestALImm(devices.LSR_THRE)
	a.Jz("puts_wait")
	a.MovALBL()
	a.MovDXImm(cfg.UART + devices.RHR_THR_DLL)
	a.OutDXAL()
	a.Jmp8("puts")
	a.label("puts_done")
	a.Ret()

	a.label("uart_msg")
	a.Asciz(cfg.Message + "\n")
	if cfg.Banner != "" {
		a.label("banner")
		a.Asciz(cfg.Banner)
	}
	if cfg.VGA {
		a.label("vga_msg")
		a.Asciz(cfg.Message)
	}
	if a.err != nil {
		return nil, a.err
	}
	return a.Assemble()
}
