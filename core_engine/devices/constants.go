package devices

// Port I/O direction, matching KVM_EXIT_IO_IN/KVM_EXIT_IO_OUT.
const (
	IODirectionIn  uint8 = 0 // read from device
	IODirectionOut uint8 = 1 // write to device
)

// Serial Port (16550A UART) constants
const (
	COM1_PORT_BASE uint16 = 0x3F8 // Base address for COM1
	COM1_PORT_END  uint16 = 0x3FF // End address for COM1 (8 registers)

	// Register offsets from base port
	RHR_THR_DLL uint16 = 0 // Receiver Holding Reg (R), Transmitter Holding Reg (W), Divisor Latch LSB (DLAB=1)
	IER_DLH     uint16 = 1 // Interrupt Enable Reg, Divisor Latch MSB (DLAB=1)
	IIR_FCR     uint16 = 2 // Interrupt ID Reg (R), FIFO Control Reg (W)
	LCR         uint16 = 3 // Line Control Register
	MCR         uint16 = 4 // Modem Control Register
	LSR         uint16 = 5 // Line Status Register
	MSR         uint16 = 6 // Modem Status Register
	SCR         uint16 = 7 // Scratch Register

	UART_CLOCK_HZ = 115200 // Divisor-1 baud rate
)

// Line Control Register (LCR) bits
const (
	LCR_DLAB      byte = 0x80 // Divisor Latch Access Bit
	LCR_WORD_LEN8 byte = 0x03 // 8 data bits, 1 stop bit, no parity
)

// Line Status Register (LSR) bits
const (
	LSR_DR   byte = 0x01 // Data Ready
	LSR_OE   byte = 0x02 // Overrun Error
	LSR_PE   byte = 0x04 // Parity Error
	LSR_FE   byte = 0x08 // Framing Error
	LSR_BI   byte = 0x10 // Break Interrupt
	LSR_THRE byte = 0x20 // Transmitter Holding Register Empty
	LSR_TEMT byte = 0x40 // Transmitter Empty
	LSR_ERF  byte = 0x80 // Error in RCVR FIFO

	// LSR_ABSENT is what a floating bus returns when no UART is fitted.
	LSR_ABSENT byte = 0xFF
)

// Interrupt Identification Register (IIR) bits (when read)
const (
	IIR_NO_INT_PENDING byte = 0x01 // No interrupt pending
	IIR_RDA            byte = 0x04 // Received Data Available interrupt
	IIR_THRE           byte = 0x02 // Transmitter Holding Register Empty interrupt
)

// Interrupt Enable Register (IER) bits
const (
	IER_RX_DATA_AVAILABLE byte = 0x01 // Enable Received Data Available Interrupt
	IER_THRE_ENABLE       byte = 0x02 // Enable Transmitter Holding Register Empty Interrupt
)

// 8042 keyboard controller constants
const (
	KEYBOARD_PORT_DATA   uint16 = 0x60 // Data Register (read/write)
	KEYBOARD_PORT_STATUS uint16 = 0x64 // Status Register (read) / Command Register (write)

	// Status register bits
	KBD_STATUS_OBF    byte = 0x01 // Output buffer full: data waiting at 0x60
	KBD_STATUS_IBF    byte = 0x02 // Input buffer full: controller has not consumed the last write
	KBD_STATUS_SYS    byte = 0x04 // System flag, set after self-test
	KBD_STATUS_CMD    byte = 0x08 // Last write was to the command port
	KBD_STATUS_UNLOCK byte = 0x10 // Keyboard not inhibited

	// Controller commands written to 0x64
	KBD_CMD_READ_CONFIG       byte = 0x20
	KBD_CMD_WRITE_CONFIG      byte = 0x60
	KBD_CMD_DISABLE_SECOND    byte = 0xA7 // Disable the second (auxiliary) port
	KBD_CMD_ENABLE_SECOND     byte = 0xA8
	KBD_CMD_DISABLE_FIRST     byte = 0xAD
	KBD_CMD_ENABLE_FIRST      byte = 0xAE
	KBD_CMD_READ_OUTPUT_PORT  byte = 0xD0
	KBD_CMD_WRITE_OUTPUT_PORT byte = 0xD1
	KBD_CMD_PULSE_RESET       byte = 0xFE

	// Output port bits
	KBD_OUT_SYSTEM_RESET byte = 0x01 // Active low: clearing it resets the CPU
	KBD_OUT_A20          byte = 0x02 // A20 gate

	// KBD_OUT_A20_ENABLE is the known-good output port value written to open the
	// A20 gate: reset line released, A20 on, keyboard clock/data lines idle.
	KBD_OUT_A20_ENABLE byte = 0xDF
	// KBD_OUT_POWER_ON is the output port value after reset, with A20 closed.
	KBD_OUT_POWER_ON byte = 0xCD
)

// Debug port (Bochs/QEMU port E9 family) constants
const (
	DEBUG_PORT uint16 = 0x8A00

	// Words written to DEBUG_PORT.
	DEBUG_ENABLE     uint16 = 0x8A00 // Enable the debugger's I/O interface
	DEBUG_BREAKPOINT uint16 = 0x8AE0 // Request a breakpoint
)

// VGA text memory as seen by the guest.
const (
	VGA_TEXT_BASE uint32 = 0xB8000
	VGA_TEXT_COLS        = 80
	VGA_TEXT_ROWS        = 25
)
