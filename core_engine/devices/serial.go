package devices

import (
	"fmt"
	"io"
	"log"
	"sync"
)

// SerialPortDevice implements a polled 16550A UART. Interrupt enable bits are
// latched but never delivered; guests in this project poll LSR.
type SerialPortDevice struct {
	outputWriter io.Writer // Where to write serial output (e.g., os.Stdout)
	lock         sync.Mutex

	// Internal registers state
	dll byte // Divisor Latch Low (DLAB=1)
	dlh byte // Divisor Latch High (DLAB=1)
	ier byte // Interrupt Enable Register
	fcr byte // FIFO Control Register (write)
	lcr byte // Line Control Register
	mcr byte // Modem Control Register
	scr byte // Scratch Pad Register

	rx []byte // bytes waiting to be read through RHR

	Logger *log.Logger
	Debug  bool
}

// NewSerialPortDevice creates a UART that transmits to writer.
func NewSerialPortDevice(writer io.Writer) *SerialPortDevice {
	if writer == nil {
		writer = io.Discard
	}
	return &SerialPortDevice{
		outputWriter: writer,
		Logger:       log.Default(),
	}
}

func (s *SerialPortDevice) debugf(format string, args ...any) {
	if s.Debug {
		s.Logger.Printf("SerialPortDevice: "+format, args...)
	}
}

func (s *SerialPortDevice) dlabActive() bool { return s.lcr&LCR_DLAB != 0 }

// lsr is computed from state: the transmitter is always drained immediately.
func (s *SerialPortDevice) lsr() byte {
	v := LSR_THRE | LSR_TEMT
	if len(s.rx) > 0 {
		v |= LSR_DR
	}
	return v
}

func (s *SerialPortDevice) iir() byte {
	switch {
	case s.ier&IER_RX_DATA_AVAILABLE != 0 && len(s.rx) > 0:
		return IIR_RDA
	case s.ier&IER_THRE_ENABLE != 0:
		return IIR_THRE
	}
	return IIR_NO_INT_PENDING
}

// HandleIO processes I/O operations for the serial port.
// `port`: The I/O port address.
// `direction`: 0 for IN (read from device), 1 for OUT (write to device).
// `size`: The size of the data transfer; only 1 is accepted.
// `data`: For IN, write to this slice. For OUT, read from this slice.
func (s *SerialPortDevice) HandleIO(port uint16, direction uint8, size uint8, data []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	offset := port - COM1_PORT_BASE
	if size != 1 || len(data) < 1 {
		return fmt.Errorf("SerialPortDevice: I/O size %d not supported for port 0x%x, only 1-byte supported", size, port)
	}

	switch direction {
	case IODirectionOut:
		val := data[0]
		switch offset {
		case RHR_THR_DLL:
			if s.dlabActive() {
				s.dll = val
				s.debugf("writing 0x%x to DLL", val)
				return nil
			}
			if _, err := s.outputWriter.Write([]byte{val}); err != nil {
				return fmt.Errorf("SerialPortDevice: writing output: %w", err)
			}
		case IER_DLH:
			if s.dlabActive() {
				s.dlh = val
				s.debugf("writing 0x%x to DLH", val)
			} else {
				s.ier = val & 0x0F
				s.debugf("writing 0x%x to IER", val)
			}
		case IIR_FCR:
			s.fcr = val
			if val&0x02 != 0 { // clear receive FIFO
				s.rx = nil
			}
			s.debugf("writing 0x%x to FCR", val)
		case LCR:
			s.lcr = val
			s.debugf("writing 0x%x to LCR (DLAB active: %t)", val, s.dlabActive())
		case MCR:
			s.mcr = val
			s.debugf("writing 0x%x to MCR", val)
		case LSR, MSR:
			// Factory test writes; ignored.
		case SCR:
			s.scr = val
		default:
			return fmt.Errorf("SerialPortDevice: Unhandled OUT to port 0x%x (offset 0x%x), value 0x%x", port, offset, val)
		}
	case IODirectionIn:
		var readVal byte
		switch offset {
		case RHR_THR_DLL:
			if s.dlabActive() {
				readVal = s.dll
			} else if len(s.rx) > 0 {
				readVal = s.rx[0]
				s.rx = s.rx[1:]
			}
		case IER_DLH:
			if s.dlabActive() {
				readVal = s.dlh
			} else {
				readVal = s.ier
			}
		case IIR_FCR:
			readVal = s.iir()
		case LCR:
			readVal = s.lcr
		case MCR:
			readVal = s.mcr
		case LSR:
			readVal = s.lsr()
		case MSR:
			readVal = 0xB0 // DCD, DSR, CTS asserted
		case SCR:
			readVal = s.scr
		default:
			return fmt.Errorf("SerialPortDevice: Unhandled IN from port 0x%x (offset 0x%x)", port, offset)
		}
		data[0] = readVal
	default:
		return fmt.Errorf("SerialPortDevice: Invalid I/O direction %d for port 0x%x", direction, port)
	}
	return nil
}

// Receive queues bytes for the guest to read through RHR.
func (s *SerialPortDevice) Receive(b []byte) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.rx = append(s.rx, b...)
}

// Divisor returns the programmed baud rate divisor.
func (s *SerialPortDevice) Divisor() uint16 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return uint16(s.dlh)<<8 | uint16(s.dll)
}

// Baud returns the programmed baud rate, or 0 before a divisor is set.
func (s *SerialPortDevice) Baud() int {
	d := s.Divisor()
	if d == 0 {
		return 0
	}
	return UART_CLOCK_HZ / int(d)
}

// LineControl returns the current LCR value.
func (s *SerialPortDevice) LineControl() byte {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.lcr
}
