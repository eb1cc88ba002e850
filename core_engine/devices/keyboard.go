package devices

import (
	"fmt"
	"log"
	"sync"
)

// StuckBusy makes the controller report a full input buffer forever.
const StuckBusy = -1

// KeyboardController implements the parts of an 8042 that firmware and boot
// code touch: the status/command port, the data port, the output port and the
// A20 gate wired to it.
type KeyboardController struct {
	lock sync.Mutex

	outputPort byte
	config     byte
	pending    byte   // command waiting for its data byte, 0 if none
	output     []byte // bytes waiting at the data port

	firstEnabled  bool
	secondEnabled bool

	// BusyPolls is how many status reads keep IBF set after each write,
	// modelling a controller that takes time to consume its input.
	// StuckBusy never clears it.
	BusyPolls int
	busy      int

	resets int
	cmdSeq []byte

	Logger *log.Logger
	Debug  bool
}

// NewKeyboardController returns a controller in its power-on state: A20 closed,
// both ports enabled, nothing queued.
func NewKeyboardController() *KeyboardController {
	return &KeyboardController{
		outputPort:    KBD_OUT_POWER_ON,
		config:        0x45,
		firstEnabled:  true,
		secondEnabled: true,
		Logger:        log.Default(),
	}
}

func (k *KeyboardController) debugf(format string, args ...any) {
	if k.Debug {
		k.Logger.Printf("KeyboardController: "+format, args...)
	}
}

// HandleIO processes I/O operations on 0x60 (data) and 0x64 (status/command).
func (k *KeyboardController) HandleIO(port uint16, direction uint8, size uint8, data []byte) error {
	k.lock.Lock()
	defer k.lock.Unlock()

	if size != 1 || len(data) < 1 {
		return fmt.Errorf("KeyboardController: I/O size %d not supported for port 0x%x, only 1-byte supported", size, port)
	}

	switch {
	case direction == IODirectionIn && port == KEYBOARD_PORT_STATUS:
		data[0] = k.status()
	case direction == IODirectionIn && port == KEYBOARD_PORT_DATA:
		data[0] = 0x00
		if len(k.output) > 0 {
			data[0] = k.output[0]
			k.output = k.output[1:]
		}
	case direction == IODirectionOut && port == KEYBOARD_PORT_STATUS:
		k.markBusy()
		k.command(data[0])
	case direction == IODirectionOut && port == KEYBOARD_PORT_DATA:
		k.markBusy()
		k.write(data[0])
	default:
		return fmt.Errorf("KeyboardController: Unhandled I/O (direction %d) on port 0x%x", direction, port)
	}
	return nil
}

func (k *KeyboardController) markBusy() {
	k.busy = k.BusyPolls
}

func (k *KeyboardController) status() byte {
	st := KBD_STATUS_SYS | KBD_STATUS_UNLOCK
	if len(k.output) > 0 {
		st |= KBD_STATUS_OBF
	}
	if k.pending != 0 {
		st |= KBD_STATUS_CMD
	}
	switch {
	case k.busy == StuckBusy:
		st |= KBD_STATUS_IBF
	case k.busy > 0:
		st |= KBD_STATUS_IBF
		k.busy--
	}
	return st
}

func (k *KeyboardController) command(cmd byte) {
	k.debugf("command 0x%02x", cmd)
	k.cmdSeq = append(k.cmdSeq, cmd)
	k.pending = 0
	switch cmd {
	case KBD_CMD_READ_CONFIG:
		k.output = append(k.output, k.config)
	case KBD_CMD_WRITE_CONFIG, KBD_CMD_WRITE_OUTPUT_PORT:
		k.pending = cmd
	case KBD_CMD_DISABLE_SECOND:
		k.secondEnabled = false
	case KBD_CMD_ENABLE_SECOND:
		k.secondEnabled = true
	case KBD_CMD_DISABLE_FIRST:
		k.firstEnabled = false
	case KBD_CMD_ENABLE_FIRST:
		k.firstEnabled = true
	case KBD_CMD_READ_OUTPUT_PORT:
		k.output = append(k.output, k.outputPort)
	case KBD_CMD_PULSE_RESET:
		k.resets++
	default:
		k.debugf("ignoring unknown command 0x%02x", cmd)
	}
}

func (k *KeyboardController) write(val byte) {
	switch k.pending {
	case KBD_CMD_WRITE_OUTPUT_PORT:
		k.outputPort = val
		if val&KBD_OUT_SYSTEM_RESET == 0 {
			k.resets++
		}
		k.debugf("output port 0x%02x (A20 %t)", val, val&KBD_OUT_A20 != 0)
	case KBD_CMD_WRITE_CONFIG:
		k.config = val
	default:
		// Bytes for the keyboard itself are acknowledged and otherwise dropped.
		k.output = append(k.output, 0xFA)
	}
	k.pending = 0
}

// A20Enabled reports whether the output port currently opens the A20 gate.
func (k *KeyboardController) A20Enabled() bool {
	k.lock.Lock()
	defer k.lock.Unlock()
	return k.outputPort&KBD_OUT_A20 != 0
}

// OutputPort returns the current output port value.
func (k *KeyboardController) OutputPort() byte {
	k.lock.Lock()
	defer k.lock.Unlock()
	return k.outputPort
}

// Resets counts CPU resets requested through the controller.
func (k *KeyboardController) Resets() int {
	k.lock.Lock()
	defer k.lock.Unlock()
	return k.resets
}

// Commands returns every byte written to the command port, in order.
func (k *KeyboardController) Commands() []byte {
	k.lock.Lock()
	defer k.lock.Unlock()
	out := make([]byte, len(k.cmdSeq))
	copy(out, k.cmdSeq)
	return out
}

// PortsEnabled reports whether the first and second PS/2 ports are enabled.
func (k *KeyboardController) PortsEnabled() (first, second bool) {
	k.lock.Lock()
	defer k.lock.Unlock()
	return k.firstEnabled, k.secondEnabled
}

// Type queues scan codes at the data port as if keys were pressed.
func (k *KeyboardController) Type(codes ...byte) {
	k.lock.Lock()
	defer k.lock.Unlock()
	k.output = append(k.output, codes...)
}
