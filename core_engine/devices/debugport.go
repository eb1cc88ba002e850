package devices

import (
	"encoding/binary"
	"fmt"
	"log"
	"sync"
)

// DebugPort records the words a guest writes to the Bochs debugger port. Boot
// code uses it to signal that something went wrong before it halts.
type DebugPort struct {
	lock   sync.Mutex
	words  []uint16
	notify chan uint16

	Logger *log.Logger
	Debug  bool
}

func NewDebugPort() *DebugPort {
	return &DebugPort{Logger: log.Default()}
}

// HandleIO accepts 1- and 2-byte writes. Reads return zero.
func (d *DebugPort) HandleIO(port uint16, direction uint8, size uint8, data []byte) error {
	if direction == IODirectionIn {
		for i := range data {
			data[i] = 0
		}
		return nil
	}
	var w uint16
	switch {
	case size == 1 && len(data) >= 1:
		w = uint16(data[0])
	case size == 2 && len(data) >= 2:
		w = binary.LittleEndian.Uint16(data)
	default:
		return fmt.Errorf("DebugPort: I/O size %d not supported on port 0x%x", size, port)
	}

	d.lock.Lock()
	d.words = append(d.words, w)
	ch := d.notify
	d.lock.Unlock()

	if d.Debug {
		d.Logger.Printf("DebugPort: guest wrote 0x%04x", w)
	}
	if ch != nil {
		select {
		case ch <- w:
		default:
		}
	}
	return nil
}

// Notify sets a channel that receives each written word without blocking the guest.
func (d *DebugPort) Notify(ch chan uint16) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.notify = ch
}

// Words returns everything written so far.
func (d *DebugPort) Words() []uint16 {
	d.lock.Lock()
	defer d.lock.Unlock()
	out := make([]uint16, len(d.words))
	copy(out, d.words)
	return out
}

// Signalled reports whether the guest wrote the enable word followed by the
// breakpoint word.
func (d *DebugPort) Signalled() bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	for i := 0; i+1 < len(d.words); i++ {
		if d.words[i] == DEBUG_ENABLE && d.words[i+1] == DEBUG_BREAKPOINT {
			return true
		}
	}
	return false
}
