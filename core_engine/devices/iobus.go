package devices

import (
	"errors"
	"fmt"
	"log"
	"sync"
)

// ErrUnhandledPort is returned for accesses to a port nothing is registered on.
var ErrUnhandledPort = errors.New("iobus: unhandled port")

// PioDevice defines the interface for a port I/O device.
type PioDevice interface {
	HandleIO(port uint16, direction uint8, size uint8, data []byte) error
}

// IOBus manages port I/O access to registered devices.
type IOBus struct {
	mu    sync.RWMutex
	ports map[uint16]PioDevice // Maps a port number to a device

	// Logger receives overwrite warnings and, when Debug is set, every access.
	Logger *log.Logger
	Debug  bool
}

// NewIOBus creates and initializes a new IOBus.
func NewIOBus() *IOBus {
	return &IOBus{
		ports:  make(map[uint16]PioDevice),
		Logger: log.Default(),
	}
}

// RegisterDevice registers a device to handle I/O for a range of ports.
// A port that is already taken is handed to the new device with a warning.
func (bus *IOBus) RegisterDevice(startPort, endPort uint16, device PioDevice) {
	if device == nil {
		bus.Logger.Printf("IOBus: Warning: Attempted to register a nil device for ports 0x%x-0x%x", startPort, endPort)
		return
	}
	bus.mu.Lock()
	defer bus.mu.Unlock()
	for port := startPort; port <= endPort; port++ {
		if existingDevice, ok := bus.ports[port]; ok {
			bus.Logger.Printf("IOBus: Warning: Port 0x%x already registered to a device (%T). Overwriting with new device (%T).", port, existingDevice, device)
		}
		bus.ports[port] = device
		if port == 0xFFFF { // Avoid overflow if endPort is 0xFFFF
			break
		}
	}
}

// Device returns the device registered on port, if any.
func (bus *IOBus) Device(port uint16) (PioDevice, bool) {
	bus.mu.RLock()
	defer bus.mu.RUnlock()
	d, ok := bus.ports[port]
	return d, ok
}

// HandleIO routes an I/O operation to the appropriate registered device.
// Reads from an unclaimed port see a floating bus (all ones) and still
// report ErrUnhandledPort so the caller can decide whether that matters.
func (bus *IOBus) HandleIO(port uint16, direction uint8, size uint8, data []byte) error {
	device, ok := bus.Device(port)
	if bus.Debug {
		bus.Logger.Printf("IOBus: %s port 0x%x size %d", directionString(direction), port, size)
	}
	if !ok {
		if direction == IODirectionIn {
			for i := range data {
				data[i] = 0xFF
			}
		}
		return fmt.Errorf("%w: %s 0x%x", ErrUnhandledPort, directionString(direction), port)
	}
	return device.HandleIO(port, direction, size, data)
}

// In reads one byte from port.
func (bus *IOBus) In(port uint16) (byte, error) {
	var b [1]byte
	err := bus.HandleIO(port, IODirectionIn, 1, b[:])
	return b[0], err
}

// Out writes one byte to port.
func (bus *IOBus) Out(port uint16, value byte) error {
	return bus.HandleIO(port, IODirectionOut, 1, []byte{value})
}

// OutWord writes a little-endian 16-bit value to port.
func (bus *IOBus) OutWord(port uint16, value uint16) error {
	return bus.HandleIO(port, IODirectionOut, 2, []byte{byte(value), byte(value >> 8)})
}

func directionString(direction uint8) string {
	if direction == IODirectionIn {
		return "IN"
	}
	return "OUT"
}
