package devices_test

import (
	"bytes"
	"errors"
	"io"
	"log"
	"reflect"
	"sync"
	"testing"

	"example.com/protoboot/core_engine/devices"
)

// MockDevice records every access routed to it.
type MockDevice struct {
	mu       sync.Mutex
	Accesses []uint16
	ReadVal  byte
}

func (m *MockDevice) HandleIO(port uint16, direction uint8, size uint8, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Accesses = append(m.Accesses, port)
	if direction == devices.IODirectionIn {
		data[0] = m.ReadVal
	}
	return nil
}

func quietBus() *devices.IOBus {
	bus := devices.NewIOBus()
	bus.Logger = log.New(io.Discard, "", 0)
	return bus
}

func TestIOBus_RoutesRange(t *testing.T) {
	bus := quietBus()
	dev := &MockDevice{ReadVal: 0x42}
	bus.RegisterDevice(0x10, 0x12, dev)

	for _, port := range []uint16{0x10, 0x11, 0x12} {
		v, err := bus.In(port)
		if err != nil || v != 0x42 {
			t.Errorf("In(0x%x) = 0x%x, %v", port, v, err)
		}
	}
	if !reflect.DeepEqual(dev.Accesses, []uint16{0x10, 0x11, 0x12}) {
		t.Errorf("accesses = %v", dev.Accesses)
	}
}

func TestIOBus_UnhandledPortFloats(t *testing.T) {
	bus := quietBus()
	v, err := bus.In(0x2F8)
	if !errors.Is(err, devices.ErrUnhandledPort) {
		t.Errorf("err = %v, want ErrUnhandledPort", err)
	}
	if v != 0xFF {
		t.Errorf("floating read = 0x%x, want 0xff", v)
	}
	if err := bus.Out(0x80, 1); !errors.Is(err, devices.ErrUnhandledPort) {
		t.Errorf("out err = %v", err)
	}
}

func TestIOBus_RegisterTopPort(t *testing.T) {
	bus := quietBus()
	dev := &MockDevice{}
	bus.RegisterDevice(0xFFFE, 0xFFFF, dev)
	if _, ok := bus.Device(0xFFFF); !ok {
		t.Fatal("port 0xffff not registered")
	}
	if _, ok := bus.Device(0x0000); ok {
		t.Fatal("registration wrapped around to port 0")
	}
}

func serialOut(t *testing.T, s *devices.SerialPortDevice, offset uint16, v byte) {
	t.Helper()
	if err := s.HandleIO(devices.COM1_PORT_BASE+offset, devices.IODirectionOut, 1, []byte{v}); err != nil {
		t.Fatalf("OUT 0x%x: %v", offset, err)
	}
}

func serialIn(t *testing.T, s *devices.SerialPortDevice, offset uint16) byte {
	t.Helper()
	b := []byte{0}
	if err := s.HandleIO(devices.COM1_PORT_BASE+offset, devices.IODirectionIn, 1, b); err != nil {
		t.Fatalf("IN 0x%x: %v", offset, err)
	}
	return b[0]
}

func TestSerialPortDevice_InitSequence(t *testing.T) {
	var out bytes.Buffer
	s := devices.NewSerialPortDevice(&out)

	serialOut(t, s, devices.IIR_FCR, 0x00)
	serialOut(t, s, devices.LCR, devices.LCR_DLAB)
	serialOut(t, s, devices.RHR_THR_DLL, 12)
	serialOut(t, s, devices.IER_DLH, 0)
	serialOut(t, s, devices.LCR, devices.LCR_WORD_LEN8)
	serialOut(t, s, devices.MCR, 0)
	serialOut(t, s, devices.IER_DLH, devices.IER_RX_DATA_AVAILABLE)

	if got := s.Baud(); got != 9600 {
		t.Errorf("Baud = %d, want 9600", got)
	}
	if got := s.LineControl(); got != devices.LCR_WORD_LEN8 {
		t.Errorf("LCR = 0x%x", got)
	}
	if out.Len() != 0 {
		t.Errorf("divisor writes leaked to output: %q", out.String())
	}
	if got := serialIn(t, s, devices.IER_DLH); got != devices.IER_RX_DATA_AVAILABLE {
		t.Errorf("IER = 0x%x", got)
	}
}

func TestSerialPortDevice_Transmit(t *testing.T) {
	var out bytes.Buffer
	s := devices.NewSerialPortDevice(&out)

	for _, c := range []byte("Hello, UART!") {
		if serialIn(t, s, devices.LSR)&devices.LSR_THRE == 0 {
			t.Fatal("transmitter never empty")
		}
		serialOut(t, s, devices.RHR_THR_DLL, c)
	}
	if out.String() != "Hello, UART!" {
		t.Errorf("output = %q", out.String())
	}
}

func TestSerialPortDevice_Receive(t *testing.T) {
	s := devices.NewSerialPortDevice(nil)
	if serialIn(t, s, devices.LSR)&devices.LSR_DR != 0 {
		t.Fatal("data ready with empty queue")
	}
	s.Receive([]byte("ok"))
	serialOut(t, s, devices.IER_DLH, devices.IER_RX_DATA_AVAILABLE)
	if got := serialIn(t, s, devices.IIR_FCR); got != devices.IIR_RDA {
		t.Errorf("IIR = 0x%x, want RDA", got)
	}
	if serialIn(t, s, devices.RHR_THR_DLL) != 'o' || serialIn(t, s, devices.RHR_THR_DLL) != 'k' {
		t.Error("received bytes out of order")
	}
	if serialIn(t, s, devices.LSR)&devices.LSR_DR != 0 {
		t.Error("data ready after queue drained")
	}
}

func TestSerialPortDevice_RejectsWideAccess(t *testing.T) {
	s := devices.NewSerialPortDevice(nil)
	if err := s.HandleIO(devices.COM1_PORT_BASE, devices.IODirectionOut, 2, []byte{1, 2}); err == nil {
		t.Error("2-byte access accepted")
	}
}

func kbdStatus(t *testing.T, k *devices.KeyboardController) byte {
	t.Helper()
	b := []byte{0}
	if err := k.HandleIO(devices.KEYBOARD_PORT_STATUS, devices.IODirectionIn, 1, b); err != nil {
		t.Fatal(err)
	}
	return b[0]
}

func kbdOut(t *testing.T, k *devices.KeyboardController, port uint16, v byte) {
	t.Helper()
	if err := k.HandleIO(port, devices.IODirectionOut, 1, []byte{v}); err != nil {
		t.Fatal(err)
	}
}

func TestKeyboardController_A20Gate(t *testing.T) {
	k := devices.NewKeyboardController()
	if k.A20Enabled() {
		t.Fatal("A20 open at power-on")
	}
	kbdOut(t, k, devices.KEYBOARD_PORT_STATUS, devices.KBD_CMD_WRITE_OUTPUT_PORT)
	kbdOut(t, k, devices.KEYBOARD_PORT_DATA, devices.KBD_OUT_A20_ENABLE)

	if !k.A20Enabled() {
		t.Error("A20 closed after writing 0xDF to the output port")
	}
	if k.OutputPort() != devices.KBD_OUT_A20_ENABLE {
		t.Errorf("output port = 0x%x", k.OutputPort())
	}
	if k.Resets() != 0 {
		t.Errorf("resets = %d", k.Resets())
	}
}

func TestKeyboardController_DataWithoutCommandLeavesA20(t *testing.T) {
	k := devices.NewKeyboardController()
	kbdOut(t, k, devices.KEYBOARD_PORT_DATA, devices.KBD_OUT_A20_ENABLE)
	if k.A20Enabled() {
		t.Error("A20 opened by a plain keyboard write")
	}
}

func TestKeyboardController_BusyPolls(t *testing.T) {
	k := devices.NewKeyboardController()
	k.BusyPolls = 3
	if kbdStatus(t, k)&devices.KBD_STATUS_IBF != 0 {
		t.Fatal("busy before any write")
	}
	kbdOut(t, k, devices.KEYBOARD_PORT_STATUS, devices.KBD_CMD_WRITE_OUTPUT_PORT)
	for i := 0; i < 3; i++ {
		if kbdStatus(t, k)&devices.KBD_STATUS_IBF == 0 {
			t.Fatalf("poll %d: IBF clear too early", i)
		}
	}
	if kbdStatus(t, k)&devices.KBD_STATUS_IBF != 0 {
		t.Error("IBF still set after BusyPolls reads")
	}
}

func TestKeyboardController_StuckBusy(t *testing.T) {
	k := devices.NewKeyboardController()
	k.BusyPolls = devices.StuckBusy
	kbdOut(t, k, devices.KEYBOARD_PORT_STATUS, devices.KBD_CMD_DISABLE_FIRST)
	for i := 0; i < 100; i++ {
		if kbdStatus(t, k)&devices.KBD_STATUS_IBF == 0 {
			t.Fatal("stuck controller cleared IBF")
		}
	}
}

func TestKeyboardController_Commands(t *testing.T) {
	k := devices.NewKeyboardController()
	kbdOut(t, k, devices.KEYBOARD_PORT_STATUS, devices.KBD_CMD_DISABLE_FIRST)
	kbdOut(t, k, devices.KEYBOARD_PORT_STATUS, devices.KBD_CMD_DISABLE_SECOND)
	if first, second := k.PortsEnabled(); first || second {
		t.Errorf("ports enabled = %t, %t", first, second)
	}

	kbdOut(t, k, devices.KEYBOARD_PORT_STATUS, devices.KBD_CMD_READ_OUTPUT_PORT)
	if kbdStatus(t, k)&devices.KBD_STATUS_OBF == 0 {
		t.Fatal("no output after read-output-port command")
	}
	b := []byte{0}
	if err := k.HandleIO(devices.KEYBOARD_PORT_DATA, devices.IODirectionIn, 1, b); err != nil {
		t.Fatal(err)
	}
	if b[0] != devices.KBD_OUT_POWER_ON {
		t.Errorf("output port read = 0x%x", b[0])
	}

	kbdOut(t, k, devices.KEYBOARD_PORT_STATUS, devices.KBD_CMD_PULSE_RESET)
	if k.Resets() != 1 {
		t.Errorf("resets = %d", k.Resets())
	}
	want := []byte{devices.KBD_CMD_DISABLE_FIRST, devices.KBD_CMD_DISABLE_SECOND, devices.KBD_CMD_READ_OUTPUT_PORT, devices.KBD_CMD_PULSE_RESET}
	if got := k.Commands(); !bytes.Equal(got, want) {
		t.Errorf("commands = % x", got)
	}
}

func TestDebugPort_Signal(t *testing.T) {
	d := devices.NewDebugPort()
	ch := make(chan uint16, 2)
	d.Notify(ch)

	for _, w := range []uint16{devices.DEBUG_ENABLE, devices.DEBUG_BREAKPOINT} {
		if err := d.HandleIO(devices.DEBUG_PORT, devices.IODirectionOut, 2, []byte{byte(w), byte(w >> 8)}); err != nil {
			t.Fatal(err)
		}
	}
	if !d.Signalled() {
		t.Error("signal not recognised")
	}
	if got := <-ch; got != devices.DEBUG_ENABLE {
		t.Errorf("first notification = 0x%x", got)
	}
	if got := d.Words(); !reflect.DeepEqual(got, []uint16{0x8A00, 0x8AE0}) {
		t.Errorf("words = %x", got)
	}
}

func TestDebugPort_BreakpointAloneIsNotASignal(t *testing.T) {
	d := devices.NewDebugPort()
	if err := d.HandleIO(devices.DEBUG_PORT, devices.IODirectionOut, 2, []byte{0xE0, 0x8A}); err != nil {
		t.Fatal(err)
	}
	if d.Signalled() {
		t.Error("breakpoint without enable counted as a signal")
	}
}
