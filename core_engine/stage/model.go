package stage

import (
	"errors"
	"fmt"

	"example.com/protoboot/core_engine/boot"
	"example.com/protoboot/core_engine/devices"
)

// maxTHREPolls bounds the wait for the transmitter in the model. The generated
// code spins forever; the model gives up so a broken device cannot hang a test.
const maxTHREPolls = 1 << 20

// Func returns a stage that does on a boot.Model what the generated code does
// on a processor: the same register writes, presence check, THRE waits and
// screen writes. A failure is logged and treated as the stage returning.
func Func(cfg Config) boot.StageFunc {
	return func(m *boot.Model) bool {
		if err := run(cfg, m); err != nil {
			m.Logger.Printf("stage: %v", err)
			return true
		}
		return cfg.Return
	}
}

// in reads a port, treating an unclaimed one as a floating bus.
func in(m *boot.Model, port uint16) (byte, error) {
	v, err := m.Bus.In(port)
	if errors.Is(err, devices.ErrUnhandledPort) {
		return v, nil
	}
	return v, err
}

func out(m *boot.Model, port uint16, v byte) error {
	err := m.Bus.Out(port, v)
	if errors.Is(err, devices.ErrUnhandledPort) {
		return nil
	}
	return err
}

func run(cfg Config, m *boot.Model) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	for _, w := range cfg.uartInit() {
		if err := out(m, w.port, w.value); err != nil {
			return err
		}
	}
	lsr, err := in(m, cfg.UART+devices.LSR)
	if err != nil {
		return err
	}
	if lsr != devices.LSR_ABSENT {
		for _, off := range []uint16{devices.IIR_FCR, devices.RHR_THR_DLL} {
			if _, err := in(m, cfg.UART+off); err != nil {
				return err
			}
		}
		if err := puts(m, cfg, cfg.Banner); err != nil {
			return err
		}
		if err := puts(m, cfg, cfg.Message+"\n"); err != nil {
			return err
		}
	}
	if cfg.VGA {
		for i := 0; i < len(cfg.Message); i++ {
			if err := m.WriteMemory(cfg.VGAAddress+uint32(2*i), []byte{cfg.Message[i], cfg.Attribute}); err != nil {
				return err
			}
		}
	}
	return nil
}

func puts(m *boot.Model, cfg Config, s string) error {
	for i := 0; i < len(s); i++ {
		ready := false
		for n := 0; n < maxTHREPolls; n++ {
			lsr, err := in(m, cfg.UART+devices.LSR)
			if err != nil {
				return err
			}
			if lsr&devices.LSR_THRE != 0 {
				ready = true
				break
			}
		}
		if !ready {
			return fmt.Errorf("UART at 0x%x never became ready to transmit", cfg.UART)
		}
		if err := out(m, cfg.UART+devices.RHR_THR_DLL, s[i]); err != nil {
			return err
		}
	}
	return nil
}
