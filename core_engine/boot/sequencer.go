package boot

import (
	"errors"
	"fmt"

	"example.com/protoboot/core_engine/devices"
	"example.com/protoboot/core_engine/gdt"
)

// Sequencer drives a Machine from real mode to flat 32-bit protected mode.
type Sequencer struct {
	cfg        Config
	state      State
	trace      []State
	handshakes int
}

// NewSequencer validates cfg and returns a sequencer in RealMode.
func NewSequencer(cfg Config) (*Sequencer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Sequencer{cfg: cfg, state: RealMode, trace: []State{RealMode}}, nil
}

func (s *Sequencer) State() State { return s.state }

// Trace returns every state entered so far, starting with RealMode.
func (s *Sequencer) Trace() []State {
	out := make([]State, len(s.trace))
	copy(out, s.trace)
	return out
}

// Handshakes is the number of poll-then-write cycles done with the keyboard controller.
func (s *Sequencer) Handshakes() int { return s.handshakes }

func (s *Sequencer) Config() Config { return s.cfg }

func (s *Sequencer) advance(to State) error {
	if !s.state.next(to) {
		return fmt.Errorf("%w: %s -> %s", ErrOutOfOrder, s.state, to)
	}
	s.state = to
	s.trace = append(s.trace, to)
	if s.cfg.Debug {
		s.cfg.Logger.Printf("Sequencer: entered %s", to)
	}
	return nil
}

// Run performs the whole transition on m. It returns nil once control has
// been handed to the next stage for good. If the stage returns, or a bounded
// poll runs out, the diagnostic signal is sent, the machine halts and Run
// returns ErrStageReturned or ErrA20Timeout.
func (s *Sequencer) Run(m Machine) error {
	if s.state != RealMode {
		return fmt.Errorf("%w: Run called in %s", ErrOutOfOrder, s.state)
	}
	c := &s.cfg

	if err := m.DisableInterrupts(); err != nil {
		return err
	}
	if err := s.advance(InterruptsDisabled); err != nil {
		return err
	}

	for _, seg := range []Segment{DS, ES, SS} {
		if err := m.LoadSegment(seg, 0); err != nil {
			return err
		}
	}
	if err := s.advance(SegmentsZeroed); err != nil {
		return err
	}

	if err := s.enableA20(m); err != nil {
		if errors.Is(err, ErrA20Timeout) {
			return s.fail(m, err)
		}
		return err
	}
	if err := s.advance(A20Enabled); err != nil {
		return err
	}

	if err := m.LoadGDT(c.Table.Pointer()); err != nil {
		return err
	}
	if err := s.advance(GdtLoaded); err != nil {
		return err
	}

	if err := m.EnableProtection(); err != nil {
		return err
	}
	if err := s.advance(ProtectedModeEnabled); err != nil {
		return err
	}

	if err := m.FarJump(c.CodeSelector); err != nil {
		return err
	}
	if err := s.advance(CodeSegmentSwitched); err != nil {
		return err
	}

	for _, seg := range []Segment{DS, ES, SS} {
		if err := m.LoadSegment(seg, c.DataSelector); err != nil {
			return err
		}
	}
	for _, seg := range []Segment{FS, GS} {
		if err := m.LoadSegment(seg, gdt.Selector(0)); err != nil {
			return err
		}
	}
	if err := m.SetStack(c.StackPointer); err != nil {
		return err
	}
	if err := s.advance(FullyInitialized); err != nil {
		return err
	}

	returned, err := m.Call(c.Entry)
	if err != nil {
		return err
	}
	if !returned {
		return nil
	}
	return s.fail(m, ErrStageReturned)
}

func (s *Sequencer) enableA20(m Machine) error {
	a := s.cfg.A20
	for _, w := range []struct {
		port  uint16
		value byte
	}{
		{a.StatusPort, a.Command},
		{a.DataPort, a.Value},
	} {
		if err := m.WaitInputEmpty(a.StatusPort, s.cfg.PollLimit); err != nil {
			return err
		}
		if err := m.WriteByte(w.port, w.value); err != nil {
			return err
		}
		s.handshakes++
	}
	return nil
}

// fail sends the diagnostic signal and halts. cause is returned unless the
// machine itself fails.
func (s *Sequencer) fail(m Machine, cause error) error {
	if s.cfg.Debug {
		s.cfg.Logger.Printf("Sequencer: %v, signalling on port 0x%x", cause, s.cfg.DebugPort)
	}
	if err := m.Signal(s.cfg.DebugPort, devices.DEBUG_ENABLE, devices.DEBUG_BREAKPOINT); err != nil {
		return fmt.Errorf("%w (signal: %w)", cause, err)
	}
	if err := m.Halt(); err != nil {
		return fmt.Errorf("%w (halt: %w)", cause, err)
	}
	if err := s.advance(Halted); err != nil {
		return err
	}
	return cause
}
