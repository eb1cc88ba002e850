package boot

import (
	"errors"
	"fmt"

	"example.com/protoboot/core_engine/gdt"
)

var (
	// ErrOutOfOrder is returned when a transition skips or repeats a state.
	ErrOutOfOrder = errors.New("boot: state transition out of order")
	// ErrStageReturned means control came back from the next stage.
	ErrStageReturned = errors.New("boot: next stage returned")
	// ErrA20Timeout means a bounded keyboard controller poll ran out.
	ErrA20Timeout = errors.New("boot: keyboard controller never drained its input buffer")

	ErrInvalidConfig   = errors.New("boot: invalid config")
	ErrImageOverflow   = errors.New("boot: code does not fit in the boot sector")
	ErrTableOutOfReach = errors.New("boot: descriptor table is outside the boot sector")
	ErrLayoutOverlap   = errors.New("boot: code overlaps the descriptor table")
	ErrBadSignature    = errors.New("boot: sector lacks the 0x55AA signature")
)

// Processor exception vectors raised by the model.
const (
	VectorNP = 11 // segment not present
	VectorSS = 12 // stack-segment fault
	VectorGP = 13 // general protection
)

// FaultError is a processor exception raised by Model.
type FaultError struct {
	Vector   int
	Selector gdt.Selector
	Reason   string
}

func (e *FaultError) Error() string {
	name := "#GP"
	switch e.Vector {
	case VectorNP:
		name = "#NP"
	case VectorSS:
		name = "#SS"
	}
	return fmt.Sprintf("boot: %s(0x%x): %s", name, uint16(e.Selector), e.Reason)
}

func fault(vector int, sel gdt.Selector, format string, args ...any) error {
	return &FaultError{Vector: vector, Selector: sel, Reason: fmt.Sprintf(format, args...)}
}
