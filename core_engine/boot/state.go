package boot

import "fmt"

// State is a step of the real-to-protected mode transition. Each state is
// entered exactly once and only from the one before it.
type State int

const (
	RealMode State = iota
	InterruptsDisabled
	SegmentsZeroed
	A20Enabled
	GdtLoaded
	ProtectedModeEnabled
	CodeSegmentSwitched
	FullyInitialized

	// Halted is terminal and may be entered from any other state, including
	// FullyInitialized when the next stage returns.
	Halted
)

var stateNames = [...]string{
	RealMode:             "RealMode",
	InterruptsDisabled:   "InterruptsDisabled",
	SegmentsZeroed:       "SegmentsZeroed",
	A20Enabled:           "A20Enabled",
	GdtLoaded:            "GdtLoaded",
	ProtectedModeEnabled: "ProtectedModeEnabled",
	CodeSegmentSwitched:  "CodeSegmentSwitched",
	FullyInitialized:     "FullyInitialized",
	Halted:               "Halted",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// next reports whether to may directly follow s.
func (s State) next(to State) bool {
	switch {
	case s == Halted:
		return false
	case to == Halted:
		return true
	case s == FullyInitialized:
		return false
	}
	return to == s+1
}
