package hypervisor

import (
	"encoding/binary"
	"fmt"
)

// Offsets into struct kvm_run.
const (
	runImmediateExit = 1
	runExitReason    = 8
	runExitUnion     = 32
)

// RunState is the vCPU's mmapped kvm_run page. KVM writes the exit record into
// it before KVM_RUN returns; port input data written here is seen by the guest
// on the next entry.
type RunState []byte

// IOExit is the io member of the kvm_run exit union.
type IOExit struct {
	Direction  uint8
	Size       uint8
	Port       uint16
	Count      uint32
	DataOffset uint64
}

func (r RunState) ExitReason() uint32 {
	return binary.LittleEndian.Uint32(r[runExitReason:])
}

// SetImmediateExit makes the next KVM_RUN return EINTR without entering the guest.
func (r RunState) SetImmediateExit(on bool) {
	if on {
		r[runImmediateExit] = 1
	} else {
		r[runImmediateExit] = 0
	}
}

func (r RunState) IO() IOExit {
	u := r[runExitUnion:]
	return IOExit{
		Direction:  u[0],
		Size:       u[1],
		Port:       binary.LittleEndian.Uint16(u[2:]),
		Count:      binary.LittleEndian.Uint32(u[4:]),
		DataOffset: binary.LittleEndian.Uint64(u[8:]),
	}
}

// Data returns the buffer holding io's transfers, Size*Count bytes.
func (r RunState) Data(io IOExit) ([]byte, error) {
	n := uint64(io.Size) * uint64(io.Count)
	if io.DataOffset+n > uint64(len(r)) {
		return nil, fmt.Errorf("hypervisor: io data at 0x%x+%d outside the %d-byte run page", io.DataOffset, n, len(r))
	}
	return r[io.DataOffset : io.DataOffset+n], nil
}

// HardwareReason is the hardware_entry_failure_reason of a KVM_EXIT_FAIL_ENTRY
// or the hardware_exit_reason of a KVM_EXIT_UNKNOWN.
func (r RunState) HardwareReason() uint64 {
	return binary.LittleEndian.Uint64(r[runExitUnion:])
}

// Suberror is the internal.suberror of a KVM_EXIT_INTERNAL_ERROR.
func (r RunState) Suberror() uint32 {
	return binary.LittleEndian.Uint32(r[runExitUnion:])
}
