package core_engine

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"example.com/protoboot/core_engine/devices"
	"example.com/protoboot/core_engine/hypervisor"
)

// realModeFlags is RFLAGS at reset: only the always-one bit 1.
const realModeFlags = 0x2

// VCPU represents a virtual CPU within a KVM virtual machine.
type VCPU struct {
	id  int
	fd  int
	vm  *VirtualMachine
	run hypervisor.RunState

	// tid is the thread inside KVM_RUN, or 0.
	tid atomic.Int32
}

// NewVCPU creates a vCPU and puts it in the state firmware leaves it in before
// jumping to a boot sector at entry.
func NewVCPU(vm *VirtualMachine, id int, entry uint32) (*VCPU, error) {
	mmapSize, err := hypervisor.DoKVMGetVCPUMmapSize(vm.kvmFD)
	if err != nil {
		return nil, fmt.Errorf("KVM_GET_VCPU_MMAP_SIZE: %w", err)
	}
	fd, err := hypervisor.DoKVMCreateVCPU(vm.vmFD, id)
	if err != nil {
		return nil, fmt.Errorf("KVM_CREATE_VCPU %d: %w", id, err)
	}
	run, err := unix.Mmap(fd, 0, mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap kvm_run for VCPU %d: %w", id, err)
	}

	vcpu := &VCPU{id: id, fd: fd, vm: vm, run: hypervisor.RunState(run)}
	if err := vcpu.Reset(entry); err != nil {
		vcpu.Close()
		return nil, err
	}
	if vm.Debug {
		vm.Logger.Printf("VCPU %d: Created. kvm_run mmap size: %d bytes.", id, mmapSize)
	}
	return vcpu, nil
}

// Reset loads real-mode state: every segment at base 0, protection off,
// interrupts off and execution starting at entry.
func (vcpu *VCPU) Reset(entry uint32) error {
	sregs, err := hypervisor.DoKVMGetSregs(vcpu.fd)
	if err != nil {
		return fmt.Errorf("KVM_GET_SREGS: %w", err)
	}
	sregs.CS = hypervisor.RealModeSegment(0, true)
	sregs.DS = hypervisor.RealModeSegment(0, false)
	sregs.ES = sregs.DS
	sregs.FS = sregs.DS
	sregs.GS = sregs.DS
	sregs.SS = sregs.DS
	sregs.CR0 &^= 1
	if err := hypervisor.DoKVMSetSregs(vcpu.fd, sregs); err != nil {
		return fmt.Errorf("KVM_SET_SREGS: %w", err)
	}

	regs := &hypervisor.KvmRegs{
		RIP:    uint64(entry),
		RFLAGS: realModeFlags,
		RSP:    uint64(entry),
		RDX:    0x80, // boot drive
	}
	if err := hypervisor.DoKVMSetRegs(vcpu.fd, regs); err != nil {
		return fmt.Errorf("KVM_SET_REGS: %w", err)
	}
	if vcpu.vm.Debug {
		vcpu.vm.Logger.Printf("VCPU %d: Reset to real mode. CS:IP=0000:%04x", vcpu.id, entry)
	}
	return nil
}

// Run enters the guest until it halts, shuts down or the VM is stopped.
func (vcpu *VCPU) Run() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	vcpu.tid.Store(int32(unix.Gettid()))
	defer vcpu.tid.Store(0)

	if vcpu.vm.Debug {
		vcpu.vm.Logger.Printf("VCPU %d: Entering run loop.", vcpu.id)
	}
	for {
		select {
		case <-vcpu.vm.stopChan:
			if vcpu.vm.Debug {
				vcpu.vm.Logger.Printf("VCPU %d: Stop signal received, exiting run loop.", vcpu.id)
			}
			return ErrStopped
		default:
		}

		err := hypervisor.DoKVMRun(vcpu.fd)
		if errors.Is(err, unix.EINTR) {
			vcpu.run.SetImmediateExit(false)
			continue
		}
		if err != nil {
			return fmt.Errorf("VCPU %d: KVM_RUN: %w", vcpu.id, err)
		}

		reason := vcpu.run.ExitReason()
		switch reason {
		case hypervisor.KVM_EXIT_IO:
			if err := vcpu.handleIO(); err != nil {
				return err
			}

		case hypervisor.KVM_EXIT_HLT:
			if vcpu.vm.Debug {
				vcpu.vm.Logger.Printf("VCPU %d: KVM_EXIT_HLT. Guest halted.", vcpu.id)
			}
			return nil

		case hypervisor.KVM_EXIT_INTR:
			// A signal arrived; the select at the top decides whether to go on.

		case hypervisor.KVM_EXIT_SHUTDOWN:
			return fmt.Errorf("VCPU %d: %w", vcpu.id, ErrGuestShutdown)

		case hypervisor.KVM_EXIT_FAIL_ENTRY, hypervisor.KVM_EXIT_UNKNOWN:
			return fmt.Errorf("VCPU %d: %w: %s, hardware reason 0x%x",
				vcpu.id, ErrUnhandledExit, hypervisor.ExitReasonName(reason), vcpu.run.HardwareReason())

		case hypervisor.KVM_EXIT_INTERNAL_ERROR:
			return fmt.Errorf("VCPU %d: %w: %s, suberror %d",
				vcpu.id, ErrUnhandledExit, hypervisor.ExitReasonName(reason), vcpu.run.Suberror())

		default:
			return fmt.Errorf("VCPU %d: %w: %s", vcpu.id, ErrUnhandledExit, hypervisor.ExitReasonName(reason))
		}
	}
}

// handleIO forwards a port access to the bus, one element at a time for
// string instructions.
func (vcpu *VCPU) handleIO() error {
	io := vcpu.run.IO()
	data, err := vcpu.run.Data(io)
	if err != nil {
		return fmt.Errorf("VCPU %d: %w", vcpu.id, err)
	}
	direction := devices.IODirectionOut
	if io.Direction == hypervisor.KVM_EXIT_IO_IN {
		direction = devices.IODirectionIn
	}
	size := int(io.Size)
	for i := 0; i < int(io.Count); i++ {
		if err := vcpu.vm.HandleIO(vcpu.id, io.Port, data[i*size:(i+1)*size], direction, io.Size); err != nil {
			vcpu.vm.Logger.Printf("VCPU %d: Error handling KVM_EXIT_IO on port 0x%x: %v", vcpu.id, io.Port, err)
		}
	}
	return nil
}

// kick forces the vCPU out of KVM_RUN. The immediate-exit flag covers the
// window where the thread is about to enter; the signal covers a thread
// already inside.
func (vcpu *VCPU) kick() {
	if vcpu.run == nil {
		return
	}
	vcpu.run.SetImmediateExit(true)
	if tid := vcpu.tid.Load(); tid != 0 {
		if err := unix.Tgkill(unix.Getpid(), int(tid), unix.SIGURG); err != nil && vcpu.vm.Debug {
			vcpu.vm.Logger.Printf("VCPU %d: kick: %v", vcpu.id, err)
		}
	}
}

// Registers reads the general-purpose and segment registers.
func (vcpu *VCPU) Registers() (*hypervisor.KvmRegs, *hypervisor.KvmSregs, error) {
	regs, err := hypervisor.DoKVMGetRegs(vcpu.fd)
	if err != nil {
		return nil, nil, fmt.Errorf("KVM_GET_REGS: %w", err)
	}
	sregs, err := hypervisor.DoKVMGetSregs(vcpu.fd)
	if err != nil {
		return nil, nil, fmt.Errorf("KVM_GET_SREGS: %w", err)
	}
	return regs, sregs, nil
}

// Close releases the kvm_run mapping and the vCPU fd. It is idempotent.
func (vcpu *VCPU) Close() {
	if vcpu.run != nil {
		if err := unix.Munmap(vcpu.run); err != nil {
			vcpu.vm.Logger.Printf("VCPU %d: Error unmapping kvm_run: %v", vcpu.id, err)
		}
		vcpu.run = nil
	}
	if vcpu.fd >= 0 {
		unix.Close(vcpu.fd)
		vcpu.fd = -1
	}
	if vcpu.vm.Debug {
		vcpu.vm.Logger.Printf("VCPU %d: Closed.", vcpu.id)
	}
}
