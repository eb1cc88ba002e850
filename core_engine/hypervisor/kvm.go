// Package hypervisor wraps the Linux KVM ioctls the boot runner needs: a VM with
// one memory slot and one vCPU, register access, and the shared kvm_run page.
package hypervisor

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// KVM ioctl request numbers from <linux/kvm.h> for amd64.
const (
	KVM_GET_API_VERSION        = 0xAE00
	KVM_CREATE_VM              = 0xAE01
	KVM_GET_VCPU_MMAP_SIZE     = 0xAE04
	KVM_CREATE_VCPU            = 0xAE41
	KVM_SET_USER_MEMORY_REGION = 0x4020AE46
	KVM_SET_TSS_ADDR           = 0xAE47
	KVM_RUN                    = 0xAE80
	KVM_GET_REGS               = 0x8090AE81
	KVM_SET_REGS               = 0x4090AE82
	KVM_GET_SREGS              = 0x8138AE83
	KVM_SET_SREGS              = 0x4138AE84

	KVM_API_VERSION = 12
)

// Exit reasons reported in kvm_run.exit_reason.
const (
	KVM_EXIT_UNKNOWN         = 0
	KVM_EXIT_EXCEPTION       = 1
	KVM_EXIT_IO              = 2
	KVM_EXIT_HYPERCALL       = 3
	KVM_EXIT_DEBUG           = 4
	KVM_EXIT_HLT             = 5
	KVM_EXIT_MMIO            = 6
	KVM_EXIT_IRQ_WINDOW_OPEN = 7
	KVM_EXIT_SHUTDOWN        = 8
	KVM_EXIT_FAIL_ENTRY      = 9
	KVM_EXIT_INTR            = 10
	KVM_EXIT_INTERNAL_ERROR  = 17

	KVM_EXIT_IO_IN  = 0
	KVM_EXIT_IO_OUT = 1
)

// DefaultTSSAddress is the three-page region Intel hosts without unrestricted
// guest support need for real-mode emulation. It sits just below the BIOS area
// at the top of the 32-bit space, far from guest RAM.
const DefaultTSSAddress = 0xFFFBD000

var ErrAPIVersion = errors.New("hypervisor: unsupported KVM API version")

type KvmUserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

type KvmRegs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

type KvmSegment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

type KvmDtable struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

type KvmSregs struct {
	CS, DS, ES, FS, GS, SS KvmSegment
	TR, LDT                KvmSegment
	GDT, IDT               KvmDtable
	CR0, CR2, CR3, CR4     uint64
	CR8                    uint64
	EFER                   uint64
	ApicBase               uint64
	InterruptBitmap        [4]uint64
}

func ioctl(fd int, req uintptr, arg uintptr) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return 0, errno
	}
	return r, nil
}

// OpenKVM opens /dev/kvm and checks that it speaks the stable API.
func OpenKVM() (int, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("open /dev/kvm: %w", err)
	}
	v, err := ioctl(fd, KVM_GET_API_VERSION, 0)
	if err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("KVM_GET_API_VERSION: %w", err)
	}
	if v != KVM_API_VERSION {
		unix.Close(fd)
		return -1, fmt.Errorf("%w: %d", ErrAPIVersion, v)
	}
	return fd, nil
}

func DoKVMCreateVM(kvmFD int) (int, error) {
	fd, err := ioctl(kvmFD, KVM_CREATE_VM, 0)
	if err != nil {
		return -1, err
	}
	return int(fd), nil
}

func DoKVMGetVCPUMmapSize(kvmFD int) (int, error) {
	n, err := ioctl(kvmFD, KVM_GET_VCPU_MMAP_SIZE, 0)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func DoKVMCreateVCPU(vmFD int, id int) (int, error) {
	fd, err := ioctl(vmFD, KVM_CREATE_VCPU, uintptr(id))
	if err != nil {
		return -1, err
	}
	return int(fd), nil
}

func DoKVMSetTSSAddr(vmFD int, addr uint32) error {
	_, err := ioctl(vmFD, KVM_SET_TSS_ADDR, uintptr(addr))
	return err
}

func DoKVMSetUserMemoryRegion(vmFD int, slot uint32, guestPhysAddr uint64, mem []byte) error {
	region := KvmUserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: guestPhysAddr,
		MemorySize:    uint64(len(mem)),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}
	_, err := ioctl(vmFD, KVM_SET_USER_MEMORY_REGION, uintptr(unsafe.Pointer(&region)))
	return err
}

// DoKVMRun enters the guest. unix.EINTR is returned as is so the caller can
// tell a kick from a failure.
func DoKVMRun(vcpuFD int) error {
	_, err := ioctl(vcpuFD, KVM_RUN, 0)
	return err
}

func DoKVMGetRegs(vcpuFD int) (*KvmRegs, error) {
	var regs KvmRegs
	if _, err := ioctl(vcpuFD, KVM_GET_REGS, uintptr(unsafe.Pointer(&regs))); err != nil {
		return nil, err
	}
	return &regs, nil
}

func DoKVMSetRegs(vcpuFD int, regs *KvmRegs) error {
	_, err := ioctl(vcpuFD, KVM_SET_REGS, uintptr(unsafe.Pointer(regs)))
	return err
}

func DoKVMGetSregs(vcpuFD int) (*KvmSregs, error) {
	var sregs KvmSregs
	if _, err := ioctl(vcpuFD, KVM_GET_SREGS, uintptr(unsafe.Pointer(&sregs))); err != nil {
		return nil, err
	}
	return &sregs, nil
}

func DoKVMSetSregs(vcpuFD int, sregs *KvmSregs) error {
	_, err := ioctl(vcpuFD, KVM_SET_SREGS, uintptr(unsafe.Pointer(sregs)))
	return err
}

// ExitReasonName names a kvm_run exit reason for logs.
func ExitReasonName(reason uint32) string {
	switch reason {
	case KVM_EXIT_UNKNOWN:
		return "KVM_EXIT_UNKNOWN"
	case KVM_EXIT_EXCEPTION:
		return "KVM_EXIT_EXCEPTION"
	case KVM_EXIT_IO:
		return "KVM_EXIT_IO"
	case KVM_EXIT_HYPERCALL:
		return "KVM_EXIT_HYPERCALL"
	case KVM_EXIT_DEBUG:
		return "KVM_EXIT_DEBUG"
	case KVM_EXIT_HLT:
		return "KVM_EXIT_HLT"
	case KVM_EXIT_MMIO:
		return "KVM_EXIT_MMIO"
	case KVM_EXIT_IRQ_WINDOW_OPEN:
		return "KVM_EXIT_IRQ_WINDOW_OPEN"
	case KVM_EXIT_SHUTDOWN:
		return "KVM_EXIT_SHUTDOWN"
	case KVM_EXIT_FAIL_ENTRY:
		return "KVM_EXIT_FAIL_ENTRY"
	case KVM_EXIT_INTR:
		return "KVM_EXIT_INTR"
	case KVM_EXIT_INTERNAL_ERROR:
		return "KVM_EXIT_INTERNAL_ERROR"
	default:
		return fmt.Sprintf("KVM exit reason %d", reason)
	}
}
