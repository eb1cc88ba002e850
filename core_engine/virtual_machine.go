// Package core_engine runs generated boot images on a real processor through
// Linux KVM, with the device models from the devices package on the port bus.
package core_engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"example.com/protoboot/core_engine/boot"
	"example.com/protoboot/core_engine/devices"
	"example.com/protoboot/core_engine/hypervisor"
)

var (
	ErrInvalidMachineConfig = errors.New("core_engine: invalid machine config")
	ErrOutOfRange           = errors.New("core_engine: guest address range out of bounds")
	ErrStopped              = errors.New("core_engine: stopped")
	// ErrGuestShutdown is a triple fault: the guest hit an exception it could
	// not deliver, usually a bad descriptor after the far jump.
	ErrGuestShutdown = errors.New("core_engine: guest shut down")
	ErrUnhandledExit = errors.New("core_engine: unhandled KVM exit")
	// ErrBootFailed means the guest halted after writing the failure signal
	// to the debug port.
	ErrBootFailed = errors.New("core_engine: guest signalled a boot failure")
)

const (
	// MinMemorySize covers the real-mode megabyte, which holds the boot sector,
	// the stage and the VGA text buffer.
	MinMemorySize = 1 << 20
	pageSize      = 4096
)

type MachineConfig struct {
	MemorySize uint64
	// Serial receives everything the guest transmits on COM1. Nil discards it.
	Serial io.Writer
	// NoSerial leaves COM1 unclaimed so the guest sees a floating bus there.
	NoSerial bool
	// KeyboardBusyPolls is handed to the 8042 model; devices.StuckBusy wedges
	// its input buffer.
	KeyboardBusyPolls int

	Logger *log.Logger
	Debug  bool
}

func DefaultMachineConfig() MachineConfig {
	return MachineConfig{
		MemorySize: 2 << 20,
		Serial:     os.Stdout,
		Logger:     log.Default(),
	}
}

func (c *MachineConfig) Validate() error {
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	if c.MemorySize < MinMemorySize {
		return fmt.Errorf("%w: memory size 0x%x below 1 MiB", ErrInvalidMachineConfig, c.MemorySize)
	}
	if c.MemorySize%pageSize != 0 {
		return fmt.Errorf("%w: memory size 0x%x is not page aligned", ErrInvalidMachineConfig, c.MemorySize)
	}
	if c.MemorySize > hypervisor.DefaultTSSAddress {
		return fmt.Errorf("%w: memory size 0x%x runs into the TSS area", ErrInvalidMachineConfig, c.MemorySize)
	}
	if c.KeyboardBusyPolls < devices.StuckBusy {
		return fmt.Errorf("%w: keyboard busy polls %d", ErrInvalidMachineConfig, c.KeyboardBusyPolls)
	}
	return nil
}

// VirtualMachine represents a KVM-based virtual machine with one vCPU.
type VirtualMachine struct {
	vmFD        int
	kvmFD       int
	guestMemory []byte
	vcpu        *VCPU

	ioBus          *devices.IOBus
	serialDevice   *devices.SerialPortDevice
	keyboardDevice *devices.KeyboardController
	debugPort      *devices.DebugPort

	stopChan chan struct{}
	stopOnce sync.Once

	MemorySize uint64
	Logger     *log.Logger
	Debug      bool
}

// NewVirtualMachine creates the VM, maps guest memory at physical address 0,
// wires the devices to the port bus and creates a vCPU reset to real mode at
// boot.LoadAddress.
func NewVirtualMachine(cfg MachineConfig) (*VirtualMachine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	vm := &VirtualMachine{
		vmFD:       -1,
		kvmFD:      -1,
		stopChan:   make(chan struct{}),
		MemorySize: cfg.MemorySize,
		Logger:     cfg.Logger,
		Debug:      cfg.Debug,
	}

	var err error
	if vm.kvmFD, err = hypervisor.OpenKVM(); err != nil {
		return nil, err
	}
	if vm.vmFD, err = hypervisor.DoKVMCreateVM(vm.kvmFD); err != nil {
		vm.Close()
		return nil, fmt.Errorf("KVM_CREATE_VM: %w", err)
	}
	if err := hypervisor.DoKVMSetTSSAddr(vm.vmFD, hypervisor.DefaultTSSAddress); err != nil {
		vm.Close()
		return nil, fmt.Errorf("KVM_SET_TSS_ADDR: %w", err)
	}

	vm.guestMemory, err = unix.Mmap(-1, 0, int(cfg.MemorySize), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		vm.Close()
		return nil, fmt.Errorf("mmap guest memory: %w", err)
	}
	if err := hypervisor.DoKVMSetUserMemoryRegion(vm.vmFD, 0, 0, vm.guestMemory); err != nil {
		vm.Close()
		return nil, fmt.Errorf("KVM_SET_USER_MEMORY_REGION: %w", err)
	}

	vm.wireDevices(cfg)

	if vm.vcpu, err = NewVCPU(vm, 0, boot.LoadAddress); err != nil {
		vm.Close()
		return nil, err
	}
	if vm.Debug {
		vm.Logger.Printf("VirtualMachine: Created with %d KiB of memory.", cfg.MemorySize>>10)
	}
	return vm, nil
}

func (vm *VirtualMachine) wireDevices(cfg MachineConfig) {
	vm.ioBus = devices.NewIOBus()
	vm.ioBus.Logger = cfg.Logger

	vm.keyboardDevice = devices.NewKeyboardController()
	vm.keyboardDevice.BusyPolls = cfg.KeyboardBusyPolls
	vm.keyboardDevice.Logger = cfg.Logger
	vm.keyboardDevice.Debug = cfg.Debug
	vm.ioBus.RegisterDevice(devices.KEYBOARD_PORT_DATA, devices.KEYBOARD_PORT_DATA, vm.keyboardDevice)
	vm.ioBus.RegisterDevice(devices.KEYBOARD_PORT_STATUS, devices.KEYBOARD_PORT_STATUS, vm.keyboardDevice)

	vm.debugPort = devices.NewDebugPort()
	vm.debugPort.Logger = cfg.Logger
	vm.debugPort.Debug = cfg.Debug
	vm.ioBus.RegisterDevice(devices.DEBUG_PORT, devices.DEBUG_PORT, vm.debugPort)

	if !cfg.NoSerial {
		vm.serialDevice = devices.NewSerialPortDevice(cfg.Serial)
		vm.serialDevice.Logger = cfg.Logger
		vm.serialDevice.Debug = cfg.Debug
		vm.ioBus.RegisterDevice(devices.COM1_PORT_BASE, devices.COM1_PORT_END, vm.serialDevice)
	}
}

func (vm *VirtualMachine) checkRange(address uint64, n int) error {
	if address+uint64(n) > uint64(len(vm.guestMemory)) || address+uint64(n) < address {
		return fmt.Errorf("%w: 0x%x+%d in %d bytes", ErrOutOfRange, address, n, len(vm.guestMemory))
	}
	return nil
}

// LoadBinary copies image into guest memory at address.
func (vm *VirtualMachine) LoadBinary(image []byte, address uint64) error {
	if err := vm.checkRange(address, len(image)); err != nil {
		return err
	}
	copy(vm.guestMemory[address:], image)
	if vm.Debug {
		vm.Logger.Printf("VirtualMachine: Loaded %d bytes into guest memory at 0x%x", len(image), address)
	}
	return nil
}

// LoadBoot does what firmware and a loader would: the boot sector goes to its
// load address, the stage to stageAddress, and the vCPU is reset to enter the
// sector in real mode.
func (vm *VirtualMachine) LoadBoot(img *boot.Image, stageCode []byte, stageAddress uint32) error {
	l := img.Layout()
	sectorEnd := uint64(l.LoadAddress) + boot.SectorSize
	if len(stageCode) > 0 && uint64(stageAddress) < sectorEnd && uint64(stageAddress)+uint64(len(stageCode)) > uint64(l.LoadAddress) {
		return fmt.Errorf("%w: stage at 0x%x overlaps the boot sector", ErrOutOfRange, stageAddress)
	}
	if err := vm.LoadBinary(img.Bytes(), uint64(l.LoadAddress)); err != nil {
		return err
	}
	if len(stageCode) > 0 {
		if err := vm.LoadBinary(stageCode, uint64(stageAddress)); err != nil {
			return err
		}
	}
	return vm.vcpu.Reset(l.LoadAddress)
}

// ReadMemory returns a copy of n bytes of guest memory.
func (vm *VirtualMachine) ReadMemory(address uint64, n int) ([]byte, error) {
	if err := vm.checkRange(address, n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, vm.guestMemory[address:])
	return out, nil
}

// Run executes the vCPU until the guest halts. Cancelling ctx stops the guest
// and returns ctx.Err(). A halt that follows the debug-port failure signal is
// reported as ErrBootFailed.
func (vm *VirtualMachine) Run(ctx context.Context) error {
	if vm.Debug {
		vm.Logger.Println("VirtualMachine: Starting VCPU run loop...")
	}
	done := make(chan error, 1)
	go func() { done <- vm.vcpu.Run() }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		vm.Stop()
		<-done
		return ctx.Err()
	}
	if err == nil && vm.debugPort.Signalled() {
		err = ErrBootFailed
	}
	if vm.Debug {
		vm.Logger.Printf("VirtualMachine: VCPU run loop finished: %v", err)
	}
	return err
}

// Stop signals the vCPU to leave its run loop. It is safe to call more than once.
func (vm *VirtualMachine) Stop() {
	vm.stopOnce.Do(func() {
		if vm.Debug {
			vm.Logger.Println("VirtualMachine: Sending stop signal to VCPU...")
		}
		close(vm.stopChan)
	})
	if vm.vcpu != nil {
		vm.vcpu.kick()
	}
}

// Close stops the guest and releases the vCPU, guest memory and KVM fds.
func (vm *VirtualMachine) Close() {
	vm.Stop()
	if vm.vcpu != nil {
		vm.vcpu.Close()
		vm.vcpu = nil
	}
	if vm.guestMemory != nil {
		if err := unix.Munmap(vm.guestMemory); err != nil {
			vm.Logger.Printf("VirtualMachine: Error unmapping guest memory: %v", err)
		}
		vm.guestMemory = nil
	}
	if vm.vmFD >= 0 {
		unix.Close(vm.vmFD)
		vm.vmFD = -1
	}
	if vm.kvmFD >= 0 {
		unix.Close(vm.kvmFD)
		vm.kvmFD = -1
	}
	if vm.Debug {
		vm.Logger.Println("VirtualMachine: Closed.")
	}
}

// Registers reads the vCPU's registers; call it after Run returns.
func (vm *VirtualMachine) Registers() (*hypervisor.KvmRegs, *hypervisor.KvmSregs, error) {
	return vm.vcpu.Registers()
}

func (vm *VirtualMachine) Serial() *devices.SerialPortDevice     { return vm.serialDevice }
func (vm *VirtualMachine) Keyboard() *devices.KeyboardController { return vm.keyboardDevice }
func (vm *VirtualMachine) DebugPort() *devices.DebugPort         { return vm.debugPort }
func (vm *VirtualMachine) IOBus() *devices.IOBus                 { return vm.ioBus }

// HandleIO is called by the VCPU on KVM_EXIT_IO. An unclaimed port behaves as
// a floating bus and is only logged in debug mode.
func (vm *VirtualMachine) HandleIO(vcpuID int, port uint16, data []byte, direction uint8, size uint8) error {
	err := vm.ioBus.HandleIO(port, direction, size, data)
	if errors.Is(err, devices.ErrUnhandledPort) {
		if vm.Debug {
			vm.Logger.Printf("VM: VCPU %d: %v", vcpuID, err)
		}
		return nil
	}
	return err
}
