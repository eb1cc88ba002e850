// Command protoboot generates a boot sector that takes an x86 machine from
// real mode to 32-bit protected mode, and checks it on a hardware model or
// under KVM.
//
// Usage:
//
//	protoboot build [flags]   write boot.bin and stage.bin
//	protoboot disk [flags]    write an MBR disk image with the stage partition
//	protoboot model [flags]   run the transition against the device models
//	protoboot run [flags]     boot under KVM
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"golang.org/x/term"

	"example.com/protoboot/core_engine"
	"example.com/protoboot/core_engine/boot"
	"example.com/protoboot/core_engine/devices"
	"example.com/protoboot/core_engine/diskimage"
	"example.com/protoboot/core_engine/gdt"
	"example.com/protoboot/core_engine/stage"
	"example.com/protoboot/core_engine/vga"
)

var commands = map[string]func(args []string) error{
	"build": cmdBuild,
	"disk":  cmdDisk,
	"model": cmdModel,
	"run":   cmdRun,
}

func usage() {
	fmt.Println("Usage: protoboot build|disk|model|run [flags]")
	fmt.Println("Run 'protoboot <command> -h' for the flags of a command.")
}

func main() {
	log.SetFlags(log.Ltime | log.Lmicroseconds)
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	cmd, ok := commands[os.Args[1]]
	if !ok {
		fmt.Printf("Error: unknown command %q\n", os.Args[1])
		usage()
		os.Exit(1)
	}
	if err := cmd(os.Args[2:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

// genOptions are the flags shared by every command that generates code.
type genOptions struct {
	tableOffset string
	stageAddr   string
	pollLimit   int
	message     string
	banner      string
	noVGA       bool
	stageReturn bool
	debug       bool
}

func (o *genOptions) register(fs *flag.FlagSet) {
	fs.StringVar(&o.tableOffset, "table-offset", "0x100", "GDT offset inside the boot sector (hex or decimal)")
	fs.StringVar(&o.stageAddr, "stage-addr", "0x7e00", "next stage load and entry address (hex or decimal)")
	fs.IntVar(&o.pollLimit, "poll-limit", 0, "bound each keyboard controller wait; 0 waits forever")
	fs.StringVar(&o.message, "message", "Hello, UART!", "greeting printed by the stage")
	fs.StringVar(&o.banner, "banner", stage.DefaultBanner, "line printed on the UART right after it is initialised")
	fs.BoolVar(&o.noVGA, "no-vga", false, "do not mirror the greeting onto the text screen")
	fs.BoolVar(&o.stageReturn, "stage-return", false, "end the stage with ret to exercise the failure path")
	fs.BoolVar(&o.debug, "debug", false, "log every step")
}

func parseAddr(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("bad address %q: %w", s, err)
	}
	return uint32(v), nil
}

func (o *genOptions) configs() (boot.Config, stage.Config, error) {
	offset, err := parseAddr(o.tableOffset)
	if err != nil {
		return boot.Config{}, stage.Config{}, err
	}
	entry, err := parseAddr(o.stageAddr)
	if err != nil {
		return boot.Config{}, stage.Config{}, err
	}
	table, err := gdt.Flat(boot.LoadAddress + offset)
	if err != nil {
		return boot.Config{}, stage.Config{}, err
	}

	bc := boot.DefaultConfig()
	bc.Table = table
	bc.CodeSelector, bc.DataSelector = table.CodeSelector(), table.DataSelector()
	bc.Entry = entry
	bc.PollLimit = o.pollLimit
	bc.Debug = o.debug

	sc := stage.DefaultConfig()
	sc.Address = entry
	sc.Message = o.message
	sc.Banner = o.banner
	sc.VGA = !o.noVGA
	sc.Return = o.stageReturn
	return bc, sc, nil
}

func (o *genOptions) generate(partitionTable bool) (*boot.Image, []byte, stage.Config, error) {
	bc, sc, err := o.configs()
	if err != nil {
		return nil, nil, sc, err
	}
	img, err := boot.Generate(bc, partitionTable)
	if err != nil {
		return nil, nil, sc, err
	}
	code, err := stage.Build(sc)
	if err != nil {
		return nil, nil, sc, err
	}
	if o.debug {
		log.Printf("protoboot: %s; stage %d bytes at 0x%x", img.Layout(), len(code), sc.Address)
	}
	return img, code, sc, nil
}

func newFlagSet(name, synopsis string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Usage = func() {
		fs.SetOutput(os.Stdout)
		fmt.Printf("Usage: protoboot %s [flags]\n%s\n", name, synopsis)
		fs.PrintDefaults()
	}
	return fs
}

func cmdBuild(args []string) error {
	var (
		opts     genOptions
		bootOut  string
		stageOut string
		withMBR  bool
	)
	fs := newFlagSet("build", "Write the boot sector and the stage as flat binaries.")
	opts.register(fs)
	fs.StringVar(&bootOut, "o", "boot.bin", "boot sector output")
	fs.StringVar(&stageOut, "stage-out", "stage.bin", "stage output")
	fs.BoolVar(&withMBR, "mbr", false, "keep the partition table area free")
	if err := fs.Parse(args); err != nil {
		return err
	}
	img, code, _, err := opts.generate(withMBR)
	if err != nil {
		return err
	}
	if err := os.WriteFile(bootOut, img.Bytes(), 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(stageOut, code, 0o644); err != nil {
		return err
	}
	fmt.Printf("%s: %s\n%s: %d bytes\n", bootOut, img.Layout(), stageOut, len(code))
	return nil
}

func cmdDisk(args []string) error {
	var (
		opts genOptions
		out  string
		size int64
	)
	fs := newFlagSet("disk", "Write a raw MBR disk: boot sector in LBA 0, stage in partition 1.")
	opts.register(fs)
	fs.StringVar(&out, "o", "boot.img", "disk image output")
	fs.Int64Var(&size, "size", diskimage.DefaultSize, "disk size in bytes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if opts.stageAddr != fs.Lookup("stage-addr").DefValue {
		return fmt.Errorf("the disk layout fixes the stage at 0x%x", boot.DefaultStageAddress)
	}
	img, code, _, err := opts.generate(true)
	if err != nil {
		return err
	}
	if err := diskimage.Write(out, size, img, code); err != nil {
		return err
	}
	fmt.Printf("%s: %d bytes, %s, stage %d bytes\n", out, size, img.Layout(), len(code))
	return nil
}

// screenOptions control how a captured text screen is shown.
type screenOptions struct {
	png    string
	screen bool
}

func (o *screenOptions) register(fs *flag.FlagSet) {
	fs.StringVar(&o.png, "png", "", "save the text screen as a PNG")
	fs.BoolVar(&o.screen, "screen", true, "print the text screen when the run ends")
}

func (o *screenOptions) show(buf []byte) error {
	s, err := vga.Decode(buf)
	if err != nil {
		return err
	}
	if o.png != "" {
		if err := s.SavePNG(o.png); err != nil {
			return err
		}
	}
	if !o.screen {
		return nil
	}
	fmt.Println("--- screen ---")
	if term.IsTerminal(int(os.Stdout.Fd())) {
		return s.WriteANSI(os.Stdout)
	}
	fmt.Println(s.Text())
	return nil
}

func cmdModel(args []string) error {
	var (
		opts      genOptions
		screen    screenOptions
		busyPolls int
		noUART    bool
	)
	fs := newFlagSet("model", "Run the transition and the stage against the device models.")
	opts.register(fs)
	screen.register(fs)
	fs.IntVar(&busyPolls, "busy-polls", 0, "status reads the keyboard controller stays busy after a write; -1 never drains")
	fs.BoolVar(&noUART, "no-uart", false, "leave COM1 unclaimed")
	if err := fs.Parse(args); err != nil {
		return err
	}
	bc, sc, err := opts.configs()
	if err != nil {
		return err
	}

	bus := devices.NewIOBus()
	kbd := devices.NewKeyboardController()
	kbd.BusyPolls = busyPolls
	kbd.Debug = opts.debug
	bus.RegisterDevice(devices.KEYBOARD_PORT_DATA, devices.KEYBOARD_PORT_DATA, kbd)
	bus.RegisterDevice(devices.KEYBOARD_PORT_STATUS, devices.KEYBOARD_PORT_STATUS, kbd)
	debug := devices.NewDebugPort()
	bus.RegisterDevice(devices.DEBUG_PORT, devices.DEBUG_PORT, debug)
	if !noUART {
		serial := devices.NewSerialPortDevice(os.Stdout)
		serial.Debug = opts.debug
		bus.RegisterDevice(devices.COM1_PORT_BASE, devices.COM1_PORT_END, serial)
	}

	img, err := boot.Generate(bc, false)
	if err != nil {
		return err
	}
	m := boot.NewModel(bus, make([]byte, core_engine.MinMemorySize))
	m.Gate = kbd
	m.Stage = stage.Func(sc)
	m.Debug = opts.debug
	if err := m.LoadImage(img); err != nil {
		return err
	}
	seq, err := boot.NewSequencer(bc)
	if err != nil {
		return err
	}
	runErr := seq.Run(m)

	fmt.Printf("trace: %v\n", seq.Trace())
	fmt.Printf("handshakes: %d, status polls: %d, debug port: %x\n", seq.Handshakes(), m.Polls(), debug.Words())
	cs, ds := m.Segment(boot.CS), m.Segment(boot.DS)
	fmt.Printf("CS %s [%s], DS %s [%s], ESP 0x%x\n", cs.Selector, cs.Descriptor, ds.Selector, ds.Descriptor, m.ESP())
	buf, err := m.ReadMemory(devices.VGA_TEXT_BASE, vga.BufferSize)
	if err != nil {
		return err
	}
	if err := screen.show(buf); err != nil {
		return err
	}
	return runErr
}

func cmdRun(args []string) error {
	var (
		opts      genOptions
		screen    screenOptions
		disk      string
		memMiB    uint64
		timeout   time.Duration
		busyPolls int
		noUART    bool
	)
	fs := newFlagSet("run", "Boot under KVM and report what the guest did.")
	opts.register(fs)
	screen.register(fs)
	fs.StringVar(&disk, "disk", "", "boot this disk image instead of generating one")
	fs.Uint64Var(&memMiB, "mem", 2, "guest memory in MiB")
	fs.DurationVar(&timeout, "timeout", 5*time.Second, "stop the guest after this long")
	fs.IntVar(&busyPolls, "busy-polls", 0, "status reads the keyboard controller stays busy after a write; -1 never drains")
	fs.BoolVar(&noUART, "no-uart", false, "leave COM1 unclaimed")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var (
		img       *boot.Image
		code      []byte
		stageAddr uint32
	)
	if disk != "" {
		c, err := diskimage.Read(disk)
		if err != nil {
			return err
		}
		img, code, stageAddr = c.Boot, c.Stage, c.StageAddress
	} else {
		var sc stage.Config
		var err error
		if img, code, sc, err = opts.generate(false); err != nil {
			return err
		}
		stageAddr = sc.Address
	}

	cfg := core_engine.DefaultMachineConfig()
	cfg.MemorySize = memMiB << 20
	cfg.KeyboardBusyPolls = busyPolls
	cfg.NoSerial = noUART
	cfg.Debug = opts.debug
	vm, err := core_engine.NewVirtualMachine(cfg)
	if err != nil {
		return err
	}
	defer vm.Close()
	if err := vm.LoadBoot(img, code, stageAddr); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	runErr := vm.Run(ctx)

	if regs, sregs, err := vm.Registers(); err == nil {
		fmt.Printf("\nCR0 0x%x, EIP 0x%x, ESP 0x%x\nCS %s\nDS %s\n", sregs.CR0, regs.RIP, regs.RSP, sregs.CS, sregs.DS)
	}
	buf, err := vm.ReadMemory(uint64(devices.VGA_TEXT_BASE), vga.BufferSize)
	if err != nil {
		return err
	}
	if err := screen.show(buf); err != nil {
		return err
	}
	return runErr
}
