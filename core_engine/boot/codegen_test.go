package boot_test

import (
	"bytes"
	"errors"
	"testing"

	"example.com/protoboot/core_engine/boot"
	"example.com/protoboot/core_engine/gdt"
)

// flatBootCode is the sector code for the default configuration, assembled by hand.
var flatBootCode = []byte{
	0xFA,                   // cli
	0x31, 0xC0,             // xor ax, ax
	0x8E, 0xD8,             // mov ds, ax
	0x8E, 0xC0,             // mov es, ax
	0x8E, 0xD0,             // mov ss, ax
	0xE4, 0x64,             // 1: in al, 0x64
	0xA8, 0x02,             // test al, 2
	0x75, 0xFA,             // jnz 1b
	0xB0, 0xD1,             // mov al, 0xd1
	0xE6, 0x64,             // out 0x64, al
	0xE4, 0x64,             // 2: in al, 0x64
	0xA8, 0x02,             // test al, 2
	0x75, 0xFA,             // jnz 2b
	0xB0, 0xDF,             // mov al, 0xdf
	0xE6, 0x60,             // out 0x60, al
	0x66, 0x0F, 0x01, 0x16, // lgdt [0x7d18]
	0x18, 0x7D,
	0x0F, 0x20, 0xC0,       // mov eax, cr0
	0x66, 0x83, 0xC8, 0x01, // or eax, 1
	0x0F, 0x22, 0xC0,       // mov cr0, eax
	0xEA, 0x32, 0x7C,       // jmp 0x08:0x7c32
	0x08, 0x00,
	// 0x7c32, 32-bit code
	0x66, 0xB8, 0x10, 0x00,       // mov ax, 0x10
	0x8E, 0xD8,                   // mov ds, ax
	0x8E, 0xC0,                   // mov es, ax
	0x8E, 0xD0,                   // mov ss, ax
	0x31, 0xC0,                   // xor eax, eax
	0x8E, 0xE0,                   // mov fs, ax
	0x8E, 0xE8,                   // mov gs, ax
	0xBC, 0x00, 0x7C, 0x00, 0x00, // mov esp, 0x7c00
	0xE8, 0xB4, 0x01, 0x00, 0x00, // call 0x7e00
	0x66, 0xBA, 0x00, 0x8A,       // mov dx, 0x8a00
	0x66, 0xB8, 0x00, 0x8A,       // mov ax, 0x8a00
	0x66, 0xEF,                   // out dx, ax
	0x66, 0xB8, 0xE0, 0x8A,       // mov ax, 0x8ae0
	0x66, 0xEF,                   // out dx, ax
	0xF4,                         // 3: hlt
	0xEB, 0xFD,                   // jmp 3b
}

func TestGenerate_FlatTableImage(t *testing.T) {
	img, err := boot.Generate(boot.DefaultConfig(), false)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got := img.Code(); !bytes.Equal(got, flatBootCode) {
		t.Errorf("code =\n% x\nwant\n% x", got, flatBootCode)
	}

	sector := img.Bytes()
	if len(sector) != boot.SectorSize {
		t.Fatalf("sector is %d bytes", len(sector))
	}
	table := []byte{
		0, 0, 0, 0, 0, 0, 0, 0,
		0xFF, 0xFF, 0, 0, 0, 0x9A, 0xCF, 0,
		0xFF, 0xFF, 0, 0, 0, 0x92, 0xCF, 0,
	}
	if got := sector[0x100:0x118]; !bytes.Equal(got, table) {
		t.Errorf("table = % x", got)
	}
	if got := sector[0x118:0x11E]; !bytes.Equal(got, []byte{0x17, 0x00, 0x00, 0x7D, 0x00, 0x00}) {
		t.Errorf("gdtr = % x", got)
	}
	if sector[510] != 0x55 || sector[511] != 0xAA {
		t.Errorf("signature = %02x %02x", sector[510], sector[511])
	}

	l := img.Layout()
	if l.TableAddress != 0x7D00 || l.PointerAddress != 0x7D18 || l.CodeSize != len(flatBootCode) {
		t.Errorf("layout = %s", l)
	}
}

func TestGenerate_BoundedPollEmitsFailureStub(t *testing.T) {
	cfg := boot.DefaultConfig()
	cfg.PollLimit = 0x100
	img, err := boot.Generate(cfg, false)
	if err != nil {
		t.Fatal(err)
	}
	code := img.Code()

	bounded := []byte{
		0xB9, 0x00, 0x01, // mov cx, 0x100
		0xE4, 0x64, // in al, 0x64
		0xA8, 0x02, // test al, 2
		0x74, 0x05, // jz ready
		0xE2, 0xF8, // loop poll
		0xE9, // jmp fail16
	}
	if !bytes.HasPrefix(code[9:], bounded) {
		t.Errorf("first poll = % x", code[9:9+len(bounded)])
	}
	stub := []byte{
		0xBA, 0x00, 0x8A, // mov dx, 0x8a00
		0xB8, 0x00, 0x8A, // mov ax, 0x8a00
		0xEF,             // out dx, ax
		0xB8, 0xE0, 0x8A, // mov ax, 0x8ae0
		0xEF,             // out dx, ax
		0xF4, 0xEB, 0xFD, // hlt; jmp $-1
	}
	if !bytes.HasSuffix(code, stub) {
		t.Errorf("code does not end with the 16-bit failure stub: % x", code[len(code)-len(stub):])
	}
}

func TestGenerate_LayoutErrors(t *testing.T) {
	withTable := func(entries int, offset uint32) boot.Config {
		descs := make([]gdt.Descriptor, entries)
		descs[1] = gdt.FlatCode(gdt.Kernel)
		for i := 2; i < entries; i++ {
			descs[i] = gdt.FlatData(gdt.Kernel)
		}
		table, err := gdt.Build(descs, boot.LoadAddress+offset)
		if err != nil {
			t.Fatal(err)
		}
		cfg := boot.DefaultConfig()
		cfg.Table = table
		cfg.CodeSelector, cfg.DataSelector = 0, 0
		return cfg
	}

	tests := []struct {
		name           string
		cfg            boot.Config
		partitionTable bool
		want           error
	}{
		{"overlaps code", withTable(3, 0x10), false, boot.ErrLayoutOverlap},
		{"past signature", withTable(3, 0x1F0), false, boot.ErrTableOutOfReach},
		{"at load address", withTable(3, 0), false, boot.ErrLayoutOverlap},
		{"into partition table", withTable(30, 0x100), true, boot.ErrTableOutOfReach},
		{"thirty entries", withTable(30, 0x100), false, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := boot.Generate(tc.cfg, tc.partitionTable)
			if tc.want == nil {
				if err != nil {
					t.Errorf("err = %v", err)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Errorf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestGenerate_TableBelowLoadAddress(t *testing.T) {
	table, err := gdt.Flat(0x6000)
	if err != nil {
		t.Fatal(err)
	}
	cfg := boot.DefaultConfig()
	cfg.Table = table
	if _, err := boot.Generate(cfg, false); !errors.Is(err, boot.ErrTableOutOfReach) {
		t.Errorf("err = %v, want ErrTableOutOfReach", err)
	}
}

func TestGenerate_PartitionTableRoom(t *testing.T) {
	img, err := boot.Generate(boot.DefaultConfig(), true)
	if err != nil {
		t.Fatal(err)
	}
	if img.Layout().Limit != boot.PartitionTableOffset {
		t.Errorf("limit = %d", img.Layout().Limit)
	}
	if !bytes.Equal(img.Bytes()[boot.PartitionTableOffset:boot.SignatureOffset], make([]byte, 64)) {
		t.Error("partition table area is not empty")
	}
}

func TestParseImage(t *testing.T) {
	img, err := boot.Generate(boot.DefaultConfig(), true)
	if err != nil {
		t.Fatal(err)
	}
	sector := img.Bytes()
	sector[boot.PartitionTableOffset+4] = 0xDA // one partition entry's type byte

	parsed, err := boot.ParseImage(sector, boot.LoadAddress)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(parsed.Bytes(), sector) {
		t.Error("sector changed by parsing")
	}
	if parsed.Layout().Limit != boot.PartitionTableOffset {
		t.Errorf("limit = %d with a partition entry present", parsed.Layout().Limit)
	}

	sector[boot.SignatureOffset] = 0
	if _, err := boot.ParseImage(sector, boot.LoadAddress); !errors.Is(err, boot.ErrBadSignature) {
		t.Errorf("err = %v, want ErrBadSignature", err)
	}
	if _, err := boot.ParseImage(sector[:100], boot.LoadAddress); !errors.Is(err, boot.ErrBadSignature) {
		t.Errorf("short sector: err = %v", err)
	}
}
