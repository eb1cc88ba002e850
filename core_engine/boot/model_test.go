package boot_test

import (
	"errors"
	"testing"

	"example.com/protoboot/core_engine/boot"
	"example.com/protoboot/core_engine/devices"
	"example.com/protoboot/core_engine/gdt"
)

// protectedRig puts a table in guest memory, loads GDTR, opens A20 and sets PE.
func protectedRig(t *testing.T, descs []gdt.Descriptor) (*rig, *gdt.Table) {
	t.Helper()
	r := newRig(t)
	table, err := gdt.Build(descs, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.model.WriteMemory(table.Address(), table.Bytes()); err != nil {
		t.Fatal(err)
	}
	if err := r.model.LoadGDT(table.Pointer()); err != nil {
		t.Fatal(err)
	}
	if err := r.model.WriteByte(devices.KEYBOARD_PORT_STATUS, devices.KBD_CMD_WRITE_OUTPUT_PORT); err != nil {
		t.Fatal(err)
	}
	if err := r.model.WriteByte(devices.KEYBOARD_PORT_DATA, devices.KBD_OUT_A20_ENABLE); err != nil {
		t.Fatal(err)
	}
	if err := r.model.EnableProtection(); err != nil {
		t.Fatal(err)
	}
	return r, table
}

func wantFault(t *testing.T, err error, vector int) {
	t.Helper()
	var f *boot.FaultError
	if !errors.As(err, &f) {
		t.Fatalf("err = %v, want a fault", err)
	}
	if f.Vector != vector {
		t.Errorf("vector = %d, want %d (%v)", f.Vector, vector, f)
	}
}

func flatDescriptors() []gdt.Descriptor {
	return []gdt.Descriptor{gdt.Null(), gdt.FlatCode(gdt.Kernel), gdt.FlatData(gdt.Kernel)}
}

func TestModel_FarJumpToDataSelectorFaults(t *testing.T) {
	r, _ := protectedRig(t, flatDescriptors())
	err := r.model.FarJump(gdt.MustSelector(2, gdt.Ring0))
	wantFault(t, err, boot.VectorGP)
	if r.model.CodeBits() != 16 {
		t.Error("code size changed after a faulting jump")
	}
}

func TestModel_FarJumpChecks(t *testing.T) {
	descs := append(flatDescriptors(),
		gdt.FlatCode(gdt.User),
		gdt.Descriptor{Limit: gdt.MaxLimit, Flags: gdt.Flags{Granularity: gdt.Page}, Access: gdt.Access{Kind: gdt.Code{Readable: true}}},
	)
	tests := []struct {
		name string
		sel  gdt.Selector
	}{
		{"null", 0},
		{"past limit", gdt.MustSelector(9, gdt.Ring0)},
		{"rpl above cpl", gdt.MustSelector(1, gdt.Ring3)},
		{"ring 3 code", gdt.MustSelector(3, gdt.Ring0)},
		{"local table", gdt.MustSelector(1, gdt.Ring0) | 4},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r, _ := protectedRig(t, descs)
			wantFault(t, r.model.FarJump(tc.sel), boot.VectorGP)
		})
	}

	r, _ := protectedRig(t, descs)
	if err := r.model.FarJump(gdt.MustSelector(4, gdt.Ring0)); err != nil {
		t.Fatalf("16-bit code segment: %v", err)
	}
	if r.model.CodeBits() != 16 {
		t.Errorf("bits = %d after jump to a 16-bit segment", r.model.CodeBits())
	}
}

func TestModel_FarJumpNeedsProtectionAndA20(t *testing.T) {
	r := newRig(t)
	wantFault(t, r.model.FarJump(0x08), boot.VectorGP)

	r, _ = protectedRig(t, flatDescriptors())
	if err := r.model.WriteByte(devices.KEYBOARD_PORT_STATUS, devices.KBD_CMD_WRITE_OUTPUT_PORT); err != nil {
		t.Fatal(err)
	}
	if err := r.model.WriteByte(devices.KEYBOARD_PORT_DATA, devices.KBD_OUT_POWER_ON); err != nil {
		t.Fatal(err)
	}
	wantFault(t, r.model.FarJump(0x08), boot.VectorGP)
}

func TestModel_NotPresentDescriptor(t *testing.T) {
	r, table := protectedRig(t, flatDescriptors())
	// Clear P in the data descriptor's access byte.
	b, err := r.model.ReadMemory(table.Address()+16+5, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.model.WriteMemory(table.Address()+16+5, []byte{b[0] &^ gdt.AccessPresent}); err != nil {
		t.Fatal(err)
	}
	if err := r.model.FarJump(0x08); err != nil {
		t.Fatal(err)
	}
	wantFault(t, r.model.LoadSegment(boot.DS, 0x10), boot.VectorNP)
	wantFault(t, r.model.LoadSegment(boot.SS, 0x10), boot.VectorSS)
}

func TestModel_LoadSegmentChecks(t *testing.T) {
	execOnly := gdt.Descriptor{Limit: gdt.MaxLimit, Flags: gdt.Flat32, Access: gdt.Access{Kind: gdt.Code{}}}
	readOnly := gdt.Descriptor{Limit: gdt.MaxLimit, Flags: gdt.Flat32, Access: gdt.Access{Kind: gdt.Data{}}}
	descs := append(flatDescriptors(), execOnly, readOnly, gdt.FlatData(gdt.User))

	tests := []struct {
		name   string
		seg    boot.Segment
		sel    gdt.Selector
		vector int // 0 means the load succeeds
	}{
		{"flat data into ds", boot.DS, 0x10, 0},
		{"readable code into es", boot.ES, 0x08, 0},
		{"null into fs", boot.FS, 0, 0},
		{"ring 3 data into ds", boot.DS, gdt.MustSelector(5, gdt.Ring0), 0},
		{"null into ss", boot.SS, 0, boot.VectorGP},
		{"code into ss", boot.SS, 0x08, boot.VectorGP},
		{"read-only data into ss", boot.SS, gdt.MustSelector(4, gdt.Ring0), boot.VectorGP},
		{"ring 3 data into ss", boot.SS, gdt.MustSelector(5, gdt.Ring3), boot.VectorGP},
		{"execute-only code into ds", boot.DS, gdt.MustSelector(3, gdt.Ring0), boot.VectorGP},
		{"past limit", boot.GS, gdt.MustSelector(6, gdt.Ring0), boot.VectorGP},
		{"cs", boot.CS, 0x08, boot.VectorGP},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r, _ := protectedRig(t, descs)
			if err := r.model.FarJump(0x08); err != nil {
				t.Fatal(err)
			}
			err := r.model.LoadSegment(tc.seg, tc.sel)
			if tc.vector == 0 {
				if err != nil {
					t.Fatalf("LoadSegment: %v", err)
				}
				if got := r.model.Segment(tc.seg).Selector; got != tc.sel {
					t.Errorf("%s = %s", tc.seg, got)
				}
				return
			}
			wantFault(t, err, tc.vector)
		})
	}
}

func TestModel_RealModeSegmentsAreParagraphs(t *testing.T) {
	r := newRig(t)
	if err := r.model.LoadSegment(boot.DS, 0x07C0); err != nil {
		t.Fatal(err)
	}
	if got := r.model.Segment(boot.DS).Base; got != 0x7C00 {
		t.Errorf("DS base = 0x%x", got)
	}
}

func TestModel_A20WrapsMemory(t *testing.T) {
	r := newRig(t)
	if err := r.model.WriteMemory(0x100010, []byte{0xAB}); err != nil {
		t.Fatal(err)
	}
	b, err := r.model.ReadMemory(0x10, 1)
	if err != nil || b[0] != 0xAB {
		t.Errorf("with A20 closed 0x100010 should alias 0x10: %x, %v", b, err)
	}
}

func TestModel_StackLimit(t *testing.T) {
	small := gdt.Descriptor{Limit: 0xFFF, Flags: gdt.Flags{Size: gdt.Protected32}, Access: gdt.Access{Kind: gdt.Data{Writable: true}}}
	r, _ := protectedRig(t, append(flatDescriptors(), small))
	if err := r.model.FarJump(0x08); err != nil {
		t.Fatal(err)
	}
	if err := r.model.LoadSegment(boot.SS, gdt.MustSelector(3, gdt.Ring0)); err != nil {
		t.Fatal(err)
	}
	if err := r.model.SetStack(0x1000); err != nil {
		t.Errorf("stack at the top of the segment: %v", err)
	}
	wantFault(t, r.model.SetStack(0x2000), boot.VectorSS)
}
