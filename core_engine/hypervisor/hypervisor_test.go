package hypervisor_test

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"example.com/protoboot/core_engine/gdt"
	"example.com/protoboot/core_engine/hypervisor"
)

// The ioctl numbers encode these sizes, so a layout drift would make KVM
// reject the call or scribble past the struct.
func TestStructSizes(t *testing.T) {
	tests := []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"kvm_regs", unsafe.Sizeof(hypervisor.KvmRegs{}), 0x90},
		{"kvm_sregs", unsafe.Sizeof(hypervisor.KvmSregs{}), 0x138},
		{"kvm_segment", unsafe.Sizeof(hypervisor.KvmSegment{}), 24},
		{"kvm_dtable", unsafe.Sizeof(hypervisor.KvmDtable{}), 16},
		{"kvm_userspace_memory_region", unsafe.Sizeof(hypervisor.KvmUserspaceMemoryRegion{}), 0x20},
	}
	for _, tc := range tests {
		if tc.got != tc.want {
			t.Errorf("sizeof(%s) = %d, want %d", tc.name, tc.got, tc.want)
		}
	}
}

func TestRunState_IOExit(t *testing.T) {
	page := make(hypervisor.RunState, 4096)
	binary.LittleEndian.PutUint32(page[8:], hypervisor.KVM_EXIT_IO)
	page[32] = hypervisor.KVM_EXIT_IO_OUT
	page[33] = 2
	binary.LittleEndian.PutUint16(page[34:], 0x8A00)
	binary.LittleEndian.PutUint32(page[36:], 1)
	binary.LittleEndian.PutUint64(page[40:], 0x1000-8)
	binary.LittleEndian.PutUint16(page[0x1000-8:], 0x8AE0)

	if r := page.ExitReason(); r != hypervisor.KVM_EXIT_IO {
		t.Fatalf("exit reason = %s", hypervisor.ExitReasonName(r))
	}
	io := page.IO()
	if io.Direction != hypervisor.KVM_EXIT_IO_OUT || io.Size != 2 || io.Port != 0x8A00 || io.Count != 1 {
		t.Fatalf("io = %+v", io)
	}
	data, err := page.Data(io)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 2 || binary.LittleEndian.Uint16(data) != 0x8AE0 {
		t.Errorf("data = % x", data)
	}

	io.Count = 8
	if _, err := page.Data(io); err == nil {
		t.Error("data past the run page accepted")
	}
}

func TestRunState_ImmediateExit(t *testing.T) {
	page := make(hypervisor.RunState, 64)
	page.SetImmediateExit(true)
	if page[1] != 1 {
		t.Errorf("immediate_exit = %d", page[1])
	}
	page.SetImmediateExit(false)
	if page[1] != 0 {
		t.Errorf("immediate_exit = %d after clearing", page[1])
	}
}

func TestExitReasonName(t *testing.T) {
	if got := hypervisor.ExitReasonName(hypervisor.KVM_EXIT_SHUTDOWN); got != "KVM_EXIT_SHUTDOWN" {
		t.Errorf("got %q", got)
	}
	if got := hypervisor.ExitReasonName(99); got != "KVM exit reason 99" {
		t.Errorf("got %q", got)
	}
}

func TestDescriptorSegment_Flat(t *testing.T) {
	code := hypervisor.DescriptorSegment(0x08, gdt.FlatCode(gdt.Kernel))
	want := hypervisor.KvmSegment{
		Limit: 0xFFFFFFFF, Selector: 0x08, Type: 0xA, Present: 1, S: 1, DB: 1, G: 1,
	}
	if code != want {
		t.Errorf("code segment = %s\nwant %s", code, want)
	}

	data := hypervisor.DescriptorSegment(0x10, gdt.FlatData(gdt.Kernel))
	if data.Type != 0x2 || data.Limit != 0xFFFFFFFF || data.DB != 1 {
		t.Errorf("data segment = %s", data)
	}

	// The processor sets the accessed bit when it loads the register.
	loaded := data
	loaded.Type |= 1
	if !loaded.Matches(0x10, gdt.FlatData(gdt.Kernel)) {
		t.Error("accessed data segment does not match its descriptor")
	}
	if loaded.Matches(0x08, gdt.FlatData(gdt.Kernel)) {
		t.Error("selector mismatch not detected")
	}
}

func TestDescriptorSegment_Null(t *testing.T) {
	s := hypervisor.DescriptorSegment(0, gdt.Null())
	if s.Unusable != 1 {
		t.Errorf("null segment = %s", s)
	}
	if !(hypervisor.KvmSegment{}).Matches(0, gdt.Null()) {
		t.Error("a not-present register should match the null selector")
	}
}

func TestRealModeSegment(t *testing.T) {
	s := hypervisor.RealModeSegment(0x07C0, false)
	if s.Base != 0x7C00 || s.Limit != 0xFFFF || s.Type != 3 {
		t.Errorf("segment = %s", s)
	}
	if hypervisor.RealModeSegment(0, true).Type != 0xB {
		t.Error("code segment type")
	}
}
