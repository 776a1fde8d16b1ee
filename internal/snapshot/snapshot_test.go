package snapshot

import (
	"testing"

	"github.com/trust0/riscvvm/internal/vm"
)

func newTestMachine(t *testing.T) *vm.Machine {
	t.Helper()

	m, err := vm.New(vm.Config{
		NumHarts: 2,
		DRAMSize: 64 * 1024 * 1024,
		Kernel:   []byte{0x13, 0x00, 0x00, 0x00}, // addi x0, x0, 0 (nop), never executed in this test
	})
	if err != nil {
		t.Fatalf("vm.New: %v", err)
	}

	return m
}

func TestCaptureApplyRoundTrip(t *testing.T) {
	m := newTestMachine(t)

	m.CPUs[0].Regs.Set(5, 0xdead_beef)
	m.CPUs[0].PC = 0x8000_1000
	m.CPUs[0].CSR.Mstatus = 0x1234
	m.Bus.Uart.PushInput('x')
	m.Bus.Clint.SetMtimecmp(0, 99)

	m.Bus.Dram.Store8(0, 0xaa)
	m.Bus.Dram.Store8(1, 0xbb)

	snap := Capture(m)

	other := newTestMachine(t)

	if err := Apply(other, snap); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if got := other.CPUs[0].Regs.Get(5); got != 0xdead_beef {
		t.Fatalf("restored x5 = %#x, want 0xdeadbeef", got)
	}

	if other.CPUs[0].PC != 0x8000_1000 {
		t.Fatalf("restored PC = %#x, want 0x80001000", other.CPUs[0].PC)
	}

	if other.CPUs[0].CSR.Mstatus != 0x1234 {
		t.Fatalf("restored mstatus = %#x, want 0x1234", other.CPUs[0].CSR.Mstatus)
	}

	if got := other.Bus.Dram.Bytes(); got[0] != 0xaa || got[1] != 0xbb {
		t.Fatalf("restored DRAM[0:2] = %v, want [0xaa 0xbb]", got[:2])
	}
}

func TestApplyRejectsVersionMismatch(t *testing.T) {
	m := newTestMachine(t)
	snap := Capture(m)
	snap.Version = FormatVersion + 1

	if err := Apply(m, snap); err == nil {
		t.Fatal("Apply: want error on version mismatch, got nil")
	}
}

func TestApplyRejectsHashMismatch(t *testing.T) {
	m := newTestMachine(t)
	snap := Capture(m)
	snap.Memory[0].Bytes[0] ^= 0xff

	if err := Apply(m, snap); err == nil {
		t.Fatal("Apply: want error on hash mismatch, got nil")
	}
}

func TestApplyRejectsHartCountMismatch(t *testing.T) {
	m := newTestMachine(t)
	snap := Capture(m)

	single, err := vm.New(vm.Config{
		NumHarts: 1,
		DRAMSize: 64 * 1024 * 1024,
		Kernel:   []byte{0x13, 0x00, 0x00, 0x00},
	})
	if err != nil {
		t.Fatalf("vm.New: %v", err)
	}

	if err := Apply(single, snap); err == nil {
		t.Fatal("Apply: want error on hart count mismatch, got nil")
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	m := newTestMachine(t)
	m.CPUs[0].Regs.Set(1, 42)

	snap := Capture(m)

	data, err := Marshal(snap)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if got.Harts[0].Regs.Get(1) != 42 {
		t.Fatalf("round-tripped x1 = %d, want 42", got.Harts[0].Regs.Get(1))
	}
}

func TestUnmarshalRejectsTruncatedHeader(t *testing.T) {
	if _, err := Unmarshal([]byte{0x01, 0x00}); err == nil {
		t.Fatal("Unmarshal: want error on truncated header, got nil")
	}
}
