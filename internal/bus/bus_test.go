package bus

import (
	"errors"
	"testing"

	"github.com/trust0/riscvvm/internal/riscv"
)

func TestDramLoadStoreRoundtrip(t *testing.T) {
	b := New(4096, 1, nil)

	if err := b.Store(DramBase+8, 8, 0x1122334455667788); err != nil {
		t.Fatalf("Store: %v", err)
	}

	got, err := b.Load(DramBase+8, 8)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != 0x1122334455667788 {
		t.Errorf("Load = %#x, want 0x1122334455667788", got)
	}
}

func TestUARTThroughBus(t *testing.T) {
	b := New(4096, 1, nil)

	const thrOffset = 0x1000_0000 // uart.Base + regTHR(0)
	if err := b.Store(thrOffset, 1, 'z'); err != nil {
		t.Fatalf("Store: %v", err)
	}

	if !b.Uart.HasOutput() {
		t.Fatal("expected UART output after THR write through the bus")
	}
}

func TestTestFinisherSignalsHalt(t *testing.T) {
	b := New(4096, 1, nil)

	err := b.Store(TestFinisherBase, 4, 0x3)

	var halt *riscv.RequestedHalt
	if !errors.As(err, &halt) {
		t.Fatalf("Store to test finisher: got %v, want *riscv.RequestedHalt", err)
	}
	if halt.Code != 0x3 {
		t.Errorf("halt code = %#x, want 0x3", halt.Code)
	}
}

func TestFetchU32Misaligned(t *testing.T) {
	b := New(4096, 1, nil)

	_, trap := b.FetchU32(DramBase + 1)
	if trap == nil {
		t.Fatal("expected a misaligned-fetch trap")
	}
	if trap.Code != riscv.CauseInstructionAddressMisaligned {
		t.Errorf("cause = %d, want %d", trap.Code, riscv.CauseInstructionAddressMisaligned)
	}
}

func TestUnmappedAddressFaults(t *testing.T) {
	b := New(4096, 1, nil)

	_, err := b.Load(0xffff_0000, 4)

	var trap *riscv.Trap
	if !errors.As(err, &trap) {
		t.Fatalf("Load from unmapped address: got %v, want *riscv.Trap", err)
	}
	if trap.Code != riscv.CauseLoadAccessFault {
		t.Errorf("cause = %d, want %d", trap.Code, riscv.CauseLoadAccessFault)
	}
}

func TestCheckInterruptsTimerAfterMtimecmp(t *testing.T) {
	b := New(4096, 1, nil)
	b.Clint.SetMtimecmp(0, 0)

	// First poll ticks mtime past zero, so the timer interrupt becomes pending.
	mip := b.CheckInterrupts(0)
	if mip&riscv.MIPMTIP == 0 {
		t.Error("expected MTIP set once mtime advances past mtimecmp=0")
	}
}
