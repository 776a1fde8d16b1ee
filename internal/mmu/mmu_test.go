package mmu

import (
	"testing"

	"github.com/trust0/riscvvm/internal/riscv"
)

// fakeBus is a minimal page-table-only memory: a map from 8-byte-aligned physical address to
// PTE value, enough to host a small Sv39 page table for translate's walk.
type fakeBus struct {
	mem map[uint64]uint64 // 8-byte-aligned PTE storage
}

func newFakeBus() *fakeBus { return &fakeBus{mem: make(map[uint64]uint64)} }

func (b *fakeBus) LoadPTE(addr uint64) (uint64, bool) {
	return b.mem[addr], true
}

func (b *fakeBus) StorePTE(addr uint64, val uint64) bool {
	b.mem[addr] = val
	return true
}

func TestMachineModeBypassesTranslation(t *testing.T) {
	bus := newFakeBus()
	tlb := NewTlb()

	pa, trap := Translate(bus, tlb, riscv.Machine, 0, 0, 0xdead_beef, riscv.AccessLoad)
	if trap != nil {
		t.Fatalf("unexpected trap: %v", trap)
	}
	if pa != 0xdead_beef {
		t.Errorf("pa = %#x, want identity mapping", pa)
	}
}

func TestBareSatpBypassesTranslation(t *testing.T) {
	bus := newFakeBus()
	tlb := NewTlb()

	pa, trap := Translate(bus, tlb, riscv.Supervisor, 0, 0, 0x1000, riscv.AccessLoad)
	if trap != nil {
		t.Fatalf("unexpected trap: %v", trap)
	}
	if pa != 0x1000 {
		t.Errorf("pa = %#x, want identity mapping under satp.MODE=Bare", pa)
	}
}

// buildSv39SinglePage installs a one-level-deep (megapage at level 1) mapping for va,
// mapping it to physical megapage number ppn (physical base ppn<<21) with the given RWXU bits,
// and returns the satp value.
func buildSv39SinglePage(bus *fakeBus, va, ppn uint64, rwxu uint64) uint64 {
	rootPPN := uint64(0x1000) // arbitrary root page, in page units
	vpn2 := (va >> 30) & 0x1ff
	vpn1 := (va >> 21) & 0x1ff

	l2Addr := rootPPN*pageSize + vpn2*pteSize
	l1PPN := uint64(0x1001)
	bus.mem[l2Addr] = (l1PPN << 10) | 0x1 // V=1, R=W=X=0: pointer to next level

	l1Addr := l1PPN*pageSize + vpn1*pteSize
	bus.mem[l1Addr] = ((ppn << 9) << 10) | rwxu | 0x1 // leaf megapage (level 1), PPN[0] zero

	return (uint64(8) << 60) | rootPPN // satp.MODE=Sv39(8)
}

func TestSv39WalkAndTLBFill(t *testing.T) {
	bus := newFakeBus()
	tlb := NewTlb()

	va := uint64(0x1_0000_0000 + 0x2345) // arbitrary address inside the megapage
	ppn := uint64(0x55)
	rwxu := uint64(1<<1 | 1<<2 | 1<<3) // R=W=X=1 (bits 1,2,3 of the PTE), U=0

	satp := buildSv39SinglePage(bus, va, ppn, rwxu)

	pa, trap := Translate(bus, tlb, riscv.Supervisor, satp, 0, va, riscv.AccessLoad)
	if trap != nil {
		t.Fatalf("unexpected trap: %v", trap)
	}

	wantOffset := va & ((1 << 21) - 1) // megapage: low 21 bits preserved from VA
	wantPA := (ppn << 21) | wantOffset
	if pa != wantPA {
		t.Errorf("pa = %#x, want %#x", pa, wantPA)
	}

	// Second translation should hit the TLB without touching the bus again.
	bus.mem = nil // sabotage the walk path; a TLB hit must not need it

	pa2, trap2 := Translate(bus, tlb, riscv.Supervisor, satp, 0, va, riscv.AccessLoad)
	if trap2 != nil {
		t.Fatalf("unexpected trap on TLB-hit path: %v", trap2)
	}
	if pa2 != wantPA {
		t.Errorf("TLB-hit pa = %#x, want %#x", pa2, wantPA)
	}
}

func TestUserAccessToSupervisorOnlyPageFaults(t *testing.T) {
	bus := newFakeBus()
	tlb := NewTlb()

	va := uint64(0x2_0000_0000)
	ppn := uint64(0x10)
	rwxu := uint64(1<<1 | 1<<2 | 1<<3) // R=W=X=1, U=0 (supervisor-only page)

	satp := buildSv39SinglePage(bus, va, ppn, rwxu)

	_, trap := Translate(bus, tlb, riscv.User, satp, 0, va, riscv.AccessLoad)
	if trap == nil {
		t.Fatal("expected page fault for user-mode access to a supervisor-only page")
	}
	if trap.Code != riscv.CauseLoadPageFault {
		t.Errorf("cause = %d, want %d", trap.Code, riscv.CauseLoadPageFault)
	}
}

func TestWriteSetsDirtyBit(t *testing.T) {
	bus := newFakeBus()
	tlb := NewTlb()

	va := uint64(0x3_0000_0000)
	ppn := uint64(0x20)
	rwxu := uint64(1<<1 | 1<<2) // R=W=1, X=0, U=0

	satp := buildSv39SinglePage(bus, va, ppn, rwxu)

	_, trap := Translate(bus, tlb, riscv.Supervisor, satp, 0, va, riscv.AccessStore)
	if trap != nil {
		t.Fatalf("unexpected trap: %v", trap)
	}

	vpn1 := (va >> 21) & 0x1ff
	l1Addr := uint64(0x1001)*pageSize + vpn1*pteSize
	pte := bus.mem[l1Addr]

	if pte&(1<<6) == 0 {
		t.Error("expected accessed bit set in stored PTE")
	}
	if pte&(1<<7) == 0 {
		t.Error("expected dirty bit set in stored PTE after a store access")
	}
}

func TestTlbFlushASIDPreservesGlobal(t *testing.T) {
	tlb := NewTlb()

	tlb.Insert(Entry{VPN: 5, ASID: 1, Perm: PermR | PermG, Valid: true})
	tlb.Insert(Entry{VPN: 6, ASID: 1, Perm: PermR, Valid: true})

	tlb.FlushASID(1)

	if _, ok := tlb.Lookup(5, 1); !ok {
		t.Error("global entry should survive FlushASID")
	}
	if _, ok := tlb.Lookup(6, 1); ok {
		t.Error("non-global entry for the flushed ASID should be gone")
	}
}
