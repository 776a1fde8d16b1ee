package platform

import "testing"

func TestNewEnablesOnlyRequestedRegions(t *testing.T) {
	p := New(true, false, true, false)

	if p.Display == nil {
		t.Fatal("Display: want enabled, got nil")
	}
	if p.MMC != nil {
		t.Fatal("MMC: want disabled, got non-nil")
	}
	if p.EMAC == nil {
		t.Fatal("EMAC: want enabled, got nil")
	}
	if p.Touch != nil {
		t.Fatal("Touch: want disabled, got non-nil")
	}
}

func TestFindLocatesEnabledRegion(t *testing.T) {
	p := New(true, true, false, false)

	r, ok := p.Find(MMCBase + 4)
	if !ok {
		t.Fatal("Find: want MMC region found")
	}
	if r.Base() != MMCBase {
		t.Fatalf("Find: base = %#x, want %#x", r.Base(), MMCBase)
	}
}

func TestFindMissesDisabledRegion(t *testing.T) {
	p := New(true, false, false, false)

	if _, ok := p.Find(MMCBase); ok {
		t.Fatal("Find: want MMC region absent, got found")
	}
}

func TestFindMissesOutOfRangeAddress(t *testing.T) {
	p := New(true, true, true, true)

	if _, ok := p.Find(0xffff_ffff); ok {
		t.Fatal("Find: want no region at an unmapped address")
	}
}

func TestFindOnNilPlatformIsSafe(t *testing.T) {
	var p *Platform

	if _, ok := p.Find(DisplayBase); ok {
		t.Fatal("Find: want nil Platform to never match")
	}
}

func TestRegionLoadStoreRoundTrip(t *testing.T) {
	r := newRegion(0x1000, 0x100)

	r.Store(0x10, 4, 0xdead_beef)

	if got := r.Load(0x10, 4); got != 0xdead_beef {
		t.Fatalf("Load = %#x, want 0xdeadbeef", got)
	}
}

func TestRegionLoadUnwrittenRegisterIsZero(t *testing.T) {
	r := newRegion(0x1000, 0x100)

	if got := r.Load(0x40, 4); got != 0 {
		t.Fatalf("Load of unwritten register = %#x, want 0", got)
	}
}

func TestRegionContains(t *testing.T) {
	r := newRegion(0x2000, 0x10)

	if !r.Contains(0x2000) {
		t.Fatal("Contains: want base address in range")
	}
	if r.Contains(0x2010) {
		t.Fatal("Contains: want end address (exclusive) out of range")
	}
	if r.Contains(0x1fff) {
		t.Fatal("Contains: want address before base out of range")
	}
}
