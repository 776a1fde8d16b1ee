package clint

import "testing"

func TestTickAdvancesMtime(t *testing.T) {
	c := New(2)

	before := c.Mtime()
	c.Tick()

	if c.Mtime() != before+mtimeIncrement {
		t.Errorf("Mtime() = %d, want %d", c.Mtime(), before+mtimeIncrement)
	}
}

func TestTimerInterruptPending(t *testing.T) {
	c := New(1)

	if _, timer := c.CheckInterrupts(0); timer {
		t.Fatal("timer pending before mtimecmp is set below mtime")
	}

	c.SetMtimecmp(0, 100)
	c.SetMtime(200)

	if _, timer := c.CheckInterrupts(0); !timer {
		t.Error("expected timer interrupt pending once mtime >= mtimecmp")
	}
}

func TestMsipOnlyLowBit(t *testing.T) {
	c := New(1)

	c.Store(msipOffset, 4, 0b11)
	if got := c.GetMsip(0); got != 1 {
		t.Errorf("GetMsip(0) = %d, want 1 (only LSB retained)", got)
	}

	if msip, _ := c.CheckInterrupts(0); !msip {
		t.Error("expected software interrupt pending")
	}
}

func TestMtimecmpSplit32BitAccess(t *testing.T) {
	c := New(1)

	c.Store(mtimecmpOffset, 4, 0xaaaa_bbbb)
	c.Store(mtimecmpOffset+4, 4, 0x1111_2222)

	want := uint64(0x1111_2222_aaaa_bbbb)
	if got := c.GetMtimecmp(0); got != want {
		t.Errorf("GetMtimecmp(0) = %#x, want %#x", got, want)
	}

	if got := c.Load(mtimecmpOffset, 4); got != 0xaaaa_bbbb {
		t.Errorf("low word load = %#x, want 0xaaaabbbb", got)
	}
	if got := c.Load(mtimecmpOffset+4, 4); got != 0x1111_2222 {
		t.Errorf("high word load = %#x, want 0x11112222", got)
	}
}

func TestMtimeReadOnly(t *testing.T) {
	c := New(1)
	c.SetMtime(500)

	c.Store(mtimeOffset, 8, 999)
	if c.Mtime() != 500 {
		t.Errorf("Mtime() = %d, want 500 (store to MTIME ignored)", c.Mtime())
	}
}

func TestHartCountRegister(t *testing.T) {
	c := New(4)
	if got := c.Load(hartCountOffset, 4); got != 4 {
		t.Errorf("hart count register = %d, want 4", got)
	}
}

func TestSnapshotRoundtrip(t *testing.T) {
	c := New(3)
	c.Store(mtimecmpOffset, 8, 42)
	c.Store(msipOffset, 4, 1)

	msip := c.MsipSnapshot()
	mtimecmp := c.MtimecmpSnapshot()

	c2 := New(3)
	c2.RestoreMsip(msip)
	c2.RestoreMtimecmp(mtimecmp)

	if c2.GetMsip(0) != 1 {
		t.Errorf("restored msip[0] = %d, want 1", c2.GetMsip(0))
	}
	if c2.GetMtimecmp(0) != 42 {
		t.Errorf("restored mtimecmp[0] = %d, want 42", c2.GetMtimecmp(0))
	}
}
