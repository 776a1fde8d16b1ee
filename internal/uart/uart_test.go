package uart

import "testing"

func TestTransmitRoundtrip(t *testing.T) {
	u := New(nil)

	u.Store(regTHR, 1, 'h')
	u.Store(regTHR, 1, 'i')

	if !u.HasOutput() {
		t.Fatal("expected output pending after THR writes")
	}

	out := u.DrainOutput()
	if string(out) != "hi" {
		t.Fatalf("DrainOutput() = %q, want %q", out, "hi")
	}

	if u.HasOutput() {
		t.Error("expected output empty after drain")
	}
}

func TestReceiveUpdatesLSR(t *testing.T) {
	u := New(nil)

	u.PushInput('x')
	if u.Load(regLSR, 1)&lsrDataReady == 0 {
		t.Fatal("expected LSR data-ready bit set after PushInput")
	}

	if got := u.Load(regRBR, 1); got != 'x' {
		t.Fatalf("RBR load = %q, want 'x'", got)
	}

	if u.Load(regLSR, 1)&lsrDataReady != 0 {
		t.Error("expected LSR data-ready bit clear after draining input")
	}
}

func TestTHREInterruptClearedByIIRRead(t *testing.T) {
	u := New(nil)
	u.Store(regIER, 1, 0x02) // enable THRE interrupt

	if !u.IsInterrupting() {
		t.Fatal("expected THRE interrupt pending after enabling IER with empty THR")
	}

	if iir := u.Load(regIIR, 1); iir&0x0f != 0x02 {
		t.Fatalf("IIR = %#x, want THRE cause 0x02", iir)
	}

	if u.IsInterrupting() {
		t.Error("expected THRE interrupt cleared after IIR read")
	}
}

func TestRDAInterruptPriorityOverTHRE(t *testing.T) {
	u := New(nil)
	u.Store(regIER, 1, 0x03) // enable both RDA and THRE
	u.PushInput('z')

	if iir := u.Load(regIIR, 1); iir&0x0f != 0x04 {
		t.Fatalf("IIR = %#x, want RDA cause 0x04 (higher priority than THRE)", iir)
	}
}

func TestFCRClearsFIFOs(t *testing.T) {
	u := New(nil)
	u.PushInput('a')
	u.Store(regTHR, 1, 'b')

	u.Store(regFCR, 1, 0x06) // clear both FIFOs

	if u.Load(regLSR, 1)&lsrDataReady != 0 {
		t.Error("expected input FIFO cleared")
	}
	if u.HasOutput() {
		t.Error("expected output FIFO cleared")
	}
}

func TestDivisorLatchAccess(t *testing.T) {
	u := New(nil)
	u.Store(regLCR, 1, lcrDivisorLatch)

	u.Store(regTHR, 1, 0x0c) // writes DLL while latch bit set
	u.Store(regIER, 1, 0x00) // writes DLM while latch bit set

	if got := u.Load(regRBR, 1); got != 0x0c {
		t.Fatalf("DLL readback = %#x, want 0x0c", got)
	}
}

func TestSnapshotRoundtrip(t *testing.T) {
	u := New(nil)
	u.PushInput('q')
	u.Store(regTHR, 1, 'r')
	u.Store(regIER, 1, 0x01)

	in := u.InputSnapshot()
	out := u.OutputSnapshot()
	regs := u.RegisterSnapshot()

	u2 := New(nil)
	u2.RestoreInput(in)
	u2.RestoreOutput(out)
	u2.RestoreRegisters(regs)

	if got := u2.Load(regRBR, 1); got != 'q' {
		t.Errorf("restored input byte = %q, want 'q'", got)
	}
	if got := u2.DrainOutput(); string(got) != "r" {
		t.Errorf("restored output = %q, want %q", got, "r")
	}
}
