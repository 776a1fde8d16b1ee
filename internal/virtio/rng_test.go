package virtio

import "testing"

func TestRNGFillsWriteOnlyBuffer(t *testing.T) {
	r := NewRNG()
	mem := newTestMem()

	r.WriteReg(GuestPageSizeOffset, 4096, mem)
	r.WriteReg(QueueNumOffset, 4, mem)
	if err := r.WriteReg(QueuePFNOffset, (testDramBase+0x1000)/4096, mem); err != nil {
		t.Fatalf("QueuePFN write: %v", err)
	}

	bufAddr := uint64(testDramBase + 0x11000)

	descOff, _ := mem.Offset(r.desc)
	mem.Store64(descOff, bufAddr)
	mem.Store32(descOff+8, 8)
	mem.Store16(descOff+12, VringDescFWrite)

	availOff, _ := mem.Offset(r.avail)
	mem.Store16(availOff+4, 0)
	mem.Store16(availOff+2, 1)

	if err := r.WriteReg(QueueNotifyOffset, 0, mem); err != nil {
		t.Fatalf("notify: %v", err)
	}

	bufOff, _ := mem.Offset(bufAddr)
	got, err := mem.ReadBytes(bufOff, 8)
	if err != nil {
		t.Fatalf("read back buffer: %v", err)
	}

	want := []byte{42, 43, 44, 45, 46, 47, 48, 49}
	for i, v := range got {
		if v != want[i] {
			t.Errorf("byte %d = %d, want %d", i, v, want[i])
		}
	}

	if !r.IsInterrupting() {
		t.Error("expected interrupt_status set after processing a request")
	}
}

func TestRNGDeviceID(t *testing.T) {
	r := NewRNG()
	if v, _ := r.ReadReg(DeviceIDOffset); v != DeviceIDRNG {
		t.Errorf("device id = %d, want %d", v, DeviceIDRNG)
	}
}
