package virtio

import (
	"testing"

	"github.com/trust0/riscvvm/internal/netbackend"
)

func TestNetworkDeviceIDAndMAC(t *testing.T) {
	backend := netbackend.NewDummy()
	n := NewNetwork(backend)

	if v, _ := n.ReadReg(DeviceIDOffset); v != DeviceIDNetwork {
		t.Errorf("device id = %d, want %d", v, DeviceIDNetwork)
	}

	lo, _ := n.ReadReg(ConfigOffset)
	mac := backend.MACAddress()
	want := uint32(mac[0]) | uint32(mac[1])<<8 | uint32(mac[2])<<16 | uint32(mac[3])<<24
	if lo != want {
		t.Errorf("config low = %#x, want %#x", lo, want)
	}
}

func TestNetworkTransmitStripsHeaderAndForwards(t *testing.T) {
	n := NewNetwork(netbackend.NewDummy())
	mem := newTestMem()

	n.WriteReg(QueueSelOffset, netQueueTransmit, mem)
	n.WriteReg(GuestPageSizeOffset, 4096, mem)
	n.WriteReg(QueueNumOffset, 4, mem)
	if err := n.WriteReg(QueuePFNOffset, (testDramBase+0x1000)/4096, mem); err != nil {
		t.Fatalf("QueuePFN write: %v", err)
	}

	q := n.queues[netQueueTransmit]

	bufAddr := uint64(testDramBase + 0x20000)
	payload := []byte{0xde, 0xad, 0xbe, 0xef}

	bufOff, _ := mem.Offset(bufAddr)
	hdr := make([]byte, virtioNetHdrLen)
	mem.WriteBytes(bufOff, hdr)
	mem.WriteBytes(bufOff+virtioNetHdrLen, payload)

	descOff, _ := mem.Offset(q.desc)
	mem.Store64(descOff, bufAddr)
	mem.Store32(descOff+8, uint32(virtioNetHdrLen+len(payload)))

	availOff, _ := mem.Offset(q.avail)
	mem.Store16(availOff+4, 0)
	mem.Store16(availOff+2, 1)

	if err := n.WriteReg(QueueNotifyOffset, netQueueTransmit, mem); err != nil {
		t.Fatalf("notify: %v", err)
	}

	if !n.IsInterrupting() {
		t.Error("expected interrupt_status set after transmitting")
	}
}

func TestNetworkPollDeliversIntoReceiveQueue(t *testing.T) {
	backend := netbackend.NewDummy()
	n := NewNetwork(backend)
	mem := newTestMem()

	n.WriteReg(QueueSelOffset, netQueueReceive, mem)
	n.WriteReg(GuestPageSizeOffset, 4096, mem)
	n.WriteReg(QueueNumOffset, 4, mem)
	if err := n.WriteReg(QueuePFNOffset, (testDramBase+0x1000)/4096, mem); err != nil {
		t.Fatalf("QueuePFN write: %v", err)
	}

	q := n.queues[netQueueReceive]
	bufAddr := uint64(testDramBase + 0x21000)

	descOff, _ := mem.Offset(q.desc)
	mem.Store64(descOff, bufAddr)
	mem.Store32(descOff+8, 1600)

	availOff, _ := mem.Offset(q.avail)
	mem.Store16(availOff+4, 0)
	mem.Store16(availOff+2, 1)

	// deliverReceive is only reachable via Poll, which drains backend.Recv(); a Dummy backend
	// never has anything queued, so call deliverReceive directly to exercise the ring-writing
	// path deterministically.
	if err := n.deliverReceive(mem, []byte{1, 2, 3}); err != nil {
		t.Fatalf("deliverReceive: %v", err)
	}

	bufOff, _ := mem.Offset(bufAddr)
	got, err := mem.ReadBytes(bufOff+virtioNetHdrLen, 3)
	if err != nil {
		t.Fatalf("read back payload: %v", err)
	}
	if got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Errorf("payload = %v, want [1 2 3]", got)
	}

	if !n.IsInterrupting() {
		t.Error("expected interrupt_status set after delivering a receive")
	}
}
