package virtio

import (
	"fmt"
	"sync"

	"github.com/trust0/riscvvm/internal/dram"
	"github.com/trust0/riscvvm/internal/netbackend"
)

// Legacy virtio-net queues: 0 is receive (device-filled), 1 is transmit (driver-filled).
const (
	netQueueReceive  = 0
	netQueueTransmit = 1
	netQueueCount    = 2
)

// virtioNetHdr is the minimal (legacy, no merge-buffers) virtio_net_hdr every packet is prefixed
// with on both rx and tx: flags, gso_type, hdr_len, gso_size, csum_start, csum_offset.
const virtioNetHdrLen = 10

const (
	virtioNetFMAC    = 5
	virtioNetFStatus = 16
)

const virtioNetStatusLinkUp = 1

type netQueue struct {
	num               uint32
	desc, avail, used uint64
	ready             bool
	lastAvailIdx      uint16
}

// Network is a virtio-net device bridging the guest's two virtqueues to a netbackend.Backend.
// No network.rs was retrieved from the reference sources (devices/virtio only carries block.rs,
// rng.rs, gpu.rs and input.rs); this device is reconstructed from the register-handling pattern
// those four files share and the public virtio-net device spec (config space: 6-byte MAC then a
// status word; two legacy queues, rx then tx; every packet framed by a 10-byte virtio_net_hdr).
type Network struct {
	mu sync.Mutex

	backend netbackend.Backend

	driverFeatures    uint32
	driverFeaturesSel uint32
	deviceFeaturesSel uint32
	pageSize          uint32
	queueSel          uint32
	queues            [netQueueCount]netQueue
	interruptStatus   uint32
	status            uint32
}

// NewNetwork wires a virtio-net device to backend (typically a *netbackend.Async).
func NewNetwork(backend netbackend.Backend) *Network {
	n := &Network{backend: backend, pageSize: 4096}
	for i := range n.queues {
		n.queues[i].num = QueueSize
	}

	return n
}

// configBytes lays out virtio_net_config (mac[6], status u16) as 8 raw bytes so 32-bit register
// reads can slice across the mac/status boundary without special-casing it.
func (n *Network) configBytes() [8]byte {
	mac := n.backend.MACAddress()

	var cfg [8]byte
	copy(cfg[0:6], mac[:])
	cfg[6] = virtioNetStatusLinkUp
	cfg[7] = 0

	return cfg
}

func (n *Network) IsInterrupting() bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.interruptStatus != 0
}

func (n *Network) ReadReg(offset uint64) (uint32, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch offset {
	case MagicValueOffset:
		return MagicValue, nil
	case VersionOffset:
		return Version, nil
	case DeviceIDOffset:
		return DeviceIDNetwork, nil
	case VendorIDOffset:
		return VendorID, nil
	case DeviceFeaturesOffset:
		if n.deviceFeaturesSel == 0 {
			return 1<<virtioNetFMAC | 1<<virtioNetFStatus, nil
		}
		return 0, nil
	case DeviceFeaturesSelOffset:
		return n.deviceFeaturesSel, nil
	case DriverFeaturesOffset:
		return n.driverFeatures, nil
	case DriverFeaturesSelOffset:
		return n.driverFeaturesSel, nil
	case GuestPageSizeOffset:
		return n.pageSize, nil
	case QueueNumMaxOffset:
		return QueueSize, nil
	case QueueSelOffset:
		return n.queueSel, nil
	case QueueNumOffset:
		return n.queues[n.queueSel].num, nil
	case QueueReadyOffset:
		if n.queues[n.queueSel].ready {
			return 1, nil
		}
		return 0, nil
	case InterruptStatusOffset:
		return n.interruptStatus, nil
	case StatusOffset:
		return n.status, nil
	case ConfigGenerationOffset:
		return 0, nil
	case ConfigOffset, ConfigOffset + 4: // virtio_net_config: mac[6], status u16, at byte offset 0
		cfg := n.configBytes()
		i := offset - ConfigOffset
		return uint32(cfg[i]) | uint32(cfg[i+1])<<8 | uint32(cfg[i+2])<<16 | uint32(cfg[i+3])<<24, nil
	default:
		return 0, nil
	}
}

func (n *Network) WriteReg(offset uint64, val uint32, mem *dram.Dram) error {
	n.mu.Lock()

	switch offset {
	case DeviceFeaturesSelOffset:
		n.deviceFeaturesSel = val
	case DriverFeaturesOffset:
		n.driverFeatures = val
	case DriverFeaturesSelOffset:
		n.driverFeaturesSel = val
	case QueueSelOffset:
		n.queueSel = val
	case QueueNumOffset:
		n.queues[n.queueSel].num = val
	case GuestPageSizeOffset:
		n.pageSize = val
	case QueuePFNOffset:
		if val != 0 {
			q := &n.queues[n.queueSel]
			layout := layoutFromPFN(uint64(val), n.pageSize, q.num)
			q.desc, q.avail, q.used = layout.desc, layout.avail, layout.used
			q.ready = true
		}
	case QueueReadyOffset:
		n.queues[n.queueSel].ready = val != 0
	case QueueNotifyOffset:
		if val == netQueueTransmit {
			n.mu.Unlock()
			return n.processTransmit(mem)
		}
	case InterruptAckOffset:
		n.interruptStatus &^= val
	case StatusOffset:
		if val == 0 {
			n.status = 0
			n.interruptStatus = 0
			for i := range n.queues {
				n.queues[i].ready = false
				n.queues[i].lastAvailIdx = 0
			}
		} else {
			n.status = val
		}
	case QueueDescLowOffset:
		n.queues[n.queueSel].desc = setLow32(n.queues[n.queueSel].desc, val)
	case QueueDescHighOffset:
		n.queues[n.queueSel].desc = setHigh32(n.queues[n.queueSel].desc, val)
	case QueueDriverLowOffset:
		n.queues[n.queueSel].avail = setLow32(n.queues[n.queueSel].avail, val)
	case QueueDriverHighOffset:
		n.queues[n.queueSel].avail = setHigh32(n.queues[n.queueSel].avail, val)
	case QueueDeviceLowOffset:
		n.queues[n.queueSel].used = setLow32(n.queues[n.queueSel].used, val)
	case QueueDeviceHighOffset:
		n.queues[n.queueSel].used = setHigh32(n.queues[n.queueSel].used, val)
	}

	n.mu.Unlock()

	return nil
}

// Poll drains any frames the backend has queued into the receive virtqueue. This is where
// virtio-net's asynchrony actually lives, unlike block/rng: incoming packets arrive on the
// backend's own schedule, not synchronously with a register write.
func (n *Network) Poll(mem *dram.Dram) error {
	for {
		frame, err := n.backend.Recv()
		if err != nil {
			return err
		}
		if frame == nil {
			return nil
		}

		if err := n.deliverReceive(mem, frame); err != nil {
			return err
		}
	}
}

func (n *Network) deliverReceive(mem *dram.Dram, frame []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	q := &n.queues[netQueueReceive]
	if !q.ready {
		return nil
	}

	curIdx, ok := availIdx(mem, q.avail)
	if !ok {
		return fmt.Errorf("virtio-net: rx avail ring out of range")
	}
	if q.lastAvailIdx == curIdx {
		return nil // no guest-supplied buffer available; drop the frame
	}

	slot := uint32(q.lastAvailIdx) % q.num
	headIdx, ok := availRingEntry(mem, q.avail, slot)
	if !ok {
		return fmt.Errorf("virtio-net: rx avail entry out of range")
	}

	desc, ok := readDescriptor(mem, q.desc, headIdx)
	if !ok {
		return fmt.Errorf("virtio-net: rx descriptor out of range")
	}

	off, ok := physToOffset(mem, desc.addr)
	if !ok {
		return fmt.Errorf("virtio-net: rx buffer address out of range")
	}

	hdr := make([]byte, virtioNetHdrLen)
	if err := mem.WriteBytes(off, hdr); err != nil {
		return err
	}
	if err := mem.WriteBytes(off+virtioNetHdrLen, frame); err != nil {
		return err
	}

	total := uint32(virtioNetHdrLen + len(frame))
	if !pushUsed(mem, q.used, q.num, headIdx, total) {
		return fmt.Errorf("virtio-net: rx used ring out of range")
	}

	q.lastAvailIdx++
	n.interruptStatus |= 1

	return nil
}

// processTransmit walks the tx avail ring, strips the virtio_net_hdr from each buffer, and hands
// the remaining Ethernet frame to the backend.
func (n *Network) processTransmit(mem *dram.Dram) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	q := &n.queues[netQueueTransmit]
	if !q.ready {
		return nil
	}

	curIdx, ok := availIdx(mem, q.avail)
	if !ok {
		return fmt.Errorf("virtio-net: tx avail ring out of range")
	}

	processed := false

	for q.lastAvailIdx != curIdx {
		slot := uint32(q.lastAvailIdx) % q.num
		headIdx, ok := availRingEntry(mem, q.avail, slot)
		if !ok {
			return fmt.Errorf("virtio-net: tx avail entry out of range")
		}

		desc, ok := readDescriptor(mem, q.desc, headIdx)
		if !ok {
			return fmt.Errorf("virtio-net: tx descriptor out of range")
		}

		off, ok := physToOffset(mem, desc.addr)
		if !ok {
			return fmt.Errorf("virtio-net: tx buffer address out of range")
		}

		if desc.len > virtioNetHdrLen {
			payload, err := mem.ReadBytes(off+virtioNetHdrLen, uint64(desc.len-virtioNetHdrLen))
			if err != nil {
				return err
			}
			if err := n.backend.Send(payload); err != nil {
				return err
			}
		}

		if !pushUsed(mem, q.used, q.num, headIdx, desc.len) {
			return fmt.Errorf("virtio-net: tx used ring out of range")
		}

		q.lastAvailIdx++
		processed = true
	}

	if processed {
		n.interruptStatus |= 1
	}

	return nil
}
