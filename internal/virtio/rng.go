package virtio

import (
	"fmt"
	"sync"

	"github.com/trust0/riscvvm/internal/dram"
)

// RNG is a virtio-rng device that fills write-only buffers with deterministic filler bytes.
// Grounded on original_source/riscv-vm/src/devices/virtio/rng.rs's VirtioRng/VirtioRngState.
// The original is explicit that this is pseudo-random filler, not a real entropy source; this
// port keeps the same byte sequence (`(i + 42) mod 256`) so guest-side self-tests that read back
// a fixed offset see the same bytes on both implementations.
type RNG struct {
	mu sync.Mutex

	driverFeatures    uint32
	driverFeaturesSel uint32
	deviceFeaturesSel uint32
	pageSize          uint32
	queueSel          uint32
	queueNum          uint32
	desc, avail, used uint64
	queueReady        bool
	interruptStatus   uint32
	status            uint32

	lastAvailIdx uint16
}

// NewRNG builds an idle virtio-rng device.
func NewRNG() *RNG {
	return &RNG{pageSize: 4096, queueNum: QueueSize}
}

func (r *RNG) IsInterrupting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.interruptStatus != 0
}

func (r *RNG) ReadReg(offset uint64) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch offset {
	case MagicValueOffset:
		return MagicValue, nil
	case VersionOffset:
		return Version, nil
	case DeviceIDOffset:
		return DeviceIDRNG, nil
	case VendorIDOffset:
		return VendorID, nil
	case DeviceFeaturesOffset:
		return 0, nil
	case DeviceFeaturesSelOffset:
		return r.deviceFeaturesSel, nil
	case DriverFeaturesOffset:
		return r.driverFeatures, nil
	case DriverFeaturesSelOffset:
		return r.driverFeaturesSel, nil
	case GuestPageSizeOffset:
		return r.pageSize, nil
	case QueueNumMaxOffset:
		return QueueSize, nil
	case QueueSelOffset:
		return r.queueSel, nil
	case QueueNumOffset:
		return r.queueNum, nil
	case QueueReadyOffset:
		if r.queueReady {
			return 1, nil
		}
		return 0, nil
	case InterruptStatusOffset:
		return r.interruptStatus, nil
	case StatusOffset:
		return r.status, nil
	case ConfigGenerationOffset:
		return 0, nil
	default:
		return 0, nil
	}
}

func (r *RNG) WriteReg(offset uint64, val uint32, mem *dram.Dram) error {
	r.mu.Lock()

	switch offset {
	case DeviceFeaturesSelOffset:
		r.deviceFeaturesSel = val
	case DriverFeaturesOffset:
		r.driverFeatures = val
	case DriverFeaturesSelOffset:
		r.driverFeaturesSel = val
	case QueueSelOffset:
		r.queueSel = val
	case QueueNumOffset:
		r.queueNum = val
	case GuestPageSizeOffset:
		r.pageSize = val
	case QueuePFNOffset:
		if val != 0 {
			layout := layoutFromPFN(uint64(val), r.pageSize, r.queueNum)
			r.desc, r.avail, r.used = layout.desc, layout.avail, layout.used
			r.queueReady = true
		}
	case QueueReadyOffset:
		r.queueReady = val != 0
	case QueueNotifyOffset:
		if val == 0 {
			r.mu.Unlock()
			return r.processQueue(mem)
		}
	case InterruptAckOffset:
		r.interruptStatus &^= val
	case StatusOffset:
		if val == 0 {
			r.status = 0
			r.queueReady = false
			r.interruptStatus = 0
			r.lastAvailIdx = 0
		} else {
			r.status = val
		}
	case QueueDescLowOffset:
		r.desc = setLow32(r.desc, val)
	case QueueDescHighOffset:
		r.desc = setHigh32(r.desc, val)
	case QueueDriverLowOffset:
		r.avail = setLow32(r.avail, val)
	case QueueDriverHighOffset:
		r.avail = setHigh32(r.avail, val)
	case QueueDeviceLowOffset:
		r.used = setLow32(r.used, val)
	case QueueDeviceHighOffset:
		r.used = setHigh32(r.used, val)
	}

	r.mu.Unlock()

	return nil
}

// Poll is a no-op: like virtio-blk, every request completes synchronously on notify.
func (r *RNG) Poll(mem *dram.Dram) error { return nil }

// processQueue walks the available ring and fills every write-only buffer descriptor with
// filler bytes — rng.rs's process_queue.
func (r *RNG) processQueue(mem *dram.Dram) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.queueReady {
		return nil
	}

	curIdx, ok := availIdx(mem, r.avail)
	if !ok {
		return fmt.Errorf("virtio-rng: avail ring out of range")
	}

	processed := false

	for r.lastAvailIdx != curIdx {
		slot := uint32(r.lastAvailIdx) % r.queueNum
		headIdx, ok := availRingEntry(mem, r.avail, slot)
		if !ok {
			return fmt.Errorf("virtio-rng: avail ring entry out of range")
		}

		desc, ok := readDescriptor(mem, r.desc, headIdx)
		if !ok {
			return fmt.Errorf("virtio-rng: descriptor out of range")
		}

		if desc.flags&VringDescFWrite != 0 {
			buf := make([]byte, desc.len)
			for i := range buf {
				buf[i] = byte(i + 42)
			}

			off, ok := physToOffset(mem, desc.addr)
			if !ok {
				return fmt.Errorf("virtio-rng: buffer address out of range")
			}
			if err := mem.WriteBytes(off, buf); err != nil {
				return err
			}
		}

		if !pushUsed(mem, r.used, r.queueNum, headIdx, desc.len) {
			return fmt.Errorf("virtio-rng: used ring out of range")
		}

		r.lastAvailIdx++
		processed = true
	}

	if processed {
		r.interruptStatus |= 1
	}

	return nil
}
