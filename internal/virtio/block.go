package virtio

import (
	"fmt"
	"sync"

	"github.com/trust0/riscvvm/internal/dram"
)

// blockRequestHeader is the 16-byte virtio_blk_req header the driver places at the head of
// every request descriptor chain: type, reserved, sector.
type blockRequestHeader struct {
	typ    uint32
	sector uint64
}

const (
	blkTypeIn  = 0 // driver reads from the disk
	blkTypeOut = 1 // driver writes to the disk
)

const sectorSize = 512

// Block is a virtio-blk device backed by an in-memory disk image. Grounded on
// original_source/riscv-vm/src/devices/virtio/block.rs's VirtioBlock/VirtioBlockState.
type Block struct {
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

	disk []byte

	lastAvailIdx uint16
}

// NewBlock wraps disk (a flat byte image, sector-addressed) as a virtio-blk device.
func NewBlock(disk []byte) *Block {
	return &Block{
		disk:     disk,
		pageSize: 4096,
		queueNum: QueueSize,
	}
}

func (b *Block) IsInterrupting() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.interruptStatus != 0
}

// ReadReg implements the register reads block.rs's VirtioDevice::read dispatches by offset.
func (b *Block) ReadReg(offset uint64) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch offset {
	case MagicValueOffset:
		return MagicValue, nil
	case VersionOffset:
		return Version, nil
	case DeviceIDOffset:
		return DeviceIDBlock, nil
	case VendorIDOffset:
		return VendorID, nil
	case DeviceFeaturesOffset:
		if b.deviceFeaturesSel == 0 {
			return 1 << VirtioBlkFFlush, nil
		}
		return 0, nil
	case DeviceFeaturesSelOffset:
		return b.deviceFeaturesSel, nil
	case DriverFeaturesOffset:
		return b.driverFeatures, nil
	case DriverFeaturesSelOffset:
		return b.driverFeaturesSel, nil
	case GuestPageSizeOffset:
		return b.pageSize, nil
	case QueueNumMaxOffset:
		return QueueSize, nil
	case QueueSelOffset:
		return b.queueSel, nil
	case QueueNumOffset:
		return b.queueNum, nil
	case QueueReadyOffset:
		if b.queueReady {
			return 1, nil
		}
		return 0, nil
	case InterruptStatusOffset:
		return b.interruptStatus, nil
	case StatusOffset:
		return b.status, nil
	case ConfigGenerationOffset:
		return 0, nil
	case ConfigOffset: // capacity, low 32 bits, in 512-byte sectors
		return uint32(uint64(len(b.disk)) / sectorSize), nil
	case ConfigOffset + 4: // capacity, high 32 bits
		return uint32((uint64(len(b.disk)) / sectorSize) >> 32), nil
	default:
		return 0, nil
	}
}

// WriteReg implements the register writes block.rs's VirtioDevice::write dispatches by offset.
// QueueNotify processes the queue synchronously, matching the original device: this device has
// no asynchronous work, so Poll is a no-op for it.
func (b *Block) WriteReg(offset uint64, val uint32, mem *dram.Dram) error {
	b.mu.Lock()

	switch offset {
	case DeviceFeaturesSelOffset:
		b.deviceFeaturesSel = val
	case DriverFeaturesOffset:
		b.driverFeatures = val
	case DriverFeaturesSelOffset:
		b.driverFeaturesSel = val
	case QueueSelOffset:
		b.queueSel = val
	case QueueNumOffset:
		b.queueNum = val
	case GuestPageSizeOffset:
		b.pageSize = val
	case QueuePFNOffset:
		if val != 0 {
			layout := layoutFromPFN(uint64(val), b.pageSize, b.queueNum)
			b.desc, b.avail, b.used = layout.desc, layout.avail, layout.used
			b.queueReady = true
		}
	case QueueReadyOffset:
		b.queueReady = val != 0
	case QueueNotifyOffset:
		if val == 0 {
			b.mu.Unlock()
			return b.processQueue(mem)
		}
	case InterruptAckOffset:
		b.interruptStatus &^= val
	case StatusOffset:
		if val == 0 {
			b.status = 0
			b.queueReady = false
			b.interruptStatus = 0
			b.lastAvailIdx = 0
		} else {
			b.status = val
		}
	case QueueDescLowOffset:
		b.desc = setLow32(b.desc, val)
	case QueueDescHighOffset:
		b.desc = setHigh32(b.desc, val)
	case QueueDriverLowOffset:
		b.avail = setLow32(b.avail, val)
	case QueueDriverHighOffset:
		b.avail = setHigh32(b.avail, val)
	case QueueDeviceLowOffset:
		b.used = setLow32(b.used, val)
	case QueueDeviceHighOffset:
		b.used = setHigh32(b.used, val)
	}

	b.mu.Unlock()

	return nil
}

// Poll does nothing for virtio-blk: every request completes synchronously on notify, matching
// block.rs, which performs the disk I/O inline inside the register write.
func (b *Block) Poll(mem *dram.Dram) error { return nil }

// processQueue walks the available ring from lastAvailIdx to the driver's current avail_idx,
// services each descriptor chain (header, data, optional status), and posts a used-ring entry
// per request — block.rs's process_queue.
func (b *Block) processQueue(mem *dram.Dram) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.queueReady {
		return nil
	}

	curIdx, ok := availIdx(mem, b.avail)
	if !ok {
		return fmt.Errorf("virtio-blk: avail ring out of range")
	}

	processed := false

	for b.lastAvailIdx != curIdx {
		slot := uint32(b.lastAvailIdx) % b.queueNum
		headIdx, ok := availRingEntry(mem, b.avail, slot)
		if !ok {
			return fmt.Errorf("virtio-blk: avail ring entry out of range")
		}

		n, err := b.serviceChain(mem, headIdx)
		if err != nil {
			return err
		}

		if !pushUsed(mem, b.used, b.queueNum, headIdx, n) {
			return fmt.Errorf("virtio-blk: used ring out of range")
		}

		b.lastAvailIdx++
		processed = true
	}

	if processed {
		b.interruptStatus |= 1
	}

	return nil
}

// serviceChain performs the I/O for one request's descriptor chain (header -> data -> optional
// status) and reports the number of bytes the device wrote to the data buffer (0 for writes).
func (b *Block) serviceChain(mem *dram.Dram, headIdx uint16) (uint32, error) {
	headDesc, ok := readDescriptor(mem, b.desc, headIdx)
	if !ok {
		return 0, fmt.Errorf("virtio-blk: header descriptor out of range")
	}

	headerOff, ok := physToOffset(mem, headDesc.addr)
	if !ok {
		return 0, fmt.Errorf("virtio-blk: header address out of range")
	}

	headerBytes, err := mem.ReadBytes(headerOff, 16)
	if err != nil {
		return 0, err
	}

	req := blockRequestHeader{
		typ:    leUint32(headerBytes[0:4]),
		sector: leUint64(headerBytes[8:16]),
	}

	if headDesc.flags&VringDescFNext == 0 {
		return 0, nil
	}

	dataDesc, ok := readDescriptor(mem, b.desc, headDesc.next)
	if !ok {
		return 0, fmt.Errorf("virtio-blk: data descriptor out of range")
	}

	dataOff, ok := physToOffset(mem, dataDesc.addr)
	if !ok {
		return 0, fmt.Errorf("virtio-blk: data address out of range")
	}

	diskOff := req.sector * sectorSize
	var written uint32

	switch req.typ {
	case blkTypeIn:
		if diskOff+uint64(dataDesc.len) > uint64(len(b.disk)) {
			return 0, fmt.Errorf("virtio-blk: read past end of disk")
		}
		if err := mem.WriteBytes(dataOff, b.disk[diskOff:diskOff+uint64(dataDesc.len)]); err != nil {
			return 0, err
		}
		written = dataDesc.len

	case blkTypeOut:
		if diskOff+uint64(dataDesc.len) > uint64(len(b.disk)) {
			return 0, fmt.Errorf("virtio-blk: write past end of disk")
		}
		buf, err := mem.ReadBytes(dataOff, uint64(dataDesc.len))
		if err != nil {
			return 0, err
		}
		copy(b.disk[diskOff:diskOff+uint64(dataDesc.len)], buf)
	}

	if dataDesc.flags&VringDescFNext != 0 {
		statusDesc, ok := readDescriptor(mem, b.desc, dataDesc.next)
		if !ok {
			return 0, fmt.Errorf("virtio-blk: status descriptor out of range")
		}
		statusOff, ok := physToOffset(mem, statusDesc.addr)
		if !ok {
			return 0, fmt.Errorf("virtio-blk: status address out of range")
		}
		mem.Store8(statusOff, 0) // OK
	}

	return written, nil
}
