package virtio

import (
	"sync"

	"github.com/trust0/riscvvm/internal/dram"
)

// Linux input event types (struct input_event's type field), the subset this device emits.
const (
	evSyn = 0x00
	evKey = 0x01
)

// inputConfig select values (§4.4's config space, read through offsets 0x100/0x101/0x102 and
// the 128-byte data window at 0x108).
const (
	inputCfgIDName   = 0x01
	inputCfgIDSerial = 0x02
	inputCfgIDDevIDs = 0x03
	inputCfgEVBits   = 0x11
)

// inputEvent mirrors Linux's struct input_event: a 16-bit type, 16-bit code, 32-bit value —
// the wire format delivered on the event virtqueue.
type inputEvent struct {
	typ, code uint16
	value     uint32
}

// Input is a virtio-input device (ID 18) presenting a single keyboard: PushKeyEvent queues a
// press/release from the host's terminal reader, delivered to the guest on its event queue (0)
// the next time the driver notifies or this device is polled. The status queue (1) exists for
// protocol completeness (LED acknowledgements) but nothing in this machine writes to it.
// Grounded on original_source/riscv-vm/src/devices/virtio/input.rs's VirtioInput/VirtioInputState.
type Input struct {
	mu sync.Mutex

	driverFeatures, driverFeaturesSel, deviceFeaturesSel uint32
	pageSize, queueSel                                   uint32
	queueNum                                             [2]uint32
	desc, avail, used                                    [2]uint64
	queueReady                                           [2]bool
	interruptStatus, status                              uint32
	lastAvailIdx                                         [2]uint16

	events []inputEvent

	cfgSelect, cfgSubsel uint8
}

// NewInput returns an input device with empty queues and no pending events.
func NewInput() *Input {
	return &Input{pageSize: 4096, queueNum: [2]uint32{QueueSize, QueueSize}}
}

// PushKeyEvent queues a key press (pressed=true) or release, followed by the SYN event that
// marks the end of one input report, matching input.rs's push_key_event.
func (in *Input) PushKeyEvent(code uint16, pressed bool) {
	in.mu.Lock()
	defer in.mu.Unlock()

	value := uint32(0)
	if pressed {
		value = 1
	}

	in.events = append(in.events,
		inputEvent{typ: evKey, code: code, value: value},
		inputEvent{typ: evSyn, code: 0, value: 0},
	)
}

func (in *Input) IsInterrupting() bool {
	in.mu.Lock()
	defer in.mu.Unlock()

	return in.interruptStatus != 0
}

// ReadReg implements input.rs's VirtioDevice::read.
func (in *Input) ReadReg(offset uint64) (uint32, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	q := int(in.queueSel)

	switch offset {
	case MagicValueOffset:
		return MagicValue, nil
	case VersionOffset:
		return Version, nil
	case DeviceIDOffset:
		return DeviceIDInput, nil
	case VendorIDOffset:
		return VendorID, nil
	case DeviceFeaturesOffset:
		return 0, nil
	case DeviceFeaturesSelOffset:
		return in.deviceFeaturesSel, nil
	case DriverFeaturesOffset:
		return in.driverFeatures, nil
	case DriverFeaturesSelOffset:
		return in.driverFeaturesSel, nil
	case GuestPageSizeOffset:
		return in.pageSize, nil
	case QueueNumMaxOffset:
		return QueueSize, nil
	case QueueSelOffset:
		return in.queueSel, nil
	case QueueNumOffset:
		if q < 2 {
			return in.queueNum[q], nil
		}
		return 0, nil
	case QueueReadyOffset:
		if q < 2 && in.queueReady[q] {
			return 1, nil
		}
		return 0, nil
	case InterruptStatusOffset:
		return in.interruptStatus, nil
	case StatusOffset:
		return in.status, nil
	case ConfigGenerationOffset:
		return 0, nil
	default:
		if offset >= ConfigOffset {
			return in.readConfig(offset), nil
		}
		return 0, nil
	}
}

// readConfig implements input.rs's read_config: the driver selects a config page via
// cfg_select/cfg_subsel (offsets 0x100/0x101, relative to this device's own base, i.e. absolute
// ConfigOffset+0/+1), reads its size at +2, then its bytes from a 128-byte window at +8.
func (in *Input) readConfig(offset uint64) uint32 {
	rel := offset - ConfigOffset

	switch rel {
	case 0x00:
		return uint32(in.cfgSelect)
	case 0x01:
		return uint32(in.cfgSubsel)
	case 0x02:
		switch in.cfgSelect {
		case inputCfgIDName:
			return 16
		case inputCfgIDSerial:
			return 8
		case inputCfgIDDevIDs:
			return 8
		case inputCfgEVBits:
			if in.cfgSubsel == evKey {
				return 16
			}
		}
		return 0
	}

	if rel >= 0x08 && rel < 0x88 {
		dataOff := rel - 0x08
		switch in.cfgSelect {
		case inputCfgIDName:
			name := []byte("VirtIO Keyboard\x00")
			if int(dataOff) < len(name) {
				return uint32(name[dataOff])
			}
		case inputCfgIDSerial:
			serial := []byte("12345678")
			if int(dataOff) < len(serial) {
				return uint32(serial[dataOff])
			}
		case inputCfgIDDevIDs:
			switch {
			case dataOff <= 1:
				return 0x06 // BUS_VIRTUAL
			case dataOff <= 3, dataOff <= 5, dataOff <= 7:
				return 0x01
			}
		case inputCfgEVBits:
			return 0xff
		}
	}

	return 0
}

// WriteReg implements input.rs's VirtioDevice::write.
func (in *Input) WriteReg(offset uint64, val uint32, mem *dram.Dram) error {
	in.mu.Lock()

	q := int(in.queueSel)

	switch offset {
	case DeviceFeaturesSelOffset:
		in.deviceFeaturesSel = val
	case DriverFeaturesOffset:
		in.driverFeatures = val
	case DriverFeaturesSelOffset:
		in.driverFeaturesSel = val
	case QueueSelOffset:
		in.queueSel = val
	case QueueNumOffset:
		if q < 2 {
			in.queueNum[q] = val
		}
	case GuestPageSizeOffset:
		in.pageSize = val
	case QueuePFNOffset:
		if q < 2 && val != 0 {
			layout := layoutFromPFN(uint64(val), in.pageSize, in.queueNum[q])
			in.desc[q], in.avail[q], in.used[q] = layout.desc, layout.avail, layout.used
			in.queueReady[q] = true
		}
	case QueueReadyOffset:
		if q < 2 {
			in.queueReady[q] = val != 0
		}
	case QueueNotifyOffset:
		if val == 0 {
			in.mu.Unlock()
			return in.deliverEvents(mem)
		}
	case InterruptAckOffset:
		in.interruptStatus &^= val
	case StatusOffset:
		if val == 0 {
			in.status = 0
			in.queueReady = [2]bool{}
			in.interruptStatus = 0
			in.lastAvailIdx = [2]uint16{}
		} else {
			in.status = val
		}
	case QueueDescLowOffset:
		if q < 2 {
			in.desc[q] = setLow32(in.desc[q], val)
		}
	case QueueDescHighOffset:
		if q < 2 {
			in.desc[q] = setHigh32(in.desc[q], val)
		}
	case QueueDriverLowOffset:
		if q < 2 {
			in.avail[q] = setLow32(in.avail[q], val)
		}
	case QueueDriverHighOffset:
		if q < 2 {
			in.avail[q] = setHigh32(in.avail[q], val)
		}
	case QueueDeviceLowOffset:
		if q < 2 {
			in.used[q] = setLow32(in.used[q], val)
		}
	case QueueDeviceHighOffset:
		if q < 2 {
			in.used[q] = setHigh32(in.used[q], val)
		}
	case ConfigOffset:
		in.cfgSelect = uint8(val)
	case ConfigOffset + 1:
		in.cfgSubsel = uint8(val)
	}

	in.mu.Unlock()

	return nil
}

// Poll drains pending key events onto the event queue, the same work QueueNotify triggers
// synchronously — a key can arrive from the host's terminal reader goroutine at any time, not
// just when the driver happens to notify, so the hart loop's periodic Poll is this device's only
// other delivery path (mirrors input.rs's poll calling deliver_events).
func (in *Input) Poll(mem *dram.Dram) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	return in.deliverEventsLocked(mem)
}

func (in *Input) deliverEvents(mem *dram.Dram) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	return in.deliverEventsLocked(mem)
}

// deliverEventsLocked walks the event queue's (queue 0) avail ring, writing one 8-byte
// inputEvent per writable descriptor until either runs dry, mirroring input.rs's deliver_events.
func (in *Input) deliverEventsLocked(mem *dram.Dram) error {
	const q = 0

	if !in.queueReady[q] || len(in.events) == 0 {
		return nil
	}

	curIdx, ok := availIdx(mem, in.avail[q])
	if !ok {
		return nil
	}

	processed := false

	for in.lastAvailIdx[q] != curIdx && len(in.events) > 0 {
		slot := uint32(in.lastAvailIdx[q]) % in.queueNum[q]
		headIdx, ok := availRingEntry(mem, in.avail[q], slot)
		if !ok {
			break
		}

		desc, ok := readDescriptor(mem, in.desc[q], headIdx)
		if !ok {
			break
		}

		if desc.flags&VringDescFWrite != 0 && desc.len >= 8 {
			off, ok := physToOffset(mem, desc.addr)
			if !ok {
				break
			}

			ev := in.events[0]
			in.events = in.events[1:]

			mem.Store16(off, ev.typ)
			mem.Store16(off+2, ev.code)
			mem.Store32(off+4, ev.value)

			if pushUsed(mem, in.used[q], in.queueNum[q], headIdx, 8) {
				processed = true
			}
		}

		in.lastAvailIdx[q]++
	}

	if processed {
		in.interruptStatus |= 1
	}

	return nil
}
