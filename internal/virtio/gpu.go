package virtio

import (
	"sync"

	"github.com/trust0/riscvvm/internal/dram"
)

// GPU command/response types, the 24-byte control header's type field.
const (
	gpuCmdGetDisplayInfo     = 0x0100
	gpuCmdResourceCreate2D   = 0x0101
	gpuCmdResourceUnref      = 0x0102
	gpuCmdSetScanout         = 0x0103
	gpuCmdResourceFlush      = 0x0104
	gpuCmdTransferToHost2D   = 0x0105
	gpuCmdResourceAttachBack = 0x0106
	gpuCmdResourceDetachBack = 0x0107

	gpuRespOkNodata      = 0x1100
	gpuRespOkDisplayInfo = 0x1101
	gpuRespErrUnspec     = 0x1200
)

const (
	gpuDefaultWidth  = 800
	gpuDefaultHeight = 600
	gpuMaxScanouts   = 1
)

// backingPage is one entry of a resource's guest-memory backing list.
type backingPage struct {
	addr uint64
	len  uint32
}

// resource2D is a guest-allocated framebuffer: dimensions, its backing pages (until
// RESOURCE_ATTACH_BACKING names guest memory to hold it), and the host-side RGBA pixel buffer
// TRANSFER_TO_HOST_2D copies into.
type resource2D struct {
	width, height, format uint32
	backing               []backingPage
	pixels                []byte
}

// scanout binds a resource to a displayed rectangle, set by SET_SCANOUT.
type scanout struct {
	resourceID            uint32
	x, y, width, height   uint32
}

// GPU is a virtio-gpu device (ID 16) presenting one scanout. Guest commands on the control
// queue (0) create and populate 2D resources; RESOURCE_FLUSH hands the active scanout's pixels
// to the host as a pending frame, polled by whatever draws it (e.g. a window or framebuffer
// dump). Grounded on original_source/riscv-vm/src/devices/virtio/gpu.rs's VirtioGpu/VirtioGpuState.
type GPU struct {
	mu sync.Mutex

	driverFeatures, driverFeaturesSel, deviceFeaturesSel uint32
	pageSize, queueSel, queueNum                         uint32
	desc, avail, used                                    uint64
	queueReady                                           bool
	interruptStatus, status                              uint32
	lastAvailIdx                                          uint16

	resources map[uint32]*resource2D
	scanouts  [gpuMaxScanouts]*scanout

	displayWidth, displayHeight uint32
	pendingFrame                []byte
	frameDirty                  bool
}

// NewGPU returns a GPU device with the default 800x600 display.
func NewGPU() *GPU {
	return NewGPUWithSize(gpuDefaultWidth, gpuDefaultHeight)
}

// NewGPUWithSize returns a GPU device advertising the given display dimensions.
func NewGPUWithSize(width, height uint32) *GPU {
	return &GPU{
		pageSize:      4096,
		resources:     make(map[uint32]*resource2D),
		displayWidth:  width,
		displayHeight: height,
	}
}

func (g *GPU) IsInterrupting() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.interruptStatus != 0
}

// HasPendingFrame reports whether a RESOURCE_FLUSH has produced a frame not yet collected by
// TakePendingFrame.
func (g *GPU) HasPendingFrame() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.frameDirty
}

// TakePendingFrame returns and clears the most recently flushed frame's RGBA pixels along with
// the display's current dimensions, or ok=false if nothing is pending.
func (g *GPU) TakePendingFrame() (width, height uint32, pixels []byte, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.frameDirty || g.pendingFrame == nil {
		return 0, 0, nil, false
	}

	g.frameDirty = false
	pixels = g.pendingFrame
	g.pendingFrame = nil

	return g.displayWidth, g.displayHeight, pixels, true
}

// ReadReg implements gpu.rs's VirtioDevice::read.
func (g *GPU) ReadReg(offset uint64) (uint32, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch offset {
	case MagicValueOffset:
		return MagicValue, nil
	case VersionOffset:
		return Version, nil
	case DeviceIDOffset:
		return DeviceIDGPU, nil
	case VendorIDOffset:
		return VendorID, nil
	case DeviceFeaturesOffset:
		return 0, nil
	case DeviceFeaturesSelOffset:
		return g.deviceFeaturesSel, nil
	case DriverFeaturesOffset:
		return g.driverFeatures, nil
	case DriverFeaturesSelOffset:
		return g.driverFeaturesSel, nil
	case GuestPageSizeOffset:
		return g.pageSize, nil
	case QueueNumMaxOffset:
		return QueueSize, nil
	case QueueSelOffset:
		return g.queueSel, nil
	case QueueNumOffset:
		return g.queueNum, nil
	case QueueReadyOffset:
		if g.queueReady {
			return 1, nil
		}
		return 0, nil
	case InterruptStatusOffset:
		return g.interruptStatus, nil
	case StatusOffset:
		return g.status, nil
	case ConfigGenerationOffset:
		return 0, nil
	case ConfigOffset: // events_read
		return 0, nil
	case ConfigOffset + 4: // events_clear
		return 0, nil
	case ConfigOffset + 8: // num_scanouts
		return gpuMaxScanouts, nil
	case ConfigOffset + 0xc: // reserved
		return 0, nil
	default:
		return 0, nil
	}
}

// WriteReg implements gpu.rs's VirtioDevice::write.
func (g *GPU) WriteReg(offset uint64, val uint32, mem *dram.Dram) error {
	g.mu.Lock()

	switch offset {
	case DeviceFeaturesSelOffset:
		g.deviceFeaturesSel = val
	case DriverFeaturesOffset:
		g.driverFeatures = val
	case DriverFeaturesSelOffset:
		g.driverFeaturesSel = val
	case QueueSelOffset:
		g.queueSel = val
	case QueueNumOffset:
		g.queueNum = val
	case GuestPageSizeOffset:
		g.pageSize = val
	case QueuePFNOffset:
		if val != 0 {
			layout := layoutFromPFN(uint64(val), g.pageSize, g.queueNum)
			g.desc, g.avail, g.used = layout.desc, layout.avail, layout.used
			g.queueReady = true
		}
	case QueueReadyOffset:
		g.queueReady = val != 0
	case QueueNotifyOffset:
		if val == 0 {
			g.mu.Unlock()
			return g.processQueue(mem)
		}
	case InterruptAckOffset:
		g.interruptStatus &^= val
	case StatusOffset:
		if val == 0 {
			g.status = 0
			g.queueReady = false
			g.interruptStatus = 0
			g.lastAvailIdx = 0
		} else {
			g.status = val
		}
	case QueueDescLowOffset:
		g.desc = setLow32(g.desc, val)
	case QueueDescHighOffset:
		g.desc = setHigh32(g.desc, val)
	case QueueDriverLowOffset:
		g.avail = setLow32(g.avail, val)
	case QueueDriverHighOffset:
		g.avail = setHigh32(g.avail, val)
	case QueueDeviceLowOffset:
		g.used = setLow32(g.used, val)
	case QueueDeviceHighOffset:
		g.used = setHigh32(g.used, val)
	}

	g.mu.Unlock()

	return nil
}

// Poll does nothing for virtio-gpu: like virtio-blk, every command completes synchronously on
// notify.
func (g *GPU) Poll(mem *dram.Dram) error { return nil }

// processQueue walks the control queue's avail ring, dispatching each command chain, mirroring
// gpu.rs's process_queue.
func (g *GPU) processQueue(mem *dram.Dram) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.queueReady || g.avail == 0 || g.desc == 0 {
		return nil
	}

	curIdx, ok := availIdx(mem, g.avail)
	if !ok {
		return nil
	}

	processed := false

	for g.lastAvailIdx != curIdx {
		slot := uint32(g.lastAvailIdx) % g.queueNum
		headIdx, ok := availRingEntry(mem, g.avail, slot)
		if !ok {
			break
		}

		n := g.processCommand(mem, headIdx)

		if pushUsed(mem, g.used, g.queueNum, headIdx, n) {
			processed = true
		}

		g.lastAvailIdx++
	}

	if processed {
		g.interruptStatus |= 1
	}

	return nil
}

// processCommand reads one command's 24-byte control header from its first descriptor and the
// response buffer from the chained descriptor, dispatches on command type, and reports the
// number of bytes written to the response buffer.
func (g *GPU) processCommand(mem *dram.Dram, descIdx uint16) uint32 {
	headDesc, ok := readDescriptor(mem, g.desc, descIdx)
	if !ok || headDesc.len < 24 {
		return 0
	}

	cmdOff, ok := physToOffset(mem, headDesc.addr)
	if !ok {
		return 0
	}

	if headDesc.flags&VringDescFNext == 0 {
		return 0
	}

	respDesc, ok := readDescriptor(mem, g.desc, headDesc.next)
	if !ok {
		return 0
	}

	respOff, ok := physToOffset(mem, respDesc.addr)
	if !ok {
		return 0
	}

	cmdType := mem.Load32(cmdOff)

	switch cmdType {
	case gpuCmdGetDisplayInfo:
		return g.cmdGetDisplayInfo(mem, respOff)
	case gpuCmdResourceCreate2D:
		return g.cmdResourceCreate2D(mem, cmdOff, respOff)
	case gpuCmdResourceAttachBack:
		return g.cmdResourceAttachBacking(mem, cmdOff, respOff)
	case gpuCmdSetScanout:
		return g.cmdSetScanout(mem, cmdOff, respOff)
	case gpuCmdTransferToHost2D:
		return g.cmdTransferToHost2D(mem, cmdOff, respOff)
	case gpuCmdResourceFlush:
		return g.cmdResourceFlush(mem, cmdOff, respOff)
	case gpuCmdResourceUnref:
		return g.cmdResourceUnref(mem, cmdOff, respOff)
	case gpuCmdResourceDetachBack:
		return g.cmdResourceDetachBacking(mem, cmdOff, respOff)
	default:
		writeGpuResponseHeader(mem, respOff, gpuRespErrUnspec)
		return 24
	}
}

func writeGpuResponseHeader(mem *dram.Dram, off uint64, respType uint32) {
	mem.Store32(off, respType)
	mem.Store32(off+4, 0)
	mem.Store32(off+8, 0)
	mem.Store32(off+12, 0)
	mem.Store32(off+16, 0)
	mem.Store32(off+20, 0)
}

func (g *GPU) cmdGetDisplayInfo(mem *dram.Dram, respOff uint64) uint32 {
	mem.Store32(respOff, gpuRespOkDisplayInfo)
	mem.Store32(respOff+4, 0)
	mem.Store32(respOff+8, 0)
	mem.Store32(respOff+12, 0)
	mem.Store32(respOff+16, 0)
	mem.Store32(respOff+20, 0)

	entry := respOff + 24
	mem.Store32(entry, 0)
	mem.Store32(entry+4, 0)
	mem.Store32(entry+8, g.displayWidth)
	mem.Store32(entry+12, g.displayHeight)
	mem.Store32(entry+16, 1) // enabled
	mem.Store32(entry+20, 0)

	for i := 1; i < 16; i++ {
		entryOff := respOff + 24 + uint64(i)*24
		for j := 0; j < 6; j++ {
			mem.Store32(entryOff+uint64(j)*4, 0)
		}
	}

	return 24 + 384
}

func (g *GPU) cmdResourceCreate2D(mem *dram.Dram, cmdOff, respOff uint64) uint32 {
	resourceID := mem.Load32(cmdOff + 24)
	format := mem.Load32(cmdOff + 28)
	width := mem.Load32(cmdOff + 32)
	height := mem.Load32(cmdOff + 36)

	g.resources[resourceID] = &resource2D{
		width:  width,
		height: height,
		format: format,
		pixels: make([]byte, uint64(width)*uint64(height)*4),
	}

	writeGpuResponseHeader(mem, respOff, gpuRespOkNodata)

	return 24
}

func (g *GPU) cmdResourceAttachBacking(mem *dram.Dram, cmdOff, respOff uint64) uint32 {
	resourceID := mem.Load32(cmdOff + 24)
	nrEntries := mem.Load32(cmdOff + 28)

	if res, ok := g.resources[resourceID]; ok {
		res.backing = res.backing[:0]

		entriesOff := cmdOff + 32
		for i := uint32(0); i < nrEntries; i++ {
			entryOff := entriesOff + uint64(i)*16
			addr := mem.Load64(entryOff)
			length := mem.Load32(entryOff + 8)
			res.backing = append(res.backing, backingPage{addr: addr, len: length})
		}
	}

	writeGpuResponseHeader(mem, respOff, gpuRespOkNodata)

	return 24
}

func (g *GPU) cmdResourceDetachBacking(mem *dram.Dram, cmdOff, respOff uint64) uint32 {
	resourceID := mem.Load32(cmdOff + 24)
	if res, ok := g.resources[resourceID]; ok {
		res.backing = res.backing[:0]
	}

	writeGpuResponseHeader(mem, respOff, gpuRespOkNodata)

	return 24
}

func (g *GPU) cmdSetScanout(mem *dram.Dram, cmdOff, respOff uint64) uint32 {
	x := mem.Load32(cmdOff + 24)
	y := mem.Load32(cmdOff + 28)
	width := mem.Load32(cmdOff + 32)
	height := mem.Load32(cmdOff + 36)
	scanoutID := mem.Load32(cmdOff + 40)
	resourceID := mem.Load32(cmdOff + 44)

	if scanoutID < gpuMaxScanouts {
		if resourceID == 0 {
			g.scanouts[scanoutID] = nil
		} else {
			g.scanouts[scanoutID] = &scanout{
				resourceID: resourceID,
				x:          x,
				y:          y,
				width:      width,
				height:     height,
			}
		}
	}

	writeGpuResponseHeader(mem, respOff, gpuRespOkNodata)

	return 24
}

func (g *GPU) cmdTransferToHost2D(mem *dram.Dram, cmdOff, respOff uint64) uint32 {
	resourceID := mem.Load32(cmdOff + 48)

	if res, ok := g.resources[resourceID]; ok {
		dstOff := 0
		for _, page := range res.backing {
			off, ok := physToOffset(mem, page.addr)
			if !ok {
				continue
			}

			length := int(page.len)
			if remain := len(res.pixels) - dstOff; length > remain {
				length = remain
			}
			if length <= 0 {
				continue
			}

			data, err := mem.ReadBytes(off, uint64(length))
			if err != nil {
				continue
			}

			copy(res.pixels[dstOff:dstOff+length], data)
			dstOff += length
		}
	}

	writeGpuResponseHeader(mem, respOff, gpuRespOkNodata)

	return 24
}

func (g *GPU) cmdResourceFlush(mem *dram.Dram, cmdOff, respOff uint64) uint32 {
	resourceID := mem.Load32(cmdOff + 40)

	for _, sc := range g.scanouts {
		if sc == nil || sc.resourceID != resourceID {
			continue
		}

		if res, ok := g.resources[resourceID]; ok {
			frame := make([]byte, len(res.pixels))
			copy(frame, res.pixels)
			g.pendingFrame = frame
			g.frameDirty = true
		}

		break
	}

	writeGpuResponseHeader(mem, respOff, gpuRespOkNodata)

	return 24
}

func (g *GPU) cmdResourceUnref(mem *dram.Dram, cmdOff, respOff uint64) uint32 {
	resourceID := mem.Load32(cmdOff + 24)
	delete(g.resources, resourceID)

	writeGpuResponseHeader(mem, respOff, gpuRespOkNodata)

	return 24
}
