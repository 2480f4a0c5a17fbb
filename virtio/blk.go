package virtio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
	"unsafe"

	"github.com/nmi/uvmm/snapshot"
)

// DeviceIDBlk is the virtio-mmio DeviceID a guest driver expects for a
// block device; VendorIDVirtio is shared by every device in this package.
const (
	DeviceIDBlk    = 0x2
	VendorIDVirtio = 0x1AF4

	sectorSize = 512

	// blkTicker is how often IOThreadEntry re-raises the interrupt line
	// while ISR is still set and unacknowledged by the guest.
	blkTicker = 10 * time.Millisecond
)

// BlkReq mirrors struct virtio_blk_req's fixed header (VIRTIO_BLK_T_IN/OUT
// request type, reserved priority field, target sector).
type BlkReq struct {
	Type   uint32
	_      uint32
	Sector uint64
}

const (
	blkReqIn  = 0 // VIRTIO_BLK_T_IN: guest reads from the device
	blkReqOut = 1 // VIRTIO_BLK_T_OUT: guest writes to the device

	blkStatusOK  = 0
	blkStatusIOErr = 1
)

type blkConfig struct {
	capacity uint64 // in 512-byte sectors
}

func (c blkConfig) bytes() []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, c)

	return buf.Bytes()
}

// Blk is a virtio-mmio block device backed by an open host file. The
// backing file can be swapped out at runtime (SwapBackingFile) or
// re-measured in place (UpdateCapacity) without tearing down the virtqueue.
type Blk struct {
	mmioCore

	mu     sync.Mutex
	file   *os.File
	closed bool
	config blkConfig

	VirtQueue    [1]*VirtQueue
	Mem          []byte
	LastAvailIdx [1]uint16

	kick chan struct{}

	irq         uint8
	IRQInjector IRQInjector
}

// NewBlk opens path and constructs a virtio-blk device over mem. The host
// file is opened read-write; a resource store that wants a read-only
// device reopens and passes along a read-only-checked path beforehand.
func NewBlk(path string, irq uint8, irqInjector IRQInjector, mem []byte) (*Blk, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	size, err := fileSectors(f)
	if err != nil {
		f.Close()

		return nil, err
	}

	v := &Blk{
		mmioCore: mmioCore{
			deviceID: DeviceIDBlk,
			vendorID: VendorIDVirtio,
			queueNUM: QueueSize,
		},
		file:         f,
		config:       blkConfig{capacity: size},
		irq:          irq,
		IRQInjector:  irqInjector,
		kick:         make(chan struct{}, 1),
		Mem:          mem,
		LastAvailIdx: [1]uint16{0},
	}

	return v, nil
}

// fileSectors seeks to the end of f to measure its size (works for both
// regular files and block-special files) and returns the size in sectors.
func fileSectors(f *os.File) (uint64, error) {
	size, err := f.Seek(0, os.SEEK_END)
	if err != nil {
		return 0, fmt.Errorf("measure backing file size: %w", err)
	}

	if _, err := f.Seek(0, os.SEEK_SET); err != nil {
		return 0, fmt.Errorf("rewind backing file: %w", err)
	}

	return uint64(size) / sectorSize, nil
}

// ReadMMIO implements the devicemgr MMIO transport contract. offset is
// relative to this device's MMIO window.
func (v *Blk) ReadMMIO(offset uint64, data []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if offset == RegInterruptStatus {
		data[0] = v.isr
		v.isr = 0 // cleared on read, per virtio-mmio spec

		return nil
	}

	if v.readCore(offset, data) {
		return nil
	}

	if offset >= RegConfigSpace {
		b := v.config.bytes()
		off := int(offset - RegConfigSpace)

		if off >= 0 && off+len(data) <= len(b) {
			copy(data, b[off:off+len(data)])
		}
	}

	return nil
}

// WriteMMIO implements the devicemgr MMIO transport contract.
func (v *Blk) WriteMMIO(offset uint64, data []byte) error {
	switch offset {
	case RegQueueNum:
		v.mu.Lock()
		v.queueNUM = uint16(bytesToNum(data))
		v.mu.Unlock()
	case RegQueuePFN:
		v.mu.Lock()
		physAddr := uint32(bytesToNum(data)) * v.pageSize()
		v.VirtQueue[v.queueSEL] = (*VirtQueue)(unsafe.Pointer(&v.Mem[physAddr]))
		v.mu.Unlock()
	case RegQueueNotify:
		v.kickNotify()
	default:
		v.mu.Lock()
		v.writeCore(offset, data)
		v.mu.Unlock()
	}

	return nil
}

func (v *Blk) pageSize() uint32 {
	if v.guestPageSize == 0 {
		return 4096
	}

	return v.guestPageSize
}

// kickNotify wakes IOThreadEntry, unless the device has been closed.
func (v *Blk) kickNotify() {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return
	}

	select {
	case v.kick <- struct{}{}:
	default:
	}
}

// IOThreadEntry drains kick notifications, servicing the virtqueue until
// no descriptor is ready, and periodically re-raises the interrupt line
// while the guest has not yet acknowledged a pending ISR. It returns once
// Close has closed the kick channel.
func (v *Blk) IOThreadEntry() {
	ticker := time.NewTicker(blkTicker)
	defer ticker.Stop()

	for {
		select {
		case _, ok := <-v.kick:
			if !ok {
				return
			}

			for v.IO() == nil {
			}
		case <-ticker.C:
			v.reinjectIfPending()
		}
	}
}

func (v *Blk) reinjectIfPending() {
	v.mu.Lock()
	pending := v.isr != 0
	v.mu.Unlock()

	if pending && v.IRQInjector != nil {
		_ = v.IRQInjector.InjectVirtioBlkIRQ()
	}
}

// IO services exactly one descriptor chain from the avail ring: a BlkReq
// header, a data buffer, and a one-byte status descriptor, in that order.
func (v *Blk) IO() error {
	v.mu.Lock()
	vq := v.VirtQueue[0]
	if vq == nil {
		v.mu.Unlock()

		return errors.New("virtio-blk: queue not initialized")
	}

	avail := &vq.AvailRing
	if v.LastAvailIdx[0] == avail.Idx {
		v.mu.Unlock()

		return errors.New("virtio-blk: no request pending")
	}

	reqDescID := avail.Ring[v.LastAvailIdx[0]%QueueSize]
	reqDesc := vq.DescTable[reqDescID]
	dataDescID := reqDesc.Next
	dataDesc := vq.DescTable[dataDescID]
	statusDescID := dataDesc.Next
	statusDesc := vq.DescTable[statusDescID]
	v.mu.Unlock()

	req := (*BlkReq)(unsafe.Pointer(&v.Mem[reqDesc.Addr]))
	status := byte(blkStatusOK)

	switch req.Type {
	case blkReqIn:
		if _, err := v.file.ReadAt(v.Mem[dataDesc.Addr:dataDesc.Addr+uint64(dataDesc.Len)],
			int64(req.Sector)*sectorSize); err != nil {
			status = blkStatusIOErr
		}
	case blkReqOut:
		if _, err := v.file.WriteAt(v.Mem[dataDesc.Addr:dataDesc.Addr+uint64(dataDesc.Len)],
			int64(req.Sector)*sectorSize); err != nil {
			status = blkStatusIOErr
		}
	default:
		status = blkStatusIOErr
	}

	v.Mem[statusDesc.Addr] = status

	v.mu.Lock()
	used := &vq.UsedRing
	used.Ring[used.Idx%QueueSize].Idx = uint32(reqDescID)
	used.Ring[used.Idx%QueueSize].Len = dataDesc.Len + 1
	used.Idx++
	v.LastAvailIdx[0]++
	v.isr = 0x1
	v.mu.Unlock()

	if v.IRQInjector != nil {
		_ = v.IRQInjector.InjectVirtioBlkIRQ()
	}

	return nil
}

// UpdateCapacity re-measures the open backing file's size and updates the
// config-space capacity without replacing the file handle; this is the
// RescanBlockDevice path.
func (v *Blk) UpdateCapacity() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	size, err := fileSectors(v.file)
	if err != nil {
		return err
	}

	v.config.capacity = size

	return nil
}

// SwapBackingFile replaces the open backing file with f and recomputes the
// config-space capacity; this is the UpdateBlockDevicePath path. The
// previous file is closed.
func (v *Blk) SwapBackingFile(f *os.File) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	size, err := fileSectors(f)
	if err != nil {
		return err
	}

	old := v.file
	v.file = f
	v.config.capacity = size

	if old != nil {
		return old.Close()
	}

	return nil
}

// PulseConfigInterrupt raises and lowers the config-changed interrupt line;
// used by UpdateBlockDevicePath/RescanBlockDevice after the config blob
// changes underneath the guest.
func (v *Blk) PulseConfigInterrupt() error {
	v.mu.Lock()
	v.isr |= 0x2
	v.mu.Unlock()

	if v.IRQInjector == nil {
		return nil
	}

	return v.IRQInjector.InjectVirtioBlkIRQ()
}

// Close stops IOThreadEntry and closes the backing file. A second Close
// still closes (and thus errors on) the already-closed file, matching the
// once-only kick-channel close guarded by the same lock.
func (v *Blk) Close() error {
	v.mu.Lock()
	if !v.closed {
		v.closed = true
		close(v.kick)
	}
	v.mu.Unlock()

	return v.file.Close()
}

// GetState captures the device's snapshot-relevant state.
func (v *Blk) GetState() *snapshot.BlkState {
	v.mu.Lock()
	defer v.mu.Unlock()

	return &snapshot.BlkState{
		HdrBytes:      v.config.bytes(),
		QueuePhysAddr: v.queuePhysAddrsLocked(),
		LastAvailIdx:  v.LastAvailIdx,
	}
}

// SetState restores previously captured state. mem must be the same guest
// memory slice the device was constructed with.
func (v *Blk) SetState(s *snapshot.BlkState, mem []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(s.HdrBytes) >= 8 {
		v.config.capacity = binary.LittleEndian.Uint64(s.HdrBytes)
	}

	v.LastAvailIdx = s.LastAvailIdx

	for i, addr := range s.QueuePhysAddr {
		if addr != 0 {
			v.VirtQueue[i] = (*VirtQueue)(unsafe.Pointer(&mem[addr]))
		}
	}
}

func (v *Blk) queuePhysAddrsLocked() [1]uint64 {
	var addrs [1]uint64

	for i, q := range v.VirtQueue {
		if q != nil {
			addrs[i] = uint64(uintptr(unsafe.Pointer(q)) - uintptr(unsafe.Pointer(&v.Mem[0])))
		}
	}

	return addrs
}

// IRQInjector is implemented by machine.Machine; kept as its own interface
// so virtio devices do not import the machine package.
type IRQInjector interface {
	InjectVirtioBlkIRQ() error
	InjectVirtioNetIRQ() error
}
