package virtio

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"unsafe"

	"github.com/nmi/uvmm/snapshot"
)

const (
	// DeviceIDNet is the virtio-mmio DeviceID a guest driver expects for a
	// network device.
	DeviceIDNet = 0x1

	// QueueSize is the number of descriptors per virtqueue. The number of
	// free descriptors must exceed MAX_SKB_FRAGS (16), otherwise packet
	// transmission from the guest to the host stalls.
	//
	// refs https://github.com/torvalds/linux/blob/5859a2b/drivers/net/virtio_net.c#L1754
	QueueSize = 32
)

type netConfig struct {
	mac               [6]uint8
	netStatus         uint16
	maxVirtQueuePairs uint16
}

func (c netConfig) bytes() []byte {
	b := make([]byte, 10)
	copy(b[0:6], c.mac[:])
	b[6] = byte(c.netStatus)
	b[7] = byte(c.netStatus >> 8)
	b[8] = byte(c.maxVirtQueuePairs)
	b[9] = byte(c.maxVirtQueuePairs >> 8)

	return b
}

// Net is a virtio-mmio network device backed by a host tap device.
type Net struct {
	mmioCore

	mu     sync.Mutex
	closed bool
	config netConfig

	VirtQueue    [2]*VirtQueue
	Mem          []byte
	LastAvailIdx [2]uint16

	tap io.ReadWriter

	rxKick <-chan os.Signal
	txKick chan struct{}

	IRQInjector IRQInjector
}

// ReadMMIO implements the devicemgr MMIO transport contract.
func (v *Net) ReadMMIO(offset uint64, data []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if offset == RegInterruptStatus {
		data[0] = v.isr
		v.isr = 0

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
func (v *Net) WriteMMIO(offset uint64, data []byte) error {
	switch offset {
	case RegQueueNum:
		v.mu.Lock()
		v.queueNUM = uint16(bytesToNum(data))
		v.mu.Unlock()
	case RegQueueSel:
		v.mu.Lock()
		v.queueSEL = uint16(bytesToNum(data))
		v.mu.Unlock()
	case RegQueuePFN:
		v.mu.Lock()
		physAddr := uint32(bytesToNum(data)) * v.pageSize()
		v.VirtQueue[v.queueSEL] = (*VirtQueue)(unsafe.Pointer(&v.Mem[physAddr]))
		v.mu.Unlock()
	case RegQueueNotify:
		v.kickTx()
	default:
		v.mu.Lock()
		v.writeCore(offset, data)
		v.mu.Unlock()
	}

	return nil
}

func (v *Net) pageSize() uint32 {
	if v.guestPageSize == 0 {
		return 4096
	}

	return v.guestPageSize
}

func (v *Net) kickTx() {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return
	}

	select {
	case v.txKick <- struct{}{}:
	default:
	}
}

// InjectIRQ raises the queue interrupt line and notifies the injector.
func (v *Net) InjectIRQ() {
	v.mu.Lock()
	v.isr = 0x1
	v.mu.Unlock()

	if v.IRQInjector != nil {
		_ = v.IRQInjector.InjectVirtioNetIRQ()
	}
}

func (v *Net) Rx() error {
	packet := make([]byte, 4096)

	n, err := v.tap.Read(packet)
	if err != nil {
		return fmt.Errorf("read from tap: %w", err)
	}
	packet = packet[:n]

	const sel = 0

	if v.VirtQueue[sel] == nil {
		return fmt.Errorf("virtio-net: rx queue not initialized")
	}

	availRing := &v.VirtQueue[sel].AvailRing
	usedRing := &v.VirtQueue[sel].UsedRing

	if v.LastAvailIdx[sel] == availRing.Idx {
		return fmt.Errorf("virtio-net: no rx buffer available")
	}

	// Prepend the struct virtio_net_hdr the guest driver expects.
	packet = append(make([]byte, 10), packet...)

	const none = uint16(256)
	headDescID := none
	prevDescID := none

	for len(packet) > 0 {
		descID := availRing.Ring[v.LastAvailIdx[sel]%QueueSize]

		if headDescID == none {
			headDescID = descID

			usedRing.Ring[usedRing.Idx%QueueSize].Idx = uint32(headDescID)
			usedRing.Ring[usedRing.Idx%QueueSize].Len = 0
		}

		desc := &v.VirtQueue[sel].DescTable[descID]

		l := uint32(len(packet))
		if l > desc.Len {
			l = desc.Len
		}

		copy(v.Mem[desc.Addr:desc.Addr+uint64(l)], packet[:l])
		packet = packet[l:]
		desc.Len = l

		usedRing.Ring[usedRing.Idx%QueueSize].Len += l

		if prevDescID != none {
			v.VirtQueue[sel].DescTable[prevDescID].Flags |= 0x1
			v.VirtQueue[sel].DescTable[prevDescID].Next = descID
		}

		prevDescID = descID
		v.LastAvailIdx[sel]++
	}

	usedRing.Idx++
	v.InjectIRQ()

	return nil
}

func (v *Net) RxThreadEntry() {
	for range v.rxKick {
		for v.Rx() == nil {
		}
	}
}

func (v *Net) TxThreadEntry() {
	for range v.txKick {
		for v.Tx() == nil {
		}
	}
}

func (v *Net) Tx() error {
	v.mu.Lock()
	sel := v.queueSEL
	v.mu.Unlock()

	if int(sel) >= len(v.VirtQueue) || v.VirtQueue[sel] == nil {
		return fmt.Errorf("virtio-net: tx queue not initialized")
	}

	availRing := &v.VirtQueue[sel].AvailRing
	usedRing := &v.VirtQueue[sel].UsedRing

	if v.LastAvailIdx[sel] == availRing.Idx {
		return fmt.Errorf("virtio-net: no packet for tx")
	}

	for v.LastAvailIdx[sel] != availRing.Idx {
		buf := []byte{}
		descID := availRing.Ring[v.LastAvailIdx[sel]%QueueSize]

		usedRing.Ring[usedRing.Idx%QueueSize].Idx = uint32(descID)
		usedRing.Ring[usedRing.Idx%QueueSize].Len = 0

		for {
			desc := v.VirtQueue[sel].DescTable[descID]

			b := make([]byte, desc.Len)
			copy(b, v.Mem[desc.Addr:desc.Addr+uint64(desc.Len)])
			buf = append(buf, b...)

			usedRing.Ring[usedRing.Idx%QueueSize].Len += desc.Len

			if desc.Flags&0x1 != 0 {
				descID = desc.Next
			} else {
				break
			}
		}

		// Skip struct virtio_net_hdr.
		// refs https://github.com/torvalds/linux/blob/38f80f42/include/uapi/linux/virtio_net.h#L178-L191
		buf = buf[10:]

		if _, err := v.tap.Write(buf); err != nil {
			return err
		}

		usedRing.Idx++
		v.LastAvailIdx[sel]++
	}

	v.InjectIRQ()

	return nil
}

// Close stops TxThreadEntry by closing its kick channel. RxThreadEntry is
// not stopped: it keeps ranging over the SIGIO channel. The tap device
// itself is owned by whoever constructed it and is not closed here.
func (v *Net) Close() error {
	v.mu.Lock()
	if !v.closed {
		v.closed = true
		close(v.txKick)
	}
	v.mu.Unlock()

	return nil
}

// GetState captures the device's snapshot-relevant state.
func (v *Net) GetState() *snapshot.NetState {
	v.mu.Lock()
	defer v.mu.Unlock()

	return &snapshot.NetState{
		HdrBytes:      v.config.bytes(),
		QueuePhysAddr: v.queuePhysAddrsLocked(),
		LastAvailIdx:  v.LastAvailIdx,
	}
}

// SetState restores previously captured state. mem must be the same guest
// memory slice the device was constructed with.
func (v *Net) SetState(s *snapshot.NetState, mem []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.LastAvailIdx = s.LastAvailIdx

	for i, addr := range s.QueuePhysAddr {
		if addr != 0 {
			v.VirtQueue[i] = (*VirtQueue)(unsafe.Pointer(&mem[addr]))
		}
	}
}

func (v *Net) queuePhysAddrsLocked() [2]uint64 {
	var addrs [2]uint64

	for i, q := range v.VirtQueue {
		if q != nil {
			addrs[i] = uint64(uintptr(unsafe.Pointer(q)) - uintptr(unsafe.Pointer(&v.Mem[0])))
		}
	}

	return addrs
}

// NewNet constructs a virtio-mmio network device reading/writing tap.
func NewNet(irqInjector IRQInjector, tap io.ReadWriter, mem []byte) *Net {
	rxKick := make(chan os.Signal, 1)
	signal.Notify(rxKick, syscall.SIGIO)

	return &Net{
		mmioCore: mmioCore{
			deviceID: DeviceIDNet,
			vendorID: VendorIDVirtio,
			queueNUM: QueueSize,
		},
		config:       netConfig{maxVirtQueuePairs: 1},
		IRQInjector:  irqInjector,
		rxKick:       rxKick,
		txKick:       make(chan struct{}, 1),
		tap:          tap,
		Mem:          mem,
		VirtQueue:    [2]*VirtQueue{},
		LastAvailIdx: [2]uint16{0, 0},
	}
}

// refs: https://wiki.osdev.org/Virtio#Virtual_Queue_Descriptor
type VirtQueue struct {
	DescTable [QueueSize]struct {
		Addr  uint64
		Len   uint32
		Flags uint16
		Next  uint16
	}

	AvailRing struct {
		Flags     uint16
		Idx       uint16
		Ring      [QueueSize]uint16
		UsedEvent uint16
	}

	// padding for 4096 byte alignment
	_ [4096 - ((16*QueueSize + 6 + 2*QueueSize) % 4096)]uint8

	UsedRing struct {
		Flags      uint16
		Idx        uint16
		Ring       [QueueSize]struct {
			Idx uint32
			Len uint32
		}
		availEvent uint16
	}
}

func (v Net) dumpDesc(sel uint16) {
	fmt.Printf("[descriptor for queue%d]\r\n", sel)
	fmt.Printf("Addr       Len    Flags   Next Data\r\n")
	fmt.Printf("-----------------------------------\r\n")

	for j := 0; j < QueueSize; j++ {
		desc := v.VirtQueue[sel].DescTable[j]
		buf := make([]byte, desc.Len)
		copy(buf, v.Mem[desc.Addr:desc.Addr+uint64(desc.Len)])
		fmt.Printf("0x%08x 0x%04x 0x%05x %04d 0x%x\r\n",
			desc.Addr, desc.Len, desc.Flags, desc.Next, buf)
	}

	fmt.Printf("[avail ring for queue%d: flags=0x%x, idx=%d, used_event=%d]\r\n", sel,
		v.VirtQueue[sel].AvailRing.Flags,
		v.VirtQueue[sel].AvailRing.Idx,
		v.VirtQueue[sel].AvailRing.UsedEvent)
	fmt.Printf("Ring\r\n")
	fmt.Printf("----\r\n")

	for j := 0; j < QueueSize; j++ {
		fmt.Printf("%04d\r\n", v.VirtQueue[sel].AvailRing.Ring[j])
	}

	fmt.Printf("[used ring for queue%d: flags=0x%x, idx=%d, avail_event=%d]\r\n", sel,
		v.VirtQueue[sel].UsedRing.Flags,
		v.VirtQueue[sel].UsedRing.Idx,
		v.VirtQueue[sel].UsedRing.availEvent)
	fmt.Printf("DescID Len\r\n")
	fmt.Printf("----------\r\n")

	for j := 0; j < QueueSize; j++ {
		fmt.Printf("0x%04x 0x%1x\r\n",
			v.VirtQueue[sel].UsedRing.Ring[j].Idx,
			v.VirtQueue[sel].UsedRing.Ring[j].Len)
	}
}
