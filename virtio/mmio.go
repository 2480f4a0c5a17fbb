package virtio

import "encoding/binary"

// Legacy virtio-mmio register layout (virtio spec 4.2.2, legacy interface).
// devicemgr places one device per 0x200-byte window and forwards reads/writes
// here with the window-relative offset.
const (
	RegMagicValue      = 0x000
	RegVersion         = 0x004
	RegDeviceID        = 0x008
	RegVendorID        = 0x00c
	RegHostFeatures    = 0x010
	RegHostFeaturesSel = 0x014
	RegGuestFeatures   = 0x020
	RegGuestFeaturesSel = 0x024
	RegGuestPageSize   = 0x028
	RegQueueSel        = 0x030
	RegQueueNumMax     = 0x034
	RegQueueNum        = 0x038
	RegQueueAlign      = 0x03c
	RegQueuePFN        = 0x040
	RegQueueNotify     = 0x050
	RegInterruptStatus = 0x060
	RegInterruptACK    = 0x064
	RegStatus          = 0x070
	RegConfigSpace     = 0x100

	magicValue   = 0x74726976 // ASCII "virt", little-endian on the wire
	legacyVersion = 1

	// MMIORegionSize is the size of the register window devicemgr reserves
	// per device; the device's config space lives at RegConfigSpace within it.
	MMIORegionSize = 0x200
)

// mmioCore holds the register state common to every virtio-mmio device,
// independent of which queues or config space the concrete device exposes.
type mmioCore struct {
	deviceID uint32
	vendorID uint32

	queueNUM uint16 // max size of the currently selected queue
	queueSEL uint16
	isr      uint8
	status   uint32

	guestPageSize uint32
}

// readCore answers the registers shared by every device. It reports whether
// it handled offset so callers can fall through to device-specific registers.
func (c *mmioCore) readCore(offset uint64, data []byte) bool {
	switch offset {
	case RegMagicValue:
		binary.LittleEndian.PutUint32(data, magicValue)
	case RegVersion:
		binary.LittleEndian.PutUint32(data, legacyVersion)
	case RegDeviceID:
		binary.LittleEndian.PutUint32(data, c.deviceID)
	case RegVendorID:
		binary.LittleEndian.PutUint32(data, c.vendorID)
	case RegQueueNumMax:
		binary.LittleEndian.PutUint32(data, uint32(c.queueNUM))
	case RegInterruptStatus:
		data[0] = c.isr
	case RegStatus:
		binary.LittleEndian.PutUint32(data, c.status)
	default:
		return false
	}

	return true
}

// writeCore answers the registers shared by every device; see readCore.
func (c *mmioCore) writeCore(offset uint64, data []byte) bool {
	switch offset {
	case RegGuestFeaturesSel, RegHostFeaturesSel, RegGuestFeatures:
		// Single feature bits page; uvmm does not negotiate extended
		// feature pages, so these are accepted and ignored.
	case RegGuestPageSize:
		c.guestPageSize = binary.LittleEndian.Uint32(data)
	case RegQueueSel:
		c.queueSEL = uint16(binary.LittleEndian.Uint32(data))
	case RegInterruptACK:
		c.isr &^= uint8(binary.LittleEndian.Uint32(data))
	case RegStatus:
		c.status = binary.LittleEndian.Uint32(data)
	default:
		return false
	}

	return true
}

// bytesToNum reinterprets a little-endian byte slice (1, 2, 4, or 8 bytes,
// as delivered by the vCPU's MMIO exit) as an unsigned integer.
func bytesToNum(b []byte) uint64 {
	var v uint64
	for i, c := range b {
		v |= uint64(c) << (8 * i)
	}

	return v
}
