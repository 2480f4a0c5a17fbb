package device

import "errors"

var errDataLenInvalid = errors.New("invalid data size on port")

// IODevice describes the interface an IO-port device must implement
// regardless of the bus it is attached to. Devices addressed over MMIO
// instead (virtio.Blk, virtio.Net) implement devicemgr.MMIODevice instead.
type IODevice interface {
	Read(uint64, []byte) error
	Write(uint64, []byte) error
	IOPort() uint64
	Size() uint64
}
