package kvm

import "unsafe"

// MSREntry is one model-specific-register index/value pair.
type MSREntry struct {
	Index uint32
	_     uint32
	Data  uint64
}

// MSRS is the variable-length MSR list used by GetMSRs/SetMSRs. The kernel
// struct carries NMSRs followed by a flexible array of entries; since Go has
// no flexible array members, GetMSRs/SetMSRs marshal Entries into a
// contiguous buffer themselves rather than taking &MSRS{} directly.
type MSRS struct {
	NMSRs   uint32
	Entries []MSREntry
}

func (m *MSRS) marshal() []byte {
	const headerSize = 8 // NMSRs uint32 + pad uint32

	buf := make([]byte, headerSize+len(m.Entries)*int(unsafe.Sizeof(MSREntry{})))
	*(*uint32)(unsafe.Pointer(&buf[0])) = uint32(len(m.Entries))

	if len(m.Entries) > 0 {
		copy(buf[headerSize:], unsafe.Slice((*byte)(unsafe.Pointer(&m.Entries[0])), len(m.Entries)*int(unsafe.Sizeof(MSREntry{}))))
	}

	return buf
}

func (m *MSRS) unmarshal(buf []byte) {
	const headerSize = 8

	entrySize := int(unsafe.Sizeof(MSREntry{}))
	for i := range m.Entries {
		off := headerSize + i*entrySize
		if off+entrySize > len(buf) {
			break
		}

		m.Entries[i] = *(*MSREntry)(unsafe.Pointer(&buf[off]))
	}
}

// GetMSRs reads the current value of each MSR named in msrs.Entries[i].Index.
func GetMSRs(vcpuFd uintptr, msrs *MSRS) error {
	buf := msrs.marshal()

	_, err := Ioctl(vcpuFd, IIOWR(kvmGetMSRs, 8), uintptr(unsafe.Pointer(&buf[0])))
	if err != nil {
		return err
	}

	msrs.unmarshal(buf)

	return nil
}

// SetMSRs writes msrs.Entries into the vCPU.
func SetMSRs(vcpuFd uintptr, msrs *MSRS) error {
	buf := msrs.marshal()

	_, err := Ioctl(vcpuFd, IIOW(kvmSetMSRs, 8), uintptr(unsafe.Pointer(&buf[0])))

	return err
}

// LAPICState mirrors struct kvm_lapic_state: the first 1 KiB of the local
// APIC's memory-mapped register window, saved/restored byte for byte.
type LAPICState struct {
	Regs [1024]byte
}

// GetLocalAPIC reads the vCPU's local APIC register state.
func GetLocalAPIC(vcpuFd uintptr, lapic *LAPICState) error {
	_, err := Ioctl(vcpuFd, IIOR(kvmGetLocalAPIC, unsafe.Sizeof(*lapic)), uintptr(unsafe.Pointer(lapic)))

	return err
}

// SetLocalAPIC writes the vCPU's local APIC register state.
func SetLocalAPIC(vcpuFd uintptr, lapic *LAPICState) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetLocalAPIC, unsafe.Sizeof(*lapic)), uintptr(unsafe.Pointer(lapic)))

	return err
}

// VCPUEvents mirrors struct kvm_vcpu_events: pending exceptions,
// interrupts, NMI, and SIPI state that does not fit in Regs/Sregs.
type VCPUEvents struct {
	ExceptionInjected  uint8
	ExceptionNR        uint8
	ExceptionHasCode   uint8
	_                  uint8
	ExceptionErrorCode uint32

	InterruptInjected uint8
	InterruptNR       uint8
	InterruptSoft     uint8
	InterruptShadow   uint8

	NMIInjected uint8
	NMIPending  uint8
	NMIMasked   uint8
	_           uint8

	SIPIVector uint32
	Flags      uint32

	SMMSMM         uint8
	SMMPending     uint8
	SMMInsideNMI   uint8
	SMMLatchedInit uint8

	ExceptionHasPayload uint8
	ExceptionPayload    uint64

	_ [6]uint32
}

// GetVCPUEvents reads pending exception/interrupt/NMI state.
func GetVCPUEvents(vcpuFd uintptr, events *VCPUEvents) error {
	_, err := Ioctl(vcpuFd, IIOR(kvmGetVCPUEvents, unsafe.Sizeof(*events)), uintptr(unsafe.Pointer(events)))

	return err
}

// SetVCPUEvents writes pending exception/interrupt/NMI state.
func SetVCPUEvents(vcpuFd uintptr, events *VCPUEvents) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetVCPUEvents, unsafe.Sizeof(*events)), uintptr(unsafe.Pointer(events)))

	return err
}

// MPState mirrors struct kvm_mp_state: the vCPU's multiprocessor run state
// (runnable, halted, init-received, ...).
type MPState struct {
	State uint32
}

// GetMPState reads the vCPU's multiprocessor state.
func GetMPState(vcpuFd uintptr, mps *MPState) error {
	_, err := Ioctl(vcpuFd, IIOR(kvmGetMPState, unsafe.Sizeof(*mps)), uintptr(unsafe.Pointer(mps)))

	return err
}

// SetMPState writes the vCPU's multiprocessor state.
func SetMPState(vcpuFd uintptr, mps *MPState) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetMPState, unsafe.Sizeof(*mps)), uintptr(unsafe.Pointer(mps)))

	return err
}

// XCRS mirrors struct kvm_xcrs: extended control register state (XCR0 and
// friends) needed to restore AVX/SSE execution state exactly.
type XCRS struct {
	NRXCRs uint32
	Flags  uint32
	XCRs   [16]struct {
		XCR   uint32
		_     uint32
		Value uint64
	}
	_ [16]uint64
}

// GetXCRS reads the vCPU's extended control registers.
func GetXCRS(vcpuFd uintptr, xcrs *XCRS) error {
	_, err := Ioctl(vcpuFd, IIOR(kvmGetXCRS, unsafe.Sizeof(*xcrs)), uintptr(unsafe.Pointer(xcrs)))

	return err
}

// SetXCRS writes the vCPU's extended control registers.
func SetXCRS(vcpuFd uintptr, xcrs *XCRS) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetXCRS, unsafe.Sizeof(*xcrs)), uintptr(unsafe.Pointer(xcrs)))

	return err
}

// ClockData mirrors struct kvm_clock_data: the guest's kvmclock value,
// saved so wall-clock-derived timers stay monotonic across a snapshot.
type ClockData struct {
	Clock uint64
	Flags uint32
	_     uint32
	_     [2]uint64
	_     [4]uint32
}

// GetClock reads the VM's kvmclock state.
func GetClock(vmFd uintptr, cd *ClockData) error {
	_, err := Ioctl(vmFd, IIOR(kvmGetClock, unsafe.Sizeof(*cd)), uintptr(unsafe.Pointer(cd)))

	return err
}

// SetClock writes the VM's kvmclock state.
func SetClock(vmFd uintptr, cd *ClockData) error {
	_, err := Ioctl(vmFd, IIOW(kvmSetClock, unsafe.Sizeof(*cd)), uintptr(unsafe.Pointer(cd)))

	return err
}

// DirtyLog mirrors struct kvm_dirty_log: BitMap is a userspace pointer
// (passed as a raw uint64) to a bitmap sized one bit per page of the slot.
type DirtyLog struct {
	Slot   uint32
	_      uint32
	BitMap uint64
}

// GetDirtyLog fetches and atomically clears the dirty-page bitmap for
// dl.Slot into the buffer dl.BitMap points at.
func GetDirtyLog(vmFd uintptr, dl *DirtyLog) error {
	_, err := Ioctl(vmFd, IIOW(kvmGetDirtyLog, unsafe.Sizeof(*dl)), uintptr(unsafe.Pointer(dl)))

	return err
}
