package kvm

import (
	"unsafe"
)

// CPUID leaf numbers and feature bits this package cares about directly.
const (
	// CPUIDSignature is the leaf (0x40000000 + KVM's offset) whose EBX/ECX/EDX
	// spell out a hypervisor signature string.
	CPUIDSignature = 0x40000001

	// CPUIDFeatures is the value initCPUID writes into EAX at CPUIDSignature
	// to advertise the KVM clock and steal-time paravirt features.
	CPUIDFeatures = (1 << 0) | (1 << 3)

	// CPUIDFuncPerMon is the architectural performance monitoring leaf,
	// disabled because KVM cannot emulate it faithfully across hosts.
	CPUIDFuncPerMon = 0x0A
)

// CPUID is the set of CPUID entries returned by GetCPUID.
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [100]CPUIDEntry2
}

// CPUIDEntry2 is one entry for CPUID. It took 2 tries to get it right :-)
// Thanks x86 :-).
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

// cpuid2HeaderSize is sizeof(struct kvm_cpuid2), the size the kernel encodes
// into the CPUID ioctl numbers: the header only, not the entries after it.
const cpuid2HeaderSize = 8

// GetSupportedCPUID gets all supported CPUID entries for a vm.
func GetSupportedCPUID(kvmFd uintptr, kvmCPUID *CPUID) error {
	_, err := Ioctl(kvmFd,
		IIOWR(kvmGetSupportedCPUID, cpuid2HeaderSize),
		uintptr(unsafe.Pointer(kvmCPUID)))

	return err
}

// SetCPUID2 sets entries for a vCPU.
// The progression is, hence, get the CPUID entries for a vm, then set them into
// individual vCPUs. This seems odd, but in fact lets code tailor CPUID entries
// as needed.
func SetCPUID2(vcpuFd uintptr, kvmCPUID *CPUID) error {
	_, err := Ioctl(vcpuFd,
		IIOW(kvmSetCPUID2, cpuid2HeaderSize),
		uintptr(unsafe.Pointer(kvmCPUID)))

	return err
}
