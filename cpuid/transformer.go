package cpuid

import (
	"strings"

	"github.com/nmi/uvmm/kvm"
)

// Standard brand-string leaf range (CPUID functions 0x8000_0002-0x8000_0004),
// 16 ASCII bytes each across eax/ebx/ecx/edx, per the Intel SDM and AMD APM.
const (
	brandStringLeafLo = 0x80000002
	brandStringLeafHi = 0x80000004
)

// VMSpec threads the VM-wide identity a transform needs: the detected
// vendor, the target vCPU's APIC id, the total vCPU count, whether HT is
// enabled, and the brand string to stamp into the guest-visible leaves.
type VMSpec struct {
	VendorID    string
	CPUID       uint32
	CPUCount    int
	HTEnabled   bool
	BrandString string
}

// TransformFunc mutates one CPUID entry in place given the VM identity.
// It must never change Function/Index (that would change which leaf this
// is) and must not be used to grow or shrink the entry vector.
type TransformFunc func(entry *kvm.CPUIDEntry2, spec VMSpec)

// EntryTransformer is the vendor-polymorphic contract of spec §4.10: for
// a given CPUID leaf (function), it returns the transform to apply, or
// nil if that leaf passes through unmodified.
type EntryTransformer interface {
	EntryTransformerFor(function uint32) TransformFunc
}

// VendorIDIntel and VendorIDAMD are the CPUID-leaf-0 EBX:EDX:ECX vendor
// strings (same encoding cpuid_test.go already checks for).
const (
	VendorIDIntel = "GenuineIntel"
	VendorIDAMD   = "AuthenticAMD"
)

// DetectVendor reads CPUID leaf 0 from the host and decodes its vendor
// string.
func DetectVendor() string {
	_, ebx, ecx, edx := CPUID(0)

	var b strings.Builder

	for _, x := range []uint32{ebx, edx, ecx} {
		b.WriteByte(byte(x))
		b.WriteByte(byte(x >> 8))
		b.WriteByte(byte(x >> 16))
		b.WriteByte(byte(x >> 24))
	}

	return b.String()
}

// NewEntryTransformer returns the concrete transformer for vendorID
// (falling back to Intel for an unrecognized vendor string, the same
// default KVM itself assumes when emulating an unknown host).
func NewEntryTransformer(vendorID string) EntryTransformer {
	if vendorID == VendorIDAMD {
		return AMDTransformer{}
	}

	return IntelTransformer{}
}

// IntelTransformer is the Intel-variant CPUID entry transformer.
type IntelTransformer struct{}

func (IntelTransformer) EntryTransformerFor(function uint32) TransformFunc {
	switch {
	case function == kvm.CPUIDFuncPerMon:
		return disablePerfMon
	case function == kvm.CPUIDSignature:
		return kvmSignature
	case function >= brandStringLeafLo && function <= brandStringLeafHi:
		return brandStringTransform
	case function == 0x1:
		return htTransform
	default:
		return nil
	}
}

// AMDTransformer is the AMD-variant CPUID entry transformer. AMD has no
// architectural performance-monitoring leaf at 0x0A (that is an
// Intel-specific function number), so it only needs the shared KVM
// signature, HT, and brand-string transforms.
type AMDTransformer struct{}

func (AMDTransformer) EntryTransformerFor(function uint32) TransformFunc {
	switch {
	case function == kvm.CPUIDSignature:
		return kvmSignature
	case function >= brandStringLeafLo && function <= brandStringLeafHi:
		return brandStringTransform
	case function == 0x1:
		return htTransform
	default:
		return nil
	}
}

func disablePerfMon(entry *kvm.CPUIDEntry2, spec VMSpec) {
	entry.Eax = 0
}

func kvmSignature(entry *kvm.CPUIDEntry2, spec VMSpec) {
	entry.Eax = kvm.CPUIDFeatures
	entry.Ebx = 0x4b4d564b // "KVMK"
	entry.Ecx = 0x564b4d56 // "VMKV"
	entry.Edx = 0x4d       // "M"
}

// htTransform sets or clears the HT (Hyper-Threading/multi-core) feature
// bit in leaf 1's EDX and stamps the logical-processor-count field in EBX
// bits 16-23, per the Intel SDM's description of CPUID.01H.
func htTransform(entry *kvm.CPUIDEntry2, spec VMSpec) {
	const (
		htBitEdx         = 1 << 28
		logicalCountMask = 0xff << 16
	)

	if spec.HTEnabled && spec.CPUCount > 1 {
		entry.Edx |= htBitEdx
	} else {
		entry.Edx &^= htBitEdx
	}

	entry.Ebx = (entry.Ebx &^ logicalCountMask) | (uint32(spec.CPUCount)&0xff)<<16
}

// brandStringTransform overwrites one of the three 16-byte brand-string
// leaves with the vendor-appropriate computed string (spec §4.10's
// contract: never add/remove leaves, only mutate the ones present).
func brandStringTransform(entry *kvm.CPUIDEntry2, spec VMSpec) {
	full := computeBrandString(spec)
	padded := make([]byte, 48)
	copy(padded, full)

	chunk := int(entry.Function-brandStringLeafLo) * 16
	b := padded[chunk : chunk+16]

	entry.Eax = leU32(b[0:4])
	entry.Ebx = leU32(b[4:8])
	entry.Ecx = leU32(b[8:12])
	entry.Edx = leU32(b[12:16])
}

func leU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// computeBrandString builds the 48-byte (NUL-padded) brand string stamped
// into the guest's CPUID.80000002h-80000004h leaves. If the caller
// supplied one (spec.BrandString), it is used verbatim (truncated to 48
// bytes); otherwise a vendor-appropriate default is synthesized, mirroring
// the vendor split original_source/cpuid/src/transformer/mod.rs makes
// between Intel and AMD banner strings.
func computeBrandString(spec VMSpec) string {
	if spec.BrandString != "" {
		return spec.BrandString
	}

	switch spec.VendorID {
	case VendorIDAMD:
		return "AMD EPYC Processor (uvmm)"
	default:
		return "Intel(R) Xeon(R) Processor (uvmm)"
	}
}

// ApplyTransforms walks every entry in ids and applies whatever transform
// t returns for that entry's Function, threading spec through. It never
// adds or removes entries (spec §4.10's contract).
func ApplyTransforms(ids *kvm.CPUID, t EntryTransformer, spec VMSpec) {
	for i := 0; i < int(ids.Nent); i++ {
		entry := &ids.Entries[i]

		fn := t.EntryTransformerFor(entry.Function)
		if fn == nil {
			continue
		}

		fn(entry, spec)
	}
}
