//nolint:dupl,paralleltest
package kvm_test

import (
	"os"
	"testing"
	"unsafe"

	"github.com/nmi/uvmm/kvm"
)

func uintptrOf[T any](s []T) uintptr {
	return uintptr(unsafe.Pointer(&s[0]))
}

func openKVM(t *testing.T) *os.File {
	t.Helper()

	if os.Getuid() != 0 {
		t.Skipf("Skipping test since we are not root")
	}

	devKVM, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0o644)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { devKVM.Close() })

	return devKVM
}

func TestGetAPIVersion(t *testing.T) {
	devKVM := openKVM(t)

	if _, err := kvm.GetAPIVersion(devKVM.Fd()); err != nil {
		t.Fatal(err)
	}
}

func TestCreateVMAndVCPU(t *testing.T) {
	devKVM := openKVM(t)

	vmFd, err := kvm.CreateVM(devKVM.Fd())
	if err != nil {
		t.Fatal(err)
	}

	if err := kvm.SetTSSAddr(vmFd); err != nil {
		t.Fatal(err)
	}

	if err := kvm.SetIdentityMapAddr(vmFd); err != nil {
		t.Fatal(err)
	}

	if err := kvm.CreateIRQChip(vmFd); err != nil {
		t.Fatal(err)
	}

	if err := kvm.CreatePIT2(vmFd); err != nil {
		t.Fatal(err)
	}

	if _, err := kvm.GetVCPUMMmapSize(devKVM.Fd()); err != nil {
		t.Fatal(err)
	}

	vcpuFd, err := kvm.CreateVCPU(vmFd, 0)
	if err != nil {
		t.Fatal(err)
	}

	if vcpuFd == 0 {
		t.Fatal("CreateVCPU returned a zero fd")
	}
}

func TestCPUIDRoundTrip(t *testing.T) {
	devKVM := openKVM(t)

	vmFd, err := kvm.CreateVM(devKVM.Fd())
	if err != nil {
		t.Fatal(err)
	}

	vcpuFd, err := kvm.CreateVCPU(vmFd, 0)
	if err != nil {
		t.Fatal(err)
	}

	entries := kvm.CPUID{Nent: 100}

	if err := kvm.GetSupportedCPUID(devKVM.Fd(), &entries); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < int(entries.Nent); i++ {
		if entries.Entries[i].Function == kvm.CPUIDSignature {
			entries.Entries[i].Eax = kvm.CPUIDFeatures
		}
	}

	if err := kvm.SetCPUID2(vcpuFd, &entries); err != nil {
		t.Fatal(err)
	}
}

func TestRegsRoundTrip(t *testing.T) {
	devKVM := openKVM(t)

	vmFd, err := kvm.CreateVM(devKVM.Fd())
	if err != nil {
		t.Fatal(err)
	}

	vcpuFd, err := kvm.CreateVCPU(vmFd, 0)
	if err != nil {
		t.Fatal(err)
	}

	regs, err := kvm.GetRegs(vcpuFd)
	if err != nil {
		t.Fatal(err)
	}

	regs.RIP = 0x1000

	if err := kvm.SetRegs(vcpuFd, regs); err != nil {
		t.Fatal(err)
	}

	got, err := kvm.GetRegs(vcpuFd)
	if err != nil {
		t.Fatal(err)
	}

	if got.RIP != 0x1000 {
		t.Fatalf("RIP = %#x, want 0x1000", got.RIP)
	}
}

func TestSregsRoundTrip(t *testing.T) {
	devKVM := openKVM(t)

	vmFd, err := kvm.CreateVM(devKVM.Fd())
	if err != nil {
		t.Fatal(err)
	}

	vcpuFd, err := kvm.CreateVCPU(vmFd, 0)
	if err != nil {
		t.Fatal(err)
	}

	sregs, err := kvm.GetSregs(vcpuFd)
	if err != nil {
		t.Fatal(err)
	}

	if err := kvm.SetSregs(vcpuFd, sregs); err != nil {
		t.Fatal(err)
	}
}

func TestDebugRegsRoundTrip(t *testing.T) {
	devKVM := openKVM(t)

	vmFd, err := kvm.CreateVM(devKVM.Fd())
	if err != nil {
		t.Fatal(err)
	}

	vcpuFd, err := kvm.CreateVCPU(vmFd, 0)
	if err != nil {
		t.Fatal(err)
	}

	var dregs kvm.DebugRegs

	if err := kvm.GetDebugRegs(vcpuFd, &dregs); err != nil {
		t.Fatal(err)
	}

	if err := kvm.SetDebugRegs(vcpuFd, &dregs); err != nil {
		t.Fatal(err)
	}
}

func TestMSRIndexList(t *testing.T) {
	devKVM := openKVM(t)

	list := &kvm.MSRList{}
	if err := kvm.GetMSRIndexList(devKVM.Fd(), list); err != nil {
		t.Fatal(err)
	}

	if list.NMSRs == 0 {
		t.Fatal("expected at least one supported MSR")
	}
}

func TestMSRsRoundTrip(t *testing.T) {
	devKVM := openKVM(t)

	vmFd, err := kvm.CreateVM(devKVM.Fd())
	if err != nil {
		t.Fatal(err)
	}

	vcpuFd, err := kvm.CreateVCPU(vmFd, 0)
	if err != nil {
		t.Fatal(err)
	}

	list := &kvm.MSRList{}
	if err := kvm.GetMSRIndexList(devKVM.Fd(), list); err != nil {
		t.Fatal(err)
	}

	msrs := &kvm.MSRS{
		NMSRs:   list.NMSRs,
		Entries: make([]kvm.MSREntry, list.NMSRs),
	}

	for i := range msrs.Entries {
		msrs.Entries[i].Index = list.Indicies[i]
	}

	if err := kvm.GetMSRs(vcpuFd, msrs); err != nil {
		t.Fatal(err)
	}

	if err := kvm.SetMSRs(vcpuFd, msrs); err != nil {
		t.Fatal(err)
	}
}

func TestLocalAPICRoundTrip(t *testing.T) {
	devKVM := openKVM(t)

	vmFd, err := kvm.CreateVM(devKVM.Fd())
	if err != nil {
		t.Fatal(err)
	}

	if err := kvm.CreateIRQChip(vmFd); err != nil {
		t.Fatal(err)
	}

	vcpuFd, err := kvm.CreateVCPU(vmFd, 0)
	if err != nil {
		t.Fatal(err)
	}

	var lapic kvm.LAPICState

	if err := kvm.GetLocalAPIC(vcpuFd, &lapic); err != nil {
		t.Fatal(err)
	}

	if err := kvm.SetLocalAPIC(vcpuFd, &lapic); err != nil {
		t.Fatal(err)
	}
}

func TestVCPUEventsRoundTrip(t *testing.T) {
	devKVM := openKVM(t)

	vmFd, err := kvm.CreateVM(devKVM.Fd())
	if err != nil {
		t.Fatal(err)
	}

	vcpuFd, err := kvm.CreateVCPU(vmFd, 0)
	if err != nil {
		t.Fatal(err)
	}

	var events kvm.VCPUEvents

	if err := kvm.GetVCPUEvents(vcpuFd, &events); err != nil {
		t.Fatal(err)
	}

	if err := kvm.SetVCPUEvents(vcpuFd, &events); err != nil {
		t.Fatal(err)
	}
}

func TestMPStateRoundTrip(t *testing.T) {
	devKVM := openKVM(t)

	vmFd, err := kvm.CreateVM(devKVM.Fd())
	if err != nil {
		t.Fatal(err)
	}

	vcpuFd, err := kvm.CreateVCPU(vmFd, 0)
	if err != nil {
		t.Fatal(err)
	}

	var mps kvm.MPState

	if err := kvm.GetMPState(vcpuFd, &mps); err != nil {
		t.Fatal(err)
	}

	if err := kvm.SetMPState(vcpuFd, &mps); err != nil {
		t.Fatal(err)
	}
}

func TestXCRSRoundTrip(t *testing.T) {
	devKVM := openKVM(t)

	vmFd, err := kvm.CreateVM(devKVM.Fd())
	if err != nil {
		t.Fatal(err)
	}

	vcpuFd, err := kvm.CreateVCPU(vmFd, 0)
	if err != nil {
		t.Fatal(err)
	}

	var xcrs kvm.XCRS

	if err := kvm.GetXCRS(vcpuFd, &xcrs); err != nil {
		t.Fatal(err)
	}

	if err := kvm.SetXCRS(vcpuFd, &xcrs); err != nil {
		t.Fatal(err)
	}
}

func TestClockRoundTrip(t *testing.T) {
	devKVM := openKVM(t)

	vmFd, err := kvm.CreateVM(devKVM.Fd())
	if err != nil {
		t.Fatal(err)
	}

	var cd kvm.ClockData

	if err := kvm.GetClock(vmFd, &cd); err != nil {
		t.Fatal(err)
	}

	if err := kvm.SetClock(vmFd, &cd); err != nil {
		t.Fatal(err)
	}
}

func TestIRQChipRoundTrip(t *testing.T) {
	devKVM := openKVM(t)

	vmFd, err := kvm.CreateVM(devKVM.Fd())
	if err != nil {
		t.Fatal(err)
	}

	if err := kvm.CreateIRQChip(vmFd); err != nil {
		t.Fatal(err)
	}

	for chipID := uint32(0); chipID < 3; chipID++ {
		chip := &kvm.IRQChip{ChipID: chipID}

		if err := kvm.GetIRQChip(vmFd, chip); err != nil {
			t.Fatal(err)
		}

		if err := kvm.SetIRQChip(vmFd, chip); err != nil {
			t.Fatal(err)
		}
	}
}

func TestPIT2RoundTrip(t *testing.T) {
	devKVM := openKVM(t)

	vmFd, err := kvm.CreateVM(devKVM.Fd())
	if err != nil {
		t.Fatal(err)
	}

	if err := kvm.CreateIRQChip(vmFd); err != nil {
		t.Fatal(err)
	}

	if err := kvm.CreatePIT2(vmFd); err != nil {
		t.Fatal(err)
	}

	var pit kvm.PITState2

	if err := kvm.GetPIT2(vmFd, &pit); err != nil {
		t.Fatal(err)
	}

	if err := kvm.SetPIT2(vmFd, &pit); err != nil {
		t.Fatal(err)
	}
}

func TestUserMemoryRegionAndDirtyLog(t *testing.T) {
	devKVM := openKVM(t)

	vmFd, err := kvm.CreateVM(devKVM.Fd())
	if err != nil {
		t.Fatal(err)
	}

	const size = 1 << 20

	mem := make([]byte, size)

	region := &kvm.UserspaceMemoryRegion{
		Slot:          0,
		GuestPhysAddr: 0,
		MemorySize:    size,
		UserspaceAddr: uint64(uintptrOf(mem)),
	}
	region.SetMemLogDirtyPages()

	if err := kvm.SetUserMemoryRegion(vmFd, region); err != nil {
		t.Fatal(err)
	}

	bitmap := make([]uint64, (size/4096+63)/64)

	dl := &kvm.DirtyLog{Slot: 0, BitMap: uint64(uintptrOf(bitmap))}
	if err := kvm.GetDirtyLog(vmFd, dl); err != nil {
		t.Fatal(err)
	}
}

func TestIRQLine(t *testing.T) {
	devKVM := openKVM(t)

	vmFd, err := kvm.CreateVM(devKVM.Fd())
	if err != nil {
		t.Fatal(err)
	}

	if err := kvm.CreateIRQChip(vmFd); err != nil {
		t.Fatal(err)
	}

	if err := kvm.IRQLine(vmFd, 4, 1); err != nil {
		t.Fatal(err)
	}

	if err := kvm.IRQLine(vmFd, 4, 0); err != nil {
		t.Fatal(err)
	}
}

func TestCheckExtension(t *testing.T) {
	devKVM := openKVM(t)

	slots, err := kvm.CheckExtension(devKVM.Fd(), kvm.CapNRMemSlots)
	if err != nil {
		t.Fatal(err)
	}

	if slots <= 0 {
		t.Fatal("expected a positive memory slot budget")
	}
}
