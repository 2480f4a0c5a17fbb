package flag

import (
	"log"

	"github.com/alecthomas/kong"

	"github.com/nmi/uvmm/action"
	"github.com/nmi/uvmm/config"
	"github.com/nmi/uvmm/probe"
	"github.com/nmi/uvmm/supervisor"
)

// CLI is the kong-parsed command tree: "boot" starts a microvm directly
// from flags, "probe" checks host KVM capabilities.
type CLI struct {
	Boot  BootCMD  `cmd:"" help:"boot a microvm"`
	Probe ProbeCMD `cmd:"" help:"probe kvm capabilities"`
}

// BootCMD holds the kong-parsed flags of the "boot" subcommand.
type BootCMD struct {
	Dev        string `default:"/dev/kvm"            help:"path of kvm device"                 short:"D"`
	Kernel     string `default:"./bzImage"            help:"kernel image path"                  short:"k"`
	Initrd     string `default:""                     help:"initrd path"                         short:"i"`
	Params     string `default:""                     help:"kernel command-line parameters"      short:"p"`
	TapIfName  string `default:""                     help:"name of tap interface, empty disables networking" short:"t"`
	Disk       string `default:""                     help:"path of disk file (for /dev/vda)"    short:"d"`
	NCPUs      int    `default:"1"                    help:"number of vcpus"                     short:"c"`
	MemSize    string `default:"1G"                   help:"memory size: number[gGmMkK]"         short:"m"`
	TraceCount string `default:"0"                    help:"instructions to skip between trace prints, 0 disables" short:"T"`
}

type ProbeCMD struct{}

func Parse() error {
	c := CLI{}

	programName := "uvmm"
	programDesc := "uvmm is a small Linux KVM-based microVM manager"

	ctx := kong.Parse(&c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	return ctx.Run()
}

func (d *ProbeCMD) Run() error {
	return probe.KVMCapabilities()
}

var defaultBootParams = `console=ttyS0 earlyprintk=serial noapic noacpi notsc ` +
	`debug apic=debug show_lapic=all mitigations=off lapic tsc_early_khz=2000 ` +
	`dyndbg="file arch/x86/kernel/smpboot.c +plf ; file drivers/net/virtio_net.c +plf" pci=realloc=off ` +
	`virtio_pci.force_legacy=1 rdinit=/init init=/init ` +
	`gokvm.ipv4_addr=192.168.20.1/24`

// Run drives the same Configure*/InsertDevice/SetVmConfiguration/
// StartMicroVm sequence an API client would send, one Action at a time
// through a freshly built preboot.Controller, matching the separate-
// sender Action/Outcome protocol of spec §9 instead of calling into a
// VMM constructor directly.
func (s *BootCMD) Run() error {
	memSize, err := ParseSize(s.MemSize, "g")
	if err != nil {
		return err
	}

	params := defaultBootParams
	if s.Params != "" {
		params = s.Params
	}

	pb, rt := supervisor.NewController()

	mustOk := func(o action.Outcome) error {
		if o.Err != nil {
			return o.Err
		}

		return nil
	}

	if err := mustOk(pb.Dispatch(action.Action{
		Op: action.OpSetVmConfiguration,
		VmConfig: &config.VmConfig{
			VCPUCount:  s.NCPUs,
			MemSizeMiB: memSize >> 20,
		},
	})); err != nil {
		return err
	}

	if err := mustOk(pb.Dispatch(action.Action{
		Op: action.OpConfigureBootSource,
		BootSource: &action.ConfigureBootSourcePayload{
			KernelPath: s.Kernel,
			InitrdPath: s.Initrd,
			BootArgs:   params,
		},
	})); err != nil {
		return err
	}

	if s.Disk != "" {
		if err := mustOk(pb.Dispatch(action.Action{
			Op: action.OpInsertBlockDevice,
			BlockDevice: &config.BlockDeviceConfig{
				DriveID:      "blk0",
				PathOnHost:   s.Disk,
				IsRootDevice: true,
			},
		})); err != nil {
			return err
		}
	}

	if s.TapIfName != "" {
		if err := mustOk(pb.Dispatch(action.Action{
			Op: action.OpInsertNetworkDevice,
			NetworkDevice: &config.NetworkInterfaceConfig{
				IfaceID:     "net0",
				HostDevName: s.TapIfName,
			},
		})); err != nil {
			return err
		}
	}

	if err := mustOk(pb.Dispatch(action.Action{Op: action.OpStartMicroVm})); err != nil {
		log.Fatal(err)
	}

	if _, ok := rt(); !ok {
		log.Fatal("boot: microvm did not start")
	}

	handle, _ := pb.Built()

	vmm, ok := handle.(*supervisor.VMM)
	if !ok {
		log.Fatal("boot: unexpected vmm handle type")
	}

	return vmm.Wait()
}
