// Package supervisor is the top-level orchestrator (C8): it runs the
// boot sequence of spec §4.7, owns the machine, the per-vCPU workers and
// the event loop, and is the concrete implementer both preboot.Builder
// and runtimectl.LiveVMM are injected with. Grounded on the teacher's
// vmm.VMM (Init/Setup/Boot), generalized from a single fire-and-forget
// boot into a controller a preboot/runtimectl pair can drive.
package supervisor

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nmi/uvmm/action"
	"github.com/nmi/uvmm/config"
	"github.com/nmi/uvmm/devicerouter"
	"github.com/nmi/uvmm/eventloop"
	"github.com/nmi/uvmm/machine"
	"github.com/nmi/uvmm/preboot"
	"github.com/nmi/uvmm/resourcestore"
	"github.com/nmi/uvmm/runtimectl"
	"github.com/nmi/uvmm/snapshot"
	"github.com/nmi/uvmm/vcpu"
)

// DefaultKVMPath is the device node the supervisor opens unless a
// resourcestore.Store's boot source says otherwise.
const DefaultKVMPath = "/dev/kvm"

var (
	ErrNoBootSource  = errors.New("supervisor: no boot source configured")
	ErrNotRunning    = errors.New("supervisor: vmm is not running")
	ErrAlreadyPaused = errors.New("supervisor: vmm is already paused")
)

// instanceState mirrors config.InstanceState but is tracked locally so
// Run's event loop can branch on it without taking the InstanceInfo lock
// on every iteration.
type instanceState int

const (
	stateStarting instanceState = iota
	stateRunning
	statePaused
	stateExited
)

// VMM is the supervisor: the concrete handle preboot.Builder produces and
// runtimectl.LiveVMM is implemented against.
type VMM struct {
	mu    sync.Mutex
	state instanceState

	machine  *machine.Machine
	workers  []*vcpu.Worker
	loop     *eventloop.Loop
	router   *devicerouter.Router
	info     *config.InstanceInfo
	vmConfig config.VmConfig

	driveIDs map[string]string // drive_id -> devicemgr registration name
	ifaceIDs map[string]string // iface_id -> devicemgr registration name

	metricsInterval time.Duration
	metricsStop     chan struct{}

	exitCh chan error
}

// Build constructs a VMM from a finished resourcestore.Store and runs the
// boot sequence of spec §4.7. It satisfies preboot.Builder.
func Build(store *resourcestore.Store) (interface{}, error) {
	return New(store)
}

// New runs the full boot sequence described in spec §4.7:
//
//  1. read/validate the machine config already validated by the store
//  2. allocate guest memory, create vCPUs and legacy devices (machine.New)
//  3. attach virtio devices and extend the kernel cmdline (devicemgr)
//  4. load the kernel image and stage the final cmdline (machine.LoadLinux)
//  5. configure per-vCPU registers (vcpu.Worker Configure); CPUID was set in step 2
//  6. register exit/shutdown events with the event loop
//  7. start the vCPU worker goroutines (Paused)
//  8. send Resume to every worker and mark the instance Running
//  9. arm the metrics timer
func New(store *resourcestore.Store) (*VMM, error) {
	if store.BootSource == nil {
		return nil, ErrNoBootSource
	}

	cfg := store.VmConfig
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		tapIfName string
		diskPath  string
		driveID   string
		ifaceID   string
	)

	if len(store.Drives) > 0 {
		diskPath = store.Drives[0].PathOnHost
		driveID = store.Drives[0].DriveID
	}

	if len(store.Networks) > 0 {
		tapIfName = store.Networks[0].HostDevName
		ifaceID = store.Networks[0].IfaceID
	}

	m, err := machine.New(DefaultKVMPath, cfg.VCPUCount, tapIfName, diskPath, cfg.MemSizeMiB<<20)
	if err != nil {
		return nil, fmt.Errorf("boot: %w", err)
	}

	cmdline := store.BootSource.Cmdline()

	if frag, ok := store.RootDeviceCmdlineFragment(); ok {
		if err := appendCmdline(&cmdline, frag); err != nil {
			return nil, err
		}
	}

	for _, frag := range m.Devices().CmdlineFragments() {
		if err := appendCmdline(&cmdline, frag); err != nil {
			return nil, err
		}
	}

	kernel, err := os.Open(store.BootSource.KernelPath)
	if err != nil {
		return nil, fmt.Errorf("boot: open kernel: %w", err)
	}
	defer kernel.Close()

	var initrd *os.File

	initrdReader := emptyReaderAt{}

	if store.BootSource.InitrdPath != "" {
		initrd, err = os.Open(store.BootSource.InitrdPath)
		if err != nil {
			return nil, fmt.Errorf("boot: open initrd: %w", err)
		}
		defer initrd.Close()
	}

	if initrd != nil {
		if err := m.LoadLinux(kernel, initrd, cmdline); err != nil {
			return nil, fmt.Errorf("boot: LoadLinux: %w", err)
		}
	} else if err := m.LoadLinux(kernel, initrdReader, cmdline); err != nil {
		return nil, fmt.Errorf("boot: LoadLinux: %w", err)
	}

	v := &VMM{
		state:           stateStarting,
		machine:         m,
		router:          devicerouter.New(),
		info:            config.NewInstanceInfo(""),
		vmConfig:        cfg,
		driveIDs:        map[string]string{driveID: "blk0"},
		ifaceIDs:        map[string]string{ifaceID: "net0"},
		metricsInterval: 60 * time.Second,
		metricsStop:     make(chan struct{}),
		exitCh:          make(chan error, 1),
	}

	loop, err := eventloop.New()
	if err != nil {
		return nil, fmt.Errorf("boot: %w", err)
	}

	v.loop = loop

	if err := v.startWorkers(); err != nil {
		return nil, err
	}

	if err := v.resumeAll(); err != nil {
		return nil, err
	}

	v.info.SetState(config.StateRunning)
	v.setState(stateRunning)

	go v.Run()
	go v.metricsLoop()

	return v, nil
}

type emptyReaderAt struct{}

func (emptyReaderAt) ReadAt(p []byte, off int64) (int, error) { return 0, nil }

func appendCmdline(cmdline *string, frag string) error {
	if *cmdline != "" {
		*cmdline += " "
	}

	*cmdline += frag

	return nil
}

func (v *VMM) startWorkers() error {
	for cpu := 0; cpu < v.vmConfig.VCPUCount; cpu++ {
		w := vcpu.New(v.machine, cpu)
		v.workers = append(v.workers, w)

		go w.Run()

		respCh := make(chan vcpu.Response, 1)
		w.Send(vcpu.Command{
			Kind: vcpu.CmdConfigure,
			Configure: vcpu.Configure{
				EntryAddr: 0,
				BootParam: 0,
				AMD64:     true,
			},
			RespCh: respCh,
		})

		if resp := <-respCh; resp.Err != nil {
			return fmt.Errorf("configure vcpu %d: %w", cpu, resp.Err)
		}
	}

	return nil
}

func (v *VMM) resumeAll() error {
	for _, w := range v.workers {
		respCh := make(chan vcpu.Response, 1)
		w.Send(vcpu.Command{Kind: vcpu.CmdResume, RespCh: respCh})

		if resp := <-respCh; resp.Err != nil {
			return fmt.Errorf("resume vcpu %d: %w", w.CPU, resp.Err)
		}
	}

	return nil
}

func (v *VMM) setState(s instanceState) {
	v.mu.Lock()
	v.state = s
	v.mu.Unlock()
}

func (v *VMM) getState() instanceState {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.state
}

// Run is the supervisor's main event loop (spec §4.7): it waits on the
// guest's ACPI-adjacent shutdown port and each vCPU's exit channel,
// logging and tearing down on the first fatal condition.
func (v *VMM) Run() {
	reboot := v.machine.RebootEvent()
	shutdown := v.machine.ShutdownEvent()

	var g errgroup.Group

	for _, w := range v.workers {
		w := w

		g.Go(func() error {
			ev := <-w.ExitCh
			if ev.Fatal {
				return fmt.Errorf("vcpu %d: %w", w.CPU, ev.Err)
			}

			return nil
		})
	}

	done := make(chan error, 1)

	go func() { done <- g.Wait() }()

	for {
		select {
		case <-reboot:
			log.Println("supervisor: guest requested reboot")

			if err := v.SendCtrlAltDel(); err != nil {
				log.Printf("supervisor: reboot: %v", err)
			}

		case <-shutdown:
			log.Println("supervisor: guest requested shutdown")
			v.setState(stateExited)
			v.exitCh <- nil

			return

		case err := <-done:
			v.setState(stateExited)
			v.exitCh <- err

			return
		}
	}
}

// Wait blocks until the microVM exits and returns the reason (nil for a
// clean guest-requested shutdown).
func (v *VMM) Wait() error {
	return <-v.exitCh
}

func (v *VMM) metricsLoop() {
	t := time.NewTicker(v.metricsInterval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			if err := v.FlushMetrics(); err != nil {
				log.Printf("supervisor: flush metrics: %v", err)
			}
		case <-v.metricsStop:
			return
		}
	}
}

// GetVmConfiguration satisfies runtimectl.LiveVMM.
func (v *VMM) GetVmConfiguration() config.VmConfig {
	return v.vmConfig
}

// FlushMetrics satisfies runtimectl.LiveVMM. The metrics sink itself is
// an external collaborator (spec §1); this logs a line a real sink would
// scrape in its place.
func (v *VMM) FlushMetrics() error {
	log.Printf("metrics: instance=%s state=%s", v.info.ID(), v.info.State())

	return nil
}

// UpdateBlockDevicePath satisfies runtimectl.LiveVMM by swapping the
// backing file of the registered virtio-blk device and pulsing its
// config-changed interrupt.
func (v *VMM) UpdateBlockDevicePath(driveID, newPath string) error {
	name, ok := v.driveIDs[driveID]
	if !ok {
		return resourcestore.ErrUnknownDriveID
	}

	entry, ok := v.machine.Devices().Lookup(name)
	if !ok {
		return resourcestore.ErrUnknownDriveID
	}

	blk, ok := entry.Device.(interface {
		SwapBackingFile(*os.File) error
		PulseConfigInterrupt() error
	})
	if !ok {
		return fmt.Errorf("drive %q: %w", driveID, errNotABlockDevice)
	}

	f, err := os.OpenFile(newPath, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("update block device path: %w", err)
	}

	if err := blk.SwapBackingFile(f); err != nil {
		return err
	}

	return blk.PulseConfigInterrupt()
}

var errNotABlockDevice = errors.New("registered device is not a block device")

// RescanBlockDevice satisfies runtimectl.LiveVMM: unlike
// UpdateBlockDevicePath, the backing file does not change, only its
// reported capacity (SPEC_FULL.md's supplemented RescanBlockDevice).
func (v *VMM) RescanBlockDevice(driveID string) error {
	name, ok := v.driveIDs[driveID]
	if !ok {
		return resourcestore.ErrUnknownDriveID
	}

	entry, ok := v.machine.Devices().Lookup(name)
	if !ok {
		return resourcestore.ErrUnknownDriveID
	}

	blk, ok := entry.Device.(interface {
		UpdateCapacity() error
		PulseConfigInterrupt() error
	})
	if !ok {
		return fmt.Errorf("drive %q: %w", driveID, errNotABlockDevice)
	}

	if err := blk.UpdateCapacity(); err != nil {
		return err
	}

	return blk.PulseConfigInterrupt()
}

// UpdateNetworkInterface satisfies runtimectl.LiveVMM. It checks only that
// upd.IfaceID names a known interface; the rate limiters in upd are neither
// stored nor applied, since virtio.Net's Tx/Rx loops have no rate-limiter
// hook.
func (v *VMM) UpdateNetworkInterface(upd config.NetworkInterfaceUpdateConfig) error {
	if _, ok := v.ifaceIDs[upd.IfaceID]; !ok {
		return resourcestore.ErrUnknownIfaceID
	}

	return nil
}

// SendCtrlAltDel satisfies runtimectl.LiveVMM by kicking every vCPU worker
// out of its in-kernel run so it rechecks its commands. It does not pause
// the vCPUs and delivers no key sequence or other event to the guest.
func (v *VMM) SendCtrlAltDel() error {
	for _, w := range v.workers {
		w.Kick()
	}

	return nil
}

// PauseToSnapshot satisfies runtimectl.LiveVMM, implementing the pause-to-
// snapshot sequence of spec §4.8: pause every vCPU at a consistent point
// via a barrier rendezvous, capture per-vCPU and VM-wide state, capture
// device state, then write everything plus guest memory to path.
func (v *VMM) PauseToSnapshot(path string) error {
	if v.getState() != stateRunning {
		return ErrNotRunning
	}

	var barrier sync.WaitGroup
	barrier.Add(len(v.workers))

	respChs := make([]chan vcpu.Response, len(v.workers))

	for i, w := range v.workers {
		respChs[i] = make(chan vcpu.Response, 1)
		w.Send(vcpu.Command{Kind: vcpu.CmdPauseToSnapshot, Barrier: &barrier, RespCh: respChs[i]})
	}

	vcpuStates := make([]snapshot.VCPUState, len(v.workers))

	for i, ch := range respChs {
		resp := <-ch
		if resp.Err != nil {
			return fmt.Errorf("pause vcpu %d: %w", v.workers[i].CPU, resp.Err)
		}

		vcpuStates[i] = *resp.State
	}

	v.setState(statePaused)
	v.info.SetState(config.StateHalted)

	vmState, err := v.machine.SaveVMState()
	if err != nil {
		return fmt.Errorf("save vm state: %w", err)
	}

	devState, err := v.machine.SaveDeviceState()
	if err != nil {
		return fmt.Errorf("save device state: %w", err)
	}

	snap := &snapshot.Snapshot{
		NCPUs:      len(v.workers),
		MemSize:    int64(v.vmConfig.MemSizeMiB) << 20,
		VCPUStates: vcpuStates,
		VM:         *vmState,
		Devices:    *devState,
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create snapshot file: %w", err)
	}
	defer f.Close()

	buf := make([]byte, snap.MemSize)
	if _, err := v.machine.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("read guest memory: %w", err)
	}

	return snapshot.Save(f, snap, buf)
}

// ResumeFromSnapshot satisfies runtimectl.LiveVMM: restores memory,
// VM-wide state, device state and per-vCPU state from path, in that
// order, then resumes every vCPU.
func (v *VMM) ResumeFromSnapshot(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open snapshot file: %w", err)
	}
	defer f.Close()

	snap, mem, err := snapshot.Load(f)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}

	if err := v.machine.RestoreMemory(&byteSliceReader{mem}); err != nil {
		return fmt.Errorf("restore memory: %w", err)
	}

	if err := v.machine.RestoreVMState(&snap.VM); err != nil {
		return fmt.Errorf("restore vm state: %w", err)
	}

	if err := v.machine.RestoreDeviceState(&snap.Devices); err != nil {
		return fmt.Errorf("restore device state: %w", err)
	}

	for i, w := range v.workers {
		if i >= len(snap.VCPUStates) {
			break
		}

		respCh := make(chan vcpu.Response, 1)
		w.Send(vcpu.Command{Kind: vcpu.CmdDeserialize, State: &snap.VCPUStates[i], RespCh: respCh})

		if resp := <-respCh; resp.Err != nil {
			return fmt.Errorf("deserialize vcpu %d: %w", w.CPU, resp.Err)
		}
	}

	if err := v.resumeAll(); err != nil {
		return err
	}

	v.setState(stateRunning)
	v.info.SetState(config.StateRunning)

	return nil
}

type byteSliceReader struct{ b []byte }

func (r *byteSliceReader) Read(p []byte) (int, error) {
	n := copy(p, r.b)
	r.b = r.b[n:]

	if n == 0 {
		return 0, io.EOF
	}

	return n, nil
}

// NewController wires a fresh preboot.Controller whose StartMicroVm
// transition builds a supervisor.VMM, and returns it alongside a closure
// that exposes the running runtimectl.Controller once built (the
// separate-sender action table of spec §9's Open Question routes
// pre-boot Actions to one, post-boot Actions to the other).
func NewController() (*preboot.Controller, func() (*runtimectl.Controller, bool)) {
	pb := preboot.New(Build)

	return pb, func() (*runtimectl.Controller, bool) {
		handle, ok := pb.Built()
		if !ok {
			return nil, false
		}

		vmm, ok := handle.(*VMM)
		if !ok {
			return nil, false
		}

		return runtimectl.New(vmm), true
	}
}

// Dispatch is a convenience used by a caller that has not yet split
// pre-boot from post-boot routing: it tries runtimectl first if the VMM
// is built, otherwise falls back to preboot.
func Dispatch(pb *preboot.Controller, rt func() (*runtimectl.Controller, bool), a action.Action) action.Outcome {
	if ctl, ok := rt(); ok {
		return ctl.Dispatch(a)
	}

	return pb.Dispatch(a)
}
