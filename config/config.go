// Package config holds the pre-boot data model: VmConfig, the per-device
// configs (block, network, vsock), KernelConfig, InstanceInfo, and the
// RateLimiter wrapper every drive/NIC can carry.
package config

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var (
	ErrInvalidVcpuCount = errors.New("vcpu_count must be >= 1, and even when ht_enabled with vcpu_count > 1")
	ErrInvalidMemSize   = errors.New("mem_size_mib must be >= 1")
)

// CPUTemplate names an optional masking profile applied by the CPUID
// transformer; the zero value means "no template, pass through host CPUID".
type CPUTemplate string

const (
	CPUTemplateNone CPUTemplate = ""
	CPUTemplateT2   CPUTemplate = "T2"
	CPUTemplateC3   CPUTemplate = "C3"
)

// VmConfig is spec §3's VmConfig: vcpu_count, mem_size_mib, ht_enabled,
// cpu_template. Mutable only before StartMicroVm; read-only afterwards.
type VmConfig struct {
	VCPUCount   int
	MemSizeMiB  int
	HTEnabled   bool
	CPUTemplate CPUTemplate
}

// Validate enforces invariant 1 of spec §8: vcpu_count >= 1, mem_size_mib
// >= 1, and ht_enabled implies an even vcpu_count unless there is only one.
func (c VmConfig) Validate() error {
	if c.VCPUCount < 1 {
		return ErrInvalidVcpuCount
	}

	if c.MemSizeMiB < 1 {
		return ErrInvalidMemSize
	}

	if c.HTEnabled && c.VCPUCount > 1 && c.VCPUCount%2 != 0 {
		return ErrInvalidVcpuCount
	}

	return nil
}

// DefaultVmConfig matches the teacher CLI's own defaults (-c 1, -m 1G).
func DefaultVmConfig() VmConfig {
	return VmConfig{
		VCPUCount:  1,
		MemSizeMiB: 1 << 10,
		HTEnabled:  false,
	}
}

// RateLimiterConfig is a token-bucket rate limiter configuration, named as
// an optional field on every drive/NIC in spec §3.
type RateLimiterConfig struct {
	BytesPerSecond int
	BurstBytes     int
}

// RateLimiter wraps golang.org/x/time/rate.Limiter for the I/O thread to
// consult before issuing a read/write or injecting an interrupt.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter builds a RateLimiter from its config, or nil if cfg is nil
// (unlimited).
func NewRateLimiter(cfg *RateLimiterConfig) *RateLimiter {
	if cfg == nil || cfg.BytesPerSecond <= 0 {
		return nil
	}

	burst := cfg.BurstBytes
	if burst <= 0 {
		burst = cfg.BytesPerSecond
	}

	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(cfg.BytesPerSecond), burst)}
}

// Allow reports whether n bytes of I/O may proceed right now. A nil
// RateLimiter always allows (unlimited).
func (r *RateLimiter) Allow(n int) bool {
	if r == nil {
		return true
	}

	return r.limiter.AllowN(time.Now(), n)
}

// BlockDeviceConfig is spec §3's BlockDeviceConfig.
type BlockDeviceConfig struct {
	DriveID      string
	PathOnHost   string
	IsRootDevice bool
	PartUUID     string
	IsReadOnly   bool
	RateLimiter  *RateLimiterConfig
}

// NetworkInterfaceConfig is spec §3's NetworkInterfaceConfig, including the
// MMDS routing flag supplemented from original_source/ (D.5).
type NetworkInterfaceConfig struct {
	IfaceID           string
	HostDevName       string
	GuestMAC          string
	RxRateLimiter     *RateLimiterConfig
	TxRateLimiter     *RateLimiterConfig
	AllowMMDSRequests bool
}

// NetworkInterfaceUpdateConfig carries UpdateNetworkInterface's mutable
// subset: only the rate limiters may change post-boot.
type NetworkInterfaceUpdateConfig struct {
	IfaceID       string
	RxRateLimiter *RateLimiterConfig
	TxRateLimiter *RateLimiterConfig
}

// VsockDeviceConfig is spec §3's vsock device config.
type VsockDeviceConfig struct {
	VsockID  string
	GuestCID uint32
	UdsPath  string
}

// KernelConfig is spec §3's KernelConfig: the kernel image handle, the
// command-line buffer (bounded by MaxCmdlineLen), and the x86 cmdline
// staging address.
type KernelConfig struct {
	KernelPath  string
	InitrdPath  string
	CmdlineAddr uint64
	cmdline     string
}

// MaxCmdlineLen is the compile-time bound on the command-line buffer named
// in spec §3 and §6.
const MaxCmdlineLen = 4096

var ErrCmdlineOverflow = errors.New("kernel command line exceeds maximum length")

// Cmdline returns the accumulated command-line string.
func (k *KernelConfig) Cmdline() string {
	return k.cmdline
}

// SetCmdline seeds the base command line (boot_args), replacing whatever
// was appended so far.
func (k *KernelConfig) SetCmdline(base string) error {
	if len(base) > MaxCmdlineLen {
		return ErrCmdlineOverflow
	}

	k.cmdline = base

	return nil
}

// AppendCmdline appends a fragment (e.g. "root=/dev/vda rw" or a
// "virtio_mmio.device=..." entry), enforcing the bounded buffer.
func (k *KernelConfig) AppendCmdline(fragment string) error {
	next := k.cmdline

	if len(next) > 0 && len(fragment) > 0 {
		next += " "
	}

	next += fragment

	if len(next) > MaxCmdlineLen {
		return ErrCmdlineOverflow
	}

	k.cmdline = next

	return nil
}

// InstanceState is spec §3's InstanceInfo.state enum.
type InstanceState int

const (
	StateUninitialized InstanceState = iota
	StateStarting
	StateRunning
	StateResuming
	StateHalting
	StateHalted
)

func (s InstanceState) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateResuming:
		return "Resuming"
	case StateHalting:
		return "Halting"
	case StateHalted:
		return "Halted"
	default:
		return "Unknown"
	}
}

// VmmVersion is uvmm's own semantic version, reported in InstanceInfo and
// written into every snapshot header.
const VmmVersion = "1.0.0"

// InstanceInfo is spec §3's InstanceInfo, shared behind a reader-writer
// lock between the supervisor (writer) and external readers.
type InstanceInfo struct {
	mu         sync.RWMutex
	id         string
	vmmVersion string
	state      InstanceState
}

// NewInstanceInfo builds an InstanceInfo. If id is empty, one is generated
// with uuid.NewString(), grounded on the firecracker-orchestrator family's
// own use of google/uuid for VM identity.
func NewInstanceInfo(id string) *InstanceInfo {
	if id == "" {
		id = uuid.NewString()
	}

	return &InstanceInfo{
		id:         id,
		vmmVersion: VmmVersion,
		state:      StateUninitialized,
	}
}

func (i *InstanceInfo) ID() string {
	i.mu.RLock()
	defer i.mu.RUnlock()

	return i.id
}

func (i *InstanceInfo) VmmVersion() string {
	i.mu.RLock()
	defer i.mu.RUnlock()

	return i.vmmVersion
}

func (i *InstanceInfo) State() InstanceState {
	i.mu.RLock()
	defer i.mu.RUnlock()

	return i.state
}

// SetState is the supervisor's exclusive write path.
func (i *InstanceInfo) SetState(s InstanceState) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.state = s
}
