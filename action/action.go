// Package action defines the control-plane RPC vocabulary dispatched
// between an API frontend (out of scope here) and the preboot/runtime
// controllers: the tagged Action variants, their Outcome, and the typed
// Error taxonomy both controllers return.
package action

import (
	"errors"
	"fmt"

	"github.com/nmi/uvmm/config"
)

// Kind is the first error-taxonomy axis: who is responsible.
type Kind int

const (
	// KindUser marks a caller-facing error: bad input, a duplicate id, an
	// operation not valid in the current controller state.
	KindUser Kind = iota
	// KindInternal marks a host-misconfiguration or VMM-bug error.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindUser:
		return "User"
	case KindInternal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// Category is the second error-taxonomy axis: which subsystem raised it.
type Category int

const (
	CategoryBootSource Category = iota
	CategoryDriveConfig
	CategoryLogger
	CategoryMachineConfig
	CategoryNetworkConfig
	CategoryVsockConfig
	CategoryStartMicrovm
	CategoryPauseMicrovm
	CategoryResumeMicrovm
	CategorySendCtrlAltDel
	CategoryOperationNotSupportedPreBoot
	CategoryOperationNotSupportedPostBoot
)

func (c Category) String() string {
	switch c {
	case CategoryBootSource:
		return "BootSource"
	case CategoryDriveConfig:
		return "DriveConfig"
	case CategoryLogger:
		return "Logger"
	case CategoryMachineConfig:
		return "MachineConfig"
	case CategoryNetworkConfig:
		return "NetworkConfig"
	case CategoryVsockConfig:
		return "VsockConfig"
	case CategoryStartMicrovm:
		return "StartMicrovm"
	case CategoryPauseMicrovm:
		return "PauseMicrovm"
	case CategoryResumeMicrovm:
		return "ResumeMicrovm"
	case CategorySendCtrlAltDel:
		return "SendCtrlAltDel"
	case CategoryOperationNotSupportedPreBoot:
		return "OperationNotSupportedPreBoot"
	case CategoryOperationNotSupportedPostBoot:
		return "OperationNotSupportedPostBoot"
	default:
		return "Unknown"
	}
}

// Error is the typed error every controller returns: a Kind/Category pair
// layered over a wrapped cause, the same layering style vmm/migrate.go
// used for its own sentinel errors.
type Error struct {
	Kind     Kind
	Category Category
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s/%s: %v", e.Kind, e.Category, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewUserError builds a caller-facing Error for the given category.
func NewUserError(cat Category, err error) *Error {
	return &Error{Kind: KindUser, Category: cat, Err: err}
}

// NewInternalError builds a host/VMM-bug Error for the given category.
func NewInternalError(cat Category, err error) *Error {
	return &Error{Kind: KindInternal, Category: cat, Err: err}
}

var (
	ErrOperationNotSupportedPreBoot  = errors.New("operation not supported before boot")
	ErrOperationNotSupportedPostBoot = errors.New("operation not supported after boot")
)

// Op tags which control operation an Action carries.
type Op int

const (
	OpConfigureBootSource Op = iota
	OpConfigureLogger
	OpConfigureMetrics
	OpGetVmConfiguration
	OpFlushMetrics
	OpInsertBlockDevice
	OpInsertNetworkDevice
	OpSetVsockDevice
	OpSetVmConfiguration
	OpStartMicroVm
	OpPauseToSnapshot
	OpResumeFromSnapshot
	OpPauseVCPUs
	OpResumeVCPUs
	OpRescanBlockDevice
	OpUpdateBlockDevicePath
	OpUpdateNetworkInterface
	OpSendCtrlAltDel
)

// ConfigureBootSourcePayload carries ConfigureBootSource{kernel_path, boot_args?}.
type ConfigureBootSourcePayload struct {
	KernelPath string
	InitrdPath string
	BootArgs   string
}

// ConfigureLoggerPayload carries ConfigureLogger{...}.
type ConfigureLoggerPayload struct {
	LogPath     string
	MetricsPath string
	Level       string
	ShowLevel   bool
	ShowOrigin  bool
	Options     []string
}

// ConfigureMetricsPayload carries ConfigureMetrics{metrics_path}.
type ConfigureMetricsPayload struct {
	MetricsPath string
}

// UpdateBlockDevicePathPayload carries UpdateBlockDevicePath(drive_id, new_path).
type UpdateBlockDevicePathPayload struct {
	DriveID string
	NewPath string
}

// UpdateNetworkInterfacePayload carries UpdateNetworkInterface(...).
type UpdateNetworkInterfacePayload struct {
	IfaceID       string
	RxRateLimiter *config.RateLimiterConfig
	TxRateLimiter *config.RateLimiterConfig
}

// RescanBlockDevicePayload carries RescanBlockDevice(drive_id).
type RescanBlockDevicePayload struct {
	DriveID string
}

// ResumeFromSnapshotPayload carries ResumeFromSnapshot(snapshot_path).
type ResumeFromSnapshotPayload struct {
	SnapshotPath string
}

// StartMicroVmPayload carries StartMicroVm(snapshot_path?).
type StartMicroVmPayload struct {
	SnapshotPath string
}

// Data is the payload half of an Outcome: Empty or the current VmConfig.
type Data struct {
	MachineConfiguration *config.VmConfig
}

// Outcome is what every Action resolves to: either Data on success, or a
// typed Error.
type Outcome struct {
	Data Data
	Err  *Error
}

// Ok builds a successful, empty Outcome.
func Ok() Outcome {
	return Outcome{}
}

// OkConfig builds a successful Outcome carrying a VmConfig snapshot.
func OkConfig(c config.VmConfig) Outcome {
	return Outcome{Data: Data{MachineConfiguration: &c}}
}

// Failed builds a failing Outcome.
func Failed(err *Error) Outcome {
	return Outcome{Err: err}
}

// Action is a tagged control operation plus the one-shot channel its
// dispatcher replies on, matching the "separate-sender form" the spec's
// Open Questions section names as authoritative.
type Action struct {
	Op       Op
	Response chan<- Outcome

	BootSource      *ConfigureBootSourcePayload
	Logger          *ConfigureLoggerPayload
	Metrics         *ConfigureMetricsPayload
	BlockDevice     *config.BlockDeviceConfig
	NetworkDevice   *config.NetworkInterfaceConfig
	VsockDevice     *config.VsockDeviceConfig
	VmConfig        *config.VmConfig
	StartMicroVm    *StartMicroVmPayload
	ResumeSnapshot  *ResumeFromSnapshotPayload
	UpdateBlockPath *UpdateBlockDevicePathPayload
	UpdateNetwork   *UpdateNetworkInterfacePayload
	RescanBlock     *RescanBlockDevicePayload
}

// Dispatch sends outcome back on the action's one-shot response channel,
// the way every controller handler ends.
func (a Action) Dispatch(o Outcome) {
	if a.Response != nil {
		a.Response <- o
	}
}
