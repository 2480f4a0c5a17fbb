// Package runtimectl is the runtime controller (C7): a request handler
// whose allowed operation set is exactly the set named in spec §4.6,
// applied to the live VMM the supervisor owns. Modeled on devicemgr's
// device retrieval plus the teacher's IRQ-pulse helpers
// (InjectVirtioBlkIRQ).
package runtimectl

import (
	"github.com/nmi/uvmm/action"
	"github.com/nmi/uvmm/config"
)

// LiveVMM is the subset of the supervisor a runtime Action can reach.
// Defined here (rather than imported from supervisor) so supervisor can
// depend on runtimectl without a cycle.
type LiveVMM interface {
	GetVmConfiguration() config.VmConfig
	FlushMetrics() error
	UpdateBlockDevicePath(driveID, newPath string) error
	UpdateNetworkInterface(config.NetworkInterfaceUpdateConfig) error
	SendCtrlAltDel() error
	PauseToSnapshot(path string) error
	ResumeFromSnapshot(path string) error
	RescanBlockDevice(driveID string) error
}

// Controller is the post-boot request handler (C7).
type Controller struct {
	VMM LiveVMM
}

// New returns a Controller over a live VMM.
func New(vmm LiveVMM) *Controller {
	return &Controller{VMM: vmm}
}

// Dispatch applies one Action. Anything outside the allowed set of spec
// §4.6 fails with OperationNotSupportedPostBoot.
func (c *Controller) Dispatch(a action.Action) action.Outcome {
	switch a.Op {
	case action.OpFlushMetrics:
		if err := c.VMM.FlushMetrics(); err != nil {
			return action.Failed(action.NewInternalError(action.CategoryMachineConfig, err))
		}

		return action.Ok()

	case action.OpGetVmConfiguration:
		return action.OkConfig(c.VMM.GetVmConfiguration())

	case action.OpUpdateBlockDevicePath:
		return c.updateBlockDevicePath(a)

	case action.OpUpdateNetworkInterface:
		return c.updateNetworkInterface(a)

	case action.OpSendCtrlAltDel:
		if err := c.VMM.SendCtrlAltDel(); err != nil {
			return action.Failed(action.NewInternalError(action.CategorySendCtrlAltDel, err))
		}

		return action.Ok()

	case action.OpPauseToSnapshot:
		path := ""
		if a.StartMicroVm != nil {
			path = a.StartMicroVm.SnapshotPath
		}

		if err := c.VMM.PauseToSnapshot(path); err != nil {
			return action.Failed(action.NewInternalError(action.CategoryPauseMicrovm, err))
		}

		return action.Ok()

	case action.OpResumeFromSnapshot:
		if a.ResumeSnapshot == nil {
			return action.Failed(action.NewUserError(action.CategoryResumeMicrovm, action.ErrOperationNotSupportedPostBoot))
		}

		if err := c.VMM.ResumeFromSnapshot(a.ResumeSnapshot.SnapshotPath); err != nil {
			return action.Failed(action.NewInternalError(action.CategoryResumeMicrovm, err))
		}

		return action.Ok()

	case action.OpRescanBlockDevice:
		if a.RescanBlock == nil {
			return action.Failed(action.NewUserError(action.CategoryDriveConfig, action.ErrOperationNotSupportedPostBoot))
		}

		if err := c.VMM.RescanBlockDevice(a.RescanBlock.DriveID); err != nil {
			return action.Failed(action.NewUserError(action.CategoryDriveConfig, err))
		}

		return action.Ok()

	default:
		return action.Failed(action.NewUserError(action.CategoryOperationNotSupportedPostBoot, action.ErrOperationNotSupportedPostBoot))
	}
}

func (c *Controller) updateBlockDevicePath(a action.Action) action.Outcome {
	if a.UpdateBlockPath == nil {
		return action.Failed(action.NewUserError(action.CategoryDriveConfig, action.ErrOperationNotSupportedPostBoot))
	}

	if err := c.VMM.UpdateBlockDevicePath(a.UpdateBlockPath.DriveID, a.UpdateBlockPath.NewPath); err != nil {
		return action.Failed(action.NewUserError(action.CategoryDriveConfig, err))
	}

	return action.Ok()
}

func (c *Controller) updateNetworkInterface(a action.Action) action.Outcome {
	if a.UpdateNetwork == nil {
		return action.Failed(action.NewUserError(action.CategoryNetworkConfig, action.ErrOperationNotSupportedPostBoot))
	}

	upd := config.NetworkInterfaceUpdateConfig{
		IfaceID:       a.UpdateNetwork.IfaceID,
		RxRateLimiter: a.UpdateNetwork.RxRateLimiter,
		TxRateLimiter: a.UpdateNetwork.TxRateLimiter,
	}

	if err := c.VMM.UpdateNetworkInterface(upd); err != nil {
		return action.Failed(action.NewUserError(action.CategoryNetworkConfig, err))
	}

	return action.Ok()
}
