// Package preboot is the preboot controller (C6): a request handler
// whose allowed operation set is exactly the set named in spec §4.5,
// applying requests to a resourcestore.Store until the single
// StartMicroVm transition. Grounded on the teacher's vmm.VMM.Init/Setup
// sequencing, reshaped into a closed allowed-op-set controller.
package preboot

import (
	"github.com/nmi/uvmm/action"
	"github.com/nmi/uvmm/config"
	"github.com/nmi/uvmm/resourcestore"
)

// Builder constructs the booted VMM handle from the finished resource
// store. Supplied by the caller (supervisor) rather than imported
// directly, so this package never depends on supervisor.
type Builder func(*resourcestore.Store) (interface{}, error)

// Controller is the pre-boot request handler (C6).
type Controller struct {
	Store  *resourcestore.Store
	build  Builder
	built  bool
	handle interface{}
}

// New returns a Controller over a fresh resource store.
func New(build Builder) *Controller {
	return &Controller{Store: resourcestore.New(), build: build}
}

// Built reports whether StartMicroVm has already succeeded, and the
// resulting handle if so.
func (c *Controller) Built() (interface{}, bool) {
	return c.handle, c.built
}

// Dispatch applies one Action. Anything outside the allowed set of spec
// §4.5 fails with OperationNotSupportedPreBoot.
func (c *Controller) Dispatch(a action.Action) action.Outcome {
	if c.built {
		// Once built, the supervisor routes all further Actions to
		// runtimectl.Controller instead; reaching here at all is a caller
		// bug, reported the same way as an out-of-set operation.
		return action.Failed(action.NewUserError(action.CategoryOperationNotSupportedPreBoot, action.ErrOperationNotSupportedPreBoot))
	}

	switch a.Op {
	case action.OpConfigureBootSource:
		return c.configureBootSource(a)
	case action.OpConfigureLogger:
		return c.configureLogger(a)
	case action.OpConfigureMetrics:
		return c.configureMetrics(a)
	case action.OpInsertBlockDevice:
		return c.insertBlockDevice(a)
	case action.OpInsertNetworkDevice:
		return c.insertNetworkDevice(a)
	case action.OpSetVsockDevice:
		return c.setVsockDevice(a)
	case action.OpSetVmConfiguration:
		return c.setVmConfiguration(a)
	case action.OpGetVmConfiguration:
		return action.OkConfig(c.Store.GetVmConfiguration())
	case action.OpStartMicroVm:
		return c.startMicroVm(a)
	default:
		return action.Failed(action.NewUserError(action.CategoryOperationNotSupportedPreBoot, action.ErrOperationNotSupportedPreBoot))
	}
}

func (c *Controller) configureBootSource(a action.Action) action.Outcome {
	if a.BootSource == nil {
		return action.Failed(action.NewUserError(action.CategoryBootSource, resourcestore.ErrNoBootSource))
	}

	if err := c.Store.ConfigureBootSource(a.BootSource.KernelPath, a.BootSource.InitrdPath, a.BootSource.BootArgs); err != nil {
		return action.Failed(action.NewUserError(action.CategoryBootSource, err))
	}

	return action.Ok()
}

func (c *Controller) configureLogger(a action.Action) action.Outcome {
	if a.Logger == nil {
		return action.Ok()
	}

	l, err := config.NewLogger(config.ConfigureLoggerConfig{
		LogPath:    a.Logger.LogPath,
		Level:      a.Logger.Level,
		ShowLevel:  a.Logger.ShowLevel,
		ShowOrigin: a.Logger.ShowOrigin,
		Options:    a.Logger.Options,
	})
	if err != nil {
		return action.Failed(action.NewUserError(action.CategoryLogger, err))
	}

	c.Store.Logger = l

	return action.Ok()
}

func (c *Controller) configureMetrics(a action.Action) action.Outcome {
	// Metrics sink is an external collaborator (spec §1's out-of-scope
	// list); accepting and acknowledging the path is all this layer owns.
	return action.Ok()
}

func (c *Controller) insertBlockDevice(a action.Action) action.Outcome {
	if a.BlockDevice == nil {
		return action.Ok()
	}

	if err := c.Store.InsertBlockDevice(*a.BlockDevice); err != nil {
		return action.Failed(action.NewUserError(action.CategoryDriveConfig, err))
	}

	return action.Ok()
}

func (c *Controller) insertNetworkDevice(a action.Action) action.Outcome {
	if a.NetworkDevice == nil {
		return action.Ok()
	}

	if err := c.Store.InsertNetworkDevice(*a.NetworkDevice); err != nil {
		return action.Failed(action.NewUserError(action.CategoryNetworkConfig, err))
	}

	return action.Ok()
}

func (c *Controller) setVsockDevice(a action.Action) action.Outcome {
	if a.VsockDevice == nil {
		return action.Ok()
	}

	c.Store.SetVsockDevice(*a.VsockDevice)

	return action.Ok()
}

func (c *Controller) setVmConfiguration(a action.Action) action.Outcome {
	if a.VmConfig == nil {
		return action.Ok()
	}

	if err := c.Store.SetVmConfiguration(*a.VmConfig); err != nil {
		return action.Failed(action.NewUserError(action.CategoryMachineConfig, err))
	}

	return action.Ok()
}

func (c *Controller) startMicroVm(a action.Action) action.Outcome {
	handle, err := c.build(c.Store)
	if err != nil {
		return action.Failed(action.NewInternalError(action.CategoryStartMicrovm, err))
	}

	c.handle = handle
	c.built = true

	return action.OkConfig(c.Store.GetVmConfiguration())
}
