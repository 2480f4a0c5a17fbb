// Package resourcestore holds the pre-boot configuration accumulated by
// the preboot controller: boot source, machine config, drives, NICs,
// vsock, and logger settings. It is owned by the preboot controller and
// consumed (moved) at the StartMicroVm transition.
package resourcestore

import (
	"errors"

	"github.com/nmi/uvmm/config"
)

var (
	ErrNoBootSource           = errors.New("no boot source configured")
	ErrRootBlockDeviceAlready = errors.New("a root block device is already present")
	ErrDuplicateDriveID       = errors.New("drive_id already present")
	ErrDuplicatePathOnHost    = errors.New("path_on_host already present")
	ErrDuplicateIfaceID       = errors.New("iface_id already present")
	ErrDuplicateHostDevName   = errors.New("host_dev_name already present")
	ErrDuplicateGuestMAC      = errors.New("guest_mac already present")
	ErrUnknownDriveID         = errors.New("unknown drive_id")
	ErrUnknownIfaceID         = errors.New("unknown iface_id")
)

// Store is the pre-boot resource store (spec §3/§4.5).
type Store struct {
	BootSource *config.KernelConfig
	VmConfig   config.VmConfig
	Drives     []config.BlockDeviceConfig
	Networks   []config.NetworkInterfaceConfig
	Vsock      *config.VsockDeviceConfig
	Logger     *config.Logger
}

// New returns a Store seeded with VmConfig defaults.
func New() *Store {
	return &Store{VmConfig: config.DefaultVmConfig()}
}

// ConfigureBootSource sets the kernel/initrd path and boot args.
func (s *Store) ConfigureBootSource(kernelPath, initrdPath, bootArgs string) error {
	kc := &config.KernelConfig{KernelPath: kernelPath, InitrdPath: initrdPath}
	if err := kc.SetCmdline(bootArgs); err != nil {
		return err
	}

	s.BootSource = kc

	return nil
}

// SetVmConfiguration validates and stores a new VmConfig (invariant 1,
// spec §8).
func (s *Store) SetVmConfiguration(c config.VmConfig) error {
	if err := c.Validate(); err != nil {
		return err
	}

	s.VmConfig = c

	return nil
}

// GetVmConfiguration returns the current VmConfig.
func (s *Store) GetVmConfiguration() config.VmConfig {
	return s.VmConfig
}

// InsertBlockDevice inserts or replaces (by drive_id) a block device,
// enforcing invariant 2 of spec §8: unique drive_id, unique path_on_host,
// at most one root device. A repeated drive_id replaces the prior entry
// in place (the idempotence law of spec §8), rather than duplicating it.
func (s *Store) InsertBlockDevice(d config.BlockDeviceConfig) error {
	for i, existing := range s.Drives {
		if existing.DriveID == d.DriveID {
			if err := s.checkDriveInvariants(d, i); err != nil {
				return err
			}

			s.Drives[i] = d

			return nil
		}
	}

	if err := s.checkDriveInvariants(d, -1); err != nil {
		return err
	}

	s.Drives = append(s.Drives, d)

	return nil
}

func (s *Store) checkDriveInvariants(d config.BlockDeviceConfig, replaceIdx int) error {
	for i, existing := range s.Drives {
		if i == replaceIdx {
			continue
		}

		if existing.PathOnHost == d.PathOnHost {
			return ErrDuplicatePathOnHost
		}

		if d.IsRootDevice && existing.IsRootDevice {
			return ErrRootBlockDeviceAlready
		}
	}

	return nil
}

// InsertNetworkDevice inserts or replaces (by iface_id) a network
// interface, enforcing invariant 3 of spec §8.
func (s *Store) InsertNetworkDevice(n config.NetworkInterfaceConfig) error {
	for i, existing := range s.Networks {
		if existing.IfaceID == n.IfaceID {
			if err := s.checkNetworkInvariants(n, i); err != nil {
				return err
			}

			s.Networks[i] = n

			return nil
		}
	}

	if err := s.checkNetworkInvariants(n, -1); err != nil {
		return err
	}

	s.Networks = append(s.Networks, n)

	return nil
}

func (s *Store) checkNetworkInvariants(n config.NetworkInterfaceConfig, replaceIdx int) error {
	for i, existing := range s.Networks {
		if i == replaceIdx {
			continue
		}

		if existing.HostDevName == n.HostDevName {
			return ErrDuplicateHostDevName
		}

		if n.GuestMAC != "" && existing.GuestMAC == n.GuestMAC {
			return ErrDuplicateGuestMAC
		}
	}

	return nil
}

// SetVsockDevice stores the (singleton) vsock device configuration.
func (s *Store) SetVsockDevice(v config.VsockDeviceConfig) {
	s.Vsock = &v
}

// RootDeviceCmdlineFragment returns the "root=..." fragment for the
// configured root device, and true if one exists (testable property 4,
// spec §8).
func (s *Store) RootDeviceCmdlineFragment() (string, bool) {
	for _, d := range s.Drives {
		if !d.IsRootDevice {
			continue
		}

		mode := "ro"
		if !d.IsReadOnly {
			mode = "rw"
		}

		if d.PartUUID != "" {
			return "root=PARTUUID=" + d.PartUUID + " " + mode, true
		}

		return "root=/dev/vda " + mode, true
	}

	return "", false
}

// LookupDrive finds a drive config by id.
func (s *Store) LookupDrive(driveID string) (config.BlockDeviceConfig, error) {
	for _, d := range s.Drives {
		if d.DriveID == driveID {
			return d, nil
		}
	}

	return config.BlockDeviceConfig{}, ErrUnknownDriveID
}

// LookupNetwork finds a network config by id.
func (s *Store) LookupNetwork(ifaceID string) (config.NetworkInterfaceConfig, error) {
	for _, n := range s.Networks {
		if n.IfaceID == ifaceID {
			return n, nil
		}
	}

	return config.NetworkInterfaceConfig{}, ErrUnknownIfaceID
}
