package iodev

import (
	"errors"
	"log"
)

var errDataLenInvalid = errors.New("invalid data size on port")

// ACPIShutDownDevice is the i8042-adjacent shutdown port EDK2/CloudHv guests
// write to signal a reboot or power-off request to the host. It carries no
// ACPI table generation of its own (no DSDT/FADT/MADT) -- it is a single
// I/O port the guest firmware pokes, which the supervisor's event loop
// turns into a SendCtrlAltDel-equivalent VM exit.
//
// refs: https://github.com/cloud-hypervisor/edk2/blob/ch/OvmfPkg/Include/IndustryStandard/CloudHv.h
const ACPIShutDownDevPort = uint64(0x600)

// S5 sleep state encoding the ACPI DSDT table would otherwise describe.
const (
	s5SleepVal       = uint8(5)
	sleepValBit      = uint8(2)
	sleepStatusENBit = uint8(5)
)

// ACPIShutDownDevice publishes reboot/shutdown requests on buffered,
// non-blocking channels so the supervisor's event loop can select on them
// alongside epoll-driven device events without ever stalling the vCPU
// thread that does the write.
type ACPIShutDownDevice struct {
	Port uint64

	RebootEvent   chan struct{}
	ShutdownEvent chan struct{}
}

// NewACPIShutDownEvent constructs the device with its event channels ready
// for a supervisor to select on.
func NewACPIShutDownEvent() *ACPIShutDownDevice {
	return &ACPIShutDownDevice{
		Port:          ACPIShutDownDevPort,
		RebootEvent:   make(chan struct{}, 1),
		ShutdownEvent: make(chan struct{}, 1),
	}
}

func (a *ACPIShutDownDevice) Read(base uint64, data []byte) error {
	data[0] = 0

	return nil
}

func (a *ACPIShutDownDevice) Write(base uint64, data []byte) error {
	if len(data) == 0 {
		return errDataLenInvalid
	}

	if data[0] == 1 {
		log.Println("acpi: reboot signaled")
		nonBlockingSend(a.RebootEvent)
	}

	if data[0] == (s5SleepVal<<sleepValBit)|(1<<sleepStatusENBit) {
		log.Println("acpi: shutdown signaled")
		nonBlockingSend(a.ShutdownEvent)
	}

	return nil
}

func nonBlockingSend(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (a *ACPIShutDownDevice) IOPort() uint64 {
	return a.Port
}

func (a *ACPIShutDownDevice) Size() uint64 {
	return 0x8
}
