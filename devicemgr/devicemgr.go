// Package devicemgr allocates MMIO address ranges and IRQ lines for virtio
// devices and dispatches KVM_EXIT_MMIO vmexits to the device that owns the
// faulting address. It replaces the PCI bus/bridge address allocator the
// machine package used to delegate to: devices live directly on the
// virtio-mmio transport named by the kernel's "virtio_mmio.device=" command
// line fragments, with no bus enumeration or config-space arbitration.
package devicemgr

import (
	"fmt"
	"sort"
	"sync"
)

// MMIODevice is implemented by every attachable virtio-mmio device
// (virtio.Blk, virtio.Net, ...). offset is relative to the device's own
// register window, never the guest-physical address.
type MMIODevice interface {
	ReadMMIO(offset uint64, data []byte) error
	WriteMMIO(offset uint64, data []byte) error
}

// RegionSize is the size of the register window reserved per device. It
// matches virtio.MMIORegionSize so the config space at offset 0x100 never
// collides with the next device's magic-value register.
const RegionSize = 0x200

// Entry describes one registered device's address/IRQ assignment.
type Entry struct {
	Name   string
	Base   uint64
	Size   uint64
	IRQ    uint8
	Device MMIODevice
}

// Manager owns the MMIO address space cursor and IRQ cursor for virtio-mmio
// devices, and dispatches vCPU MMIO exits to the registered device table.
type Manager struct {
	mu       sync.Mutex
	base     uint64
	irq      uint8
	maxIRQ   uint8
	entries  []*Entry
	byName   map[string]*Entry
}

// ErrNoIRQAvailable is returned by Register once the IRQ cursor reaches
// maxIRQ, matching the fixed, pre-allocated IRQ range passed to New.
var ErrNoIRQAvailable = fmt.Errorf("devicemgr: no IRQ line available")

// New creates a Manager that allocates devices starting at baseAddr and IRQ
// lines in [startIRQ, startIRQ+irqCount).
func New(baseAddr uint64, startIRQ uint8, irqCount uint8) *Manager {
	return &Manager{
		base:   baseAddr,
		irq:    startIRQ,
		maxIRQ: startIRQ + irqCount,
		byName: make(map[string]*Entry),
	}
}

// Register allocates the next MMIO window and IRQ line for dev and adds it
// to the dispatch table.
func (m *Manager) Register(name string, dev MMIODevice) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.irq >= m.maxIRQ {
		return nil, ErrNoIRQAvailable
	}

	e := &Entry{
		Name:   name,
		Base:   m.base,
		Size:   RegionSize,
		IRQ:    m.irq,
		Device: dev,
	}

	m.base += RegionSize
	m.irq++
	m.entries = append(m.entries, e)
	m.byName[name] = e

	return e, nil
}

// Lookup returns the entry registered under name.
func (m *Manager) Lookup(name string) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.byName[name]

	return e, ok
}

// Entries returns every registered device, in registration order.
func (m *Manager) Entries() []*Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Entry, len(m.entries))
	copy(out, m.entries)

	return out
}

// Dispatch routes a KVM_EXIT_MMIO access at guest-physical address addr to
// the device whose window contains it. It reports whether any device
// claimed the address.
func (m *Manager) Dispatch(addr uint64, data []byte, isWrite bool) (bool, error) {
	m.mu.Lock()
	e := m.find(addr)
	m.mu.Unlock()

	if e == nil {
		return false, nil
	}

	offset := addr - e.Base

	if isWrite {
		return true, e.Device.WriteMMIO(offset, data)
	}

	return true, e.Device.ReadMMIO(offset, data)
}

func (m *Manager) find(addr uint64) *Entry {
	for _, e := range m.entries {
		if addr >= e.Base && addr < e.Base+e.Size {
			return e
		}
	}

	return nil
}

// CmdlineFragments renders one "virtio_mmio.device=<size>@<base>:<irq>"
// fragment per registered device, sorted by base address, for appending to
// the guest kernel command line.
func (m *Manager) CmdlineFragments() []string {
	entries := m.Entries()

	sort.Slice(entries, func(i, j int) bool { return entries[i].Base < entries[j].Base })

	frags := make([]string, 0, len(entries))
	for _, e := range entries {
		frags = append(frags, fmt.Sprintf("virtio_mmio.device=%d@0x%x:%d", e.Size, e.Base, e.IRQ))
	}

	return frags
}
