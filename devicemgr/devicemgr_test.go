package devicemgr_test

import (
	"testing"

	"github.com/nmi/uvmm/devicemgr"
)

type fakeDevice struct {
	reads  []uint64
	writes []uint64
}

func (f *fakeDevice) ReadMMIO(offset uint64, data []byte) error {
	f.reads = append(f.reads, offset)

	return nil
}

func (f *fakeDevice) WriteMMIO(offset uint64, data []byte) error {
	f.writes = append(f.writes, offset)

	return nil
}

func TestRegisterAllocatesDistinctWindows(t *testing.T) {
	t.Parallel()

	m := devicemgr.New(0xd0000000, 5, 8)

	blk := &fakeDevice{}
	net := &fakeDevice{}

	e1, err := m.Register("blk0", blk)
	if err != nil {
		t.Fatal(err)
	}

	e2, err := m.Register("net0", net)
	if err != nil {
		t.Fatal(err)
	}

	if e1.Base == e2.Base {
		t.Fatal("expected distinct base addresses")
	}

	if e2.Base != e1.Base+devicemgr.RegionSize {
		t.Fatalf("expected net0 directly after blk0, got base 0x%x", e2.Base)
	}

	if e1.IRQ == e2.IRQ {
		t.Fatal("expected distinct IRQ lines")
	}
}

func TestRegisterExhaustsIRQRange(t *testing.T) {
	t.Parallel()

	m := devicemgr.New(0, 0, 1)

	if _, err := m.Register("a", &fakeDevice{}); err != nil {
		t.Fatal(err)
	}

	if _, err := m.Register("b", &fakeDevice{}); err == nil {
		t.Fatal("expected ErrNoIRQAvailable")
	}
}

func TestDispatchRoutesToOwningDevice(t *testing.T) {
	t.Parallel()

	m := devicemgr.New(0x1000, 5, 8)

	dev := &fakeDevice{}

	e, err := m.Register("blk0", dev)
	if err != nil {
		t.Fatal(err)
	}

	claimed, err := m.Dispatch(e.Base+0x8, make([]byte, 4), false)
	if err != nil {
		t.Fatal(err)
	}

	if !claimed {
		t.Fatal("expected address to be claimed")
	}

	if len(dev.reads) != 1 || dev.reads[0] != 0x8 {
		t.Fatalf("expected a read at offset 0x8, got %v", dev.reads)
	}

	claimed, err = m.Dispatch(e.Base+devicemgr.RegionSize+0x100, make([]byte, 4), false)
	if err != nil {
		t.Fatal(err)
	}

	if claimed {
		t.Fatal("expected an address past the window to be unclaimed")
	}
}

func TestCmdlineFragments(t *testing.T) {
	t.Parallel()

	m := devicemgr.New(0xd0000000, 5, 8)

	if _, err := m.Register("blk0", &fakeDevice{}); err != nil {
		t.Fatal(err)
	}

	if _, err := m.Register("net0", &fakeDevice{}); err != nil {
		t.Fatal(err)
	}

	frags := m.CmdlineFragments()
	if len(frags) != 2 {
		t.Fatalf("expected 2 fragments, got %d", len(frags))
	}

	expected := "virtio_mmio.device=512@0xd0000000:5"
	if frags[0] != expected {
		t.Fatalf("expected %q, got %q", expected, frags[0])
	}
}
