package nvmedrv

import "testing"

type identityBridge struct{}

func (identityBridge) EnableFunction(classCode uint32, slot, fn int) (uintptr, error) { return 0, nil }
func (identityBridge) BusAddress(virtual uintptr) (uintptr, error)                     { return virtual, nil }

func TestBuildPRPSinglePage(t *testing.T) {
	win := newFakeWindow(64 * pageSize)
	a := NewDMAAllocator(win, discardLog())

	addr, err := a.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}

	d, err := BuildPRP(a, identityBridge{}, addr, blockSize)
	if err != nil {
		t.Fatalf("BuildPRP: %v", err)
	}
	defer d.Release()

	if d.PRP1 != uint64(addr) {
		t.Fatalf("PRP1 = %#x, want %#x", d.PRP1, addr)
	}
	if d.PRP2 != 0 {
		t.Fatalf("PRP2 = %#x, want 0 for a single-page transfer", d.PRP2)
	}
}

func TestBuildPRPTwoPages(t *testing.T) {
	win := newFakeWindow(64 * pageSize)
	a := NewDMAAllocator(win, discardLog())

	// Force a buffer starting mid-page so the transfer spans exactly two
	// pages without needing a PRP-list page.
	addr, err := a.Alloc(2*pageSize, pageSize, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	offsetIntoPage := addr + pageSize/2

	d, err := BuildPRP(a, identityBridge{}, offsetIntoPage, pageSize)
	if err != nil {
		t.Fatalf("BuildPRP: %v", err)
	}
	defer d.Release()

	if d.PRP2 == 0 {
		t.Fatal("expected non-zero PRP2 for a two-page-spanning transfer")
	}
}

func TestBuildPRPListPage(t *testing.T) {
	win := newFakeWindow(64 * pageSize)
	a := NewDMAAllocator(win, discardLog())

	addr, err := a.Alloc(10*pageSize, pageSize, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	d, err := BuildPRP(a, identityBridge{}, addr, 10*pageSize)
	if err != nil {
		t.Fatalf("BuildPRP: %v", err)
	}
	defer d.Release()

	if d.listPage == 0 {
		t.Fatal("expected a PRP-list page for a 10-page transfer")
	}

	listBuf := a.Bytes(d.listPage, pageSize)
	firstEntry := uint64(listBuf[0]) | uint64(listBuf[1])<<8 | uint64(listBuf[2])<<16 | uint64(listBuf[3])<<24 |
		uint64(listBuf[4])<<32 | uint64(listBuf[5])<<40 | uint64(listBuf[6])<<48 | uint64(listBuf[7])<<56
	if firstEntry != uint64(addr+pageSize) {
		t.Fatalf("list entry 0 = %#x, want %#x", firstEntry, addr+pageSize)
	}
}

func TestBuildPRPRejectsZeroLength(t *testing.T) {
	win := newFakeWindow(pageSize)
	a := NewDMAAllocator(win, discardLog())

	if _, err := BuildPRP(a, identityBridge{}, sliceBase(win.buf), 0); err == nil {
		t.Fatal("expected BadParam for a zero-length transfer")
	}
}
