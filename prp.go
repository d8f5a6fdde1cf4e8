package nvmedrv

import (
	"encoding/binary"

	"github.com/srilakshmi/nvmedrv/nvmeerr"
	"github.com/srilakshmi/nvmedrv/platform"
)

// prpListEntries is how many 8-byte bus-address entries fit in one
// 4KiB PRP-list page. BuildPRP uses at most one list page: a transfer
// needing more entries than this fails with NoResource, since chained
// list pages are not implemented.
const prpListEntries = pageSize / 8

// PRPDescriptor is the scatter/gather descriptor set for one NVMe I/O
// command: PRP1, PRP2, and the optional PRP-list page backing PRP2 when
// the transfer spans more than two pages. Its lifetime is bound to the
// command that consumes it; Release returns the list page (if any) to
// the allocator.
type PRPDescriptor struct {
	PRP1     uint64
	PRP2     uint64
	listPage uintptr
	alloc    *DMAAllocator
}

// Release frees the PRP-list page, if one was allocated.
func (d *PRPDescriptor) Release() {
	if d.listPage != 0 {
		d.alloc.Free(d.listPage)
		d.listPage = 0
	}
}

func pageOf(addr uintptr) uintptr { return addr &^ (pageSize - 1) }

// BuildPRP translates the virtual buffer [buf, buf+length) into a
// PRP1/PRP2 pair, allocating and populating a PRP-list page from alloc
// when the transfer straddles more than two pages. It does not verify
// that buf is actually backed by physically contiguous pages — the
// bare-metal target guarantees that for coherent allocations and for
// kernel-mapped buffers, and this builder trusts the caller to hold
// that guarantee rather than re-verifying it.
func BuildPRP(alloc *DMAAllocator, bridge platform.PCIeBridge, buf uintptr, length int) (*PRPDescriptor, error) {
	if length <= 0 {
		return nil, nvmeerr.New("prp.Build", nvmeerr.BadParam, nil)
	}

	prp1, err := bridge.BusAddress(buf)
	if err != nil {
		return nil, nvmeerr.New("prp.Build", nvmeerr.NoResource, err)
	}
	d := &PRPDescriptor{PRP1: uint64(prp1), alloc: alloc}

	firstRemain := pageSize - int(buf%pageSize)
	if length <= firstRemain {
		return d, nil
	}

	secondPage := pageOf(buf) + pageSize
	p2, err := bridge.BusAddress(secondPage)
	if err != nil {
		return nil, nvmeerr.New("prp.Build", nvmeerr.NoResource, err)
	}

	remain := length - firstRemain
	if remain <= pageSize {
		d.PRP2 = uint64(p2)
		return d, nil
	}

	needed := (remain + pageSize - 1) / pageSize
	if needed > prpListEntries {
		return nil, nvmeerr.New("prp.Build", nvmeerr.NoResource, nil)
	}

	listAddr, err := alloc.AllocPage()
	if err != nil {
		return nil, nvmeerr.New("prp.Build", nvmeerr.NoResource, err)
	}
	listBuf := alloc.Bytes(listAddr, pageSize)

	for i := 0; i < needed; i++ {
		pageAddr := pageOf(buf) + pageSize*uintptr(i+1)
		bus, err := bridge.BusAddress(pageAddr)
		if err != nil {
			alloc.Free(listAddr)
			return nil, nvmeerr.New("prp.Build", nvmeerr.NoResource, err)
		}
		binary.LittleEndian.PutUint64(listBuf[i*8:], uint64(bus))
	}

	listBus, err := bridge.BusAddress(listAddr)
	if err != nil {
		alloc.Free(listAddr)
		return nil, nvmeerr.New("prp.Build", nvmeerr.NoResource, err)
	}

	d.PRP2 = uint64(listBus)
	d.listPage = listAddr
	return d, nil
}
