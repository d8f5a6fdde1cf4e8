package nvmedrv

import (
	"encoding/binary"

	"github.com/sirupsen/logrus"

	"github.com/srilakshmi/nvmedrv/nvmeerr"
	"github.com/srilakshmi/nvmedrv/platform"
)

const (
	dmaMagic      = 0xDA44A110
	dmaHeaderSize = 16 // magic(4) size(4) align(4) boundary(4), precedes every allocation

	pageSize         = 4096
	pageBoundary1MiB = 1 << 20
)

// DMAAllocator bump-allocates aligned, boundary-constrained pages out of
// a coherent memory window, recycling page-sized, page-aligned,
// 1MiB-boundary blocks through a free-list. Any other shape of freed
// block is deliberately leaked: these are one-shot admin buffers that
// either outlive the driver or match the canonical page spec.
type DMAAllocator struct {
	win    platform.CoherentWindow
	buf    []byte
	base   uintptr
	end    uintptr
	cursor uintptr // next unused offset, relative to base

	freeList []uintptr // offsets (relative to base) of canonical free blocks

	log *logrus.Entry
}

// NewDMAAllocator carves the allocator's bump region out of win.
func NewDMAAllocator(win platform.CoherentWindow, log *logrus.Entry) *DMAAllocator {
	buf := win.Bytes()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &DMAAllocator{
		win:  win,
		buf:  buf,
		base: win.Base(),
		end:  win.Base() + uintptr(len(buf)),
		log:  log.WithField("component", "dma"),
	}
}

func alignUp(v, align uintptr) uintptr {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

func isCanonical(size, align, boundary uintptr) bool {
	return size <= pageSize && align <= pageSize && boundary <= pageBoundary1MiB
}

// Alloc returns the virtual address of a size-byte region satisfying
// align and boundary, or a NoResource error if the arena is exhausted.
func (a *DMAAllocator) Alloc(size, align, boundary uintptr) (uintptr, error) {
	if size == 0 {
		return 0, nvmeerr.New("dma.Alloc", nvmeerr.BadParam, nil)
	}
	if align == 0 {
		align = 1
	}

	if isCanonical(size, align, boundary) {
		if addr, ok := a.popFree(); ok {
			return addr, nil
		}
	}

	return a.allocSlow(size, align, boundary)
}

func (a *DMAAllocator) popFree() (uintptr, bool) {
	n := len(a.freeList)
	if n == 0 {
		return 0, false
	}
	off := a.freeList[n-1]
	a.freeList = a.freeList[:n-1]
	return a.base + off, true
}

func (a *DMAAllocator) allocSlow(size, align, boundary uintptr) (uintptr, error) {
	cursor := a.cursor + dmaHeaderSize
	aligned := alignUp(cursor, align)

	if boundary > 0 {
		end := aligned + size - 1
		if aligned/boundary != end/boundary {
			aligned = alignUp(aligned, boundary)
		}
	}

	headerOff := aligned - dmaHeaderSize
	newCursor := aligned + size
	if a.base+newCursor > a.end {
		return 0, nvmeerr.New("dma.Alloc", nvmeerr.NoResource, nil)
	}

	writeHeader(a.buf, headerOff, uint32(size), uint32(align), uint32(boundary))
	a.cursor = newCursor
	return a.base + aligned, nil
}

// Free returns addr to the free-list if it is a canonical page block;
// any other block is leaked, matching the documented carried-forward
// design note.
func (a *DMAAllocator) Free(addr uintptr) {
	off := addr - a.base
	if off < dmaHeaderSize || off > uintptr(len(a.buf)) {
		a.log.WithField("addr", addr).Warn("dma: free of out-of-arena address, leaking")
		return
	}
	magic, size, align, boundary := readHeader(a.buf, off-dmaHeaderSize)
	if magic != dmaMagic || !isCanonicalPageBlock(size, align, boundary) {
		a.log.WithFields(logrus.Fields{"addr": addr, "size": size, "align": align, "boundary": boundary}).
			Warn("dma: free of non-canonical block, leaking")
		return
	}
	a.freeList = append(a.freeList, off)
}

func isCanonicalPageBlock(size, align, boundary uint32) bool {
	return size == pageSize && align == pageSize && boundary == pageBoundary1MiB
}

func writeHeader(buf []byte, off uintptr, size, align, boundary uint32) {
	binary.LittleEndian.PutUint32(buf[off:], dmaMagic)
	binary.LittleEndian.PutUint32(buf[off+4:], size)
	binary.LittleEndian.PutUint32(buf[off+8:], align)
	binary.LittleEndian.PutUint32(buf[off+12:], boundary)
}

func readHeader(buf []byte, off uintptr) (magic, size, align, boundary uint32) {
	magic = binary.LittleEndian.Uint32(buf[off:])
	size = binary.LittleEndian.Uint32(buf[off+4:])
	align = binary.LittleEndian.Uint32(buf[off+8:])
	boundary = binary.LittleEndian.Uint32(buf[off+12:])
	return
}

// Bytes returns a slice view of n bytes at virtual address addr. It
// panics (programmer error, like the MMIO accessor) if the range falls
// outside the arena.
func (a *DMAAllocator) Bytes(addr uintptr, n int) []byte {
	off := addr - a.base
	return a.buf[off : off+uintptr(n)]
}

// AllocPage is the common case: one 4KiB page, 4KiB aligned, within a
// 1MiB boundary, zeroed before return.
func (a *DMAAllocator) AllocPage() (uintptr, error) {
	addr, err := a.Alloc(pageSize, pageSize, pageBoundary1MiB)
	if err != nil {
		return 0, err
	}
	buf := a.Bytes(addr, pageSize)
	for i := range buf {
		buf[i] = 0
	}
	return addr, nil
}
