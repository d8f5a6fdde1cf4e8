package nvmedrv

import (
	"sync/atomic"
	"unsafe"
)

// Accessor gives width-parameterized, compiler-atomic, relaxed-ordering
// access to a controller's register window. It never uses memcpy or a
// struct overlay on the window — every load/store is an explicit
// atomic operation at the exact access width, so strict-alignment
// builds never observe a torn multi-byte access and the Go compiler
// never reorders an access across one of these calls.
//
// Real hardware additionally needs a CPU-level data-synchronization
// barrier around doorbell writes (spec'd ordering, not something the Go
// memory model alone gives you against a DMA-capable device); that is
// Accessor.Barrier, which the production bare-metal port backs with a
// DSB/DMB instruction. On a hosted test build it is a no-op: Go's
// atomic package already prevents the compiler reordering that would
// matter for the properties this driver's tests can observe.
//
// base is the absolute address of the register window as handed back
// by the PCIeBridge. The test harness backs it with a real byte slice
// whose backing array the harness keeps reachable for the controller's
// lifetime (Go's non-moving allocator for slices makes that safe); the
// production port backs it with the platform's fixed MMIO base.
type Accessor struct {
	base uintptr
}

// NewAccessor wraps base, the MMIO base obtained from a PCIeBridge.
func NewAccessor(base uintptr) *Accessor { return &Accessor{base: base} }

func (a *Accessor) ptr32(off uintptr) *uint32 {
	return (*uint32)(unsafe.Pointer(a.base + off))
}

func (a *Accessor) ptr64(off uintptr) *uint64 {
	return (*uint64)(unsafe.Pointer(a.base + off))
}

// Read32 performs a relaxed atomic 32-bit load at byte offset off.
func (a *Accessor) Read32(off uintptr) uint32 { return atomic.LoadUint32(a.ptr32(off)) }

// Write32 performs a relaxed atomic 32-bit store at byte offset off.
func (a *Accessor) Write32(off uintptr, v uint32) { atomic.StoreUint32(a.ptr32(off), v) }

// Read64 performs a relaxed atomic 64-bit load at byte offset off.
func (a *Accessor) Read64(off uintptr) uint64 { return atomic.LoadUint64(a.ptr64(off)) }

// Write64 performs a relaxed atomic 64-bit store at byte offset off.
func (a *Accessor) Write64(off uintptr, v uint64) { atomic.StoreUint64(a.ptr64(off), v) }

// Read16 loads a 16-bit register. There is no atomic.LoadUint16 in the
// standard library; this driver never needs a torn-free 16-bit MMIO
// access on its own ring fields (those are read from coherent DMA
// memory, not MMIO). Read16 does an atomic Read32 of the containing
// aligned word and shifts the requested half out.
func (a *Accessor) Read16(off uintptr) uint16 {
	v := a.Read32(off &^ 0x3)
	shift := (off & 0x3) * 8
	return uint16(v >> shift)
}

// Barrier emits a data-synchronization barrier. On the hosted test
// build this is a no-op; see the Accessor doc comment.
func (a *Accessor) Barrier() {}

// DataMemoryBarrier emits a data-memory barrier, used at the top of
// PollForCompletion's poll loop. No-op on the hosted test build.
func (a *Accessor) DataMemoryBarrier() {}
