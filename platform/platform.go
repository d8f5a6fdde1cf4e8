// Package platform defines the collaborators the controller driver
// calls outward through: the PCIe host bridge, a coherent DMA memory
// window, a tick clock, cache maintenance primitives, and an interrupt
// multiplexer. Production implementations of these are platform
// specific (MMIO-mapped PCIe config space, page-table-derived bus
// translation, a programmable interval timer, cache maintenance
// instructions) and out of scope for this driver; this package only
// fixes the contract so the driver never reaches for an ambient
// singleton.
package platform

import (
	"time"
)

// PCIeBridge enumerates and enables the PCIe function this driver owns,
// and translates CPU virtual addresses to bus addresses the controller
// can use in PRP1/PRP2.
type PCIeBridge interface {
	// EnableFunction enables the PCIe function matching classCode at
	// slot/fn and returns its MMIO base address.
	EnableFunction(classCode uint32, slot, fn int) (mmioBase uintptr, err error)
	// BusAddress translates a CPU virtual address into the address the
	// controller sees across the PCIe fabric.
	BusAddress(virtual uintptr) (bus uintptr, err error)
}

// CoherentWindow is a pre-carved region of coherent memory the DMA
// allocator bump-allocates from.
type CoherentWindow interface {
	// Bytes returns the backing store. Its address range is
	// [Base(), Base()+len(Bytes())).
	Bytes() []byte
	// Base is the starting virtual address of the window.
	Base() uintptr
}

// TickClock is the bare-metal target's only notion of time: a free
// running tick counter, millisecond/microsecond busy-delays, and a
// cooperative sleep for interrupt mode.
type TickClock interface {
	// Ticks returns the current free-running tick count.
	Ticks() uint64
	// HZ returns the tick frequency.
	HZ() uint64
	// DelayMillis busy-waits for n milliseconds.
	DelayMillis(n uint64)
	// DelayMicros busy-waits for n microseconds.
	DelayMicros(n uint64)
	// SleepCooperative yields to the cooperative scheduler for d,
	// used only in interrupt mode's WaitReady.
	SleepCooperative(d time.Duration)
}

// CacheOps are the cache maintenance primitives required around any DMA
// transfer: invalidate before the CPU reads controller-written data,
// clean before the controller reads CPU-written data.
type CacheOps interface {
	CleanRange(addr uintptr, n int)
	InvalidateRange(addr uintptr, n int)
}

// InterruptMux exposes connect/disconnect for the PCIe INTA line and
// per-vector mask/unmask, used only in interrupt wait mode.
type InterruptMux interface {
	Connect(line int, handler func()) error
	Disconnect(line int) error
	MaskVector(v int)
	UnmaskVector(v int)
}
