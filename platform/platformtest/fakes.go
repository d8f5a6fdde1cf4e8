// Package platformtest provides fake implementations of the platform
// collaborator interfaces good enough to drive every invariant in the
// driver's test suite: a mock MMIO register window, a mock PCIe bridge,
// a tick clock with no real delay, and no-op cache/interrupt
// primitives.
package platformtest

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"
)

func sliceAddr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// Window is a CoherentWindow backed by real (or best-effort) mapped
// memory, released by Close.
type Window struct {
	*mmapWindow
	cleanup func()
}

// NewWindow allocates a size-byte coherent memory window for the DMA
// allocator.
func NewWindow(size int) (*Window, error) {
	w, cleanup, err := newBackingWindow(size)
	if err != nil {
		return nil, err
	}
	return &Window{mmapWindow: w, cleanup: cleanup}, nil
}

// Close releases the backing mapping.
func (w *Window) Close() {
	if w.cleanup != nil {
		w.cleanup()
		w.cleanup = nil
	}
}

// Bridge is a fake PCIeBridge. It identity-maps virtual to bus
// addresses (the host-side harness has no real IOMMU to exercise) and
// simulates an enumerable function at a fixed MMIO base.
type Bridge struct {
	MMIOBase    uintptr
	ClassCode   uint32
	DeniedSlot  bool
	TranslateFn func(uintptr) (uintptr, error)
}

// NewBridge builds a Bridge that serves mmio (a register window backed
// by a plain byte slice the controller will treat as its MMIO space).
func NewBridge(mmio []byte, classCode uint32) *Bridge {
	return &Bridge{MMIOBase: sliceAddr(mmio), ClassCode: classCode}
}

func (b *Bridge) EnableFunction(classCode uint32, slot, fn int) (uintptr, error) {
	if b.DeniedSlot {
		return 0, fmt.Errorf("platformtest: no function at slot %d fn %d", slot, fn)
	}
	if classCode != b.ClassCode {
		return 0, fmt.Errorf("platformtest: class code mismatch: want %#x got %#x", b.ClassCode, classCode)
	}
	return b.MMIOBase, nil
}

func (b *Bridge) BusAddress(virtual uintptr) (uintptr, error) {
	if b.TranslateFn != nil {
		return b.TranslateFn(virtual)
	}
	return virtual, nil
}

// Clock is a fake TickClock with a manually advanceable counter and
// zero real-time delay, so timeout tests run instantly.
type Clock struct {
	hz     uint64
	ticks  atomic.Uint64
	delays atomic.Uint64 // number of delay calls observed, for assertions
}

// NewClock builds a Clock ticking at hz.
func NewClock(hz uint64) *Clock {
	return &Clock{hz: hz}
}

func (c *Clock) Ticks() uint64 { return c.ticks.Load() }
func (c *Clock) HZ() uint64    { return c.hz }

// Advance moves the tick counter forward by n ticks; tests use this to
// simulate the passage of time instead of sleeping.
func (c *Clock) Advance(n uint64) { c.ticks.Add(n) }

func (c *Clock) DelayMillis(n uint64) {
	c.delays.Add(1)
	c.ticks.Add(n * c.hz / 1000)
}

func (c *Clock) DelayMicros(n uint64) {
	c.delays.Add(1)
	c.ticks.Add(n * c.hz / 1_000_000)
}

func (c *Clock) SleepCooperative(d time.Duration) {
	c.delays.Add(1)
	c.ticks.Add(uint64(d.Seconds() * float64(c.hz)))
}

// Delays reports how many delay/sleep calls were observed.
func (c *Clock) Delays() uint64 { return c.delays.Load() }

// CacheLog is a fake CacheOps that records calls for assertions instead
// of doing anything to memory (the host test process has no notion of
// incoherent caches).
type CacheLog struct {
	mu      sync.Mutex
	Cleans  []Range
	Invalid []Range
}

// Range records one CleanRange/InvalidateRange call.
type Range struct {
	Addr uintptr
	Len  int
}

func (c *CacheLog) CleanRange(addr uintptr, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Cleans = append(c.Cleans, Range{addr, n})
}

func (c *CacheLog) InvalidateRange(addr uintptr, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Invalid = append(c.Invalid, Range{addr, n})
}

// Interrupts is a fake InterruptMux. Connect stores the handler; Fire
// lets a test simulate the controller raising INTA.
type Interrupts struct {
	mu       sync.Mutex
	handlers map[int]func()
	masked   map[int]bool
}

// NewInterrupts builds an empty Interrupts fake.
func NewInterrupts() *Interrupts {
	return &Interrupts{handlers: map[int]func(){}, masked: map[int]bool{}}
}

func (im *Interrupts) Connect(line int, handler func()) error {
	im.mu.Lock()
	defer im.mu.Unlock()
	im.handlers[line] = handler
	return nil
}

func (im *Interrupts) Disconnect(line int) error {
	im.mu.Lock()
	defer im.mu.Unlock()
	delete(im.handlers, line)
	return nil
}

func (im *Interrupts) MaskVector(v int) {
	im.mu.Lock()
	defer im.mu.Unlock()
	im.masked[v] = true
}

func (im *Interrupts) UnmaskVector(v int) {
	im.mu.Lock()
	defer im.mu.Unlock()
	im.masked[v] = false
}

// Fire invokes the handler registered for line, if any and unmasked.
func (im *Interrupts) Fire(line, vector int) {
	im.mu.Lock()
	h, ok := im.handlers[line]
	masked := im.masked[vector]
	im.mu.Unlock()
	if ok && !masked {
		h()
	}
}
