//go:build unix

package platformtest

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// mmapWindow backs a CoherentWindow with a real anonymous mmap region so
// the DMA allocator in the host-side test harness bumps through actual
// page-aligned addresses instead of a plain Go slice.
type mmapWindow struct {
	buf  []byte
	base uintptr
}

func newBackingWindow(size int) (*mmapWindow, func(), error) {
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, fmt.Errorf("platformtest: mmap coherent window: %w", err)
	}
	w := &mmapWindow{buf: buf, base: sliceAddr(buf)}
	cleanup := func() { _ = unix.Munmap(buf) }
	return w, cleanup, nil
}

func (w *mmapWindow) Bytes() []byte { return w.buf }
func (w *mmapWindow) Base() uintptr { return w.base }
