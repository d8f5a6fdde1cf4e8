// Package nvmedrv implements a PCIe NVMe block-device driver for a
// bare-metal target: one controller, one namespace, one admin queue
// pair, one I/O queue pair, 512-byte logical blocks. It brings the
// controller from reset to a state where those blocks can be read,
// written, and flushed, and exposes them as a byte-addressable,
// seekable device.
package nvmedrv

import (
	"time"

	"github.com/srilakshmi/nvmedrv/platform"
)

// NVMe register offsets this driver reads or writes, relative to the
// MMIO base the PCIeBridge hands back.
const (
	regCAP   = 0x00
	regVER   = 0x08
	regINTMS = 0x0C
	regINTMC = 0x10
	regCC    = 0x14
	regCSTS  = 0x1C
	regAQA   = 0x24
	regASQ   = 0x28
	regACQ   = 0x30
)

// Admin and NVM opcodes this driver issues.
const (
	opCreateIOSQ = 0x01
	opCreateIOCQ = 0x05
	opIdentify   = 0x06

	opFlush = 0x00
	opWrite = 0x01
	opRead  = 0x02
)

const (
	nvmeClassCode = 0x010802
	blockSize     = 512
	adminEntries  = 64
	ioEntries     = 64
	identifyNSID  = 1
	ioQueueID     = 1

	defaultReadyTimeout = 5 * time.Second
)

// ControllerConfig configures a single Controller instance.
type ControllerConfig struct {
	// PCISlot/PCIFunction select which PCIe function to enable.
	PCISlot     int
	PCIFunction int

	// WaitMode selects busy-wait or interrupt-driven waiting for
	// WaitReady and for completions on the I/O queue. The admin queue
	// always busy-waits.
	WaitMode WaitMode
	// IRQLine is the PCIe INTA line number to connect in interrupt
	// mode; unused in busy-wait mode.
	IRQLine int
	// IRQVector is the interrupt vector programmed into CREATE I/O CQ.
	// In interrupt mode Initialize masks every vector through INTMS, and
	// the unmask before each I/O submission always targets vector 0,
	// whatever this field holds.
	IRQVector int

	// ReadOnly rejects every Write call with nvmeerr.ReadOnly.
	ReadOnly bool

	Bridge     platform.PCIeBridge
	Window     platform.CoherentWindow
	Clock      platform.TickClock
	CacheOps   platform.CacheOps
	Interrupts platform.InterruptMux

	// Registry, if non-nil, is where Initialize registers the finished
	// device under the name "nvme1" once it comes up.
	Registry Registry
}
