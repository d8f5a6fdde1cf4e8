package nvmedrv

import (
	"encoding/binary"
	"fmt"
	"time"
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/srilakshmi/nvmedrv/nvmeerr"
)

// cacheLineSize is the bounce-buffer alignment threshold: a user buffer
// whose address isn't a multiple of this is substituted with a heap
// bounce buffer before being handed to the controller as a DMA target.
const cacheLineSize = 64

// Registry is the minimal shape this driver needs from a device-name
// registry, satisfied by *devreg.Registry without either package
// importing the other.
type Registry interface {
	Register(name string, dev any)
}

// Controller owns one NVMe controller: its MMIO window, admin and I/O
// queue pairs, the DMA allocator both draw from, and the current byte
// cursor used by Seek/Read/Write.
type Controller struct {
	cfg ControllerConfig

	mmio              *Accessor
	dbStride          uintptr
	readyTimeoutTicks uint64

	alloc *DMAAllocator
	admin *QueuePair
	io    *QueuePair

	nsSizeBytes int64
	model       string

	offset int64

	log *logrus.Entry
}

// Initialize runs the reset -> admin-queue setup -> enable -> Identify
// -> I/O-queue creation state machine and returns a ready Controller.
// Any failure aborts and is returned unchanged; the caller (the
// surrounding boot sequence) treats initialization failure as fatal.
func Initialize(cfg ControllerConfig) (*Controller, error) {
	log := logrus.WithFields(logrus.Fields{"component": "nvmedrv"})

	c := &Controller{cfg: cfg, log: log}

	mmioBase, err := cfg.Bridge.EnableFunction(nvmeClassCode, cfg.PCISlot, cfg.PCIFunction)
	if err != nil {
		log.WithError(err).Error("nvme: failed to enable PCIe function")
		return nil, nvmeerr.New("Initialize", nvmeerr.Controller, err)
	}
	c.mmio = NewAccessor(mmioBase)
	log.WithField("step", "enumerate").Debug("nvme: function enabled")

	if err := c.checkVersion(); err != nil {
		return nil, err
	}
	c.deriveCapabilities()

	if err := c.disableAndWait(); err != nil {
		return nil, err
	}

	if cfg.WaitMode == WaitInterrupt {
		c.mmio.Write32(regINTMS, 0xFFFFFFFF)
		if cfg.Interrupts != nil {
			if err := cfg.Interrupts.Connect(cfg.IRQLine, func() {}); err != nil {
				log.WithError(err).Error("nvme: failed to connect INTA")
				return nil, nvmeerr.New("Initialize", nvmeerr.Controller, err)
			}
		}
	}

	c.alloc = NewDMAAllocator(cfg.Window, log)

	if err := c.setupAdminQueue(); err != nil {
		return nil, err
	}

	if err := c.enable(); err != nil {
		return nil, err
	}

	if err := c.createIOQueue(); err != nil {
		return nil, err
	}

	if err := c.identify(); err != nil {
		return nil, err
	}

	if cfg.Registry != nil {
		cfg.Registry.Register("nvme1", c)
	}

	log.WithFields(logrus.Fields{"step": "ready", "namespace_bytes": c.nsSizeBytes, "model": c.model}).
		Info("nvme: controller ready")

	return c, nil
}

func (c *Controller) checkVersion() error {
	ver := c.mmio.Read32(regVER)
	major := ver >> 16
	minor := (ver >> 8) & 0xFF
	if major != 1 || (minor != 3 && minor != 4) {
		err := fmt.Errorf("unsupported NVMe version %d.%d", major, minor)
		c.log.WithError(err).Error("nvme: Identify rejection")
		return nvmeerr.New("Initialize", nvmeerr.Controller, err)
	}
	return nil
}

func (c *Controller) deriveCapabilities() {
	cap64 := c.mmio.Read64(regCAP)
	dstrd := uint32((cap64 >> 32) & 0xF)
	c.dbStride = uintptr(4 << dstrd)

	to := uint32((cap64 >> 24) & 0xFF)
	timeout := time.Duration(to) * 500 * time.Millisecond
	if to == 0 {
		timeout = defaultReadyTimeout
	}
	hz := c.cfg.Clock.HZ()
	c.readyTimeoutTicks = uint64(timeout.Seconds() * float64(hz))
}

func (c *Controller) disableAndWait() error {
	cc := c.mmio.Read32(regCC)
	c.mmio.Write32(regCC, cc&^0x1)
	return c.waitReady(false)
}

// waitReady polls CSTS.RDY until it matches want, busy-waiting with 1ms
// delays (or cooperatively sleeping, in interrupt mode) and failing with
// TIMEOUT past the derived ready-timeout budget.
func (c *Controller) waitReady(want bool) error {
	start := c.cfg.Clock.Ticks()
	for {
		csts := c.mmio.Read32(regCSTS)
		ready := csts&0x1 != 0
		if ready == want {
			return nil
		}
		if c.cfg.WaitMode == WaitInterrupt {
			c.cfg.Clock.SleepCooperative(time.Millisecond)
		} else {
			c.cfg.Clock.DelayMillis(1)
		}
		if c.cfg.Clock.Ticks()-start > c.readyTimeoutTicks {
			c.log.WithField("want_ready", want).Warn("nvme: ready-bit wait timed out")
			return nvmeerr.New("Initialize", nvmeerr.Timeout, nil)
		}
	}
}

func (c *Controller) setupAdminQueue() error {
	sqAddr, err := c.alloc.Alloc(adminEntries*sqEntrySize, pageSize, pageBoundary1MiB)
	if err != nil {
		return nvmeerr.New("Initialize", nvmeerr.NoResource, err)
	}
	cqAddr, err := c.alloc.Alloc(adminEntries*cqEntrySize, pageSize, pageBoundary1MiB)
	if err != nil {
		return nvmeerr.New("Initialize", nvmeerr.NoResource, err)
	}
	sqBuf := c.alloc.Bytes(sqAddr, adminEntries*sqEntrySize)
	cqBuf := c.alloc.Bytes(cqAddr, adminEntries*cqEntrySize)
	zero(sqBuf)
	zero(cqBuf)

	sqBus, err := c.cfg.Bridge.BusAddress(sqAddr)
	if err != nil {
		return nvmeerr.New("Initialize", nvmeerr.NoResource, err)
	}
	cqBus, err := c.cfg.Bridge.BusAddress(cqAddr)
	if err != nil {
		return nvmeerr.New("Initialize", nvmeerr.NoResource, err)
	}

	c.mmio.Write32(regAQA, uint32(adminEntries-1)|uint32(adminEntries-1)<<16)
	c.mmio.Write64(regASQ, uint64(sqBus))
	c.mmio.Write64(regACQ, uint64(cqBus))

	c.admin = NewQueuePair(QueuePairConfig{
		Name:           "admin",
		ID:             0,
		Entries:        adminEntries,
		MMIO:           c.mmio,
		DoorbellStride: c.dbStride,
		WaitMode:       WaitBusy,
		Clock:          c.cfg.Clock,
		TimeoutTicks:   c.readyTimeoutTicks,
		Log:            c.log,
	}, sqBuf, cqBuf, uint64(sqBus), uint64(cqBus))

	c.log.Debug("nvme: admin queue programmed")
	return nil
}

func (c *Controller) enable() error {
	cc := c.mmio.Read32(regCC)
	cc &^= 0xF << 16 // clears IOSQES (bits 16-19) only; IOCQES (bits 20-23) is not cleared
	cc |= 6 << 16    // IOSQES = 6 (64B)
	cc |= 4 << 20    // IOCQES = 4 (16B)
	cc |= 1          // EN
	c.mmio.Write32(regCC, cc)
	if err := c.waitReady(true); err != nil {
		return err
	}
	c.log.Debug("nvme: controller enabled")
	return nil
}

func (c *Controller) createIOQueue() error {
	sqAddr, err := c.alloc.AllocPage()
	if err != nil {
		return nvmeerr.New("Initialize", nvmeerr.NoResource, err)
	}
	cqAddr, err := c.alloc.AllocPage()
	if err != nil {
		return nvmeerr.New("Initialize", nvmeerr.NoResource, err)
	}
	sqBuf := c.alloc.Bytes(sqAddr, ioEntries*sqEntrySize)
	cqBuf := c.alloc.Bytes(cqAddr, ioEntries*cqEntrySize)

	sqBus, err := c.cfg.Bridge.BusAddress(sqAddr)
	if err != nil {
		return nvmeerr.New("Initialize", nvmeerr.NoResource, err)
	}
	cqBus, err := c.cfg.Bridge.BusAddress(cqAddr)
	if err != nil {
		return nvmeerr.New("Initialize", nvmeerr.NoResource, err)
	}

	ien := uint32(0)
	if c.cfg.WaitMode == WaitInterrupt {
		ien = 1
	}

	// CREATE I/O CQ (opcode 0x05) precedes CREATE I/O SQ (opcode 0x01):
	// the SQ creation references the CQ it drains into.
	cqw11 := uint32(1) | ien<<1 | uint32(c.cfg.IRQVector)<<16
	cqw10 := uint32(ioQueueID) | uint32(ioEntries-1)<<16
	if _, err := c.admin.Submit(opCreateIOCQ, 0, cqw10, cqw11, 0, uint64(cqBus), 0); err != nil {
		return nvmeerr.New("Initialize", nvmeerr.Controller, err)
	}

	sqw11 := uint32(1) | uint32(ioQueueID)<<16
	sqw10 := uint32(ioQueueID) | uint32(ioEntries-1)<<16
	if _, err := c.admin.Submit(opCreateIOSQ, 0, sqw10, sqw11, 0, uint64(sqBus), 0); err != nil {
		return nvmeerr.New("Initialize", nvmeerr.Controller, err)
	}

	c.io = NewQueuePair(QueuePairConfig{
		Name:           "io",
		ID:             ioQueueID,
		Entries:        ioEntries,
		MMIO:           c.mmio,
		DoorbellStride: c.dbStride,
		WaitMode:       c.cfg.WaitMode,
		Clock:          c.cfg.Clock,
		Interrupts:     c.cfg.Interrupts,
		IRQLine:        c.cfg.IRQLine,
		TimeoutTicks:   c.readyTimeoutTicks,
		Log:            c.log,
	}, sqBuf, cqBuf, uint64(sqBus), uint64(cqBus))

	c.log.Debug("nvme: I/O queue created")
	return nil
}

func (c *Controller) identify() error {
	bufAddr, err := c.alloc.AllocPage()
	if err != nil {
		return nvmeerr.New("Initialize", nvmeerr.NoResource, err)
	}
	bus, err := c.cfg.Bridge.BusAddress(bufAddr)
	if err != nil {
		return nvmeerr.New("Initialize", nvmeerr.NoResource, err)
	}
	buf := c.alloc.Bytes(bufAddr, pageSize)

	// CNS=0: Identify Namespace.
	if _, err := c.admin.Submit(opIdentify, identifyNSID, 0, 0, 0, uint64(bus), 0); err != nil {
		return nvmeerr.New("Initialize", nvmeerr.Controller, err)
	}
	if err := c.parseIdentifyNamespace(buf); err != nil {
		return err
	}

	// CNS=1: Identify Controller.
	if _, err := c.admin.Submit(opIdentify, 0, 1, 0, 0, uint64(bus), 0); err != nil {
		return nvmeerr.New("Initialize", nvmeerr.Controller, err)
	}
	c.model = parseModel(buf)

	c.alloc.Free(bufAddr)
	return nil
}

func (c *Controller) parseIdentifyNamespace(buf []byte) error {
	nsSizeBlocks := binary.LittleEndian.Uint64(buf[0:])
	flbas := buf[26]
	lbaFormatOff := 128 + 4*int(flbas&0x0F)
	lbaFormat := binary.LittleEndian.Uint32(buf[lbaFormatOff:])
	ms := uint16(lbaFormat & 0xFFFF)
	lbads := uint8((lbaFormat >> 16) & 0xFF)

	if ms != 0 {
		err := fmt.Errorf("unsupported metadata size %d", ms)
		return nvmeerr.New("Initialize", nvmeerr.Controller, err)
	}
	if (1 << lbads) != blockSize {
		err := fmt.Errorf("unsupported LBA data size 2^%d, want %d bytes", lbads, blockSize)
		return nvmeerr.New("Initialize", nvmeerr.Controller, err)
	}

	c.nsSizeBytes = int64(nsSizeBlocks) * blockSize
	return nil
}

func parseModel(buf []byte) string {
	return string(buf[24:64])
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Close writes CC.EN=0 and waits for CSTS.RDY=0, the mirror image of
// the enable sequence Initialize runs.
func (c *Controller) Close() error {
	cc := c.mmio.Read32(regCC)
	c.mmio.Write32(regCC, cc&^0x1)
	return c.waitReady(false)
}

// Seek unconditionally assigns the byte cursor and returns it; there is
// no error path.
func (c *Controller) Seek(offset int64) int64 {
	c.offset = offset
	return c.offset
}

// GetSize returns the namespace size discovered during Initialize.
func (c *Controller) GetSize() int64 { return c.nsSizeBytes }

// Model returns the 40-byte model string discovered during Initialize.
func (c *Controller) Model() string { return c.model }

func isCacheAligned(buf []byte) bool {
	if len(buf) == 0 {
		return true
	}
	addr := uintptr(unsafe.Pointer(&buf[0]))
	return addr%cacheLineSize == 0 && len(buf)%cacheLineSize == 0
}

// Read validates block alignment, obtains a cache-aligned transfer
// target (bouncing through a heap buffer if buf isn't one), issues an
// NVM Read, invalidates caches around the DMA window, and copies out of
// the bounce buffer if one was used.
func (c *Controller) Read(buf []byte, count int) (int, error) {
	if c.offset%blockSize != 0 || count%blockSize != 0 || count == 0 {
		return 0, nvmeerr.New("Read", nvmeerr.BadParam, nil)
	}
	if count > len(buf) {
		return 0, nvmeerr.New("Read", nvmeerr.BadParam, nil)
	}

	target := buf[:count]
	bounce := !isCacheAligned(target)
	if bounce {
		target = make([]byte, count)
	}

	lba := uint64(c.offset) / blockSize
	nblocks := uint32(count/blockSize) - 1

	if err := c.doIO(opRead, target, lba, nblocks); err != nil {
		return 0, err
	}

	if bounce {
		copy(buf[:count], target)
	}
	return count, nil
}

// Write mirrors Read: it copies the user payload into a bounce buffer
// when necessary, cleans the buffer before the DMA write, and refuses
// outright when the driver was built read-only.
func (c *Controller) Write(buf []byte, count int) (int, error) {
	if c.cfg.ReadOnly {
		return 0, nvmeerr.New("Write", nvmeerr.ReadOnly, nil)
	}
	if c.offset%blockSize != 0 || count%blockSize != 0 || count == 0 {
		return 0, nvmeerr.New("Write", nvmeerr.BadParam, nil)
	}
	if count > len(buf) {
		return 0, nvmeerr.New("Write", nvmeerr.BadParam, nil)
	}

	target := buf[:count]
	bounce := !isCacheAligned(target)
	if bounce {
		target = make([]byte, count)
		copy(target, buf[:count])
	}

	lba := uint64(c.offset) / blockSize
	nblocks := uint32(count/blockSize) - 1

	if err := c.doIO(opWrite, target, lba, nblocks); err != nil {
		return 0, err
	}
	return count, nil
}

// doIO builds a PRP descriptor over target, submits the read/write
// command on the I/O queue, and manages the cache-coherence window
// around the DMA transfer: clean-before-write, invalidate-after-read.
func (c *Controller) doIO(opcode uint8, target []byte, lba uint64, nblocks uint32) error {
	addr := uintptr(unsafe.Pointer(&target[0]))

	if opcode == opWrite && c.cfg.CacheOps != nil {
		c.cfg.CacheOps.CleanRange(addr, len(target))
	}
	if opcode == opRead && c.cfg.CacheOps != nil {
		c.cfg.CacheOps.InvalidateRange(addr, len(target))
	}

	prp, err := BuildPRP(c.alloc, c.cfg.Bridge, addr, len(target))
	if err != nil {
		return err
	}
	defer prp.Release()

	cdw10 := uint32(lba)
	cdw11 := uint32(lba >> 32)
	cdw12 := nblocks

	_, err = c.io.Submit(opcode, identifyNSID, cdw10, cdw11, cdw12, prp.PRP1, prp.PRP2)

	if opcode == opRead && c.cfg.CacheOps != nil {
		c.cfg.CacheOps.InvalidateRange(addr, len(target))
	}
	return err
}

// Flush submits an NVM FLUSH command on namespace 1.
func (c *Controller) Flush() error {
	_, err := c.io.Submit(opFlush, identifyNSID, 0, 0, 0, 0, 0)
	return err
}

// IOCtl only implements IOCtlSync, which Flushes; any other code is
// BadParam.
func (c *Controller) IOCtl(code int) error {
	if code != IOCtlSync {
		return nvmeerr.New("IOCtl", nvmeerr.BadParam, nil)
	}
	return c.Flush()
}

