package nvmedrv

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srilakshmi/nvmedrv/nvmeerr"
	"github.com/srilakshmi/nvmedrv/platform"
)

// WaitMode selects how PollForCompletion and WaitReady wait: busy
// polling with a fixed per-iteration delay, or blocking on an interrupt
// event with a timeout and re-verifying the completion slot on wake
// (spurious wake-ups are treated as continued polling).
type WaitMode int

const (
	WaitBusy WaitMode = iota
	WaitInterrupt
)

// interruptPollChunk is the per-iteration wait the interrupt-mode poll
// loop blocks for when the completion event hasn't fired yet, so the
// overall timeout budget is still enforced through the same TickClock
// both wait modes use.
const interruptPollChunk = 100 * time.Microsecond

// QueuePair owns one Submission/Completion ring pair: its entry count,
// tail/head indices, and the phase bit discipline needed to tell a
// fresh completion from a stale one. No more than entries-1 commands
// may be outstanding at once; this driver only ever has 0 or 1.
type QueuePair struct {
	Name    string
	ID      uint16
	Entries uint16

	sqBuf []byte
	cqBuf []byte
	sqBus uint64
	cqBus uint64

	sqTail        uint16
	cqHead        uint16
	expectedPhase uint16

	mmio     *Accessor
	dbStride uintptr

	waitMode   WaitMode
	clock      platform.TickClock
	interrupts platform.InterruptMux
	irqLine    int
	irqVector  int
	eventCh    chan struct{}

	timeoutTicks uint64
	log          *logrus.Entry
}

// QueuePairConfig carries everything NewQueuePair needs beyond the ring
// memory itself.
type QueuePairConfig struct {
	Name           string
	ID             uint16
	Entries        uint16
	MMIO           *Accessor
	DoorbellStride uintptr
	WaitMode       WaitMode
	Clock          platform.TickClock
	Interrupts     platform.InterruptMux
	IRQLine        int
	TimeoutTicks   uint64
	Log            *logrus.Entry
}

// NewQueuePair wires sqBuf/cqBuf (already allocated DMA memory of the
// right size) into a QueuePair. Phase starts at 1, as spec'd.
func NewQueuePair(cfg QueuePairConfig, sqBuf, cqBuf []byte, sqBus, cqBus uint64) *QueuePair {
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	q := &QueuePair{
		Name:          cfg.Name,
		ID:            cfg.ID,
		Entries:       cfg.Entries,
		sqBuf:         sqBuf,
		cqBuf:         cqBuf,
		sqBus:         sqBus,
		cqBus:         cqBus,
		expectedPhase: 1,
		mmio:          cfg.MMIO,
		dbStride:      cfg.DoorbellStride,
		waitMode:      cfg.WaitMode,
		clock:         cfg.Clock,
		interrupts:    cfg.Interrupts,
		irqLine:       cfg.IRQLine,
		timeoutTicks:  cfg.TimeoutTicks,
		eventCh:       make(chan struct{}, 1),
		log:           log.WithFields(logrus.Fields{"queue": cfg.Name, "qid": cfg.ID}),
	}
	if cfg.WaitMode == WaitInterrupt && cfg.Interrupts != nil {
		_ = cfg.Interrupts.Connect(cfg.IRQLine, q.onInterrupt)
	}
	return q
}

func (q *QueuePair) onInterrupt() {
	select {
	case q.eventCh <- struct{}{}:
	default:
	}
}

// sqDoorbell and cqDoorbell are the MMIO register offsets for this
// queue's pair of doorbells: 0x1000 + 2*qid*stride for SQ, +4 for CQ.
func (q *QueuePair) sqDoorbell() uintptr {
	return 0x1000 + uintptr(q.ID)*q.dbStride*2
}

func (q *QueuePair) cqDoorbell() uintptr {
	return q.sqDoorbell() + 4
}

// Submit enqueues one command, rings the SQ doorbell, and blocks until
// the matching completion arrives (or the command times out). It
// returns the completion's CDW0 on success.
func (q *QueuePair) Submit(opcode uint8, nsid uint32, cdw10, cdw11, cdw12 uint32, prp1, prp2 uint64) (uint32, error) {
	cid := q.sqTail
	slot := q.sqBuf[int(cid)*sqEntrySize : int(cid)*sqEntrySize+sqEntrySize]
	encodeCommand(slot, opcode, cid, nsid, prp1, prp2, cdw10, cdw11, cdw12)

	if q.waitMode == WaitInterrupt {
		q.drainEvent()
		q.interrupts.UnmaskVector(q.irqVector)
	}

	q.sqTail = (q.sqTail + 1) % q.Entries

	q.mmio.Barrier()
	q.mmio.Write32(q.sqDoorbell(), uint32(q.sqTail))

	q.log.WithFields(logrus.Fields{"opcode": opcode, "cid": cid, "nsid": nsid}).Debug("nvme: command submitted")

	return q.pollForCompletion(cid)
}

func (q *QueuePair) drainEvent() {
	select {
	case <-q.eventCh:
	default:
	}
}

// pollForCompletion runs the completion wait loop: a data-memory
// barrier at top, matching on phase+CID+SQID, advancing
// cq_head (and toggling phase on wrap) once matched, and ringing the CQ
// doorbell. Busy mode delays 1us per unmatched iteration; interrupt
// mode blocks on the completion event first.
func (q *QueuePair) pollForCompletion(cid uint16) (uint32, error) {
	start := q.clock.Ticks()

	for {
		q.mmio.DataMemoryBarrier()

		if q.waitMode == WaitInterrupt {
			select {
			case <-q.eventCh:
			case <-time.After(interruptPollChunk):
			}
		}

		off := int(q.cqHead) * cqEntrySize
		status := atomicLoadU16(q.cqBuf, off+cplOffStatus)
		ceCID := atomicLoadU16(q.cqBuf, off+cplOffCID)
		ceSQID := atomicLoadU16(q.cqBuf, off+cplOffSQID)

		if statusPhase(status) == q.expectedPhase&0x1 && ceCID == cid && ceSQID == q.ID {
			cdw0 := atomicLoadU32(q.cqBuf, off+cplOffDW0)
			q.cqHead = (q.cqHead + 1) % q.Entries
			if q.cqHead == 0 {
				q.expectedPhase ^= 1
			}
			q.mmio.Barrier()
			q.mmio.Write32(q.cqDoorbell(), uint32(q.cqHead))
			return decodeStatus(statusSCT(status), statusSC(status), cdw0, q.log)
		}

		if q.waitMode == WaitBusy {
			q.clock.DelayMicros(1)
		} else {
			q.clock.SleepCooperative(interruptPollChunk)
		}

		if q.clock.Ticks()-start > q.timeoutTicks {
			q.log.WithField("cid", cid).Warn("nvme: completion wait timed out")
			return 0, nvmeerr.New("queue.PollForCompletion", nvmeerr.Timeout, nil)
		}
	}
}

// decodeStatus maps SCT/SC into the driver's error taxonomy: SCT=0,SC=0
// is success; SCT=0,SC=0x80 is an LBA-out-of-range signal; anything else
// non-zero is a generic controller error.
func decodeStatus(sct, sc uint8, cdw0 uint32, log *logrus.Entry) (uint32, error) {
	if sct == 0 && sc == 0 {
		return cdw0, nil
	}
	if sct == 0 && sc == 0x80 {
		return cdw0, nvmeerr.New("queue.decodeStatus", nvmeerr.LBARange, nil)
	}
	log.WithFields(logrus.Fields{"sct": sct, "sc": sc}).Warn("nvme: controller error completion")
	return cdw0, nvmeerr.New("queue.decodeStatus", nvmeerr.Controller, nil)
}
