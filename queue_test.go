package nvmedrv

import (
	"testing"

	"github.com/srilakshmi/nvmedrv/nvmeerr"
	"github.com/srilakshmi/nvmedrv/platform/platformtest"
)

// writeTestCompletion writes one completion entry at cqBuf's headIdx
// slot, matching the real queue layout byte-for-byte.
func writeTestCompletion(cqBuf []byte, headIdx int, phase, cid, sqid uint16, sct, sc uint8) {
	off := headIdx * cqEntrySize
	atomicStoreU32(cqBuf, off+cplOffDW0, 0)
	atomicStoreU32(cqBuf, off+8, uint32(sqid)<<16)
	status := phase & 0x1
	status |= uint16(sc) << 1
	status |= uint16(sct) << 9
	atomicStoreU32(cqBuf, off+12, uint32(cid)|uint32(status)<<16)
}

func newTestQueuePair(t *testing.T, timeoutTicks uint64) (*QueuePair, []byte) {
	t.Helper()
	mmio := make([]byte, 0x2000)
	sqBuf := make([]byte, 4*sqEntrySize)
	cqBuf := make([]byte, 4*cqEntrySize)
	clock := platformtest.NewClock(1_000_000)

	q := NewQueuePair(QueuePairConfig{
		Name:           "test",
		ID:             0,
		Entries:        4,
		MMIO:           NewAccessor(sliceBase(mmio)),
		DoorbellStride: 4,
		WaitMode:       WaitBusy,
		Clock:          clock,
		TimeoutTicks:   timeoutTicks,
	}, sqBuf, cqBuf, uint64(sliceBase(sqBuf)), uint64(sliceBase(cqBuf)))
	return q, cqBuf
}

// TestQueuePairSubmitMatchesCompletion plants a matching completion
// entry (phase 1, cid 0, sqid 0) before Submit even runs, so the poll
// loop's first iteration finds it.
func TestQueuePairSubmitMatchesCompletion(t *testing.T) {
	q, cqBuf := newTestQueuePair(t, 1_000_000)
	writeTestCompletion(cqBuf, 0, 1, 0, 0, 0, 0)

	cdw0, err := q.Submit(opFlush, identifyNSID, 0, 0, 0, 0, 0)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if cdw0 != 0 {
		t.Fatalf("cdw0 = %#x, want 0", cdw0)
	}
	if q.sqTail != 1 {
		t.Fatalf("sqTail = %d, want 1", q.sqTail)
	}
	if q.cqHead != 1 {
		t.Fatalf("cqHead = %d, want 1", q.cqHead)
	}
}

func TestQueuePairDecodesLBARangeStatus(t *testing.T) {
	q, cqBuf := newTestQueuePair(t, 1_000_000)
	writeTestCompletion(cqBuf, 0, 1, 0, 0, 0, 0x80)

	_, err := q.Submit(opRead, identifyNSID, 0, 0, 0, 0, 0)
	if !nvmeerr.Is(err, nvmeerr.LBARange) {
		t.Fatalf("expected an LBA-range error, got %v", err)
	}
}

func TestQueuePairDecodesGenericControllerError(t *testing.T) {
	q, cqBuf := newTestQueuePair(t, 1_000_000)
	writeTestCompletion(cqBuf, 0, 1, 0, 0, 1, 0x02)

	_, err := q.Submit(opWrite, identifyNSID, 0, 0, 0, 0, 0)
	if !nvmeerr.Is(err, nvmeerr.Controller) {
		t.Fatalf("expected a controller error, got %v", err)
	}
}

func TestQueuePairTimesOutWithNoCompletion(t *testing.T) {
	q, _ := newTestQueuePair(t, 10)

	if _, err := q.Submit(opFlush, identifyNSID, 0, 0, 0, 0, 0); !nvmeerr.Is(err, nvmeerr.Timeout) {
		t.Fatalf("expected a timeout error, got %v", err)
	}
}

// TestQueuePairDoorbellOffsets checks the SQ/CQ doorbell formula for
// every DSTRD value a real CAP register can carry.
func TestQueuePairDoorbellOffsets(t *testing.T) {
	for dstrd := uint(0); dstrd <= 3; dstrd++ {
		stride := uintptr(4 << dstrd)
		q := &QueuePair{ID: 1, dbStride: stride}

		wantSQ := uintptr(0x1000) + 2*1*stride
		if got := q.sqDoorbell(); got != wantSQ {
			t.Fatalf("DSTRD=%d: sqDoorbell() = %#x, want %#x", dstrd, got, wantSQ)
		}
		if got := q.cqDoorbell(); got != wantSQ+4 {
			t.Fatalf("DSTRD=%d: cqDoorbell() = %#x, want %#x", dstrd, got, wantSQ+4)
		}
	}
}

func TestQueuePairWrapsPhaseOnCQWrap(t *testing.T) {
	mmio := make([]byte, 0x2000)
	sqBuf := make([]byte, 2*sqEntrySize)
	cqBuf := make([]byte, 2*cqEntrySize)
	clock := platformtest.NewClock(1_000_000)

	q := NewQueuePair(QueuePairConfig{
		Name:           "test",
		ID:             0,
		Entries:        2,
		MMIO:           NewAccessor(sliceBase(mmio)),
		DoorbellStride: 4,
		WaitMode:       WaitBusy,
		Clock:          clock,
		TimeoutTicks:   1_000_000,
	}, sqBuf, cqBuf, uint64(sliceBase(sqBuf)), uint64(sliceBase(cqBuf)))

	writeTestCompletion(cqBuf, 0, 1, 0, 0, 0, 0)
	if _, err := q.Submit(opFlush, identifyNSID, 0, 0, 0, 0, 0); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if q.expectedPhase != 1 {
		t.Fatalf("expectedPhase after slot 0 = %d, want 1 (no wrap yet)", q.expectedPhase)
	}

	writeTestCompletion(cqBuf, 1, 1, 1, 0, 0, 0)
	if _, err := q.Submit(opFlush, identifyNSID, 0, 0, 0, 0, 0); err != nil {
		t.Fatalf("second Submit: %v", err)
	}
	if q.expectedPhase != 0 {
		t.Fatalf("expectedPhase after wrap = %d, want 0", q.expectedPhase)
	}
	if q.cqHead != 0 {
		t.Fatalf("cqHead after wrap = %d, want 0", q.cqHead)
	}
}
