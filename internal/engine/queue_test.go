package engine

import (
	"testing"

	"github.com/ublksrv/goublk/internal/logging"
	"github.com/ublksrv/goublk/internal/uapi"
	"github.com/ublksrv/goublk/internal/uring"
	"github.com/ublksrv/goublk/internal/userdata"
)

// fakeResult and fakeRing give queue_test enough of uring.Ring to drive the
// state machine without a kernel.
type fakeResult struct {
	userData uint64
	value    int32
}

func (r *fakeResult) UserData() uint64 { return r.userData }
func (r *fakeResult) Value() int32     { return r.value }
func (r *fakeResult) Error() error     { return nil }

type fakeRing struct {
	prepared   []uint64 // userData of each PrepareIOCmd call, in order
	flushCalls int
	batches    [][]uring.Result // each ReapCQEs call pops one batch
}

func (f *fakeRing) Close() error { return nil }
func (f *fakeRing) SubmitCtrlCmd(cmd uint32, c *uapi.UblksrvCtrlCmd, ud uint64) (uring.Result, error) {
	return &fakeResult{}, nil
}
func (f *fakeRing) SubmitCtrlCmdAsync(cmd uint32, c *uapi.UblksrvCtrlCmd, ud uint64) (*uring.AsyncHandle, error) {
	return nil, nil
}
func (f *fakeRing) SubmitIOCmd(cmd uint32, ioCmd *uapi.UblksrvIOCmd, ud uint64) (uring.Result, error) {
	return &fakeResult{}, nil
}
func (f *fakeRing) PrepareIOCmd(cmd uint32, ioCmd *uapi.UblksrvIOCmd, ud uint64) error {
	f.prepared = append(f.prepared, ud)
	return nil
}
func (f *fakeRing) FlushSubmissions() (uint32, error) {
	f.flushCalls++
	n := uint32(len(f.prepared))
	return n, nil
}
func (f *fakeRing) WaitForCompletion(timeout int) ([]uring.Result, error) { return nil, nil }
func (f *fakeRing) NewBatch() uring.Batch                                 { return nil }
func (f *fakeRing) RegisterFiles(fds []int32) error                      { return nil }
func (f *fakeRing) UnregisterFiles() error                               { return nil }
func (f *fakeRing) SubmitAndWait(waitNr uint32) (uint32, error)           { return 0, nil }
func (f *fakeRing) ReapCQEs() []uring.Result {
	if len(f.batches) == 0 {
		return nil
	}
	out := f.batches[0]
	f.batches = f.batches[1:]
	return out
}
func (f *fakeRing) PrepareTargetSQE(fixedFd int32, opcode uint8, addr uintptr, length uint32, offset uint64, ud uint64) error {
	return nil
}

// fakeTarget records QueueIO/TgtIoDone calls and completes synchronously.
type fakeTarget struct {
	queueIOCalls   []uint16
	tgtIoDoneCalls []uint64 // user_data of each TgtIoDone invocation
	completeWith   int32
}

func (t *fakeTarget) InitTgt(dev *Dev) (interface{}, error) { return nil, nil }
func (t *fakeTarget) DeinitTgt(dev *Dev)                    {}
func (t *fakeTarget) TgtType() string                       { return "fake" }
func (t *fakeTarget) QueueIO(q *Queue, tag uint16) error {
	t.queueIOCalls = append(t.queueIOCalls, tag)
	return q.CompleteIO(tag, t.completeWith)
}
func (t *fakeTarget) TgtIoDone(q *Queue, tag uint16, res int32, userData uint64) {
	t.tgtIoDoneCalls = append(t.tgtIoDoneCalls, userData)
}

func newTestQueue(depth int, target *fakeTarget, ring *fakeRing) *Queue {
	dev := &Dev{Target: target}
	q := &Queue{
		dev:     dev,
		qid:     0,
		depth:   depth,
		ring:    ring,
		flags:   make([]slotFlags, depth),
		results: make([]int32, depth),
		ioCmds:  make([]uapi.UblksrvIOCmd, depth),
		logger:  logging.Default(),
	}
	for i := range q.flags {
		q.flags[i] = slotNeedFetch | slotFree
		q.results[i] = -1
	}
	return q
}

func TestPrimeSubmitsFetchForEveryTag(t *testing.T) {
	ring := &fakeRing{}
	q := newTestQueue(4, &fakeTarget{}, ring)
	q.bufPtr = nil // Prime doesn't dereference bufPtr beyond arithmetic

	if err := q.Prime(); err != nil {
		t.Fatalf("Prime: %v", err)
	}
	if len(ring.prepared) != 4 {
		t.Fatalf("expected 4 FETCH_REQ, got %d", len(ring.prepared))
	}
	if q.cmdInflight != 4 {
		t.Errorf("cmdInflight = %d, want 4", q.cmdInflight)
	}
	for tag, ud := range ring.prepared {
		if userdata.Tag(ud) != uint16(tag) {
			t.Errorf("prepared[%d] tag = %d, want %d", tag, userdata.Tag(ud), tag)
		}
		if userdata.Op(ud) != uapi.UBLK_IO_FETCH_REQ {
			t.Errorf("prepared[%d] op = %d, want FETCH_REQ", tag, userdata.Op(ud))
		}
		if q.flags[tag] != 0 {
			t.Errorf("flags[%d] = %v, want 0 (inflight)", tag, q.flags[tag])
		}
	}
}

func TestHandleCQEOkDispatchesToTargetAndCommits(t *testing.T) {
	ring := &fakeRing{}
	target := &fakeTarget{completeWith: 512}
	q := newTestQueue(2, target, ring)
	q.cmdInflight = 2 // as if primed

	ud := userdata.Pack(0, uapi.UBLK_IO_FETCH_REQ, 0, false)
	if err := q.handleCQE(&fakeResult{userData: ud, value: uapi.UBLK_IO_RES_OK}); err != nil {
		t.Fatalf("handleCQE: %v", err)
	}

	if len(target.queueIOCalls) != 1 || target.queueIOCalls[0] != 0 {
		t.Fatalf("target.QueueIO calls = %v, want [0]", target.queueIOCalls)
	}
	if q.cmdInflight != 2 {
		// -1 from the reaped FETCH CQE, +1 from the COMMIT push CompleteIO issued.
		t.Errorf("cmdInflight = %d, want 2", q.cmdInflight)
	}
	if q.flags[0] != 0 {
		t.Errorf("flags[0] = %v, want 0 (commit inflight)", q.flags[0])
	}
	if len(ring.prepared) != 1 {
		t.Fatalf("expected 1 COMMIT_AND_FETCH prepared, got %d", len(ring.prepared))
	}
	if userdata.Op(ring.prepared[0]) != uapi.UBLK_IO_COMMIT_AND_FETCH_REQ {
		t.Errorf("prepared op = %d, want COMMIT_AND_FETCH_REQ", userdata.Op(ring.prepared[0]))
	}
}

func TestHandleCQEAbortLatchesStoppingWithoutRearmingFetch(t *testing.T) {
	ring := &fakeRing{}
	q := newTestQueue(1, &fakeTarget{}, ring)
	q.cmdInflight = 1

	ud := userdata.Pack(0, uapi.UBLK_IO_FETCH_REQ, 0, false)
	if err := q.handleCQE(&fakeResult{userData: ud, value: uapi.UBLK_IO_RES_ABORT}); err != nil {
		t.Fatalf("handleCQE: %v", err)
	}

	if q.state&stateStopping == 0 {
		t.Error("expected STOPPING to be latched")
	}
	if q.flags[0]&slotNeedFetch != 0 {
		t.Error("NEED_FETCH should be cleared after ABORT")
	}
	if q.flags[0]&slotFree == 0 {
		t.Error("slot should be FREE after ABORT")
	}
	if q.cmdInflight != 0 {
		t.Errorf("cmdInflight = %d, want 0", q.cmdInflight)
	}
	if !q.isDone() {
		t.Error("queue should be done: STOPPING latched and cmdInflight == 0")
	}
}

func TestHandleCQEOkAfterStoppingStillDispatches(t *testing.T) {
	ring := &fakeRing{}
	target := &fakeTarget{completeWith: 512}
	q := newTestQueue(2, target, ring)
	q.cmdInflight = 2

	// Tag 0's ABORT latches STOPPING.
	abortUD := userdata.Pack(0, uapi.UBLK_IO_FETCH_REQ, 0, false)
	if err := q.handleCQE(&fakeResult{userData: abortUD, value: uapi.UBLK_IO_RES_ABORT}); err != nil {
		t.Fatalf("handleCQE(abort): %v", err)
	}
	if q.state&stateStopping == 0 {
		t.Fatal("STOPPING not latched")
	}

	// Tag 1's OK still carries a real request and must reach the target,
	// whose synchronous completion commits as usual.
	okUD := userdata.Pack(1, uapi.UBLK_IO_FETCH_REQ, 0, false)
	if err := q.handleCQE(&fakeResult{userData: okUD, value: uapi.UBLK_IO_RES_OK}); err != nil {
		t.Fatalf("handleCQE(ok): %v", err)
	}

	if len(target.queueIOCalls) != 1 || target.queueIOCalls[0] != 1 {
		t.Fatalf("target.QueueIO calls = %v, want [1]", target.queueIOCalls)
	}
	if len(ring.prepared) != 1 || userdata.Op(ring.prepared[0]) != uapi.UBLK_IO_COMMIT_AND_FETCH_REQ {
		t.Fatalf("expected 1 COMMIT_AND_FETCH prepared, got %v", ring.prepared)
	}
	// -1 for the ABORT, -1 for the OK, +1 for the pushed commit.
	if q.cmdInflight != 1 {
		t.Errorf("cmdInflight = %d, want 1", q.cmdInflight)
	}
}

func TestCompleteIORefusedOnlyAfterClose(t *testing.T) {
	ring := &fakeRing{}
	q := newTestQueue(1, &fakeTarget{}, ring)
	q.state |= stateStopping

	// STOPPING alone must not refuse a completion; the drain still needs it.
	if err := q.CompleteIO(0, 0); err != nil {
		t.Fatalf("CompleteIO while draining: %v", err)
	}

	q.closed = true
	if err := q.CompleteIO(0, 0); err != ErrQueueIsDown {
		t.Errorf("CompleteIO after close = %v, want ErrQueueIsDown", err)
	}
}

func TestHandleCQEErrorAfterStoppingClearsNeedFetch(t *testing.T) {
	ring := &fakeRing{}
	q := newTestQueue(1, &fakeTarget{}, ring)
	q.state |= stateStopping
	q.cmdInflight = 1

	ud := userdata.Pack(0, uapi.UBLK_IO_COMMIT_AND_FETCH_REQ, 0, false)
	if err := q.handleCQE(&fakeResult{userData: ud, value: -5}); err != nil {
		t.Fatalf("handleCQE: %v", err)
	}
	if q.flags[0]&slotNeedFetch != 0 {
		t.Error("NEED_FETCH should remain cleared once STOPPING was already latched")
	}
}

func TestHandleCQEOtherErrorMarksFreeOnly(t *testing.T) {
	ring := &fakeRing{}
	q := newTestQueue(1, &fakeTarget{}, ring)
	q.cmdInflight = 1

	ud := userdata.Pack(0, uapi.UBLK_IO_FETCH_REQ, 0, false)
	if err := q.handleCQE(&fakeResult{userData: ud, value: -5}); err != nil {
		t.Fatalf("handleCQE: %v", err)
	}
	if q.flags[0] != slotFree {
		t.Errorf("flags[0] = %v, want FREE only", q.flags[0])
	}
}

func TestHandleCQETargetIODoesNotTouchInflight(t *testing.T) {
	ring := &fakeRing{}
	target := &fakeTarget{}
	q := newTestQueue(3, target, ring)
	q.cmdInflight = 3

	ud := userdata.Pack(2, uapi.UBLK_IO_OP_READ, 7, true)
	if err := q.handleCQE(&fakeResult{userData: ud, value: 0}); err != nil {
		t.Fatalf("handleCQE: %v", err)
	}
	if q.cmdInflight != 3 {
		t.Errorf("cmdInflight changed for target CQE: %d, want 3", q.cmdInflight)
	}
	if len(target.tgtIoDoneCalls) != 1 {
		t.Fatalf("TgtIoDone calls = %d, want 1", len(target.tgtIoDoneCalls))
	}
	got := target.tgtIoDoneCalls[0]
	if userdata.Tag(got) != 2 || userdata.Op(got) != uapi.UBLK_IO_OP_READ || userdata.TgtData(got) != 7 {
		t.Errorf("TgtIoDone user_data fields mismatch: tag=%d op=%d tgt_data=%d",
			userdata.Tag(got), userdata.Op(got), userdata.TgtData(got))
	}
}

// TestRunLoopServesAndShutsDown drives the full engine loop against a fake
// kernel: prime 4 tags, complete one round of requests, then tear down via
// ABORT completions for every slot.
func TestRunLoopServesAndShutsDown(t *testing.T) {
	const depth = 4
	ring := &fakeRing{}
	target := &fakeTarget{completeWith: 512}
	q := newTestQueue(depth, target, ring)

	if err := q.Prime(); err != nil {
		t.Fatalf("Prime: %v", err)
	}
	if q.cmdInflight != depth {
		t.Fatalf("cmdInflight after prime = %d, want %d", q.cmdInflight, depth)
	}

	var okBatch, abortBatch []uring.Result
	for tag := uint16(0); tag < depth; tag++ {
		fetchUD := userdata.Pack(tag, uapi.UBLK_IO_FETCH_REQ, 0, false)
		okBatch = append(okBatch, &fakeResult{userData: fetchUD, value: uapi.UBLK_IO_RES_OK})
		commitUD := userdata.Pack(tag, uapi.UBLK_IO_COMMIT_AND_FETCH_REQ, 0, false)
		abortBatch = append(abortBatch, &fakeResult{userData: commitUD, value: uapi.UBLK_IO_RES_ABORT})
	}
	ring.batches = [][]uring.Result{okBatch, abortBatch}

	if err := q.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(target.queueIOCalls) != depth {
		t.Errorf("QueueIO calls = %d, want %d", len(target.queueIOCalls), depth)
	}
	if q.cmdInflight != 0 {
		t.Errorf("cmdInflight after shutdown = %d, want 0", q.cmdInflight)
	}
	if q.state&stateStopping == 0 {
		t.Error("STOPPING not latched after ABORT batch")
	}
	// 4 FETCH from prime plus 4 COMMIT_AND_FETCH from the completed round.
	if len(ring.prepared) != 2*depth {
		t.Errorf("prepared SQEs = %d, want %d", len(ring.prepared), 2*depth)
	}
	for tag := uint16(0); tag < depth; tag++ {
		if q.flags[tag]&slotNeedFetch != 0 {
			t.Errorf("flags[%d] still has NEED_FETCH after shutdown", tag)
		}
	}
}

func TestQueueIOCmdNoopWhenNotFree(t *testing.T) {
	ring := &fakeRing{}
	q := newTestQueue(1, &fakeTarget{}, ring)
	q.flags[0] = 0 // inflight, not FREE

	if err := q.queueIOCmd(0); err != nil {
		t.Fatalf("queueIOCmd: %v", err)
	}
	if len(ring.prepared) != 0 {
		t.Errorf("expected no SQE prepared while slot is not FREE, got %d", len(ring.prepared))
	}
}
