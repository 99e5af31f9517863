package uring

import (
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/pawelgaczynski/giouring"

	"github.com/ublksrv/goublk/internal/logging"
	"github.com/ublksrv/goublk/internal/uapi"
)

// ringImpl backs Ring with github.com/pawelgaczynski/giouring, the pure-Go
// liburing-shaped binding the module already depended on. Control rings use
// 128-byte SQEs / 32-byte CQEs (required for the 80-byte ctrl-cmd payload);
// per-queue data-plane rings use the default 64-byte SQE / 16-byte CQE ring
// since their uring-cmd payload is only 16 bytes and target I/O SQEs need no
// extra room.
type ringImpl struct {
	ring   *giouring.Ring
	mu     sync.Mutex // guards SQE acquisition and submission; CQE reaping (WaitForCompletion/ReapCQEs) is caller-serialized per queue
	sqe128 bool
	logger *logging.Logger
}

// NewMinimalRing is kept as the package's ring constructor name for callers
// migrating off the old hand-rolled implementation; it now always returns a
// giouring-backed ring.
func NewMinimalRing(entries uint32, _ int32) (Ring, error) {
	return newRing(entries, false)
}

// NewControlRing builds the 128-byte-SQE/32-byte-CQE ring the control
// command path requires.
func NewControlRing(entries uint32) (Ring, error) {
	return newRing(entries, true)
}

func newRing(entries uint32, big bool) (Ring, error) {
	opts := []giouring.SetupOption{}
	if big {
		opts = append(opts, giouring.WithSQE128(), giouring.WithCQE32())
	} else {
		opts = append(opts, giouring.WithCoopTaskrun())
	}

	r, err := giouring.CreateRing(entries, opts...)
	if err != nil {
		return nil, fmt.Errorf("uring: create ring: %w", err)
	}

	return &ringImpl{ring: r, sqe128: big, logger: logging.Default()}, nil
}

func (r *ringImpl) Close() error {
	if r.ring == nil {
		return nil
	}
	r.ring.QueueExit()
	r.ring = nil
	return nil
}

// RegisterFiles registers fixed files (slot 0 is conventionally the cdev fd)
// so data-plane SQEs can address them via giouring.FixedFileIndex(0).
func (r *ringImpl) RegisterFiles(fds []int32) error {
	return r.ring.RegisterFiles(fds)
}

func (r *ringImpl) UnregisterFiles() error {
	return r.ring.UnregisterFiles()
}

// cmdSQEBytes returns a byte slice over the SQE's inline command payload
// area, which starts at the addr3 field (byte 48). For SQE128 rings it is
// the 80 bytes running to the end of the 128-byte entry; for normal SQEs it
// is the last 16 bytes of the 64-byte entry. This
// mirrors the manual struct-overlay approach the project already uses in
// internal/uapi/marshal.go for other kernel wire structs.
func cmdSQEBytes(sqe *giouring.SubmissionQueueEntry, big bool) []byte {
	n := 16
	if big {
		n = 80
	}
	base := unsafe.Pointer(&sqe.Addr3)
	return unsafe.Slice((*byte)(base), n)
}

func (r *ringImpl) prepUringCmd(fixedFd int32, cmdOp uint32, payload []byte, userData uint64) (*giouring.SubmissionQueueEntry, error) {
	sqe := r.ring.GetSQE()
	if sqe == nil {
		return nil, ErrRingFull
	}
	sqe.OpCode = giouring.OpUringCmd
	sqe.Fd = fixedFd
	sqe.OpcodeFlags = cmdOp
	sqe.Flags = giouring.SqeFixedFileFlag
	sqe.UserData = userData

	dst := cmdSQEBytes(sqe, r.sqe128)
	copy(dst, payload)
	return sqe, nil
}

// SubmitCtrlCmd runs one synchronous control round trip. The whole
// prep/submit/wait sequence holds the ring lock so two callers (e.g. the
// coordinator and the worker's shutdown goroutine) can never interleave and
// collect each other's CQE.
func (r *ringImpl) SubmitCtrlCmd(cmd uint32, ctrlCmd *uapi.UblksrvCtrlCmd, userData uint64) (Result, error) {
	payload := uapi.Marshal(ctrlCmd)
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.prepUringCmd(0, cmd, payload, userData); err != nil {
		return nil, err
	}

	if _, err := r.ring.SubmitAndWaitCQEvents(1); err != nil {
		return nil, fmt.Errorf("uring: submit ctrl cmd: %w: %w", ErrSubmit, err)
	}

	cqe, err := r.ring.WaitCQE()
	if err != nil {
		return nil, fmt.Errorf("uring: wait ctrl cqe: %w", err)
	}
	res := &result{userData: cqe.UserData, value: cqe.Res}
	r.ring.CQESeen(cqe)
	return res, nil
}

// AsyncHandle lets a caller defer waiting for a submitted control command.
type AsyncHandle struct {
	ring     *ringImpl
	userData uint64
}

func (h *AsyncHandle) Wait(timeout time.Duration) (Result, error) {
	cqe, err := h.ring.ring.WaitCQETimeout(timeout)
	if err != nil {
		return nil, fmt.Errorf("uring: wait async cqe: %w", err)
	}
	res := &result{userData: cqe.UserData, value: cqe.Res}
	h.ring.ring.CQESeen(cqe)
	return res, nil
}

func (r *ringImpl) SubmitCtrlCmdAsync(cmd uint32, ctrlCmd *uapi.UblksrvCtrlCmd, userData uint64) (*AsyncHandle, error) {
	payload := uapi.Marshal(ctrlCmd)
	r.mu.Lock()
	_, err := r.prepUringCmd(0, cmd, payload, userData)
	if err == nil {
		_, err = r.ring.Submit()
	}
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &AsyncHandle{ring: r, userData: userData}, nil
}

func (r *ringImpl) SubmitIOCmd(cmd uint32, ioCmd *uapi.UblksrvIOCmd, userData uint64) (Result, error) {
	if err := r.PrepareIOCmd(cmd, ioCmd, userData); err != nil {
		return nil, err
	}
	if _, err := r.FlushSubmissions(); err != nil {
		return nil, err
	}
	results, err := r.WaitForCompletion(-1)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("uring: no completion reaped")
	}
	return results[0], nil
}

func (r *ringImpl) PrepareIOCmd(cmd uint32, ioCmd *uapi.UblksrvIOCmd, userData uint64) error {
	payload := uapi.Marshal(ioCmd)
	r.mu.Lock()
	_, err := r.prepUringCmd(0, cmd, payload, userData)
	r.mu.Unlock()
	return err
}

// PrepareTargetSQE exposes raw SQE access for target hooks that need to
// issue ordinary read/write/fsync SQEs on the same ring as the ublk
// command traffic. opcode is a giouring.Op* constant.
func (r *ringImpl) PrepareTargetSQE(fixedFd int32, opcode uint8, addr uintptr, length uint32, offset uint64, userData uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sqe := r.ring.GetSQE()
	if sqe == nil {
		return ErrRingFull
	}
	sqe.PrepareRW(uint8(opcode), fixedFd, addr, length, offset)
	sqe.Flags |= giouring.SqeFixedFileFlag
	sqe.UserData = userData
	return nil
}

func (r *ringImpl) FlushSubmissions() (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, err := r.ring.Submit()
	if err != nil {
		return 0, fmt.Errorf("uring: submit: %w: %w", ErrSubmit, err)
	}
	return uint32(n), nil
}

// SubmitAndWait pushes any prepared SQEs and blocks until at least waitNr
// completions are available. Used by the queue engine's run loop, which
// needs "submit whatever is pending, then wait for one" semantics rather
// than the submit-then-immediately-reap-one shape of SubmitIOCmd.
func (r *ringImpl) SubmitAndWait(waitNr uint32) (uint32, error) {
	r.mu.Lock()
	n, err := r.ring.SubmitAndWaitCQEvents(waitNr)
	r.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("uring: submit_and_wait: %w: %w", ErrSubmit, err)
	}
	return uint32(n), nil
}

func (r *ringImpl) WaitForCompletion(timeout int) ([]Result, error) {
	var cqes [64]*giouring.CompletionQueueEntry
	n := r.ring.PeekBatchCQE(cqes[:])
	if n == 0 && timeout != 0 {
		cqe, err := r.ring.WaitCQE()
		if err != nil {
			return nil, fmt.Errorf("uring: wait cqe: %w", err)
		}
		res := &result{userData: cqe.UserData, value: cqe.Res}
		r.ring.CQESeen(cqe)
		return []Result{res}, nil
	}

	results := make([]Result, 0, n)
	for i := uint32(0); i < n; i++ {
		cqe := cqes[i]
		results = append(results, &result{userData: cqe.UserData, value: cqe.Res})
	}
	if n > 0 {
		r.ring.CQEAdvance(n)
	}
	return results, nil
}

// ReapCQEs drains every currently-available completion without blocking.
// This is the primary call the queue engine's run loop uses after
// SubmitAndWait(1) returns, since multiple completions can be ready at once.
func (r *ringImpl) ReapCQEs() []Result {
	var cqes [64]*giouring.CompletionQueueEntry
	var all []Result
	for {
		n := r.ring.PeekBatchCQE(cqes[:])
		if n == 0 {
			return all
		}
		for i := uint32(0); i < n; i++ {
			cqe := cqes[i]
			all = append(all, &result{userData: cqe.UserData, value: cqe.Res})
		}
		r.ring.CQEAdvance(n)
	}
}

func (r *ringImpl) NewBatch() Batch {
	return &batchImpl{r: r}
}

type batchImpl struct {
	r    *ringImpl
	cmds int
}

func (b *batchImpl) AddCtrlCmd(cmd uint32, ctrlCmd *uapi.UblksrvCtrlCmd, userData uint64) error {
	payload := uapi.Marshal(ctrlCmd)
	b.r.mu.Lock()
	_, err := b.r.prepUringCmd(0, cmd, payload, userData)
	b.r.mu.Unlock()
	if err == nil {
		b.cmds++
	}
	return err
}

func (b *batchImpl) AddIOCmd(cmd uint32, ioCmd *uapi.UblksrvIOCmd, userData uint64) error {
	payload := uapi.Marshal(ioCmd)
	b.r.mu.Lock()
	_, err := b.r.prepUringCmd(0, cmd, payload, userData)
	b.r.mu.Unlock()
	if err == nil {
		b.cmds++
	}
	return err
}

func (b *batchImpl) Submit() ([]Result, error) {
	if _, err := b.r.FlushSubmissions(); err != nil {
		return nil, err
	}
	return b.r.WaitForCompletion(-1)
}

func (b *batchImpl) Len() int { return b.cmds }

type result struct {
	userData uint64
	value    int32
}

func (r *result) UserData() uint64 { return r.userData }
func (r *result) Value() int32     { return r.value }
func (r *result) Error() error {
	if r.value == uapi.UBLK_IO_RES_OK || r.value == uapi.UBLK_IO_RES_NEED_GET_DATA {
		return nil
	}
	if r.value < 0 {
		return fmt.Errorf("uring: cqe result %d", r.value)
	}
	return nil
}
