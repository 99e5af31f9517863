package engine

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ublksrv/goublk/internal/constants"
	"github.com/ublksrv/goublk/internal/ctrl"
	"github.com/ublksrv/goublk/internal/logging"
	"github.com/ublksrv/goublk/internal/uapi"
	"github.com/ublksrv/goublk/internal/uring"
	"github.com/ublksrv/goublk/internal/userdata"
)

// ErrMmap marks a failure to mmap the kernel-shared descriptor slab or
// per-tag I/O buffer region for a queue, matching the Mmap error kind from
// the error taxonomy.
var ErrMmap = errors.New("queue mmap failed")

// ErrQueueIsDown marks an attempt to complete I/O on a queue whose run loop
// has exited and whose ring is torn down, matching the QueueIsDown error
// kind from the error taxonomy. A STOPPING queue that is still draining
// accepts completions: the commit must still reach the kernel, which answers
// it with ABORT.
var ErrQueueIsDown = errors.New("queue is down")

// slotFlags is the per-slot bitset driving the fetch/commit state machine.
// A slot with flags == 0 is "inflight": it has an outstanding kernel-cmd
// SQE and nothing may be pushed for it until that SQE's CQE is reaped.
type slotFlags uint8

const (
	slotNeedFetch slotFlags = 1 << iota
	slotNeedCommit
	slotFree
)

// queueState bits, latched for the lifetime of the Queue.
type queueState uint32

const (
	stateStopping queueState = 1 << iota
)

const descSize = int(unsafe.Sizeof(uapi.UblksrvIODesc{}))

const (
	descNrSectorsOffset   = uintptr(4)
	descStartSectorOffset = uintptr(8)
	descAddrOffset        = uintptr(16)
)

// Queue is the single-threaded engine for one hardware queue: one io_uring,
// one mmap'd IoDesc slab, one set of per-tag buffers. Every method here
// runs on the queue's owning OS thread; no locking is needed for the slot
// state, which is why it is not protected by a mutex.
type Queue struct {
	dev       *Dev
	qid       uint16
	depth     int
	blockSize int
	bufSize   int // per-tag buffer size, from the kernel-negotiated max_io_buf_bytes

	ring    uring.Ring
	descMap []byte // kernel's read-only IoDesc slab
	bufMap  []byte // anonymous per-tag I/O buffer region
	descPtr unsafe.Pointer
	bufPtr  unsafe.Pointer

	flags       []slotFlags
	results     []int32
	ioCmds      []uapi.UblksrvIOCmd
	cmdInflight int32
	state       queueState
	closed      bool

	logger *logging.Logger
}

// QueueConfig carries everything NewQueue needs from the worker.
type QueueConfig struct {
	Dev       *Dev
	QID       uint16
	Depth     int
	BlockSize int
	Logger    *logging.Logger
}

// NewQueue builds the io_uring, registers the device's fixed files, mmaps
// the command descriptor slab, and allocates per-tag I/O buffers.
func NewQueue(cfg QueueConfig) (*Queue, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	blockSize := cfg.BlockSize
	if blockSize <= 0 {
		blockSize = constants.DefaultLogicalBlockSize
	}

	bufSize := int(cfg.Dev.Info.MaxIOBufBytes)
	if bufSize <= 0 {
		bufSize = constants.IOBufferSizePerTag
	}

	ring, err := uring.NewRing(uring.Config{
		Entries: uint32(cfg.Depth),
		FD:      int32(cfg.Dev.CharFd),
	})
	if err != nil {
		return nil, fmt.Errorf("engine: create queue io_uring: %w", err)
	}

	if err := ring.RegisterFiles(cfg.Dev.FixedFiles()); err != nil {
		ring.Close()
		return nil, fmt.Errorf("engine: register fixed files: %w", err)
	}

	descMap, bufMap, err := mmapQueue(cfg.Dev.CharFd, cfg.QID, cfg.Depth, bufSize)
	if err != nil {
		ring.UnregisterFiles()
		ring.Close()
		return nil, fmt.Errorf("engine: mmap queue: %w", err)
	}

	q := &Queue{
		dev:       cfg.Dev,
		qid:       cfg.QID,
		depth:     cfg.Depth,
		blockSize: blockSize,
		bufSize:   bufSize,
		ring:      ring,
		descMap:   descMap,
		bufMap:    bufMap,
		descPtr:   unsafe.Pointer(&descMap[0]),
		bufPtr:    unsafe.Pointer(&bufMap[0]),
		flags:     make([]slotFlags, cfg.Depth),
		results:   make([]int32, cfg.Depth),
		ioCmds:    make([]uapi.UblksrvIOCmd, cfg.Depth),
		logger:    logger,
	}
	for i := range q.flags {
		q.flags[i] = slotNeedFetch | slotFree
		q.results[i] = -1
	}
	return q, nil
}

// mmapQueue maps the kernel's read-only IoDesc slab for this queue and
// allocates an anonymous, userspace-owned buffer region for I/O payloads.
// The slab length is rounded up to a page, the kernel's mmap granularity.
func mmapQueue(fd int, qid uint16, depth int, bufSize int) ([]byte, []byte, error) {
	descRegion := depth * descSize
	bufRegion := depth * bufSize

	pageSize := os.Getpagesize()
	if rem := descRegion % pageSize; rem != 0 {
		descRegion += pageSize - rem
	}

	mmapOffset := int64(uapi.UBLKSRV_CMD_BUF_OFFSET) + int64(qid)*int64(uapi.UBLK_MAX_QUEUE_DEPTH)*int64(descSize)

	descMap, err := unix.Mmap(fd, mmapOffset, descRegion,
		unix.PROT_READ, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap descriptor slab: %w: %v", ErrMmap, err)
	}

	bufMap, err := unix.Mmap(-1, 0, bufRegion,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		unix.Munmap(descMap)
		return nil, nil, fmt.Errorf("allocate io buffers: %w: %v", ErrMmap, err)
	}

	return descMap, bufMap, nil
}

// Close unregisters fixed files, unmaps the descriptor slab and buffer
// region, and closes the ring. Must only be called once STOPPING &&
// cmdInflight == 0; the slab must be unmapped before the cdev fd closes or
// the kernel cannot tear the device down.
func (q *Queue) Close() error {
	q.closed = true
	if q.ring != nil {
		q.ring.UnregisterFiles()
		q.ring.Close()
	}
	if q.descMap != nil {
		unix.Munmap(q.descMap)
		q.descMap = nil
		q.descPtr = nil
	}
	if q.bufMap != nil {
		unix.Munmap(q.bufMap)
		q.bufMap = nil
		q.bufPtr = nil
	}
	return nil
}

// QID returns this queue's hardware queue id.
func (q *Queue) QID() uint16 { return q.qid }

// Buffer returns the per-tag I/O buffer slice, sized to length.
func (q *Queue) Buffer(tag uint16, length uint32) []byte {
	if int(length) > q.bufSize {
		return GetBuffer(length)
	}
	bufOffset := int(tag) * q.bufSize
	base := unsafe.Add(q.bufPtr, bufOffset)
	return unsafe.Slice((*byte)(base), q.bufSize)[:length:length]
}

// loadDescriptor reads a slot's descriptor with acquire semantics so stale
// cache lines from the kernel's write are never observed.
func (q *Queue) loadDescriptor(tag uint16) uapi.UblksrvIODesc {
	base := unsafe.Add(q.descPtr, uintptr(tag)*uintptr(descSize))
	return uapi.UblksrvIODesc{
		OpFlags:     atomic.LoadUint32((*uint32)(base)),
		NrSectors:   atomic.LoadUint32((*uint32)(unsafe.Add(base, descNrSectorsOffset))),
		StartSector: atomic.LoadUint64((*uint64)(unsafe.Add(base, descStartSectorOffset))),
		Addr:        atomic.LoadUint64((*uint64)(unsafe.Add(base, descAddrOffset))),
	}
}

// Descriptor exposes the current fetched descriptor for tag, for use by a
// target's QueueIO implementation.
func (q *Queue) Descriptor(tag uint16) uapi.UblksrvIODesc {
	return q.loadDescriptor(tag)
}

// BlockSize returns the queue's logical block size in bytes.
func (q *Queue) BlockSize() int { return q.blockSize }

// Prime submits the initial FETCH_REQ for every tag. Called once, before
// the run loop starts.
func (q *Queue) Prime() error {
	for tag := 0; tag < q.depth; tag++ {
		if err := q.pushFetch(uint16(tag)); err != nil {
			return fmt.Errorf("prime tag %d: %w", tag, err)
		}
	}
	_, err := q.ring.FlushSubmissions()
	return err
}

// pushFetch prepares a FETCH_REQ SQE for tag and, on success, clears the
// slot's flags and accounts for the new inflight command.
func (q *Queue) pushFetch(tag uint16) error {
	bufAddr := uintptr(q.bufPtr) + uintptr(int(tag)*q.bufSize)
	ioCmd := &q.ioCmds[tag]
	ioCmd.QID = q.qid
	ioCmd.Tag = tag
	ioCmd.Result = 0
	ioCmd.Addr = uint64(bufAddr)

	ud := userdata.Pack(tag, uapi.UBLK_IO_FETCH_REQ, 0, false)
	if err := q.ring.PrepareIOCmd(uapi.UblkIOCmd(uapi.UBLK_IO_FETCH_REQ), ioCmd, ud); err != nil {
		return err
	}
	q.flags[tag] = 0
	q.cmdInflight++
	return nil
}

// pushCommitAndFetch prepares a COMMIT_AND_FETCH_REQ SQE carrying result
// for tag, which both delivers the completed I/O's result and rearms the
// slot's fetch in one kernel round trip.
func (q *Queue) pushCommitAndFetch(tag uint16, result int32) error {
	bufAddr := uintptr(q.bufPtr) + uintptr(int(tag)*q.bufSize)
	ioCmd := &q.ioCmds[tag]
	ioCmd.QID = q.qid
	ioCmd.Tag = tag
	ioCmd.Result = result
	ioCmd.Addr = uint64(bufAddr)

	ud := userdata.Pack(tag, uapi.UBLK_IO_COMMIT_AND_FETCH_REQ, 0, false)
	if err := q.ring.PrepareIOCmd(uapi.UblkIOCmd(uapi.UBLK_IO_COMMIT_AND_FETCH_REQ), ioCmd, ud); err != nil {
		return err
	}
	q.flags[tag] = 0
	q.cmdInflight++
	return nil
}

// queueIOCmd maps a slot's current flags to its next kernel op.
// Commit-and-fetch takes priority over a bare fetch, since it both delivers
// the result and rearms in one push.
func (q *Queue) queueIOCmd(tag uint16) error {
	f := q.flags[tag]
	if f&slotFree == 0 {
		return nil
	}
	switch {
	case f&slotNeedCommit != 0:
		return q.pushCommitAndFetch(tag, q.results[tag])
	case f&slotNeedFetch != 0:
		return q.pushFetch(tag)
	default:
		return nil
	}
}

// CompleteIO is called by a target (synchronously from QueueIO, or later
// from TgtIoDone) once a request's result is known. It arms the slot for
// COMMIT_AND_FETCH and immediately attempts to push it. A STOPPING queue
// still accepts completions while draining; only a torn-down ring refuses.
func (q *Queue) CompleteIO(tag uint16, result int32) error {
	if q.closed {
		return ErrQueueIsDown
	}
	q.flags[tag] |= slotNeedCommit | slotFree
	q.results[tag] = result
	return q.queueIOCmd(tag)
}

// isDone reports whether the queue has latched STOPPING and drained every
// inflight kernel-cmd SQE.
func (q *Queue) isDone() bool {
	return q.state&stateStopping != 0 && q.cmdInflight == 0
}

// Run executes the main loop: submit_and_wait(1), drain CQEs, repeat until
// isDone(). Target callbacks run inline on this goroutine/thread.
func (q *Queue) Run() error {
	for !q.isDone() {
		if _, err := q.ring.SubmitAndWait(1); err != nil {
			return fmt.Errorf("engine: submit_and_wait: %w", err)
		}
		for _, cqe := range q.ring.ReapCQEs() {
			if err := q.handleCQE(cqe); err != nil {
				return err
			}
		}
		if _, err := q.ring.FlushSubmissions(); err != nil {
			return fmt.Errorf("engine: flush submissions: %w", err)
		}
	}
	return nil
}

// handleCQE routes one completion to the target (for target-tagged SQEs)
// or advances the kernel-cmd state machine.
func (q *Queue) handleCQE(cqe uring.Result) error {
	ud := cqe.UserData()
	tag := userdata.Tag(ud)
	res := cqe.Value()

	if userdata.IsTargetIO(ud) {
		if res < 0 && res != -int32(syscall.EAGAIN) {
			q.logger.Warn("target SQE completed with error", "qid", q.qid, "tag", tag, "res", res)
		}
		if q.dev.Target != nil {
			q.dev.Target.TgtIoDone(q, tag, res, ud)
		}
		return nil
	}

	if tag >= uint16(q.depth) {
		return nil
	}
	q.cmdInflight--

	// The NEED_GET_DATA two-phase write path is not implemented and
	// UBLK_F_NEED_GET_DATA is never requested; such a completion is an error.
	if res == uapi.UBLK_IO_RES_NEED_GET_DATA {
		return fmt.Errorf("engine: qid %d tag %d: NEED_GET_DATA is not supported: %w", q.qid, tag, ctrl.ErrUringIO)
	}

	// STOPPING and OK are independent conditions: once any tag's ABORT has
	// latched STOPPING, a different tag's OK completion still carries a real
	// request that must reach the target.
	if res == uapi.UBLK_IO_RES_ABORT || q.state&stateStopping != 0 {
		q.state |= stateStopping
		q.flags[tag] &^= slotNeedFetch
	}

	if res == uapi.UBLK_IO_RES_OK {
		if q.dev.Target == nil {
			return fmt.Errorf("engine: no target installed for qid %d tag %d", q.qid, tag)
		}
		if err := q.dev.Target.QueueIO(q, tag); err != nil {
			return fmt.Errorf("engine: queue_io tag %d: %w", tag, err)
		}
	} else {
		// Any non-OK result (ABORT or a negative errno) leaves the slot FREE
		// only: queue_io_cmd issues nothing without a NEED_* flag alongside.
		q.flags[tag] = slotFree
	}
	return nil
}
