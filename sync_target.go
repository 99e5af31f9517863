package ublk

import (
	"syscall"
	"time"

	"github.com/ublksrv/goublk/internal/engine"
	"github.com/ublksrv/goublk/internal/uapi"
)

// sectorSize is the kernel's fixed unit for IoDesc.StartSector/NrSectors,
// independent of the device's negotiated logical block size.
const sectorSize = 512

// SyncTarget adapts a Backend to engine.TargetHook. It never issues
// target-side SQEs: every request is served inline from within QueueIO by
// calling straight through to the Backend and completing synchronously.
// This is the right shape for in-process targets (memory, loopback files)
// whose own I/O doesn't benefit from overlapping with the ring; a target
// backed by its own async device (e.g. a raw NVMe fd) would instead submit
// PrepareTargetSQE calls here and complete later from TgtIoDone.
type SyncTarget struct {
	tgtType  string
	backend  Backend
	observer Observer
}

// NewSyncTarget builds a SyncTarget over backend, reporting per-request
// metrics to observer (a NoOpObserver is substituted if nil).
func NewSyncTarget(tgtType string, backend Backend, observer Observer) *SyncTarget {
	if observer == nil {
		observer = NoOpObserver{}
	}
	return &SyncTarget{tgtType: tgtType, backend: backend, observer: observer}
}

// InitTgt stamps the device's geometry from the backend's size and
// advertises discard limits when the backend implements DiscardBackend; no
// write-zeroes limit is set.
func (t *SyncTarget) InitTgt(dev *engine.Dev) (interface{}, error) {
	size := t.backend.Size()

	params := uapi.UblkParams{
		Types: uapi.UBLK_PARAM_TYPE_BASIC,
		Basic: uapi.UblkParamBasic{
			LogicalBSShift:  9,
			PhysicalBSShift: 9,
			IOMinShift:      9,
			MaxSectors:      dev.Info.MaxIOBufBytes / sectorSize,
			DevSectors:      uint64(size) / sectorSize,
		},
	}

	if _, ok := t.backend.(DiscardBackend); ok {
		params.Types |= uapi.UBLK_PARAM_TYPE_DISCARD
		params.Discard = uapi.UblkParamDiscard{
			DiscardAlignment:   DefaultDiscardAlignment,
			DiscardGranularity: DefaultDiscardGranularity,
			MaxDiscardSectors:  DefaultMaxDiscardSectors,
			MaxDiscardSegments: DefaultMaxDiscardSegments,
		}
	}

	dev.DevSize = uint64(size)
	dev.Params = params

	return map[string]interface{}{"size": size}, nil
}

// DeinitTgt is a no-op: the Backend's lifetime is owned by whoever passed
// it to DeviceParams, not by the target hook.
func (t *SyncTarget) DeinitTgt(dev *engine.Dev) {}

// TgtType names this target for the JSON device record.
func (t *SyncTarget) TgtType() string { return t.tgtType }

// QueueIO dispatches a fetched request to the backend and completes it
// synchronously. It must not block for long, matching the contract every
// in-process Backend already satisfies.
func (t *SyncTarget) QueueIO(q *engine.Queue, tag uint16) error {
	desc := q.Descriptor(tag)
	offset := int64(desc.StartSector) * sectorSize
	length := int64(desc.NrSectors) * sectorSize
	start := time.Now()

	var res int32
	switch desc.GetOp() {
	case uapi.UBLK_IO_OP_READ:
		buf := q.Buffer(tag, uint32(length))
		n, err := t.backend.ReadAt(buf, offset)
		t.observer.ObserveRead(uint64(n), uint64(time.Since(start)), err == nil)
		res = ioResult(n, err)
	case uapi.UBLK_IO_OP_WRITE:
		buf := q.Buffer(tag, uint32(length))
		n, err := t.backend.WriteAt(buf, offset)
		t.observer.ObserveWrite(uint64(n), uint64(time.Since(start)), err == nil)
		res = ioResult(n, err)
	case uapi.UBLK_IO_OP_FLUSH:
		err := t.backend.Flush()
		t.observer.ObserveFlush(uint64(time.Since(start)), err == nil)
		res = ioResult(0, err)
	case uapi.UBLK_IO_OP_DISCARD:
		res = t.discard(offset, length, start)
	case uapi.UBLK_IO_OP_WRITE_ZEROES:
		res = t.writeZeroes(offset, length, start)
	default:
		res = -int32(syscall.EOPNOTSUPP)
	}

	return q.CompleteIO(tag, res)
}

func (t *SyncTarget) discard(offset, length int64, start time.Time) int32 {
	db, ok := t.backend.(DiscardBackend)
	if !ok {
		return -int32(syscall.EOPNOTSUPP)
	}
	err := db.Discard(offset, length)
	t.observer.ObserveDiscard(uint64(length), uint64(time.Since(start)), err == nil)
	return ioResult(int(length), err)
}

func (t *SyncTarget) writeZeroes(offset, length int64, start time.Time) int32 {
	wz, ok := t.backend.(WriteZeroesBackend)
	if !ok {
		return -int32(syscall.EOPNOTSUPP)
	}
	err := wz.WriteZeroes(offset, length)
	t.observer.ObserveWrite(uint64(length), uint64(time.Since(start)), err == nil)
	return ioResult(int(length), err)
}

// TgtIoDone is never invoked: SyncTarget issues no target-tagged SQEs.
func (t *SyncTarget) TgtIoDone(q *engine.Queue, tag uint16, res int32, userData uint64) {}

// ioResult maps a Backend call's outcome to the kernel-cmd result
// convention: non-negative bytes transferred, or a negative errno.
func ioResult(n int, err error) int32 {
	if err == nil {
		return int32(n)
	}
	if errno, ok := err.(syscall.Errno); ok {
		return -int32(errno)
	}
	return -int32(syscall.EIO)
}

var _ engine.TargetHook = (*SyncTarget)(nil)
