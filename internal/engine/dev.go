package engine

import (
	"fmt"
	"syscall"
	"time"

	"github.com/ublksrv/goublk/internal/logging"
	"github.com/ublksrv/goublk/internal/uapi"
)

// maxFdTableSlots bounds the fixed-file table registered with each queue's
// ring. Slot 0 is always the cdev fd, addressed as Fixed(0) in every I/O
// cmd SQE; the remaining slots are reserved for target-owned fds (e.g. a
// loop target's backing file).
const maxFdTableSlots = 32

// Dev is the per-device runtime handle shared (read-only, after
// construction) by every Queue belonging to it. It owns the cdev fd and the
// fixed-file table each queue registers with its own ring.
type Dev struct {
	DevID   uint32
	Info    *uapi.UblksrvCtrlDevInfo
	CharFd  int
	fdTable [maxFdTableSlots]int32
	nFds    int

	Target     TargetHook
	TargetData interface{}
	DevSize    uint64
	Params     uapi.UblkParams

	logger *logging.Logger
}

// OpenDev opens /dev/ublkc<devID>, waiting briefly for udev to create the
// node after ADD_DEV, then installs the target hook and runs InitTgt.
func OpenDev(devID uint32, info *uapi.UblksrvCtrlDevInfo, target TargetHook, logger *logging.Logger) (*Dev, error) {
	if logger == nil {
		logger = logging.Default()
	}

	charPath := uapi.UblkDevicePath(devID)
	const maxRetries = 50
	const retryDelay = 100 * time.Millisecond

	var fd int
	var err error
	for i := 0; i < maxRetries; i++ {
		fd, err = syscall.Open(charPath, syscall.O_RDWR, 0)
		if err == nil {
			break
		}
		if err != syscall.ENOENT {
			return nil, fmt.Errorf("engine: open %s: %w", charPath, err)
		}
		time.Sleep(retryDelay)
	}
	if err != nil {
		return nil, fmt.Errorf("engine: character device did not appear: %s", charPath)
	}

	d := &Dev{
		DevID:  devID,
		Info:   info,
		CharFd: fd,
		Target: target,
		logger: logger,
	}
	d.fdTable[0] = int32(fd)
	d.nFds = 1

	if target != nil {
		data, err := target.InitTgt(d)
		if err != nil {
			syscall.Close(fd)
			return nil, fmt.Errorf("engine: init_tgt: %w", err)
		}
		d.TargetData = data
	}

	return d, nil
}

// FixedFiles returns the fd table slice to register with a queue's ring.
func (d *Dev) FixedFiles() []int32 {
	return d.fdTable[:d.nFds]
}

// AddFixedFile appends a target-owned fd to the table, returning its fixed
// index, or an error if the table is full.
func (d *Dev) AddFixedFile(fd int32) (int32, error) {
	if d.nFds >= maxFdTableSlots {
		return 0, fmt.Errorf("engine: fd table full (%d slots)", maxFdTableSlots)
	}
	idx := int32(d.nFds)
	d.fdTable[d.nFds] = fd
	d.nFds++
	return idx, nil
}

// Close deinitializes the target and closes the cdev fd. Safe to call once
// all queues for this device have exited their run loops.
func (d *Dev) Close() error {
	if d.Target != nil {
		d.Target.DeinitTgt(d)
	}
	if d.CharFd >= 0 {
		err := syscall.Close(d.CharFd)
		d.CharFd = -1
		return err
	}
	return nil
}
