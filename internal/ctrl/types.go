package ctrl

import "errors"

// ErrUringIO marks a control command that reached the kernel but whose CQE
// carried a negative result other than -EBUSY (which callers poll on
// instead). Wrapped into the errors control ops return so callers outside
// this package can classify it with errors.Is, matching the UringIO error
// kind from the error taxonomy.
var ErrUringIO = errors.New("ublk control command failed")

// ErrJSON marks a failure building, flushing, or reloading the persisted
// device record, matching the Json error kind from the error taxonomy.
var ErrJSON = errors.New("ublk device record error")

// Sizer is the minimal backend capability the control plane needs: enough
// to compute dev_sectors when stamping SET_PARAMS. The full Backend
// contract (ReadAt/WriteAt/Discard/...) only matters to the target hook
// that runs inside the queue engine, never to the control plane.
type Sizer interface {
	Size() int64
}

type DeviceParams struct {
	Backend Sizer

	DeviceID         int32
	QueueDepth       int
	NumQueues        int
	LogicalBlockSize int
	MaxIOSize        int

	EnableZeroCopy        bool
	EnableUnprivileged    bool
	EnableUserCopy        bool
	EnableZoned           bool
	EnableIoctlEncode     bool
	EnableUserRecovery    bool
	EnableRecoveryReissue bool

	ReadOnly      bool
	Rotational    bool
	VolatileCache bool
	EnableFUA     bool

	DiscardAlignment   uint32
	DiscardGranularity uint32
	MaxDiscardSectors  uint32
	MaxDiscardSegments uint16

	DeviceName  string
	CPUAffinity []int
}

func DefaultDeviceParams(backend Sizer) DeviceParams {
	return DeviceParams{
		Backend:          backend,
		DeviceID:         -1,
		QueueDepth:       128,
		NumQueues:        0,
		LogicalBlockSize: 512,
		MaxIOSize:        1 << 20,

		EnableZeroCopy:     false,
		EnableUnprivileged: false,
		EnableUserCopy:     false,
		EnableZoned:        false,
		EnableIoctlEncode:  false, // UBLK_F_CMD_IOCTL_ENCODE not advertised; opcodes stay ioctl-encoded

		ReadOnly:      false,
		Rotational:    false,
		VolatileCache: false,
		EnableFUA:     false,

		DiscardAlignment:   4096,
		DiscardGranularity: 4096,
		MaxDiscardSectors:  0xffffffff,
		MaxDiscardSegments: 256,
	}
}

type DeviceInfo struct {
	ID           uint32
	State        uint32
	NumQueues    uint16
	QueueDepth   uint16
	BlockSize    uint16
	MaxIOSize    uint32
	DevSectors   uint64
	Features     uint64
	CharPath     string
	BlockPath    string
}

func (d *DeviceInfo) Size() int64 {
	return int64(d.DevSectors) * int64(d.BlockSize)
}