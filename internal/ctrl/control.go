// Package ctrl drives the ublk control-plane protocol: device lifecycle
// commands over /dev/ublk-control, plus the JSON device record used for
// dump and user recovery.
package ctrl

import (
	"encoding/binary"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"syscall"
	"time"
	"unsafe"

	"github.com/ublksrv/goublk/internal/logging"
	"github.com/ublksrv/goublk/internal/uapi"
	"github.com/ublksrv/goublk/internal/uring"
)

const (
	UblkControlPath = "/dev/ublk-control"

	recoveryPollInterval = 100 * time.Millisecond
	recoveryMaxWait      = 30 * time.Second
)

// Ctrl owns the control-plane io_uring and /dev/ublk-control handle for one
// device, plus that device's persisted JSON record.
type Ctrl struct {
	controlFd int
	ring      uring.Ring
	useIoctl  bool
	logger    *logging.Logger

	devID  uint32
	forAdd bool
	record *DeviceRecord
}

// Controller is kept as an alias so callers that migrated from the old name
// still compile against the same construction API.
type Controller = Ctrl

func NewController() (*Ctrl, error) {
	fd, err := syscall.Open(UblkControlPath, syscall.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %v", UblkControlPath, err)
	}

	config := uring.Config{
		Entries: 32,
		FD:      int32(fd),
		Flags:   0,
	}

	ring, err := uring.NewCtrlRing(config)
	if err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("failed to create io_uring: %v", err)
	}

	return &Ctrl{
		controlFd: fd,
		ring:      ring,
		useIoctl:  true,
		logger:    logging.Default(),
		record:    NewDeviceRecord(),
	}, nil
}

// Close releases the control ring and /dev/ublk-control fd. If this Ctrl
// created a device that was never deleted, a best-effort DEL_DEV goes out
// first; the device may already be gone, so its failure is swallowed.
func (c *Ctrl) Close() error {
	if c.forAdd && c.ring != nil {
		_ = c.del(c.devID)
	}
	if c.ring != nil {
		c.ring.Close()
	}
	if c.controlFd >= 0 {
		return syscall.Close(c.controlFd)
	}
	return nil
}

func (c *Ctrl) AddDevice(params *DeviceParams) (uint32, error) {
	c.forAdd = true

	numQueues := params.NumQueues
	if numQueues <= 0 {
		numQueues = 1
	}

	devInfo := &uapi.UblksrvCtrlDevInfo{
		NrHwQueues:    uint16(numQueues),
		QueueDepth:    uint16(params.QueueDepth),
		State:         0, // UBLK_S_DEV_DEAD
		MaxIOBufBytes: uint32(params.MaxIOSize),
		DevID:         uint32(params.DeviceID),
		UblksrvPID:    int32(os.Getpid()),
		Flags:         c.buildFeatureFlags(params),
		UblksrvFlags:  0,
		OwnerUID:      uint32(os.Getuid()),
		OwnerGID:      uint32(os.Getgid()),
	}

	c.logger.Debug("submitting ADD_DEV",
		"queues", devInfo.NrHwQueues,
		"depth", devInfo.QueueDepth,
		"max_io", devInfo.MaxIOBufBytes,
		"flags", fmt.Sprintf("0x%x", devInfo.Flags),
		"dev_id", devInfo.DevID)

	infoBuf := uapi.Marshal(devInfo)
	if v := os.Getenv("UBLK_DEVINFO_LEN"); v != "" {
		if want, err := strconv.Atoi(v); err == nil && want == 80 && len(infoBuf) == 64 {
			padded := make([]byte, 80)
			copy(padded, infoBuf)
			infoBuf = padded
		}
	}

	cmd := &uapi.UblksrvCtrlCmd{
		DevID:   devInfo.DevID,
		QueueID: 0xFFFF,
		Len:     uint16(len(infoBuf)),
		Addr:    uint64(uintptr(unsafe.Pointer(&infoBuf[0]))),
	}

	c.useIoctl = true
	op := uapi.UblkCtrlCmd(uapi.UBLK_CMD_ADD_DEV)
	result, err := c.ring.SubmitCtrlCmd(op, cmd, 0)
	if err != nil {
		return 0, fmt.Errorf("ADD_DEV submit failed: %v", err)
	}
	c.logger.Info("ADD_DEV completed", "result", result.Value())
	if result.Value() < 0 {
		return 0, fmt.Errorf("ADD_DEV failed with error %d: %w", result.Value(), ErrUringIO)
	}

	runtime.KeepAlive(infoBuf)

	info := uapi.UnmarshalCtrlDevInfo(infoBuf)
	c.devID = info.DevID
	c.logger.Info("device created", "dev_id", info.DevID)
	return info.DevID, nil
}

func (c *Ctrl) ctrlCmdOp(base uint32) uint32 {
	if c.useIoctl {
		return uapi.UblkCtrlCmd(base)
	}
	return base
}

func (c *Ctrl) SetParams(devID uint32, params *DeviceParams) error {
	c.logger.Debug("setting device parameters",
		"logical_bs", params.LogicalBlockSize,
		"max_io", params.MaxIOSize,
		"backend_size", params.Backend.Size())

	ublkParams := &uapi.UblkParams{
		Types: uapi.UBLK_PARAM_TYPE_BASIC,
		Basic: uapi.UblkParamBasic{
			Attrs:           buildAttrFlags(params),
			LogicalBSShift:  uint8(sizeToShift(params.LogicalBlockSize)),
			PhysicalBSShift: uint8(sizeToShift(params.LogicalBlockSize)),
			IOMinShift:      uint8(sizeToShift(params.LogicalBlockSize)),
			MaxSectors:      uint32(params.MaxIOSize / params.LogicalBlockSize),
			DevSectors:      uint64(params.Backend.Size() / int64(params.LogicalBlockSize)),
		},
	}

	if params.MaxDiscardSectors > 0 {
		ublkParams.Types |= uapi.UBLK_PARAM_TYPE_DISCARD
		ublkParams.Discard = uapi.UblkParamDiscard{
			DiscardAlignment:   params.DiscardAlignment,
			DiscardGranularity: params.DiscardGranularity,
			MaxDiscardSectors:  params.MaxDiscardSectors,
			MaxDiscardSegments: params.MaxDiscardSegments,
		}
	}

	buf := uapi.Marshal(ublkParams)
	if len(buf) < 128 {
		padded := make([]byte, 128)
		copy(padded, buf)
		buf = padded
		binary.LittleEndian.PutUint32(buf[0:4], 128)
	}

	cmd := &uapi.UblksrvCtrlCmd{
		DevID:   devID,
		QueueID: 0xFFFF,
		Len:     uint16(len(buf)),
		Addr:    uint64(uintptr(unsafe.Pointer(&buf[0]))),
	}

	result, err := c.ring.SubmitCtrlCmd(c.ctrlCmdOp(uapi.UBLK_CMD_SET_PARAMS), cmd, 0)
	if err != nil {
		return fmt.Errorf("SET_PARAMS failed: %v", err)
	}
	c.logger.Info("SET_PARAMS completed", "result", result.Value())
	if result.Value() < 0 {
		return fmt.Errorf("SET_PARAMS failed with error %d: %w", result.Value(), ErrUringIO)
	}
	return nil
}

func buildAttrFlags(params *DeviceParams) uint32 {
	var a uint32
	if params.ReadOnly {
		a |= uapi.UBLK_ATTR_READ_ONLY
	}
	if params.Rotational {
		a |= uapi.UBLK_ATTR_ROTATIONAL
	}
	if params.VolatileCache {
		a |= uapi.UBLK_ATTR_VOLATILE_CACHE
	}
	if params.EnableFUA {
		a |= uapi.UBLK_ATTR_FUA
	}
	return a
}

func (c *Ctrl) StartDevice(devID uint32) error {
	c.logger.Debug("starting device", "dev_id", devID)
	cmd := &uapi.UblksrvCtrlCmd{
		DevID:   devID,
		QueueID: 0xFFFF,
		Data:    uint64(os.Getpid()),
	}
	result, err := c.ring.SubmitCtrlCmd(c.ctrlCmdOp(uapi.UBLK_CMD_START_DEV), cmd, 0)
	if err != nil {
		return fmt.Errorf("START_DEV failed: %v", err)
	}
	c.logger.Info("START_DEV completed", "result", result.Value())
	if result.Value() < 0 {
		return fmt.Errorf("START_DEV failed with error %d: %w", result.Value(), ErrUringIO)
	}
	return nil
}

// AsyncStartHandle wraps the async START_DEV operation
type AsyncStartHandle struct {
	handle *uring.AsyncHandle
	devID  uint32
}

func (h *AsyncStartHandle) Wait(timeout time.Duration) error {
	result, err := h.handle.Wait(timeout)
	if err != nil {
		return fmt.Errorf("START_DEV timeout for device %d: %v", h.devID, err)
	}
	if result.Value() < 0 {
		return fmt.Errorf("START_DEV failed with error %d: %w", result.Value(), ErrUringIO)
	}
	return nil
}

func (c *Ctrl) StartDeviceAsync(devID uint32) (*AsyncStartHandle, error) {
	cmd := &uapi.UblksrvCtrlCmd{
		DevID:   devID,
		QueueID: 0xFFFF,
		Data:    uint64(os.Getpid()),
	}
	handle, err := c.ring.SubmitCtrlCmdAsync(c.ctrlCmdOp(uapi.UBLK_CMD_START_DEV), cmd, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to submit START_DEV: %v", err)
	}
	return &AsyncStartHandle{handle: handle, devID: devID}, nil
}

func (c *Ctrl) StopDevice(devID uint32) error {
	cmd := &uapi.UblksrvCtrlCmd{DevID: devID, QueueID: 0xFFFF}
	result, err := c.ring.SubmitCtrlCmd(c.ctrlCmdOp(uapi.UBLK_CMD_STOP_DEV), cmd, 0)
	if err != nil {
		return fmt.Errorf("STOP_DEV failed: %v", err)
	}
	if result.Value() < 0 {
		return fmt.Errorf("STOP_DEV failed with error %d: %w", result.Value(), ErrUringIO)
	}
	return nil
}

func (c *Ctrl) DeleteDevice(devID uint32) error {
	cmd := &uapi.UblksrvCtrlCmd{DevID: devID, QueueID: 0xFFFF}
	result, err := c.ring.SubmitCtrlCmd(c.ctrlCmdOp(uapi.UBLK_CMD_DEL_DEV), cmd, 0)
	if err != nil {
		return fmt.Errorf("DEL_DEV failed: %v", err)
	}
	if result.Value() < 0 {
		return fmt.Errorf("DEL_DEV failed with error %d: %w", result.Value(), ErrUringIO)
	}
	if devID == c.devID {
		c.forAdd = false
	}
	return nil
}

// del mirrors the original's internal del(): best-effort, used from
// destructor paths where the device may already be gone.
func (c *Ctrl) del(devID uint32) error {
	return c.DeleteDevice(devID)
}

func (c *Ctrl) GetDeviceInfo(devID uint32) (*uapi.UblksrvCtrlDevInfo, error) {
	buf := make([]byte, 80)
	cmd := &uapi.UblksrvCtrlCmd{
		DevID:   devID,
		QueueID: 0xFFFF,
		Len:     uint16(len(buf)),
		Addr:    uint64(uintptr(unsafe.Pointer(&buf[0]))),
	}
	result, err := c.ring.SubmitCtrlCmd(c.ctrlCmdOp(uapi.UBLK_CMD_GET_DEV_INFO), cmd, 0)
	if err != nil {
		return nil, fmt.Errorf("GET_DEV_INFO failed: %v", err)
	}
	if result.Value() < 0 {
		return nil, fmt.Errorf("GET_DEV_INFO failed with error %d: %w", result.Value(), ErrUringIO)
	}
	info := uapi.UnmarshalCtrlDevInfo(buf)
	c.devID = info.DevID
	return info, nil
}

func (c *Ctrl) GetParams(devID uint32) (*uapi.UblkParams, error) {
	buf := make([]byte, 128)
	cmd := &uapi.UblksrvCtrlCmd{
		DevID:   devID,
		QueueID: 0xFFFF,
		Len:     uint16(len(buf)),
		Addr:    uint64(uintptr(unsafe.Pointer(&buf[0]))),
	}
	result, err := c.ring.SubmitCtrlCmd(c.ctrlCmdOp(uapi.UBLK_CMD_GET_PARAMS), cmd, 0)
	if err != nil {
		return nil, fmt.Errorf("GET_PARAMS failed: %v", err)
	}
	if result.Value() < 0 {
		return nil, fmt.Errorf("GET_PARAMS failed with error %d: %w", result.Value(), ErrUringIO)
	}
	params := &uapi.UblkParams{}
	if err := uapi.Unmarshal(buf, params); err != nil {
		params.Len = uint32(len(buf))
	}
	return params, nil
}

// GetQueueAffinity fetches the kernel-assigned CPU affinity mask for a
// queue, as a 128-byte bitmap (1024 bits), and returns the set CPU ids.
func (c *Ctrl) GetQueueAffinity(devID uint32, qid uint32) ([]int, error) {
	const bufLen = 128 // 1024 bits
	buf := make([]byte, bufLen)
	cmd := &uapi.UblksrvCtrlCmd{
		DevID:   devID,
		QueueID: 0xFFFF,
		Len:     uint16(bufLen),
		Addr:    uint64(uintptr(unsafe.Pointer(&buf[0]))),
		Data:    uint64(qid),
	}
	result, err := c.ring.SubmitCtrlCmd(c.ctrlCmdOp(uapi.UBLK_CMD_GET_QUEUE_AFFINITY), cmd, 0)
	if err != nil {
		return nil, fmt.Errorf("GET_QUEUE_AFFINITY failed: %v", err)
	}
	if result.Value() < 0 {
		return nil, fmt.Errorf("GET_QUEUE_AFFINITY failed with error %d: %w", result.Value(), ErrUringIO)
	}
	runtime.KeepAlive(buf)
	return bitmapToCPUList(buf), nil
}

func bitmapToCPUList(buf []byte) []int {
	var cpus []int
	for byteIdx, b := range buf {
		for bit := 0; bit < 8; bit++ {
			if b&(1<<uint(bit)) != 0 {
				cpus = append(cpus, byteIdx*8+bit)
			}
		}
	}
	return cpus
}

// startUserRecoveryOnce issues one START_USER_RECOVERY attempt.
func (c *Ctrl) startUserRecoveryOnce(devID uint32) (int32, error) {
	cmd := &uapi.UblksrvCtrlCmd{DevID: devID, QueueID: 0xFFFF}
	result, err := c.ring.SubmitCtrlCmd(c.ctrlCmdOp(uapi.UBLK_CMD_START_USER_RECOVERY), cmd, 0)
	if err != nil {
		return 0, err
	}
	return result.Value(), nil
}

// StartUserRecovery retries START_USER_RECOVERY while the kernel reports
// -EBUSY, sleeping recoveryPollInterval between attempts, for up to
// recoveryMaxWait total. -EBUSY is a tolerated result, not an error: a
// device still busy at the deadline yields (-EBUSY, nil) for the caller to
// act on, the same way a single non-retried call would.
func (c *Ctrl) StartUserRecovery(devID uint32) (int32, error) {
	var waited time.Duration
	for {
		res, err := c.startUserRecoveryOnce(devID)
		if err != nil {
			return 0, fmt.Errorf("START_USER_RECOVERY failed: %v", err)
		}
		if res == -int32(syscall.EBUSY) && waited < recoveryMaxWait {
			c.logger.Warn("START_USER_RECOVERY busy, retrying", "dev_id", devID, "waited", waited)
			time.Sleep(recoveryPollInterval)
			waited += recoveryPollInterval
			continue
		}
		if res < 0 && res != -int32(syscall.EBUSY) {
			return res, fmt.Errorf("START_USER_RECOVERY failed with error %d: %w", res, ErrUringIO)
		}
		return res, nil
	}
}

func (c *Ctrl) EndUserRecovery(devID uint32, pid int32) error {
	cmd := &uapi.UblksrvCtrlCmd{
		DevID:   devID,
		QueueID: 0xFFFF,
		Data:    uint64(uint32(pid)),
	}
	result, err := c.ring.SubmitCtrlCmd(c.ctrlCmdOp(uapi.UBLK_CMD_END_USER_RECOVERY), cmd, 0)
	if err != nil {
		return fmt.Errorf("END_USER_RECOVERY failed: %v", err)
	}
	if result.Value() < 0 {
		return fmt.Errorf("END_USER_RECOVERY failed with error %d: %w", result.Value(), ErrUringIO)
	}
	return nil
}

// StartDataPlane is deprecated - queue runners handle FETCH_REQ directly
func (c *Ctrl) StartDataPlane(devID uint32, numQueues, queueDepth int) error {
	c.logger.Warn("StartDataPlane is deprecated", "dev_id", devID)
	return nil
}

// StartDev brings a device live. A QUIESCED device already has its params
// loaded in the kernel and only needs END_USER_RECOVERY; otherwise
// SET_PARAMS, flush the JSON record, then START_DEV.
func (c *Ctrl) StartDev(devID uint32, params *DeviceParams) error {
	info, err := c.GetDeviceInfo(devID)
	if err != nil {
		return err
	}

	if info.State == uapi.UBLK_S_DEV_QUIESCED {
		return c.EndUserRecovery(devID, int32(os.Getpid()))
	}

	if err := c.SetParams(devID, params); err != nil {
		return err
	}
	if err := c.FlushJSON(); err != nil {
		return err
	}
	return c.StartDevice(devID)
}

// StopDev implements the stop_dev policy: remove the JSON record (if this
// Ctrl created the device) before issuing STOP_DEV.
func (c *Ctrl) StopDev(devID uint32) error {
	if c.forAdd {
		if err := c.RemoveJSON(devID); err != nil && !os.IsNotExist(err) {
			c.logger.Warn("failed to remove device record", "dev_id", devID, "error", err)
		}
	}
	return c.StopDevice(devID)
}

func (c *Ctrl) buildFeatureFlags(params *DeviceParams) uint64 {
	var flags uint64
	flags |= uapi.UBLK_F_URING_CMD_COMP_IN_TASK

	if params.EnableZeroCopy {
		flags |= uapi.UBLK_F_SUPPORT_ZERO_COPY
	}
	if params.EnableUnprivileged {
		flags |= uapi.UBLK_F_UNPRIVILEGED_DEV
	}
	if params.EnableUserCopy {
		flags |= uapi.UBLK_F_USER_COPY
	}
	if params.EnableIoctlEncode {
		flags |= uapi.UBLK_F_CMD_IOCTL_ENCODE
	}
	if params.EnableUserRecovery {
		flags |= uapi.UBLK_F_USER_RECOVERY
	}
	if params.EnableRecoveryReissue {
		flags |= uapi.UBLK_F_USER_RECOVERY_REISSUE
	}
	if params.EnableZoned {
		flags |= uapi.UBLK_F_ZONED
	}

	return flags
}

// SetLogger sets the logger for this controller
func (c *Ctrl) SetLogger(logger *logging.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// sizeToShift converts a size to its shift value (log2)
func sizeToShift(size int) int {
	shift := 0
	for s := size; s > 1; s >>= 1 {
		shift++
	}
	return shift
}
