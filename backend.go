// Package ublk provides the main API for creating userspace block devices
package ublk

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/ublksrv/goublk/internal/constants"
	"github.com/ublksrv/goublk/internal/ctrl"
	"github.com/ublksrv/goublk/internal/engine"
	"github.com/ublksrv/goublk/internal/logging"
)

// waitLive waits for a ublk device to transition to LIVE state
func waitLive(devID uint32, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	// Give kernel time to process START_DEV
	time.Sleep(constants.DeviceStartupDelay)

	// Check if block device exists
	blockPath := fmt.Sprintf("/dev/ublkb%d", devID)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(blockPath); err == nil {
			return nil
		}
		time.Sleep(constants.DevicePollingInterval)
	}

	// Timeout waiting for device
	return fmt.Errorf("timeout waiting for device %s to appear", blockPath)
}

// Backend interfaces are now defined in interfaces.go

// Device represents a ublk block device
type Device struct {
	// ID is the device ID assigned by the kernel
	ID uint32

	// Path is the path to the block device (e.g., "/dev/ublkb0")
	Path string

	// CharPath is the path to the character device (e.g., "/dev/ublkc0")
	CharPath string

	// Backend is the backend implementation
	Backend Backend

	// Context for cancellation
	ctx    context.Context
	cancel context.CancelFunc

	// Internal state
	queues    int
	depth     int
	blockSize int
	started   bool

	// Control-plane and engine handles, kept alive for the device's
	// lifetime so StopAndDelete can drive shutdown and reuse the same
	// control ring that created the device.
	ctl  *ctrl.Ctrl
	dev  *engine.Dev
	done <-chan error

	// Metrics and observability
	metrics  *Metrics
	observer Observer
}

// DeviceParams contains parameters for creating a ublk device
type DeviceParams struct {
	// Backend provides the storage implementation
	Backend Backend

	// Device configuration
	QueueDepth       int // Queue depth per queue (default: 128)
	NumQueues        int // Number of queues (default: number of CPUs)
	LogicalBlockSize int // Logical block size in bytes (default: 512)
	MaxIOSize        int // Maximum I/O size in bytes (default: 1MB)

	// Feature flags
	EnableZeroCopy        bool // Enable zero-copy if supported
	EnableUnprivileged    bool // Allow unprivileged operation
	EnableUserCopy        bool // Use user-copy mode
	EnableZoned           bool // Enable zoned storage support
	EnableIoctlEncode     bool // Advertise UBLK_F_CMD_IOCTL_ENCODE (control opcodes are ioctl-encoded either way)
	EnableUserRecovery    bool // Allow START_USER_RECOVERY/END_USER_RECOVERY on this device
	EnableRecoveryReissue bool // Reissue in-flight I/O to the target after recovery instead of failing it

	// Device attributes
	ReadOnly      bool // Make device read-only
	Rotational    bool // Device is rotational (HDD-like)
	VolatileCache bool // Device has volatile cache
	EnableFUA     bool // Enable Force Unit Access

	// Discard parameters (only used if backend implements DiscardBackend)
	DiscardAlignment   uint32 // Discard alignment
	DiscardGranularity uint32 // Discard granularity
	MaxDiscardSectors  uint32 // Max sectors per discard
	MaxDiscardSegments uint16 // Max segments per discard

	// Advanced options
	DeviceID    int32  // Specific device ID to request (-1 for auto)
	DeviceName  string // Optional device name
	CPUAffinity []int  // CPU affinity mask for queue threads
}

// DefaultParams returns default device parameters
func DefaultParams(backend Backend) DeviceParams {
	return DeviceParams{
		Backend:          backend,
		QueueDepth:       constants.DefaultQueueDepth,
		NumQueues:        0, // 0 means auto-detect based on CPUs
		LogicalBlockSize: constants.DefaultLogicalBlockSize,
		MaxIOSize:        constants.DefaultMaxIOSize,

		// Sensible defaults
		EnableZeroCopy:        false, // Requires 4K blocks
		EnableUnprivileged:    false, // Requires root by default
		EnableUserCopy:        false, // Direct mode by default
		EnableZoned:           false, // Regular block device
		EnableIoctlEncode:     false, // Feature bit not advertised
		EnableUserRecovery:    false, // Opt in explicitly; affects kernel teardown semantics
		EnableRecoveryReissue: false,

		ReadOnly:      false,
		Rotational:    false, // SSD-like by default
		VolatileCache: false,
		EnableFUA:     false,

		// Discard defaults
		DiscardAlignment:   constants.DefaultDiscardAlignment,
		DiscardGranularity: constants.DefaultDiscardGranularity,
		MaxDiscardSectors:  constants.DefaultMaxDiscardSectors,
		MaxDiscardSegments: constants.DefaultMaxDiscardSegments,

		DeviceID: constants.AutoAssignDeviceID,
	}
}

// Options contains additional options for device creation
type Options struct {
	// Context for cancellation (if nil, uses context.Background())
	Context context.Context

	// Logger receives a one-line "device ready" message (if nil, that
	// message is skipped; the library's internal logging is unaffected)
	Logger Logger

	// Observer for metrics collection (if nil, a MetricsObserver recording
	// into Device.Metrics() is used)
	Observer Observer
}

// Logger interface is now defined in interfaces.go

// CreateAndServe creates a ublk device with the given parameters and starts serving I/O.
// This is the main entry point for creating ublk devices.
//
// The device will continue serving I/O until:
// - The context is cancelled
// - StopAndDelete is called
// - An unrecoverable error occurs
//
// Example:
//
//	mem := backend.NewMemory(64 << 20) // 64MB RAM disk
//	params := ublk.DefaultParams(mem)
//	device, err := ublk.CreateAndServe(context.Background(), params, nil)
func CreateAndServe(ctx context.Context, params DeviceParams, options *Options) (*Device, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if options == nil {
		options = &Options{}
	}

	if options.Context != nil {
		ctx = options.Context
	}

	// Create the control-plane handle. It stays open for the device's
	// lifetime: StopAndDelete reuses it to issue STOP_DEV/DEL_DEV and the
	// worker reuses it to flush the JSON record once queues publish.
	ctl, err := createController()
	if err != nil {
		return nil, WrapError("create_controller", err)
	}

	ctrlParams := convertToCtrlParams(params)

	devID, err := ctl.AddDevice(&ctrlParams)
	if err != nil {
		ctl.Close()
		return nil, WrapError("add_device", err)
	}

	device, err := attachAndServe(ctx, ctl, devID, params, ctrlParams, options)
	if err != nil {
		ctl.DeleteDevice(devID)
		ctl.Close()
		return nil, err
	}
	return device, nil
}

// RecoverAndServe re-attaches to a device left QUIESCED by a crashed or
// restarted daemon (UBLK_F_USER_RECOVERY), rather than creating a new one.
// The caller supplies the same devID and an equivalent DeviceParams
// (EnableUserRecovery should be set); the backend need not hold the same
// in-memory state the previous process had, only serve the same logical
// data. Internally this skips ADD_DEV and relies on Ctrl.StartDev to detect
// UBLK_S_DEV_QUIESCED and issue END_USER_RECOVERY instead of
// SET_PARAMS/START_DEV.
func RecoverAndServe(ctx context.Context, devID uint32, params DeviceParams, options *Options) (*Device, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if options == nil {
		options = &Options{}
	}
	if options.Context != nil {
		ctx = options.Context
	}

	ctl, err := createController()
	if err != nil {
		return nil, WrapError("create_controller", err)
	}

	ctrlParams := convertToCtrlParams(params)
	device, err := attachAndServe(ctx, ctl, devID, params, ctrlParams, options)
	if err != nil {
		ctl.Close()
		return nil, err
	}
	return device, nil
}

// attachAndServe is the shared tail of CreateAndServe and RecoverAndServe:
// given a Ctrl for devID, fetch its GET_DEV_INFO result, open the
// character device, install the target, spawn the queue worker, and bring
// the device live. The caller owns cleanup of ctl/devID on error.
func attachAndServe(ctx context.Context, ctl *ctrl.Ctrl, devID uint32, params DeviceParams, ctrlParams ctrl.DeviceParams, options *Options) (*Device, error) {
	info, err := ctl.GetDeviceInfo(devID)
	if err != nil {
		return nil, WrapError("get_device_info", err)
	}

	metrics := NewMetrics()
	var observer Observer = &NoOpObserver{}
	if options.Observer != nil {
		observer = options.Observer
	} else {
		observer = NewMetricsObserver(metrics)
	}

	numQueues := int(info.NrHwQueues)
	if numQueues == 0 {
		numQueues = 1
	}

	target := NewSyncTarget(tgtTypeFor(params), params.Backend, observer)
	devLogger := logging.Default()

	eDev, err := engine.OpenDev(devID, info, target, devLogger)
	if err != nil {
		return nil, WrapError("open_char_device", err)
	}

	worker := engine.NewWorker(engine.WorkerConfig{
		Dev:         eDev,
		NumQueues:   numQueues,
		QueueDepth:  params.QueueDepth,
		BlockSize:   params.LogicalBlockSize,
		CPUAffinity: params.CPUAffinity,
		Logger:      devLogger,
	}, ctl)

	deviceCtx, cancel := context.WithCancel(ctx)

	done, err := worker.Start(deviceCtx, &ctrlParams)
	if err != nil {
		cancel()
		// Queue threads may already be parked in submit_and_wait; STOP_DEV
		// aborts their inflight commands so they can drain and exit before
		// the cdev goes away.
		_ = ctl.StopDevice(devID)
		eDev.Close()
		return nil, WrapError("start_device", err)
	}

	device := &Device{
		ID:        devID,
		Path:      fmt.Sprintf("/dev/ublkb%d", devID),
		CharPath:  fmt.Sprintf("/dev/ublkc%d", devID),
		Backend:   params.Backend,
		queues:    numQueues,
		depth:     params.QueueDepth,
		blockSize: params.LogicalBlockSize,
		started:   true,
		ctl:       ctl,
		dev:       eDev,
		done:      done,
		metrics:   metrics,
		observer:  observer,
	}
	device.ctx, device.cancel = deviceCtx, cancel

	if err := waitLive(devID, constants.DeviceLiveTimeout); err != nil {
		devLogger.Warn("block device did not appear in time", "dev_id", devID, "error", err)
	}

	devLogger.Info("device initialization complete", "dev_id", devID, "queues", numQueues)
	if options.Logger != nil {
		options.Logger.Printf("Device ready: %s (ID: %d) with %d queues", device.Path, device.ID, numQueues)
	}

	return device, nil
}

// tgtTypeFor names the target for the JSON device record, preferring the
// caller's device name when given. An unnamed device still gets a unique
// name, so multiple unnamed "sync" devices don't collide in tooling that
// keys off tgt_type.
func tgtTypeFor(params DeviceParams) string {
	if params.DeviceName != "" {
		return params.DeviceName
	}
	return "sync-" + uuid.NewString()[:8]
}

// DeviceState represents the current state of a ublk device
type DeviceState string

const (
	// DeviceStateCreated indicates the device has been created but not started
	DeviceStateCreated DeviceState = "created"
	// DeviceStateRunning indicates the device is actively serving I/O
	DeviceStateRunning DeviceState = "running"
	// DeviceStateStopped indicates the device has been stopped
	DeviceStateStopped DeviceState = "stopped"
)

// State returns the current state of the device
func (d *Device) State() DeviceState {
	if d == nil {
		return DeviceStateStopped
	}

	if !d.started {
		return DeviceStateCreated
	}

	// Check if context is canceled (but only if context exists)
	if d.ctx != nil {
		select {
		case <-d.ctx.Done():
			return DeviceStateStopped
		default:
			return DeviceStateRunning
		}
	}

	return DeviceStateRunning
}

// IsRunning returns true if the device is currently serving I/O
func (d *Device) IsRunning() bool {
	return d.State() == DeviceStateRunning
}

// NumQueues returns the number of I/O queues configured for this device
func (d *Device) NumQueues() int {
	return d.queues
}

// QueueDepth returns the queue depth configured for this device
func (d *Device) QueueDepth() int {
	return d.depth
}

// BlockSize returns the logical block size of this device
func (d *Device) BlockSize() int {
	return d.blockSize
}

// BlockPath returns the path to the block device (e.g., "/dev/ublkb0")
func (d *Device) BlockPath() string {
	return d.Path
}

// CharDevicePath returns the path to the character device (e.g., "/dev/ublkc0")
func (d *Device) CharDevicePath() string {
	return d.CharPath
}

// DeviceID returns the kernel-assigned device ID
func (d *Device) DeviceID() uint32 {
	return d.ID
}

// Size returns the size of the device in bytes
func (d *Device) Size() int64 {
	if d.Backend == nil {
		return 0
	}
	return d.Backend.Size()
}

// DeviceInfo contains comprehensive information about a ublk device
type DeviceInfo struct {
	ID         uint32      `json:"id"`
	BlockPath  string      `json:"block_path"`
	CharPath   string      `json:"char_path"`
	State      DeviceState `json:"state"`
	NumQueues  int         `json:"num_queues"`
	QueueDepth int         `json:"queue_depth"`
	BlockSize  int         `json:"block_size"`
	Size       int64       `json:"size"`
	Running    bool        `json:"running"`
}

// Info returns comprehensive information about the device
func (d *Device) Info() DeviceInfo {
	if d == nil {
		return DeviceInfo{}
	}

	state := d.State()
	return DeviceInfo{
		ID:         d.ID,
		BlockPath:  d.Path,
		CharPath:   d.CharPath,
		State:      state,
		NumQueues:  d.queues,
		QueueDepth: d.depth,
		BlockSize:  d.blockSize,
		Size:       d.Size(),
		Running:    state == DeviceStateRunning,
	}
}

// Metrics returns the current metrics for the device
func (d *Device) Metrics() *Metrics {
	if d == nil {
		return nil
	}
	return d.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of device metrics
func (d *Device) MetricsSnapshot() MetricsSnapshot {
	if d == nil || d.metrics == nil {
		return MetricsSnapshot{}
	}
	return d.metrics.Snapshot()
}

// StopAndDelete stops the device and removes it from the system. It reuses
// the same control-plane handle CreateAndServe built, since that handle
// carries the JSON device record StopDev needs to clean up correctly.
func StopAndDelete(ctx context.Context, device *Device) error {
	if device == nil {
		return ErrInvalidParameters
	}

	if !device.started {
		return nil
	}

	// StopDev issues the kernel STOP_DEV uring-cmd, which aborts every
	// in-flight FETCH/COMMIT_AND_FETCH command and causes each queue's
	// Run loop to return. Do this before cancelling our own context so the
	// kernel-driven abort (not our cancellation) is what unwinds the
	// queues, matching the real shutdown path a STOP_DEV from another
	// process would take.
	stopErr := device.ctl.StopDev(device.ID)

	if device.done != nil {
		select {
		case err := <-device.done:
			if err != nil {
				logging.Default().Warn("queue worker exited with error", "dev_id", device.ID, "error", err)
			}
		case <-time.After(constants.DeviceShutdownTimeout):
			logging.Default().Warn("timed out waiting for queue threads to exit", "dev_id", device.ID)
		}
	}

	if device.cancel != nil {
		device.cancel()
	}
	if device.metrics != nil {
		device.metrics.Stop()
	}
	if device.dev != nil {
		device.dev.Close()
	}

	if stopErr != nil {
		device.ctl.Close()
		return WrapError("stop_device", stopErr)
	}

	if err := device.ctl.DeleteDevice(device.ID); err != nil {
		device.ctl.Close()
		return WrapError("delete_device", err)
	}

	device.ctl.Close()
	device.started = false
	return nil
}

// Close stops and deletes the device, releasing every resource
// CreateAndServe allocated. It is safe to call more than once.
func (d *Device) Close() error {
	if d == nil {
		return nil
	}
	return StopAndDelete(context.Background(), d)
}

// createController creates a new control plane controller
func createController() (*ctrl.Controller, error) {
	return ctrl.NewController()
}

// convertToCtrlParams converts public DeviceParams to internal ctrl.DeviceParams
func convertToCtrlParams(params DeviceParams) ctrl.DeviceParams {
	ctrlParams := ctrl.DefaultDeviceParams(params.Backend)

	// Copy all fields
	ctrlParams.DeviceID = params.DeviceID
	ctrlParams.QueueDepth = params.QueueDepth
	ctrlParams.NumQueues = params.NumQueues
	ctrlParams.LogicalBlockSize = params.LogicalBlockSize
	ctrlParams.MaxIOSize = params.MaxIOSize

	ctrlParams.EnableZeroCopy = params.EnableZeroCopy
	ctrlParams.EnableUnprivileged = params.EnableUnprivileged
	ctrlParams.EnableUserCopy = params.EnableUserCopy
	ctrlParams.EnableZoned = params.EnableZoned
	ctrlParams.EnableIoctlEncode = params.EnableIoctlEncode
	ctrlParams.EnableUserRecovery = params.EnableUserRecovery
	ctrlParams.EnableRecoveryReissue = params.EnableRecoveryReissue

	ctrlParams.ReadOnly = params.ReadOnly
	ctrlParams.Rotational = params.Rotational
	ctrlParams.VolatileCache = params.VolatileCache
	ctrlParams.EnableFUA = params.EnableFUA

	ctrlParams.DiscardAlignment = params.DiscardAlignment
	ctrlParams.DiscardGranularity = params.DiscardGranularity
	ctrlParams.MaxDiscardSectors = params.MaxDiscardSectors
	ctrlParams.MaxDiscardSegments = params.MaxDiscardSegments

	ctrlParams.DeviceName = params.DeviceName
	ctrlParams.CPUAffinity = params.CPUAffinity

	return ctrlParams
}

// Error definitions moved to errors.go
