package ctrl

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/ublksrv/goublk/internal/uapi"
)

var recordJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// TgtCfg is the target configuration exported into the device JSON record,
// matching the original's UblkTgt{tgt_type, dev_size, params}.
type TgtCfg struct {
	TgtType string           `json:"tgt_type"`
	DevSize uint64           `json:"dev_size"`
	Params  uapi.UblkParams  `json:"params"`
}

// QueueRecord captures one queue thread's published identity for recovery
// and inspection (ublk/<dev_id>.json's "queues" map).
type QueueRecord struct {
	QID      uint32 `json:"qid"`
	TID      int32  `json:"tid"`
	Affinity []int  `json:"affinity"`
}

// DeviceRecord is the full persisted JSON blob for one device.
type DeviceRecord struct {
	DevInfo    *uapi.UblksrvCtrlDevInfo `json:"dev_info"`
	Target     TgtCfg                   `json:"target"`
	TargetData interface{}              `json:"target_data"`
	Queues     map[string]QueueRecord   `json:"queues"`
}

func NewDeviceRecord() *DeviceRecord {
	return &DeviceRecord{Queues: make(map[string]QueueRecord)}
}

// RunDir is the directory device records are written under, mirroring the
// original's UblkCtrl::run_dir (`$TMPDIR/ublk`).
func RunDir() string {
	return filepath.Join(os.TempDir(), "ublk")
}

// RunPath is the JSON record path for a given device id.
func RunPath(devID uint32) string {
	return filepath.Join(RunDir(), fmt.Sprintf("%04d.json", devID))
}

// BuildJSON assembles the device record from the device info, target
// config, and per-queue published tid/affinity, mirroring the original's
// build_json. A target that returns a nil TargetData (one with nothing
// worth persisting) still gets an opaque correlation id here, so the
// record's "target_data" field is always present for external tooling that
// keys off it.
func (c *Ctrl) BuildJSON(devInfo *uapi.UblksrvCtrlDevInfo, tgt TgtCfg, targetData interface{}, queues []QueueRecord) {
	rec := NewDeviceRecord()
	rec.DevInfo = devInfo
	rec.Target = tgt
	if targetData != nil {
		rec.TargetData = targetData
	} else {
		rec.TargetData = map[string]string{"correlation_id": newCorrelationID()}
	}
	for _, q := range queues {
		rec.Queues[fmt.Sprintf("%d", q.QID)] = q
	}
	c.record = rec
}

// newCorrelationID mints an opaque id for devices whose target has no
// state of its own worth persisting in target_data.
func newCorrelationID() string {
	return uuid.NewString()
}

// FlushJSON writes the current device record to disk at RunPath(devID).
func (c *Ctrl) FlushJSON() error {
	if c.record == nil {
		c.record = NewDeviceRecord()
	}
	if err := os.MkdirAll(RunDir(), 0o755); err != nil {
		return fmt.Errorf("ctrl: create run dir: %w", err)
	}
	data, err := recordJSON.Marshal(c.record)
	if err != nil {
		return fmt.Errorf("ctrl: marshal device record: %w: %w", ErrJSON, err)
	}
	return os.WriteFile(RunPath(c.devID), data, 0o644)
}

// ReloadJSON reads back a previously-flushed device record, used by
// recovery and dump paths.
func (c *Ctrl) ReloadJSON(devID uint32) error {
	data, err := os.ReadFile(RunPath(devID))
	if err != nil {
		return fmt.Errorf("ctrl: read device record: %w", err)
	}
	rec := NewDeviceRecord()
	if err := recordJSON.Unmarshal(data, rec); err != nil {
		return fmt.Errorf("ctrl: parse device record: %w: %w", ErrJSON, err)
	}
	c.record = rec
	return nil
}

// RemoveJSON deletes the persisted record for a device.
func (c *Ctrl) RemoveJSON(devID uint32) error {
	path := RunPath(devID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return os.Remove(path)
}

// Record returns the in-memory device record, for callers that need to
// inspect it (e.g. dump).
func (c *Ctrl) Record() *DeviceRecord {
	return c.record
}
