package ctrl

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ublksrv/goublk/internal/uapi"
)

func TestDeviceRecordRoundTrip(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TMPDIR", dir)

	c := &Ctrl{devID: 7, forAdd: true, record: NewDeviceRecord()}

	info := &uapi.UblksrvCtrlDevInfo{DevID: 7, NrHwQueues: 2, QueueDepth: 128}
	tgt := TgtCfg{TgtType: "mem", DevSize: 1 << 20}
	queues := []QueueRecord{
		{QID: 0, TID: 101, Affinity: []int{0, 1}},
		{QID: 1, TID: 102, Affinity: []int{2, 3}},
	}
	c.BuildJSON(info, tgt, map[string]interface{}{"foo": "bar"}, queues)

	require.NoError(t, c.FlushJSON())

	wantPath := filepath.Join(dir, "ublk", "0007.json")
	_, err := os.Stat(wantPath)
	require.NoError(t, err, "expected record at %s", wantPath)

	reloaded := &Ctrl{devID: 7}
	require.NoError(t, reloaded.ReloadJSON(7))

	require.Equal(t, "mem", reloaded.record.Target.TgtType)
	q0, ok := reloaded.record.Queues["0"]
	require.True(t, ok, "queue 0 record missing after reload")
	require.EqualValues(t, 101, q0.TID)
	require.Len(t, q0.Affinity, 2)
}

func TestRemoveJSONToleratesMissing(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TMPDIR", dir)

	c := &Ctrl{devID: 99}
	require.NoError(t, c.RemoveJSON(99), "RemoveJSON on absent record should not error")
}

func TestBitmapToCPUList(t *testing.T) {
	buf := make([]byte, 128)
	buf[0] = 0b00000011 // cpus 0,1
	buf[1] = 0b00000100 // cpu 10

	got := bitmapToCPUList(buf)
	want := []int{0, 1, 10}
	if len(got) != len(want) {
		t.Fatalf("bitmapToCPUList() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("bitmapToCPUList()[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}
