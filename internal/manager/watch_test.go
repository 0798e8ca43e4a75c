package manager

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"udevd/internal/common/fsutil"
	"udevd/internal/device"
	"udevd/internal/notify"
)

func TestWorkerWatchRequests(t *testing.T) {
	h := newHarness(t, nil)
	h.uevent(diskDevice(1, device.ActionAdd))
	p := h.proc(0)

	h.m.onNotify(notify.Message{Pid: p.pid, Kind: notify.KindWatchAdd, Path: "/dev/sda"})
	assert.Equal(t, WorkerRunning, h.m.workers[p.pid].State, "watch requests do not end the event")
	assert.Equal(t, []uint64{1}, h.running())
	assert.Equal(t, []string{"/dev/sda"}, h.watcher.added)
	e := h.m.watches.byID["b8:0"]
	require.NotNil(t, e)
	assert.Equal(t, "/devices/pci0/ata1/block/sda", e.Disk)

	h.m.onNotify(notify.Message{Pid: p.pid, Kind: notify.KindWatchRemove})
	assert.Empty(t, h.m.watches.byID)
	assert.Equal(t, []string{"/dev/sda"}, h.watcher.removed)

	h.done(p.pid)
	assert.Zero(t, h.m.queue.Len())
}

func TestCloseWriteUnlocksDiskAndSynthesizesChange(t *testing.T) {
	var synthesized []string
	h := newHarness(t, func(c *ManagerConfig) {
		c.Synthesize = func(devpath string) error {
			synthesized = append(synthesized, devpath)
			return nil
		}
	})
	h.m.addWatch(diskDevice(1, device.ActionAdd), "/dev/sda")

	h.uevent(partitionDevice(2, device.ActionAdd))
	p := h.proc(0)
	h.notify(p.pid, notify.KindTryAgain)
	require.True(t, h.event(2).RetryPending())

	h.m.onWatchEvent(WatchEvent{Path: "/dev/sda"})
	h.post()
	assert.Equal(t, []string{"/devices/pci0/ata1/block/sda"}, synthesized)
	assert.Equal(t, []uint64{2, 2}, p.seqnums())

	h.m.onWatchEvent(WatchEvent{Path: "/dev/unknown"})
	assert.Len(t, synthesized, 1)

	h.m.onWatchEvent(WatchEvent{Path: "/dev/sda", Ignored: true})
	assert.Empty(t, h.m.watches.byPath)
}

func TestWatchReplacedForSameDevice(t *testing.T) {
	h := newHarness(t, nil)
	h.m.addWatch(diskDevice(1, device.ActionAdd), "/dev/sda")
	h.m.addWatch(diskDevice(2, device.ActionChange), "/dev/disk/by-id/x")
	assert.Len(t, h.m.watches.byID, 1)
	assert.Equal(t, "/dev/disk/by-id/x", h.m.watches.byID["b8:0"].Path)
	assert.Equal(t, []string{"/dev/sda"}, h.watcher.removed)
}

func TestSerializationRoundTrip(t *testing.T) {
	h1 := newHarness(t, nil)
	h1.m.addWatch(diskDevice(1, device.ActionAdd), "/dev/sda")
	h1.m.addWatch(partitionDevice(2, device.ActionAdd), "/dev/sda1")
	require.NoError(t, h1.m.serialize())
	path := filepath.Join(h1.dir, "serialization")
	require.True(t, fsutil.PathExists(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	h2 := newHarness(t, func(c *ManagerConfig) { c.RuntimeDir = h1.dir })
	require.NoError(t, h2.m.restore())
	assert.Equal(t, h1.m.InvocationID(), h2.m.InvocationID())
	assert.Equal(t, []string{"/dev/sda", "/dev/sda1"}, h2.watcher.added)
	assert.Equal(t, h1.m.watches.list(), h2.m.watches.list())
	assert.False(t, fsutil.PathExists(path), "state file is consumed")

	h3 := newHarness(t, func(c *ManagerConfig) { c.Serialized = bytes.NewReader(data) })
	require.NoError(t, h3.m.restore())
	assert.Equal(t, h1.m.InvocationID(), h3.m.InvocationID())
	assert.Len(t, h3.m.watches.byID, 2)
}

func TestRestoreWithoutStateIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	id := h.m.InvocationID()
	require.NoError(t, h.m.restore())
	assert.Equal(t, id, h.m.InvocationID())

	h2 := newHarness(t, func(c *ManagerConfig) { c.Serialized = bytes.NewReader([]byte("{not json")) })
	assert.Error(t, h2.m.restore())
}
