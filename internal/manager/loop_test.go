package manager

import (
	"context"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"udevd/internal/device"
	"udevd/internal/notify"
	"udevd/pkg/types"
)

type chanDevices chan *device.Device

func (c chanDevices) Run(ctx context.Context, out chan<- *device.Device) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d := <-c:
			out <- d
		}
	}
}

type chanNotes chan notify.Message

func (c chanNotes) Run(ctx context.Context, out chan<- notify.Message) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-c:
			out <- m
		}
	}
}

type recordedNotes struct {
	mu    sync.Mutex
	notes []string
}

func (r *recordedNotes) add(s string) {
	r.mu.Lock()
	r.notes = append(r.notes, s)
	r.mu.Unlock()
}

func (r *recordedNotes) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.notes...)
}

type loopFixture struct {
	m       *Manager
	spawner *fakeSpawner
	bcast   *device.MemoryBroadcaster
	devs    chanDevices
	notes   chanNotes
	sd      *recordedNotes
	cancel  context.CancelFunc
	result  chan error
}

func startLoop(t *testing.T) *loopFixture {
	t.Helper()
	prev := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

	f := &loopFixture{
		spawner: &fakeSpawner{exitOn: syscall.SIGTERM},
		bcast:   device.NewMemoryBroadcaster(),
		devs:    make(chanDevices),
		notes:   make(chanNotes),
		sd:      &recordedNotes{},
		result:  make(chan error, 1),
	}
	f.m = NewWithConfig(ManagerConfig{
		ChildrenMax: 4,
		LogLevel:    "info",
		RuntimeDir:  t.TempDir(),
		Logger:      zerolog.Nop(),
		Clock:       clockwork.NewFakeClock(),
		Spawner:     f.spawner,
		Broadcaster: f.bcast,
		Monitor:     f.devs,
		Notify:      f.notes,
		Notifier:    f.sd.add,
	})
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() { f.result <- f.m.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-f.result:
		case <-time.After(5 * time.Second):
		}
	})
	return f
}

func (f *loopFixture) waitSpawned(t *testing.T, n int) *fakeProcess {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.spawner.spawned()) >= n }, 2*time.Second, 5*time.Millisecond)
	return f.spawner.spawned()[n-1]
}

// waitStatus polls Status until cond holds and returns the matching response.
func (f *loopFixture) waitStatus(t *testing.T, cond func(types.StatusResponse) bool) types.StatusResponse {
	t.Helper()
	var last types.StatusResponse
	require.Eventually(t, func() bool {
		st, err := f.m.Status(context.Background())
		if err != nil {
			return false
		}
		last = st
		return cond(st)
	}, 2*time.Second, 5*time.Millisecond)
	return last
}

func TestRunProcessesEventsAndShutsDown(t *testing.T) {
	f := startLoop(t)
	ctx := context.Background()

	f.devs <- newDevice(1, device.ActionAdd, "/devices/a")
	p := f.waitSpawned(t, 1)

	st, err := f.m.Status(ctx)
	require.NoError(t, err)
	require.Len(t, st.Events, 1)
	assert.Equal(t, "running", st.Events[0].State)
	assert.Equal(t, p.pid, st.Events[0].WorkerPID)
	require.Len(t, st.Workers, 1)
	assert.Equal(t, f.m.InvocationID(), st.InvocationID)
	assert.Equal(t, "READY=1\nSTATUS=Processing with 4 children at max", f.sd.all()[0])

	f.notes <- notify.Message{Pid: p.pid, Kind: notify.KindDone}
	st = f.waitStatus(t, func(st types.StatusResponse) bool { return len(st.Events) == 0 })
	require.Len(t, st.Workers, 1)
	assert.Equal(t, "idle", st.Workers[0].State)

	f.devs <- newDevice(2, device.ActionAdd, "/devices/b")
	require.Eventually(t, func() bool { return len(p.seqnums()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint64{1, 2}, p.seqnums(), "idle worker reused")
	assert.Len(t, f.spawner.spawned(), 1)

	f.cancel()
	select {
	case err := <-f.result:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not finish")
	}
	assert.Contains(t, p.gotSignals(), syscall.SIGTERM)
	assert.Contains(t, f.sd.all(), "STOPPING=1")
	devs := f.bcast.Devices()
	require.Len(t, devs, 1, "the event cut short by shutdown is broadcast as failed")
	assert.Equal(t, "/devices/b", devs[0].DevPath)

	assert.ErrorIs(t, f.m.Ping(ctx), ErrNotRunning)
	_, err = f.m.Status(ctx)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestControlOperations(t *testing.T) {
	f := startLoop(t)
	ctx := context.Background()

	err := f.m.SetLogLevel(ctx, "loud")
	require.Error(t, err)
	assert.True(t, IsInvalidArgument(err))
	require.NoError(t, f.m.SetLogLevel(ctx, "debug"))
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())

	err = f.m.SetChildrenMax(ctx, -1)
	assert.True(t, IsInvalidArgument(err))
	require.NoError(t, f.m.SetChildrenMax(ctx, 2))
	assert.Contains(t, f.sd.all(), "STATUS=Processing with 2 children at max")

	f.devs <- newDevice(1, device.ActionAdd, "/devices/a")
	p1 := f.waitSpawned(t, 1)
	assert.Equal(t, "debug", f.spawner.opts[0].LogLevel)
	f.notes <- notify.Message{Pid: p1.pid, Kind: notify.KindDone}
	f.waitStatus(t, func(st types.StatusResponse) bool { return len(st.Events) == 0 })

	err = f.m.SetEnvironment(ctx, map[string]string{"BAD=KEY": "x"})
	assert.True(t, IsInvalidArgument(err))
	require.NoError(t, f.m.SetEnvironment(ctx, map[string]string{"ID_DEBUG": "1"}))
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM}, p1.gotSignals(), "workers restart with the new environment")
	f.waitStatus(t, func(st types.StatusResponse) bool { return len(st.Workers) == 0 })

	require.NoError(t, f.m.StopExecQueue(ctx))
	f.devs <- newDevice(2, device.ActionAdd, "/devices/b")
	st := f.waitStatus(t, func(st types.StatusResponse) bool { return len(st.Events) == 1 })
	assert.True(t, st.ExecQueueStopped)
	assert.Equal(t, "queued", st.Events[0].State)
	assert.Equal(t, "1", st.Properties["ID_DEBUG"])
	assert.Len(t, f.spawner.spawned(), 1)

	require.NoError(t, f.m.StartExecQueue(ctx))
	p2 := f.waitSpawned(t, 2)
	require.Len(t, p2.seqnums(), 1)
	p2.mu.Lock()
	sent := p2.sent[0]
	p2.mu.Unlock()
	assert.Equal(t, "1", sent.Property("ID_DEBUG"))

	require.NoError(t, f.m.UnsetEnvironment(ctx, []string{"ID_DEBUG"}))
	require.NoError(t, f.m.Reload(ctx, true))

	require.NoError(t, f.m.Exit(ctx))
	select {
	case err := <-f.result:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not finish after Exit")
	}
}

func TestStatusTimeoutReturnsEmptyResponse(t *testing.T) {
	f := startLoop(t)
	f.devs <- newDevice(1, device.ActionAdd, "/devices/a")
	f.waitSpawned(t, 1)
	for i := 0; i < 50; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(i)*time.Microsecond)
		st, err := f.m.Status(ctx)
		cancel()
		if err != nil {
			assert.ErrorIs(t, err, context.DeadlineExceeded)
			assert.Empty(t, st.Events)
			assert.Empty(t, st.InvocationID)
			continue
		}
		assert.Len(t, st.Events, 1)
	}
}

func TestRunRejectsSecondStart(t *testing.T) {
	f := startLoop(t)
	require.NoError(t, f.m.Ping(context.Background()))
	assert.Error(t, f.m.Run(context.Background()))
}

func TestRunRequiresSpawner(t *testing.T) {
	m := NewWithConfig(ManagerConfig{Logger: zerolog.Nop(), RuntimeDir: t.TempDir()})
	assert.Error(t, m.Run(context.Background()))
}
