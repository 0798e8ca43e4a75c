package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"udevd/internal/device"
	"udevd/internal/notify"
	"udevd/internal/rules"
)

type sentNotes struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (s *sentNotes) send(m notify.Message) error {
	s.mu.Lock()
	s.msgs = append(s.msgs, m)
	s.mu.Unlock()
	return nil
}

func (s *sentNotes) kinds() []notify.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]notify.Kind, 0, len(s.msgs))
	for _, m := range s.msgs {
		out = append(out, m.Kind)
	}
	return out
}

type fakeLocker struct {
	locked   map[string]bool
	unlocked []string
}

func (l *fakeLocker) Lock(node string) (func(), error) {
	if l.locked[node] {
		return nil, ErrLocked
	}
	return func() { l.unlocked = append(l.unlocked, node) }, nil
}

type fixture struct {
	w      *Worker
	notes  *sentNotes
	bcast  *device.MemoryBroadcaster
	locker *fakeLocker
	ran    [][]string
}

func newFixture(t *testing.T, set *rules.Set, run rules.Runner) *fixture {
	t.Helper()
	f := &fixture{
		notes:  &sentNotes{},
		bcast:  device.NewMemoryBroadcaster(),
		locker: &fakeLocker{locked: map[string]bool{}},
	}
	if run == nil {
		run = func(_ context.Context, argv []string, _ []string) error {
			f.ran = append(f.ran, argv)
			return nil
		}
	}
	f.w = New(Options{
		Rules:       rules.NewEngine(set, run, zerolog.Nop()),
		Broadcaster: f.bcast,
		Timeout:     time.Second,
		Logger:      zerolog.Nop(),
		Locker:      f.locker,
		Notify:      f.notes.send,
	})
	return f
}

func sda(seq int, action device.Action) *device.Device {
	return &device.Device{
		Action:  action,
		DevPath: "/devices/pci/block/sda",
		Env: map[string]string{
			device.PropAction:    string(action),
			device.PropDevPath:   "/devices/pci/block/sda",
			device.PropSubsystem: "block",
			device.PropDevType:   "disk",
			device.PropDevName:   "sda",
			device.PropSeqnum:    strconv.Itoa(seq),
		},
	}
}

func TestProcessAppliesRulesAndReports(t *testing.T) {
	set := &rules.Set{Rules: []rules.Rule{{
		Name:  "disk",
		Match: rules.Match{Subsystem: "block"},
		Env:   map[string]string{"ID_SEEN": "1"},
		Run:   []string{"/bin/true $devnode"},
		Watch: true,
	}}}
	f := newFixture(t, set, nil)

	require.NoError(t, f.w.Process(context.Background(), sda(1, device.ActionAdd)))
	assert.Equal(t, [][]string{{"/bin/true", "/dev/sda"}}, f.ran)
	assert.Equal(t, []notify.Kind{notify.KindWatchAdd, notify.KindDone}, f.notes.kinds())
	assert.Equal(t, "/dev/sda", f.notes.msgs[0].Path)
	devs := f.bcast.Devices()
	require.Len(t, devs, 1)
	assert.Equal(t, "1", devs[0].Property("ID_SEEN"))
	assert.False(t, devs[0].Failed())
	assert.Equal(t, []string{"/dev/sda"}, f.locker.unlocked)
}

func TestProcessLockedDiskAsksForRetry(t *testing.T) {
	f := newFixture(t, &rules.Set{Rules: []rules.Rule{{Name: "any", Run: []string{"x"}}}}, nil)
	f.locker.locked["/dev/sda"] = true

	require.NoError(t, f.w.Process(context.Background(), sda(1, device.ActionChange)))
	assert.Equal(t, []notify.Kind{notify.KindTryAgain}, f.notes.kinds())
	assert.Empty(t, f.ran)
	assert.Empty(t, f.bcast.Devices())

	// removals never wait for the lock
	require.NoError(t, f.w.Process(context.Background(), sda(2, device.ActionRemove)))
	assert.Equal(t, []notify.Kind{notify.KindTryAgain, notify.KindWatchRemove, notify.KindDone}, f.notes.kinds())
}

func TestProcessRecordsRuleFailures(t *testing.T) {
	set := &rules.Set{Rules: []rules.Rule{{Name: "fails", Run: []string{"boom"}}}}
	f := newFixture(t, set, func(context.Context, []string, []string) error { return errors.New("exit status 1") })
	require.NoError(t, f.w.Process(context.Background(), sda(1, device.ActionAdd)))
	devs := f.bcast.Devices()
	require.Len(t, devs, 1)
	assert.True(t, devs[0].Failed())
	assert.Equal(t, strconv.Itoa(int(unix.EIO)), devs[0].Property(device.PropWorkerErrno))
	assert.Equal(t, []notify.Kind{notify.KindDone}, f.notes.kinds())
}

func TestProcessTimeoutRecordsETIMEDOUT(t *testing.T) {
	set := &rules.Set{Rules: []rules.Rule{{Name: "slow", Run: []string{"sleep"}}}}
	f := newFixture(t, set, func(ctx context.Context, _ []string, _ []string) error {
		<-ctx.Done()
		return ctx.Err()
	})
	f.w.opts.Timeout = 10 * time.Millisecond
	require.NoError(t, f.w.Process(context.Background(), sda(1, device.ActionAdd)))
	devs := f.bcast.Devices()
	require.Len(t, devs, 1)
	assert.Equal(t, "ETIMEDOUT", devs[0].Property(device.PropWorkerErrnoName))
}

func TestRunReadsChannelUntilClosed(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	manager := os.NewFile(uintptr(fds[0]), "manager")
	child := os.NewFile(uintptr(fds[1]), "worker")

	f := newFixture(t, &rules.Set{}, nil)
	f.w.opts.Channel = child
	done := make(chan error, 1)
	go func() { done <- f.w.Run(context.Background()) }()

	for seq := 1; seq <= 2; seq++ {
		_, err := manager.Write(sda(seq, device.ActionAdd).Bytes())
		require.NoError(t, err)
	}
	_, err = manager.Write([]byte("garbage"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.notes.kinds()) == 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, manager.Close())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit on channel close")
	}
	require.Len(t, f.bcast.Devices(), 2)
	assert.Equal(t, []notify.Kind{notify.KindDone, notify.KindDone, notify.KindDone}, f.notes.kinds())
}

func TestRunStopsOnCancel(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	manager := os.NewFile(uintptr(fds[0]), "manager")
	defer manager.Close()

	f := newFixture(t, nil, nil)
	f.w.opts.Channel = os.NewFile(uintptr(fds[1]), "worker")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.w.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestRunWithoutChannel(t *testing.T) {
	assert.Error(t, New(Options{Logger: zerolog.Nop()}).Run(context.Background()))
}

func TestFlockLocker(t *testing.T) {
	node := filepath.Join(t.TempDir(), "sda")
	require.NoError(t, os.WriteFile(node, nil, 0o600))

	unlock, err := FlockLocker{}.Lock(node)
	require.NoError(t, err)
	unlock2, err := FlockLocker{}.Lock(node)
	require.NoError(t, err, "shared locks coexist")
	unlock2()
	unlock()

	holder, err := os.Open(node)
	require.NoError(t, err)
	defer holder.Close()
	require.NoError(t, unix.Flock(int(holder.Fd()), unix.LOCK_EX))
	_, err = FlockLocker{}.Lock(node)
	assert.ErrorIs(t, err, ErrLocked)

	_, err = FlockLocker{}.Lock(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrLocked)
}
