package systemd

import (
	"context"
	"errors"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipeNamed(t *testing.T, name string) *os.File {
	t.Helper()
	f, err := os.Open(os.DevNull)
	require.NoError(t, err)
	defer f.Close()
	fd, err := syscall.Dup(int(f.Fd()))
	require.NoError(t, err)
	return os.NewFile(uintptr(fd), name)
}

func TestInheritedTakeBySuffix(t *testing.T) {
	in := &Inherited{files: []*os.File{
		pipeNamed(t, "systemd-udevd-control.socket"),
		pipeNamed(t, "systemd-udevd-kernel.socket"),
		pipeNamed(t, "stray"),
	}}
	f := in.Take(KernelSocket)
	require.NotNil(t, f)
	assert.Equal(t, "systemd-udevd-kernel.socket", f.Name())
	assert.Nil(t, in.Take(KernelSocket))
	assert.Nil(t, in.Take(Serialization))
	assert.Equal(t, []string{"stray", "systemd-udevd-control.socket"}, in.Names())
	in.Close()
	assert.Empty(t, in.Names())
}

func TestInheritWithoutListenPID(t *testing.T) {
	t.Setenv("LISTEN_PID", "1")
	t.Setenv("LISTEN_FDS", "2")
	assert.Empty(t, Inherit().Names())
	_, set := os.LookupEnv("LISTEN_FDS")
	assert.False(t, set)
}

type sent struct {
	mu     sync.Mutex
	states []string
}

func (s *sent) send(state string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, state)
	return true, errors.New("refused")
}

func (s *sent) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}

func TestNotifierSendsAndSwallowsErrors(t *testing.T) {
	s := &sent{}
	n := Notifier{Log: zerolog.Nop(), send: s.send}
	n.Notify("READY=1")
	assert.Equal(t, []string{"READY=1"}, s.states)
}

func TestWatchdogPingsUntilCancel(t *testing.T) {
	s := &sent{}
	n := Notifier{Log: zerolog.Nop(), send: s.send}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.watchdog(ctx, 5*time.Millisecond)
		close(done)
	}()
	require.Eventually(t, func() bool { return s.count() >= 2 }, 2*time.Second, time.Millisecond)
	cancel()
	<-done
	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, "WATCHDOG=1", s.states[0])
}

func TestWatchdogDisabled(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "")
	Notifier{Log: zerolog.Nop()}.Watchdog(context.Background())
}
