//go:build linux

package device

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func ueventSocket(t *testing.T) *os.File {
	t.Helper()
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		t.Skipf("netlink uevent socket unavailable: %v", err)
	}
	return os.NewFile(uintptr(fd), "udevd-kernel.socket")
}

func TestAdoptMonitorConsumesInheritedFile(t *testing.T) {
	f := ueventSocket(t)
	m, err := AdoptMonitor(f, zerolog.Nop())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, m.conn.Fd, 0)

	flags, err := unix.FcntlInt(uintptr(m.conn.Fd), unix.F_GETFD, 0)
	require.NoError(t, err)
	assert.NotZero(t, flags&unix.FD_CLOEXEC)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, make(chan *Device)) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("monitor did not stop")
	}
	assert.NoError(t, m.Close(), "second close is a no-op")
}

func TestAdoptMonitorClosedFile(t *testing.T) {
	f := ueventSocket(t)
	require.NoError(t, f.Close())
	_, err := AdoptMonitor(f, zerolog.Nop())
	assert.Error(t, err)
}
