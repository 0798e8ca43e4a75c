//go:build linux

package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/pilebones/go-udev/netlink"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

const monitorRcvBuf = 128 * 1024 * 1024

// receive wakes up this often to notice cancellation.
var monitorPoll = unix.Timeval{Sec: 1}

// Monitor receives kernel uevents from the NETLINK_KOBJECT_UEVENT socket.
type Monitor struct {
	conn      *netlink.UEventConn
	log       zerolog.Logger
	closeOnce sync.Once
}

// NewMonitor opens a kernel uevent socket.
func NewMonitor(log zerolog.Logger) (*Monitor, error) {
	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.KernelEvent); err != nil {
		return nil, fmt.Errorf("connecting to kernel netlink: %w", err)
	}
	m := &Monitor{conn: conn, log: log}
	m.setupSocket()
	return m, nil
}

// AdoptMonitor wraps an inherited, already bound uevent socket. f is consumed.
func AdoptMonitor(f *os.File, log zerolog.Logger) (*Monitor, error) {
	fd, err := unix.Dup(int(f.Fd()))
	_ = f.Close()
	if err != nil {
		return nil, fmt.Errorf("dup inherited monitor socket: %w", err)
	}
	unix.CloseOnExec(fd)
	m := &Monitor{conn: &netlink.UEventConn{NetlinkConn: netlink.NetlinkConn{Fd: fd}}, log: log}
	m.setupSocket()
	return m, nil
}

func (m *Monitor) setupSocket() {
	if err := unix.SetsockoptTimeval(m.conn.Fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &monitorPoll); err != nil {
		m.log.Debug().Err(err).Msg("monitor: failed to set receive timeout")
	}
	if err := unix.SetsockoptInt(m.conn.Fd, unix.SOL_SOCKET, unix.SO_RCVBUFFORCE, monitorRcvBuf); err != nil {
		m.log.Debug().Err(err).Msg("monitor: failed to grow receive buffer")
	}
}

// Run forwards received devices to out until ctx is done or the socket fails.
func (m *Monitor) Run(ctx context.Context, out chan<- *Device) error {
	defer m.Close()
	for {
		if ctx.Err() != nil {
			return nil
		}
		msg, err := m.conn.ReadMsg()
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				continue
			}
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.ENOBUFS) {
				m.log.Warn().Err(err).Msg("monitor: receive interrupted, events may have been lost")
				continue
			}
			return fmt.Errorf("monitor receive: %w", err)
		}
		dev, err := Parse(msg)
		if err != nil {
			m.log.Debug().Err(err).Msg("monitor: dropping malformed uevent")
			continue
		}
		select {
		case out <- dev:
		case <-ctx.Done():
			return nil
		}
	}
}

func (m *Monitor) Close() error {
	var err error
	m.closeOnce.Do(func() { err = m.conn.Close() })
	return err
}
