//go:build linux

package device

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// UdevGroup is the netlink multicast group for processed devices.
const UdevGroup = 2

// NetlinkBroadcaster sends processed devices to the udev netlink group.
type NetlinkBroadcaster struct {
	fd int
}

func NewNetlinkBroadcaster() (*NetlinkBroadcaster, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, fmt.Errorf("netlink socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("netlink bind: %w", err)
	}
	return &NetlinkBroadcaster{fd: fd}, nil
}

func (b *NetlinkBroadcaster) Broadcast(dev *Device) error {
	err := unix.Sendto(b.fd, dev.Bytes(), 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: UdevGroup})
	// ECONNREFUSED only means nobody listens.
	if err != nil && !errors.Is(err, unix.ECONNREFUSED) {
		return fmt.Errorf("netlink broadcast: %w", err)
	}
	return nil
}

func (b *NetlinkBroadcaster) Close() error { return unix.Close(b.fd) }
