package worker

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// ErrLocked means another process holds an exclusive lock on the disk.
var ErrLocked = errors.New("worker: device is locked")

// Locker takes a shared lock on a disk node for the duration of an event.
type Locker interface {
	Lock(node string) (unlock func(), err error)
}

// FlockLocker uses a non-blocking shared flock, so tools holding LOCK_EX on a
// disk (partitioners, mkfs) keep the event from running until they are done.
type FlockLocker struct{}

func (FlockLocker) Lock(node string) (func(), error) {
	f, err := os.OpenFile(node, os.O_RDONLY|unix.O_CLOEXEC|unix.O_NONBLOCK|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrLocked
		}
		return nil, err
	}
	return func() { _ = f.Close() }, nil
}
