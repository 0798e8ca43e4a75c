package device

import (
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

// Properties recorded on a device whose processing failed.
const (
	PropWorkerFailed     = "UDEV_WORKER_FAILED"
	PropWorkerErrno      = "UDEV_WORKER_ERRNO"
	PropWorkerErrnoName  = "UDEV_WORKER_ERRNO_NAME"
	PropWorkerExitStatus = "UDEV_WORKER_EXIT_STATUS"
	PropWorkerSignal     = "UDEV_WORKER_SIGNAL"
	PropWorkerSignalName = "UDEV_WORKER_SIGNAL_NAME"
)

// RecordErrno marks the device failed with errno.
func (d *Device) RecordErrno(errno syscall.Errno) {
	d.SetProperty(PropWorkerFailed, "1")
	d.SetProperty(PropWorkerErrno, strconv.Itoa(int(errno)))
	if name := unix.ErrnoName(errno); name != "" {
		d.SetProperty(PropWorkerErrnoName, name)
	}
}

// RecordExitStatus marks the device failed with a non-zero worker exit code.
func (d *Device) RecordExitStatus(code int) {
	d.SetProperty(PropWorkerFailed, "1")
	d.SetProperty(PropWorkerExitStatus, strconv.Itoa(code))
}

// RecordSignal marks the device failed because the worker was killed by sig.
func (d *Device) RecordSignal(sig syscall.Signal) {
	d.SetProperty(PropWorkerFailed, "1")
	d.SetProperty(PropWorkerSignal, strconv.Itoa(int(sig)))
	if name := unix.SignalName(sig); name != "" {
		d.SetProperty(PropWorkerSignalName, name)
	}
}

// Failed reports whether a failure was recorded.
func (d *Device) Failed() bool { return d.Property(PropWorkerFailed) == "1" }
