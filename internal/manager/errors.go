package manager

import "errors"

// malformedDeviceError rejects a uevent that cannot be queued.
type malformedDeviceError struct{ reason string }

func (e malformedDeviceError) Error() string { return "malformed uevent: " + e.reason }

// errDuplicateSeqnum rejects a uevent whose seqnum is already queued.
var errDuplicateSeqnum = malformedDeviceError{reason: "duplicate SEQNUM"}

// IsMalformed reports whether err rejected a uevent as malformed.
func IsMalformed(err error) bool {
	var m malformedDeviceError
	return errors.As(err, &m)
}

// noCapacityError signals that every worker slot is taken.
type noCapacityError struct{ max int }

func (e noCapacityError) Error() string { return "no worker capacity" }

// IsNoCapacity reports whether err indicates dispatch backpressure.
func IsNoCapacity(err error) bool {
	var n noCapacityError
	return errors.As(err, &n)
}

// invalidArgumentError rejects a control request (HTTP 400).
type invalidArgumentError struct{ msg string }

func (e invalidArgumentError) Error() string { return e.msg }

// ErrInvalidArgument constructs an invalidArgumentError.
func ErrInvalidArgument(msg string) error { return invalidArgumentError{msg: msg} }

// IsInvalidArgument reports whether err rejected a control request's input.
func IsInvalidArgument(err error) bool {
	var e invalidArgumentError
	return errors.As(err, &e)
}

// ErrNotRunning is returned by control calls when the event loop is not running.
var ErrNotRunning = errors.New("manager is not running")
