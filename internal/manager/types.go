package manager

import (
	"strconv"
	"syscall"
	"time"

	"udevd/internal/device"
)

// WorkerState is the lifecycle state of a worker process.
type WorkerState int

const (
	// WorkerRunning processes exactly one event.
	WorkerRunning WorkerState = iota + 1
	// WorkerIdle waits for the next event.
	WorkerIdle
	// WorkerKilling finishes its current event and is then terminated.
	WorkerKilling
	// WorkerKilled has been signalled; only its exit is awaited.
	WorkerKilled
)

func (s WorkerState) String() string {
	switch s {
	case WorkerRunning:
		return "running"
	case WorkerIdle:
		return "idle"
	case WorkerKilling:
		return "killing"
	case WorkerKilled:
		return "killed"
	default:
		return "unknown"
	}
}

// Worker is the manager's record of one worker process.
type Worker struct {
	Pid       int
	State     WorkerState
	StartedAt time.Time

	proc Process
	// event is the seqnum being processed, 0 when idle.
	event uint64
}

// ExitStatus describes how a worker process ended.
type ExitStatus struct {
	Code   int
	Signal syscall.Signal
	// Err is set when the exit could not be decoded.
	Err error
}

// Clean reports a zero exit code without a signal.
func (s ExitStatus) Clean() bool { return s.Err == nil && s.Signal == 0 && s.Code == 0 }

func (s ExitStatus) String() string {
	switch {
	case s.Err != nil:
		return "wait failed: " + s.Err.Error()
	case s.Signal != 0:
		return "killed by " + s.Signal.String()
	default:
		return "exit status " + strconv.Itoa(s.Code)
	}
}

// Process is a spawned worker as seen by the manager.
type Process interface {
	Pid() int
	// Send delivers a device over the worker's private channel without blocking.
	Send(dev *device.Device) error
	Signal(sig syscall.Signal) error
	// Wait blocks until the process exits.
	Wait() ExitStatus
	// Release closes the manager's end of the channel.
	Release()
}

// SpawnOptions carries per-spawn settings that may change at run time.
type SpawnOptions struct {
	LogLevel string
}

// Spawner starts a worker process whose first job is dev.
type Spawner interface {
	Spawn(dev *device.Device, opts SpawnOptions) (Process, error)
}

type workerExit struct {
	pid    int
	status ExitStatus
}
