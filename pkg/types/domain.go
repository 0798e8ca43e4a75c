package types

// EventStatus summarizes one queued or running event for /status.
type EventStatus struct {
	// Kernel sequence number.
	// example: 4711
	Seqnum uint64 `json:"seqnum" example:"4711"`
	// example: add
	Action string `json:"action" example:"add"`
	// example: /devices/pci0000:00/0000:00:1f.2/ata1/host0/target0:0:0/0:0:0:0/block/sda
	DevPath string `json:"devpath" example:"/devices/pci0000:00/0000:00:1f.2/ata1/host0/target0:0:0/0:0:0:0/block/sda"`
	// Either queued or running.
	// example: running
	State string `json:"state" example:"running"`
	// Worker processing the event, when running.
	// example: 12345
	WorkerPID int `json:"worker_pid,omitempty" example:"12345"`
	// Set while a "device locked" retry is pending.
	// example: true
	RetryPending bool `json:"retry_pending,omitempty" example:"true"`
	// Time the event was received (unix seconds).
	// example: 1700000000
	QueuedAt int64 `json:"queued_at_unix" example:"1700000000"`
}

// WorkerStatus summarizes one worker process for /status.
type WorkerStatus struct {
	// example: 12345
	PID int `json:"pid" example:"12345"`
	// One of running, idle, killing, killed.
	// example: idle
	State string `json:"state" example:"idle"`
	// Sequence number of the event being processed.
	// example: 4711
	Seqnum uint64 `json:"seqnum,omitempty" example:"4711"`
	// Time the worker was spawned (unix seconds).
	// example: 1700000000
	StartedAt int64 `json:"started_at_unix" example:"1700000000"`
}

// WatchStatus is one inotify watch held for a device.
type WatchStatus struct {
	// example: b8:0
	DeviceID string `json:"device_id" example:"b8:0"`
	// example: /dev/sda
	Path string `json:"path" example:"/dev/sda"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Identifier of this daemon instance, preserved across warm restarts.
	// example: 0b3f2a56-7c8e-4e0a-9d55-6c1f0e1d2a3b
	InvocationID string `json:"invocation_id" example:"0b3f2a56-7c8e-4e0a-9d55-6c1f0e1d2a3b"`
	Events       []EventStatus  `json:"events"`
	Workers      []WorkerStatus `json:"workers"`
	Watches      []WatchStatus  `json:"watches,omitempty"`
	// example: 24
	ChildrenMax int `json:"children_max" example:"24"`
	// example: 180
	EventTimeoutSeconds int64 `json:"event_timeout_seconds" example:"180"`
	// example: info
	LogLevel string `json:"log_level" example:"info"`
	// True while dispatching is paused.
	// example: false
	ExecQueueStopped bool `json:"exec_queue_stopped" example:"false"`
	// True once shutdown has begun.
	// example: false
	Exiting bool `json:"exiting" example:"false"`
	// Extra properties handed to workers.
	Properties map[string]string `json:"properties,omitempty"`
	// Uptime of the daemon in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
}
