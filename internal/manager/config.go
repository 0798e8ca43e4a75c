package manager

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"udevd/internal/device"
	"udevd/internal/notify"
)

// Defaults applied when corresponding ManagerConfig fields are unset.
const (
	defaultEventTimeout  = 180 * time.Second
	defaultExtraTimeout  = 10 * time.Second
	defaultTimeoutSignal = syscall.SIGKILL
	defaultRuntimeDir    = "/run/udev"

	// Idle workers are terminated after this long with nothing queued.
	workerIdleTimeout = 3 * time.Second
	// Minimum interval between rules directory checks.
	reloadInterval = 3 * time.Second
	// Delay before a "device locked" event is retried, and the total window.
	retryDelay   = 200 * time.Millisecond
	retryTimeout = 3 * time.Minute
	// Delay before spawning again after a failed spawn.
	spawnRetryDelay = 200 * time.Millisecond
	// Upper bound of loop steps handled before the post hook runs.
	loopBatch = 64
)

// DefaultChildrenMax is the worker limit used when none is configured.
func DefaultChildrenMax() int { return 8 + 2*runtime.NumCPU() }

// DeviceSource delivers kernel uevents until ctx is done.
type DeviceSource interface {
	Run(ctx context.Context, out chan<- *device.Device) error
}

// NotifySource delivers worker notifications until ctx is done.
type NotifySource interface {
	Run(ctx context.Context, out chan<- notify.Message) error
}

// ManagerConfig encapsulates all tunables and collaborators for Manager construction.
type ManagerConfig struct {
	ChildrenMax   int
	EventTimeout  time.Duration
	ExtraTimeout  time.Duration
	TimeoutSignal syscall.Signal
	LogLevel      string
	// RuntimeDir holds the queue marker and the serialization file.
	RuntimeDir string
	// RulesDir is checked for changes by reload.
	RulesDir string
	// Properties are merged into every device handed to a worker.
	Properties map[string]string

	Logger      zerolog.Logger
	Clock       clockwork.Clock
	Spawner     Spawner
	Broadcaster device.Broadcaster
	Tracer      Tracer
	Watcher     Watcher

	Monitor DeviceSource
	Notify  NotifySource
	// Signals is typically fed by signal.Notify with SIGTERM, SIGINT and SIGHUP.
	Signals <-chan os.Signal

	// Notifier forwards service manager state such as "READY=1".
	Notifier func(state string)
	// Synthesize triggers a "change" uevent for devpath.
	Synthesize func(devpath string) error
	// Serialized is the state left by a previous instance, if any.
	Serialized io.Reader
	// Cgroup is the delegated cgroup cleaned of stray processes when idle.
	Cgroup string
}

// NewWithConfig constructs a Manager from ManagerConfig.
func NewWithConfig(cfg ManagerConfig) *Manager {
	if cfg.ChildrenMax <= 0 {
		cfg.ChildrenMax = DefaultChildrenMax()
	}
	if cfg.EventTimeout <= 0 {
		cfg.EventTimeout = defaultEventTimeout
	}
	if cfg.ExtraTimeout < 0 {
		cfg.ExtraTimeout = 0
	} else if cfg.ExtraTimeout == 0 {
		cfg.ExtraTimeout = defaultExtraTimeout
	}
	if cfg.TimeoutSignal == 0 {
		cfg.TimeoutSignal = defaultTimeoutSignal
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = zerolog.GlobalLevel().String()
	}
	if cfg.RuntimeDir == "" {
		cfg.RuntimeDir = defaultRuntimeDir
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Broadcaster == nil {
		cfg.Broadcaster = device.NopBroadcaster{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noopTracer{}
	}
	if cfg.Notifier == nil {
		cfg.Notifier = func(string) {}
	}
	props := make(map[string]string, len(cfg.Properties))
	for k, v := range cfg.Properties {
		props[k] = v
	}
	m := &Manager{
		cfg:          cfg,
		log:          cfg.Logger,
		clock:        cfg.Clock,
		queue:        newEventQueue(),
		workers:      make(map[int]*Worker),
		watches:      newWatchRegistry(),
		childrenMax:  cfg.ChildrenMax,
		logLevel:     cfg.LogLevel,
		properties:   props,
		invocationID: uuid.NewString(),
		exits:        make(chan workerExit, 16),
		calls:        make(chan func()),
		done:         make(chan struct{}),
		startTime:    cfg.Clock.Now(),
	}
	return m
}

func (m *Manager) markerPath() string { return filepath.Join(m.cfg.RuntimeDir, "queue") }

func (m *Manager) serializationPath() string {
	return filepath.Join(m.cfg.RuntimeDir, "serialization")
}
