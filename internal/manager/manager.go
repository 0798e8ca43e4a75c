package manager

import (
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"udevd/internal/rules"
)

// Manager owns the event queue and the worker pool. All of its state is
// touched only by the goroutine executing Run; other goroutines reach it
// through the control methods, which are executed on that goroutine.
type Manager struct {
	cfg   ManagerConfig
	log   zerolog.Logger
	clock clockwork.Clock

	queue   *eventQueue
	workers map[int]*Worker
	timers  timerQueue
	watches *watchRegistry

	childrenMax   int
	logLevel      string
	properties    map[string]string
	exiting       bool
	stopExecQueue bool

	reaper        *loopTimer
	spawnBackoff  *loopTimer
	lastReload    time.Time
	rulesStamp    rules.Stamp
	rulesStampSet bool

	invocationID string
	startTime    time.Time

	exits chan workerExit
	calls chan func()
	// done is closed when Run returns.
	done     chan struct{}
	doneOnce sync.Once
	running  bool
}

// InvocationID identifies this daemon instance; it is carried over a warm restart.
func (m *Manager) InvocationID() string { return m.invocationID }

// Done is closed once the event loop has stopped.
func (m *Manager) Done() <-chan struct{} { return m.done }

func (m *Manager) eventTimeout() time.Duration { return m.cfg.EventTimeout }

func (m *Manager) killTimeout() time.Duration { return m.cfg.EventTimeout + m.cfg.ExtraTimeout }

func (m *Manager) timeoutSignal() syscall.Signal { return m.cfg.TimeoutSignal }
