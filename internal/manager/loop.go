package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"udevd/internal/device"
	"udevd/internal/notify"
)

// closedChan is ready immediately; selecting on it makes a loop step non-blocking.
var closedChan = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// loopSources are the channels the event loop selects on.
type loopSources struct {
	uevents chan *device.Device
	notes   chan notify.Message
	watch   chan WatchEvent
	errs    chan error
	ctxDone <-chan struct{}
}

// Run executes the event loop until shutdown has completed: a termination
// signal or cancellation of ctx stops new events, drops queued ones and
// waits for every worker to exit. It returns nil after a clean shutdown.
func (m *Manager) Run(ctx context.Context) error {
	if m.running {
		return errors.New("manager: already running")
	}
	if m.cfg.Spawner == nil {
		return errors.New("manager: no spawner configured")
	}
	m.running = true
	defer m.doneOnce.Do(func() { close(m.done) })

	if err := m.restore(); err != nil {
		m.log.Warn().Err(err).Msg("failed to restore previous state")
	}
	m.initRules()

	srcCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := &loopSources{
		uevents: make(chan *device.Device, 256),
		notes:   make(chan notify.Message, 64),
		watch:   make(chan WatchEvent, 16),
		errs:    make(chan error, 3),
		ctxDone: ctx.Done(),
	}
	startSource := func(name string, run func(context.Context) error) {
		go func() {
			err := run(srcCtx)
			if err == nil || srcCtx.Err() != nil {
				return
			}
			select {
			case s.errs <- fmt.Errorf("%s: %w", name, err):
			default:
			}
		}()
	}
	if m.cfg.Monitor != nil {
		startSource("device monitor", func(c context.Context) error { return m.cfg.Monitor.Run(c, s.uevents) })
	}
	if m.cfg.Notify != nil {
		startSource("worker notifications", func(c context.Context) error { return m.cfg.Notify.Run(c, s.notes) })
	}
	if m.cfg.Watcher != nil {
		startSource("inotify", func(c context.Context) error { return m.cfg.Watcher.Run(c, s.watch) })
	}

	m.log.Info().Str("invocation_id", m.invocationID).Int("children_max", m.childrenMax).Msg("event loop started")
	m.cfg.Notifier("READY=1\n" + m.statusLine())
	for {
		m.step(s, true)
		for i := 0; i < loopBatch && m.step(s, false); i++ {
		}
		if m.post() {
			m.log.Info().Msg("event loop finished")
			return nil
		}
	}
}

// step handles one ready source and then the due timers. Without block it
// returns false when nothing was ready.
func (m *Manager) step(s *loopSources, block bool) bool {
	var idle <-chan struct{}
	var wake <-chan time.Time
	var timer clockwork.Timer
	if block {
		if when, ok := m.timers.next(); ok {
			timer = m.clock.NewTimer(when.Sub(m.clock.Now()))
			wake = timer.Chan()
		}
	} else {
		idle = closedChan
	}
	uevents := s.uevents
	if m.exiting {
		uevents = nil
	}

	handled := true
	select {
	case <-idle:
		handled = false
	case dev := <-uevents:
		m.onUEvent(dev)
	case msg := <-s.notes:
		m.onNotify(msg)
	case ex := <-m.exits:
		m.onWorkerExit(ex.pid, ex.status)
	case sig := <-m.cfg.Signals:
		m.onSignal(sig)
	case we := <-s.watch:
		m.onWatchEvent(we)
	case fn := <-m.calls:
		fn()
	case err := <-s.errs:
		m.log.Error().Err(err).Msg("event source failed")
		m.exit()
	case <-s.ctxDone:
		s.ctxDone = nil
		m.exit()
	case <-wake:
	}
	if timer != nil {
		timer.Stop()
	}
	if m.fireTimers() > 0 {
		handled = true
	}
	return handled
}
