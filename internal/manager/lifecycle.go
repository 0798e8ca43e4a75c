package manager

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"udevd/internal/device"
	"udevd/internal/notify"
	"udevd/internal/rules"
)

// onUEvent queues a kernel uevent. Malformed uevents are logged and dropped.
// A repeated notification still counts as activity on its disk.
func (m *Manager) onUEvent(dev *device.Device) {
	eventsReceived.Inc()
	if err := m.enqueue(dev); err != nil {
		eventsMalformed.Inc()
		m.log.Warn().Err(err).Str("devpath", dev.DevPath).Msg("dropping uevent")
		if !errors.Is(err, errDuplicateSeqnum) {
			return
		}
	}
	m.assumeBlockDeviceUnlocked(dev)
}

// onNotify handles a message from a worker. Watch requests leave the worker
// busy; anything else ends its current event.
func (m *Manager) onNotify(msg notify.Message) {
	w := m.workers[msg.Pid]
	if w == nil {
		m.log.Warn().Int("pid", msg.Pid).Str("kind", msg.Kind.String()).Msg("notification from unknown worker, ignoring")
		return
	}
	ev := m.workerEvent(w)
	switch msg.Kind {
	case notify.KindWatchAdd:
		if ev != nil {
			m.addWatch(ev.Dev, msg.Path)
		}
		return
	case notify.KindWatchRemove:
		if ev != nil {
			m.removeWatch(ev.Dev)
		}
		return
	case notify.KindTryAgain:
		w.event = 0
		if ev != nil {
			m.requeue(ev)
		}
	default:
		w.event = 0
		if ev != nil {
			m.finishEvent(ev, "success")
		}
	}
	switch w.State {
	case WorkerKilling:
		w.State = WorkerKilled
		m.signalWorker(w, syscall.SIGTERM, "terminate")
	case WorkerKilled:
	default:
		w.State = WorkerIdle
	}
}

// onWorkerExit reaps a worker. A non-clean exit fails the event it was
// processing; the failure is broadcast so listeners still see the device.
func (m *Manager) onWorkerExit(pid int, st ExitStatus) {
	w := m.workers[pid]
	if w == nil {
		m.log.Debug().Int("pid", pid).Msg("exit of unknown worker")
		return
	}
	if st.Clean() {
		m.log.Debug().Int("pid", pid).Msg("worker exited")
	} else {
		m.log.Warn().Int("pid", pid).Str("status", st.String()).Msg("worker failed")
	}
	if ev := m.workerEvent(w); ev != nil {
		result := "aborted"
		if !st.Clean() {
			switch {
			case st.Signal != 0:
				ev.Dev.RecordSignal(st.Signal)
				result = "killed"
			case st.Err != nil:
				ev.Dev.RecordErrno(syscall.EIO)
				result = "failed"
			default:
				ev.Dev.RecordExitStatus(st.Code)
				result = "failed"
			}
			m.broadcast(ev.Dev)
		}
		m.finishEvent(ev, result)
	}
	m.traceWorker(TraceWorkerExited, w, map[string]any{"status": st.String()})
	delete(m.workers, pid)
	w.proc.Release()
}

func (m *Manager) onSignal(sig os.Signal) {
	switch sig {
	case syscall.SIGTERM, syscall.SIGINT:
		m.log.Info().Str("signal", sig.String()).Msg("shutting down")
		m.exit()
	case syscall.SIGHUP:
		m.reload(true)
	default:
		m.log.Debug().Str("signal", sig.String()).Msg("ignoring signal")
	}
}

// exit stops taking new events, drops those not yet dispatched and terminates
// every worker. The loop ends once the last worker has been reaped.
func (m *Manager) exit() {
	if m.exiting {
		return
	}
	m.exiting = true
	m.cfg.Notifier("STOPPING=1")
	if n := m.drain(EventQueued); n > 0 {
		m.log.Info().Int("events", n).Msg("dropped queued events")
	}
	m.killWorkers(true)
}

// post runs after every loop step. It reports true when the loop should stop.
func (m *Manager) post() bool {
	defer m.updateMetrics()
	if m.queue.Len() > 0 {
		if !m.exiting && !m.stopExecQueue {
			m.stopTimer(m.reaper)
			m.reload(false)
			m.runQueue()
		}
		return false
	}
	m.removeMarker()
	if len(m.workers) > 0 {
		m.armReaper()
		return false
	}
	if m.exiting {
		if err := m.serialize(); err != nil {
			m.log.Warn().Err(err).Msg("failed to serialize state")
		}
		return true
	}
	m.cleanupCgroup()
	return false
}

// runQueue dispatches runnable events in order, stopping at the first one
// that cannot get a worker.
func (m *Manager) runQueue() {
	for _, ev := range m.queue.snapshot() {
		if ev.State != EventQueued || m.isBlocked(ev) {
			continue
		}
		err := m.dispatch(ev)
		switch {
		case err == nil:
		case IsNoCapacity(err):
			return
		default:
			m.eventLog(m.log.Error(), ev).Err(err).Msg("failed to dispatch device")
			if !m.spawnBackoff.Armed() {
				m.spawnBackoff = m.after(spawnRetryDelay, func() {})
			}
			return
		}
	}
}

func (m *Manager) armReaper() {
	if m.reaper == nil {
		m.reaper = m.after(workerIdleTimeout, m.reapIdleWorkers)
		return
	}
	m.timers.reset(m.reaper, m.clock.Now().Add(workerIdleTimeout))
}

func (m *Manager) reapIdleWorkers() {
	if len(m.workers) == 0 {
		return
	}
	m.log.Debug().Int("workers", len(m.workers)).Msg("cleaning up idle workers")
	m.killWorkers(false)
}

// reload kills the workers when the rules directory changed so that new
// workers load the current rules. Unless forced it checks at most once per
// reloadInterval, and only acts on a change.
func (m *Manager) reload(force bool) {
	now := m.clock.Now()
	if !force && !m.lastReload.IsZero() && now.Sub(m.lastReload) < reloadInterval {
		return
	}
	m.lastReload = now
	if m.cfg.RulesDir == "" {
		if force {
			m.restartWorkers()
		}
		return
	}
	stamp, err := rules.StampDir(m.cfg.RulesDir)
	if err != nil {
		m.log.Warn().Err(err).Str("dir", m.cfg.RulesDir).Msg("failed to check rules")
		return
	}
	if !force && m.rulesStampSet && stamp.Equal(m.rulesStamp) {
		return
	}
	m.rulesStamp, m.rulesStampSet = stamp, true
	if _, err := rules.LoadDir(m.cfg.RulesDir); err != nil {
		m.log.Error().Err(err).Msg("rules are invalid, keeping current workers")
		return
	}
	m.log.Info().Str("dir", m.cfg.RulesDir).Msg("rules changed, restarting workers")
	m.restartWorkers()
}

func (m *Manager) restartWorkers() {
	m.cfg.Notifier("RELOADING=1\nSTATUS=Flushing configuration...")
	m.killWorkers(false)
	m.cfg.Notifier("READY=1\n" + m.statusLine())
}

// initRules records the rules stamp present at start-up.
func (m *Manager) initRules() {
	if m.cfg.RulesDir == "" {
		return
	}
	stamp, err := rules.StampDir(m.cfg.RulesDir)
	if err != nil {
		m.log.Warn().Err(err).Str("dir", m.cfg.RulesDir).Msg("failed to check rules")
		return
	}
	m.rulesStamp, m.rulesStampSet = stamp, true
	m.lastReload = m.clock.Now()
}

func (m *Manager) statusLine() string {
	return fmt.Sprintf("STATUS=Processing with %d children at max", m.childrenMax)
}
