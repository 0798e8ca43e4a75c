package manager

import (
	"fmt"
	"sort"
	"syscall"
	"time"

	"udevd/internal/device"
)

// sortedWorkers returns the workers ordered by pid so scans are deterministic.
func (m *Manager) sortedWorkers() []*Worker {
	out := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pid < out[j].Pid })
	return out
}

// workerDevice is the payload handed to a worker: the event's device plus the
// properties set through the control interface.
func (m *Manager) workerDevice(ev *Event) *device.Device {
	if len(m.properties) == 0 {
		return ev.Dev
	}
	dev := ev.Dev.Clone()
	for k, v := range m.properties {
		dev.SetProperty(k, v)
	}
	return dev
}

// dispatch hands ev to an idle worker or a newly spawned one. A noCapacityError
// leaves ev queued.
func (m *Manager) dispatch(ev *Event) error {
	dev := m.workerDevice(ev)
	for _, w := range m.sortedWorkers() {
		if w.State != WorkerIdle {
			continue
		}
		if err := w.proc.Send(dev); err != nil {
			m.log.Error().Err(err).Int("pid", w.Pid).Msg("worker did not accept device, killing it")
			m.signalWorker(w, syscall.SIGKILL, "send_failed")
			w.State = WorkerKilled
			continue
		}
		m.attach(w, ev)
		return nil
	}
	if len(m.workers) >= m.childrenMax {
		m.eventLog(m.log.Trace(), ev).Int("children_max", m.childrenMax).Msg("maximum number of workers reached")
		return noCapacityError{max: m.childrenMax}
	}
	return m.spawn(ev, dev)
}

func (m *Manager) spawn(ev *Event, dev *device.Device) error {
	if m.cfg.Spawner == nil {
		return fmt.Errorf("spawn worker: no spawner configured")
	}
	proc, err := m.cfg.Spawner.Spawn(dev, SpawnOptions{LogLevel: m.logLevel})
	if err != nil {
		return fmt.Errorf("spawn worker: %w", err)
	}
	w := &Worker{Pid: proc.Pid(), StartedAt: m.clock.Now(), proc: proc}
	m.workers[w.Pid] = w
	workerSpawns.Inc()
	m.traceWorker(TraceWorkerSpawned, w, nil)
	m.log.Debug().Int("pid", w.Pid).Msg("worker spawned")
	go m.waitWorker(proc)
	m.attach(w, ev)
	return nil
}

// attach links w and ev and arms the event's timeouts.
func (m *Manager) attach(w *Worker, ev *Event) {
	w.State = WorkerRunning
	w.event = ev.Seqnum
	ev.State = EventRunning
	ev.workerPid = w.Pid
	ev.startedAt = m.clock.Now()
	ev.retryNext = time.Time{}
	m.stopTimer(ev.retryTimer)
	ev.retryTimer = nil
	m.armTimeouts(ev)
	m.traceEvent(TraceDispatched, ev, nil)
	m.eventLog(m.log.Debug(), ev).Int("pid", w.Pid).Msg("device dispatched")
}

func (m *Manager) waitWorker(p Process) {
	st := p.Wait()
	select {
	case m.exits <- workerExit{pid: p.Pid(), status: st}:
	case <-m.done:
	}
}

func (m *Manager) signalWorker(w *Worker, sig syscall.Signal, reason string) {
	if err := w.proc.Signal(sig); err != nil {
		m.log.Debug().Err(err).Int("pid", w.Pid).Str("signal", sig.String()).Msg("failed to signal worker")
	}
	workerKills.WithLabelValues(reason).Inc()
	m.traceWorker(TraceWorkerKilled, w, map[string]any{"signal": int(sig), "reason": reason})
}

// killWorkers terminates workers. Unless force is set, a running worker
// finishes its event first.
func (m *Manager) killWorkers(force bool) {
	for _, w := range m.sortedWorkers() {
		switch {
		case w.State == WorkerKilled:
			continue
		case w.State == WorkerRunning && !force:
			w.State = WorkerKilling
			continue
		}
		w.State = WorkerKilled
		m.signalWorker(w, syscall.SIGTERM, "terminate")
	}
}

// workerEvent returns the event w is processing, if the link is intact.
func (m *Manager) workerEvent(w *Worker) *Event {
	if w.event == 0 {
		return nil
	}
	ev := m.queue.get(w.event)
	if ev == nil || ev.workerPid != w.Pid {
		return nil
	}
	return ev
}

func (m *Manager) broadcast(dev *device.Device) {
	if err := m.cfg.Broadcaster.Broadcast(dev); err != nil {
		m.log.Warn().Err(err).Str("devpath", dev.DevPath).Msg("failed to broadcast device")
	}
}
