package manager

// armTimeouts starts the warning and kill timers of a dispatched event.
func (m *Manager) armTimeouts(ev *Event) {
	m.stopTimer(ev.warnTimer)
	m.stopTimer(ev.killTimer)
	seq := ev.Seqnum
	ev.warnTimer = m.after(m.eventTimeout()/3, func() { m.onEventWarn(seq) })
	ev.killTimer = m.after(m.killTimeout(), func() { m.onEventTimeout(seq) })
}

func (m *Manager) disarmTimeouts(ev *Event) {
	m.stopTimer(ev.warnTimer)
	m.stopTimer(ev.killTimer)
	ev.warnTimer, ev.killTimer = nil, nil
}

func (m *Manager) onEventWarn(seq uint64) {
	ev := m.queue.get(seq)
	if ev == nil || ev.State != EventRunning {
		return
	}
	ev.warnTimer = nil
	m.eventLog(m.log.Warn(), ev).Int("pid", ev.workerPid).
		Dur("elapsed", m.clock.Since(ev.startedAt)).
		Msg("worker processing device is taking a long time")
}

// onEventTimeout kills the worker of an event that ran past the hard timeout.
// The event is finalized when the worker's exit is reaped.
func (m *Manager) onEventTimeout(seq uint64) {
	ev := m.queue.get(seq)
	if ev == nil || ev.State != EventRunning {
		return
	}
	ev.killTimer = nil
	w := m.workers[ev.workerPid]
	m.eventLog(m.log.Error(), ev).Int("pid", ev.workerPid).
		Str("signal", m.timeoutSignal().String()).
		Msg("worker processing device timed out, killing it")
	m.traceEvent(TraceTimedOut, ev, nil)
	if w == nil {
		return
	}
	m.signalWorker(w, m.timeoutSignal(), "timeout")
	w.State = WorkerKilled
}
