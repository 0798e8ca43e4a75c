package manager

import (
	"github.com/rs/zerolog"

	"udevd/internal/common/fsutil"
	"udevd/internal/device"
)

// enqueue appends dev to the queue as a Queued event. The first event on an
// empty queue creates the marker file.
func (m *Manager) enqueue(dev *device.Device) error {
	seq, err := dev.Seqnum()
	if err != nil {
		return malformedDeviceError{reason: err.Error()}
	}
	if dev.DevPath == "" {
		return malformedDeviceError{reason: "missing DEVPATH"}
	}
	if !device.ValidAction(dev.Action) {
		return malformedDeviceError{reason: "unknown action " + string(dev.Action)}
	}
	if m.queue.get(seq) != nil {
		return errDuplicateSeqnum
	}
	if m.queue.Len() == 0 {
		if err := fsutil.Touch(m.markerPath()); err != nil {
			m.log.Warn().Err(err).Str("path", m.markerPath()).Msg("failed to create queue marker")
		}
	}
	ev := newEvent(seq, dev, m.clock.Now())
	m.queue.push(ev)
	m.traceEvent(TraceQueued, ev, nil)
	m.eventLog(m.log.Debug(), ev).Msg("device queued")
	return nil
}

// drain destroys every event in state, or every event when state is zero.
func (m *Manager) drain(state EventState) int {
	n := 0
	for _, ev := range m.queue.snapshot() {
		if state != 0 && ev.State != state {
			continue
		}
		if w := m.workers[ev.workerPid]; w != nil && w.event == ev.Seqnum {
			w.event = 0
		}
		m.freeEvent(ev)
		n++
	}
	return n
}

// freeEvent removes ev from the queue and disarms everything it owns.
func (m *Manager) freeEvent(ev *Event) {
	m.stopTimer(ev.warnTimer)
	m.stopTimer(ev.killTimer)
	m.stopTimer(ev.retryTimer)
	ev.warnTimer, ev.killTimer, ev.retryTimer = nil, nil, nil
	ev.workerPid = 0
	m.queue.remove(ev)
	m.traceEvent(TraceFreed, ev, nil)
}

// finishEvent completes a running event, whatever its outcome.
func (m *Manager) finishEvent(ev *Event, result string) {
	if !ev.startedAt.IsZero() {
		eventDuration.WithLabelValues(result).Observe(m.clock.Since(ev.startedAt).Seconds())
	}
	eventsFinished.WithLabelValues(result).Inc()
	m.eventLog(m.log.Debug(), ev).Str("result", result).Msg("device processed")
	m.freeEvent(ev)
}

func (m *Manager) removeMarker() {
	if err := fsutil.RemoveIfExists(m.markerPath()); err != nil {
		m.log.Warn().Err(err).Str("path", m.markerPath()).Msg("failed to remove queue marker")
	}
}

func (m *Manager) eventLog(e *zerolog.Event, ev *Event) *zerolog.Event {
	return e.Uint64("seqnum", ev.Seqnum).Str("action", string(ev.Action)).Str("devpath", ev.DevPath)
}
