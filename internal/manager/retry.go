package manager

import (
	"syscall"
	"time"

	"udevd/internal/device"
)

// requeue puts a running event back in the queue after its worker found the
// device locked. The event keeps its seqnum and so its place in the ordering.
// Past the retry window it fails with ETIMEDOUT instead.
func (m *Manager) requeue(ev *Event) {
	m.disarmTimeouts(ev)
	now := m.clock.Now()
	if !ev.retryDeadline.IsZero() && !now.Before(ev.retryDeadline) {
		m.eventLog(m.log.Warn(), ev).Msg("device is still locked, giving up")
		ev.Dev.RecordErrno(syscall.ETIMEDOUT)
		m.broadcast(ev.Dev)
		m.finishEvent(ev, "timeout")
		return
	}
	ev.retryNext = now.Add(retryDelay)
	if ev.retryDeadline.IsZero() {
		ev.retryDeadline = now.Add(retryTimeout)
	}
	if ev.retryTimer == nil {
		ev.retryTimer = m.after(retryDelay, func() {})
	} else {
		m.timers.reset(ev.retryTimer, ev.retryNext)
	}
	ev.workerPid = 0
	ev.startedAt = time.Time{}
	ev.State = EventQueued
	eventRequeues.Inc()
	m.traceEvent(TraceRequeued, ev, map[string]any{"retry_deadline": ev.retryDeadline})
	m.eventLog(m.log.Debug(), ev).Msg("device is locked, will retry")
}

// assumeBlockDeviceUnlocked lets queued events on the same disk as dev retry
// right away instead of waiting out their delay. A wrong guess only costs one
// more TRY_AGAIN round trip.
func (m *Manager) assumeBlockDeviceUnlocked(dev *device.Device) {
	disk, ok := dev.WholeDisk()
	if !ok {
		return
	}
	m.unlockDisk(disk.DevPath)
}

func (m *Manager) unlockDisk(diskPath string) {
	for _, ev := range m.queue.events {
		if ev.State != EventQueued || !ev.RetryPending() {
			continue
		}
		d, ok := ev.Dev.WholeDisk()
		if !ok || d.DevPath != diskPath {
			continue
		}
		ev.retryNext = time.Time{}
		m.stopTimer(ev.retryTimer)
		ev.retryTimer = nil
		m.traceEvent(TraceUnlocked, ev, nil)
	}
}
