package manager

import (
	"context"

	"udevd/pkg/types"
)

// Status builds a detailed status response for /status.
func (m *Manager) Status(ctx context.Context) (types.StatusResponse, error) {
	reply := make(chan types.StatusResponse, 1)
	if err := m.call(ctx, func() error {
		reply <- m.status()
		return nil
	}); err != nil {
		return types.StatusResponse{}, err
	}
	return <-reply, nil
}

func (m *Manager) status() types.StatusResponse {
	now := m.clock.Now()
	resp := types.StatusResponse{
		InvocationID:        m.invocationID,
		ChildrenMax:         m.childrenMax,
		EventTimeoutSeconds: int64(m.cfg.EventTimeout.Seconds()),
		LogLevel:            m.logLevel,
		ExecQueueStopped:    m.stopExecQueue,
		Exiting:             m.exiting,
		UptimeSeconds:       int64(now.Sub(m.startTime).Seconds()),
		ServerTimeUnix:      now.Unix(),
	}
	resp.Events = make([]types.EventStatus, 0, m.queue.Len())
	for _, ev := range m.queue.events {
		resp.Events = append(resp.Events, types.EventStatus{
			Seqnum:       ev.Seqnum,
			Action:       string(ev.Action),
			DevPath:      ev.DevPath,
			State:        ev.State.String(),
			WorkerPID:    ev.workerPid,
			RetryPending: ev.RetryPending(),
			QueuedAt:     ev.QueuedAt.Unix(),
		})
	}
	resp.Workers = make([]types.WorkerStatus, 0, len(m.workers))
	for _, w := range m.sortedWorkers() {
		resp.Workers = append(resp.Workers, types.WorkerStatus{
			PID:       w.Pid,
			State:     w.State.String(),
			Seqnum:    w.event,
			StartedAt: w.StartedAt.Unix(),
		})
	}
	for _, e := range m.watches.list() {
		resp.Watches = append(resp.Watches, types.WatchStatus{DeviceID: e.ID, Path: e.Path})
	}
	if len(m.properties) > 0 {
		resp.Properties = make(map[string]string, len(m.properties))
		for k, v := range m.properties {
			resp.Properties[k] = v
		}
	}
	return resp
}
