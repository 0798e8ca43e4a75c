package manager

// TracePoint names a step in the life of an event or worker.
type TracePoint string

const (
	TraceQueued        TracePoint = "queued"
	TraceBlocked       TracePoint = "blocked"
	TraceDispatched    TracePoint = "dispatched"
	TraceRequeued      TracePoint = "requeued"
	TraceUnlocked      TracePoint = "unlocked"
	TraceTimedOut      TracePoint = "timed_out"
	TraceFreed         TracePoint = "freed"
	TraceWorkerSpawned TracePoint = "worker_spawned"
	TraceWorkerKilled  TracePoint = "worker_killed"
	TraceWorkerExited  TracePoint = "worker_exited"
)

// Trace is one trace point. Minimal and stable: the point plus the event
// and worker involved, with optional fields via key/values.
type Trace struct {
	Point   TracePoint
	Seqnum  uint64
	DevPath string
	Pid     int
	Fields  map[string]any
}

// Tracer receives trace points from the event loop. Implementations must be
// lightweight and non-blocking; Trace must not panic.
type Tracer interface {
	Trace(Trace)
}

// noopTracer is the default; it drops traces.
type noopTracer struct{}

func (noopTracer) Trace(Trace) {}

func (m *Manager) traceEvent(p TracePoint, ev *Event, fields map[string]any) {
	m.cfg.Tracer.Trace(Trace{Point: p, Seqnum: ev.Seqnum, DevPath: ev.DevPath, Pid: ev.workerPid, Fields: fields})
}

func (m *Manager) traceWorker(p TracePoint, w *Worker, fields map[string]any) {
	m.cfg.Tracer.Trace(Trace{Point: p, Seqnum: w.event, Pid: w.Pid, Fields: fields})
}
