package manager

import "sync"

// MemoryTracer stores traces in-memory for tests.
type MemoryTracer struct {
	mu     sync.Mutex
	traces []Trace
}

func NewMemoryTracer() *MemoryTracer { return &MemoryTracer{} }

func (t *MemoryTracer) Trace(tr Trace) {
	t.mu.Lock()
	t.traces = append(t.traces, tr)
	t.mu.Unlock()
}

func (t *MemoryTracer) Traces() []Trace {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Trace, len(t.traces))
	copy(out, t.traces)
	return out
}

// Seqnums returns, in order, the sequence numbers traced at p.
func (t *MemoryTracer) Seqnums(p TracePoint) []uint64 {
	var out []uint64
	for _, tr := range t.Traces() {
		if tr.Point == p {
			out = append(out, tr.Seqnum)
		}
	}
	return out
}
