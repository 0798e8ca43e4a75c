package manager

import "strings"

// pathConflict reports whether a and b are the same device path or one is an
// ancestor of the other.
func pathConflict(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if len(a) > len(b) {
		a, b = b, a
	}
	return strings.HasPrefix(b, a) && (len(a) == len(b) || b[len(a)] == '/')
}

// conflicts reports whether l, an earlier event, must finish before e may run.
func conflicts(l, e *Event) bool {
	switch {
	case pathConflict(l.DevPath, e.DevPath),
		pathConflict(l.DevPath, e.DevPathOld),
		pathConflict(l.DevPathOld, e.DevPath):
		return true
	case e.DevNode != "" && l.DevNode == e.DevNode:
		return true
	case e.ID != "" && l.ID == e.ID:
		return true
	}
	return false
}

// scanBlocker returns the earliest event queued before e that conflicts with it.
func (q *eventQueue) scanBlocker(e *Event) *Event {
	for _, l := range q.events {
		if l == e {
			break
		}
		if conflicts(l, e) {
			return l
		}
	}
	return nil
}

// isBlocked reports whether e has to wait, either for its retry delay or for
// an earlier conflicting event. The cached blocker is used while it is still
// queued; otherwise the queue is rescanned and the cache refreshed.
func (m *Manager) isBlocked(e *Event) bool {
	if !e.retryNext.IsZero() && m.clock.Now().Before(e.retryNext) {
		return true
	}
	switch e.blockerSeqnum {
	case e.Seqnum:
		return false
	case 0:
	default:
		if m.queue.get(e.blockerSeqnum) != nil {
			return true
		}
	}
	if l := m.queue.scanBlocker(e); l != nil {
		e.blockerSeqnum = l.Seqnum
		m.traceEvent(TraceBlocked, e, map[string]any{"blocker": l.Seqnum})
		return true
	}
	e.blockerSeqnum = e.Seqnum
	return false
}
