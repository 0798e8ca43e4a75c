package manager

import (
	"time"

	"udevd/internal/device"
)

// EventState is the scheduling state of a queued event.
type EventState int

const (
	EventQueued EventState = iota + 1
	EventRunning
)

func (s EventState) String() string {
	switch s {
	case EventQueued:
		return "queued"
	case EventRunning:
		return "running"
	default:
		return "unknown"
	}
}

// Event is one kernel uevent waiting for, or undergoing, processing.
type Event struct {
	Seqnum     uint64
	Action     device.Action
	DevPath    string
	DevPathOld string
	ID         string
	DevNode    string
	Dev        *device.Device
	State      EventState
	QueuedAt   time.Time

	// blockerSeqnum caches the last event found blocking this one.
	// Equal to Seqnum: known runnable. Zero: unknown.
	blockerSeqnum uint64
	// retryNext gates dispatch after a "device locked" requeue; zero when unset.
	retryNext time.Time
	// retryDeadline is when retrying gives up; set on the first requeue.
	retryDeadline time.Time
	// workerPid is the worker processing this event, 0 when queued.
	workerPid int
	startedAt time.Time

	warnTimer  *loopTimer
	killTimer  *loopTimer
	retryTimer *loopTimer
}

func newEvent(seq uint64, dev *device.Device, now time.Time) *Event {
	return &Event{
		Seqnum:     seq,
		Action:     dev.Action,
		DevPath:    dev.DevPath,
		DevPathOld: dev.DevPathOld(),
		ID:         dev.ID(),
		DevNode:    dev.DevNode(),
		Dev:        dev,
		State:      EventQueued,
		QueuedAt:   now,
	}
}

// RetryPending reports whether the event waits for a "device locked" retry.
func (e *Event) RetryPending() bool { return !e.retryNext.IsZero() }

// eventQueue keeps events in arrival order with lookup by seqnum.
type eventQueue struct {
	events []*Event
	bySeq  map[uint64]*Event
}

func newEventQueue() *eventQueue {
	return &eventQueue{bySeq: make(map[uint64]*Event)}
}

func (q *eventQueue) Len() int { return len(q.events) }

func (q *eventQueue) get(seq uint64) *Event { return q.bySeq[seq] }

func (q *eventQueue) push(e *Event) {
	q.events = append(q.events, e)
	q.bySeq[e.Seqnum] = e
}

func (q *eventQueue) remove(e *Event) {
	if q.bySeq[e.Seqnum] != e {
		return
	}
	delete(q.bySeq, e.Seqnum)
	for i, x := range q.events {
		if x == e {
			copy(q.events[i:], q.events[i+1:])
			q.events[len(q.events)-1] = nil
			q.events = q.events[:len(q.events)-1]
			return
		}
	}
}

// snapshot returns the events in order; the slice is safe to iterate while
// the queue changes.
func (q *eventQueue) snapshot() []*Event {
	out := make([]*Event, len(q.events))
	copy(out, q.events)
	return out
}

func (q *eventQueue) count(state EventState) int {
	n := 0
	for _, e := range q.events {
		if e.State == state {
			n++
		}
	}
	return n
}
