package manager

import (
	"container/heap"
	"time"
)

// loopTimer is a one-shot callback run by the event loop. A stopped timer
// never fires.
type loopTimer struct {
	when  time.Time
	fn    func()
	index int
}

// Armed reports whether the timer is pending.
func (t *loopTimer) Armed() bool { return t != nil && t.index >= 0 }

type timerHeap []*loopTimer

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].when.Before(h[j].when) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*loopTimer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// timerQueue orders loop timers by deadline.
type timerQueue struct {
	h timerHeap
}

func (q *timerQueue) at(when time.Time, fn func()) *loopTimer {
	t := &loopTimer{when: when, fn: fn, index: -1}
	heap.Push(&q.h, t)
	return t
}

func (q *timerQueue) stop(t *loopTimer) {
	if !t.Armed() {
		return
	}
	heap.Remove(&q.h, t.index)
}

// reset re-arms t for when, whether or not it is pending.
func (q *timerQueue) reset(t *loopTimer, when time.Time) {
	t.when = when
	if t.Armed() {
		heap.Fix(&q.h, t.index)
		return
	}
	heap.Push(&q.h, t)
}

// next returns the earliest pending deadline.
func (q *timerQueue) next() (time.Time, bool) {
	if len(q.h) == 0 {
		return time.Time{}, false
	}
	return q.h[0].when, true
}

// fire runs every timer due at now, including ones armed by the callbacks.
func (q *timerQueue) fire(now time.Time) int {
	n := 0
	for len(q.h) > 0 && !q.h[0].when.After(now) {
		t := heap.Pop(&q.h).(*loopTimer)
		t.fn()
		n++
	}
	return n
}

func (q *timerQueue) Len() int { return len(q.h) }

func (m *Manager) after(d time.Duration, fn func()) *loopTimer {
	return m.timers.at(m.clock.Now().Add(d), fn)
}

func (m *Manager) stopTimer(t *loopTimer) { m.timers.stop(t) }

// fireTimers runs the timers that are due on the manager's clock.
func (m *Manager) fireTimers() int { return m.timers.fire(m.clock.Now()) }
