package manager

import "github.com/prometheus/client_golang/prometheus"

var (
	queueLength = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "udevd",
			Subsystem: "queue",
			Name:      "events",
			Help:      "Events in the queue by state",
		},
		[]string{"state"},
	)

	workersGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "udevd",
			Subsystem: "workers",
			Name:      "current",
			Help:      "Worker processes by state",
		},
		[]string{"state"},
	)

	eventsReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "udevd",
			Subsystem: "events",
			Name:      "received_total",
			Help:      "Kernel uevents received",
		},
	)

	eventsMalformed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "udevd",
			Subsystem: "events",
			Name:      "malformed_total",
			Help:      "Kernel uevents dropped as malformed",
		},
	)

	eventsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "udevd",
			Subsystem: "events",
			Name:      "finished_total",
			Help:      "Events finished by result",
		},
		[]string{"result"},
	)

	eventDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "udevd",
			Subsystem: "events",
			Name:      "processing_seconds",
			Help:      "Time from dispatch to completion",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 9),
		},
		[]string{"result"},
	)

	eventRequeues = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "udevd",
			Subsystem: "events",
			Name:      "requeues_total",
			Help:      "Events requeued because the device was locked",
		},
	)

	workerSpawns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "udevd",
			Subsystem: "workers",
			Name:      "spawned_total",
			Help:      "Worker processes spawned",
		},
	)

	workerKills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "udevd",
			Subsystem: "workers",
			Name:      "killed_total",
			Help:      "Signals sent to workers by reason",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(queueLength, workersGauge, eventsReceived, eventsMalformed,
		eventsFinished, eventDuration, eventRequeues, workerSpawns, workerKills)
}

func (m *Manager) updateMetrics() {
	queueLength.WithLabelValues(EventQueued.String()).Set(float64(m.queue.count(EventQueued)))
	queueLength.WithLabelValues(EventRunning.String()).Set(float64(m.queue.count(EventRunning)))
	counts := make(map[WorkerState]int, 4)
	for _, w := range m.workers {
		counts[w.State]++
	}
	for _, s := range []WorkerState{WorkerRunning, WorkerIdle, WorkerKilling, WorkerKilled} {
		workersGauge.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}
