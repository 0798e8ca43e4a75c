// Package manager runs the device event loop: it queues kernel uevents,
// orders them by device dependencies and hands them to a bounded pool of
// worker processes. It is structured into small files by concern:
//
//   - manager.go: core Manager type and simple getters.
//   - config.go: ManagerConfig and package defaults; NewWithConfig applies defaults.
//   - types.go: worker state, Process and Spawner.
//   - events.go: Event and the ordered event queue.
//   - errors.go: error types and helpers (IsMalformed, IsNoCapacity, IsInvalidArgument).
//   - queue.go: enqueue, drain and the queue marker file.
//   - blocker.go: dependency checks between queued events.
//   - pool.go: dispatching to idle or new workers, killing workers.
//   - timeout.go: per-event warning and kill timers.
//   - retry.go: "device locked" requeue and the unlock heuristic.
//   - lifecycle.go: handlers for uevents, notifications, worker exits and
//     signals; the post hook; reload and shutdown.
//   - loop.go: Run, the single goroutine owning all state.
//   - timers.go: loop timers ordered in a heap.
//   - control.go: control operations executed on the loop.
//   - status_report.go: Status reporting.
//   - watch.go, watch_linux.go: inotify watches of device nodes.
//   - serialize.go: state handed over to the next instance.
//   - spawner_linux.go: worker processes over socketpairs.
//   - cgroup_linux.go: cleanup of stray processes in the delegated cgroup.
//   - metrics.go, trace.go: Prometheus metrics and trace points.
//
// All Event and Worker records are owned by the goroutine executing Run; the
// exported control methods marshal their work onto it. Handlers never block
// on a worker: a stuck worker is bounded by its kill timer and reaped like
// any other exit.
package manager
