package manager

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"udevd/internal/device"
	"udevd/internal/notify"
)

type fakeProcess struct {
	pid int

	mu       sync.Mutex
	sent     []*device.Device
	signals  []syscall.Signal
	sendErr  error
	released bool
	// exitOn makes the process exit by itself when it receives that signal.
	exitOn syscall.Signal

	exit chan ExitStatus
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, exit: make(chan ExitStatus, 1)}
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Send(dev *device.Device) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return p.sendErr
	}
	p.sent = append(p.sent, dev)
	return nil
}

func (p *fakeProcess) Signal(sig syscall.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	exitOn := p.exitOn
	p.mu.Unlock()
	if exitOn != 0 && sig == exitOn {
		select {
		case p.exit <- ExitStatus{Signal: sig}:
		default:
		}
	}
	return nil
}

func (p *fakeProcess) Wait() ExitStatus { return <-p.exit }

func (p *fakeProcess) Release() {
	p.mu.Lock()
	p.released = true
	p.mu.Unlock()
}

// seqnums returns the seqnums of the devices handed to the process.
func (p *fakeProcess) seqnums() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uint64, 0, len(p.sent))
	for _, d := range p.sent {
		n, _ := d.Seqnum()
		out = append(out, n)
	}
	return out
}

func (p *fakeProcess) gotSignals() []syscall.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]syscall.Signal(nil), p.signals...)
}

type fakeSpawner struct {
	mu     sync.Mutex
	next   int
	procs  []*fakeProcess
	opts   []SpawnOptions
	err    error
	exitOn syscall.Signal
}

func (s *fakeSpawner) Spawn(dev *device.Device, opts SpawnOptions) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.next++
	p := newFakeProcess(1000 + s.next)
	p.exitOn = s.exitOn
	p.sent = append(p.sent, dev)
	s.procs = append(s.procs, p)
	s.opts = append(s.opts, opts)
	return p, nil
}

func (s *fakeSpawner) spawned() []*fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakeProcess(nil), s.procs...)
}

type fakeWatcher struct {
	mu      sync.Mutex
	added   []string
	removed []string
	addErr  error
}

func (w *fakeWatcher) Add(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.addErr != nil {
		return w.addErr
	}
	w.added = append(w.added, path)
	return nil
}

func (w *fakeWatcher) Remove(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.removed = append(w.removed, path)
	return nil
}

func (w *fakeWatcher) Run(ctx context.Context, _ chan<- WatchEvent) error {
	<-ctx.Done()
	return nil
}

// harness drives the loop handlers directly, running the post hook after
// each step the way Run does.
type harness struct {
	t       *testing.T
	m       *Manager
	clock   *clockwork.FakeClock
	spawner *fakeSpawner
	bcast   *device.MemoryBroadcaster
	tracer  *MemoryTracer
	watcher *fakeWatcher
	dir     string
	notes   []string
}

func newHarness(t *testing.T, mutate func(*ManagerConfig)) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		clock:   clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		spawner: &fakeSpawner{},
		bcast:   device.NewMemoryBroadcaster(),
		tracer:  NewMemoryTracer(),
		watcher: &fakeWatcher{},
		dir:     t.TempDir(),
	}
	cfg := ManagerConfig{
		ChildrenMax: 4,
		RuntimeDir:  h.dir,
		Logger:      zerolog.Nop(),
		Clock:       h.clock,
		Spawner:     h.spawner,
		Broadcaster: h.bcast,
		Tracer:      h.tracer,
		Watcher:     h.watcher,
		Notifier:    func(s string) { h.notes = append(h.notes, s) },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.m = NewWithConfig(cfg)
	t.Cleanup(func() { h.m.doneOnce.Do(func() { close(h.m.done) }) })
	return h
}

func newDevice(seq uint64, action device.Action, devpath string, props ...string) *device.Device {
	env := map[string]string{
		device.PropSeqnum:  strconv.FormatUint(seq, 10),
		device.PropDevPath: devpath,
		device.PropAction:  string(action),
	}
	for i := 0; i+1 < len(props); i += 2 {
		env[props[i]] = props[i+1]
	}
	return &device.Device{Action: action, DevPath: devpath, Env: env}
}

func diskDevice(seq uint64, action device.Action) *device.Device {
	return newDevice(seq, action, "/devices/pci0/ata1/block/sda",
		device.PropSubsystem, "block", device.PropDevType, "disk", device.PropDevName, "sda",
		device.PropMajor, "8", device.PropMinor, "0")
}

func partitionDevice(seq uint64, action device.Action) *device.Device {
	return newDevice(seq, action, "/devices/pci0/ata1/block/sda/sda1",
		device.PropSubsystem, "block", device.PropDevType, "partition", device.PropDevName, "sda1",
		device.PropMajor, "8", device.PropMinor, "1")
}

func (h *harness) post() bool { return h.m.post() }

func (h *harness) uevent(dev *device.Device) {
	h.m.onUEvent(dev)
	h.post()
}

func (h *harness) notify(pid int, kind notify.Kind) {
	h.m.onNotify(notify.Message{Pid: pid, Kind: kind})
	h.post()
}

func (h *harness) done(pid int) { h.notify(pid, notify.KindDone) }

// exit ends p with st and feeds the reaped exit to the manager.
func (h *harness) exit(p *fakeProcess, st ExitStatus) bool {
	h.t.Helper()
	select {
	case p.exit <- st:
	default:
	}
	return h.reap()
}

func (h *harness) reap() bool {
	h.t.Helper()
	select {
	case ex := <-h.m.exits:
		h.m.onWorkerExit(ex.pid, ex.status)
	case <-time.After(2 * time.Second):
		h.t.Fatal("worker exit was not reaped")
	}
	return h.post()
}

// advance moves the clock; like the loop, the post hook runs only when a
// timer fired.
func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	if h.m.fireTimers() > 0 {
		h.post()
	}
}

func (h *harness) event(seq uint64) *Event { return h.m.queue.get(seq) }

func (h *harness) proc(i int) *fakeProcess {
	h.t.Helper()
	procs := h.spawner.spawned()
	require.Greater(h.t, len(procs), i, "worker %d not spawned", i)
	return procs[i]
}

func (h *harness) running() []uint64 {
	var out []uint64
	for _, ev := range h.m.queue.events {
		if ev.State == EventRunning {
			out = append(out, ev.Seqnum)
		}
	}
	return out
}

var errSend = errors.New("send: connection refused")
