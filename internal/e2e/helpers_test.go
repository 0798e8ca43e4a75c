package e2e

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"udevd/internal/device"
	"udevd/internal/httpapi"
	"udevd/internal/manager"
	"udevd/internal/notify"
	"udevd/internal/rules"
	"udevd/internal/worker"
)

// inprocSpawner runs each worker as a goroutine on a real channel socketpair.
type inprocSpawner struct {
	set   *rules.Set
	bcast device.Broadcaster
	notes chan notify.Message

	mu   sync.Mutex
	next int
	ran  [][]string
}

func (s *inprocSpawner) runner(_ context.Context, argv []string, _ []string) error {
	s.mu.Lock()
	s.ran = append(s.ran, argv)
	s.mu.Unlock()
	return nil
}

func (s *inprocSpawner) Spawn(dev *device.Device, _ manager.SpawnOptions) (manager.Process, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.next++
	pid := 100000 + s.next
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	p := &inprocProcess{pid: pid, ch: os.NewFile(uintptr(fds[0]), "manager"), cancel: cancel, exited: make(chan struct{})}
	if err := p.Send(dev); err != nil {
		cancel()
		p.ch.Close()
		unix.Close(fds[1])
		return nil, err
	}
	w := worker.New(worker.Options{
		Channel:     os.NewFile(uintptr(fds[1]), "worker"),
		Rules:       rules.NewEngine(s.set, s.runner, zerolog.Nop()),
		Broadcaster: s.bcast,
		Timeout:     time.Second,
		Logger:      zerolog.Nop(),
		Notify: func(m notify.Message) error {
			m.Pid = pid
			select {
			case s.notes <- m:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
	go func() {
		defer close(p.exited)
		_ = w.Run(ctx)
	}()
	return p, nil
}

type inprocProcess struct {
	pid    int
	ch     *os.File
	cancel context.CancelFunc
	exited chan struct{}
}

func (p *inprocProcess) Pid() int { return p.pid }

func (p *inprocProcess) Send(dev *device.Device) error {
	_, err := p.ch.Write(dev.Bytes())
	return err
}

func (p *inprocProcess) Signal(syscall.Signal) error {
	p.cancel()
	return nil
}

func (p *inprocProcess) Wait() manager.ExitStatus {
	<-p.exited
	return manager.ExitStatus{}
}

func (p *inprocProcess) Release() { _ = p.ch.Close() }

type chanDevices chan *device.Device

func (c chanDevices) Run(ctx context.Context, out chan<- *device.Device) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d := <-c:
			select {
			case out <- d:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

type chanNotes chan notify.Message

func (c chanNotes) Run(ctx context.Context, out chan<- notify.Message) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-c:
			select {
			case out <- m:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

type stack struct {
	srv     *httptest.Server
	mgr     *manager.Manager
	spawner *inprocSpawner
	bcast   *device.MemoryBroadcaster
	devs    chanDevices
	result  chan error
}

// newStack runs a manager with in-process workers behind the control API.
func newStack(t *testing.T, set *rules.Set) *stack {
	t.Helper()
	prev := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

	notes := make(chan notify.Message)
	s := &stack{
		bcast:  device.NewMemoryBroadcaster(),
		devs:   make(chanDevices),
		result: make(chan error, 1),
	}
	s.spawner = &inprocSpawner{set: set, bcast: s.bcast, notes: notes}
	s.mgr = manager.NewWithConfig(manager.ManagerConfig{
		ChildrenMax: 2,
		LogLevel:    "info",
		RuntimeDir:  t.TempDir(),
		Logger:      zerolog.Nop(),
		Spawner:     s.spawner,
		Broadcaster: s.bcast,
		Monitor:     s.devs,
		Notify:      chanNotes(notes),
	})
	ctx, cancel := context.WithCancel(context.Background())
	go func() { s.result <- s.mgr.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-s.result:
		case <-time.After(5 * time.Second):
		}
	})
	httpapi.SetLogger(zerolog.Nop())
	s.srv = httptest.NewServer(httpapi.NewMux(s.mgr))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *stack) send(t *testing.T, dev *device.Device) {
	t.Helper()
	select {
	case s.devs <- dev:
	case <-time.After(2 * time.Second):
		t.Fatalf("manager did not accept seqnum %s", dev.Property(device.PropSeqnum))
	}
}

// waitBroadcast waits until n devices have been broadcast.
func (s *stack) waitBroadcast(t *testing.T, n int) []*device.Device {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		devs := s.bcast.Devices()
		if len(devs) >= n {
			return devs
		}
		if time.Now().After(deadline) {
			t.Fatalf("broadcast %d devices, want %d", len(devs), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func netDevice(seq int, action device.Action, name string) *device.Device {
	devpath := "/devices/virtual/net/" + name
	return &device.Device{
		Action:  action,
		DevPath: devpath,
		Env: map[string]string{
			device.PropAction:    string(action),
			device.PropDevPath:   devpath,
			device.PropSubsystem: "net",
			"INTERFACE":          name,
			device.PropSeqnum:    strconv.Itoa(seq),
		},
	}
}

func httpDo(t *testing.T, method, url string, payload []byte) (*http.Response, []byte) {
	t.Helper()
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, url, body)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, b
}
