package manager

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"udevd/internal/device"
)

// WorkerChannelFD is the descriptor on which a worker receives devices.
const WorkerChannelFD = 3

// ExecSpawner starts workers by re-executing a binary, normally the daemon
// itself with its hidden worker command. Each worker gets a private
// SOCK_SEQPACKET channel as fd 3; the manager holds the only other end.
type ExecSpawner struct {
	// Path defaults to the running executable.
	Path string
	Args []string
	// Env is the base environment; NOTIFY_SOCKET is appended.
	Env          []string
	NotifySocket string
}

func (s *ExecSpawner) Spawn(dev *device.Device, opts SpawnOptions) (Process, error) {
	path := s.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		path = exe
	}
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socketpair: %w", err)
	}
	parent := os.NewFile(uintptr(fds[0]), "worker-channel")
	child := os.NewFile(uintptr(fds[1]), "worker-channel")
	defer child.Close()

	p := &execProcess{fd: fds[0], file: parent}
	// The first device is queued before the worker exists.
	if err := p.Send(dev); err != nil {
		parent.Close()
		return nil, err
	}

	args := append([]string{}, s.Args...)
	if opts.LogLevel != "" {
		args = append(args, "--log-level", opts.LogLevel)
	}
	cmd := exec.Command(path, args...)
	cmd.Env = append(append([]string{}, s.Env...), "NOTIFY_SOCKET="+s.NotifySocket)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{child}
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGTERM}
	if err := cmd.Start(); err != nil {
		parent.Close()
		return nil, fmt.Errorf("start worker: %w", err)
	}
	p.cmd = cmd
	return p, nil
}

type execProcess struct {
	cmd     *exec.Cmd
	fd      int
	file    *os.File
	release sync.Once
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Send(dev *device.Device) error {
	if err := unix.Sendto(p.fd, dev.Bytes(), unix.MSG_DONTWAIT|unix.MSG_NOSIGNAL, nil); err != nil {
		return fmt.Errorf("send device: %w", err)
	}
	return nil
}

// Signal sends sig followed by SIGCONT so a stopped worker acts on it.
func (p *execProcess) Signal(sig syscall.Signal) error {
	if err := p.cmd.Process.Signal(sig); err != nil {
		return err
	}
	if sig != syscall.SIGKILL && sig != syscall.SIGCONT {
		_ = p.cmd.Process.Signal(syscall.SIGCONT)
	}
	return nil
}

func (p *execProcess) Wait() ExitStatus {
	err := p.cmd.Wait()
	ps := p.cmd.ProcessState
	if ps == nil {
		if err == nil {
			err = errors.New("no process state")
		}
		return ExitStatus{Err: err}
	}
	ws, ok := ps.Sys().(syscall.WaitStatus)
	if !ok {
		return ExitStatus{Code: ps.ExitCode()}
	}
	if ws.Signaled() {
		return ExitStatus{Signal: ws.Signal()}
	}
	return ExitStatus{Code: ws.ExitStatus()}
}

func (p *execProcess) Release() {
	p.release.Do(func() { _ = p.file.Close() })
}
