//go:build linux

package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// ErrNoCredentials is returned for datagrams that arrive without SCM_CREDENTIALS.
var ErrNoCredentials = errors.New("notify: datagram without sender credentials")

const maxDatagram = 4096

// Listener receives worker notifications on a unixgram socket with SO_PASSCRED.
type Listener struct {
	conn *net.UnixConn
	path string
	log  zerolog.Logger
}

// Listen binds path, replacing any stale socket left by a previous instance.
func Listen(path string, log zerolog.Logger) (*Listener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale notify socket: %w", err)
	}
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		return nil, fmt.Errorf("bind notify socket: %w", err)
	}
	raw, err := conn.SyscallConn()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	var serr error
	if err := raw.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_PASSCRED, 1)
	}); err != nil {
		serr = err
	}
	if serr != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("enable SO_PASSCRED: %w", serr)
	}
	return &Listener{conn: conn, path: path, log: log}, nil
}

func (l *Listener) Path() string { return l.path }

// Receive blocks for one datagram and returns it with the sender pid filled in.
func (l *Listener) Receive() (Message, error) {
	buf := make([]byte, maxDatagram)
	oob := make([]byte, unix.CmsgSpace(unix.SizeofUcred))
	n, oobn, _, _, err := l.conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return Message{}, err
	}
	scms, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return Message{}, fmt.Errorf("parse control message: %w", err)
	}
	pid := 0
	for i := range scms {
		cred, err := unix.ParseUnixCredentials(&scms[i])
		if err == nil {
			pid = int(cred.Pid)
			break
		}
	}
	if pid <= 0 {
		return Message{}, ErrNoCredentials
	}
	msg := Parse(buf[:n])
	msg.Pid = pid
	return msg, nil
}

// Run forwards messages to out until ctx is done.
func (l *Listener) Run(ctx context.Context, out chan<- Message) error {
	stop := context.AfterFunc(ctx, func() { _ = l.conn.Close() })
	defer stop()
	for {
		msg, err := l.Receive()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if errors.Is(err, ErrNoCredentials) {
				l.log.Warn().Msg("notify: ignoring datagram without credentials")
				continue
			}
			l.log.Warn().Err(err).Msg("notify: receive failed")
			continue
		}
		select {
		case out <- msg:
		case <-ctx.Done():
			return nil
		}
	}
}

// Close closes the socket and unlinks its path.
func (l *Listener) Close() error {
	err := l.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	if rerr := os.Remove(l.path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) && err == nil {
		err = rerr
	}
	return err
}
