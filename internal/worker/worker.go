// Package worker is the process side of event handling: it receives devices
// from the manager over an inherited channel, applies the rules to each one
// and reports back on the notify socket.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"udevd/internal/device"
	"udevd/internal/notify"
	"udevd/internal/rules"
)

const maxPayload = 64 * 1024

// Options configures a worker process.
type Options struct {
	// Channel is the inherited SOCK_SEQPACKET end carrying devices.
	Channel *os.File
	// NotifySocket is where completion and watch requests are sent.
	NotifySocket string
	Rules        *rules.Engine
	Broadcaster  device.Broadcaster
	// Timeout bounds rule evaluation for one device, RUN programs included.
	Timeout time.Duration
	Logger  zerolog.Logger
	// Locker defaults to flock on the whole-disk node.
	Locker Locker
	// Notify defaults to sending to NotifySocket.
	Notify func(notify.Message) error
}

// Worker handles devices one at a time until its channel is closed.
type Worker struct {
	opts Options
	log  zerolog.Logger
}

func New(opts Options) *Worker {
	if opts.Rules == nil {
		opts.Rules = rules.NewEngine(nil, nil, opts.Logger)
	}
	if opts.Broadcaster == nil {
		opts.Broadcaster = device.NopBroadcaster{}
	}
	if opts.Locker == nil {
		opts.Locker = FlockLocker{}
	}
	if opts.Notify == nil {
		sock := opts.NotifySocket
		opts.Notify = func(m notify.Message) error { return notify.Send(sock, m) }
	}
	return &Worker{opts: opts, log: opts.Logger}
}

// Run reads devices from the channel until it reaches end of file or ctx is
// done. Both are a normal exit.
func (w *Worker) Run(ctx context.Context) error {
	if w.opts.Channel == nil {
		return errors.New("worker: no device channel")
	}
	fc, err := net.FileConn(w.opts.Channel)
	_ = w.opts.Channel.Close()
	if err != nil {
		return fmt.Errorf("worker: device channel: %w", err)
	}
	defer fc.Close()
	stop := context.AfterFunc(ctx, func() { _ = fc.Close() })
	defer stop()

	buf := make([]byte, maxPayload)
	for {
		n, err := fc.Read(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("worker: receive device: %w", err)
		}
		if n == 0 {
			return nil
		}
		dev, err := device.Parse(buf[:n])
		if err != nil {
			w.log.Error().Err(err).Msg("dropping undecodable device")
			// the manager still waits for an answer
			if err := w.opts.Notify(notify.Message{Kind: notify.KindDone}); err != nil {
				return err
			}
			continue
		}
		if err := w.Process(ctx, dev); err != nil {
			return err
		}
	}
}

// Process handles one device and reports the outcome. The returned error is
// only set when the manager could not be told.
func (w *Worker) Process(ctx context.Context, dev *device.Device) error {
	log := w.log.With().Str("action", string(dev.Action)).Str("devpath", dev.DevPath).
		Str("seqnum", dev.Property(device.PropSeqnum)).Logger()

	if disk, ok := dev.WholeDisk(); ok && dev.Action != device.ActionRemove {
		unlock, err := w.opts.Locker.Lock(disk.Node())
		switch {
		case errors.Is(err, ErrLocked):
			log.Debug().Str("disk", disk.Node()).Msg("disk is locked, asking to retry")
			return w.opts.Notify(notify.Message{Kind: notify.KindTryAgain})
		case err != nil:
			log.Debug().Err(err).Str("disk", disk.Node()).Msg("cannot lock disk, continuing")
		default:
			defer unlock()
		}
	}

	rctx := ctx
	if w.opts.Timeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, w.opts.Timeout)
		defer cancel()
	}
	start := time.Now()
	res, err := w.opts.Rules.Apply(rctx, dev)
	if err != nil {
		errno := syscall.EIO
		if errors.Is(err, context.DeadlineExceeded) {
			errno = syscall.ETIMEDOUT
		}
		dev.RecordErrno(errno)
		log.Warn().Err(err).Msg("rules failed")
	}
	log.Debug().Strs("rules", res.Matched).Dur("took", time.Since(start)).Msg("device processed")

	switch {
	case dev.Action == device.ActionRemove:
		if err := w.opts.Notify(notify.Message{Kind: notify.KindWatchRemove}); err != nil {
			return err
		}
	case res.Watch && dev.DevNode() != "":
		if err := w.opts.Notify(notify.Message{Kind: notify.KindWatchAdd, Path: dev.DevNode()}); err != nil {
			return err
		}
	}

	if err := w.opts.Broadcaster.Broadcast(dev); err != nil {
		log.Warn().Err(err).Msg("broadcast failed")
	}
	return w.opts.Notify(notify.Message{Kind: notify.KindDone})
}
