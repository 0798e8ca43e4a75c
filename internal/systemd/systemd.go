// Package systemd adopts file descriptors passed by the service manager and
// reports daemon state back to it.
package systemd

import (
	"context"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"
)

// Names of the descriptors the daemon knows how to adopt. Matching is by
// suffix so unit name prefixes do not matter.
const (
	KernelSocket  = "kernel.socket"
	ControlSocket = "control.socket"
	Serialization = "serialization"
)

// Inherited holds the descriptors passed with LISTEN_FDS.
type Inherited struct {
	files []*os.File
}

// Inherit takes the descriptors passed to this process and clears the
// LISTEN_* variables so workers do not see them.
func Inherit() *Inherited {
	return &Inherited{files: activation.Files(true)}
}

// Take removes and returns the descriptor whose name ends in suffix.
func (in *Inherited) Take(suffix string) *os.File {
	for i, f := range in.files {
		if strings.HasSuffix(f.Name(), suffix) {
			in.files = append(in.files[:i], in.files[i+1:]...)
			return f
		}
	}
	return nil
}

// Names lists the descriptors not taken yet.
func (in *Inherited) Names() []string {
	out := make([]string, 0, len(in.files))
	for _, f := range in.files {
		out = append(out, f.Name())
	}
	sort.Strings(out)
	return out
}

// Close closes every descriptor nobody took.
func (in *Inherited) Close() {
	for _, f := range in.files {
		_ = f.Close()
	}
	in.files = nil
}

// Notifier sends state changes to the service manager. It is a no-op when
// NOTIFY_SOCKET is unset.
type Notifier struct {
	Log zerolog.Logger
	// send defaults to daemon.SdNotify.
	send func(state string) (bool, error)
}

func (n Notifier) Notify(state string) {
	send := n.send
	if send == nil {
		send = func(state string) (bool, error) { return daemon.SdNotify(false, state) }
	}
	if _, err := send(state); err != nil {
		n.Log.Debug().Err(err).Str("state", strings.ReplaceAll(state, "\n", " ")).Msg("sd_notify failed")
	}
}

// Watchdog pings the service manager at half the configured watchdog
// interval until ctx is done. It returns at once when no watchdog is set.
func (n Notifier) Watchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	n.watchdog(ctx, interval/2)
}

func (n Notifier) watchdog(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n.Notify(daemon.SdNotifyWatchdog)
		}
	}
}
