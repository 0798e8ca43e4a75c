package manager

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"udevd/internal/config"
)

// call runs fn on the event loop and waits for it.
func (m *Manager) call(ctx context.Context, fn func() error) error {
	var err error
	finished := make(chan struct{})
	run := func() {
		err = fn()
		close(finished)
	}
	select {
	case m.calls <- run:
	case <-m.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ping returns once the event loop has processed everything queued before it.
func (m *Manager) Ping(ctx context.Context) error {
	return m.call(ctx, func() error { return nil })
}

// Reload restarts the workers if the rules changed; force skips the checks.
func (m *Manager) Reload(ctx context.Context, force bool) error {
	return m.call(ctx, func() error {
		m.reload(force)
		return nil
	})
}

// SetLogLevel changes the log level of the daemon and of workers spawned from now on.
func (m *Manager) SetLogLevel(ctx context.Context, level string) error {
	lvl, err := config.ParseLogLevel(level)
	if err != nil {
		return ErrInvalidArgument(err.Error())
	}
	return m.call(ctx, func() error {
		zerolog.SetGlobalLevel(lvl)
		if m.logLevel == lvl.String() {
			return nil
		}
		m.logLevel = lvl.String()
		m.log.Info().Str("level", m.logLevel).Msg("log level changed")
		m.killWorkers(false)
		return nil
	})
}

// SetChildrenMax changes the worker limit; 0 restores the default.
func (m *Manager) SetChildrenMax(ctx context.Context, n int) error {
	if n < 0 {
		return ErrInvalidArgument("children_max must not be negative")
	}
	return m.call(ctx, func() error {
		if n == 0 {
			n = DefaultChildrenMax()
		}
		m.childrenMax = n
		m.log.Info().Int("children_max", n).Msg("worker limit changed")
		m.cfg.Notifier(m.statusLine())
		return nil
	})
}

// StopExecQueue pauses dispatching; queued events stay queued.
func (m *Manager) StopExecQueue(ctx context.Context) error {
	return m.call(ctx, func() error {
		m.stopExecQueue = true
		return nil
	})
}

// StartExecQueue resumes dispatching.
func (m *Manager) StartExecQueue(ctx context.Context) error {
	return m.call(ctx, func() error {
		m.stopExecQueue = false
		return nil
	})
}

// SetEnvironment adds properties to every device handed to a worker from now on.
func (m *Manager) SetEnvironment(ctx context.Context, env map[string]string) error {
	for k := range env {
		if k == "" || strings.ContainsAny(k, "=\n\x00") {
			return ErrInvalidArgument("invalid property name " + k)
		}
	}
	return m.call(ctx, func() error {
		for k, v := range env {
			m.properties[k] = v
		}
		m.killWorkers(false)
		return nil
	})
}

// UnsetEnvironment removes properties set with SetEnvironment.
func (m *Manager) UnsetEnvironment(ctx context.Context, keys []string) error {
	return m.call(ctx, func() error {
		for _, k := range keys {
			delete(m.properties, k)
		}
		m.killWorkers(false)
		return nil
	})
}

// Exit starts a shutdown, as SIGTERM does.
func (m *Manager) Exit(ctx context.Context) error {
	return m.call(ctx, func() error {
		m.exit()
		return nil
	})
}
