package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"udevd/internal/config"
	"udevd/internal/device"
	"udevd/internal/httpapi"
	"udevd/internal/manager"
	"udevd/internal/notify"
	"udevd/internal/systemd"
)

// runDaemon wires the event sources, the worker spawner and the control API
// around the manager and runs it until shutdown completes.
func runDaemon(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	timeoutSignal, err := config.ParseSignal(cfg.TimeoutSignal)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.RuntimeDir, 0o755); err != nil {
		return fmt.Errorf("create runtime dir: %w", err)
	}

	inherited := systemd.Inherit()
	defer inherited.Close()

	var mon *device.Monitor
	if f := inherited.Take(systemd.KernelSocket); f != nil {
		mon, err = device.AdoptMonitor(f, log)
	} else {
		mon, err = device.NewMonitor(log)
	}
	if err != nil {
		return err
	}
	defer mon.Close()

	notes, err := notify.Listen(cfg.NotifySocket, log)
	if err != nil {
		return err
	}
	defer notes.Close()

	ln, err := controlListener(inherited, cfg.ControlSocket)
	if err != nil {
		return err
	}
	defer ln.Close()

	var serialized *os.File
	if f := inherited.Take(systemd.Serialization); f != nil {
		serialized = f
		defer serialized.Close()
	}
	if names := inherited.Names(); len(names) > 0 {
		log.Warn().Strs("fds", names).Msg("closing unexpected inherited descriptors")
		inherited.Close()
	}

	bcast, closeBcast := buildBroadcaster(cfg.Broadcast, "udevd-"+strconv.Itoa(os.Getpid()), log)
	defer closeBcast()

	sd := systemd.Notifier{Log: log}
	mcfg := manager.ManagerConfig{
		ChildrenMax:   cfg.ChildrenMax,
		EventTimeout:  cfg.EventTimeout.Std(),
		ExtraTimeout:  cfg.ExtraTimeout.Std(),
		TimeoutSignal: timeoutSignal,
		LogLevel:      cfg.LogLevel,
		RuntimeDir:    cfg.RuntimeDir,
		RulesDir:      cfg.RulesDir,
		Properties:    cfg.Properties,
		Logger:        log,
		Spawner: &manager.ExecSpawner{
			Args:         workerArgs(cfg),
			Env:          workerEnv(os.Environ()),
			NotifySocket: cfg.NotifySocket,
		},
		Broadcaster: bcast,
		Monitor:     mon,
		Notify:      notes,
		Notifier:    sd.Notify,
		Synthesize:  manager.SysfsSynthesizer{}.Synthesize,
		Cgroup:      manager.DelegatedCgroup(),
	}
	if serialized != nil {
		mcfg.Serialized = serialized
	}
	if w, err := manager.NewInotifyWatcher(); err != nil {
		log.Warn().Err(err).Msg("inotify unavailable, device nodes are not watched")
	} else {
		mcfg.Watcher = w
	}
	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigs)
	mcfg.Signals = sigs

	mgr := manager.NewWithConfig(mcfg)

	srvCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()
	httpapi.SetLogger(log)
	httpapi.SetBaseContext(srvCtx)
	srvErr := make(chan error, 1)
	go func() { srvErr <- httpapi.Serve(srvCtx, ln, mgr) }()
	go sd.Watchdog(srvCtx)

	runErr := mgr.Run(ctx)
	stopServer()
	if err := <-srvErr; err != nil && !errors.Is(err, net.ErrClosed) {
		log.Warn().Err(err).Msg("control server stopped with error")
	}
	return runErr
}

// controlListener adopts the inherited control socket or binds path.
func controlListener(in *systemd.Inherited, path string) (net.Listener, error) {
	f := in.Take(systemd.ControlSocket)
	if f == nil {
		return httpapi.Listen(path)
	}
	defer f.Close()
	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("adopt control socket: %w", err)
	}
	return ln, nil
}

// workerArgs are the arguments of the hidden worker command. The spawner adds
// the current log level.
func workerArgs(cfg config.Config) []string {
	args := []string{"worker", "--rules-dir", cfg.RulesDir, "--timeout", cfg.EventTimeout.String()}
	if cfg.Broadcast.DisableNetlink {
		args = append(args, "--no-netlink")
	}
	if m := cfg.Broadcast.MQTT; m.Broker != "" {
		args = append(args, "--mqtt-broker", m.Broker, "--mqtt-topic", m.Topic, "--mqtt-qos", strconv.Itoa(m.QoS))
	}
	return args
}

// workerEnv drops what belongs to the daemon alone from environ.
func workerEnv(environ []string) []string {
	out := make([]string, 0, len(environ))
	for _, kv := range environ {
		k, _, _ := strings.Cut(kv, "=")
		switch {
		case k == "NOTIFY_SOCKET", k == "WATCHDOG_USEC", k == "WATCHDOG_PID", strings.HasPrefix(k, "LISTEN_"):
			continue
		}
		out = append(out, kv)
	}
	return out
}
