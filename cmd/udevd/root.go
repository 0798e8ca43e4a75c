package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"udevd/internal/config"
)

// daemonFlags are the command line overrides of the daemon configuration.
type daemonFlags struct {
	configPath   string
	childrenMax  int
	eventTimeout time.Duration
	runtimeDir   string
	rulesDir     string
}

// buildRootCmd constructs the command tree: the daemon itself, its hidden
// worker entry point and the control client.
func buildRootCmd() *cobra.Command {
	var f daemonFlags
	var logLevel string
	root := &cobra.Command{
		Use:           "udevd",
		Short:         "Device event manager",
		Long:          "udevd receives kernel device events, orders them by device dependencies and runs rules for each one in a pool of worker processes.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, warn, err := loadConfig(cmd, f, logLevel)
			if err != nil {
				return err
			}
			log := newLogger(cfg.LogLevel)
			if warn != nil {
				log.Warn().Err(warn).Msg("ignoring invalid settings")
			}
			return runDaemon(cmd.Context(), cfg, log)
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: trace|debug|info|warn|error or 0-7")
	root.Flags().StringVar(&f.configPath, "config", "", "Path to config file (yaml|json|toml)")
	root.Flags().IntVar(&f.childrenMax, "children-max", 0, "Maximum number of worker processes")
	root.Flags().DurationVar(&f.eventTimeout, "event-timeout", 0, "Time an event may run before its worker is killed")
	root.Flags().StringVar(&f.runtimeDir, "runtime-dir", "", "Directory for sockets, the queue marker and state (default "+config.DefaultRuntimeDir+")")
	root.Flags().StringVar(&f.rulesDir, "rules-dir", "", "Directory of rule files (default "+config.DefaultRulesDir+")")

	root.AddCommand(buildWorkerCmd(&logLevel), buildControlCmd())
	return root
}

// loadConfig layers defaults, the config file, the environment, the kernel
// command line and flags, in increasing precedence. Invalid kernel command
// line options are returned as warn and otherwise skipped.
func loadConfig(cmd *cobra.Command, f daemonFlags, logLevel string) (cfg config.Config, warn error, err error) {
	if f.configPath != "" {
		if cfg, err = config.Load(f.configPath); err != nil {
			return cfg, nil, fmt.Errorf("load config: %w", err)
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return cfg, nil, err
	}
	if cmdline, err := config.ReadKernelCmdline(); err == nil {
		warn = cfg.ApplyKernelCmdline(cmdline, config.InInitrd())
	}
	flags := cmd.Flags()
	if flags.Changed("children-max") {
		cfg.ChildrenMax = f.childrenMax
	}
	if flags.Changed("event-timeout") {
		cfg.EventTimeout = config.Duration(f.eventTimeout)
	}
	if flags.Changed("runtime-dir") {
		cfg.RuntimeDir = f.runtimeDir
	}
	if flags.Changed("rules-dir") {
		cfg.RulesDir = f.rulesDir
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, warn, err
	}
	return cfg, warn, nil
}

// newLogger returns the process logger and sets the global level from level.
func newLogger(level string) zerolog.Logger {
	lvl, err := config.ParseLogLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	return zerolog.New(os.Stderr).With().Timestamp().Str("component", "udevd").Logger()
}
