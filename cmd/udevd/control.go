package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"udevd/internal/config"
	"udevd/internal/httpapi"
)

func buildControlCmd() *cobra.Command {
	var (
		socket  string
		timeout time.Duration
	)
	run := func(fn func(ctx context.Context, c *httpapi.Client) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return fn(ctx, httpapi.NewClient(socket, timeout))
		}
	}

	ctl := &cobra.Command{
		Use:   "control",
		Short: "Control the running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("control requires a subcommand: reload|log-level|children-max|stop-exec-queue|start-exec-queue|env|unset-env|exit|status|ping")
		},
	}
	ctl.PersistentFlags().StringVar(&socket, "socket", filepath.Join(config.DefaultRuntimeDir, "control"), "Control socket path")
	ctl.PersistentFlags().DurationVar(&timeout, "timeout", 60*time.Second, "How long to wait for the daemon")

	var force bool
	reload := &cobra.Command{Use: "reload", Short: "Reload rules and restart idle workers", Args: cobra.NoArgs,
		RunE: run(func(ctx context.Context, c *httpapi.Client) error { return c.Reload(ctx, force) })}
	reload.Flags().BoolVar(&force, "force", false, "Restart workers even if the rules did not change")

	logLevel := &cobra.Command{Use: "log-level LEVEL", Short: "Set the log level", Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, c *httpapi.Client) error { return c.SetLogLevel(ctx, args[0]) })(cmd, args)
		}}

	childrenMax := &cobra.Command{Use: "children-max N", Short: "Set the worker limit, 0 restores the default", Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil || n < 0 {
				return fmt.Errorf("invalid number %q", args[0])
			}
			return run(func(ctx context.Context, c *httpapi.Client) error { return c.SetChildrenMax(ctx, n) })(cmd, args)
		}}

	stopQueue := &cobra.Command{Use: "stop-exec-queue", Short: "Stop dispatching events", Args: cobra.NoArgs,
		RunE: run(func(ctx context.Context, c *httpapi.Client) error { return c.StopExecQueue(ctx) })}
	startQueue := &cobra.Command{Use: "start-exec-queue", Short: "Resume dispatching events", Args: cobra.NoArgs,
		RunE: run(func(ctx context.Context, c *httpapi.Client) error { return c.StartExecQueue(ctx) })}

	env := &cobra.Command{Use: "env KEY=VALUE...", Short: "Add properties to devices handed to workers", Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := parseAssignments(args)
			if err != nil {
				return err
			}
			return run(func(ctx context.Context, c *httpapi.Client) error { return c.SetEnvironment(ctx, set) })(cmd, args)
		}}
	unsetEnv := &cobra.Command{Use: "unset-env KEY...", Short: "Remove properties set with env", Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, c *httpapi.Client) error { return c.UnsetEnvironment(ctx, args) })(cmd, args)
		}}

	exit := &cobra.Command{Use: "exit", Short: "Stop the daemon after running events finish", Args: cobra.NoArgs,
		RunE: run(func(ctx context.Context, c *httpapi.Client) error { return c.Exit(ctx) })}
	ping := &cobra.Command{Use: "ping", Short: "Wait until the daemon has processed earlier requests", Args: cobra.NoArgs,
		RunE: run(func(ctx context.Context, c *httpapi.Client) error { return c.Ping(ctx) })}
	status := &cobra.Command{Use: "status", Short: "Print the queue, workers and settings as JSON", Args: cobra.NoArgs,
		RunE: run(func(ctx context.Context, c *httpapi.Client) error {
			st, err := c.Status(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		})}

	ctl.AddCommand(reload, logLevel, childrenMax, stopQueue, startQueue, env, unsetEnv, exit, ping, status)
	return ctl
}

// parseAssignments splits KEY=VALUE arguments.
func parseAssignments(args []string) (map[string]string, error) {
	out := make(map[string]string, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected KEY=VALUE, got %q", a)
		}
		out[k] = v
	}
	return out, nil
}
