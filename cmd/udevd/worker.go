package main

import (
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"udevd/internal/config"
	"udevd/internal/manager"
	"udevd/internal/rules"
	"udevd/internal/worker"
)

func buildWorkerCmd(logLevel *string) *cobra.Command {
	var (
		rulesDir  string
		timeout   time.Duration
		noNetlink bool
		mqtt      config.MQTTConfig
	)
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Process devices handed over by the daemon",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(*logLevel).With().Str("component", "worker").Int("pid", os.Getpid()).Logger()

			set, err := rules.LoadDir(rulesDir)
			if err != nil {
				// devices still get answered and broadcast
				log.Error().Err(err).Str("dir", rulesDir).Msg("failed to load rules")
				set = nil
			}
			bcast, closeBcast := buildBroadcaster(config.BroadcastConfig{DisableNetlink: noNetlink, MQTT: mqtt},
				"udevd-worker-"+strconv.Itoa(os.Getpid()), log)
			defer closeBcast()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			w := worker.New(worker.Options{
				Channel:      os.NewFile(manager.WorkerChannelFD, "worker-channel"),
				NotifySocket: os.Getenv("NOTIFY_SOCKET"),
				Rules:        rules.NewEngine(set, nil, log),
				Broadcaster:  bcast,
				Timeout:      timeout,
				Logger:       log,
			})
			return w.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&rulesDir, "rules-dir", config.DefaultRulesDir, "Directory of rule files")
	cmd.Flags().DurationVar(&timeout, "timeout", config.DefaultEventTimeout, "Time limit for processing one device")
	cmd.Flags().BoolVar(&noNetlink, "no-netlink", false, "Do not broadcast processed devices on netlink")
	cmd.Flags().StringVar(&mqtt.Broker, "mqtt-broker", "", "MQTT broker to publish processed devices to")
	cmd.Flags().StringVar(&mqtt.Topic, "mqtt-topic", config.DefaultMQTTTopic, "MQTT topic prefix")
	cmd.Flags().IntVar(&mqtt.QoS, "mqtt-qos", 0, "MQTT quality of service")
	return cmd
}
