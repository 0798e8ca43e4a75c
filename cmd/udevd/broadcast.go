package main

import (
	"github.com/rs/zerolog"

	"udevd/internal/config"
	"udevd/internal/device"
)

// buildBroadcaster opens the configured sinks for processed devices. The
// returned close func releases them. A sink that cannot be opened is logged
// and skipped.
func buildBroadcaster(bc config.BroadcastConfig, clientID string, log zerolog.Logger) (device.Broadcaster, func()) {
	var sinks device.MultiBroadcaster
	var closers []func()
	if !bc.DisableNetlink {
		nb, err := device.NewNetlinkBroadcaster()
		if err != nil {
			log.Warn().Err(err).Msg("netlink broadcast disabled")
		} else {
			sinks = append(sinks, nb)
			closers = append(closers, func() { _ = nb.Close() })
		}
	}
	if m := bc.MQTT; m.Broker != "" {
		id := m.ClientID
		if id == "" {
			id = clientID
		}
		mb, client, err := device.DialMQTT(m.Broker, id, m.Topic, byte(m.QoS))
		if err != nil {
			log.Warn().Err(err).Str("broker", m.Broker).Msg("mqtt broadcast disabled")
		} else {
			sinks = append(sinks, mb)
			closers = append(closers, func() { client.Disconnect(250) })
		}
	}
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	if len(sinks) == 0 {
		return device.NopBroadcaster{}, closeAll
	}
	return sinks, closeAll
}
