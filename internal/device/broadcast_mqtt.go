package device

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

var (
	// ErrMQTTConnect is returned when the broker cannot be reached.
	ErrMQTTConnect = errors.New("mqtt: connection failed")
	// ErrMQTTPublish is returned when a publish does not complete.
	ErrMQTTPublish = errors.New("mqtt: publish failed")
)

const (
	mqttConnectTimeout = 5 * time.Second
	mqttPublishTimeout = 2 * time.Second
)

// MQTTPublisher is the subset of pahomqtt.Client used by MQTTBroadcaster.
type MQTTPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
}

// MQTTBroadcaster publishes devices as JSON to <topic>/<subsystem>/<action>.
type MQTTBroadcaster struct {
	client MQTTPublisher
	topic  string
	qos    byte
}

// mqttMessage is the JSON payload of a broadcast device.
type mqttMessage struct {
	Action     string            `json:"action"`
	DevPath    string            `json:"devpath"`
	Seqnum     uint64            `json:"seqnum,omitempty"`
	Failed     bool              `json:"failed,omitempty"`
	Properties map[string]string `json:"properties"`
}

// DialMQTT connects to broker and returns a broadcaster publishing under topic.
func DialMQTT(broker, clientID, topic string, qos byte) (*MQTTBroadcaster, pahomqtt.Client, error) {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(broker)
	if clientID != "" {
		opts.SetClientID(clientID)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(mqttConnectTimeout)
	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, nil, fmt.Errorf("%w: timeout after %v", ErrMQTTConnect, mqttConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrMQTTConnect, err)
	}
	return NewMQTTBroadcaster(client, topic, qos), client, nil
}

func NewMQTTBroadcaster(client MQTTPublisher, topic string, qos byte) *MQTTBroadcaster {
	return &MQTTBroadcaster{client: client, topic: strings.TrimSuffix(topic, "/"), qos: qos}
}

// Topic returns the topic a device is published on.
func (b *MQTTBroadcaster) Topic(dev *Device) string {
	subsystem := dev.Subsystem()
	if subsystem == "" {
		subsystem = "unknown"
	}
	return b.topic + "/" + subsystem + "/" + string(dev.Action)
}

func (b *MQTTBroadcaster) Broadcast(dev *Device) error {
	seq, _ := dev.Seqnum()
	payload, err := json.Marshal(mqttMessage{
		Action:     string(dev.Action),
		DevPath:    dev.DevPath,
		Seqnum:     seq,
		Failed:     dev.Failed(),
		Properties: dev.Env,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMQTTPublish, err)
	}
	token := b.client.Publish(b.Topic(dev), b.qos, false, payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrMQTTPublish, mqttPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrMQTTPublish, err)
	}
	return nil
}
