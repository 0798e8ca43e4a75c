package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the daemon and its workers.
// Zero values mean "unspecified" and are replaced by WithDefaults.
type Config struct {
	ChildrenMax   int               `json:"children_max" yaml:"children_max" toml:"children_max"`
	EventTimeout  Duration          `json:"event_timeout" yaml:"event_timeout" toml:"event_timeout"`
	ExtraTimeout  Duration          `json:"extra_timeout" yaml:"extra_timeout" toml:"extra_timeout"`
	TimeoutSignal string            `json:"timeout_signal" yaml:"timeout_signal" toml:"timeout_signal"`
	LogLevel      string            `json:"log_level" yaml:"log_level" toml:"log_level"`
	RuntimeDir    string            `json:"runtime_dir" yaml:"runtime_dir" toml:"runtime_dir"`
	RulesDir      string            `json:"rules_dir" yaml:"rules_dir" toml:"rules_dir"`
	ControlSocket string            `json:"control_socket" yaml:"control_socket" toml:"control_socket"`
	NotifySocket  string            `json:"notify_socket" yaml:"notify_socket" toml:"notify_socket"`
	Properties    map[string]string `json:"properties" yaml:"properties" toml:"properties"`
	Broadcast     BroadcastConfig   `json:"broadcast" yaml:"broadcast" toml:"broadcast"`
}

// BroadcastConfig selects where processed devices are published.
type BroadcastConfig struct {
	DisableNetlink bool       `json:"disable_netlink" yaml:"disable_netlink" toml:"disable_netlink"`
	MQTT           MQTTConfig `json:"mqtt" yaml:"mqtt" toml:"mqtt"`
}

// MQTTConfig enables the MQTT sink when Broker is set.
type MQTTConfig struct {
	Broker   string `json:"broker" yaml:"broker" toml:"broker"`
	Topic    string `json:"topic" yaml:"topic" toml:"topic"`
	ClientID string `json:"client_id" yaml:"client_id" toml:"client_id"`
	QoS      int    `json:"qos" yaml:"qos" toml:"qos"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}
