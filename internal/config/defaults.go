package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

const (
	DefaultRuntimeDir    = "/run/udev"
	DefaultRulesDir      = "/etc/udev/rules.d"
	DefaultEventTimeout  = 180 * time.Second
	DefaultExtraTimeout  = 10 * time.Second
	DefaultTimeoutSignal = "SIGKILL"
	DefaultLogLevel      = "info"
	DefaultMQTTTopic     = "udevd/device"

	// maxExtraTimeout caps SYSTEMD_UDEV_EXTRA_TIMEOUT_SEC.
	maxExtraTimeout = 5 * time.Hour
)

// DefaultChildrenMax mirrors the worker limit used when nothing is configured.
func DefaultChildrenMax() int { return 8 + 2*runtime.NumCPU() }

// WithDefaults returns a copy of c with every unset field filled in.
func (c Config) WithDefaults() Config {
	if c.ChildrenMax <= 0 {
		c.ChildrenMax = DefaultChildrenMax()
	}
	if c.EventTimeout <= 0 {
		c.EventTimeout = Duration(DefaultEventTimeout)
	}
	if c.ExtraTimeout <= 0 {
		c.ExtraTimeout = Duration(DefaultExtraTimeout)
	}
	if strings.TrimSpace(c.TimeoutSignal) == "" {
		c.TimeoutSignal = DefaultTimeoutSignal
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.RuntimeDir == "" {
		c.RuntimeDir = DefaultRuntimeDir
	}
	if c.RulesDir == "" {
		c.RulesDir = DefaultRulesDir
	}
	if c.ControlSocket == "" {
		c.ControlSocket = filepath.Join(c.RuntimeDir, "control")
	}
	if c.NotifySocket == "" {
		c.NotifySocket = filepath.Join(c.RuntimeDir, "notify")
	}
	if c.Broadcast.MQTT.Broker != "" && c.Broadcast.MQTT.Topic == "" {
		c.Broadcast.MQTT.Topic = DefaultMQTTTopic
	}
	return c
}

// Validate reports settings that cannot be used even after defaults.
func (c Config) Validate() error {
	if _, err := ParseSignal(c.TimeoutSignal); err != nil {
		return err
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if q := c.Broadcast.MQTT.QoS; q < 0 || q > 2 {
		return fmt.Errorf("invalid mqtt qos %d", q)
	}
	return nil
}

// ApplyEnv honours SYSTEMD_UDEV_EXTRA_TIMEOUT_SEC.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	v := strings.TrimSpace(getenv("SYSTEMD_UDEV_EXTRA_TIMEOUT_SEC"))
	if v == "" {
		return nil
	}
	d, err := ParseDuration(v)
	if err != nil {
		return fmt.Errorf("SYSTEMD_UDEV_EXTRA_TIMEOUT_SEC: %w", err)
	}
	if d > maxExtraTimeout {
		d = maxExtraTimeout
	}
	c.ExtraTimeout = Duration(d)
	return nil
}

// ParseSignal accepts a signal name with or without the SIG prefix, or its number.
func ParseSignal(s string) (syscall.Signal, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 || n >= 65 {
			return 0, fmt.Errorf("invalid signal number %d", n)
		}
		return syscall.Signal(n), nil
	}
	name := strings.ToUpper(s)
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	sig := unix.SignalNum(name)
	if sig == 0 {
		return 0, fmt.Errorf("unknown signal %q", s)
	}
	return sig, nil
}

// ParseLogLevel accepts zerolog level names and syslog priorities 0-7.
func ParseLogLevel(s string) (zerolog.Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil {
		switch {
		case n < 0 || n > 7:
			return zerolog.NoLevel, fmt.Errorf("invalid log priority %d", n)
		case n <= 3:
			return zerolog.ErrorLevel, nil
		case n == 4:
			return zerolog.WarnLevel, nil
		case n <= 6:
			return zerolog.InfoLevel, nil
		default:
			return zerolog.DebugLevel, nil
		}
	}
	switch s {
	case "err":
		return zerolog.ErrorLevel, nil
	case "warning":
		return zerolog.WarnLevel, nil
	case "notice":
		return zerolog.InfoLevel, nil
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || s == "" {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q", s)
	}
	return lvl, nil
}
