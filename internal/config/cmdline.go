package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	shellquote "github.com/kballard/go-shellquote"
)

// ReadKernelCmdline returns the contents of /proc/cmdline.
func ReadKernelCmdline() (string, error) {
	b, err := os.ReadFile("/proc/cmdline")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// InInitrd reports whether the process runs from an initrd.
func InInitrd() bool {
	_, err := os.Stat("/etc/initrd-release")
	return err == nil
}

// ApplyKernelCmdline overrides fields from udev.* options on the kernel command line.
// rd.udev.* options are honoured only when inInitrd is set. Unknown or malformed
// values are returned as a joined warning while the valid ones still apply.
func (c *Config) ApplyKernelCmdline(cmdline string, inInitrd bool) error {
	words, err := shellquote.Split(cmdline)
	if err != nil {
		words = strings.Fields(cmdline)
	}
	var bad []string
	for _, w := range words {
		key, value, hasValue := strings.Cut(w, "=")
		switch {
		case strings.HasPrefix(key, "rd.udev."):
			if !inInitrd {
				continue
			}
			key = strings.TrimPrefix(key, "rd.")
		case strings.HasPrefix(key, "udev."):
		default:
			continue
		}
		if !hasValue {
			bad = append(bad, key+": missing value")
			continue
		}
		if err := c.applyKernelOption(strings.TrimPrefix(key, "udev."), value); err != nil {
			bad = append(bad, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(bad) > 0 {
		return fmt.Errorf("kernel command line: %s", strings.Join(bad, "; "))
	}
	return nil
}

func (c *Config) applyKernelOption(key, value string) error {
	switch key {
	case "children_max", "children-max":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid number %q", value)
		}
		c.ChildrenMax = n
	case "event_timeout", "event-timeout":
		d, err := ParseDuration(value)
		if err != nil {
			return err
		}
		c.EventTimeout = Duration(d)
	case "timeout_signal", "timeout-signal":
		if _, err := ParseSignal(value); err != nil {
			return err
		}
		c.TimeoutSignal = value
	case "log_level", "log-level", "log_priority", "log-priority":
		if _, err := ParseLogLevel(value); err != nil {
			return err
		}
		c.LogLevel = value
	default:
		return fmt.Errorf("unknown option")
	}
	return nil
}
