package device

import (
	"path"
	"strconv"
	"strings"
)

// ID returns a stable identifier for the device: "b<maj>:<min>" or "c<maj>:<min>"
// for device nodes, "n<ifindex>" for network interfaces, "+<subsystem>:<sysname>"
// otherwise. Devices without a subsystem have no id.
func (d *Device) ID() string {
	subsystem := d.Subsystem()
	if subsystem == "" {
		return ""
	}
	if major, err := strconv.Atoi(d.Property(PropMajor)); err == nil && major > 0 {
		if minor, err := strconv.Atoi(d.Property(PropMinor)); err == nil && minor >= 0 {
			kind := "c"
			if subsystem == "block" {
				kind = "b"
			}
			return kind + strconv.Itoa(major) + ":" + strconv.Itoa(minor)
		}
	}
	if idx, err := strconv.Atoi(d.Property(PropIfIndex)); err == nil && idx > 0 {
		return "n" + strconv.Itoa(idx)
	}
	sysname := d.SysName()
	if sysname == "" {
		return ""
	}
	return "+" + subsystem + ":" + sysname
}

// WholeDisk identifies the disk that owns a block device.
type WholeDisk struct {
	DevPath string
	SysName string
}

// Node guesses the device node of the disk.
func (w WholeDisk) Node() string { return "/dev/" + w.SysName }

// WholeDisk returns the disk a block device belongs to: the device itself for
// disks, its parent for partitions. Device-mapper, md and drbd devices are
// never locked and report false.
func (d *Device) WholeDisk() (WholeDisk, bool) {
	if d.Subsystem() != "block" || d.DevPath == "" {
		return WholeDisk{}, false
	}
	var w WholeDisk
	switch d.DevType() {
	case "disk":
		w = WholeDisk{DevPath: d.DevPath, SysName: d.SysName()}
	case "partition":
		parent := path.Dir(d.DevPath)
		if parent == "/" || parent == "." {
			return WholeDisk{}, false
		}
		w = WholeDisk{DevPath: parent, SysName: strings.ReplaceAll(path.Base(parent), "!", "/")}
	default:
		return WholeDisk{}, false
	}
	for _, prefix := range []string{"dm-", "md", "drbd"} {
		if strings.HasPrefix(w.SysName, prefix) {
			return WholeDisk{}, false
		}
	}
	return w, true
}
