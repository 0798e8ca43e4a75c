// Package device models a kernel device event and the transports that carry it:
// the netlink Monitor that receives uevents and the Broadcasters that publish
// processed devices to listeners.
package device

import (
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/pilebones/go-udev/netlink"
)

// Action is the kernel object action of an event.
type Action = netlink.KObjAction

const (
	ActionAdd     = netlink.ADD
	ActionRemove  = netlink.REMOVE
	ActionChange  = netlink.CHANGE
	ActionMove    = netlink.MOVE
	ActionOnline  = netlink.ONLINE
	ActionOffline = netlink.OFFLINE
	ActionBind    = netlink.BIND
	ActionUnbind  = netlink.UNBIND
)

// Property keys carried by kernel uevents.
const (
	PropAction     = "ACTION"
	PropDevPath    = "DEVPATH"
	PropDevPathOld = "DEVPATH_OLD"
	PropSubsystem  = "SUBSYSTEM"
	PropDevType    = "DEVTYPE"
	PropDevName    = "DEVNAME"
	PropSeqnum     = "SEQNUM"
	PropMajor      = "MAJOR"
	PropMinor      = "MINOR"
	PropIfIndex    = "IFINDEX"
	PropDriver     = "DRIVER"
)

// Device is a single uevent: an action on a kernel object plus its properties.
type Device struct {
	Action  Action
	DevPath string
	Env     map[string]string
}

// FromUEvent copies a netlink uevent into a Device.
func FromUEvent(u netlink.UEvent) *Device {
	env := make(map[string]string, len(u.Env))
	for k, v := range u.Env {
		env[k] = v
	}
	d := &Device{Action: u.Action, DevPath: u.KObj, Env: env}
	if p := env[PropDevPath]; p != "" {
		d.DevPath = p
	}
	return d
}

// Parse decodes the kernel uevent wire format ("action@devpath\0KEY=value\0...").
func Parse(b []byte) (*Device, error) {
	u, err := netlink.ParseUEvent(b)
	if err != nil {
		return nil, fmt.Errorf("parse uevent: %w", err)
	}
	return FromUEvent(*u), nil
}

// UEvent converts the device back into its netlink form.
func (d *Device) UEvent() netlink.UEvent {
	env := make(map[string]string, len(d.Env)+2)
	for k, v := range d.Env {
		env[k] = v
	}
	env[PropAction] = string(d.Action)
	env[PropDevPath] = d.DevPath
	return netlink.UEvent{Action: d.Action, KObj: d.DevPath, Env: env}
}

// Bytes encodes the device in the kernel uevent wire format.
func (d *Device) Bytes() []byte { return d.UEvent().Bytes() }

// Clone returns a deep copy.
func (d *Device) Clone() *Device {
	env := make(map[string]string, len(d.Env))
	for k, v := range d.Env {
		env[k] = v
	}
	return &Device{Action: d.Action, DevPath: d.DevPath, Env: env}
}

func (d *Device) Property(key string) string {
	if d.Env == nil {
		return ""
	}
	return d.Env[key]
}

func (d *Device) SetProperty(key, value string) {
	if d.Env == nil {
		d.Env = make(map[string]string)
	}
	d.Env[key] = value
}

// Seqnum returns the kernel sequence number; zero means absent.
func (d *Device) Seqnum() (uint64, error) {
	s := d.Property(PropSeqnum)
	if s == "" {
		return 0, fmt.Errorf("missing %s", PropSeqnum)
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid %s %q", PropSeqnum, s)
	}
	return n, nil
}

func (d *Device) DevPathOld() string { return d.Property(PropDevPathOld) }
func (d *Device) Subsystem() string  { return d.Property(PropSubsystem) }
func (d *Device) DevType() string    { return d.Property(PropDevType) }

// SysName is the last devpath component with '!' mapped back to '/'.
func (d *Device) SysName() string {
	if d.DevPath == "" {
		return ""
	}
	return strings.ReplaceAll(path.Base(d.DevPath), "!", "/")
}

// DevNode returns the absolute device node path, or "" when the device has none.
func (d *Device) DevNode() string {
	n := d.Property(PropDevName)
	if n == "" {
		return ""
	}
	if strings.HasPrefix(n, "/") {
		return n
	}
	return "/dev/" + n
}

// Keys returns the property names in sorted order.
func (d *Device) Keys() []string {
	keys := make([]string, 0, len(d.Env))
	for k := range d.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Environ renders the properties as KEY=value pairs, sorted by key.
func (d *Device) Environ() []string {
	out := make([]string, 0, len(d.Env))
	for _, k := range d.Keys() {
		out = append(out, k+"="+d.Env[k])
	}
	return out
}

func (d *Device) String() string {
	seq := d.Property(PropSeqnum)
	if seq == "" {
		seq = "?"
	}
	return fmt.Sprintf("%s %s (SEQNUM=%s)", d.Action, d.DevPath, seq)
}

// ValidAction reports whether a is one of the kernel object actions.
func ValidAction(a Action) bool {
	_, err := netlink.ParseKObjAction(string(a))
	return err == nil
}
