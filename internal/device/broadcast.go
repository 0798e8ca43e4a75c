package device

import (
	"errors"
	"sync"
)

// Broadcaster publishes a processed (or failed) device to listeners.
type Broadcaster interface {
	Broadcast(dev *Device) error
}

// NopBroadcaster drops every device.
type NopBroadcaster struct{}

func (NopBroadcaster) Broadcast(*Device) error { return nil }

// MultiBroadcaster fans a device out to every sink and joins their errors.
type MultiBroadcaster []Broadcaster

func (m MultiBroadcaster) Broadcast(dev *Device) error {
	var errs []error
	for _, b := range m {
		if b == nil {
			continue
		}
		if err := b.Broadcast(dev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MemoryBroadcaster stores broadcast devices in-memory for tests.
type MemoryBroadcaster struct {
	mu      sync.Mutex
	devices []*Device
}

func NewMemoryBroadcaster() *MemoryBroadcaster { return &MemoryBroadcaster{} }

func (b *MemoryBroadcaster) Broadcast(dev *Device) error {
	b.mu.Lock()
	b.devices = append(b.devices, dev.Clone())
	b.mu.Unlock()
	return nil
}

func (b *MemoryBroadcaster) Devices() []*Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Device, len(b.devices))
	copy(out, b.devices)
	return out
}
