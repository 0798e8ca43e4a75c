package manager

import (
	"context"
	"sort"

	"udevd/internal/device"
)

// WatchEvent reports a close-after-write on a watched device node, or the
// kernel dropping the watch.
type WatchEvent struct {
	Path    string
	Ignored bool
}

// Watcher watches device nodes for writers closing them.
type Watcher interface {
	Add(path string) error
	Remove(path string) error
	Run(ctx context.Context, out chan<- WatchEvent) error
}

// watchEntry is one device whose node is watched.
type watchEntry struct {
	ID      string `json:"id"`
	DevPath string `json:"devpath"`
	Path    string `json:"path"`
	// Disk is the whole-disk devpath for block devices.
	Disk string `json:"disk,omitempty"`
}

type watchRegistry struct {
	byID   map[string]*watchEntry
	byPath map[string]*watchEntry
}

func newWatchRegistry() *watchRegistry {
	return &watchRegistry{byID: make(map[string]*watchEntry), byPath: make(map[string]*watchEntry)}
}

func (r *watchRegistry) put(e *watchEntry) {
	if old := r.byPath[e.Path]; old != nil {
		delete(r.byID, old.ID)
	}
	if old := r.byID[e.ID]; old != nil {
		delete(r.byPath, old.Path)
	}
	r.byID[e.ID] = e
	r.byPath[e.Path] = e
}

func (r *watchRegistry) delete(e *watchEntry) {
	if r.byID[e.ID] == e {
		delete(r.byID, e.ID)
	}
	if r.byPath[e.Path] == e {
		delete(r.byPath, e.Path)
	}
}

// list returns the entries sorted by path.
func (r *watchRegistry) list() []watchEntry {
	out := make([]watchEntry, 0, len(r.byPath))
	for _, e := range r.byPath {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// addWatch starts watching path on behalf of dev, replacing any previous
// watch of the same device.
func (m *Manager) addWatch(dev *device.Device, path string) {
	id := dev.ID()
	if id == "" || path == "" {
		return
	}
	m.removeWatch(dev)
	if m.cfg.Watcher == nil {
		return
	}
	if err := m.cfg.Watcher.Add(path); err != nil {
		m.log.Warn().Err(err).Str("path", path).Str("devpath", dev.DevPath).Msg("failed to add watch")
		return
	}
	e := &watchEntry{ID: id, DevPath: dev.DevPath, Path: path}
	if disk, ok := dev.WholeDisk(); ok {
		e.Disk = disk.DevPath
	}
	m.watches.put(e)
	m.log.Debug().Str("path", path).Str("devpath", dev.DevPath).Msg("watching device node")
}

func (m *Manager) removeWatch(dev *device.Device) {
	e := m.watches.byID[dev.ID()]
	if e == nil {
		return
	}
	m.watches.delete(e)
	if m.cfg.Watcher == nil {
		return
	}
	if err := m.cfg.Watcher.Remove(e.Path); err != nil {
		m.log.Debug().Err(err).Str("path", e.Path).Msg("failed to remove watch")
	}
}

// onWatchEvent treats a writer closing a watched node as the device having
// changed: a retry pending on the disk may proceed and a change uevent is
// synthesized.
func (m *Manager) onWatchEvent(we WatchEvent) {
	e := m.watches.byPath[we.Path]
	if e == nil {
		return
	}
	if we.Ignored {
		m.watches.delete(e)
		if m.cfg.Watcher != nil {
			_ = m.cfg.Watcher.Remove(e.Path)
		}
		return
	}
	if e.Disk != "" {
		m.unlockDisk(e.Disk)
	}
	if m.cfg.Synthesize == nil {
		return
	}
	m.log.Debug().Str("path", e.Path).Str("devpath", e.DevPath).Msg("device closed after writing, synthesizing change")
	if err := m.cfg.Synthesize(e.DevPath); err != nil {
		m.log.Warn().Err(err).Str("devpath", e.DevPath).Msg("failed to synthesize change event")
	}
}
