package manager

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"udevd/internal/common/fsutil"
)

// serializedState is what a planned shutdown leaves for the next instance.
type serializedState struct {
	InvocationID string       `json:"invocation_id"`
	Watches      []watchEntry `json:"inotify_watch,omitempty"`
}

// serialize writes the state file under the runtime directory.
func (m *Manager) serialize() error {
	st := serializedState{InvocationID: m.invocationID, Watches: m.watches.list()}
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(m.serializationPath(), b, 0o600); err != nil {
		return fmt.Errorf("write serialization: %w", err)
	}
	m.log.Debug().Str("path", m.serializationPath()).Int("watches", len(st.Watches)).Msg("state serialized")
	return nil
}

// restore loads the state of a previous instance, from the inherited
// serialization fd if there is one, else from the state file, which is
// consumed.
func (m *Manager) restore() error {
	r := m.cfg.Serialized
	if r == nil {
		f, err := os.Open(m.serializationPath())
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		defer f.Close()
		defer func() { _ = fsutil.RemoveIfExists(m.serializationPath()) }()
		r = f
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read serialization: %w", err)
	}
	if len(b) == 0 {
		return nil
	}
	var st serializedState
	if err := json.Unmarshal(b, &st); err != nil {
		return fmt.Errorf("parse serialization: %w", err)
	}
	if st.InvocationID != "" {
		m.invocationID = st.InvocationID
	}
	for i := range st.Watches {
		e := st.Watches[i]
		if e.ID == "" || e.Path == "" {
			continue
		}
		if m.cfg.Watcher != nil {
			if err := m.cfg.Watcher.Add(e.Path); err != nil {
				m.log.Debug().Err(err).Str("path", e.Path).Msg("dropping stale watch")
				continue
			}
		}
		m.watches.put(&e)
	}
	m.log.Info().Str("invocation_id", m.invocationID).Int("watches", len(m.watches.byID)).Msg("restored state")
	return nil
}
