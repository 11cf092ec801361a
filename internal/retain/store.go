package retain

import (
	"bytes"
	"os"
	"sync"
	"time"

	"github.com/trust-plc/strt/internal/fault"
	"github.com/trust-plc/strt/internal/value"
)

// Store is a retain storage backend: something that can load and persist a
// name->Value snapshot (spec §4.3 step 10, §6.5).
type Store interface {
	Load() (map[string]value.Value, error)
	Save(snapshot map[string]value.Value) error
}

// FileStore persists retain snapshots to a single file using the STRN wire
// format. Missing files load as an empty snapshot (first run).
type FileStore struct {
	Path string
}

// Load reads and decodes the file at s.Path, or returns an empty snapshot
// if it does not exist yet.
func (s *FileStore) Load() (map[string]value.Value, error) {
	b, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]value.Value{}, nil
		}
		return nil, fault.Wrap(fault.RetainStore, err, "read %s", s.Path)
	}
	snap, err := Decode(b)
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Save encodes snapshot and writes it to s.Path, replacing any prior
// contents.
func (s *FileStore) Save(snapshot map[string]value.Value) error {
	b, err := Encode(snapshot)
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.Path, b, 0o644); err != nil {
		return fault.Wrap(fault.RetainStore, err, "write %s", s.Path)
	}
	return nil
}

// Manager gates persistence behind a dirty flag and an optional save
// interval, and skips a write entirely when the snapshot is byte-identical
// to the last one saved (spec §8 R8: "saving an unchanged snapshot is a
// no-op").
type Manager struct {
	mu sync.Mutex

	store        Store
	saveInterval time.Duration
	hasInterval  bool
	lastSave     time.Duration
	dirty        bool
	lastEncoded  []byte
}

// Configure installs the backing store and save interval, resetting dirty
// and last-saved state. A zero interval with hasInterval true means "save
// every cycle the dirty flag is set".
func (m *Manager) Configure(store Store, interval time.Duration, hasInterval bool, now time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store = store
	m.saveInterval = interval
	m.hasInterval = hasInterval
	m.lastSave = now
	m.dirty = false
	m.lastEncoded = nil
}

// SetSaveInterval changes the save interval without touching store or dirty
// state.
func (m *Manager) SetSaveInterval(interval time.Duration, hasInterval bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveInterval = interval
	m.hasInterval = hasInterval
}

// MarkDirty records that a retain variable changed since the last save.
func (m *Manager) MarkDirty() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirty = true
}

// HasStore reports whether a backing Store is configured.
func (m *Manager) HasStore() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store != nil
}

// Load returns the store's persisted snapshot, or an empty snapshot if no
// store is configured.
func (m *Manager) Load() (map[string]value.Value, error) {
	m.mu.Lock()
	store := m.store
	m.mu.Unlock()
	if store == nil {
		return map[string]value.Value{}, nil
	}
	return store.Load()
}

// ShouldSave reports whether now's cycle should persist: a save interval
// must be configured, the snapshot must be dirty, and either the interval
// is zero (save every dirty cycle) or it has elapsed since the last save.
func (m *Manager) ShouldSave(now time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasInterval || !m.dirty {
		return false
	}
	if m.saveInterval <= 0 {
		return true
	}
	elapsed := now - m.lastSave
	if elapsed < 0 {
		elapsed = 0
	}
	return elapsed >= m.saveInterval
}

// SaveSnapshot persists snapshot through the configured store, skipping the
// write if it is byte-identical to the last snapshot saved, and clears the
// dirty flag on success either way.
func (m *Manager) SaveSnapshot(snapshot map[string]value.Value, now time.Duration) error {
	m.mu.Lock()
	store := m.store
	m.mu.Unlock()
	if store == nil {
		return nil
	}
	encoded, err := Encode(snapshot)
	if err != nil {
		return err
	}

	m.mu.Lock()
	unchanged := bytes.Equal(encoded, m.lastEncoded)
	m.mu.Unlock()
	if unchanged {
		m.mu.Lock()
		m.dirty = false
		m.lastSave = now
		m.mu.Unlock()
		return nil
	}

	if err := store.Save(snapshot); err != nil {
		return err
	}
	m.mu.Lock()
	m.lastEncoded = encoded
	m.dirty = false
	m.lastSave = now
	m.mu.Unlock()
	return nil
}
