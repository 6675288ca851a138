// Package journal persists the last applied change-stream sequence per
// scope. Sessions consult it after a reconnect so redelivered events are
// discarded instead of double-counted.
package journal

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"
)

// Key layout: /cursor/{scopeKey} -> uint64 (little endian)
const prefixCursor = "/cursor/"

// Store is the applied-cursor contract. Advance is monotonic: attempts to
// move a cursor backwards are ignored.
type Store interface {
	Cursor(scopeKey string) uint64
	Advance(scopeKey string, seq uint64) error
	Close() error
}

// Journal is a Pebble-backed cursor store. Cursors are mirrored in memory
// for lock-cheap reads on the event path.
type Journal struct {
	db   *pebble.DB
	path string

	mu      sync.RWMutex
	cursors map[string]uint64
	closed  bool
}

// Open creates or opens a journal at the given path
func Open(path string) (*Journal, error) {
	opts := &pebble.Options{
		// Cursor writes are tiny and frequent; keep the memtable small
		MemTableSize:                4 << 20,
		MemTableStopWritesThreshold: 2,
		L0CompactionThreshold:       2,
		L0StopWritesThreshold:       8,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal at %s: %w", path, err)
	}

	j := &Journal{
		db:      db,
		path:    path,
		cursors: make(map[string]uint64),
	}

	if err := j.loadCursors(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load cursors: %w", err)
	}

	log.Debug().Str("path", path).Int("cursors", len(j.cursors)).Msg("Journal opened")
	return j, nil
}

func (j *Journal) loadCursors() error {
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefixCursor),
		UpperBound: []byte(prefixCursor + "\xff"),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		key := string(iter.Key())[len(prefixCursor):]
		val := iter.Value()
		if len(val) != 8 {
			return fmt.Errorf("invalid cursor value length for %s: %d", key, len(val))
		}
		j.cursors[key] = binary.LittleEndian.Uint64(val)
	}

	return iter.Error()
}

// Cursor returns the last applied sequence for a scope (0 = none recorded)
func (j *Journal) Cursor(scopeKey string) uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.cursors[scopeKey]
}

// Advance records seq as applied for the scope. Regressions are ignored so
// a replayed event can never move the watermark backwards.
func (j *Journal) Advance(scopeKey string, seq uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return fmt.Errorf("journal closed")
	}
	if seq <= j.cursors[scopeKey] {
		return nil
	}

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], seq)
	if err := j.db.Set([]byte(prefixCursor+scopeKey), buf[:], pebble.NoSync); err != nil {
		return fmt.Errorf("failed to persist cursor for %s: %w", scopeKey, err)
	}

	j.cursors[scopeKey] = seq
	return nil
}

// Close flushes and closes the underlying store
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true

	if err := j.db.Flush(); err != nil {
		log.Warn().Err(err).Msg("Failed to flush journal")
	}
	return j.db.Close()
}

// MemoryStore is a non-durable cursor store used when the journal is
// disabled and in tests.
type MemoryStore struct {
	mu      sync.RWMutex
	cursors map[string]uint64
}

// NewMemoryStore creates an empty in-memory cursor store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cursors: make(map[string]uint64)}
}

func (m *MemoryStore) Cursor(scopeKey string) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cursors[scopeKey]
}

func (m *MemoryStore) Advance(scopeKey string, seq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq > m.cursors[scopeKey] {
		m.cursors[scopeKey] = seq
	}
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}
