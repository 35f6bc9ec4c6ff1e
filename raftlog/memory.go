package raftlog

import "sync"

// MemoryStore is an in-memory Log, used by tests and as the
// write-through cache of BoltStore.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
	hard    HardState
}

// NewMemoryStore returns a MemoryStore holding only the sentinel entry.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: []Entry{sentinel()}}
}

func (m *MemoryStore) Append(entries ...Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(entries...)
}

func (m *MemoryStore) appendLocked(entries ...Entry) error {
	for _, e := range entries {
		last := m.entries[len(m.entries)-1]
		if e.Index != last.Index+1 {
			logger.Panicf("append of entry %d after last index %d breaks contiguity", e.Index, last.Index)
		}
		m.entries = append(m.entries, e)
	}
	return nil
}

func (m *MemoryStore) TruncateFrom(index uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.truncateLocked(index)
}

func (m *MemoryStore) truncateLocked(index uint64) error {
	if index == 0 {
		index = 1 // keep the sentinel
	}
	if index <= m.entries[len(m.entries)-1].Index {
		m.entries = m.entries[:index]
	}
	return nil
}

func (m *MemoryStore) Slice(lo, hi uint64) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	last := m.entries[len(m.entries)-1].Index
	if hi == 0 || hi > last+1 {
		hi = last + 1
	}
	if lo > last {
		return nil, nil
	}
	out := make([]Entry, hi-lo)
	copy(out, m.entries[lo:hi])
	return out, nil
}

func (m *MemoryStore) EntryAt(index uint64) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if index > m.entries[len(m.entries)-1].Index {
		return Entry{}, ErrUnavailable
	}
	return m.entries[index], nil
}

func (m *MemoryStore) LastIndex() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[len(m.entries)-1].Index
}

func (m *MemoryStore) TermAt(index uint64) (uint64, error) {
	e, err := m.EntryAt(index)
	if err != nil {
		return 0, err
	}
	return e.Term, nil
}

func (m *MemoryStore) SaveHardState(st HardState) error {
	m.mu.Lock()
	m.hard = st
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) HardState() (HardState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hard, nil
}

func (m *MemoryStore) Close() error { return nil }
