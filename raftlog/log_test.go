package raftlog

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func entry(index, term uint64) Entry {
	return Entry{Index: index, Term: term, Data: json.RawMessage(`[]`)}
}

func TestMemoryStoreAppendSlice(t *testing.T) {
	m := NewMemoryStore()
	require.Equal(t, uint64(0), m.LastIndex())

	require.NoError(t, m.Append(entry(1, 1), entry(2, 1), entry(3, 2)))
	require.Equal(t, uint64(3), m.LastIndex())

	term, err := m.TermAt(0)
	require.NoError(t, err)
	require.Equal(t, uint64(0), term)

	term, err = m.TermAt(3)
	require.NoError(t, err)
	require.Equal(t, uint64(2), term)

	_, err = m.TermAt(4)
	require.ErrorIs(t, err, ErrUnavailable)

	es, err := m.Slice(2, 0)
	require.NoError(t, err)
	require.Len(t, es, 2)
	require.Equal(t, uint64(2), es[0].Index)

	es, err = m.Slice(1, 3)
	require.NoError(t, err)
	require.Len(t, es, 2)
}

func TestMemoryStoreTruncate(t *testing.T) {
	m := NewMemoryStore()
	require.NoError(t, m.Append(entry(1, 1), entry(2, 1), entry(3, 1)))

	require.NoError(t, m.TruncateFrom(2))
	require.Equal(t, uint64(1), m.LastIndex())

	// re-append after truncation, as the conflict path does
	require.NoError(t, m.Append(entry(2, 2)))
	term, err := m.TermAt(2)
	require.NoError(t, err)
	require.Equal(t, uint64(2), term)

	// the sentinel survives a full truncation
	require.NoError(t, m.TruncateFrom(0))
	require.Equal(t, uint64(0), m.LastIndex())
	_, err = m.TermAt(0)
	require.NoError(t, err)
}

func TestMemoryStoreAppendGapPanics(t *testing.T) {
	m := NewMemoryStore()
	require.Panics(t, func() {
		m.Append(entry(5, 1))
	})
}

func TestBoltStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.db")

	s, err := OpenBoltStore(path)
	require.NoError(t, err)

	require.NoError(t, s.Append(entry(1, 1), entry(2, 1)))
	require.NoError(t, s.SaveHardState(HardState{Term: 3, VotedFor: 2}))
	require.NoError(t, s.Close())

	// reopen and verify everything survived
	s, err = OpenBoltStore(path)
	require.NoError(t, err)
	defer s.Close()

	require.Equal(t, uint64(2), s.LastIndex())
	st, err := s.HardState()
	require.NoError(t, err)
	require.Equal(t, HardState{Term: 3, VotedFor: 2}, st)

	e, err := s.EntryAt(2)
	require.NoError(t, err)
	require.Equal(t, uint64(1), e.Term)
}

func TestBoltStoreTruncatePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.db")

	s, err := OpenBoltStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Append(entry(1, 1), entry(2, 1), entry(3, 1)))
	require.NoError(t, s.TruncateFrom(3))
	require.NoError(t, s.Close())

	s, err = OpenBoltStore(path)
	require.NoError(t, err)
	defer s.Close()
	require.Equal(t, uint64(2), s.LastIndex())
}
