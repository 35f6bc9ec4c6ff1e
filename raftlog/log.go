// Package raftlog implements the replicated log: an append-only, durable
// sequence of term/index-stamped entries carrying transaction payloads.
//
// Index 0 is a sentinel empty entry at term 0, so a fresh log still
// answers TermAt(0) and prevLogIndex checks without special cases.
package raftlog

import (
	"encoding/json"
	"errors"

	"github.com/Rustmilian/arangodb-sub000/pkg/xlog"
)

var logger = xlog.NewLogger("raftlog", xlog.INFO)

var (
	// ErrCompacted is returned for indices below the first kept entry.
	ErrCompacted = errors.New("raftlog: index compacted")

	// ErrUnavailable is returned for indices beyond the last entry.
	ErrUnavailable = errors.New("raftlog: index unavailable")
)

// Entry is one replicated log entry. Data is the serialized transaction
// payload; the log never inspects it.
type Entry struct {
	Index    uint64          `json:"index"`
	Term     uint64          `json:"term"`
	Data     json.RawMessage `json:"data,omitempty"`
	ClientID string          `json:"clientId,omitempty"`
}

// HardState is the durably persisted per-server vote state.
type HardState struct {
	Term     uint64 `json:"term"`
	VotedFor uint64 `json:"votedFor"`
}

// Log is the storage interface for the replicated log.
type Log interface {
	// Append appends entries after the current last index. Entry indices
	// must be contiguous with the existing log.
	Append(entries ...Entry) error

	// TruncateFrom removes all entries with index >= index.
	// The sentinel at index 0 is never removed.
	TruncateFrom(index uint64) error

	// Slice returns entries in [lo, hi). hi==0 means "to the end".
	Slice(lo, hi uint64) ([]Entry, error)

	// EntryAt returns the entry at index.
	EntryAt(index uint64) (Entry, error)

	// LastIndex returns the index of the last entry (0 when empty).
	LastIndex() uint64

	// TermAt returns the term of the entry at index.
	TermAt(index uint64) (uint64, error)

	// SaveHardState durably records term and vote.
	SaveHardState(st HardState) error

	// HardState returns the last saved hard state.
	HardState() (HardState, error)

	Close() error
}

func sentinel() Entry { return Entry{Index: 0, Term: 0} }
