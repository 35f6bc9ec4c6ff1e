package agency

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Rustmilian/arangodb-sub000/raftlog"
	"github.com/Rustmilian/arangodb-sub000/store"
)

// WriteMode controls leadership checking on writes.
type WriteMode int

const (
	// WriteModeNormal rejects writes unless this agent leads.
	WriteModeNormal WriteMode = iota

	// WriteModeBootstrap accepts a write before any leader exists,
	// used once to seed the configuration tree.
	WriteModeBootstrap
)

// WriteResult reports per-step log indices. Indices[i] == 0 means step i
// failed its preconditions and was not applied.
type WriteResult struct {
	Accepted bool
	Indices  []uint64
}

// WaitResult is the outcome of a blocking wait on the commit index.
type WaitResult int

const (
	// WaitCommitted means the commit index reached the target.
	WaitCommitted WaitResult = iota

	// WaitTimeout means the deadline elapsed first.
	WaitTimeout

	// WaitUnknown means leadership was lost; the caller must re-read
	// state instead of assuming anything about the target index.
	WaitUnknown
)

// State combines the three store views and the replicated log behind
// transactional operations.
//
// Lock order (strict, a later lock may only be taken while holding an
// earlier one): ioLock < logLock < outputLock < waitForMu.
// The transient store is guarded by its own internal lock, fully
// independent of the others, and is never taken under ioLock.
type State struct {
	// ioLock guards the spearhead: the leader's tentative view, ahead
	// of the committed state by the not-yet-replicated log suffix.
	ioLock    sync.Mutex
	spearhead *store.Store

	// logLock serializes structural log changes (append, truncate).
	logLock sync.Mutex
	log     raftlog.Log

	// outputLock guards readDB and commitIndex together: readers take
	// it shared and observe a snapshot consistent with commitIndex.
	outputLock  sync.RWMutex
	readDB      *store.Store
	commitIndex uint64

	// commitAtomic mirrors commitIndex for fast reads where a slightly
	// stale value is acceptable (heartbeats, quick checks).
	commitAtomic atomic.Uint64

	waitForMu sync.Mutex
	waitForCV *sync.Cond

	transient *store.Store

	polls *pollList

	term     atomic.Uint64
	leading  atomic.Bool
	leaderID atomic.Uint64

	// onAppend wakes the leader's replication loop after local appends.
	onAppend func()
}

// NewState returns a State over the given replicated log.
func NewState(log raftlog.Log) *State {
	s := &State{
		spearhead: store.New(),
		readDB:    store.New(),
		transient: store.New(),
		log:       log,
		polls:     newPollList(),
	}
	s.waitForCV = sync.NewCond(&s.waitForMu)
	return s
}

// CommitIndex returns the commit index without taking outputLock.
func (s *State) CommitIndex() uint64 { return s.commitAtomic.Load() }

// Leading returns true while this agent believes it leads.
func (s *State) Leading() bool { return s.leading.Load() }

// LeaderID returns the believed leader's id, 0 when unknown.
func (s *State) LeaderID() uint64 { return s.leaderID.Load() }

// Write applies the transaction to the spearhead and appends each
// accepted step to the replicated log. The leadership check and the
// term stamp both live under ioLock: step-down serializes on the same
// lock, so a transaction is appended entirely at the term it was
// accepted under, never partially at a successor's term.
func (s *State) Write(txn store.Transaction, mode WriteMode) WriteResult {
	s.ioLock.Lock()
	if mode != WriteModeBootstrap && !s.leading.Load() {
		s.ioLock.Unlock()
		return WriteResult{}
	}
	term := s.term.Load()

	indices := make([]uint64, len(txn))
	for i := range txn {
		if !s.spearhead.ApplyStep(txn[i]) {
			continue
		}
		data, err := json.Marshal(store.Transaction{txn[i]})
		if err != nil {
			logger.Panicf("cannot marshal accepted transaction step: %v", err)
		}

		s.logLock.Lock()
		index := s.log.LastIndex() + 1
		if err := s.log.Append(raftlog.Entry{
			Index:    index,
			Term:     term,
			Data:     data,
			ClientID: txn[i].ClientID,
		}); err != nil {
			s.logLock.Unlock()
			s.ioLock.Unlock()
			logger.Panicf("cannot append to replicated log: %v", err)
		}
		s.logLock.Unlock()
		indices[i] = index
	}
	s.ioLock.Unlock()

	if s.onAppend != nil {
		s.onAppend()
	}
	return WriteResult{Accepted: true, Indices: indices}
}

// Transact is Write with read-your-writes semantics: preconditions of
// later steps observe the effects of earlier steps, because both are
// evaluated against the spearhead.
func (s *State) Transact(txn store.Transaction) WriteResult {
	return s.Write(txn, WriteModeNormal)
}

// Read resolves queries against the committed state only.
func (s *State) Read(queries [][]string) []store.Value {
	s.outputLock.RLock()
	defer s.outputLock.RUnlock()
	return s.readDB.Read(queries)
}

// Inquire resolves queries against the spearhead, so a writer can
// observe its own uncommitted writes.
func (s *State) Inquire(queries [][]string) []store.Value {
	s.ioLock.Lock()
	defer s.ioLock.Unlock()
	return s.spearhead.Read(queries)
}

// ReadSnapshot returns a deep copy of the committed state.
func (s *State) ReadSnapshot() *store.Store {
	s.outputLock.RLock()
	defer s.outputLock.RUnlock()
	return s.readDB.Snapshot()
}

// ReadTransient resolves queries against the transient store.
func (s *State) ReadTransient(queries [][]string) []store.Value {
	return s.transient.Read(queries)
}

// TransientSnapshot returns a deep copy of the transient store.
func (s *State) TransientSnapshot() *store.Store {
	return s.transient.Snapshot()
}

// WriteTransient applies a transaction to the unreplicated transient
// store. Losing this data is never a correctness problem.
func (s *State) WriteTransient(txn store.Transaction) []bool {
	return s.transient.Apply(txn)
}

// Poll registers a long poll on the commit index. When this agent does
// not lead, it returns immediately with leading=false and the believed
// leader's id for redirection.
func (s *State) Poll(index uint64, timeout time.Duration) (<-chan PollResult, bool, uint64) {
	if !s.leading.Load() {
		return nil, false, s.leaderID.Load()
	}
	ch := s.polls.register(index, timeout)
	// the target may already be committed
	s.polls.notifyCommit(s.commitAtomic.Load())
	return ch, true, s.leaderID.Load()
}

// WaitFor blocks until the commit index reaches index, the timeout
// elapses, or leadership is lost.
func (s *State) WaitFor(index uint64, timeout time.Duration) WaitResult {
	if s.commitAtomic.Load() >= index {
		return WaitCommitted
	}

	deadline := time.Now().Add(timeout)
	wakeup := time.AfterFunc(timeout, func() {
		s.waitForMu.Lock()
		s.waitForCV.Broadcast()
		s.waitForMu.Unlock()
	})
	defer wakeup.Stop()

	s.waitForMu.Lock()
	defer s.waitForMu.Unlock()
	for {
		if s.commitAtomic.Load() >= index {
			return WaitCommitted
		}
		if !s.leading.Load() {
			return WaitUnknown
		}
		if !time.Now().Before(deadline) {
			return WaitTimeout
		}
		s.waitForCV.Wait()
	}
}

// followerAppend handles the log part of an append-entries RPC:
// log-matching check, conflict truncation, append. It returns success
// and this server's last log index as a resend hint.
func (s *State) followerAppend(req AppendRequest) (bool, uint64) {
	s.logLock.Lock()

	last := s.log.LastIndex()
	if req.PrevLogIndex > last {
		s.logLock.Unlock()
		return false, last
	}

	prevTerm, err := s.log.TermAt(req.PrevLogIndex)
	if err != nil || prevTerm != req.PrevLogTerm {
		if req.PrevLogIndex <= s.commitAtomic.Load() {
			logger.Panicf("log-matching failure at committed index %d", req.PrevLogIndex)
		}
		// drop the conflicting suffix; the leader retries with a
		// lower prevLogIndex
		s.log.TruncateFrom(req.PrevLogIndex)
		s.logLock.Unlock()
		return false, req.PrevLogIndex - 1
	}

	lastNew := req.PrevLogIndex
	for _, e := range req.Entries {
		if e.Index <= s.log.LastIndex() {
			term, err := s.log.TermAt(e.Index)
			if err == nil && term == e.Term {
				lastNew = e.Index
				continue // already have it
			}
			if e.Index <= s.commitAtomic.Load() {
				logger.Panicf("append-entries conflicts with committed entry %d", e.Index)
			}
			s.log.TruncateFrom(e.Index)
		}
		if err := s.log.Append(e); err != nil {
			s.logLock.Unlock()
			logger.Panicf("cannot append replicated entry %d: %v", e.Index, err)
		}
		lastNew = e.Index
	}
	lastIndex := s.log.LastIndex()
	s.logLock.Unlock()

	if commitTo := minUint64(req.LeaderCommit, lastNew); commitTo > s.commitAtomic.Load() {
		s.advanceCommitTo(commitTo)
	}
	return true, lastIndex
}

// advanceCommitTo applies committed entries to readDB and publishes the
// new commit index atomically with the condvar broadcast.
func (s *State) advanceCommitTo(index uint64) {
	s.outputLock.Lock()
	if index <= s.commitIndex {
		s.outputLock.Unlock()
		return
	}

	entries, err := s.log.Slice(s.commitIndex+1, index+1)
	if err != nil {
		s.outputLock.Unlock()
		logger.Panicf("cannot read committed entries (%d, %d]: %v", s.commitIndex, index, err)
	}
	for _, e := range entries {
		if len(e.Data) == 0 {
			continue // leader marker entry
		}
		var txn store.Transaction
		if err := json.Unmarshal(e.Data, &txn); err != nil {
			logger.Errorf("skipping corrupt transaction in committed entry %d: %v", e.Index, err)
			continue
		}
		for i, applied := range s.readDB.Apply(txn) {
			if !applied {
				// the leader applied this step to its spearhead, so a
				// deterministic replay cannot fail
				logger.Errorf("step %d of committed entry %d rejected on apply", i, e.Index)
			}
		}
	}

	s.waitForMu.Lock()
	s.commitIndex = index
	s.commitAtomic.Store(index)
	s.waitForCV.Broadcast()
	s.waitForMu.Unlock()
	s.outputLock.Unlock()

	s.polls.notifyCommit(index)
}

// appendMarker appends an empty entry of the new leader's term.
func (s *State) appendMarker(term uint64) {
	s.logLock.Lock()
	defer s.logLock.Unlock()
	if err := s.log.Append(raftlog.Entry{Index: s.log.LastIndex() + 1, Term: term}); err != nil {
		logger.Panicf("cannot append leader marker entry: %v", err)
	}
}

// becomeLeader rebuilds the spearhead from the committed state plus the
// uncommitted log suffix, then accepts writes.
func (s *State) becomeLeader(term uint64) {
	s.ioLock.Lock()
	s.term.Store(term)
	s.outputLock.RLock()
	snap := s.readDB.Snapshot()
	commit := s.commitIndex
	s.outputLock.RUnlock()

	entries, err := s.log.Slice(commit+1, 0)
	if err != nil {
		s.ioLock.Unlock()
		logger.Panicf("cannot read uncommitted log suffix: %v", err)
	}
	for _, e := range entries {
		if len(e.Data) == 0 {
			continue
		}
		var txn store.Transaction
		if err := json.Unmarshal(e.Data, &txn); err != nil {
			logger.Errorf("skipping corrupt transaction in entry %d: %v", e.Index, err)
			continue
		}
		snap.Apply(txn)
	}
	s.spearhead = snap
	s.leading.Store(true)
	s.ioLock.Unlock()
}

// becomeFollower stops accepting writes and unblocks every outstanding
// waiter with a failure result. Leaving them hanging would stall
// client-facing request threads. The term store and the leading flip
// happen under ioLock: a Write in flight on the deposed leader finishes
// appending at its own old term, which log matching truncates safely.
func (s *State) becomeFollower(term, leaderID uint64) {
	s.ioLock.Lock()
	s.term.Store(term)
	s.leaderID.Store(leaderID)
	wasLeading := s.leading.CompareAndSwap(true, false)
	s.ioLock.Unlock()

	if wasLeading {
		s.polls.failAll()
		s.waitForMu.Lock()
		s.waitForCV.Broadcast()
		s.waitForMu.Unlock()
	}
}

func minUint64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
