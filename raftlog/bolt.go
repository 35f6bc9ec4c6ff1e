package raftlog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/boltdb/bolt"
)

var (
	bucketLog   = []byte("log")
	bucketState = []byte("state")
	keyHard     = []byte("hard")
)

// BoltStore is a Log persisted in a bolt database. All reads are served
// from an in-memory copy loaded at open; writes go to bolt first and to
// the copy only after the transaction commits.
type BoltStore struct {
	mu  sync.Mutex
	db  *bolt.DB
	mem *MemoryStore
}

// OpenBoltStore opens (or creates) the log database at path and loads
// all persisted entries.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}

	s := &BoltStore{db: db, mem: NewMemoryStore()}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketLog); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketState)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}

	if err := s.load(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// load reads all entries and the hard state into the memory copy.
// A decode failure here is persisted-state corruption and is fatal to
// the caller, not skipped.
func (s *BoltStore) load() error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLog)
		c := b.Cursor()
		expected := uint64(1)
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("raftlog: corrupt entry at key %x: %w", k, err)
			}
			if e.Index != expected {
				return fmt.Errorf("raftlog: log gap, expected index %d got %d", expected, e.Index)
			}
			if err := s.mem.Append(e); err != nil {
				return err
			}
			expected++
		}

		if raw := tx.Bucket(bucketState).Get(keyHard); raw != nil {
			var st HardState
			if err := json.Unmarshal(raw, &st); err != nil {
				return fmt.Errorf("raftlog: corrupt hard state: %w", err)
			}
			s.mem.hard = st
		}
		return nil
	})
}

func indexKey(index uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, index)
	return k
}

func (s *BoltStore) Append(entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLog)
		for _, e := range entries {
			data, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := b.Put(indexKey(e.Index), data); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}
	return s.mem.Append(entries...)
}

func (s *BoltStore) TruncateFrom(index uint64) error {
	if index == 0 {
		index = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	last := s.mem.LastIndex()
	if index > last {
		return nil
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLog)
		for i := index; i <= last; i++ {
			if err := b.Delete(indexKey(i)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}
	return s.mem.TruncateFrom(index)
}

func (s *BoltStore) Slice(lo, hi uint64) ([]Entry, error) { return s.mem.Slice(lo, hi) }
func (s *BoltStore) EntryAt(index uint64) (Entry, error)  { return s.mem.EntryAt(index) }
func (s *BoltStore) LastIndex() uint64                    { return s.mem.LastIndex() }
func (s *BoltStore) TermAt(index uint64) (uint64, error)  { return s.mem.TermAt(index) }

func (s *BoltStore) SaveHardState(st HardState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketState).Put(keyHard, data)
	}); err != nil {
		return err
	}
	return s.mem.SaveHardState(st)
}

func (s *BoltStore) HardState() (HardState, error) { return s.mem.HardState() }

func (s *BoltStore) Close() error { return s.db.Close() }
