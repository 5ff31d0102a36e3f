// Package storage provides a bbolt-backed log store for replicas that want
// their log, term and vote to survive process restarts. It satisfies the same
// interface as the default in-memory log.
package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"replikv/internal/replica"
	"replikv/internal/wire"
)

var (
	logBucket  = []byte("log")
	metaBucket = []byte("meta")

	currentTermKey = []byte("current_term")
	votedForKey    = []byte("voted_for")
)

// BboltLog stores log entries keyed by their big-endian index, plus the
// replica's current term and vote in a metadata bucket. Entry indices are
// contiguous from 1, so the last key is the last index.
type BboltLog struct {
	conn *bbolt.DB

	// Cached so the hot accessors need no transaction. Loaded once at open;
	// the store is owned by a single event loop afterwards.
	lastIndex uint64
	lastTerm  uint64
}

var _ replica.LogStore = (*BboltLog)(nil)
var _ replica.StableStore = (*BboltLog)(nil)

// Open opens (or creates) the database at path.
func Open(path string) (*BboltLog, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	s := &BboltLog{conn: db}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(logBucket); err != nil {
			return fmt.Errorf("failed to create log bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(metaBucket); err != nil {
			return fmt.Errorf("failed to create meta bucket: %w", err)
		}

		cursor := tx.Bucket(logBucket).Cursor()
		k, v := cursor.Last()
		if k == nil {
			return nil
		}
		s.lastIndex = bytesToUint64(k)
		var entry wire.LogEntry
		if err := json.Unmarshal(v, &entry); err != nil {
			return fmt.Errorf("failed to decode last log entry: %w", err)
		}
		s.lastTerm = entry.Term
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BboltLog) Append(entries ...wire.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	err := s.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(logBucket)
		index := s.lastIndex
		for _, entry := range entries {
			index++
			data, err := json.Marshal(entry)
			if err != nil {
				return fmt.Errorf("failed to encode log entry: %w", err)
			}
			if err := bucket.Put(uint64ToBytes(index), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.lastIndex += uint64(len(entries))
	s.lastTerm = entries[len(entries)-1].Term
	return nil
}

func (s *BboltLog) TruncateFrom(index uint64) error {
	if index == 0 {
		return fmt.Errorf("truncate from index 0: %w", replica.ErrOutOfRange)
	}
	if index > s.lastIndex {
		return nil
	}
	err := s.conn.Update(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(logBucket).Cursor()
		for k, _ := cursor.Seek(uint64ToBytes(index)); k != nil; k, _ = cursor.Next() {
			if err := cursor.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.lastIndex = index - 1
	s.lastTerm = 0
	if s.lastIndex > 0 {
		entry, err := s.EntryAt(s.lastIndex)
		if err != nil {
			return err
		}
		s.lastTerm = entry.Term
	}
	return nil
}

func (s *BboltLog) EntryAt(index uint64) (wire.LogEntry, error) {
	if index == 0 || index > s.lastIndex {
		return wire.LogEntry{}, fmt.Errorf("entry at %d: %w", index, replica.ErrOutOfRange)
	}
	var entry wire.LogEntry
	err := s.conn.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(logBucket).Get(uint64ToBytes(index))
		if data == nil {
			return fmt.Errorf("entry at %d: %w", index, replica.ErrOutOfRange)
		}
		return json.Unmarshal(data, &entry)
	})
	return entry, err
}

func (s *BboltLog) EntriesFrom(index uint64) ([]wire.LogEntry, error) {
	if index == 0 {
		return nil, fmt.Errorf("entries from index 0: %w", replica.ErrOutOfRange)
	}
	var entries []wire.LogEntry
	err := s.conn.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(logBucket).Cursor()
		for k, v := cursor.Seek(uint64ToBytes(index)); k != nil; k, v = cursor.Next() {
			var entry wire.LogEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("failed to decode log entry %d: %w", bytesToUint64(k), err)
			}
			entries = append(entries, entry)
		}
		return nil
	})
	return entries, err
}

func (s *BboltLog) LastIndex() uint64 {
	return s.lastIndex
}

func (s *BboltLog) TermAt(index uint64) uint64 {
	if index == 0 || index > s.lastIndex {
		return 0
	}
	if index == s.lastIndex {
		return s.lastTerm
	}
	entry, err := s.EntryAt(index)
	if err != nil {
		return 0
	}
	return entry.Term
}

// SaveTermAndVote persists the replica's current term and vote. An empty
// votedFor clears the stored vote.
func (s *BboltLog) SaveTermAndVote(term uint64, votedFor string) error {
	return s.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(metaBucket)
		if err := bucket.Put(currentTermKey, uint64ToBytes(term)); err != nil {
			return err
		}
		if votedFor == "" {
			return bucket.Delete(votedForKey)
		}
		return bucket.Put(votedForKey, []byte(votedFor))
	})
}

// TermAndVote restores the persisted term and vote, zero values when none were
// saved.
func (s *BboltLog) TermAndVote() (uint64, string, error) {
	var term uint64
	var votedFor string
	err := s.conn.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(metaBucket)
		if data := bucket.Get(currentTermKey); data != nil {
			term = bytesToUint64(data)
		}
		if data := bucket.Get(votedForKey); data != nil {
			votedFor = string(data)
		}
		return nil
	})
	return term, votedFor, err
}

func (s *BboltLog) Close() error {
	return s.conn.Close()
}

func uint64ToBytes(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
