package replica

import (
	"errors"
	"fmt"

	"replikv/internal/wire"
)

// ErrOutOfRange is returned when a log index names no entry.
var ErrOutOfRange = errors.New("log index out of range")

// LogStore is the ordered sequence of replicated entries. Indices are 1-based.
// Entries are never mutated in place; divergence between replicas is resolved
// by TruncateFrom followed by Append, which preserves the Log Matching
// invariant.
type LogStore interface {
	// Append adds entries after the current last index.
	Append(entries ...wire.LogEntry) error

	// TruncateFrom discards all entries at or after index.
	TruncateFrom(index uint64) error

	// EntryAt returns the entry at index.
	EntryAt(index uint64) (wire.LogEntry, error)

	// EntriesFrom returns all entries from index (inclusive) to the end.
	EntriesFrom(index uint64) ([]wire.LogEntry, error)

	// LastIndex returns the index of the last entry, 0 when the log is empty.
	LastIndex() uint64

	// TermAt returns the term of the entry at index. TermAt(0) is 0, the
	// sentinel "no entry" term used by prev-log checks. Indices past the end
	// also report 0.
	TermAt(index uint64) uint64

	Close() error
}

// StableStore is optionally implemented by log stores that can persist the
// replica's term and vote across restarts.
type StableStore interface {
	SaveTermAndVote(term uint64, votedFor string) error
	TermAndVote() (uint64, string, error)
}

// MemoryLog is the default in-memory LogStore. All state lives for the
// lifetime of the process, matching the system's durability model.
type MemoryLog struct {
	entries []wire.LogEntry
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (l *MemoryLog) Append(entries ...wire.LogEntry) error {
	l.entries = append(l.entries, entries...)
	return nil
}

func (l *MemoryLog) TruncateFrom(index uint64) error {
	if index == 0 {
		return fmt.Errorf("truncate from index 0: %w", ErrOutOfRange)
	}
	if index > uint64(len(l.entries)) {
		return nil
	}
	l.entries = l.entries[:index-1]
	return nil
}

func (l *MemoryLog) EntryAt(index uint64) (wire.LogEntry, error) {
	if index == 0 || index > uint64(len(l.entries)) {
		return wire.LogEntry{}, fmt.Errorf("entry at %d: %w", index, ErrOutOfRange)
	}
	return l.entries[index-1], nil
}

func (l *MemoryLog) EntriesFrom(index uint64) ([]wire.LogEntry, error) {
	if index == 0 {
		return nil, fmt.Errorf("entries from index 0: %w", ErrOutOfRange)
	}
	if index > uint64(len(l.entries)) {
		return nil, nil
	}
	// Copy so callers cannot alias the backing array across a truncation.
	out := make([]wire.LogEntry, uint64(len(l.entries))-index+1)
	copy(out, l.entries[index-1:])
	return out, nil
}

func (l *MemoryLog) LastIndex() uint64 {
	return uint64(len(l.entries))
}

func (l *MemoryLog) TermAt(index uint64) uint64 {
	if index == 0 || index > uint64(len(l.entries)) {
		return 0
	}
	return l.entries[index-1].Term
}

func (l *MemoryLog) Close() error { return nil }
