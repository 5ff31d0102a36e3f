// Package wire defines the message envelope exchanged between replicas and
// clients. Every datagram on the network is one JSON-encoded Message; the Type
// field selects which of the optional fields are meaningful.
package wire

import (
	"encoding/json"
	"fmt"
)

// Broadcast is the sentinel destination meaning "all other replicas". It is
// also used as the leader hint when no leader is known.
const Broadcast = "FFFF"

// Message kinds. Heartbeats are TypeAppendEntries messages with an empty
// Entries slice.
const (
	TypeHello                 = "hello"
	TypeGet                   = "get"
	TypePut                   = "put"
	TypeOK                    = "ok"
	TypeFail                  = "fail"
	TypeRedirect              = "redirect"
	TypeElectionAnnouncement  = "election_announcement"
	TypeVoteRequest           = "vote_request"
	TypeVote                  = "vote"
	TypeAppendEntries         = "append_entries"
	TypeAppendEntriesResponse = "append_entries_response"
)

// Op is the key-value operation carried by a log entry. Value is empty for
// operations that only name a key.
type Op struct {
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

// LogEntry is the wire form of a single replicated log entry. Entries are
// addressed by their 1-based position in the log and are immutable once
// appended.
type LogEntry struct {
	Term      uint64 `json:"term"`
	Client    string `json:"client"`
	RequestID string `json:"request_id"`
	Op        Op     `json:"op"`
}

// Message is the envelope for every protocol message. Src and Dst are replica
// or client identities; Leader is the sender's current leader hint (Broadcast
// when unknown). The remaining fields are kind-specific and omitted from the
// encoding when zero.
type Message struct {
	Src    string `json:"src"`
	Dst    string `json:"dst"`
	Leader string `json:"leader"`
	Type   string `json:"type"`

	// Client request/response fields.
	RequestID string `json:"request_id,omitempty"`
	Key       string `json:"key,omitempty"`
	Value     string `json:"value,omitempty"`

	// Election fields.
	Term         uint64 `json:"term,omitempty"`
	LastLogIndex uint64 `json:"last_log_index,omitempty"`
	LastLogTerm  uint64 `json:"last_log_term,omitempty"`
	Granted      bool   `json:"granted,omitempty"`

	// Replication fields.
	PrevLogIndex uint64     `json:"prev_log_index,omitempty"`
	PrevLogTerm  uint64     `json:"prev_log_term,omitempty"`
	Entries      []LogEntry `json:"entries,omitempty"`
	LeaderCommit uint64     `json:"leader_commit,omitempty"`
	Success      bool       `json:"success,omitempty"`
	MatchIndex   uint64     `json:"match_index,omitempty"`
}

var validTypes = map[string]bool{
	TypeHello:                 true,
	TypeGet:                   true,
	TypePut:                   true,
	TypeOK:                    true,
	TypeFail:                  true,
	TypeRedirect:              true,
	TypeElectionAnnouncement:  true,
	TypeVoteRequest:           true,
	TypeVote:                  true,
	TypeAppendEntries:         true,
	TypeAppendEntriesResponse: true,
}

// Validate reports whether the message carries enough structure to be routed.
// Malformed messages are dropped by the receiver, never fatal.
func (m *Message) Validate() error {
	if m.Src == "" || m.Dst == "" {
		return fmt.Errorf("message missing src or dst")
	}
	if !validTypes[m.Type] {
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}

// Encode serializes the message to its JSON wire form.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a datagram into a Message and validates its routing fields.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("failed to decode message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
