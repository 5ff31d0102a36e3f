// Package metrics collects in-memory counters and latency samples for the
// consensus protocol. It is exposed as JSON via the inspection API.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics records protocol activity. Counter methods are safe to call from any
// goroutine.
type Metrics struct {
	messagesReceived  atomic.Uint64
	messagesDropped   atomic.Uint64
	appendEntriesSent atomic.Uint64
	heartbeatsSent    atomic.Uint64
	votesGranted      atomic.Uint64
	electionsStarted  atomic.Uint64
	commandsCommitted atomic.Uint64
	entriesApplied    atomic.Uint64

	mu              sync.Mutex
	commitLatencies []time.Duration
	startTime       time.Time
}

// New creates a metrics collector.
func New() *Metrics {
	return &Metrics{
		commitLatencies: make([]time.Duration, 0, 1024),
		startTime:       time.Now(),
	}
}

func (m *Metrics) RecordMessageReceived() { m.messagesReceived.Add(1) }
func (m *Metrics) RecordMessageDropped()  { m.messagesDropped.Add(1) }
func (m *Metrics) RecordAppendEntries()   { m.appendEntriesSent.Add(1) }
func (m *Metrics) RecordHeartbeat()       { m.heartbeatsSent.Add(1) }
func (m *Metrics) RecordVoteGranted()     { m.votesGranted.Add(1) }
func (m *Metrics) RecordElection()        { m.electionsStarted.Add(1) }
func (m *Metrics) RecordEntryApplied()    { m.entriesApplied.Add(1) }

// RecordCommandCommitted records one committed client write and the latency
// from log append to commit.
func (m *Metrics) RecordCommandCommitted(latency time.Duration) {
	m.commandsCommitted.Add(1)
	m.mu.Lock()
	m.commitLatencies = append(m.commitLatencies, latency)
	m.mu.Unlock()
}

// Snapshot is a point-in-time serializable view of the collected metrics.
type Snapshot struct {
	UptimeSeconds     float64 `json:"uptime_seconds"`
	MessagesReceived  uint64  `json:"messages_received"`
	MessagesDropped   uint64  `json:"messages_dropped"`
	AppendEntriesSent uint64  `json:"append_entries_sent"`
	HeartbeatsSent    uint64  `json:"heartbeats_sent"`
	VotesGranted      uint64  `json:"votes_granted"`
	ElectionsStarted  uint64  `json:"elections_started"`
	CommandsCommitted uint64  `json:"commands_committed"`
	EntriesApplied    uint64  `json:"entries_applied"`

	CommitLatencyP50Ms float64 `json:"commit_latency_p50_ms"`
	CommitLatencyP99Ms float64 `json:"commit_latency_p99_ms"`
}

// TakeSnapshot returns the current values of all counters and latency
// percentiles.
func (m *Metrics) TakeSnapshot() Snapshot {
	snap := Snapshot{
		UptimeSeconds:     time.Since(m.startTime).Seconds(),
		MessagesReceived:  m.messagesReceived.Load(),
		MessagesDropped:   m.messagesDropped.Load(),
		AppendEntriesSent: m.appendEntriesSent.Load(),
		HeartbeatsSent:    m.heartbeatsSent.Load(),
		VotesGranted:      m.votesGranted.Load(),
		ElectionsStarted:  m.electionsStarted.Load(),
		CommandsCommitted: m.commandsCommitted.Load(),
		EntriesApplied:    m.entriesApplied.Load(),
	}

	m.mu.Lock()
	latencies := make([]time.Duration, len(m.commitLatencies))
	copy(latencies, m.commitLatencies)
	m.mu.Unlock()

	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		snap.CommitLatencyP50Ms = float64(percentile(latencies, 50)) / float64(time.Millisecond)
		snap.CommitLatencyP99Ms = float64(percentile(latencies, 99)) / float64(time.Millisecond)
	}
	return snap
}

// percentile returns the p-th percentile of a sorted sample.
func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := (len(sorted)*p + 99) / 100
	if idx > 0 {
		idx--
	}
	return sorted[idx]
}
