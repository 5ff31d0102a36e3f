// Package replica implements the consensus core of the replicated key-value
// store: leader election, log replication, client request routing and the
// single-threaded event loop that drives them.
//
// All consensus state is owned exclusively by the event loop. There is no
// intra-process concurrency to coordinate: messages are dispatched and timers
// checked strictly between transport polls, so the core needs no locks. The
// only shared surfaces are the state machine and the status snapshot, which
// carry their own guards for the inspection API.
package replica

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"replikv/internal/metrics"
	"replikv/internal/pubsub"
	"replikv/internal/statemachine"
	"replikv/internal/transport"
	"replikv/internal/wire"
)

// TimingConfig holds the protocol's wall-clock parameters.
type TimingConfig struct {
	// Election timeouts are drawn uniformly from [Min, Max] independently for
	// every election attempt, to minimize split-vote collisions.
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	// HeartbeatInterval is the cadence of leader append-entries broadcasts.
	HeartbeatInterval time.Duration
	// PollInterval bounds the transport receive wait, and therefore how often
	// the loop re-checks its timers.
	PollInterval time.Duration
}

// DefaultTimingConfig returns the timing recommended by the Raft paper for
// LAN-class links.
func DefaultTimingConfig() TimingConfig {
	return TimingConfig{
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		HeartbeatInterval:  50 * time.Millisecond,
		PollInterval:       10 * time.Millisecond,
	}
}

// Config configures a replica. Peers is the fixed set of other replica
// identities for the lifetime of the run; membership never changes.
type Config struct {
	ID     ReplicaID
	Peers  []ReplicaID
	Timing TimingConfig
	// Rand, when set, makes election timeouts deterministic in tests.
	Rand *rand.Rand
}

// pendingWrite tracks a client put that has been appended but not yet
// committed. The client is answered only once the entry commits.
type pendingWrite struct {
	client    string
	requestID string
	appended  time.Time
}

// Replica is one process's consensus state: the log, the derived data store,
// and the election/replication bookkeeping. It owns them exclusively; all
// cross-replica coordination happens via messages.
type Replica struct {
	cfg    Config
	tp     transport.Transport
	logs   LogStore
	sm     *statemachine.KVStore
	bus    *pubsub.Broker
	met    *metrics.Metrics
	rand   *rand.Rand
	stable StableStore

	role        Role
	currentTerm uint64
	votedFor    *ReplicaID
	leaderHint  ReplicaID
	votes       map[ReplicaID]bool

	commitIndex uint64
	lastApplied uint64
	nextIndex   map[ReplicaID]uint64
	matchIndex  map[ReplicaID]uint64

	pending map[uint64]pendingWrite

	electionDeadline time.Time
	lastHeartbeat    time.Time

	statusMu sync.RWMutex
	status   Status
}

// New creates a replica in the Follower role. The bus and metrics collector
// are optional. If the log store also implements StableStore, the persisted
// term and vote are restored.
func New(cfg Config, tp transport.Transport, logs LogStore, sm *statemachine.KVStore, bus *pubsub.Broker, met *metrics.Metrics) (*Replica, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("replica needs a non-empty ID")
	}
	if cfg.Timing.ElectionTimeoutMin == 0 {
		cfg.Timing = DefaultTimingConfig()
	}
	rnd := cfg.Rand
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	r := &Replica{
		cfg:        cfg,
		tp:         tp,
		logs:       logs,
		sm:         sm,
		bus:        bus,
		met:        met,
		rand:       rnd,
		role:       Follower,
		leaderHint: ReplicaID(wire.Broadcast),
		nextIndex:  make(map[ReplicaID]uint64),
		matchIndex: make(map[ReplicaID]uint64),
		pending:    make(map[uint64]pendingWrite),
	}

	if stable, ok := logs.(StableStore); ok {
		r.stable = stable
		term, voted, err := stable.TermAndVote()
		if err != nil {
			return nil, fmt.Errorf("failed to restore term and vote: %w", err)
		}
		r.currentTerm = term
		if voted != "" {
			id := ReplicaID(voted)
			r.votedFor = &id
		}
	}

	r.resetElectionDeadline(time.Now())
	r.syncStatus()
	return r, nil
}

// clusterSize is the total number of replicas, self included.
func (r *Replica) clusterSize() int {
	return len(r.cfg.Peers) + 1
}

// majority is the strict-majority quorum: with 5 replicas, 3.
func (r *Replica) majority() int {
	return r.clusterSize()/2 + 1
}

// send stamps the envelope with this replica's identity and leader hint and
// hands it to the transport. Delivery is best-effort; local send errors are
// logged, never fatal.
func (r *Replica) send(dst string, msg wire.Message) {
	msg.Src = string(r.cfg.ID)
	msg.Dst = dst
	msg.Leader = string(r.leaderHint)
	if err := r.tp.Send(dst, msg); err != nil {
		log.Printf("[REPLICA-%s] Send %s to %s failed: %v", r.cfg.ID, msg.Type, dst, err)
	}
}

// Run drives the replica until ctx is cancelled: poll the transport with a
// bounded wait, dispatch everything that arrived, then fire whichever timer
// has elapsed. All state mutation happens synchronously inside this loop.
func (r *Replica) Run(ctx context.Context) error {
	log.Printf("[REPLICA-%s] Event loop starting, peers=%v, cluster size %d", r.cfg.ID, r.cfg.Peers, r.clusterSize())
	r.resetElectionDeadline(time.Now())
	r.send(wire.Broadcast, wire.Message{Type: wire.TypeHello})

	for {
		if ctx.Err() != nil {
			log.Printf("[REPLICA-%s] Event loop stopping", r.cfg.ID)
			return nil
		}
		for _, msg := range r.tp.Receive(r.cfg.Timing.PollInterval) {
			r.dispatch(msg, time.Now())
		}
		r.tick(time.Now())
		r.syncStatus()
	}
}

// dispatch routes one inbound message to its handler. Malformed or unroutable
// messages are dropped with a log line; they never crash the loop.
func (r *Replica) dispatch(msg wire.Message, now time.Time) {
	if r.met != nil {
		r.met.RecordMessageReceived()
	}
	if err := msg.Validate(); err != nil {
		r.dropMessage(msg, err)
		return
	}
	if msg.Dst != string(r.cfg.ID) && msg.Dst != wire.Broadcast {
		r.dropMessage(msg, fmt.Errorf("not addressed to this replica"))
		return
	}

	switch msg.Type {
	case wire.TypeHello:
		log.Printf("[REPLICA-%s] Peer or client %s announced itself", r.cfg.ID, msg.Src)
	case wire.TypeGet:
		r.handleGet(msg)
	case wire.TypePut:
		r.handlePut(msg, now)
	case wire.TypeElectionAnnouncement:
		r.handleElectionAnnouncement(msg)
	case wire.TypeVoteRequest:
		r.handleVoteRequest(msg, now)
	case wire.TypeVote:
		r.handleVote(msg, now)
	case wire.TypeAppendEntries:
		r.handleAppendEntries(msg, now)
	case wire.TypeAppendEntriesResponse:
		r.handleAppendEntriesResponse(msg, now)
	default:
		// ok/fail/redirect are client-bound and carry nothing for a replica.
		r.dropMessage(msg, fmt.Errorf("unexpected kind for a replica"))
	}
}

func (r *Replica) dropMessage(msg wire.Message, err error) {
	if r.met != nil {
		r.met.RecordMessageDropped()
	}
	log.Printf("[REPLICA-%s] Dropping %q message from %s: %v", r.cfg.ID, msg.Type, msg.Src, err)
}

// tick checks the two wall-clock deadlines: the heartbeat cadence when leader,
// the election timeout otherwise.
func (r *Replica) tick(now time.Time) {
	if r.role == Leader {
		if now.Sub(r.lastHeartbeat) >= r.cfg.Timing.HeartbeatInterval {
			r.broadcastAppendEntries(now)
		}
		return
	}
	if now.After(r.electionDeadline) {
		r.startElection(now)
	}
}

// Status returns the latest snapshot published by the event loop. Safe for
// concurrent use.
func (r *Replica) Status() Status {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	return r.status
}

// syncStatus publishes the loop's state into the shared snapshot cell.
func (r *Replica) syncStatus() {
	s := Status{
		ID:          r.cfg.ID,
		Role:        r.role.String(),
		Term:        r.currentTerm,
		Leader:      r.leaderHint,
		CommitIndex: r.commitIndex,
		LastApplied: r.lastApplied,
		LastIndex:   r.logs.LastIndex(),
		ClusterSize: r.clusterSize(),
	}
	r.statusMu.Lock()
	r.status = s
	r.statusMu.Unlock()
}

// persistTermVote writes the current term and vote to stable storage when a
// durable backend is configured.
func (r *Replica) persistTermVote() {
	if r.stable == nil {
		return
	}
	voted := ""
	if r.votedFor != nil {
		voted = string(*r.votedFor)
	}
	if err := r.stable.SaveTermAndVote(r.currentTerm, voted); err != nil {
		log.Printf("[REPLICA-%s] Failed to persist term/vote: %v", r.cfg.ID, err)
	}
}

// setLeaderHint records the replica currently believed to be leader and
// publishes the change.
func (r *Replica) setLeaderHint(id ReplicaID) {
	if r.leaderHint == id {
		return
	}
	r.leaderHint = id
	if r.bus != nil {
		pubsub.Publish(r.bus, pubsub.NewEvent(LeaderChanged, LeaderChange{Leader: id, Term: r.currentTerm}))
	}
}
