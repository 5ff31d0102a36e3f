package replica

import (
	"replikv/internal/pubsub"
)

// ReplicaID is the identity of a replica in the cluster.
type ReplicaID string

// Role is the state of a replica in the election state machine. A replica
// holds exactly one role at a time; transitions are driven only by term
// comparisons and vote/heartbeat outcomes.
type Role uint8

const (
	Follower Role = iota
	Candidate
	Leader
)

// String returns the string representation of the Role.
func (r Role) String() string {
	switch r {
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	default:
		return "Unknown"
	}
}

// Event types published on the pubsub bus by the consensus loop.
const (
	// RoleChanged is published on every role transition. Payload: RoleChange.
	RoleChanged pubsub.EventType = iota
	// LeaderChanged is published when the leader hint changes. Payload: LeaderChange.
	LeaderChanged
	// EntryCommitted is published when the commit index advances. Payload: Commit.
	EntryCommitted
)

// RoleChange travels with RoleChanged events.
type RoleChange struct {
	From Role
	To   Role
	Term uint64
}

// LeaderChange travels with LeaderChanged events.
type LeaderChange struct {
	Leader ReplicaID
	Term   uint64
}

// Commit travels with EntryCommitted events.
type Commit struct {
	Index uint64
	Term  uint64
}

// Status is a point-in-time snapshot of a replica's consensus state, published
// by the event loop for the inspection API.
type Status struct {
	ID          ReplicaID `json:"id"`
	Role        string    `json:"role"`
	Term        uint64    `json:"term"`
	Leader      ReplicaID `json:"leader"`
	CommitIndex uint64    `json:"commit_index"`
	LastApplied uint64    `json:"last_applied"`
	LastIndex   uint64    `json:"last_index"`
	ClusterSize int       `json:"cluster_size"`
}
