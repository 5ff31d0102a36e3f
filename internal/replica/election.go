package replica

import (
	"log"
	"time"

	"replikv/internal/pubsub"
	"replikv/internal/wire"
)

// randomElectionTimeout draws a fresh timeout from the configured range. A new
// value is drawn for every election attempt so repeated split votes decorrelate.
func (r *Replica) randomElectionTimeout() time.Duration {
	min := r.cfg.Timing.ElectionTimeoutMin
	max := r.cfg.Timing.ElectionTimeoutMax
	if max <= min {
		return min
	}
	return min + time.Duration(r.rand.Int63n(int64(max-min)))
}

// resetElectionDeadline pushes the election deadline out by a freshly drawn
// randomized timeout. Called on heartbeat receipt, vote grant and role change.
func (r *Replica) resetElectionDeadline(now time.Time) {
	r.electionDeadline = now.Add(r.randomElectionTimeout())
}

// startElection transitions Follower/Candidate -> Candidate for a new term:
// increment the term, vote for self, and ask every peer for its vote.
func (r *Replica) startElection(now time.Time) {
	r.currentTerm++
	r.setRole(Candidate)
	self := r.cfg.ID
	r.votedFor = &self
	r.votes = map[ReplicaID]bool{self: true}
	r.persistTermVote()
	r.resetElectionDeadline(now)

	log.Printf("[REPLICA-%s] [TERM-%d] Election timeout expired, starting election", r.cfg.ID, r.currentTerm)
	if r.met != nil {
		r.met.RecordElection()
	}

	lastIndex := r.logs.LastIndex()
	r.send(wire.Broadcast, wire.Message{
		Type: wire.TypeElectionAnnouncement,
		Term: r.currentTerm,
	})
	r.send(wire.Broadcast, wire.Message{
		Type:         wire.TypeVoteRequest,
		Term:         r.currentTerm,
		LastLogIndex: lastIndex,
		LastLogTerm:  r.logs.TermAt(lastIndex),
	})

	// A single-replica cluster wins its own election immediately.
	if len(r.votes) >= r.majority() {
		r.becomeLeader(now)
	}
}

// handleElectionAnnouncement only carries term information: a strictly higher
// term means another replica has moved ahead of us.
func (r *Replica) handleElectionAnnouncement(msg wire.Message) {
	if msg.Term > r.currentTerm {
		r.adoptTerm(msg.Term)
	}
}

// handleVoteRequest grants a vote iff the candidate's term is current, no vote
// has been cast this term (at most one vote per term), and the candidate's log
// is at least as recent as ours. Stale-term requests are ignored without a
// reply.
func (r *Replica) handleVoteRequest(msg wire.Message, now time.Time) {
	if msg.Term < r.currentTerm {
		return
	}
	if msg.Term > r.currentTerm {
		r.adoptTerm(msg.Term)
	}

	candidate := ReplicaID(msg.Src)
	granted := false
	if (r.votedFor == nil || *r.votedFor == candidate) && r.candidateLogRecent(msg) {
		granted = true
		r.votedFor = &candidate
		r.persistTermVote()
		r.resetElectionDeadline(now)
		if r.met != nil {
			r.met.RecordVoteGranted()
		}
		log.Printf("[REPLICA-%s] [TERM-%d] Granted vote to %s", r.cfg.ID, r.currentTerm, candidate)
	} else {
		log.Printf("[REPLICA-%s] [TERM-%d] Denied vote to %s (votedFor=%v)", r.cfg.ID, r.currentTerm, candidate, r.votedFor)
	}

	r.send(msg.Src, wire.Message{
		Type:    wire.TypeVote,
		Term:    r.currentTerm,
		Granted: granted,
	})
}

// candidateLogRecent reports whether the candidate's log is at least as
// up-to-date as ours: later last term wins, equal terms compare last index.
// This prevents electing a leader whose log is missing committed entries.
func (r *Replica) candidateLogRecent(msg wire.Message) bool {
	lastIndex := r.logs.LastIndex()
	lastTerm := r.logs.TermAt(lastIndex)
	if msg.LastLogTerm != lastTerm {
		return msg.LastLogTerm > lastTerm
	}
	return msg.LastLogIndex >= lastIndex
}

// handleVote counts a vote toward the current candidacy. Votes from other
// terms are ignored so vote counts stay mutually exclusive per term.
func (r *Replica) handleVote(msg wire.Message, now time.Time) {
	if msg.Term > r.currentTerm {
		r.adoptTerm(msg.Term)
		return
	}
	if r.role != Candidate || msg.Term != r.currentTerm || !msg.Granted {
		return
	}

	r.votes[ReplicaID(msg.Src)] = true
	log.Printf("[REPLICA-%s] [TERM-%d] Vote from %s (%d/%d needed)", r.cfg.ID, r.currentTerm, msg.Src, len(r.votes), r.majority())
	if len(r.votes) >= r.majority() {
		r.becomeLeader(now)
	}
}

// becomeLeader transitions Candidate -> Leader: reset per-follower replication
// state and immediately assert leadership with a heartbeat broadcast.
func (r *Replica) becomeLeader(now time.Time) {
	if r.role == Leader {
		return
	}
	log.Printf("[REPLICA-%s] [TERM-%d] Won election with %d votes, becoming leader", r.cfg.ID, r.currentTerm, len(r.votes))
	r.setRole(Leader)
	r.setLeaderHint(r.cfg.ID)

	next := r.logs.LastIndex() + 1
	for _, peer := range r.cfg.Peers {
		r.nextIndex[peer] = next
		r.matchIndex[peer] = 0
	}
	r.broadcastAppendEntries(now)
}

// adoptTerm handles a message bearing a strictly greater term: the term is
// adopted, the vote is reset, and whatever role we held collapses to Follower.
func (r *Replica) adoptTerm(term uint64) {
	r.currentTerm = term
	r.votedFor = nil
	r.persistTermVote()
	r.becomeFollower()
}

// becomeFollower drops to the Follower role. A leader stepping down fails its
// in-flight client writes; a new leader will answer the retries.
func (r *Replica) becomeFollower() {
	wasLeader := r.role == Leader
	r.setRole(Follower)
	r.votes = nil
	if wasLeader {
		r.failPending()
	}
}

// setRole applies a role transition and publishes it.
func (r *Replica) setRole(role Role) {
	if r.role == role {
		return
	}
	from := r.role
	r.role = role
	log.Printf("[REPLICA-%s] [TERM-%d] Role %s -> %s", r.cfg.ID, r.currentTerm, from, role)
	if r.bus != nil {
		pubsub.Publish(r.bus, pubsub.NewEvent(RoleChanged, RoleChange{From: from, To: role, Term: r.currentTerm}))
	}
}
