package replica

import (
	"errors"
	"log"
	"time"

	"replikv/internal/pubsub"
	"replikv/internal/wire"
)

// broadcastAppendEntries sends every follower the slice of log it is missing.
// With nothing outstanding the message degenerates to an empty heartbeat.
// Called on the heartbeat cadence and immediately after client writes.
func (r *Replica) broadcastAppendEntries(now time.Time) {
	for _, peer := range r.cfg.Peers {
		r.sendAppendEntries(peer)
	}
	r.lastHeartbeat = now
}

// sendAppendEntries ships entries from nextIndex[peer] onward, anchored by the
// index/term of the entry just before them so the follower can check Log
// Matching.
func (r *Replica) sendAppendEntries(peer ReplicaID) {
	next := r.nextIndex[peer]
	if next == 0 {
		next = 1
	}
	prevIndex := next - 1
	entries, err := r.logs.EntriesFrom(next)
	if err != nil {
		log.Printf("[REPLICA-%s] [TERM-%d] Failed to read log from %d: %v", r.cfg.ID, r.currentTerm, next, err)
		return
	}

	if r.met != nil {
		if len(entries) == 0 {
			r.met.RecordHeartbeat()
		} else {
			r.met.RecordAppendEntries()
		}
	}

	r.send(string(peer), wire.Message{
		Type:         wire.TypeAppendEntries,
		Term:         r.currentTerm,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  r.logs.TermAt(prevIndex),
		Entries:      entries,
		LeaderCommit: r.commitIndex,
	})
}

// handleAppendEntries is the follower side of replication. Acceptance
// truncates any divergent suffix and splices in the leader's entries, then
// advances the local commit index toward the leader's.
func (r *Replica) handleAppendEntries(msg wire.Message, now time.Time) {
	// Stale leader: ignore without reply.
	if msg.Term < r.currentTerm {
		return
	}
	if msg.Term > r.currentTerm {
		r.adoptTerm(msg.Term)
	} else if r.role == Candidate {
		// A valid leader exists for our own term; concede.
		r.becomeFollower()
	} else if r.role == Leader {
		// Two leaders cannot share a term; this message is bogus.
		r.dropMessage(msg, errTwoLeaders)
		return
	}

	r.setLeaderHint(ReplicaID(msg.Src))
	// Any append-entries from the current leader counts as a heartbeat.
	r.resetElectionDeadline(now)

	// Log too short: the leader must back off and retry from earlier.
	if msg.PrevLogIndex > r.logs.LastIndex() {
		log.Printf("[REPLICA-%s] [TERM-%d] Rejecting append: prevLogIndex %d beyond log end %d", r.cfg.ID, r.currentTerm, msg.PrevLogIndex, r.logs.LastIndex())
		r.replyAppend(msg.Src, false, 0)
		return
	}
	// Log mismatch at the anchor entry.
	if msg.PrevLogIndex > 0 && r.logs.TermAt(msg.PrevLogIndex) != msg.PrevLogTerm {
		log.Printf("[REPLICA-%s] [TERM-%d] Rejecting append: term mismatch at %d (have %d, leader says %d)", r.cfg.ID, r.currentTerm, msg.PrevLogIndex, r.logs.TermAt(msg.PrevLogIndex), msg.PrevLogTerm)
		r.replyAppend(msg.Src, false, 0)
		return
	}

	// Accepted: rewrite everything after the anchor with the leader's view.
	if len(msg.Entries) > 0 {
		if err := r.logs.TruncateFrom(msg.PrevLogIndex + 1); err != nil {
			log.Printf("[REPLICA-%s] [TERM-%d] Truncate at %d failed: %v", r.cfg.ID, r.currentTerm, msg.PrevLogIndex+1, err)
			r.replyAppend(msg.Src, false, 0)
			return
		}
		if err := r.logs.Append(msg.Entries...); err != nil {
			log.Printf("[REPLICA-%s] [TERM-%d] Append of %d entries failed: %v", r.cfg.ID, r.currentTerm, len(msg.Entries), err)
			r.replyAppend(msg.Src, false, 0)
			return
		}
	}

	matched := msg.PrevLogIndex + uint64(len(msg.Entries))
	r.advanceFollowerCommit(msg.LeaderCommit)
	r.replyAppend(msg.Src, true, matched)
}

var errTwoLeaders = errors.New("append-entries from a second leader in the same term")

func (r *Replica) replyAppend(dst string, success bool, matchIndex uint64) {
	r.send(dst, wire.Message{
		Type:       wire.TypeAppendEntriesResponse,
		Term:       r.currentTerm,
		Success:    success,
		MatchIndex: matchIndex,
	})
}

// advanceFollowerCommit moves the local commit index toward the leader's,
// capped by the local log length and kept monotone, then applies the newly
// committed entries.
func (r *Replica) advanceFollowerCommit(leaderCommit uint64) {
	limit := leaderCommit
	if last := r.logs.LastIndex(); last < limit {
		limit = last
	}
	if limit > r.commitIndex {
		r.setCommitIndex(limit)
	}
	r.applyCommitted()
}

// handleAppendEntriesResponse is the leader side bookkeeping: success advances
// the follower's match/next indices (and possibly the commit index), failure
// backs nextIndex off one step and retries immediately.
func (r *Replica) handleAppendEntriesResponse(msg wire.Message, now time.Time) {
	if msg.Term > r.currentTerm {
		r.adoptTerm(msg.Term)
		return
	}
	if r.role != Leader || msg.Term != r.currentTerm {
		return
	}

	peer := ReplicaID(msg.Src)
	if msg.Success {
		// Responses may arrive duplicated or reordered; match only advances.
		if msg.MatchIndex > r.matchIndex[peer] {
			r.matchIndex[peer] = msg.MatchIndex
		}
		r.nextIndex[peer] = r.matchIndex[peer] + 1
		r.advanceLeaderCommit(now)
		return
	}

	if r.nextIndex[peer] > 1 {
		r.nextIndex[peer]--
	}
	r.sendAppendEntries(peer)
}

// advanceLeaderCommit advances the commit index to the highest entry of the
// current term that a strict majority of replicas (self included) holds.
// Entries from prior terms commit only indirectly, covered by a later
// same-term commit.
func (r *Replica) advanceLeaderCommit(now time.Time) {
	last := r.logs.LastIndex()
	for n := r.commitIndex + 1; n <= last; n++ {
		if r.logs.TermAt(n) != r.currentTerm {
			continue
		}
		count := 1
		for _, peer := range r.cfg.Peers {
			if r.matchIndex[peer] >= n {
				count++
			}
		}
		if count >= r.majority() {
			r.setCommitIndex(n)
		}
	}
	r.applyCommitted()
	r.ackCommitted(now)
}

// setCommitIndex advances the commit index (monotone by construction) and
// publishes the commit.
func (r *Replica) setCommitIndex(index uint64) {
	r.commitIndex = index
	if r.bus != nil {
		pubsub.Publish(r.bus, pubsub.NewEvent(EntryCommitted, Commit{Index: index, Term: r.currentTerm}))
	}
}

// applyCommitted folds newly committed entries into the data store, strictly
// in log order. Application is idempotent: the store skips indices it has
// already seen.
func (r *Replica) applyCommitted() {
	last := r.logs.LastIndex()
	for r.lastApplied < r.commitIndex && r.lastApplied < last {
		next := r.lastApplied + 1
		entry, err := r.logs.EntryAt(next)
		if err != nil {
			log.Printf("[REPLICA-%s] [TERM-%d] Cannot apply index %d: %v", r.cfg.ID, r.currentTerm, next, err)
			return
		}
		r.sm.Apply(next, entry.Op.Key, entry.Op.Value)
		r.lastApplied = next
		if r.met != nil {
			r.met.RecordEntryApplied()
		}
	}
}
