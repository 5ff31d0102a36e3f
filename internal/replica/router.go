package replica

import (
	"log"
	"time"

	"replikv/internal/wire"
)

// handleGet serves a read directly when leader; otherwise the client is
// redirected toward the current leader hint. A missing key is an explicit
// fail, distinguishable from a stored empty value.
func (r *Replica) handleGet(msg wire.Message) {
	if r.role != Leader {
		r.redirect(msg)
		return
	}

	value, ok := r.sm.Get(msg.Key)
	if !ok {
		r.send(msg.Src, wire.Message{
			Type:      wire.TypeFail,
			RequestID: msg.RequestID,
		})
		return
	}
	r.send(msg.Src, wire.Message{
		Type:      wire.TypeOK,
		RequestID: msg.RequestID,
		Value:     value,
	})
}

// handlePut appends the write to the log and starts replicating it. The
// client is answered only once the entry commits; the pending table maps the
// entry's log index back to the waiting client.
func (r *Replica) handlePut(msg wire.Message, now time.Time) {
	if r.role != Leader {
		r.redirect(msg)
		return
	}

	entry := wire.LogEntry{
		Term:      r.currentTerm,
		Client:    msg.Src,
		RequestID: msg.RequestID,
		Op:        wire.Op{Key: msg.Key, Value: msg.Value},
	}
	if err := r.logs.Append(entry); err != nil {
		log.Printf("[REPLICA-%s] [TERM-%d] Failed to append client write: %v", r.cfg.ID, r.currentTerm, err)
		r.send(msg.Src, wire.Message{
			Type:      wire.TypeFail,
			RequestID: msg.RequestID,
		})
		return
	}

	index := r.logs.LastIndex()
	r.pending[index] = pendingWrite{client: msg.Src, requestID: msg.RequestID, appended: now}
	log.Printf("[REPLICA-%s] [TERM-%d] Appended put %s=%s at index %d for client %s", r.cfg.ID, r.currentTerm, msg.Key, msg.Value, index, msg.Src)

	// A single-replica cluster commits on its own; otherwise replicate now
	// rather than waiting for the heartbeat cadence.
	if len(r.cfg.Peers) == 0 {
		r.advanceLeaderCommit(now)
		return
	}
	r.broadcastAppendEntries(now)
}

// ackCommitted answers every pending client write whose entry has committed.
// Each reply echoes the client's request id so responses correlate exactly
// once.
func (r *Replica) ackCommitted(now time.Time) {
	for index, w := range r.pending {
		if index > r.commitIndex {
			continue
		}
		r.send(w.client, wire.Message{
			Type:      wire.TypeOK,
			RequestID: w.requestID,
		})
		if r.met != nil {
			r.met.RecordCommandCommitted(now.Sub(w.appended))
		}
		delete(r.pending, index)
	}
}

// failPending answers every in-flight write with fail. Called when leadership
// is lost; the entries may still commit under the next leader, but this
// replica can no longer confirm them.
func (r *Replica) failPending() {
	for index, w := range r.pending {
		r.send(w.client, wire.Message{
			Type:      wire.TypeFail,
			RequestID: w.requestID,
		})
		delete(r.pending, index)
	}
}

// redirect steers the client toward the replica currently believed to be
// leader, or the unknown sentinel when there is none.
func (r *Replica) redirect(msg wire.Message) {
	r.send(msg.Src, wire.Message{
		Type:      wire.TypeRedirect,
		RequestID: msg.RequestID,
	})
}
