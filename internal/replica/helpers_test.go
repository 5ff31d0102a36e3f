package replica

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"replikv/internal/statemachine"
	"replikv/internal/transport"
	"replikv/internal/wire"
)

// newTestReplica wires a replica onto the in-memory network with a seeded
// random source so election timeouts are reproducible.
func newTestReplica(t *testing.T, net *transport.Network, id string, peers ...string) *Replica {
	t.Helper()

	peerIDs := make([]ReplicaID, 0, len(peers))
	for _, p := range peers {
		peerIDs = append(peerIDs, ReplicaID(p))
		// Attach the peer's inbox so traffic toward it is observable even
		// before the peer itself polls.
		net.Node(p)
	}

	r, err := New(Config{
		ID:    ReplicaID(id),
		Peers: peerIDs,
		Rand:  rand.New(rand.NewSource(int64(len(id)))),
	}, net.Node(id), NewMemoryLog(), statemachine.New(id), nil, nil)
	require.NoError(t, err)
	return r
}

// inbox drains everything queued for the given identity.
func inbox(net *transport.Network, id string) []wire.Message {
	return net.Node(id).Receive(0)
}

// ofType filters messages by kind.
func ofType(msgs []wire.Message, kind string) []wire.Message {
	var out []wire.Message
	for _, m := range msgs {
		if m.Type == kind {
			out = append(out, m)
		}
	}
	return out
}

// expireElection fires the replica's election timer as if the timeout had
// elapsed with no heartbeat.
func expireElection(r *Replica) {
	r.tick(r.electionDeadline.Add(time.Millisecond))
}

// grantVotes delivers granted votes from the named peers for the replica's
// current term.
func grantVotes(r *Replica, now time.Time, peers ...string) {
	for _, p := range peers {
		r.handleVote(wire.Message{
			Src:     p,
			Dst:     string(r.cfg.ID),
			Leader:  wire.Broadcast,
			Type:    wire.TypeVote,
			Term:    r.currentTerm,
			Granted: true,
		}, now)
	}
}

// cluster is a fully connected set of replicas on one in-memory network,
// pumped manually so tests stay deterministic.
type cluster struct {
	t        *testing.T
	net      *transport.Network
	ids      []string
	replicas map[string]*Replica
}

func newCluster(t *testing.T, ids ...string) *cluster {
	t.Helper()

	c := &cluster{
		t:        t,
		net:      transport.NewNetwork(),
		ids:      ids,
		replicas: make(map[string]*Replica),
	}
	for _, id := range ids {
		var peers []string
		for _, other := range ids {
			if other != id {
				peers = append(peers, other)
			}
		}
		c.replicas[id] = newTestReplica(t, c.net, id, peers...)
	}
	return c
}

// pump delivers queued messages round-robin until the network quiesces or the
// round budget runs out.
func (c *cluster) pump(rounds int, now time.Time) {
	for i := 0; i < rounds; i++ {
		busy := false
		for _, id := range c.ids {
			r := c.replicas[id]
			for _, msg := range r.tp.Receive(0) {
				busy = true
				r.dispatch(msg, now)
			}
		}
		if !busy {
			return
		}
	}
}

// leader returns the single replica currently in the Leader role, failing the
// test when there is none or more than one.
func (c *cluster) leader() *Replica {
	c.t.Helper()

	var leader *Replica
	for _, id := range c.ids {
		if c.replicas[id].role == Leader {
			require.Nil(c.t, leader, "two leaders alive at once")
			leader = c.replicas[id]
		}
	}
	require.NotNil(c.t, leader, "no leader elected")
	return leader
}
