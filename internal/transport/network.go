package transport

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"replikv/internal/wire"
)

// Network is an in-memory message fabric for tests and simulations. Each
// attached node gets a buffered inbox; delivery can be configured to drop,
// delay or partition traffic to exercise the protocol under the same
// conditions the UDP medium produces.
type Network struct {
	mu         sync.Mutex
	inboxes    map[string]chan wire.Message
	dropRate   float64
	delayMin   time.Duration
	delayMax   time.Duration
	partitions map[string]map[string]bool
	rand       *rand.Rand
}

// NewNetwork creates an empty network with reliable, instant delivery.
func NewNetwork() *Network {
	return &Network{
		inboxes:    make(map[string]chan wire.Message),
		partitions: make(map[string]map[string]bool),
		rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetDropRate makes every delivery fail independently with probability rate.
func (n *Network) SetDropRate(rate float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropRate = rate
}

// SetDelay delivers messages after a random delay in [min, max].
func (n *Network) SetDelay(min, max time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.delayMin, n.delayMax = min, max
}

// Partition cuts delivery in both directions between a and b until Heal.
func (n *Network) Partition(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cut(a, b)
	n.cut(b, a)
}

// Heal restores delivery between a and b.
func (n *Network) Heal(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.partitions[a], b)
	delete(n.partitions[b], a)
}

func (n *Network) cut(from, to string) {
	if n.partitions[from] == nil {
		n.partitions[from] = make(map[string]bool)
	}
	n.partitions[from][to] = true
}

// Node attaches a new endpoint to the network and returns its transport.
func (n *Network) Node(id string) *NetworkNode {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.inboxes[id]; !ok {
		n.inboxes[id] = make(chan wire.Message, 1024)
	}
	return &NetworkNode{id: id, net: n}
}

func (n *Network) deliver(src, dst string, msg wire.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()

	targets := []string{dst}
	if dst == wire.Broadcast {
		targets = targets[:0]
		for id := range n.inboxes {
			if id != src {
				targets = append(targets, id)
			}
		}
	}

	for _, target := range targets {
		inbox, ok := n.inboxes[target]
		if !ok {
			continue
		}
		if n.partitions[src][target] {
			continue
		}
		if n.dropRate > 0 && n.rand.Float64() < n.dropRate {
			continue
		}
		if n.delayMax > 0 {
			delay := n.delayMin
			if n.delayMax > n.delayMin {
				delay += time.Duration(n.rand.Int63n(int64(n.delayMax - n.delayMin)))
			}
			time.AfterFunc(delay, func() {
				select {
				case inbox <- msg:
				default:
				}
			})
			continue
		}
		select {
		case inbox <- msg:
		default:
			// Inbox full: the medium drops, the protocol retries.
		}
	}
}

// NetworkNode is one endpoint's view of a Network. It implements Transport.
type NetworkNode struct {
	id  string
	net *Network
}

func (nn *NetworkNode) ID() string { return nn.id }

func (nn *NetworkNode) Send(dst string, msg wire.Message) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("refusing to send malformed message: %w", err)
	}
	nn.net.deliver(nn.id, dst, msg)
	return nil
}

func (nn *NetworkNode) Receive(timeout time.Duration) []wire.Message {
	nn.net.mu.Lock()
	inbox := nn.net.inboxes[nn.id]
	nn.net.mu.Unlock()

	var msgs []wire.Message
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case m := <-inbox:
			msgs = append(msgs, m)
		case <-timer.C:
			return nil
		}
	}

	// Drain whatever else is already queued.
	for {
		select {
		case m := <-inbox:
			msgs = append(msgs, m)
		default:
			return msgs
		}
	}
}

func (nn *NetworkNode) Close() error { return nil }
