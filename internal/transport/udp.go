package transport

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"replikv/internal/wire"
)

const maxDatagramSize = 65507

// UDPTransport exchanges JSON datagrams over a single UDP socket. Replica
// peers are resolved once from the static cluster configuration; client
// addresses are learned from inbound traffic so replies can be routed back.
type UDPTransport struct {
	id   string
	conn *net.UDPConn

	peers map[string]*net.UDPAddr

	// mu guards learned. Receive and Send may be called from different
	// goroutines by clients of the package.
	mu      sync.RWMutex
	learned map[string]*net.UDPAddr
}

// NewUDP binds a UDP socket on listen and resolves the peer address table.
// A bind failure is the one unrecoverable startup error in the system.
func NewUDP(id, listen string, peers map[string]string) (*UDPTransport, error) {
	laddr, err := net.ResolveUDPAddr("udp", listen)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve listen address %q: %w", listen, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind %q: %w", listen, err)
	}

	resolved := make(map[string]*net.UDPAddr, len(peers))
	for peerID, addr := range peers {
		uaddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to resolve peer %s address %q: %w", peerID, addr, err)
		}
		resolved[peerID] = uaddr
	}

	return &UDPTransport{
		id:      id,
		conn:    conn,
		peers:   resolved,
		learned: make(map[string]*net.UDPAddr),
	}, nil
}

// Addr returns the bound local address.
func (t *UDPTransport) Addr() string {
	return t.conn.LocalAddr().String()
}

// Send encodes msg and writes it toward dst. Broadcast fans out to every
// configured peer. Unknown destinations are an error so the caller can log
// them; datagram loss past this point is silent.
func (t *UDPTransport) Send(dst string, msg wire.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	if dst == wire.Broadcast {
		for peerID, addr := range t.peers {
			if _, err := t.conn.WriteToUDP(data, addr); err != nil {
				log.Printf("[UDP-%s] Write to peer %s failed: %v", t.id, peerID, err)
			}
		}
		return nil
	}

	addr, ok := t.peers[dst]
	if !ok {
		t.mu.RLock()
		addr, ok = t.learned[dst]
		t.mu.RUnlock()
	}
	if !ok {
		return fmt.Errorf("no known address for %q", dst)
	}
	_, err = t.conn.WriteToUDP(data, addr)
	return err
}

// Receive reads datagrams until timeout elapses, decoding each into a Message.
// Malformed datagrams are logged and dropped. Sender addresses are recorded so
// later replies to that identity can be routed.
func (t *UDPTransport) Receive(timeout time.Duration) []wire.Message {
	deadline := time.Now().Add(timeout)
	buf := make([]byte, maxDatagramSize)
	var msgs []wire.Message

	for {
		if err := t.conn.SetReadDeadline(deadline); err != nil {
			return msgs
		}
		n, raddr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				return msgs
			}
			// Closed socket or transient read error: hand back what we have.
			return msgs
		}

		msg, err := wire.Decode(buf[:n])
		if err != nil {
			log.Printf("[UDP-%s] Dropping malformed datagram from %s: %v", t.id, raddr, err)
			continue
		}

		if _, isPeer := t.peers[msg.Src]; !isPeer {
			t.mu.Lock()
			t.learned[msg.Src] = raddr
			t.mu.Unlock()
		}
		msgs = append(msgs, msg)
	}
}

func (t *UDPTransport) Close() error {
	return t.conn.Close()
}
