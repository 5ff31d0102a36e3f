package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replikv/internal/wire"
)

// newUDPPair binds two loopback transports that know each other as peers.
func newUDPPair(t *testing.T) (*UDPTransport, *UDPTransport) {
	t.Helper()

	a, err := NewUDP("0000", "127.0.0.1:0", nil)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	b, err := NewUDP("0001", "127.0.0.1:0", map[string]string{"0000": a.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	a.peers["0001"], err = net.ResolveUDPAddr("udp", b.Addr())
	require.NoError(t, err)
	return a, b
}

func TestUDPSendReceive(t *testing.T) {
	a, b := newUDPPair(t)

	msg := wire.Message{Src: "0000", Dst: "0001", Leader: wire.Broadcast, Type: wire.TypeGet, RequestID: "r-1", Key: "k"}
	require.NoError(t, a.Send("0001", msg))

	msgs := b.Receive(time.Second)
	require.Len(t, msgs, 1)
	assert.Equal(t, msg, msgs[0])
}

func TestUDPBroadcastFansOutToPeers(t *testing.T) {
	a, b := newUDPPair(t)

	require.NoError(t, a.Send(wire.Broadcast, wire.Message{
		Src: "0000", Dst: wire.Broadcast, Leader: wire.Broadcast, Type: wire.TypeElectionAnnouncement, Term: 1,
	}))

	msgs := b.Receive(time.Second)
	require.Len(t, msgs, 1)
	assert.Equal(t, wire.TypeElectionAnnouncement, msgs[0].Type)
}

func TestUDPUnknownDestination(t *testing.T) {
	a, _ := newUDPPair(t)

	err := a.Send("nobody", wire.Message{Src: "0000", Dst: "nobody", Leader: wire.Broadcast, Type: wire.TypeOK})
	require.Error(t, err)
}

func TestUDPLearnsClientAddresses(t *testing.T) {
	a, _ := newUDPPair(t)

	client, err := NewUDP("client-1", "127.0.0.1:0", map[string]string{"0000": a.Addr()})
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Send("0000", wire.Message{
		Src: "client-1", Dst: "0000", Leader: wire.Broadcast, Type: wire.TypeGet, RequestID: "r-2", Key: "k",
	}))
	require.Len(t, a.Receive(time.Second), 1)

	// The reply routes over the address learned from the request.
	require.NoError(t, a.Send("client-1", wire.Message{
		Src: "0000", Dst: "client-1", Leader: "0000", Type: wire.TypeFail, RequestID: "r-2",
	}))
	msgs := client.Receive(time.Second)
	require.Len(t, msgs, 1)
	assert.Equal(t, wire.TypeFail, msgs[0].Type)
}

func TestUDPDropsMalformedDatagrams(t *testing.T) {
	a, b := newUDPPair(t)

	raddr, err := net.ResolveUDPAddr("udp", b.Addr())
	require.NoError(t, err)
	_, err = a.conn.WriteToUDP([]byte("not json"), raddr)
	require.NoError(t, err)

	assert.Empty(t, b.Receive(50*time.Millisecond))
}

func TestUDPReceiveTimeoutReturnsEmpty(t *testing.T) {
	a, _ := newUDPPair(t)

	start := time.Now()
	msgs := a.Receive(30 * time.Millisecond)
	assert.Empty(t, msgs)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestUDPBindFailure(t *testing.T) {
	a, _ := newUDPPair(t)

	_, err := NewUDP("0002", a.Addr(), nil)
	require.Error(t, err)
}
