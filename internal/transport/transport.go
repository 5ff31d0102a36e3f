// Package transport provides the message transports the consensus core runs
// over. The contract is deliberately weak: best-effort delivery, no ordering,
// no liveness. The core must tolerate loss, duplication and reordering.
package transport

import (
	"time"

	"replikv/internal/wire"
)

// Transport sends and receives addressed messages. Send is best-effort: the
// message may be dropped in flight and no error is reported for loss. The
// destination may be wire.Broadcast, meaning all other replicas.
type Transport interface {
	// Send delivers msg toward dst. Errors indicate a local problem
	// (unroutable destination, closed transport), never remote failure.
	Send(dst string, msg wire.Message) error

	// Receive returns all messages that arrived since the last call, waiting
	// at most timeout for the first one. It always returns within roughly the
	// timeout, possibly with an empty slice.
	Receive(timeout time.Duration) []wire.Message

	Close() error
}
