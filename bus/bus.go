// Package bus - Best-effort publish/subscribe distribution of detection batches.
//
// Delivery is at-most-once: a message reaches every subscriber attached at
// the time it is broadcast, in publish order, unless that subscriber's queue
// is full, in which case the message is dropped for that subscriber only.
// Nothing is buffered for subscribers that attach later.
package bus

import "github.com/pkg/errors"

// DefaultHighWaterMark is the default per-subscriber queue length.
const DefaultHighWaterMark = 1000

var (
	// ErrClosed is returned by operations on a closed endpoint.
	ErrClosed = errors.New("bus: endpoint closed")
	// ErrSubscriberExists is returned when a subscription id is reused.
	ErrSubscriberExists = errors.New("bus: subscriber already exists")
)

// Broadcaster is the outbound side of a transport.
type Broadcaster interface {
	// Broadcast hands the message to every currently attached subscriber
	// without waiting for any of them.
	Broadcast(msg []byte) error
	// Close releases the endpoint.
	Close() error
}

// Subscriber is the inbound side of a transport.
type Subscriber interface {
	// Receive blocks until the next message arrives. It returns ErrClosed
	// once the subscriber has been closed. Any other error is transient and
	// callers may retry after a pause.
	Receive() ([]byte, error)
	// Close releases the endpoint and unblocks a pending Receive.
	Close() error
}

// SubscriberStats counts per-subscriber delivery outcomes.
type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
}
