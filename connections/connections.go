// Package connections delivers the packets devices send to the controller
// to the parties interested in them: in process sinks, such as the DNS
// engine, and external end points reached over TCP or HTTP. Each connection
// carries match criteria and only receives packets whose decoded state
// satisfies them.
package connections

import (
	"fmt"
	"io"

	"github.com/ciena/ofassay/criteria"
	"github.com/pkg/errors"
)

// QueueSize is the number of packets buffered for a queued connection
const QueueSize = 25

var (
	// ErrUninitialized is returned when a queued connection is used before
	// it is initialized
	ErrUninitialized = errors.New("connection not initialized")

	// ErrNotConnected is returned when writing to a connection that has no
	// underlying transport
	ErrNotConnected = errors.New("no connection established")
)

// Connection is a packet destination
type Connection interface {
	io.Writer
	fmt.Stringer
	Match(state criteria.Criteria) bool
}

// Queued is a connection that is written asynchronously, packets are queued
// and delivered by ListenAndSend
type Queued interface {
	Connection
	GetQueue() chan<- []byte
	ListenAndSend() error
	Close() error
}
