package connections

import (
	"fmt"
	"net"
	"sync"

	"github.com/ciena/ofassay/criteria"
	log "github.com/sirupsen/logrus"
)

// TCPConnection is the TCP based connection implementation. The connection is
// represented as a net.Conn
type TCPConnection struct {
	Connection net.Conn
	Criteria   criteria.Criteria
	queue      chan []byte
	closeOnce  sync.Once
}

// Initialize makes sure private members, that can't function from
// zero state, are set correctly
func (c *TCPConnection) Initialize() *TCPConnection {
	c.queue = make(chan []byte, QueueSize)
	return c
}

// GetQueue returns the channel used to queue messages up for delivery
func (c *TCPConnection) GetQueue() chan<- []byte {
	return c.queue
}

// ListenAndSend listens for and processes messages to the target end point
// over the connection until the connection is closed
func (c *TCPConnection) ListenAndSend() error {

	// If queue not created, error out
	if c.queue == nil {
		log.
			WithError(ErrUninitialized).
			Error("MUST initialize connection before use")
		return ErrUninitialized
	}
	for message := range c.queue {
		if log.GetLevel() >= log.DebugLevel {
			log.
				WithFields(log.Fields{
					"data": fmt.Sprintf("%02x", message),
				}).
				Debug("send queued message")
		}
		if _, err := c.Write(message); err != nil {
			log.
				WithError(err).
				WithFields(log.Fields{
					"target": c.String(),
				}).
				Error("failed sending queued message")
		}
	}
	return nil
}

// Close stops ListenAndSend and closes the underlying connection
func (c *TCPConnection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.queue != nil {
			close(c.queue)
		}
		if c.Connection != nil {
			err = c.Connection.Close()
		}
	})
	return err
}

// Connection in string form
func (c *TCPConnection) String() string {
	remote := "<nil>"
	if c.Connection != nil {
		remote = c.Connection.RemoteAddr().String()
	}
	if c.queue == nil {
		return fmt.Sprintf("(%s, %d)", remote, -1)
	}
	return fmt.Sprintf("(%s, %d)", remote, len(c.queue))
}

// Writes the specified bytes to the connection by performing a
// `net.Conn.Write` to the connection.
//
// It is expected that when using this method for a `tee` end point that the
// entire packet will be represented in a single `Write`, although this is not
// strictly required.
func (c *TCPConnection) Write(b []byte) (n int, err error) {
	if c.Connection != nil {
		return c.Connection.Write(b)
	}
	return 0, ErrNotConnected
}

// Match is the TCP connection implementation of the Match method. Simply
// calls the `Match` method on the embedded `Criteria` data.
func (c *TCPConnection) Match(state criteria.Criteria) bool {
	return c.Criteria.Match(state)
}
