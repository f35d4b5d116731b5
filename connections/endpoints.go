package connections

import (
	"github.com/ciena/ofassay/criteria"
	log "github.com/sirupsen/logrus"
)

// Endpoints represents a list (array) of connections
type Endpoints []Connection

func (eps Endpoints) deliver(conn Connection, b []byte) {
	if q, ok := conn.(Queued); ok {
		// the caller may reuse b once the write returns
		select {
		case q.GetQueue() <- append([]byte(nil), b...):
		default:
			log.
				WithFields(log.Fields{
					"connection": conn.String(),
				}).
				Debug("Connection queue full, dropping packet")
		}
		return
	}
	if _, err := conn.Write(b); err != nil {
		log.
			WithFields(log.Fields{
				"connection": conn.String(),
			}).
			WithError(err).
			Debug("Connection refused packet")
	}
}

// Write delivers the given bytes to every connection and returns the number
// of bytes given
func (eps Endpoints) Write(b []byte) (n int, err error) {
	for _, conn := range eps {
		eps.deliver(conn, b)
	}
	return len(b), nil
}

// ConditionalWrite delivers the given bytes to every connection whose
// criteria matches the given state criteria and returns the number of
// connections written to. A connection that fails does not stop delivery to
// the others.
func (eps Endpoints) ConditionalWrite(b []byte, state criteria.Criteria) int {
	count := 0
	for _, conn := range eps {
		match := conn.Match(state)
		if log.GetLevel() == log.DebugLevel {
			log.
				WithFields(log.Fields{
					"connection": conn.String(),
					"state":      state.String(),
					"match":      match,
				}).
				Debug("Checking")
		}
		if match {
			eps.deliver(conn, b)
			count++
		}
	}
	return count
}

// Close closes every queued connection
func (eps Endpoints) Close() {
	for _, conn := range eps {
		if q, ok := conn.(Queued); ok {
			if err := q.Close(); err != nil {
				log.
					WithFields(log.Fields{
						"connection": conn.String(),
					}).
					WithError(err).
					Warn("Unable to close connection")
			}
		}
	}
}
