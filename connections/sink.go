package connections

import (
	"github.com/ciena/ofassay/criteria"
)

// ConsumeFunc processes one packet
type ConsumeFunc func(packet []byte) error

// SinkConnection delivers packets to an in process consumer, synchronously
type SinkConnection struct {
	Name     string
	Criteria criteria.Criteria
	Consume  ConsumeFunc
}

// Connection in string form
func (c *SinkConnection) String() string {
	return "sink:" + c.Name
}

// Write hands the packet to the consumer
func (c *SinkConnection) Write(b []byte) (int, error) {
	if err := c.Consume(b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Match calls the `Match` method on the embedded `Criteria` data.
func (c *SinkConnection) Match(state criteria.Criteria) bool {
	return c.Criteria.Match(state)
}
