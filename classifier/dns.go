package classifier

import (
	"net/netip"
	"time"

	"github.com/ciena/ofassay/metrics"
	"github.com/miekg/dns"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Observe learns the address records of a DNS response. Only successful
// responses are considered, both the answer and additional sections are
// examined and only A records are learned. The number of records learned is
// returned.
func (c *Cache) Observe(msg *dns.Msg) int {
	if msg == nil || !msg.Response || msg.Rcode != dns.RcodeSuccess {
		return 0
	}

	var answers []answer
	records := append(append([]dns.RR(nil), msg.Answer...), msg.Extra...)
	for _, rr := range records {
		switch rr := rr.(type) {
		case *dns.A:
			addr, ok := netip.AddrFromSlice(rr.A.To4())
			if !ok {
				continue
			}
			answers = append(answers, answer{
				addr: addr,
				name: canonical(rr.Hdr.Name),
				ttl:  time.Duration(rr.Hdr.Ttl) * c.unit,
			})
		case *dns.AAAA, *dns.CNAME, *dns.MX:
			if log.GetLevel() >= log.DebugLevel {
				log.WithFields(log.Fields{
					"name": rr.Header().Name,
					"type": dns.TypeToString[rr.Header().Rrtype],
				}).Debug("Ignoring DNS record")
			}
		}
	}
	if len(answers) == 0 {
		return 0
	}

	c.apply(answers)
	metrics.DNSAnswers.Add(float64(len(answers)))
	return len(answers)
}

// ObservePacket unpacks a DNS message from its wire format and observes it
func (c *Cache) ObservePacket(payload []byte) (int, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(payload); err != nil {
		return 0, errors.Wrap(err, "unable to unpack DNS message")
	}
	return c.Observe(msg), nil
}
