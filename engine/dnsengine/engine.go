// Package dnsengine resolves predicate attributes against the DNS
// classification cache. It serves three attributes:
//
//   - `domain` matches traffic to the addresses a name resolved to
//   - `srcdomain` matches traffic from the addresses a name resolved to
//   - `classification` matches traffic to the addresses whose names carry
//     a label
//
// An address stays part of a predicate until its cache entry times out.
package dnsengine

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/ciena/ofassay/classifier"
	"github.com/ciena/ofassay/compiler"
	"github.com/ciena/ofassay/connections"
	"github.com/ciena/ofassay/criteria"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Attributes served by the engine
const (
	AttributeDomain         = "domain"
	AttributeSrcDomain      = "srcdomain"
	AttributeClassification = "classification"
)

// DNSPort is the port DNS responses are sent from
const DNSPort = 53

var (
	// ErrUnknownAttribute is returned when watching an attribute the engine
	// does not serve
	ErrUnknownAttribute = errors.New("attribute not served by DNS engine")

	// ErrNotDNS is returned when consuming a packet that is not a DNS
	// response carried over UDP
	ErrNotDNS = errors.New("packet is not a DNS response")
)

// Engine is the DNS classification engine
type Engine struct {
	cache *classifier.Cache

	lock   sync.Mutex
	nextID uint64
}

// New creates an engine over the classification cache
func New(cache *classifier.Cache) *Engine {
	return &Engine{cache: cache}
}

// RegisterWith makes the engine serve its attributes in the compiler
func (e *Engine) RegisterWith(c *compiler.Compiler) {
	for _, attribute := range []string{AttributeDomain, AttributeSrcDomain, AttributeClassification} {
		c.Register(attribute, e)
	}
}

// Cache returns the classification cache the engine watches
func (e *Engine) Cache() *classifier.Cache {
	return e.cache
}

// Criteria matches the packets the engine learns from
func (e *Engine) Criteria() criteria.Criteria {
	return criteria.Criteria{}.
		WithDlType(uint16(layers.EthernetTypeIPv4)).
		WithNwProto(uint8(layers.IPProtocolUDP)).
		WithTpSrc(DNSPort)
}

// Punts implements compiler.Punter, DNS responses are sent to the
// controller so they reach the engine
func (e *Engine) Punts() []criteria.Criteria {
	return []criteria.Criteria{e.Criteria()}
}

// Sink returns the connection delivering DNS responses to the engine
func (e *Engine) Sink() *connections.SinkConnection {
	return &connections.SinkConnection{
		Name:     "dns",
		Criteria: e.Criteria(),
		Consume:  e.Consume,
	}
}

// Consume learns from a DNS response carried in an Ethernet frame
func (e *Engine) Consume(frame []byte) error {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet,
		gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok || udp.SrcPort != DNSPort {
		return ErrNotDNS
	}
	count, err := e.cache.ObservePacket(udp.Payload)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"learned": count,
	}).Debug("Consumed DNS response")
	return nil
}

func (e *Engine) id() string {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.nextID++
	return fmt.Sprintf("dnsengine/%d", e.nextID)
}

// Watch implements compiler.Engine
func (e *Engine) Watch(attribute, value string, s compiler.Signaler) (func(), error) {
	w := &watch{
		engine:    e,
		id:        e.id(),
		attribute: attribute,
		value:     value,
		signaler:  s,
		tracked:   make(map[netip.Addr]struct{}),
	}
	var find func(string) map[netip.Addr]classifier.Entry
	switch attribute {
	case AttributeDomain:
		w.selects = func(entry classifier.Entry) bool { return entry.HasName(value) }
		w.criteria = func(addr netip.Addr) criteria.Criteria {
			return criteria.Criteria{}.WithNwDst(criteria.Host(addr))
		}
		find = e.cache.FindByName
	case AttributeSrcDomain:
		w.selects = func(entry classifier.Entry) bool { return entry.HasName(value) }
		w.criteria = func(addr netip.Addr) criteria.Criteria {
			return criteria.Criteria{}.WithNwSrc(criteria.Host(addr))
		}
		find = e.cache.FindByName
	case AttributeClassification:
		w.selects = func(entry classifier.Entry) bool { return entry.Label == value }
		w.criteria = func(addr netip.Addr) criteria.Criteria {
			return criteria.Criteria{}.WithNwDst(criteria.Host(addr))
		}
		find = e.cache.FindByLabel
	default:
		return nil, errors.Wrapf(ErrUnknownAttribute, "'%s'", attribute)
	}

	// entries learned while seeding are seen twice, observe ignores the
	// second sighting
	e.cache.OnAll(w.id, w.observe)
	seed := find(value)
	observeAll := func() {
		for _, entry := range seed {
			w.observe(entry)
		}
	}
	if g, ok := s.(compiler.Grouper); ok {
		g.Group(observeAll)
	} else {
		observeAll()
	}

	log.WithFields(log.Fields{
		"id":        w.id,
		"attribute": attribute,
		"value":     value,
		"seeded":    len(seed),
	}).Debug("Watching classification cache")
	return w.stop, nil
}

// watch follows the cache entries selected by one predicate
type watch struct {
	engine    *Engine
	id        string
	attribute string
	value     string
	signaler  compiler.Signaler
	selects   func(classifier.Entry) bool
	criteria  func(netip.Addr) criteria.Criteria

	lock    sync.Mutex
	tracked map[netip.Addr]struct{}
	stopped bool
}

// observe handles a new or refreshed entry. An entry that no longer carries
// the watched label leaves the predicate.
func (w *watch) observe(entry classifier.Entry) {
	selected := w.selects(entry)

	w.lock.Lock()
	defer w.lock.Unlock()
	if w.stopped {
		return
	}
	_, tracked := w.tracked[entry.Addr]
	switch {
	case selected && !tracked:
		if err := w.engine.cache.OnTimeout(entry.Addr, w.id, w.timeout); err != nil {
			log.WithFields(log.Fields{
				"id":      w.id,
				"address": entry.Addr.String(),
			}).WithError(err).Debug("Classification entry gone before it could be followed")
			return
		}
		w.tracked[entry.Addr] = struct{}{}
	case !selected && tracked:
		delete(w.tracked, entry.Addr)
		_ = w.engine.cache.RemoveOnTimeout(entry.Addr, w.id)
	default:
		return
	}
	w.signal(selected, entry.Addr)
}

// timeout handles an entry whose TTL passed
func (w *watch) timeout(entry classifier.Entry) {
	w.lock.Lock()
	defer w.lock.Unlock()
	if _, tracked := w.tracked[entry.Addr]; w.stopped || !tracked {
		return
	}
	delete(w.tracked, entry.Addr)
	w.signal(false, entry.Addr)
}

// signal must be called with the lock held so changes for one address reach
// the predicate in order
func (w *watch) signal(isNew bool, addr netip.Addr) {
	value := w.criteria(addr)
	if err := w.signaler.Signal(isNew, value); err != nil {
		log.WithFields(log.Fields{
			"id":        w.id,
			"attribute": w.attribute,
			"value":     w.value,
			"match":     value.String(),
			"new":       isNew,
		}).WithError(err).Error("Predicate rejected classification change")
	}
}

func (w *watch) stop() {
	w.lock.Lock()
	if w.stopped {
		w.lock.Unlock()
		return
	}
	w.stopped = true
	addrs := make([]netip.Addr, 0, len(w.tracked))
	for addr := range w.tracked {
		addrs = append(addrs, addr)
	}
	w.tracked = make(map[netip.Addr]struct{})
	w.lock.Unlock()

	_ = w.engine.cache.RemoveOnAll(w.id)
	for _, addr := range addrs {
		_ = w.engine.cache.RemoveOnTimeout(addr, w.id)
	}
}
