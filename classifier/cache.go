// Package classifier maintains a live, expiring knowledge base of network
// addresses learned from passively observed DNS responses. Each address is
// classified by the names it was resolved from and by a label assigned to
// those names by a Mapper.
//
// Interested parties register callbacks, by id, that are invoked when an
// address is first learned, when it is refreshed, when its label changes and
// when its TTL passes. Callbacks are invoked one event at a time, in
// registration order and without the cache lock held, so they may call back
// into the cache lookups and registration methods. They must not call
// Observe, ObservePacket, InstallName or Sweep.
package classifier

import (
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/ciena/ofassay/deadline"
	"github.com/ciena/ofassay/metrics"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// InstallTTL is the TTL, in time units, of entries added with InstallName
const InstallTTL = 1000

// ErrNotFound is returned when no live entry exists for an address
var ErrNotFound = errors.New("no classification entry for address")

// Option configures a Cache
type Option func(*Cache)

// WithTimeUnit sets the duration of one TTL unit, a second by default
func WithTimeUnit(unit time.Duration) Option {
	return func(c *Cache) {
		c.unit = unit
	}
}

// WithMapper sets the mapper used to label names
func WithMapper(m Mapper) Option {
	return func(c *Cache) {
		c.mapper = m
	}
}

// Cache is the classification cache
type Cache struct {
	// dispatch serializes event delivery, it is always taken before lock
	dispatch sync.Mutex
	lock     sync.Mutex

	store     *cache.Cache
	deadlines *deadline.Queue
	mapper    Mapper
	unit      time.Duration

	onNew    observers
	onUpdate observers
	onAll    observers
	onExpire observers
	onLabel  map[string]*observers

	swept int
}

// New creates an empty classification cache
func New(opts ...Option) *Cache {
	c := &Cache{
		store:   cache.New(cache.NoExpiration, 0),
		mapper:  NewSuffixMapper(nil),
		unit:    time.Second,
		onLabel: make(map[string]*observers),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.store.OnEvicted(c.evicted)
	c.deadlines = deadline.New(c.wake)
	return c
}

// Close stops expiry processing
func (c *Cache) Close() {
	c.deadlines.Stop()
}

type event struct {
	callbacks []Callback
	entry     Entry
}

type events []event

func (evs events) fire() {
	for _, ev := range evs {
		for _, cb := range ev.callbacks {
			cb(ev.entry)
		}
	}
}

func key(addr netip.Addr) string {
	return addr.String()
}

// lookup returns the live record for the address. Must be called with the
// lock held.
func (c *Cache) lookup(addr netip.Addr, now time.Time) (*record, bool) {
	v, ok := c.store.Get(key(addr))
	if !ok {
		return nil, false
	}
	rec := v.(*record)
	if rec.entry.Expired(now) {
		return nil, false
	}
	return rec, true
}

// live returns all live records. Must be called with the lock held.
func (c *Cache) live(now time.Time) []*record {
	items := c.store.Items()
	recs := make([]*record, 0, len(items))
	for _, item := range items {
		rec := item.Object.(*record)
		if !rec.entry.Expired(now) {
			recs = append(recs, rec)
		}
	}
	return recs
}

// collectExpired pops every passed deadline and gathers the timeout and
// expire notifications for it. Must be called with the lock held.
func (c *Cache) collectExpired(now time.Time) events {
	var evs events
	for _, item := range c.deadlines.PopExpired(now) {
		rec := item.Value.(*record)
		if rec.notified || !rec.entry.Expired(now) {
			continue
		}
		rec.notified = true
		metrics.EntriesExpired.Inc()
		log.WithFields(log.Fields{
			"address": rec.entry.Addr.String(),
			"names":   rec.entry.Names,
			"label":   rec.entry.Label,
		}).Debug("Classification entry expired")

		snapshot := rec.entry.clone()
		evs = append(evs,
			event{callbacks: rec.timeouts.snapshot(), entry: snapshot},
			event{callbacks: c.onExpire.snapshot(), entry: snapshot})
	}
	return evs
}

// wake is called by the deadline queue when at least one entry expired
func (c *Cache) wake() {
	c.dispatch.Lock()
	defer c.dispatch.Unlock()

	c.lock.Lock()
	evs := c.collectExpired(time.Now())
	c.lock.Unlock()

	evs.fire()
}

// learn inserts or refreshes the entry for an address and returns the
// notifications to deliver. Must be called with the lock held.
func (c *Cache) learn(now time.Time, addr netip.Addr, name string, ttl time.Duration) events {
	var evs events
	var labelChanged bool

	label := c.mapper.Label(name)
	rec, ok := c.lookup(addr, now)
	if !ok {
		rec = &record{
			entry: Entry{
				Addr:  addr,
				Names: []string{name},
				Label: label,
			},
		}
		rec.refresh(now, ttl)
		labelChanged = true
	} else {
		labelChanged = rec.entry.Label != label
		rec.addName(name)
		rec.entry.Label = label
		rec.refresh(now, ttl)
	}

	snapshot := rec.entry.clone()
	if !ok {
		evs = append(evs, event{callbacks: c.onNew.snapshot(), entry: snapshot})
	} else {
		evs = append(evs, event{callbacks: c.onUpdate.snapshot(), entry: snapshot})
	}
	if o, found := c.onLabel[label]; found && labelChanged {
		evs = append(evs, event{callbacks: o.snapshot(), entry: snapshot})
	}
	evs = append(evs, event{callbacks: c.onAll.snapshot(), entry: snapshot})

	// go-cache treats a zero duration as "use the default", which here is
	// never expire
	storeTTL := ttl
	if storeTTL <= 0 {
		storeTTL = time.Nanosecond
	}
	c.store.Set(key(addr), rec, storeTTL)
	c.deadlines.Schedule(key(addr), rec.entry.Expiry, rec)
	metrics.Entries.Set(float64(c.store.ItemCount()))

	log.WithFields(log.Fields{
		"address": addr.String(),
		"name":    name,
		"label":   label,
		"ttl":     ttl,
		"new":     !ok,
	}).Debug("Learned classification")
	return evs
}

type answer struct {
	addr netip.Addr
	name string
	ttl  time.Duration
}

// apply learns all answers as a single dispatch
func (c *Cache) apply(answers []answer) {
	c.dispatch.Lock()
	defer c.dispatch.Unlock()

	c.lock.Lock()
	now := time.Now()
	evs := c.collectExpired(now)
	for _, a := range answers {
		evs = append(evs, c.learn(now, a.addr, a.name, a.ttl)...)
	}
	c.lock.Unlock()

	evs.fire()
}

// InstallName adds, or refreshes, an entry as if a DNS response resolving
// the name to the address had been observed, with a TTL of InstallTTL
func (c *Cache) InstallName(name string, addr netip.Addr) {
	c.apply([]answer{{
		addr: addr.Unmap(),
		name: canonical(name),
		ttl:  InstallTTL * c.unit,
	}})
}

// Sweep removes all expired entries, delivering any expiry notifications
// still outstanding first, and returns the number of entries removed
func (c *Cache) Sweep() int {
	c.dispatch.Lock()
	defer c.dispatch.Unlock()

	c.lock.Lock()
	evs := c.collectExpired(time.Now())
	c.swept = 0
	c.store.DeleteExpired()
	removed := c.swept
	metrics.Entries.Set(float64(c.store.ItemCount()))
	c.lock.Unlock()

	evs.fire()
	if removed > 0 {
		log.WithFields(log.Fields{
			"removed": removed,
		}).Debug("Swept expired classification entries")
	}
	return removed
}

// evicted is called by the store, from Sweep, with the lock held
func (c *Cache) evicted(string, interface{}) {
	c.swept++
}

// FindByAddress returns the live entry for the address
func (c *Cache) FindByAddress(addr netip.Addr) (Entry, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	rec, ok := c.lookup(addr.Unmap(), time.Now())
	if !ok {
		return Entry{}, false
	}
	return rec.entry.clone(), true
}

// Has returns true if a live entry exists for the address
func (c *Cache) Has(addr netip.Addr) bool {
	_, ok := c.FindByAddress(addr)
	return ok
}

// Label returns the label of the live entry for the address
func (c *Cache) Label(addr netip.Addr) (string, bool) {
	e, ok := c.FindByAddress(addr)
	if !ok {
		return "", false
	}
	return e.Label, true
}

func (c *Cache) find(match func(*record) bool) map[netip.Addr]Entry {
	c.lock.Lock()
	defer c.lock.Unlock()
	found := make(map[netip.Addr]Entry)
	for _, rec := range c.live(time.Now()) {
		if match(rec) {
			found[rec.entry.Addr] = rec.entry.clone()
		}
	}
	return found
}

// FindByName returns the live entries the name has resolved to
func (c *Cache) FindByName(name string) map[netip.Addr]Entry {
	return c.find(func(rec *record) bool {
		return rec.entry.HasName(name)
	})
}

// FindByLabel returns the live entries carrying the label
func (c *Cache) FindByLabel(label string) map[netip.Addr]Entry {
	return c.find(func(rec *record) bool {
		return rec.entry.Label == label
	})
}

// Entries returns all live entries ordered by address
func (c *Cache) Entries() []Entry {
	found := c.find(func(*record) bool { return true })
	entries := make([]Entry, 0, len(found))
	for _, e := range found {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Addr.Less(entries[j].Addr)
	})
	return entries
}

// Len returns the number of live entries
func (c *Cache) Len() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.live(time.Now()))
}

// OnNew registers a callback for addresses learned for the first time
func (c *Cache) OnNew(id string, cb Callback) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.onNew.add(id, cb)
}

// RemoveOnNew removes a callback added with OnNew
func (c *Cache) RemoveOnNew(id string) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.onNew.remove(id)
}

// OnUpdate registers a callback for refreshed addresses
func (c *Cache) OnUpdate(id string, cb Callback) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.onUpdate.add(id, cb)
}

// RemoveOnUpdate removes a callback added with OnUpdate
func (c *Cache) RemoveOnUpdate(id string) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.onUpdate.remove(id)
}

// OnAll registers a callback invoked after every new or update event
func (c *Cache) OnAll(id string, cb Callback) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.onAll.add(id, cb)
}

// RemoveOnAll removes a callback added with OnAll
func (c *Cache) RemoveOnAll(id string) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.onAll.remove(id)
}

// OnLabel registers a callback for addresses that are learned with, or
// change to, the given label
func (c *Cache) OnLabel(id, label string, cb Callback) {
	c.lock.Lock()
	defer c.lock.Unlock()
	o, ok := c.onLabel[label]
	if !ok {
		o = &observers{}
		c.onLabel[label] = o
	}
	o.add(id, cb)
}

// RemoveOnLabel removes a callback added with OnLabel
func (c *Cache) RemoveOnLabel(id, label string) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	o, ok := c.onLabel[label]
	if !ok {
		return errors.Wrapf(ErrCallbackNotRegistered, "'%s' for label '%s'", id, label)
	}
	if err := o.remove(id); err != nil {
		return err
	}
	if o.len() == 0 {
		delete(c.onLabel, label)
	}
	return nil
}

// OnExpire registers a callback for entries whose TTL passed
func (c *Cache) OnExpire(id string, cb Callback) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.onExpire.add(id, cb)
}

// RemoveOnExpire removes a callback added with OnExpire
func (c *Cache) RemoveOnExpire(id string) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.onExpire.remove(id)
}

// OnTimeout registers a callback invoked when the TTL of the live entry for
// the address passes. A refresh of the entry keeps its timeout callbacks.
func (c *Cache) OnTimeout(addr netip.Addr, id string, cb Callback) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	rec, ok := c.lookup(addr.Unmap(), time.Now())
	if !ok {
		return errors.Wrapf(ErrNotFound, "'%s'", addr)
	}
	rec.timeouts.add(id, cb)
	return nil
}

// RemoveOnTimeout removes a callback added with OnTimeout
func (c *Cache) RemoveOnTimeout(addr netip.Addr, id string) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	v, ok := c.store.Get(key(addr.Unmap()))
	if !ok {
		return errors.Wrapf(ErrNotFound, "'%s'", addr)
	}
	return v.(*record).timeouts.remove(id)
}
