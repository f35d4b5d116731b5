// Package aggregator coalesces the raw matches produced for one predicate
// into a minimal rule set. Raw matches are bucketed by the single field they
// constrain, additions and removals are batched over a short window, and on
// every commit the optimized rule set is recomputed. Update callbacks are only
// invoked when the optimized set actually changed.
package aggregator

import (
	"sync"
	"time"

	"github.com/ciena/ofassay/criteria"
	"github.com/ciena/ofassay/metrics"
	log "github.com/sirupsen/logrus"
)

// DefaultDelay is the default batching window
const DefaultDelay = 100 * time.Millisecond

// Bucket identifies the raw rule bucket a match is kept in
type Bucket int

// Raw rule buckets, a match constraining exactly one of the named fields is
// kept in that field's bucket, everything else is kept in BucketOther
const (
	BucketOther Bucket = iota
	BucketNwSrc
	BucketNwDst
	BucketTpSrc
	BucketTpDst
	BucketDlSrc
	BucketDlDst
	BucketNwProto
	bucketCount
)

var bucketNames = [...]string{
	BucketOther:   "other",
	BucketNwSrc:   "nw_src",
	BucketNwDst:   "nw_dst",
	BucketTpSrc:   "tp_src",
	BucketTpDst:   "tp_dst",
	BucketDlSrc:   "dl_src",
	BucketDlDst:   "dl_dst",
	BucketNwProto: "nw_proto",
}

func (b Bucket) String() string {
	if b < 0 || b >= bucketCount {
		return "unknown"
	}
	return bucketNames[b]
}

// BucketOf returns the bucket a match belongs in
func BucketOf(match criteria.Criteria) Bucket {
	switch match.Set {
	case criteria.BitNWSrc:
		return BucketNwSrc
	case criteria.BitNWDst:
		return BucketNwDst
	case criteria.BitTPSrc:
		return BucketTpSrc
	case criteria.BitTPDst:
		return BucketTpDst
	case criteria.BitDLSrc:
		return BucketDlSrc
	case criteria.BitDLDst:
		return BucketDlDst
	case criteria.BitNWProto:
		return BucketNwProto
	default:
		return BucketOther
	}
}

// Record is one raw rule, identical matches may be held more than once and
// are added and removed independently
type Record struct {
	Match  criteria.Criteria
	Serial uint64
}

type opKind int

const (
	opAdd opKind = iota
	opRemove
)

type op struct {
	kind  opKind
	match criteria.Criteria
}

// Aggregator holds the raw rules of one predicate and its optimized rule set
type Aggregator struct {
	name  string
	delay time.Duration

	lock      sync.Mutex
	buckets   [bucketCount][]Record
	rules     []criteria.Criteria
	queue     []op
	timer     *time.Timer
	serial    uint64
	callbacks []func()
	closed    bool
}

// New creates an aggregator. A zero delay commits every change immediately.
func New(name string, delay time.Duration) *Aggregator {
	return &Aggregator{
		name:  name,
		delay: delay,
	}
}

// OnUpdate registers a callback invoked after a commit changed the
// optimized rule set
func (a *Aggregator) OnUpdate(cb func()) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.callbacks = append(a.callbacks, cb)
}

// Add adds a raw match
func (a *Aggregator) Add(match criteria.Criteria) {
	a.submit(op{kind: opAdd, match: match}, true)
}

// Remove removes one raw record with the given match
func (a *Aggregator) Remove(match criteria.Criteria) {
	a.submit(op{kind: opRemove, match: match}, true)
}

// AddGroup queues an addition without starting the batch timer, the group
// is committed by FinishGroup
func (a *Aggregator) AddGroup(match criteria.Criteria) {
	a.submit(op{kind: opAdd, match: match}, false)
}

// RemoveGroup queues a removal without starting the batch timer, the group
// is committed by FinishGroup
func (a *Aggregator) RemoveGroup(match criteria.Criteria) {
	a.submit(op{kind: opRemove, match: match}, false)
}

// FinishGroup commits everything queued
func (a *Aggregator) FinishGroup() {
	a.commit()
}

func (a *Aggregator) submit(o op, arm bool) {
	a.lock.Lock()
	if a.closed {
		a.lock.Unlock()
		return
	}
	if arm && a.delay <= 0 {
		for _, queued := range a.queue {
			a.apply(queued)
		}
		a.queue = nil
		a.apply(o)
		callbacks := a.recompute()
		a.lock.Unlock()
		notify(callbacks)
		return
	}
	a.queue = append(a.queue, o)
	if arm && a.timer == nil {
		a.timer = time.AfterFunc(a.delay, a.commit)
	}
	a.lock.Unlock()
}

func (a *Aggregator) commit() {
	a.lock.Lock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	if a.closed {
		a.lock.Unlock()
		return
	}
	for _, o := range a.queue {
		a.apply(o)
	}
	a.queue = nil
	callbacks := a.recompute()
	a.lock.Unlock()
	notify(callbacks)
}

func notify(callbacks []func()) {
	for _, cb := range callbacks {
		cb()
	}
}

// apply changes the raw buckets. Must be called with the lock held.
func (a *Aggregator) apply(o op) {
	b := BucketOf(o.match)
	switch o.kind {
	case opAdd:
		a.serial++
		a.buckets[b] = append(a.buckets[b], Record{Match: o.match, Serial: a.serial})
	case opRemove:
		for i, r := range a.buckets[b] {
			if r.Match == o.match {
				a.buckets[b] = append(a.buckets[b][:i:i], a.buckets[b][i+1:]...)
				return
			}
		}
		log.WithFields(log.Fields{
			"aggregator": a.name,
			"match":      o.match.String(),
		}).Debug("Removing match that is not held")
	}
}

// recompute optimizes the raw buckets and returns the callbacks to invoke if
// the optimized set changed. Must be called with the lock held.
func (a *Aggregator) recompute() []func() {
	rules := optimize(&a.buckets)
	if sameSet(rules, a.rules) {
		a.rules = rules
		return nil
	}
	a.rules = rules
	metrics.Commits.Inc()
	log.WithFields(log.Fields{
		"aggregator": a.name,
		"raw":        a.rawCount(),
		"rules":      len(rules),
	}).Debug("Optimized rule set changed")
	return append([]func(){}, a.callbacks...)
}

// Rules returns a copy of the optimized rule set
func (a *Aggregator) Rules() []criteria.Criteria {
	a.lock.Lock()
	defer a.lock.Unlock()
	return append([]criteria.Criteria(nil), a.rules...)
}

// Raw returns a copy of the raw records of a bucket
func (a *Aggregator) Raw(b Bucket) []Record {
	a.lock.Lock()
	defer a.lock.Unlock()
	if b < 0 || b >= bucketCount {
		return nil
	}
	return append([]Record(nil), a.buckets[b]...)
}

// RawCount returns the number of raw records held
func (a *Aggregator) RawCount() int {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.rawCount()
}

func (a *Aggregator) rawCount() int {
	n := 0
	for _, b := range a.buckets {
		n += len(b)
	}
	return n
}

// Pending returns the number of queued, not yet committed, changes
func (a *Aggregator) Pending() int {
	a.lock.Lock()
	defer a.lock.Unlock()
	return len(a.queue)
}

// Close stops any pending timer and drops queued changes, the aggregator
// ignores further changes
func (a *Aggregator) Close() {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.queue = nil
	a.closed = true
}

func sameSet(a, b []criteria.Criteria) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[criteria.Criteria]struct{}, len(a))
	for _, c := range a {
		set[c] = struct{}{}
	}
	for _, c := range b {
		if _, ok := set[c]; !ok {
			return false
		}
	}
	return true
}
