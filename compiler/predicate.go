package compiler

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ciena/ofassay/aggregator"
	"github.com/ciena/ofassay/criteria"
	"github.com/ciena/ofassay/flowmod"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrNoAttributes is returned for a predicate without an attribute
	ErrNoAttributes = errors.New("predicate has no attribute")

	// ErrTooManyAttributes is returned for a predicate with more than one
	// attribute
	ErrTooManyAttributes = errors.New("predicate has more than one attribute")

	// ErrNotTracked is returned when a classification value that is not
	// tracked is signalled as removed
	ErrNotTracked = errors.New("classification value not tracked")
)

// Match is a predicate, a mapping from attribute name to required value
type Match map[string]string

// String renders the predicate as sorted `attribute=value` terms
func (m Match) String() string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	terms := make([]string, len(keys))
	for i, k := range keys {
		terms[i] = k + "=" + m[k]
	}
	return strings.Join(terms, ",")
}

// Attribute returns the single attribute of the predicate and its value
func (m Match) Attribute() (string, string, error) {
	switch len(m) {
	case 0:
		return "", "", ErrNoAttributes
	case 1:
		for k, v := range m {
			return k, v, nil
		}
	}
	return "", "", errors.Wrapf(ErrTooManyAttributes, "'%s'", m.String())
}

// Spec declares a metadata driven rule: packets whose classification
// satisfies Match, and that also match PostMatch, get Actions applied in
// Table (the default stage when zero)
type Spec struct {
	Match     Match
	Actions   []flowmod.Action
	Priority  uint16
	Table     uint8
	PostMatch criteria.Criteria
}

func (s Spec) key() string {
	return s.Match.String() + "|" + s.PostMatch.String()
}

// InstalledRule is an optimized compiler stage rule and its cookie
type InstalledRule struct {
	Match  criteria.Criteria `json:"match"`
	Cookie uint64            `json:"cookie"`
}

// Predicate is a registered predicate. It turns classification values into
// raw aggregator matches and keeps the compiler stage rules on every switch
// in line with the aggregator's optimized rule set.
type Predicate struct {
	compiler *Compiler
	spec     Spec
	table    uint8
	tag      uint64
	cookie   uint64
	agg      *aggregator.Aggregator

	// update serializes installing and uninstalling, it is taken before lock
	update sync.Mutex

	lock      sync.Mutex
	trackers  map[criteria.Criteria]*Tracker
	installed map[criteria.Criteria]uint64
	stop      func()
	closed    bool
	grouping  int
}

func newPredicate(c *Compiler, spec Spec, table uint8, tag, cookie uint64) *Predicate {
	p := &Predicate{
		compiler:  c,
		spec:      spec,
		table:     table,
		tag:       tag,
		cookie:    cookie,
		agg:       aggregator.New(spec.key(), c.config.BatchDelay),
		trackers:  make(map[criteria.Criteria]*Tracker),
		installed: make(map[criteria.Criteria]uint64),
	}
	p.agg.OnUpdate(p.rulesUpdated)
	return p
}

// Tag returns the predicate's tag
func (p *Predicate) Tag() uint64 {
	return p.tag
}

// Spec returns what the predicate was registered with
func (p *Predicate) Spec() Spec {
	return p.spec
}

// Table returns the table the predicate's actions are applied in
func (p *Predicate) Table() uint8 {
	return p.table
}

// Cookie returns the cookie of the predicate's default stage rule
func (p *Predicate) Cookie() uint64 {
	return p.cookie
}

func (p *Predicate) setStop(stop func()) {
	p.lock.Lock()
	if !p.closed {
		p.stop = stop
		stop = nil
	}
	p.lock.Unlock()
	if stop != nil {
		stop()
	}
}

func (p *Predicate) subActions() flowmod.Instructions {
	return flowmod.Instructions{
		Metadata:  p.tag,
		GotoTable: p.table,
	}
}

func (p *Predicate) defaultMatch() criteria.Criteria {
	return p.spec.PostMatch.WithMetadata(p.tag)
}

// Signal reports a classification value appearing (isNew) or disappearing.
// A value signalled more than once is reference counted and only leaves the
// rule set when every appearance has been matched by a disappearance.
func (p *Predicate) Signal(isNew bool, value criteria.Criteria) error {
	p.lock.Lock()
	if p.closed {
		p.lock.Unlock()
		return nil
	}
	t, tracked := p.trackers[value]
	grouped := p.grouping > 0
	switch {
	case tracked && isNew:
		t.Count++
		p.lock.Unlock()
		return nil
	case tracked && t.Count > 1:
		t.Count--
		p.lock.Unlock()
		return nil
	case tracked:
		delete(p.trackers, value)
		p.lock.Unlock()
		log.WithFields(log.Fields{
			"tag":   p.tag,
			"value": value.String(),
		}).Debug("Classification value left predicate")
		if grouped {
			p.agg.RemoveGroup(value)
		} else {
			p.agg.Remove(value)
		}
		return nil
	case !isNew:
		p.lock.Unlock()
		return errors.Wrapf(ErrNotTracked, "'%s' for predicate %d", value, p.tag)
	}

	t = &Tracker{
		SubMatch:   value,
		PostMatch:  p.spec.PostMatch,
		SubActions: p.subActions(),
		Tag:        p.tag,
		Count:      1,
		predicate:  p,
	}
	// a value joining an unchanged rule set is covered by an installed rule
	for match, cookie := range p.installed {
		if match.Match(value) {
			t.Installed, t.Cookie = match, cookie
			break
		}
	}
	p.trackers[value] = t
	p.lock.Unlock()
	log.WithFields(log.Fields{
		"tag":   p.tag,
		"value": value.String(),
	}).Debug("Classification value joined predicate")
	if grouped {
		p.agg.AddGroup(value)
	} else {
		p.agg.Add(value)
	}
	return nil
}

// Group runs fn and commits every change signalled while it runs as a
// single rule set update, without waiting for the batch delay
func (p *Predicate) Group(fn func()) {
	p.lock.Lock()
	p.grouping++
	p.lock.Unlock()
	defer func() {
		p.lock.Lock()
		p.grouping--
		done := p.grouping == 0
		p.lock.Unlock()
		if done {
			p.agg.FinishGroup()
		}
	}()
	fn()
}

// rulesUpdated brings the installed compiler stage rules in line with the
// aggregator's optimized rule set
func (p *Predicate) rulesUpdated() {
	p.update.Lock()
	defer p.update.Unlock()

	rules := p.agg.Rules()
	want := make(map[criteria.Criteria]struct{}, len(rules))
	for _, r := range rules {
		want[r] = struct{}{}
	}

	p.lock.Lock()
	if p.closed {
		p.lock.Unlock()
		return
	}
	var added, removed []InstalledRule
	for match, cookie := range p.installed {
		if _, ok := want[match]; !ok {
			removed = append(removed, InstalledRule{Match: match, Cookie: cookie})
			delete(p.installed, match)
		}
	}
	for _, match := range rules {
		if _, ok := p.installed[match]; !ok {
			cookie := p.compiler.AllocateCookie()
			p.installed[match] = cookie
			added = append(added, InstalledRule{Match: match, Cookie: cookie})
		}
	}
	for _, t := range p.trackers {
		t.Installed = covering(rules, t.SubMatch)
		t.Cookie = p.installed[t.Installed]
	}
	p.lock.Unlock()

	log.WithFields(log.Fields{
		"tag":     p.tag,
		"added":   len(added),
		"removed": len(removed),
	}).Debug("Compiler stage rules changed")

	switches := p.compiler.Switches()
	stage := p.compiler.config.CompilerTable
	for _, dpid := range switches {
		// predicates on the same value install the same compiler stage
		// match, at equal priority the later add replaces the earlier flow
		for _, r := range added {
			p.compiler.forwarder.Install(dpid, p.spec.Priority, r.Match, p.subActions(), stage, r.Cookie)
		}
		for _, r := range removed {
			p.compiler.forwarder.Uninstall(dpid, r.Cookie, stage, r.Match)
		}
	}
}

func (p *Predicate) installDefault(dpid uint64) {
	p.compiler.forwarder.Install(dpid, p.spec.Priority, p.defaultMatch(),
		flowmod.Instructions{Actions: p.spec.Actions},
		p.table, p.cookie)
}

// replay installs the predicate's rules on a newly connected switch
func (p *Predicate) replay(dpid uint64) {
	p.update.Lock()
	defer p.update.Unlock()

	p.lock.Lock()
	if p.closed {
		p.lock.Unlock()
		return
	}
	rules := p.installedRules()
	p.lock.Unlock()

	p.installDefault(dpid)
	for _, r := range rules {
		p.compiler.forwarder.Install(dpid, p.spec.Priority, r.Match, p.subActions(),
			p.compiler.config.CompilerTable, r.Cookie)
	}
}

// installedRules must be called with the lock held
func (p *Predicate) installedRules() []InstalledRule {
	rules := make([]InstalledRule, 0, len(p.installed))
	for match, cookie := range p.installed {
		rules = append(rules, InstalledRule{Match: match, Cookie: cookie})
	}
	sort.Slice(rules, func(i, j int) bool {
		return rules[i].Cookie < rules[j].Cookie
	})
	return rules
}

// Installed returns the compiler stage rules currently installed, ordered by
// cookie
func (p *Predicate) Installed() []InstalledRule {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.installedRules()
}

// Rules returns the optimized compiler stage rule set
func (p *Predicate) Rules() []criteria.Criteria {
	return p.agg.Rules()
}

// Trackers returns a snapshot of the tracked classification values
func (p *Predicate) Trackers() []Tracker {
	p.lock.Lock()
	defer p.lock.Unlock()
	list := make([]Tracker, 0, len(p.trackers))
	for _, t := range p.trackers {
		list = append(list, *t)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Cookie < list[j].Cookie
	})
	return list
}

// Tracker returns a snapshot of the tracker of a classification value
func (p *Predicate) Tracker(value criteria.Criteria) (Tracker, bool) {
	p.lock.Lock()
	defer p.lock.Unlock()
	t, ok := p.trackers[value]
	if !ok {
		return Tracker{}, false
	}
	return *t, true
}

// String identifies the predicate in logs
func (p *Predicate) String() string {
	return fmt.Sprintf("[%d] %s", p.tag, p.spec.key())
}

// Close stops watching the engine, uninstalls every rule of the predicate
// and removes it from the compiler
func (p *Predicate) Close() {
	p.lock.Lock()
	if p.closed {
		p.lock.Unlock()
		return
	}
	p.closed = true
	stop := p.stop
	p.stop = nil
	p.lock.Unlock()

	if stop != nil {
		stop()
	}
	p.agg.Close()

	p.update.Lock()
	p.lock.Lock()
	rules := p.installedRules()
	p.installed = make(map[criteria.Criteria]uint64)
	p.trackers = make(map[criteria.Criteria]*Tracker)
	p.lock.Unlock()

	stage := p.compiler.config.CompilerTable
	for _, dpid := range p.compiler.Switches() {
		for _, r := range rules {
			p.compiler.forwarder.Uninstall(dpid, r.Cookie, stage, r.Match)
		}
		p.compiler.forwarder.Uninstall(dpid, p.cookie, p.table, p.defaultMatch())
	}
	p.update.Unlock()

	p.compiler.unregister(p)
	log.WithFields(log.Fields{
		"tag": p.tag,
	}).Info("Unregistered predicate")
}
