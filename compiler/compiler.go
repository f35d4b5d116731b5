// Package compiler turns metadata predicates into OpenFlow rules. A
// predicate such as `{domain: example.com}` is bound to a stable tag and,
// as the classification engine serving its attribute reports matching
// values, compiled into rules spanning two tables:
//
//   - the compiler stage matches classification values and writes the tag
//     into the pipeline metadata before continuing in the default stage
//   - the default stage matches the tag, plus any post match, and applies the
//     predicate's actions
//
// The Compiler is the context object shared by every predicate. It
// allocates tags and cookies, holds the attribute registry and tracks the
// connected switches.
package compiler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ciena/ofassay/criteria"
	"github.com/ciena/ofassay/flowmod"
	"github.com/ciena/ofassay/metrics"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// PuntPriority is the priority of the rules sending engine input to the
// controller
const PuntPriority = 0xfff0

var (
	// ErrInvalidTables is returned when the default stage does not follow
	// the compiler stage
	ErrInvalidTables = errors.New("default table must be greater than the compiler table")

	// ErrDuplicatePredicate is returned when registering a predicate that is
	// already registered with the same post match
	ErrDuplicatePredicate = errors.New("predicate already registered")

	// ErrPredicateNotFound is returned when no predicate has the given tag
	ErrPredicateNotFound = errors.New("predicate not found")
)

// Forwarder installs and uninstalls rules on switches
type Forwarder interface {
	Install(dpid uint64, priority uint16, match criteria.Criteria, instructions flowmod.Instructions, table uint8, cookie uint64)
	Uninstall(dpid uint64, cookie uint64, table uint8, match criteria.Criteria)
}

// Config holds the compiler settings
type Config struct {
	CompilerTable uint8
	DefaultTable  uint8
	BatchDelay    time.Duration
}

// Stages identifies the two tables rules are compiled into
type Stages struct {
	Compiler uint8 `json:"compiler"`
	Default  uint8 `json:"default"`
}

// Compiler is the shared compilation context
type Compiler struct {
	config    Config
	forwarder Forwarder

	lock        sync.Mutex
	nextTag     uint64
	nextCookie  uint64
	tags        map[string]uint64
	engines     map[string]Engine
	predicates  map[uint64]*Predicate
	switches    map[uint64]struct{}
	missCookie  uint64
	puntCookies map[criteria.Criteria]uint64
}

// New creates a compiler writing rules through the given forwarder
func New(config Config, forwarder Forwarder) (*Compiler, error) {
	if config.DefaultTable <= config.CompilerTable {
		return nil, errors.Wrapf(ErrInvalidTables, "compiler %d, default %d",
			config.CompilerTable, config.DefaultTable)
	}
	c := &Compiler{
		config:      config,
		forwarder:   forwarder,
		tags:        make(map[string]uint64),
		engines:     make(map[string]Engine),
		predicates:  make(map[uint64]*Predicate),
		switches:    make(map[uint64]struct{}),
		puntCookies: make(map[criteria.Criteria]uint64),
	}
	c.missCookie = c.AllocateCookie()
	return c, nil
}

// Stages returns the compiler and default stage tables
func (c *Compiler) Stages() Stages {
	return Stages{
		Compiler: c.config.CompilerTable,
		Default:  c.config.DefaultTable,
	}
}

// AllocateTag returns the tag bound to the key, allocating the next tag the
// first time a key is seen. Tags start at 1 and are never reused.
func (c *Compiler) AllocateTag(key string) uint64 {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.allocateTag(key)
}

func (c *Compiler) allocateTag(key string) uint64 {
	if tag, ok := c.tags[key]; ok {
		return tag
	}
	c.nextTag++
	c.tags[key] = c.nextTag
	return c.nextTag
}

// AllocateCookie returns the next rule cookie, cookies start at 1
func (c *Compiler) AllocateCookie() uint64 {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.nextCookie++
	return c.nextCookie
}

// RegisterPredicate binds a predicate to the engine serving its attribute
// and starts compiling it. The default stage rule is installed at once, the
// compiler stage rules follow the classification values the engine reports.
func (c *Compiler) RegisterPredicate(spec Spec) (*Predicate, error) {
	attribute, value, err := spec.Match.Attribute()
	if err != nil {
		return nil, err
	}
	engine, err := c.Lookup(attribute)
	if err != nil {
		return nil, err
	}
	table := spec.Table
	if table == 0 {
		table = c.config.DefaultTable
	}
	if table <= c.config.CompilerTable {
		return nil, errors.Wrapf(ErrInvalidTables, "predicate table %d", table)
	}
	if _, err := flowmod.Match(spec.PostMatch.WithMetadata(1)); err != nil {
		return nil, errors.Wrap(err, "post match")
	}

	c.lock.Lock()
	tag := c.allocateTag(spec.key())
	if _, ok := c.predicates[tag]; ok {
		c.lock.Unlock()
		return nil, errors.Wrapf(ErrDuplicatePredicate, "%s", spec.key())
	}
	c.nextCookie++
	p := newPredicate(c, spec, table, tag, c.nextCookie)
	c.predicates[tag] = p
	switches := c.switchList()
	metrics.Predicates.Set(float64(len(c.predicates)))
	c.lock.Unlock()

	log.WithFields(log.Fields{
		"tag":        tag,
		"match":      spec.Match.String(),
		"post_match": spec.PostMatch.String(),
		"priority":   spec.Priority,
		"table":      table,
	}).Info("Registered predicate")

	for _, dpid := range switches {
		p.installDefault(dpid)
	}

	stop, err := engine.Watch(attribute, value, p)
	if err != nil {
		p.Close()
		return nil, errors.Wrapf(err, "unable to watch %s=%s", attribute, value)
	}
	p.setStop(stop)
	return p, nil
}

func (c *Compiler) unregister(p *Predicate) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.predicates[p.tag] == p {
		delete(c.predicates, p.tag)
	}
	metrics.Predicates.Set(float64(len(c.predicates)))
}

// Predicates returns the registered predicates ordered by tag
func (c *Compiler) Predicates() []*Predicate {
	c.lock.Lock()
	defer c.lock.Unlock()
	list := make([]*Predicate, 0, len(c.predicates))
	for _, p := range c.predicates {
		list = append(list, p)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].tag < list[j].tag
	})
	return list
}

// Predicate returns the registered predicate with the given tag
func (c *Compiler) Predicate(tag uint64) (*Predicate, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	p, ok := c.predicates[tag]
	if !ok {
		return nil, errors.Wrapf(ErrPredicateNotFound, "tag %d", tag)
	}
	return p, nil
}

// Unregister closes the predicate with the given tag
func (c *Compiler) Unregister(tag uint64) error {
	p, err := c.Predicate(tag)
	if err != nil {
		return err
	}
	p.Close()
	return nil
}

// Switches returns the DPIDs of the connected switches
func (c *Compiler) Switches() []uint64 {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.switchList()
}

func (c *Compiler) switchList() []uint64 {
	list := make([]uint64, 0, len(c.switches))
	for dpid := range c.switches {
		list = append(list, dpid)
	}
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	return list
}

type puntRule struct {
	match  criteria.Criteria
	cookie uint64
}

// SwitchConnected installs the base pipeline on a switch and replays every
// predicate's rules onto it
func (c *Compiler) SwitchConnected(dpid uint64) {
	c.lock.Lock()
	c.switches[dpid] = struct{}{}
	var punts []puntRule
	seen := make(map[criteria.Criteria]struct{})
	for _, name := range c.attributeNames() {
		punter, ok := c.engines[name].(Punter)
		if !ok {
			continue
		}
		for _, match := range punter.Punts() {
			if _, ok := seen[match]; ok {
				continue
			}
			seen[match] = struct{}{}
			cookie, ok := c.puntCookies[match]
			if !ok {
				c.nextCookie++
				cookie = c.nextCookie
				c.puntCookies[match] = cookie
			}
			punts = append(punts, puntRule{match: match, cookie: cookie})
		}
	}
	predicates := make([]*Predicate, 0, len(c.predicates))
	for _, p := range c.predicates {
		predicates = append(predicates, p)
	}
	c.lock.Unlock()

	sort.Slice(predicates, func(i, j int) bool {
		return predicates[i].tag < predicates[j].tag
	})

	log.WithFields(log.Fields{
		"dpid":       fmt.Sprintf("0x%016x", dpid),
		"punts":      len(punts),
		"predicates": len(predicates),
	}).Info("Switch connected, installing pipeline")

	c.forwarder.Install(dpid, 0, criteria.Criteria{},
		flowmod.Instructions{GotoTable: c.config.DefaultTable},
		c.config.CompilerTable, c.missCookie)
	for _, punt := range punts {
		c.forwarder.Install(dpid, PuntPriority, punt.match,
			flowmod.Instructions{
				Actions:   []flowmod.Action{{Type: flowmod.ActionController}},
				GotoTable: c.config.DefaultTable,
			},
			c.config.CompilerTable, punt.cookie)
	}
	for _, p := range predicates {
		p.replay(dpid)
	}
}

// SwitchDisconnected forgets a switch
func (c *Compiler) SwitchDisconnected(dpid uint64) {
	c.lock.Lock()
	defer c.lock.Unlock()
	delete(c.switches, dpid)
	log.WithFields(log.Fields{
		"dpid": fmt.Sprintf("0x%016x", dpid),
	}).Info("Switch disconnected")
}
