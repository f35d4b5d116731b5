package compiler

import (
	"sort"

	"github.com/ciena/ofassay/criteria"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ErrAttributeNotRegistered is returned when no engine serves an attribute
var ErrAttributeNotRegistered = errors.New("attribute not registered")

// Signaler receives classification values as they appear and disappear
type Signaler interface {
	Signal(isNew bool, value criteria.Criteria) error
}

// Grouper is implemented by signalers that can take the changes signalled
// while fn runs as a single rule set update
type Grouper interface {
	Group(fn func())
}

// Engine is a classification engine, it resolves a predicate attribute and
// value into classification values
type Engine interface {
	// Watch starts signalling the classification values that currently
	// satisfy attribute=value and keeps doing so until stop is called
	Watch(attribute, value string, s Signaler) (stop func(), err error)
}

// Punter is implemented by engines that need packets sent to the controller
// to learn from them
type Punter interface {
	Punts() []criteria.Criteria
}

// Register makes an engine serve an attribute, replacing any engine that
// served it before
func (c *Compiler) Register(attribute string, engine Engine) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if _, ok := c.engines[attribute]; ok {
		log.WithFields(log.Fields{
			"attribute": attribute,
		}).Warn("Replacing engine registered for attribute")
	}
	c.engines[attribute] = engine
}

// Lookup returns the engine serving an attribute
func (c *Compiler) Lookup(attribute string) (Engine, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	engine, ok := c.engines[attribute]
	if !ok {
		return nil, errors.Wrapf(ErrAttributeNotRegistered, "'%s'", attribute)
	}
	return engine, nil
}

// Exists returns true if an engine serves the attribute
func (c *Compiler) Exists(attribute string) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	_, ok := c.engines[attribute]
	return ok
}

// Attributes returns the registered attribute names
func (c *Compiler) Attributes() []string {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.attributeNames()
}

func (c *Compiler) attributeNames() []string {
	names := make([]string, 0, len(c.engines))
	for name := range c.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
