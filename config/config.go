// Package config loads the files ofassay is configured with: the predicates
// registered at start up and the labels the classifier assigns to domains.
// Both are YAML documents.
package config

import (
	"bytes"
	"io"
	"os"
	"strings"

	"github.com/ciena/ofassay/compiler"
	"github.com/ciena/ofassay/criteria"
	"github.com/ciena/ofassay/flowmod"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// DefaultPriority is the priority of predicates that don't set one
const DefaultPriority = 100

// PredicateSpec is the file and API form of a predicate registration
type PredicateSpec struct {
	Match     map[string]string `yaml:"match" json:"match"`
	Actions   []string          `yaml:"actions" json:"actions"`
	Priority  uint16            `yaml:"priority,omitempty" json:"priority,omitempty"`
	Table     uint8             `yaml:"table,omitempty" json:"table,omitempty"`
	PostMatch string            `yaml:"post_match,omitempty" json:"post_match,omitempty"`
}

// Compile validates the registration and converts it to a compiler spec
func (p PredicateSpec) Compile() (compiler.Spec, error) {
	if len(p.Match) == 0 {
		return compiler.Spec{}, compiler.ErrNoAttributes
	}
	actions, err := flowmod.ParseActions(p.Actions)
	if err != nil {
		return compiler.Spec{}, err
	}
	postMatch, err := criteria.Parse(p.PostMatch)
	if err != nil {
		return compiler.Spec{}, errors.Wrap(err, "post match")
	}
	if postMatch.Has(criteria.BitMetadata) {
		return compiler.Spec{}, errors.Wrap(criteria.ErrInvalidValue, "post match can't match metadata")
	}
	if _, err := flowmod.Match(postMatch.WithMetadata(1)); err != nil {
		return compiler.Spec{}, errors.Wrap(err, "post match")
	}
	priority := p.Priority
	if priority == 0 {
		priority = DefaultPriority
	}
	match := make(compiler.Match, len(p.Match))
	for k, v := range p.Match {
		match[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return compiler.Spec{
		Match:     match,
		Actions:   actions,
		Priority:  priority,
		Table:     p.Table,
		PostMatch: postMatch,
	}, nil
}

// Labels maps a classification label to the domains carrying it
type Labels map[string][]string

type labelsFile struct {
	Labels Labels `yaml:"labels"`
}

func read(reader io.Reader) ([]byte, error) {
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(reader); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ParsePredicates reads a list of predicates
func ParsePredicates(reader io.Reader) ([]PredicateSpec, error) {
	data, err := read(reader)
	if err != nil {
		return nil, err
	}
	var specs []PredicateSpec
	if err := yaml.UnmarshalStrict(data, &specs); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal predicates")
	}
	for i, spec := range specs {
		if _, err := spec.Compile(); err != nil {
			return nil, errors.Wrapf(err, "predicate %d", i)
		}
	}
	return specs, nil
}

// ParseLabels reads the label to domains mapping
func ParseLabels(reader io.Reader) (Labels, error) {
	data, err := read(reader)
	if err != nil {
		return nil, err
	}
	var file labelsFile
	if err := yaml.UnmarshalStrict(data, &file); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal labels")
	}
	if file.Labels == nil {
		file.Labels = Labels{}
	}
	return file.Labels, nil
}

// LoadPredicates reads the predicates file, an empty path yields no
// predicates
func LoadPredicates(path string) ([]PredicateSpec, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open predicates file '%s'", path)
	}
	defer f.Close()
	return ParsePredicates(f)
}

// LoadLabels reads the labels file, an empty path yields no labels
func LoadLabels(path string) (Labels, error) {
	if path == "" {
		return Labels{}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open labels file '%s'", path)
	}
	defer f.Close()
	return ParseLabels(f)
}
