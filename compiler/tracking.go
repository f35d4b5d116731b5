package compiler

import (
	"github.com/ciena/ofassay/criteria"
	"github.com/ciena/ofassay/flowmod"
)

// Tracker records why one classification value is part of a predicate: the
// value's match, the predicate's post match and tag, and how many times the
// value has been signalled. Installed is the optimized compiler stage rule
// currently covering the value and Cookie is that rule's cookie, the handle
// it is removed by. Both are empty until the value has been committed.
type Tracker struct {
	SubMatch   criteria.Criteria    `json:"sub_match"`
	PostMatch  criteria.Criteria    `json:"post_match"`
	Cookie     uint64               `json:"cookie"`
	SubActions flowmod.Instructions `json:"sub_actions"`
	Tag        uint64               `json:"tag"`
	Count      int                  `json:"count"`
	Installed  criteria.Criteria    `json:"installed"`

	predicate *Predicate
}

// Predicate returns the predicate owning the tracker
func (t *Tracker) Predicate() *Predicate {
	return t.predicate
}

// covering returns the first rule covering the match
func covering(rules []criteria.Criteria, match criteria.Criteria) criteria.Criteria {
	for _, r := range rules {
		if r.Match(match) {
			return r
		}
	}
	return criteria.Criteria{}
}
