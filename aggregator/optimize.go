package aggregator

import (
	"net/netip"
	"sort"

	"github.com/ciena/ofassay/criteria"
	log "github.com/sirupsen/logrus"
	"go4.org/netipx"
)

// Fields that make a multi-field rule redundant when a standalone rule on the
// same field and value is also present
var subsumingFields = []uint64{
	criteria.BitDLSrc,
	criteria.BitDLDst,
	criteria.BitTPSrc,
	criteria.BitTPDst,
	criteria.BitDLType,
	criteria.BitNWProto,
}

// Order in which the remaining single field buckets are emitted
var dedupOrder = []Bucket{
	BucketNwProto,
	BucketDlSrc,
	BucketDlDst,
	BucketTpSrc,
	BucketTpDst,
}

type ruleSet struct {
	rules []criteria.Criteria
	seen  map[criteria.Criteria]struct{}
}

func (s *ruleSet) add(c criteria.Criteria) {
	if _, ok := s.seen[c]; ok {
		return
	}
	s.seen[c] = struct{}{}
	s.rules = append(s.rules, c)
}

// optimize computes the ordered, deduplicated rule set for the raw buckets:
// collapsed source prefixes, collapsed destination prefixes, the multi-field
// rules no other rule covers, then the remaining single field rules.
func optimize(buckets *[bucketCount][]Record) []criteria.Criteria {
	out := &ruleSet{seen: make(map[criteria.Criteria]struct{})}

	src := collapse(buckets[BucketNwSrc], func(c criteria.Criteria) netip.Prefix { return c.NwSrc })
	dst := collapse(buckets[BucketNwDst], func(c criteria.Criteria) netip.Prefix { return c.NwDst })
	for _, p := range src.Prefixes() {
		out.add(criteria.Criteria{}.WithNwSrc(p))
	}
	for _, p := range dst.Prefixes() {
		out.add(criteria.Criteria{}.WithNwDst(p))
	}

	standalone := make(map[criteria.Criteria]struct{})
	for _, b := range dedupOrder {
		for _, r := range buckets[b] {
			standalone[r.Match] = struct{}{}
		}
	}
	for _, r := range buckets[BucketOther] {
		if r.Match.Len() == 1 {
			standalone[r.Match] = struct{}{}
		}
	}
	for _, c := range others(buckets[BucketOther], standalone, src, dst) {
		out.add(c)
	}

	for _, b := range dedupOrder {
		for _, r := range buckets[b] {
			out.add(r.Match)
		}
	}
	return out.rules
}

// collapse merges the prefixes of the records into the minimal covering set
func collapse(records []Record, prefix func(criteria.Criteria) netip.Prefix) *netipx.IPSet {
	var builder netipx.IPSetBuilder
	for _, r := range records {
		builder.AddPrefix(prefix(r.Match))
	}
	set, err := builder.IPSet()
	if err != nil {
		log.
			WithError(err).
			Error("Unable to collapse address prefixes")
		return new(netipx.IPSet)
	}
	return set
}

func subsumed(match criteria.Criteria, standalone map[criteria.Criteria]struct{}) bool {
	for _, bit := range subsumingFields {
		if !match.Has(bit) {
			continue
		}
		if _, ok := standalone[match.Only(bit)]; ok {
			return true
		}
	}
	return false
}

// others filters the rules of the other bucket. A multi-field rule is dropped
// when a standalone rule on one of its fields exists or when its source or
// destination prefix is already covered by the collapsed prefixes. The kept
// rules without addresses come first, then those with a source prefix, then
// those with only a destination prefix, the address rules ordered by prefix
// length.
func others(records []Record, standalone map[criteria.Criteria]struct{}, src, dst *netipx.IPSet) []criteria.Criteria {
	var kept, srcRules, dstRules []criteria.Criteria
	for _, r := range records {
		m := r.Match
		if m.Len() > 1 && subsumed(m, standalone) {
			continue
		}
		switch {
		case m.Has(criteria.BitNWSrc):
			if src.ContainsPrefix(m.NwSrc) || (m.Has(criteria.BitNWDst) && dst.ContainsPrefix(m.NwDst)) {
				continue
			}
			srcRules = append(srcRules, m)
		case m.Has(criteria.BitNWDst):
			if dst.ContainsPrefix(m.NwDst) {
				continue
			}
			dstRules = append(dstRules, m)
		default:
			kept = append(kept, m)
		}
	}
	sort.SliceStable(srcRules, func(i, j int) bool {
		return srcRules[i].NwSrc.Bits() < srcRules[j].NwSrc.Bits()
	})
	sort.SliceStable(dstRules, func(i, j int) bool {
		return dstRules[i].NwDst.Bits() < dstRules[j].NwDst.Bits()
	})
	return append(append(kept, srcRules...), dstRules...)
}
