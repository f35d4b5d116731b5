package classifier

import (
	"strings"

	"github.com/miekg/dns"
)

// UnknownLabel is the label given to names no mapping covers
const UnknownLabel = "unknown"

// Mapper assigns a classification label to a domain name
type Mapper interface {
	Label(name string) string
}

// SuffixMapper labels a name by the longest configured domain suffix that
// covers it. A suffix covers a name when it is the name itself or a parent
// domain of it.
type SuffixMapper struct {
	suffixes map[string]string
}

// NewSuffixMapper builds a mapper from label to list of domain suffixes
func NewSuffixMapper(labels map[string][]string) *SuffixMapper {
	m := &SuffixMapper{suffixes: make(map[string]string)}
	for label, domains := range labels {
		for _, domain := range domains {
			m.suffixes[canonical(domain)] = label
		}
	}
	return m
}

// Label implements Mapper
func (m *SuffixMapper) Label(name string) string {
	if m == nil {
		return UnknownLabel
	}
	name = canonical(name)
	for {
		if label, ok := m.suffixes[name]; ok {
			return label
		}
		i := strings.IndexByte(name, '.')
		if i < 0 {
			return UnknownLabel
		}
		name = name[i+1:]
	}
}

// canonical lower cases the name and drops the trailing root dot
func canonical(name string) string {
	return strings.TrimSuffix(dns.CanonicalName(name), ".")
}
