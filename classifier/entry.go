package classifier

import (
	"net/netip"
	"time"
)

// Entry is a snapshot of what is known about one network address. Entries
// handed out by the cache are copies, changing them does not change the
// cache.
type Entry struct {
	Addr    netip.Addr    `json:"address"`
	Names   []string      `json:"names"`
	Label   string        `json:"label"`
	TTL     time.Duration `json:"ttl"`
	Updated time.Time     `json:"updated"`
	Expiry  time.Time     `json:"expiry"`
}

// Expired returns true once the entry has lived for its TTL
func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.Expiry)
}

// HasName returns true if the name has been observed for the address
func (e Entry) HasName(name string) bool {
	name = canonical(name)
	for _, n := range e.Names {
		if n == name {
			return true
		}
	}
	return false
}

func (e Entry) clone() Entry {
	e.Names = append([]string(nil), e.Names...)
	return e
}

// record is the cache's mutable state for one address
type record struct {
	entry    Entry
	timeouts observers
	notified bool
}

func (r *record) addName(name string) {
	if !r.entry.HasName(name) {
		r.entry.Names = append(r.entry.Names, name)
	}
}

// refresh restarts the TTL from `now`
func (r *record) refresh(now time.Time, ttl time.Duration) {
	r.entry.TTL = ttl
	r.entry.Updated = now
	r.entry.Expiry = now.Add(ttl)
	r.notified = false
}
