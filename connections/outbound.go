package connections

import (
	"net"
	"net/url"
	"strings"

	"github.com/ciena/ofassay/criteria"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Supported URL schemes and end point terms
const (
	SchemeTCP  = "tcp"
	SchemeHTTP = "http"

	TermAction = "action"
)

// ErrInvalidEndpoint is returned for an end point that can't be parsed
var ErrInvalidEndpoint = errors.New("invalid end point")

// ParseEndpoint splits an end point specification into its criteria and
// address. The specification is either a bare address or of the form
//
//	[match;]action=address
//
// where match is a list of match terms in ovs-ofctl syntax, for example
// `dl_type=0x0800,nw_proto=17;action=tcp://127.0.0.1:9000`.
func ParseEndpoint(spec string) (criteria.Criteria, string, error) {
	parts := strings.Split(spec, ";")
	if len(parts) == 1 && !strings.HasPrefix(strings.ToLower(spec), TermAction+"=") {
		return criteria.Criteria{}, strings.TrimSpace(spec), nil
	}
	var match criteria.Criteria
	var addr string
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(strings.ToLower(part), TermAction+"=") {
			addr = strings.TrimSpace(part[len(TermAction)+1:])
			continue
		}
		parsed, err := criteria.Parse(part)
		if err != nil {
			return criteria.Criteria{}, "", errors.Wrapf(err, "end point '%s'", spec)
		}
		match = match.Merge(parsed)
	}
	if addr == "" {
		return criteria.Criteria{}, "", errors.Wrapf(ErrInvalidEndpoint, "'%s' has no action", spec)
	}
	return match, addr, nil
}

// Dial establishes a queued connection to the end point described by spec,
// addresses without a scheme are TCP
func Dial(spec string) (Queued, error) {
	match, addr, err := ParseEndpoint(spec)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(addr)
	if err != nil || u.Host == "" {
		u = &url.URL{Scheme: SchemeTCP, Host: addr}
	}

	var c Queued
	switch strings.ToLower(u.Scheme) {
	case SchemeTCP:
		tcp := &TCPConnection{Criteria: match}
		if tcp.Connection, err = net.Dial("tcp", u.Host); err != nil {
			return nil, errors.Wrapf(err, "unable to connect to '%s'", addr)
		}
		c = tcp.Initialize()
	case SchemeHTTP, "https":
		c = (&HTTPConnection{Connection: *u, Criteria: match}).Initialize()
	default:
		return nil, errors.Wrapf(ErrInvalidEndpoint, "unsupported scheme '%s'", u.Scheme)
	}
	log.WithFields(log.Fields{
		"connection": addr,
		"match":      match.String(),
	}).Info("Created outbound end point connection")
	return c, nil
}

// DialAll establishes connections to all the end points and starts their
// send loops. On failure the connections already established are closed.
func DialAll(specs []string) (Endpoints, error) {
	var eps Endpoints
	for _, spec := range specs {
		if strings.TrimSpace(spec) == "" {
			continue
		}
		c, err := Dial(spec)
		if err != nil {
			eps.Close()
			return nil, err
		}
		go c.ListenAndSend()
		eps = append(eps, c)
	}
	return eps, nil
}
