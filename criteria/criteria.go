// Package criteria is used to manage match criteria on a network packet. The
// criteria follows (closely matches) that used to specify match criteria in
// the `ovs-ofctl` command, both in the fields supported and in its string
// form, e.g. `dl_type=0x0800,nw_proto=17,nw_dst=10.0.0.0/8`.
//
// A Criteria is a comparable value and can be used as a map key.
package criteria

import (
	"fmt"
	"math/bits"
	"net/netip"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Defines the bit patterns used to indicate which values are set in the
// match criteria structure.
const (
	BitEmpty uint64 = 0x0

	BitDLType uint64 = 1 << iota
	BitDLSrc
	BitDLDst
	BitNWProto
	BitNWSrc
	BitNWDst
	BitTPSrc
	BitTPDst
	BitInPort
	BitMetadata
)

// Field names as used by `ovs-ofctl`, in the order they are rendered.
const (
	FieldInPort   = "in_port"
	FieldDLSrc    = "dl_src"
	FieldDLDst    = "dl_dst"
	FieldDLType   = "dl_type"
	FieldNWProto  = "nw_proto"
	FieldNWSrc    = "nw_src"
	FieldNWDst    = "nw_dst"
	FieldTPSrc    = "tp_src"
	FieldTPDst    = "tp_dst"
	FieldMetadata = "metadata"
)

var (
	// ErrUnknownField is returned when parsing a field name that is not
	// supported
	ErrUnknownField = errors.New("unknown match field")

	// ErrInvalidValue is returned when a field value can not be parsed
	ErrInvalidValue = errors.New("invalid match value")
)

var fieldOrder = []struct {
	name string
	bit  uint64
}{
	{FieldInPort, BitInPort},
	{FieldDLSrc, BitDLSrc},
	{FieldDLDst, BitDLDst},
	{FieldDLType, BitDLType},
	{FieldNWProto, BitNWProto},
	{FieldNWSrc, BitNWSrc},
	{FieldNWDst, BitNWDst},
	{FieldTPSrc, BitTPSrc},
	{FieldTPDst, BitTPDst},
	{FieldMetadata, BitMetadata},
}

// MAC is a link layer address
type MAC [6]byte

// String returns the address in colon separated hex form
func (m MAC) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		m[0], m[1], m[2], m[3], m[4], m[5])
}

// ParseMAC parses a colon separated link layer address
func ParseMAC(s string) (MAC, error) {
	var m MAC
	parts := strings.Split(s, ":")
	if len(parts) != len(m) {
		return m, errors.Wrapf(ErrInvalidValue, "link address '%s'", s)
	}
	for i, part := range parts {
		v, err := strconv.ParseUint(part, 16, 8)
		if err != nil {
			return m, errors.Wrapf(ErrInvalidValue, "link address '%s'", s)
		}
		m[i] = byte(v)
	}
	return m, nil
}

// Criteria maintains match criteria values along with a bit set to indicate
// which values are set. Address prefixes are always stored masked so that
// equal matches compare equal.
type Criteria struct {
	Set      uint64
	InPort   uint32
	DlSrc    MAC
	DlDst    MAC
	DlType   uint16
	NwProto  uint8
	NwSrc    netip.Prefix
	NwDst    netip.Prefix
	TpSrc    uint16
	TpDst    uint16
	Metadata uint64
}

// Match compares match criteria against a given criteria to determine if
// there is a match and returns `true` if they match, else `false`. A match is
// defined as when all the values set in the target criteria are included in
// the state criteria and their values are equal. Address prefixes match when
// the state prefix is contained in the target prefix. The state criteria may
// have additional values that are not in the target criteria and the values
// will still be considered matched.
func (c Criteria) Match(state Criteria) bool {
	if c.Set&state.Set != c.Set {
		return false
	}
	switch {
	case c.Set&BitInPort != 0 && c.InPort != state.InPort:
		return false
	case c.Set&BitDLSrc != 0 && c.DlSrc != state.DlSrc:
		return false
	case c.Set&BitDLDst != 0 && c.DlDst != state.DlDst:
		return false
	case c.Set&BitDLType != 0 && c.DlType != state.DlType:
		return false
	case c.Set&BitNWProto != 0 && c.NwProto != state.NwProto:
		return false
	case c.Set&BitNWSrc != 0 && !contains(c.NwSrc, state.NwSrc):
		return false
	case c.Set&BitNWDst != 0 && !contains(c.NwDst, state.NwDst):
		return false
	case c.Set&BitTPSrc != 0 && c.TpSrc != state.TpSrc:
		return false
	case c.Set&BitTPDst != 0 && c.TpDst != state.TpDst:
		return false
	case c.Set&BitMetadata != 0 && c.Metadata != state.Metadata:
		return false
	}
	return true
}

func contains(outer, inner netip.Prefix) bool {
	return outer.Bits() <= inner.Bits() && outer.Contains(inner.Addr())
}

// Has returns true if all the given bits are set
func (c Criteria) Has(bit uint64) bool {
	return c.Set&bit == bit
}

// IsEmpty returns true when no field is set
func (c Criteria) IsEmpty() bool {
	return c.Set == BitEmpty
}

// Len returns the number of fields that are set
func (c Criteria) Len() int {
	return bits.OnesCount64(c.Set)
}

// Only returns the projection of the criteria onto a single field. If the
// field is not set the empty criteria is returned.
func (c Criteria) Only(bit uint64) Criteria {
	if c.Set&bit == 0 {
		return Criteria{}
	}
	var p Criteria
	p.Set = bit
	switch bit {
	case BitInPort:
		p.InPort = c.InPort
	case BitDLSrc:
		p.DlSrc = c.DlSrc
	case BitDLDst:
		p.DlDst = c.DlDst
	case BitDLType:
		p.DlType = c.DlType
	case BitNWProto:
		p.NwProto = c.NwProto
	case BitNWSrc:
		p.NwSrc = c.NwSrc
	case BitNWDst:
		p.NwDst = c.NwDst
	case BitTPSrc:
		p.TpSrc = c.TpSrc
	case BitTPDst:
		p.TpDst = c.TpDst
	case BitMetadata:
		p.Metadata = c.Metadata
	default:
		return Criteria{}
	}
	return p
}

// Merge returns the union of the two criteria. Fields set in `o` override
// those set in `c`.
func (c Criteria) Merge(o Criteria) Criteria {
	for _, f := range fieldOrder {
		if o.Set&f.bit != 0 {
			c = c.with(o.Only(f.bit))
		}
	}
	return c
}

func (c Criteria) with(p Criteria) Criteria {
	c.Set |= p.Set
	switch p.Set {
	case BitInPort:
		c.InPort = p.InPort
	case BitDLSrc:
		c.DlSrc = p.DlSrc
	case BitDLDst:
		c.DlDst = p.DlDst
	case BitDLType:
		c.DlType = p.DlType
	case BitNWProto:
		c.NwProto = p.NwProto
	case BitNWSrc:
		c.NwSrc = p.NwSrc
	case BitNWDst:
		c.NwDst = p.NwDst
	case BitTPSrc:
		c.TpSrc = p.TpSrc
	case BitTPDst:
		c.TpDst = p.TpDst
	case BitMetadata:
		c.Metadata = p.Metadata
	}
	return c
}

// WithInPort returns a copy of the criteria matching the given ingress port
func (c Criteria) WithInPort(port uint32) Criteria {
	c.Set |= BitInPort
	c.InPort = port
	return c
}

// WithDlSrc returns a copy of the criteria matching the link source
func (c Criteria) WithDlSrc(m MAC) Criteria {
	c.Set |= BitDLSrc
	c.DlSrc = m
	return c
}

// WithDlDst returns a copy of the criteria matching the link destination
func (c Criteria) WithDlDst(m MAC) Criteria {
	c.Set |= BitDLDst
	c.DlDst = m
	return c
}

// WithDlType returns a copy of the criteria matching the ether type
func (c Criteria) WithDlType(t uint16) Criteria {
	c.Set |= BitDLType
	c.DlType = t
	return c
}

// WithNwProto returns a copy of the criteria matching the IP protocol
func (c Criteria) WithNwProto(p uint8) Criteria {
	c.Set |= BitNWProto
	c.NwProto = p
	return c
}

// WithNwSrc returns a copy of the criteria matching the source prefix
func (c Criteria) WithNwSrc(p netip.Prefix) Criteria {
	c.Set |= BitNWSrc
	c.NwSrc = p.Masked()
	return c
}

// WithNwDst returns a copy of the criteria matching the destination prefix
func (c Criteria) WithNwDst(p netip.Prefix) Criteria {
	c.Set |= BitNWDst
	c.NwDst = p.Masked()
	return c
}

// WithTpSrc returns a copy of the criteria matching the transport source
func (c Criteria) WithTpSrc(port uint16) Criteria {
	c.Set |= BitTPSrc
	c.TpSrc = port
	return c
}

// WithTpDst returns a copy of the criteria matching the transport destination
func (c Criteria) WithTpDst(port uint16) Criteria {
	c.Set |= BitTPDst
	c.TpDst = port
	return c
}

// WithMetadata returns a copy of the criteria matching the pipeline metadata
func (c Criteria) WithMetadata(m uint64) Criteria {
	c.Set |= BitMetadata
	c.Metadata = m
	return c
}

// Host returns a single address prefix for the given address
func Host(addr netip.Addr) netip.Prefix {
	return netip.PrefixFrom(addr, addr.BitLen())
}

func formatPrefix(p netip.Prefix) string {
	if p.IsSingleIP() {
		return p.Addr().String()
	}
	return p.String()
}

// String renders the criteria in `ovs-ofctl` form
func (c Criteria) String() string {
	var parts []string
	for _, f := range fieldOrder {
		if c.Set&f.bit == 0 {
			continue
		}
		var v string
		switch f.bit {
		case BitInPort:
			v = strconv.FormatUint(uint64(c.InPort), 10)
		case BitDLSrc:
			v = c.DlSrc.String()
		case BitDLDst:
			v = c.DlDst.String()
		case BitDLType:
			v = fmt.Sprintf("0x%04x", c.DlType)
		case BitNWProto:
			v = strconv.FormatUint(uint64(c.NwProto), 10)
		case BitNWSrc:
			v = formatPrefix(c.NwSrc)
		case BitNWDst:
			v = formatPrefix(c.NwDst)
		case BitTPSrc:
			v = strconv.FormatUint(uint64(c.TpSrc), 10)
		case BitTPDst:
			v = strconv.FormatUint(uint64(c.TpDst), 10)
		case BitMetadata:
			v = fmt.Sprintf("0x%x", c.Metadata)
		}
		parts = append(parts, f.name+"="+v)
	}
	return strings.Join(parts, ",")
}

// MarshalText implements encoding.TextMarshaler
func (c Criteria) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (c *Criteria) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

func parsePrefix(v string) (netip.Prefix, error) {
	if strings.Contains(v, "/") {
		p, err := netip.ParsePrefix(v)
		if err != nil || !p.Addr().Is4() {
			return netip.Prefix{}, errors.Wrapf(ErrInvalidValue, "prefix '%s'", v)
		}
		return p.Masked(), nil
	}
	a, err := netip.ParseAddr(v)
	if err != nil || !a.Is4() {
		return netip.Prefix{}, errors.Wrapf(ErrInvalidValue, "address '%s'", v)
	}
	return Host(a), nil
}

func parseUint(name, v string, size int) (uint64, error) {
	n, err := strconv.ParseUint(v, 0, size)
	if err != nil {
		return 0, errors.Wrapf(ErrInvalidValue, "%s '%s'", name, v)
	}
	return n, nil
}

// Parse parses criteria in `ovs-ofctl` form, a comma separated list of
// `field=value` terms. The empty string parses to the empty criteria.
func Parse(s string) (Criteria, error) {
	var c Criteria
	for _, term := range strings.Split(s, ",") {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		kv := strings.SplitN(term, "=", 2)
		if len(kv) != 2 {
			return Criteria{}, errors.Wrapf(ErrInvalidValue, "term '%s'", term)
		}
		name, v := strings.ToLower(strings.TrimSpace(kv[0])), strings.TrimSpace(kv[1])
		switch name {
		case FieldInPort:
			n, err := parseUint(name, v, 32)
			if err != nil {
				return Criteria{}, err
			}
			c = c.WithInPort(uint32(n))
		case FieldDLSrc, FieldDLDst:
			m, err := ParseMAC(v)
			if err != nil {
				return Criteria{}, err
			}
			if name == FieldDLSrc {
				c = c.WithDlSrc(m)
			} else {
				c = c.WithDlDst(m)
			}
		case FieldDLType:
			n, err := parseUint(name, v, 16)
			if err != nil {
				return Criteria{}, err
			}
			c = c.WithDlType(uint16(n))
		case FieldNWProto:
			n, err := parseUint(name, v, 8)
			if err != nil {
				return Criteria{}, err
			}
			c = c.WithNwProto(uint8(n))
		case FieldNWSrc, FieldNWDst:
			p, err := parsePrefix(v)
			if err != nil {
				return Criteria{}, err
			}
			if name == FieldNWSrc {
				c = c.WithNwSrc(p)
			} else {
				c = c.WithNwDst(p)
			}
		case FieldTPSrc, FieldTPDst:
			n, err := parseUint(name, v, 16)
			if err != nil {
				return Criteria{}, err
			}
			if name == FieldTPSrc {
				c = c.WithTpSrc(uint16(n))
			} else {
				c = c.WithTpDst(uint16(n))
			}
		case FieldMetadata:
			n, err := parseUint(name, v, 64)
			if err != nil {
				return Criteria{}, err
			}
			c = c.WithMetadata(n)
		default:
			return Criteria{}, errors.Wrapf(ErrUnknownField, "'%s'", name)
		}
	}
	return c, nil
}

// MustParse is like Parse but panics on error. It is intended for static
// criteria and tests.
func MustParse(s string) Criteria {
	c, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return c
}
