// Package flowmod builds OpenFlow 1.3 FLOW_MOD messages from match criteria
// and instructions and writes them to devices through their injectors.
package flowmod

import (
	"bytes"
	"encoding/binary"
	"net"

	"github.com/ciena/ofassay/criteria"
	of "github.com/netrack/openflow"
	"github.com/netrack/openflow/ofp"
	"github.com/pkg/errors"
)

const (
	// Version is the OpenFlow protocol version of the messages built
	Version = 0x04

	headerLen = 8
	noBuffer  = 0xffffffff
	maxLen    = 0xffff

	ethTypeIPv4 = 0x0800
	protoTCP    = 6
	protoUDP    = 17
)

// ErrPrerequisite is returned when a match sets a field without the fields
// OpenFlow requires with it
var ErrPrerequisite = errors.New("match prerequisite missing")

// Instructions is what a rule does with a matched packet: apply actions,
// write the metadata tag and continue in another table. A zero Metadata is
// not written and a zero GotoTable does not continue.
type Instructions struct {
	Actions   []Action `json:"actions,omitempty"`
	Metadata  uint64   `json:"metadata,omitempty"`
	GotoTable uint8    `json:"goto_table,omitempty"`
}

func (i Instructions) encode() ofp.Instructions {
	var list ofp.Instructions
	var actions ofp.Actions
	for _, a := range i.Actions {
		if action, ok := a.encode(); ok {
			actions = append(actions, action)
		}
	}
	if len(actions) > 0 {
		list = append(list, &ofp.InstructionApplyActions{Actions: actions})
	}
	if i.Metadata != 0 {
		list = append(list, &ofp.InstructionWriteMetadata{
			Metadata:     i.Metadata,
			MetadataMask: ^uint64(0),
		})
	}
	if i.GotoTable != 0 {
		list = append(list, &ofp.InstructionGotoTable{Table: ofp.Table(i.GotoTable)})
	}
	return list
}

func (a Action) encode() (ofp.Action, bool) {
	var port ofp.PortNo
	switch a.Type {
	case ActionOutput:
		port = ofp.PortNo(a.Port)
	case ActionController:
		port = ofp.PortController
	case ActionNormal:
		port = ofp.PortNormal
	case ActionFlood:
		port = ofp.PortFlood
	case ActionInPort:
		port = ofp.PortIn
	default:
		return nil, false
	}
	return &ofp.ActionOutput{Port: port, MaxLen: maxLen}, true
}

func u16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// Match converts criteria to an OXM match, adding the ether type and
// checking the IP protocol that OpenFlow requires for network and transport
// fields
func Match(c criteria.Criteria) (ofp.Match, error) {
	var fields []ofp.XM
	add := func(t ofp.XMType, value, mask []byte) {
		xm := ofp.XM{
			Class: ofp.XMClassOpenflowBasic,
			Type:  t,
			Value: ofp.XMValue(value),
		}
		if mask != nil {
			xm.Mask = ofp.XMValue(mask)
		}
		fields = append(fields, xm)
	}

	needIPv4 := c.Set&(criteria.BitNWProto|criteria.BitNWSrc|criteria.BitNWDst|criteria.BitTPSrc|criteria.BitTPDst) != 0
	needProto := c.Set&(criteria.BitTPSrc|criteria.BitTPDst) != 0
	if needIPv4 && c.Has(criteria.BitDLType) && c.DlType != ethTypeIPv4 {
		return ofp.Match{}, errors.Wrapf(ErrPrerequisite, "network fields with dl_type 0x%04x", c.DlType)
	}
	if needProto && (!c.Has(criteria.BitNWProto) || (c.NwProto != protoTCP && c.NwProto != protoUDP)) {
		return ofp.Match{}, errors.Wrap(ErrPrerequisite, "transport ports require nw_proto 6 or 17")
	}

	if c.Has(criteria.BitInPort) {
		add(ofp.XMTypeInPort, u32(c.InPort), nil)
	}
	if c.Has(criteria.BitMetadata) {
		add(ofp.XMTypeMetadata, u64(c.Metadata), nil)
	}
	if c.Has(criteria.BitDLDst) {
		add(ofp.XMTypeEthDst, c.DlDst[:], nil)
	}
	if c.Has(criteria.BitDLSrc) {
		add(ofp.XMTypeEthSrc, c.DlSrc[:], nil)
	}
	if c.Has(criteria.BitDLType) {
		add(ofp.XMTypeEthType, u16(c.DlType), nil)
	} else if needIPv4 {
		add(ofp.XMTypeEthType, u16(ethTypeIPv4), nil)
	}
	if c.Has(criteria.BitNWProto) {
		add(ofp.XMTypeIPProto, []byte{c.NwProto}, nil)
	}
	if c.Has(criteria.BitNWSrc) {
		value, mask := prefix(c.NwSrc.Addr().As4(), c.NwSrc.Bits())
		add(ofp.XMTypeIPv4Src, value, mask)
	}
	if c.Has(criteria.BitNWDst) {
		value, mask := prefix(c.NwDst.Addr().As4(), c.NwDst.Bits())
		add(ofp.XMTypeIPv4Dst, value, mask)
	}
	if c.Has(criteria.BitTPSrc) {
		if c.NwProto == protoTCP {
			add(ofp.XMTypeTCPSrc, u16(c.TpSrc), nil)
		} else {
			add(ofp.XMTypeUDPSrc, u16(c.TpSrc), nil)
		}
	}
	if c.Has(criteria.BitTPDst) {
		if c.NwProto == protoTCP {
			add(ofp.XMTypeTCPDst, u16(c.TpDst), nil)
		} else {
			add(ofp.XMTypeUDPDst, u16(c.TpDst), nil)
		}
	}
	return ofp.Match{Type: ofp.MatchTypeXM, Fields: fields}, nil
}

func prefix(addr [4]byte, bits int) ([]byte, []byte) {
	value := addr[:]
	if bits >= 32 {
		return value, nil
	}
	return value, []byte(net.CIDRMask(bits, 32))
}

// NewAdd builds a FLOW_MOD adding a rule
func NewAdd(table uint8, priority uint16, cookie uint64, match criteria.Criteria, instructions Instructions) (*ofp.FlowMod, error) {
	m, err := Match(match)
	if err != nil {
		return nil, err
	}
	return &ofp.FlowMod{
		Cookie:       cookie,
		Table:        ofp.Table(table),
		Command:      ofp.FlowAdd,
		Priority:     priority,
		Buffer:       noBuffer,
		OutPort:      ofp.PortAny,
		OutGroup:     ofp.GroupAny,
		Match:        m,
		Instructions: instructions.encode(),
	}, nil
}

// NewDelete builds a FLOW_MOD deleting the rules of a table with the given
// cookie that the match covers
func NewDelete(table uint8, cookie uint64, match criteria.Criteria) (*ofp.FlowMod, error) {
	m, err := Match(match)
	if err != nil {
		return nil, err
	}
	return &ofp.FlowMod{
		Cookie:     cookie,
		CookieMask: ^uint64(0),
		Table:      ofp.Table(table),
		Command:    ofp.FlowDelete,
		Buffer:     noBuffer,
		OutPort:    ofp.PortAny,
		OutGroup:   ofp.GroupAny,
		Match:      m,
	}, nil
}

// Marshal frames a FLOW_MOD with an OpenFlow header
func Marshal(xid uint32, fm *ofp.FlowMod) ([]byte, error) {
	var body bytes.Buffer
	if _, err := fm.WriteTo(&body); err != nil {
		return nil, errors.Wrap(err, "unable to encode flow mod")
	}

	header := of.Header{
		Version:     Version,
		Type:        of.TypeFlowMod,
		Length:      uint16(headerLen + body.Len()),
		Transaction: xid,
	}
	var buf bytes.Buffer
	if _, err := header.WriteTo(&buf); err != nil {
		return nil, errors.Wrap(err, "unable to encode header")
	}
	buf.Write(body.Bytes())
	return buf.Bytes(), nil
}
