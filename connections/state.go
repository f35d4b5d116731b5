package connections

import (
	"net/netip"

	"github.com/ciena/ofassay/criteria"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Decode decodes an Ethernet frame lazily
func Decode(frame []byte) gopacket.Packet {
	return gopacket.NewPacket(frame, layers.LayerTypeEthernet,
		gopacket.DecodeOptions{Lazy: true, NoCopy: true})
}

// State returns the match state of a decoded packet received on a port: the
// link, network and transport header fields present in the packet. False
// is returned when the packet is not an Ethernet frame.
func State(pkt gopacket.Packet, inPort uint32) (criteria.Criteria, bool) {
	eth, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if !ok {
		return criteria.Criteria{}, false
	}
	state := criteria.Criteria{}.WithInPort(inPort).WithDlType(uint16(eth.EthernetType))
	var mac criteria.MAC
	if copy(mac[:], eth.SrcMAC) == len(mac) {
		state = state.WithDlSrc(mac)
	}
	if copy(mac[:], eth.DstMAC) == len(mac) {
		state = state.WithDlDst(mac)
	}

	ip, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		return state, true
	}
	state = state.WithNwProto(uint8(ip.Protocol))
	if src, ok := netip.AddrFromSlice(ip.SrcIP.To4()); ok {
		state = state.WithNwSrc(criteria.Host(src))
	}
	if dst, ok := netip.AddrFromSlice(ip.DstIP.To4()); ok {
		state = state.WithNwDst(criteria.Host(dst))
	}

	switch l4 := pkt.TransportLayer().(type) {
	case *layers.UDP:
		state = state.WithTpSrc(uint16(l4.SrcPort)).WithTpDst(uint16(l4.DstPort))
	case *layers.TCP:
		state = state.WithTpSrc(uint16(l4.SrcPort)).WithTpDst(uint16(l4.DstPort))
	}
	return state, true
}
