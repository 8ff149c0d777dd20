package wire

import (
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// ParseIPv4 decodes buf as an IPv4 datagram, returning the IPv4 layer and,
// when present, the transport-layer payload (ICMP/TCP/UDP) as raw bytes.
func ParseIPv4(buf []byte) (*layers.IPv4, []byte, error) {
	pkt := gopacket.NewPacket(buf, layers.LayerTypeIPv4, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	ipLayer := pkt.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		return nil, nil, fmt.Errorf("wire: not an ipv4 datagram")
	}
	ip4 := ipLayer.(*layers.IPv4)
	return ip4, ip4.Payload, nil
}

// IsEchoRequestFor reports whether buf is an ICMPv4 echo request addressed
// to self (both compared as 4-byte big-endian IPv4 addresses).
func IsEchoRequestFor(ip4 *layers.IPv4, self net.IP) (*layers.ICMPv4, bool) {
	if ip4.Protocol != layers.IPProtocolICMPv4 {
		return nil, false
	}
	if !ip4.DstIP.Equal(self) {
		return nil, false
	}
	pkt := gopacket.NewPacket(ip4.Payload, layers.LayerTypeICMPv4, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	icmpLayer := pkt.Layer(layers.LayerTypeICMPv4)
	if icmpLayer == nil {
		return nil, false
	}
	icmp := icmpLayer.(*layers.ICMPv4)
	if icmp.TypeCode.Type() != layers.ICMPv4TypeEchoRequest {
		return nil, false
	}
	return icmp, true
}

// BuildEchoReply swaps source/destination in the IPv4 header, rewrites the
// ICMP type to EchoReply, and recomputes both checksums (§4.A).
func BuildEchoReply(ip4 *layers.IPv4, icmp *layers.ICMPv4) ([]byte, error) {
	replyIP := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    ip4.DstIP,
		DstIP:    ip4.SrcIP,
	}
	replyICMP := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoReply, 0),
		Id:       icmp.Id,
		Seq:      icmp.Seq,
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, replyIP, replyICMP, gopacket.Payload(icmp.Payload)); err != nil {
		return nil, fmt.Errorf("wire: serializing icmp echo reply: %w", err)
	}
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out, nil
}

// BuildARPReply answers an ARP request for targetIP with targetMAC, the
// convention being that TAP mode reuses the virtual gateway's own MAC
// rather than synthesizing a stable per-peer address (Open Question (b)).
func BuildARPReply(req *layers.ARP, targetMAC net.HardwareAddr) ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       targetMAC,
		DstMAC:       req.SourceHwAddress,
		EthernetType: layers.EthernetTypeARP,
	}
	reply := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPReply,
		SourceHwAddress:   targetMAC,
		SourceProtAddress: req.DstProtAddress,
		DstHwAddress:      req.SourceHwAddress,
		DstProtAddress:    req.SourceProtAddress,
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, reply); err != nil {
		return nil, fmt.Errorf("wire: serializing arp reply: %w", err)
	}
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out, nil
}

// ParseARPRequest decodes an Ethernet frame and returns its ARP layer if it
// is an ARP request.
func ParseARPRequest(frame []byte) (*layers.ARP, bool) {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	arpLayer := pkt.Layer(layers.LayerTypeARP)
	if arpLayer == nil {
		return nil, false
	}
	arp := arpLayer.(*layers.ARP)
	if arp.Operation != layers.ARPRequest {
		return nil, false
	}
	return arp, true
}
