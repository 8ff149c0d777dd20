package wire

import (
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// TransportPorts returns the source/destination ports of ip4's TCP or UDP
// payload, for proxy-entry matching (§4.H).
func TransportPorts(ip4 *layers.IPv4) (src, dst uint16, ok bool) {
	switch ip4.Protocol {
	case layers.IPProtocolTCP:
		pkt := gopacket.NewPacket(ip4.Payload, layers.LayerTypeTCP, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		tcp, _ := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
		if tcp == nil {
			return 0, 0, false
		}
		return uint16(tcp.SrcPort), uint16(tcp.DstPort), true
	case layers.IPProtocolUDP:
		pkt := gopacket.NewPacket(ip4.Payload, layers.LayerTypeUDP, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		udp, _ := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if udp == nil {
			return 0, 0, false
		}
		return uint16(udp.SrcPort), uint16(udp.DstPort), true
	default:
		return 0, 0, false
	}
}

// RewriteDestination rewrites ip4's destination IP and, for TCP/UDP, the
// destination port, recomputing both checksums (§4.H Proxy NAT, TX path).
func RewriteDestination(ip4 *layers.IPv4, newDst net.IP, newPort uint16) ([]byte, error) {
	return rewrite(ip4, ip4.SrcIP, newDst, 0, newPort)
}

// RewriteSource mirrors RewriteDestination for the RX-path un-rewrite: it
// restores the original source IP/port on a reply flow (Invariant 10).
func RewriteSource(ip4 *layers.IPv4, newSrc net.IP, newPort uint16) ([]byte, error) {
	return rewrite(ip4, newSrc, ip4.DstIP, newPort, 0)
}

// rewrite serializes ip4 with the given source/destination IPs, optionally
// overriding whichever transport port is non-zero, and recomputes both IP
// and transport checksums.
func rewrite(ip4 *layers.IPv4, srcIP, dstIP net.IP, srcPort, dstPort uint16) ([]byte, error) {
	out := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TOS:      ip4.TOS,
		Id:       ip4.Id,
		TTL:      ip4.TTL,
		Protocol: ip4.Protocol,
		SrcIP:    srcIP,
		DstIP:    dstIP,
	}
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	buf := gopacket.NewSerializeBuffer()

	switch ip4.Protocol {
	case layers.IPProtocolTCP:
		pkt := gopacket.NewPacket(ip4.Payload, layers.LayerTypeTCP, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		tcp, _ := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
		if tcp == nil {
			return nil, fmt.Errorf("wire: proxy rewrite: not a tcp segment")
		}
		if srcPort != 0 {
			tcp.SrcPort = layers.TCPPort(srcPort)
		}
		if dstPort != 0 {
			tcp.DstPort = layers.TCPPort(dstPort)
		}
		if err := tcp.SetNetworkLayerForChecksum(out); err != nil {
			return nil, fmt.Errorf("wire: proxy rewrite: %w", err)
		}
		if err := gopacket.SerializeLayers(buf, opts, out, tcp, gopacket.Payload(tcp.Payload)); err != nil {
			return nil, fmt.Errorf("wire: serializing proxy rewrite: %w", err)
		}
	case layers.IPProtocolUDP:
		pkt := gopacket.NewPacket(ip4.Payload, layers.LayerTypeUDP, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		udp, _ := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if udp == nil {
			return nil, fmt.Errorf("wire: proxy rewrite: not a udp datagram")
		}
		if srcPort != 0 {
			udp.SrcPort = layers.UDPPort(srcPort)
		}
		if dstPort != 0 {
			udp.DstPort = layers.UDPPort(dstPort)
		}
		if err := udp.SetNetworkLayerForChecksum(out); err != nil {
			return nil, fmt.Errorf("wire: proxy rewrite: %w", err)
		}
		if err := gopacket.SerializeLayers(buf, opts, out, udp, gopacket.Payload(udp.Payload)); err != nil {
			return nil, fmt.Errorf("wire: serializing proxy rewrite: %w", err)
		}
	default:
		return nil, fmt.Errorf("wire: proxy rewrite unsupported protocol %v", ip4.Protocol)
	}

	result := make([]byte, len(buf.Bytes()))
	copy(result, buf.Bytes())
	return result, nil
}
