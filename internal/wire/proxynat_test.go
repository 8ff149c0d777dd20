package wire

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"

	"github.com/stretchr/testify/assert"
)

func buildUDPPacket(t *testing.T, srcIP, dstIP net.IP, srcPort, dstPort uint16) *layers.IPv4 {
	t.Helper()
	ip4 := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: srcIP, DstIP: dstIP}
	udp := &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: layers.UDPPort(dstPort)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip4))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip4, udp, gopacket.Payload([]byte("hi"))))

	pkt := gopacket.NewPacket(buf.Bytes(), layers.LayerTypeIPv4, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	got, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	require.True(t, ok)
	return got
}

func TestTransportPortsUDP(t *testing.T) {
	ip4 := buildUDPPacket(t, net.IPv4(10, 26, 0, 2), net.IPv4(8, 8, 8, 8), 5000, 53)
	src, dst, ok := TransportPorts(ip4)
	require.True(t, ok)
	assert.EqualValues(t, 5000, src)
	assert.EqualValues(t, 53, dst)
}

func TestRewriteDestinationAndSource(t *testing.T) {
	ip4 := buildUDPPacket(t, net.IPv4(10, 26, 0, 2), net.IPv4(1, 1, 1, 1), 5000, 80)

	rewritten, err := RewriteDestination(ip4, net.IPv4(192, 168, 1, 10), 8080)
	require.NoError(t, err)

	pkt := gopacket.NewPacket(rewritten, layers.LayerTypeIPv4, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	out, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	require.True(t, ok)
	assert.True(t, out.DstIP.Equal(net.IPv4(192, 168, 1, 10).To4()))
	_, dstPort, ok := TransportPorts(out)
	require.True(t, ok)
	assert.EqualValues(t, 8080, dstPort)

	back, err := RewriteSource(out, net.IPv4(1, 1, 1, 1), 80)
	require.NoError(t, err)
	pkt2 := gopacket.NewPacket(back, layers.LayerTypeIPv4, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	out2, ok := pkt2.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	require.True(t, ok)
	assert.True(t, out2.SrcIP.Equal(net.IPv4(1, 1, 1, 1).To4()))
	srcPort, _, ok := TransportPorts(out2)
	require.True(t, ok)
	assert.EqualValues(t, 80, srcPort)
}
