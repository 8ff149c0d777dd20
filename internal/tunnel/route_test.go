package tunnel

import (
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExternalRoutesLongestPrefixMatch(t *testing.T) {
	er := NewExternalRoutes(map[netip.Prefix]netip.Addr{
		netip.MustParsePrefix("192.168.0.0/16"): netip.MustParseAddr("10.26.0.1"),
		netip.MustParsePrefix("192.168.1.0/24"): netip.MustParseAddr("10.26.0.2"),
	})

	hop, ok := er.Lookup(netip.MustParseAddr("192.168.1.5"))
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("10.26.0.2"), hop)

	hop, ok = er.Lookup(netip.MustParseAddr("192.168.2.5"))
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("10.26.0.1"), hop)

	_, ok = er.Lookup(netip.MustParseAddr("8.8.8.8"))
	assert.False(t, ok)
}

func TestNilExternalRoutesAlwaysMisses(t *testing.T) {
	var er *ExternalRoutes
	_, ok := er.Lookup(netip.MustParseAddr("10.0.0.1"))
	assert.False(t, ok)
}

func parseIPv4Layer(t *testing.T, raw []byte) *layers.IPv4 {
	t.Helper()
	pkt := gopacket.NewPacket(raw, layers.LayerTypeIPv4, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	ip4, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	require.True(t, ok)
	return ip4
}

func TestProxyTableRewriteRoundTrip(t *testing.T) {
	pt := NewProxyTable([]ProxyEntry{
		{MatchProto: layers.IPProtocolTCP, MatchPort: 80, RewriteIP: netip.MustParseAddr("10.26.0.9"), RewritePort: 8080},
	})
	defer pt.Close()

	reqFrame := buildTCPFrameForTest(t, net.IPv4(10, 26, 0, 2), net.IPv4(1, 2, 3, 4), 5000, 80)
	reqIP4 := parseIPv4Layer(t, reqFrame)

	rewritten, err := pt.RewriteTX(reqIP4, reqFrame)
	require.NoError(t, err)
	rewrittenIP4 := parseIPv4Layer(t, rewritten)
	assert.True(t, rewrittenIP4.DstIP.Equal(net.IPv4(10, 26, 0, 9).To4()))

	replyFrame := buildTCPFrameForTest(t, net.IPv4(10, 26, 0, 9), net.IPv4(10, 26, 0, 2), 8080, 5000)
	replyIP4 := parseIPv4Layer(t, replyFrame)

	restored, err := pt.RewriteRX(replyIP4, replyFrame)
	require.NoError(t, err)
	restoredIP4 := parseIPv4Layer(t, restored)
	assert.True(t, restoredIP4.SrcIP.Equal(net.IPv4(1, 2, 3, 4).To4()))
	restoredPort, _, ok := parseTCPPortsForTest(t, restoredIP4)
	require.True(t, ok)
	assert.EqualValues(t, 80, restoredPort)
}

func buildTCPFrameForTest(t *testing.T, src, dst net.IP, srcPort, dstPort uint16) []byte {
	t.Helper()
	ip4 := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolTCP, SrcIP: src, DstIP: dst}
	tcp := &layers.TCP{SrcPort: layers.TCPPort(srcPort), DstPort: layers.TCPPort(dstPort), Window: 1024}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip4))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip4, tcp, gopacket.Payload([]byte("x"))))

	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out
}

func parseTCPPortsForTest(t *testing.T, ip4 *layers.IPv4) (src, dst uint16, ok bool) {
	t.Helper()
	pkt := gopacket.NewPacket(ip4.Payload, layers.LayerTypeTCP, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	tcp, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
	if !ok {
		return 0, 0, false
	}
	return uint16(tcp.SrcPort), uint16(tcp.DstPort), true
}
