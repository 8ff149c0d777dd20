package tunnel

import (
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overlaynet/meshd/internal/routetable"
	"github.com/overlaynet/meshd/internal/wire"
)

type fakeDevice struct {
	written [][]byte
}

func (d *fakeDevice) Read(buf []byte) (int, error) { return 0, nil }
func (d *fakeDevice) Write(buf []byte) (int, error) {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	d.written = append(d.written, cp)
	return len(buf), nil
}

type fakeSender struct {
	toVirtualIP []netip.Addr
	toRouteKey  []routetable.RouteKey
	toDefault   int
	lastFrame   []byte
}

func (s *fakeSender) SendToVirtualIP(buf []byte, ip netip.Addr, _ *net.UDPAddr, _, _ bool) error {
	s.toVirtualIP = append(s.toVirtualIP, ip)
	s.lastFrame = buf
	return nil
}
func (s *fakeSender) SendToRouteKey(buf []byte, rk routetable.RouteKey) error {
	s.toRouteKey = append(s.toRouteKey, rk)
	s.lastFrame = buf
	return nil
}
func (s *fakeSender) SendDefault(buf []byte, _ *net.UDPAddr) error {
	s.toDefault++
	s.lastFrame = buf
	return nil
}

func selfDevice() CurrentDevice {
	return CurrentDevice{
		VirtualIP:      netip.MustParseAddr("10.26.0.2"),
		VirtualGateway: netip.MustParseAddr("10.26.0.1"),
		Network:        netip.MustParsePrefix("10.26.0.0/24"),
	}
}

func newTestPump(dev *fakeDevice, sender *fakeSender, table *routetable.Table) *Pump {
	return New(dev, sender, table, selfDevice)
}

func buildIPv4UDP(t *testing.T, src, dst net.IP) []byte {
	t.Helper()
	return buildUDPFrame(t, src, dst, 1234, 5678)
}

func TestHandleIPv4FromInterfaceForwardsTurnFrame(t *testing.T) {
	dev := &fakeDevice{}
	sender := &fakeSender{}
	table := routetable.New(4)
	p := newTestPump(dev, sender, table)

	frame := buildIPv4UDP(t, net.IPv4(10, 26, 0, 2), net.IPv4(10, 26, 0, 3))
	require.NoError(t, p.handleIPv4FromInterface(frame))

	require.Len(t, sender.toVirtualIP, 1)
	assert.Equal(t, netip.MustParseAddr("10.26.0.3"), sender.toVirtualIP[0])

	h, err := wire.ParseHeader(sender.lastFrame)
	require.NoError(t, err)
	assert.Equal(t, wire.ProtocolIpv4Turn, h.Protocol())
	assert.EqualValues(t, wire.MaxTTL, h.TTL())
	assert.Equal(t, netip.MustParseAddr("10.26.0.2"), wire.Uint32ToAddr(h.SourceIPv4()))
}

func TestHandleIPv4FromInterfaceDropsWrongSource(t *testing.T) {
	dev := &fakeDevice{}
	sender := &fakeSender{}
	table := routetable.New(4)
	p := newTestPump(dev, sender, table)

	frame := buildIPv4UDP(t, net.IPv4(10, 26, 0, 9), net.IPv4(10, 26, 0, 3))
	require.NoError(t, p.handleIPv4FromInterface(frame))
	assert.Empty(t, sender.toVirtualIP)
}

func TestHandleInboundDeliversToInterface(t *testing.T) {
	dev := &fakeDevice{}
	sender := &fakeSender{}
	table := routetable.New(4)
	p := newTestPump(dev, sender, table)

	datagram := buildUDPFrame(t, net.IPv4(10, 26, 0, 5), net.IPv4(10, 26, 0, 2), 4321, 80)
	frame := wire.EncodeIpv4Turn(datagram, false, wire.MaxTTL)
	h, err := wire.ParseHeader(frame)
	require.NoError(t, err)
	h.SetSourceIPv4(wire.AddrToUint32(netip.MustParseAddr("10.26.0.5")))
	h.SetDestIPv4(wire.AddrToUint32(netip.MustParseAddr("10.26.0.2")))

	rk := routetable.RouteKey{Protocol: routetable.UDP, Addr: netip.MustParseAddrPort("203.0.113.1:9000")}
	require.NoError(t, p.HandleInbound(h.Bytes(), rk))

	require.Len(t, dev.written, 1)
	assert.Equal(t, datagram, dev.written[0])
}

func TestHandleInboundForwardsWhenNotAddressedToSelf(t *testing.T) {
	dev := &fakeDevice{}
	sender := &fakeSender{}
	table := routetable.New(4)
	p := newTestPump(dev, sender, table)
	p.connected = func() bool { return true }

	dst := netip.MustParseAddr("10.26.0.9")
	directKey := routetable.RouteKey{Protocol: routetable.UDP, Addr: netip.MustParseAddrPort("198.51.100.1:4000")}
	require.NoError(t, table.AddRoute(dst, routetable.Route{Key: directKey, Metric: 1}))

	datagram := buildUDPFrame(t, net.IPv4(10, 26, 0, 5), net.IPv4(10, 26, 0, 9), 1, 2)
	frame := wire.EncodeIpv4Turn(datagram, false, wire.MaxTTL)
	h, err := wire.ParseHeader(frame)
	require.NoError(t, err)
	h.SetSourceIPv4(wire.AddrToUint32(netip.MustParseAddr("10.26.0.5")))
	h.SetDestIPv4(wire.AddrToUint32(dst))

	rk := routetable.RouteKey{Protocol: routetable.UDP, Addr: netip.MustParseAddrPort("203.0.113.1:9000")}
	require.NoError(t, p.HandleInbound(h.Bytes(), rk))

	require.Len(t, sender.toRouteKey, 1)
	assert.Equal(t, directKey, sender.toRouteKey[0])
	assert.Empty(t, dev.written)
}

func TestHandleInboundDropsZeroTTL(t *testing.T) {
	dev := &fakeDevice{}
	sender := &fakeSender{}
	table := routetable.New(4)
	p := newTestPump(dev, sender, table)

	datagram := buildUDPFrame(t, net.IPv4(10, 26, 0, 5), net.IPv4(10, 26, 0, 2), 1, 2)
	frame := wire.EncodeIpv4Turn(datagram, false, 0)
	require.NoError(t, p.HandleInbound(frame, routetable.RouteKey{}))
	assert.Empty(t, dev.written)
	assert.Empty(t, sender.toRouteKey)
}
