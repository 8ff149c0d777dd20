package punch

import (
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overlaynet/meshd/internal/nat"
	"github.com/overlaynet/meshd/internal/routetable"
)

type recordingSender struct {
	mu        sync.Mutex
	mainSends []*net.UDPAddr
	allSends  []*net.UDPAddr
	sendTo    []*net.UDPAddr
}

func (s *recordingSender) TrySendAllMain(buf []byte, addr *net.UDPAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mainSends = append(s.mainSends, addr)
}

func (s *recordingSender) TrySendAll(buf []byte, addr *net.UDPAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allSends = append(s.allSends, addr)
}

func (s *recordingSender) SendTo(buf []byte, addr *net.UDPAddr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendTo = append(s.sendTo, addr)
	return nil
}

func selfNat(t nat.Type) func() nat.Info {
	return func() nat.Info {
		return nat.Info{
			Type:       t,
			PublicIPs:  []net.IP{net.ParseIP("203.0.113.9")},
			PublicPort: 40000,
			LocalIP:    net.ParseIP("192.168.1.2"),
			LocalPort:  51820,
		}
	}
}

func TestConeInitiatorPunchesEveryPublicEndpoint(t *testing.T) {
	self := netip.MustParseAddr("10.26.0.2")
	sender := &recordingSender{}
	table := routetable.New(4)
	p := New(self, selfNat(nat.TypeCone), sender, table, 4)

	peer := PeerEndpoint{
		VirtualIP:  netip.MustParseAddr("10.26.0.3"),
		NatType:    nat.TypeSymmetric,
		PublicIPs:  []net.IP{net.ParseIP("198.51.100.1"), net.ParseIP("198.51.100.2")},
		PublicPort: 55000,
		LocalIP:    net.ParseIP("192.168.1.3"),
		LocalPort:  51820,
	}

	fired := p.Attempt(peer)
	require.True(t, fired)
	// One main-socket send per peer public IP, plus one LAN shortcut.
	assert.Len(t, sender.mainSends, 3)
}

func TestSymmetricToConeDoesNotInitiate(t *testing.T) {
	self := netip.MustParseAddr("10.26.0.2")
	sender := &recordingSender{}
	table := routetable.New(4)
	p := New(self, selfNat(nat.TypeSymmetric), sender, table, 4)

	peer := PeerEndpoint{
		VirtualIP:  netip.MustParseAddr("10.26.0.3"),
		NatType:    nat.TypeCone,
		PublicIPs:  []net.IP{net.ParseIP("198.51.100.1")},
		PublicPort: 55000,
	}

	p.Attempt(peer)
	// Only the LAN shortcut attempt should have fired, no scan toward the
	// peer's public endpoint -- the cone side is expected to punch first.
	assert.Empty(t, sender.allSends)
}

func TestSymmetricToSymmetricOnlySmallerVirtualIPScans(t *testing.T) {
	sender := &recordingSender{}
	table := routetable.New(4)

	smaller := netip.MustParseAddr("10.26.0.2")
	larger := netip.MustParseAddr("10.26.0.9")

	peerOfLarger := PeerEndpoint{VirtualIP: larger, NatType: nat.TypeSymmetric, PublicIPs: []net.IP{net.ParseIP("198.51.100.1")}, PublicPort: 55000, PublicPortStride: 2}
	pSmaller := New(smaller, selfNat(nat.TypeSymmetric), sender, table, 4)
	pSmaller.Attempt(peerOfLarger)
	assert.NotEmpty(t, sender.allSends, "smaller virtual IP should scan")

	sender2 := &recordingSender{}
	peerOfSmaller := PeerEndpoint{VirtualIP: smaller, NatType: nat.TypeSymmetric, PublicIPs: []net.IP{net.ParseIP("198.51.100.1")}, PublicPort: 55000, PublicPortStride: 2}
	pLarger := New(larger, selfNat(nat.TypeSymmetric), sender2, table, 4)
	pLarger.Attempt(peerOfSmaller)
	assert.Empty(t, sender2.allSends, "larger virtual IP should defer")
}

func TestNoNeedPunchSuppressesFurtherAttempts(t *testing.T) {
	self := netip.MustParseAddr("10.26.0.2")
	sender := &recordingSender{}
	table := routetable.New(1)
	peerIP := netip.MustParseAddr("10.26.0.3")
	require.NoError(t, table.AddRoute(peerIP, routetable.Route{
		Key:    routetable.RouteKey{Protocol: routetable.UDP, SocketIndex: 0, Addr: netip.MustParseAddrPort("198.51.100.1:55000")},
		Metric: 1,
	}))

	p := New(self, selfNat(nat.TypeCone), sender, table, 1)
	fired := p.Attempt(PeerEndpoint{VirtualIP: peerIP, NatType: nat.TypeCone, PublicIPs: []net.IP{net.ParseIP("198.51.100.1")}, PublicPort: 55000})
	assert.False(t, fired)
	assert.Empty(t, sender.mainSends)
}

func TestBackoffDoublesThenCapsAtMax(t *testing.T) {
	self := netip.MustParseAddr("10.26.0.2")
	sender := &recordingSender{}
	table := routetable.New(4)
	p := New(self, selfNat(nat.TypeCone), sender, table, 4)

	now := time.Now()
	p.now = func() time.Time { return now }

	peer := PeerEndpoint{VirtualIP: netip.MustParseAddr("10.26.0.3"), NatType: nat.TypeCone, PublicIPs: []net.IP{net.ParseIP("198.51.100.1")}, PublicPort: 55000}

	require.True(t, p.Attempt(peer))
	require.False(t, p.Attempt(peer), "immediate retry before backoff elapses should not fire")

	now = now.Add(Initial)
	require.True(t, p.Attempt(peer))

	p.mu.Lock()
	backoff := p.state[peer.VirtualIP].backoff
	p.mu.Unlock()
	assert.Equal(t, Initial*4, backoff)

	for i := 0; i < 10; i++ {
		now = now.Add(Max)
		require.True(t, p.Attempt(peer))
	}
	p.mu.Lock()
	backoff = p.state[peer.VirtualIP].backoff
	p.mu.Unlock()
	assert.Equal(t, Max, backoff)
}

func TestResetBackoffAllowsImmediateRetry(t *testing.T) {
	self := netip.MustParseAddr("10.26.0.2")
	sender := &recordingSender{}
	table := routetable.New(4)
	p := New(self, selfNat(nat.TypeCone), sender, table, 4)

	now := time.Now()
	p.now = func() time.Time { return now }
	peer := PeerEndpoint{VirtualIP: netip.MustParseAddr("10.26.0.3"), NatType: nat.TypeCone, PublicIPs: []net.IP{net.ParseIP("198.51.100.1")}, PublicPort: 55000}

	require.True(t, p.Attempt(peer))
	p.ResetBackoff(peer.VirtualIP)
	require.True(t, p.Attempt(peer), "attempt should fire again immediately after reset")
}

func TestHandleInboundRequestRepliesAndInstallsRoute(t *testing.T) {
	self := netip.MustParseAddr("10.26.0.2")
	sender := &recordingSender{}
	table := routetable.New(4)
	p := New(self, selfNat(nat.TypeCone), sender, table, 4)

	peerIP := netip.MustParseAddr("10.26.0.3")
	from := &net.UDPAddr{IP: net.ParseIP("198.51.100.1"), Port: 55000}
	key := routetable.RouteKey{Protocol: routetable.UDP, SocketIndex: 0, Addr: netip.MustParseAddrPort("198.51.100.1:55000")}

	err := p.HandleInbound(3 /* ControlPunchRequest */, from, key, peerIP, 12)
	require.NoError(t, err)
	assert.Len(t, sender.sendTo, 1)

	route, ok := table.BestRoute(peerIP)
	require.True(t, ok)
	assert.True(t, route.IsP2p())
}
