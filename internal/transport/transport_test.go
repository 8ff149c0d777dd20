package transport

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overlaynet/meshd/internal/routetable"
)

func newLoopbackSockets(t *testing.T, n int) []*net.UDPConn {
	t.Helper()
	socks, err := ListenUDPSockets(n)
	require.NoError(t, err)
	t.Cleanup(func() { _ = CloseSockets(socks) })
	return socks
}

func noSleep(time.Duration) {}

func TestSendToRouteKeyDeliversOverTheSelectedSocket(t *testing.T) {
	mains := newLoopbackSockets(t, 2)
	listener := newLoopbackSockets(t, 1)[0]

	table := routetable.New(2)
	c := New(mains, nil, nil, nil, table, WithSleeper(noSleep))

	dst, err := netip.ParseAddrPort(listener.LocalAddr().String())
	require.NoError(t, err)

	rk := routetable.RouteKey{Protocol: routetable.UDP, SocketIndex: 1, Addr: dst}
	require.NoError(t, c.SendToRouteKey([]byte("hello"), rk))

	buf := make([]byte, 16)
	listener.SetReadDeadline(time.Now().Add(time.Second))
	n, _, err := listener.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
}

func TestSendToVirtualIPFallsBackToServerWhenNoRoute(t *testing.T) {
	mains := newLoopbackSockets(t, 1)
	listener := newLoopbackSockets(t, 1)[0]
	serverAddr := listener.LocalAddr().(*net.UDPAddr)

	table := routetable.New(2)
	c := New(mains, nil, nil, nil, table, WithSleeper(noSleep))

	ip := netip.MustParseAddr("10.26.0.9")
	require.NoError(t, c.SendToVirtualIP([]byte("ping"), ip, serverAddr, true, false))

	buf := make([]byte, 16)
	listener.SetReadDeadline(time.Now().Add(time.Second))
	n, _, err := listener.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))
}

func TestSendToVirtualIPErrorsWithoutFallbackWhenNoRoute(t *testing.T) {
	mains := newLoopbackSockets(t, 1)
	table := routetable.New(2)
	c := New(mains, nil, nil, nil, table, WithSleeper(noSleep))

	err := c.SendToVirtualIP([]byte("ping"), netip.MustParseAddr("10.26.0.9"), nil, false, false)
	assert.Error(t, err)
}

func TestTrySendAllMainReachesEveryMainSocket(t *testing.T) {
	mains := newLoopbackSockets(t, 3)
	listener := newLoopbackSockets(t, 1)[0]
	dst := listener.LocalAddr().(*net.UDPAddr)

	table := routetable.New(2)
	c := New(mains, nil, nil, nil, table, WithSleeper(noSleep))
	c.TrySendAllMain([]byte("punch"), dst)

	listener.SetReadDeadline(time.Now().Add(time.Second))
	seen := 0
	buf := make([]byte, 16)
	for seen < 3 {
		n, _, err := listener.ReadFromUDP(buf)
		require.NoError(t, err)
		assert.Equal(t, "punch", string(buf[:n]))
		seen++
	}
}

func TestPacketLossRateDropsSends(t *testing.T) {
	mains := newLoopbackSockets(t, 1)
	listener := newLoopbackSockets(t, 1)[0]
	dst := listener.LocalAddr().(*net.UDPAddr)

	table := routetable.New(2)
	c := New(mains, nil, nil, nil, table,
		WithSleeper(noSleep),
		WithPacketLossRate(1.0),
		WithRandSource(func() float64 { return 0 }),
	)
	require.NoError(t, c.SendDefault([]byte("dropped"), dst))

	listener.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 16)
	_, _, err := listener.ReadFromUDP(buf)
	assert.Error(t, err, "expected a read timeout since the send was dropped")
}

func TestSendDefaultRotatesMainSocketIndex(t *testing.T) {
	mains := newLoopbackSockets(t, 2)
	listener := newLoopbackSockets(t, 1)[0]
	dst := listener.LocalAddr().(*net.UDPAddr)

	table := routetable.New(2)
	c := New(mains, nil, nil, nil, table, WithSleeper(noSleep))

	require.NoError(t, c.SendDefault([]byte("a"), dst))
	require.NoError(t, c.SendDefault([]byte("b"), dst))
	assert.Equal(t, 0, c.mainIndex)
}
