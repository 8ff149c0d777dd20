package registrar

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overlaynet/meshd/internal/directory"
	"github.com/overlaynet/meshd/internal/nat"
	"github.com/overlaynet/meshd/internal/wire"
)

type fakeCallback struct {
	approve  bool
	fatalErr error
}

func (f *fakeCallback) Handshake(HandshakeInfo) bool { return f.approve }
func (f *fakeCallback) Fatal(err error)              { f.fatalErr = err }

func pipeConns(t *testing.T) (Conn, Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })
	return NewTCPConn(a), NewTCPConn(b)
}

func serverRecvService(t *testing.T, server Conn) wire.ServiceType {
	t.Helper()
	buf, err := server.Recv()
	require.NoError(t, err)
	h, err := wire.ParseHeader(buf)
	require.NoError(t, err)
	return wire.ServiceType(h.TransportProtocol())
}

func TestRegisterHappyPath(t *testing.T) {
	client, server := pipeConns(t)
	cfg := Config{Token: "tok", DeviceName: "nodeA", DeviceID: "dev-1", ClientVersion: "meshd/0.1"}
	cb := &fakeCallback{approve: true}
	natFn := func() nat.Info { return nat.Info{Type: nat.TypeCone} }
	dir := directory.New()
	c := New(client, cfg, cb, natFn, dir)

	done := make(chan struct{})
	go func() {
		defer close(done)
		svc := serverRecvService(t, server)
		assert.Equal(t, wire.ServiceHandshake, svc)
		require.NoError(t, server.Send(wire.EncodeService(wire.ServiceHandshakeResponse,
			wire.HandshakeResponse{ServerFinger: []byte("fp"), ServerVersion: "registrar/1.0"}.Marshal())))

		svc = serverRecvService(t, server)
		assert.Equal(t, wire.ServiceRegistrationRequest, svc)
		resp := wire.RegistrationResponse{
			VirtualIP:      net.ParseIP("10.26.0.4"),
			VirtualGateway: net.ParseIP("10.26.0.1"),
			VirtualNetmask: net.ParseIP("255.255.0.0"),
			Epoch:          3,
		}
		require.NoError(t, server.Send(wire.EncodeService(wire.ServiceRegistrationResponse, resp.Marshal())))
	}()

	err := c.Register(context.Background())
	require.NoError(t, err)
	<-done

	assignment := c.Assignment()
	assert.Equal(t, "10.26.0.4", assignment.VirtualIP.String())
	assert.EqualValues(t, 3, assignment.Epoch)
}

func TestRegisterFailsFatallyOnTokenError(t *testing.T) {
	client, server := pipeConns(t)
	cb := &fakeCallback{approve: true}
	dir := directory.New()
	c := New(client, Config{Token: "bad"}, cb, func() nat.Info { return nat.Info{} }, dir)

	done := make(chan struct{})
	go func() {
		defer close(done)
		serverRecvService(t, server)
		require.NoError(t, server.Send(wire.EncodeService(wire.ServiceHandshakeResponse,
			wire.HandshakeResponse{ServerFinger: []byte("fp")}.Marshal())))

		serverRecvService(t, server)
		resp := wire.RegistrationResponse{ErrorCode: errCodeTokenError, ErrorMessage: "bad token"}
		require.NoError(t, server.Send(wire.EncodeService(wire.ServiceRegistrationResponse, resp.Marshal())))
	}()

	err := c.Register(context.Background())
	require.Error(t, err)
	<-done
}

func TestRegisterAbortsWhenCallbackRejectsHandshake(t *testing.T) {
	client, server := pipeConns(t)
	cb := &fakeCallback{approve: false}
	dir := directory.New()
	c := New(client, Config{Token: "tok"}, cb, func() nat.Info { return nat.Info{} }, dir)

	go func() {
		serverRecvService(t, server)
		_ = server.Send(wire.EncodeService(wire.ServiceHandshakeResponse,
			wire.HandshakeResponse{ServerFinger: []byte("fp")}.Marshal()))
	}()

	err := c.Register(context.Background())
	assert.Error(t, err)
}

func TestHeartbeatPollsDirectoryOnEpochMismatch(t *testing.T) {
	client, server := pipeConns(t)
	dir := directory.New()
	require.True(t, dir.Replace(1, nil))
	cfg := Config{HeartbeatInterval: 30 * time.Millisecond}
	c := New(client, cfg, &fakeCallback{}, func() nat.Info { return nat.Info{} }, dir)

	// ctx expires before a second heartbeat tick would fire, so the
	// exchange below is the only one the server needs to handle.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Ping
		buf, err := server.Recv()
		require.NoError(t, err)
		h, err := wire.ParseHeader(buf)
		require.NoError(t, err)
		assert.Equal(t, wire.ProtocolControl, h.Protocol())

		pong := wire.PingPongPayload{Epoch: 2} // server is ahead
		zero := netip.MustParseAddr("0.0.0.0")
		require.NoError(t, server.Send(wire.EncodeControl(wire.ControlPong, zero, zero, pong.Marshal())))

		svc := serverRecvService(t, server)
		assert.Equal(t, wire.ServicePollDeviceList, svc)
		push := wire.PushDeviceList{Epoch: 2, Peers: []wire.DeviceListEntry{
			{VirtualIP: net.ParseIP("10.26.0.5"), Name: "peer", Online: true},
		}}
		require.NoError(t, server.Send(wire.EncodeService(wire.ServicePushDeviceList, push.Marshal())))
	}()

	err := c.RunHeartbeat(ctx)
	<-done
	assert.NoError(t, err) // ctx deadline elapses cleanly between the one exchange and the next tick
	assert.EqualValues(t, 2, dir.Epoch())
}
