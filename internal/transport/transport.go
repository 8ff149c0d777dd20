package transport

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/overlaynet/meshd/internal/routetable"
)

// retryAttempts and retryBackoff implement the send_to_virtual_ip retry
// contract: up to 10 attempts, 200µs apart, on a transient (WouldBlock-style)
// send failure.
const (
	retryAttempts = 10
	retryBackoff  = 200 * time.Microsecond

	// symmetricSendDelay is the inter-send pause try_send_all uses across
	// the auxiliary socket fan-out, so a burst of 100 sends doesn't look
	// like a port-scan to the kernel or the peer's NAT.
	symmetricSendDelay = time.Millisecond
)

// Option configures a Channel at construction time.
type Option func(*Channel)

// WithPacketLossRate simulates a fraction (0..1) of outbound sends being
// silently dropped, for fault-injection testing.
func WithPacketLossRate(rate float64) Option {
	return func(c *Channel) { c.packetLossRate = rate }
}

// WithPacketDelay simulates latency by sleeping before every send.
func WithPacketDelay(d time.Duration) Option {
	return func(c *Channel) { c.packetDelay = d }
}

// WithDefaultProtocol selects the channel SendDefault uses, and with it the
// no-route fallback of SendToVirtualIP. Defaults to UDP.
func WithDefaultProtocol(p routetable.ConnectProtocol) Option {
	return func(c *Channel) { c.defaultProtocol = p }
}

// WithRandSource overrides the fault-injection RNG, for deterministic
// tests.
func WithRandSource(f func() float64) Option {
	return func(c *Channel) { c.randFloat = f }
}

// WithSleeper overrides the function used for inter-send and retry delays,
// for tests that don't want to wait on a real clock.
func WithSleeper(sleep func(time.Duration)) Option {
	return func(c *Channel) { c.sleep = sleep }
}

// Channel is the multi-socket send path shared by the puncher, registrar,
// and tunnel forwarder (§4.C).
type Channel struct {
	mainSockets []*net.UDPConn
	auxSockets  []*net.UDPConn // symmetric-NAT mode only; punch fan-out
	tcpConn     net.Conn
	ws          WSWriter

	table *routetable.Table

	defaultProtocol routetable.ConnectProtocol

	mu        sync.Mutex
	mainIndex int

	packetLossRate float64
	packetDelay    time.Duration
	randFloat      func() float64
	sleep          func(time.Duration)
}

// New builds a Channel over mainSockets (the required main UDP set), with
// optional auxSockets (symmetric-NAT punch fan-out), tcpConn, and ws stream.
func New(mainSockets []*net.UDPConn, auxSockets []*net.UDPConn, tcpConn net.Conn, ws WSWriter, table *routetable.Table, opts ...Option) *Channel {
	c := &Channel{
		mainSockets: mainSockets,
		auxSockets:  auxSockets,
		tcpConn:     tcpConn,
		ws:          ws,
		table:       table,
		randFloat:   rand.Float64,
		sleep:       time.Sleep,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Channel) shouldDrop() bool {
	if c.packetLossRate <= 0 {
		return false
	}
	return c.randFloat() < c.packetLossRate
}

func (c *Channel) maybeDelay() {
	if c.packetDelay > 0 {
		c.sleep(c.packetDelay)
	}
}

// SendToRouteKey dispatches buf over the physical path rk names.
func (c *Channel) SendToRouteKey(buf []byte, rk routetable.RouteKey) error {
	if c.shouldDrop() {
		return nil
	}
	c.maybeDelay()

	switch rk.Protocol {
	case routetable.UDP:
		if rk.SocketIndex < 0 || rk.SocketIndex >= len(c.mainSockets) {
			return fmt.Errorf("transport: socket index %d out of range (have %d)", rk.SocketIndex, len(c.mainSockets))
		}
		_, err := c.mainSockets[rk.SocketIndex].WriteToUDPAddrPort(buf, rk.Addr)
		return err
	case routetable.TCP:
		return c.sendStream(buf)
	case routetable.WS, routetable.WSS:
		return c.sendWS(buf)
	default:
		return fmt.Errorf("transport: unknown route protocol %v", rk.Protocol)
	}
}

// SendToVirtualIP looks up ip in the route table and sends over the
// selected path, retrying up to retryAttempts times with retryBackoff on a
// transient failure. If ip has no route and allowFallback is set (and the
// table isn't restricted to p2p-only channels), the frame goes to
// serverAddr over the default channel instead.
func (c *Channel) SendToVirtualIP(buf []byte, ip netip.Addr, serverAddr *net.UDPAddr, allowFallback, onlyP2pChannel bool) error {
	rk, ok := c.table.Select(ip)
	if !ok {
		if allowFallback && !onlyP2pChannel {
			return c.SendDefault(buf, serverAddr)
		}
		return fmt.Errorf("transport: no route to %s", ip)
	}

	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		err := c.SendToRouteKey(buf, rk)
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
		lastErr = err
		c.sleep(retryBackoff)
	}
	return fmt.Errorf("transport: send to %s exhausted retries: %w", ip, lastErr)
}

// SendDefault sends server-bound control traffic over the configured
// default channel: the rotating main UDP socket, or the single TCP/WS
// stream when one of those is configured as default.
func (c *Channel) SendDefault(buf []byte, addr *net.UDPAddr) error {
	if c.shouldDrop() {
		return nil
	}
	c.maybeDelay()

	switch c.defaultProtocol {
	case routetable.TCP:
		return c.sendStream(buf)
	case routetable.WS, routetable.WSS:
		return c.sendWS(buf)
	default:
		c.mu.Lock()
		idx := c.mainIndex
		c.mainIndex = (c.mainIndex + 1) % len(c.mainSockets)
		c.mu.Unlock()
		_, err := c.mainSockets[idx].WriteToUDP(buf, addr)
		return err
	}
}

// TrySendAllMain sends buf to addr from every main UDP socket, used for
// cone-NAT punch attempts.
func (c *Channel) TrySendAllMain(buf []byte, addr *net.UDPAddr) {
	for _, sock := range c.mainSockets {
		if c.shouldDrop() {
			continue
		}
		_, _ = sock.WriteToUDP(buf, addr)
	}
}

// TrySendAll sends buf to addr from the main sockets plus every auxiliary
// symmetric-mode socket, pausing symmetricSendDelay between each, used for
// symmetric-to-symmetric punch scans.
func (c *Channel) TrySendAll(buf []byte, addr *net.UDPAddr) {
	all := make([]*net.UDPConn, 0, len(c.mainSockets)+len(c.auxSockets))
	all = append(all, c.mainSockets...)
	all = append(all, c.auxSockets...)
	for _, sock := range all {
		if !c.shouldDrop() {
			_, _ = sock.WriteToUDP(buf, addr)
		}
		c.sleep(symmetricSendDelay)
	}
}

// SendTo sends buf to addr from a single main socket (the rotating default
// index), used for direct punch replies.
func (c *Channel) SendTo(buf []byte, addr *net.UDPAddr) error {
	return c.SendDefault(buf, addr)
}

// SendUDP sends a raw datagram from the rotating default main socket,
// satisfying the nat package's Sender interface for STUN probing.
func (c *Channel) SendUDP(addr *net.UDPAddr, buf []byte) error {
	return c.SendDefault(buf, addr)
}

func (c *Channel) sendStream(buf []byte) error {
	if c.tcpConn == nil {
		return errors.New("transport: no tcp stream configured")
	}
	_, err := c.tcpConn.Write(buf)
	return err
}

func (c *Channel) sendWS(buf []byte) error {
	if c.ws == nil {
		return errors.New("transport: no ws stream configured")
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, buf)
}

func isTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// Close shuts down every socket and stream owned by the channel.
func (c *Channel) Close() error {
	err := CloseSockets(c.mainSockets)
	if auxErr := CloseSockets(c.auxSockets); err == nil {
		err = auxErr
	}
	if c.tcpConn != nil {
		if closeErr := c.tcpConn.Close(); err == nil {
			err = closeErr
		}
	}
	if c.ws != nil {
		if closeErr := c.ws.Close(); err == nil {
			err = closeErr
		}
	}
	return err
}
