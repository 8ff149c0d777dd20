// Package punch schedules and executes hole-punching attempts across the
// cone/symmetric NAT combinations, driven by the PunchRequest/PunchResponse
// control packets (§4.F).
package punch

import (
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/overlaynet/meshd/internal/nat"
	"github.com/overlaynet/meshd/internal/routetable"
	"github.com/overlaynet/meshd/internal/wire"
)

const (
	// Initial is the first retry delay after an unanswered punch attempt.
	Initial = 300 * time.Millisecond
	// Max is the retry delay ceiling.
	Max = 60 * time.Second

	// guessSpan is how many stride-steps on either side of the peer's last
	// known public port the symmetric-to-symmetric scan covers.
	guessSpan = 4

	// PingInterval is how often an established direct route is re-probed
	// for RTT (§4.G).
	PingInterval = 10 * time.Second
)

// Sender transmits punch datagrams over the channel transport (§4.C).
type Sender interface {
	// TrySendAllMain sends buf to addr from every main UDP socket.
	TrySendAllMain(buf []byte, addr *net.UDPAddr)
	// TrySendAll sends buf to addr from the main sockets plus every
	// auxiliary symmetric-mode socket, with inter-send delay.
	TrySendAll(buf []byte, addr *net.UDPAddr)
	// SendTo sends buf to addr from a single socket, used for direct
	// replies.
	SendTo(buf []byte, addr *net.UDPAddr) error
}

// PeerEndpoint is the subset of a directory entry's NatInfo the puncher
// needs to plan an attempt.
type PeerEndpoint struct {
	VirtualIP        netip.Addr
	NatType          nat.Type
	PublicIPs        []net.IP
	PublicPort       uint16
	PublicPortStride uint16
	LocalIP          net.IP
	LocalPort        uint16
}

type peerState struct {
	backoff     time.Duration
	nextAttempt time.Time
}

// Puncher owns per-peer punch backoff state and decides, for each peer, the
// role-specific send pattern to attempt a direct path.
type Puncher struct {
	selfVirtualIP netip.Addr
	selfNat       func() nat.Info
	sender        Sender
	table         *routetable.Table
	channelNum    int
	now           func() time.Time

	mu        sync.Mutex
	state     map[netip.Addr]*peerState
	endpoints map[netip.Addr]PeerEndpoint
}

func New(selfVirtualIP netip.Addr, selfNat func() nat.Info, sender Sender, table *routetable.Table, channelNum int) *Puncher {
	return &Puncher{
		selfVirtualIP: selfVirtualIP,
		selfNat:       selfNat,
		sender:        sender,
		table:         table,
		channelNum:    channelNum,
		now:           time.Now,
		state:         make(map[netip.Addr]*peerState),
		endpoints:     make(map[netip.Addr]PeerEndpoint),
	}
}

// RegisterEndpoint records (or refreshes) a peer's known public/local
// endpoint, learned via an AddrResponse rendezvous bootstrap (§4.F): before
// any direct route exists, the only way to learn where to punch is to ask
// the peer through the server relay.
func (p *Puncher) RegisterEndpoint(ip netip.Addr, ep PeerEndpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endpoints[ip] = ep
}

// Endpoint returns the last endpoint registered for ip, if any.
func (p *Puncher) Endpoint(ip netip.Addr) (PeerEndpoint, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ep, ok := p.endpoints[ip]
	return ep, ok
}

// BuildAddrRequest builds a rendezvous request asking dst to report its own
// public endpoint, addressed for server-relay delivery (dst has no direct
// route yet).
func (p *Puncher) BuildAddrRequest(dst netip.Addr) []byte {
	return wire.EncodeControl(wire.ControlAddrRequest, p.selfVirtualIP, dst, nil)
}

// BuildAddrResponse answers an AddrRequest with this node's own observed
// public endpoint.
func (p *Puncher) BuildAddrResponse(dst netip.Addr) []byte {
	self := p.selfNat()
	payload := wire.AddrResponsePayload{Addr: firstOrNil(self.PublicIPs), Port: self.PublicPort}
	return wire.EncodeControl(wire.ControlAddrResponse, p.selfVirtualIP, dst, payload.Marshal())
}

// NoNeedPunch reports whether ip already has enough direct (p2p) routes
// that further punching is pointless (§4.F).
func (p *Puncher) NoNeedPunch(ip netip.Addr) bool {
	count := 0
	for _, r := range p.table.Routes(ip) {
		if r.IsP2p() {
			count++
		}
	}
	return count >= p.channelNum
}

// ResetBackoff clears a peer's retry state, called whenever a direct frame
// is received from it (successful punch or otherwise already-direct path).
func (p *Puncher) ResetBackoff(ip netip.Addr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.state, ip)
}

// Attempt runs one punch attempt toward peer if its backoff timer has
// elapsed and it isn't already satisfied by NoNeedPunch. Returns whether an
// attempt was actually sent.
func (p *Puncher) Attempt(peer PeerEndpoint) bool {
	if p.NoNeedPunch(peer.VirtualIP) {
		p.ResetBackoff(peer.VirtualIP)
		return false
	}

	now := p.now()
	p.mu.Lock()
	st, ok := p.state[peer.VirtualIP]
	if !ok {
		st = &peerState{backoff: Initial, nextAttempt: now}
		p.state[peer.VirtualIP] = st
	}
	if now.Before(st.nextAttempt) {
		p.mu.Unlock()
		return false
	}
	st.nextAttempt = now.Add(st.backoff)
	st.backoff *= 2
	if st.backoff > Max {
		st.backoff = Max
	}
	p.mu.Unlock()

	p.send(peer)
	return true
}

func (p *Puncher) send(peer PeerEndpoint) {
	self := p.selfNat()
	buf := p.buildPunchRequest(self, peer.VirtualIP)

	switch {
	case self.Type == nat.TypeCone || self.Type == nat.TypeUnknown:
		// Cone -> any: punch every known public endpoint of the peer.
		for _, ip := range peer.PublicIPs {
			p.sender.TrySendAllMain(buf, &net.UDPAddr{IP: ip, Port: int(peer.PublicPort)})
		}
	case peer.NatType == nat.TypeCone:
		// Symmetric -> cone: the cone side punches first; we only reply
		// once its PunchRequest arrives (HandleInbound). Nothing to send
		// proactively here.
	default:
		// Symmetric -> symmetric: only the smaller virtual IP scans, to
		// avoid both sides double-punching past each other.
		if p.selfVirtualIP.Compare(peer.VirtualIP) < 0 {
			p.scanSymmetric(buf, peer)
		}
	}

	// Best-effort LAN shortcut, regardless of NAT combination.
	if len(peer.LocalIP) > 0 {
		p.sender.TrySendAllMain(buf, &net.UDPAddr{IP: peer.LocalIP, Port: int(peer.LocalPort)})
	}
}

// scanSymmetric fans punch attempts across a guessed port range centered on
// the peer's last observed public port, stride-weighted per its measured
// port-mapping stride.
func (p *Puncher) scanSymmetric(buf []byte, peer PeerEndpoint) {
	if len(peer.PublicIPs) == 0 {
		return
	}
	stride := int(peer.PublicPortStride)
	if stride == 0 {
		stride = 1
	}
	base := int(peer.PublicPort)
	ip := peer.PublicIPs[0]
	for i := -guessSpan; i <= guessSpan; i++ {
		port := base + i*stride
		if port < 1 || port > 65535 {
			continue
		}
		p.sender.TrySendAll(buf, &net.UDPAddr{IP: ip, Port: port})
	}
}

func (p *Puncher) buildPunchRequest(self nat.Info, dst netip.Addr) []byte {
	payload := wire.PunchPayload{
		PublicIP:   firstOrNil(self.PublicIPs),
		PublicPort: self.PublicPort,
		LocalIP:    self.LocalIP,
		LocalPort:  self.LocalPort,
	}
	return wire.EncodeControl(wire.ControlPunchRequest, p.selfVirtualIP, dst, payload.Marshal())
}

// HandleInbound processes a PunchRequest or PunchResponse control packet
// observed from fromAddr. A PunchRequest gets an immediate PunchResponse
// reply to the exact address it arrived from (this is what makes
// symmetric-to-cone punching work: the cone peer's request tells us
// precisely which port its NAT is using toward us). Either message type, on
// arrival, is evidence of a working direct path and is installed as a
// metric=1 route.
func (p *Puncher) HandleInbound(ctrl wire.ControlType, fromAddr *net.UDPAddr, key routetable.RouteKey, peerIP netip.Addr, rttMillis int32) error {
	if ctrl == wire.ControlPunchRequest {
		self := p.selfNat()
		payload := wire.PunchPayload{
			PublicIP:   firstOrNil(self.PublicIPs),
			PublicPort: self.PublicPort,
			LocalIP:    self.LocalIP,
			LocalPort:  self.LocalPort,
		}
		reply := wire.EncodeControl(wire.ControlPunchResponse, p.selfVirtualIP, peerIP, payload.Marshal())
		if err := p.sender.SendTo(reply, fromAddr); err != nil {
			return err
		}
	}

	p.ResetBackoff(peerIP)
	return p.table.AddRoute(peerIP, routetable.Route{Key: key, Metric: 1, RTTMillis: rttMillis})
}

// SendPing probes an already-established direct route for RTT, addressed
// directly to addr rather than fanned out the way punch requests are.
func (p *Puncher) SendPing(peerIP netip.Addr, addr *net.UDPAddr) error {
	payload := wire.PingPongPayload{Time: uint16(p.now().Unix() & 0xffff)}
	buf := wire.EncodeControl(wire.ControlPing, p.selfVirtualIP, peerIP, payload.Marshal())
	return p.sender.SendTo(buf, addr)
}

// HandlePingPong answers a Ping with an echoing Pong, or, on a Pong,
// derives the round-trip time from the echoed timestamp and refreshes key
// as a metric=1 route to peerIP.
func (p *Puncher) HandlePingPong(ctrl wire.ControlType, fromAddr *net.UDPAddr, key routetable.RouteKey, peerIP netip.Addr, payload wire.PingPongPayload) error {
	if ctrl == wire.ControlPing {
		reply := wire.EncodeControl(wire.ControlPong, p.selfVirtualIP, peerIP, payload.Marshal())
		return p.sender.SendTo(reply, fromAddr)
	}

	rtt := rttMillisSince(payload.Time, p.now())
	p.ResetBackoff(peerIP)
	return p.table.AddRoute(peerIP, routetable.Route{Key: key, Metric: 1, RTTMillis: rtt})
}

// rttMillisSince derives a round-trip time in milliseconds from a truncated
// 16-bit Unix-seconds counter embedded in the original Ping, accounting for
// wraparound. The result is only second-granular, matching the wire
// payload's resolution.
func rttMillisSince(sent uint16, now time.Time) int32 {
	cur := uint16(now.Unix() & 0xffff)
	diff := int32(cur) - int32(sent)
	if diff < 0 {
		diff += 1 << 16
	}
	return diff * 1000
}

func firstOrNil(ips []net.IP) net.IP {
	if len(ips) == 0 {
		return nil
	}
	return ips[0]
}
