package tunnel

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/overlaynet/meshd/internal/cipher"
	"github.com/overlaynet/meshd/internal/igmp"
	"github.com/overlaynet/meshd/internal/routetable"
	"github.com/overlaynet/meshd/internal/wire"
)

// broadcastMAC is used as the destination when writing a delivered or
// locally-answered frame into a TAP device, since this pump doesn't track
// a per-peer ARP table of its own.
var broadcastMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// CurrentDevice is the live addressing snapshot the pump consults on every
// frame (§4.H); it changes whenever the registrar grants a new assignment.
type CurrentDevice struct {
	VirtualIP      netip.Addr
	VirtualGateway netip.Addr
	Network        netip.Prefix
	ConnectServer  *net.UDPAddr
}

// Sender is the transport surface the pump drives (§4.C).
type Sender interface {
	SendToVirtualIP(buf []byte, ip netip.Addr, serverAddr *net.UDPAddr, allowFallback, onlyP2pChannel bool) error
	SendToRouteKey(buf []byte, rk routetable.RouteKey) error
	SendDefault(buf []byte, addr *net.UDPAddr) error
}

// Option configures a Pump at construction time.
type Option func(*Pump)

func WithCompression(on bool) Option {
	return func(p *Pump) { p.compression = on }
}

func WithTapMode(gatewayMAC net.HardwareAddr) Option {
	return func(p *Pump) { p.tapMode = true; p.gatewayMAC = gatewayMAC }
}

func WithOnlyP2pChannel(on bool) Option {
	return func(p *Pump) { p.onlyP2pChannel = on }
}

func WithCipher(t cipher.Transform, keys cipher.KeySet) Option {
	return func(p *Pump) { p.transform = t; p.keys = keys }
}

func WithExternalRoutes(er *ExternalRoutes) Option {
	return func(p *Pump) { p.externalRoutes = er }
}

func WithProxyTable(pt *ProxyTable) Option {
	return func(p *Pump) { p.proxy = pt }
}

func WithMembershipSource(m igmp.MembershipSource) Option {
	return func(p *Pump) { p.members = m }
}

// MeterSink is the traffic-accounting surface the pump drives; both
// *metering.Manager and a Prometheus-reporting wrapper around it satisfy
// it (§2 component P).
type MeterSink interface {
	RecordTx(ip netip.Addr, n uint64)
	RecordRx(ip netip.Addr, n uint64)
}

func WithMeter(m MeterSink) Option {
	return func(p *Pump) { p.meter = m }
}

func WithConnected(f func() bool) Option {
	return func(p *Pump) { p.connected = f }
}

func WithLogger(log *slog.Logger) Option {
	return func(p *Pump) { p.log = log }
}

// Pump is the tunnel data-plane engine: one TX path (interface to
// transport) and one RX path (transport to interface or forward) per
// §4.H/§4.M.
type Pump struct {
	device Device
	sender Sender
	table  *routetable.Table
	self   func() CurrentDevice

	log            *slog.Logger
	compression    bool
	tapMode        bool
	gatewayMAC     net.HardwareAddr
	onlyP2pChannel bool
	connected      func() bool

	transform cipher.Transform
	keys      cipher.KeySet

	externalRoutes *ExternalRoutes
	proxy          *ProxyTable
	members        igmp.MembershipSource
	meter          MeterSink
}

// New builds a Pump. self is called on every frame to get the current
// virtual addressing, since registration can reassign it without tearing
// the pump down.
func New(device Device, sender Sender, table *routetable.Table, self func() CurrentDevice, opts ...Option) *Pump {
	p := &Pump{
		device:    device,
		sender:    sender,
		table:     table,
		self:      self,
		log:       slog.Default(),
		connected: func() bool { return true },
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Pump) trailerLen() int {
	if p.transform == nil || p.transform.Model() == cipher.ModelNone {
		return 0
	}
	tagLen := 0
	if p.transform.Model().IsAEAD() {
		tagLen = cipher.TagLen
	}
	return cipher.RandomLen + tagLen + cipher.FingerLen
}

// buildTurnFrame compresses (if configured) and encrypts (if configured)
// datagram, wrapping it as a complete Ipv4Turn wire frame from src to dst.
func (p *Pump) buildTurnFrame(src, dst netip.Addr, datagram []byte, ttl uint8) ([]byte, error) {
	compressed := false
	body := datagram
	if p.compression {
		c, err := compress(datagram)
		if err == nil && len(c) < len(datagram) {
			body, compressed = c, true
		}
	}

	h := wire.NewHeader(wire.ProtocolIpv4Turn, wire.ProtocolIpv4Turn)
	h.FirstSetTTL(ttl)
	h.SetSourceIPv4(wire.AddrToUint32(src))
	h.SetDestIPv4(wire.AddrToUint32(dst))

	if p.transform == nil || p.transform.Model() == cipher.ModelNone {
		flag := byte(0)
		if compressed {
			flag = 1
		}
		h.SetPayload(append([]byte{flag}, body...))
		return h.Bytes(), nil
	}

	ct, trailer, err := cipher.Seal(p.transform, p.keys, h.Bytes(), body)
	if err != nil {
		return nil, fmt.Errorf("tunnel: sealing turn frame: %w", err)
	}
	flag := byte(0)
	if compressed {
		flag = 1
	}
	sealed := make([]byte, 0, 1+len(ct)+len(trailer))
	sealed = append(sealed, flag)
	sealed = append(sealed, ct...)
	sealed = append(sealed, trailer...)
	h.SetPayload(sealed)
	return h.Bytes(), nil
}

// RunTX drains the interface and turns each outbound frame onto the
// transport, until a read from the interface fails. mtu only sizes the
// read buffer (mtu+64 bytes, at least 2048).
func (p *Pump) RunTX(mtu int) error {
	bufSize := mtu + 64
	if bufSize < 2048 {
		bufSize = 2048
	}
	buf := make([]byte, bufSize)
	for {
		n, err := p.device.Read(buf)
		if err != nil {
			return fmt.Errorf("tunnel: reading interface: %w", err)
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		if err := p.handleInterfaceFrame(frame); err != nil {
			p.log.Warn("tunnel: tx frame dropped", "error", err)
		}
	}
}

func (p *Pump) handleInterfaceFrame(frame []byte) error {
	if p.tapMode {
		if arp, ok := wire.ParseARPRequest(frame); ok {
			reply, err := wire.BuildARPReply(arp, p.gatewayMAC)
			if err != nil {
				return err
			}
			_, err = p.device.Write(reply)
			return err
		}
		if len(frame) < 14 {
			return nil
		}
		frame = frame[14:]
	}
	return p.handleIPv4FromInterface(frame)
}

func (p *Pump) handleIPv4FromInterface(frame []byte) error {
	ip4, _, err := wire.ParseIPv4(frame)
	if err != nil {
		return nil
	}
	self := p.self()

	srcIP, ok := netip.AddrFromSlice(ip4.SrcIP.To4())
	if !ok || srcIP != self.VirtualIP {
		return nil
	}
	dstIP, ok := netip.AddrFromSlice(ip4.DstIP.To4())
	if !ok {
		return nil
	}

	if ip4.Protocol == layers.IPProtocolIGMP {
		if group, join, ok := igmp.ParseReport(ip4.Payload); ok && p.members != nil {
			p.members.OnReport(group, join)
		}
		return nil
	}

	if srcIP == dstIP {
		return p.answerICMPLocally(ip4, frame)
	}

	datagram := frame
	sendDst := dstIP
	if !self.Network.Contains(dstIP) {
		nextHop, ok := p.externalRoutes.Lookup(dstIP)
		if !ok {
			return nil
		}
		if nextHop == srcIP {
			return nil
		}
		sendDst = nextHop
	} else if p.proxy != nil {
		rewritten, err := p.proxy.RewriteTX(ip4, datagram)
		if err != nil {
			return fmt.Errorf("tunnel: proxy nat: %w", err)
		}
		datagram = rewritten
	}

	turned, err := p.buildTurnFrame(self.VirtualIP, sendDst, datagram, wire.MaxTTL)
	if err != nil {
		return err
	}
	if err := p.sender.SendToVirtualIP(turned, sendDst, self.ConnectServer, true, p.onlyP2pChannel); err != nil {
		return fmt.Errorf("tunnel: sending turn frame: %w", err)
	}
	if p.meter != nil {
		p.meter.RecordTx(sendDst, uint64(len(turned)))
	}
	return nil
}

func (p *Pump) answerICMPLocally(ip4 *layers.IPv4, frame []byte) error {
	icmpPkt, ok := wire.IsEchoRequestFor(ip4, ip4.DstIP)
	if !ok {
		return nil
	}
	reply, err := wire.BuildEchoReply(ip4, icmpPkt)
	if err != nil {
		return err
	}
	return p.writeToInterface(reply)
}

func (p *Pump) writeToInterface(datagram []byte) error {
	if !p.tapMode {
		_, err := p.device.Write(datagram)
		return err
	}
	framed, err := wrapEthernet(datagram, p.gatewayMAC, broadcastMAC)
	if err != nil {
		return err
	}
	_, err = p.device.Write(framed)
	return err
}

func wrapEthernet(payload []byte, srcMAC, dstMAC net.HardwareAddr) ([]byte, error) {
	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv4}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, eth, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("tunnel: wrapping ethernet frame: %w", err)
	}
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out, nil
}

// HandleInbound processes one frame received over rk. Callers run one of
// these per socket reader (§5).
func (p *Pump) HandleInbound(buf []byte, rk routetable.RouteKey) error {
	h, err := wire.ParseHeader(buf)
	if err != nil {
		return err
	}
	if h.TTL() == 0 {
		return nil
	}
	self := p.self()
	src := wire.Uint32ToAddr(h.SourceIPv4())
	if src == self.VirtualIP {
		return nil
	}
	if h.Protocol() != wire.ProtocolIpv4Turn {
		return nil
	}
	dst := wire.Uint32ToAddr(h.DestIPv4())

	if dst != self.VirtualIP {
		return p.forward(h, self, src, dst, rk)
	}
	if err := p.deliver(h, buf, rk); err != nil {
		return err
	}
	p.table.Touch(src, rk, time.Now())
	if p.meter != nil {
		p.meter.RecordRx(src, uint64(len(buf)))
	}
	return nil
}

func (p *Pump) forward(h *wire.Header, self CurrentDevice, src, dst netip.Addr, rk routetable.RouteKey) error {
	if !p.connected() {
		return nil
	}
	if !self.Network.Contains(src) || !self.Network.Contains(dst) {
		p.log.Warn("tunnel: rejecting out-of-subnet forward", "src", src, "dst", dst)
		return nil
	}
	h.DecrementTTL()
	if route, ok := p.table.BestRoute(dst); ok && route.Metric <= h.TTL() {
		return p.sender.SendToRouteKey(h.Bytes(), route.Key)
	}
	if (h.TTL() > 2 || dst == self.VirtualGateway) && src != self.VirtualGateway {
		return p.sender.SendDefault(h.Bytes(), self.ConnectServer)
	}
	return nil
}

func (p *Pump) deliver(h *wire.Header, frame []byte, rk routetable.RouteKey) error {
	body, compressed, err := wire.DecodeIpv4Turn(h)
	if err != nil {
		return err
	}

	if p.transform != nil && p.transform.Model() != cipher.ModelNone {
		trailerLen := p.trailerLen()
		if len(body) < trailerLen {
			return fmt.Errorf("tunnel: frame too short for cipher envelope")
		}
		ct := body[:len(body)-trailerLen]
		trailer := body[len(body)-trailerLen:]
		pt, err := cipher.Open(p.transform, p.keys, frame[:wire.HeaderLen], ct, trailer)
		if err != nil {
			return fmt.Errorf("tunnel: opening cipher envelope: %w", err)
		}
		body = pt
	}
	if compressed {
		pt, err := decompress(body)
		if err != nil {
			return fmt.Errorf("tunnel: inflating delivered datagram: %w", err)
		}
		body = pt
	}

	in4, _, err := wire.ParseIPv4(body)
	if err != nil {
		return fmt.Errorf("tunnel: parsing delivered datagram: %w", err)
	}

	if icmpPkt, ok := wire.IsEchoRequestFor(in4, in4.DstIP); ok {
		self := p.self()
		reply, err := wire.BuildEchoReply(in4, icmpPkt)
		if err != nil {
			return err
		}
		frameOut, err := p.buildTurnFrame(self.VirtualIP, wire.Uint32ToAddr(h.SourceIPv4()), reply, 1)
		if err != nil {
			return err
		}
		return p.sender.SendToRouteKey(frameOut, rk)
	}

	if igmp.IsMulticast(in4.DstIP) {
		if p.members == nil || !p.members.IsMember(in4.DstIP) {
			return nil
		}
	} else if p.proxy != nil {
		body, err = p.proxy.RewriteRX(in4, body)
		if err != nil {
			return fmt.Errorf("tunnel: proxy un-nat: %w", err)
		}
	}

	return p.writeToInterface(body)
}
