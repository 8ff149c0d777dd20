package tunnel

import (
	"net"
	"net/netip"
	"sort"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/jellydator/ttlcache/v3"

	"github.com/overlaynet/meshd/internal/wire"
)

// ExternalRoutes maps CIDR subnets to the virtual-IP next hop a matching
// off-overlay destination is rewritten to before being turned
// (Config.external_routes, §3, §4.H).
type ExternalRoutes struct {
	routes []externalRoute
}

type externalRoute struct {
	prefix  netip.Prefix
	nextHop netip.Addr
}

// NewExternalRoutes builds a lookup table from subnet to next hop, sorted
// most-specific prefix first.
func NewExternalRoutes(routes map[netip.Prefix]netip.Addr) *ExternalRoutes {
	er := &ExternalRoutes{routes: make([]externalRoute, 0, len(routes))}
	for prefix, nextHop := range routes {
		er.routes = append(er.routes, externalRoute{prefix: prefix, nextHop: nextHop})
	}
	sort.Slice(er.routes, func(i, j int) bool {
		return er.routes[i].prefix.Bits() > er.routes[j].prefix.Bits()
	})
	return er
}

// Lookup returns the next hop for the most specific matching subnet, if
// any. A nil receiver always misses.
func (er *ExternalRoutes) Lookup(dst netip.Addr) (netip.Addr, bool) {
	if er == nil {
		return netip.Addr{}, false
	}
	for _, r := range er.routes {
		if r.prefix.Contains(dst) {
			return r.nextHop, true
		}
	}
	return netip.Addr{}, false
}

// ProxyEntry rewrites a TX frame's destination when it matches
// (MatchProto, MatchPort); the RX path reverses it for the matching reply
// flow (§4.H, Invariant 10).
type ProxyEntry struct {
	MatchProto  layers.IPProtocol // layers.IPProtocolTCP or IPProtocolUDP
	MatchPort   uint16
	RewriteIP   netip.Addr
	RewritePort uint16
}

type proxyReverseKey struct {
	proto       layers.IPProtocol
	clientPort  uint16
	rewriteIP   netip.Addr
	rewritePort uint16
}

type proxyReverseValue struct {
	origIP   netip.Addr
	origPort uint16
}

// proxyReverseTTL bounds how long a TX rewrite is remembered for a reply
// to un-rewrite against; stale entries are evicted rather than kept
// forever, since most flows complete well within this window.
const proxyReverseTTL = 5 * time.Minute

// ProxyTable applies configured ProxyEntry rewrites on the TX path and
// their inverse on the RX path, keyed by the rewritten flow so only
// replies on the matching connection are restored.
type ProxyTable struct {
	entries []ProxyEntry
	reverse *ttlcache.Cache[proxyReverseKey, proxyReverseValue]
}

// NewProxyTable builds a ProxyTable from the configured entries and starts
// its reverse-mapping eviction loop. Callers must call Close when done.
func NewProxyTable(entries []ProxyEntry) *ProxyTable {
	reverse := ttlcache.New[proxyReverseKey, proxyReverseValue](
		ttlcache.WithTTL[proxyReverseKey, proxyReverseValue](proxyReverseTTL),
	)
	go reverse.Start()
	return &ProxyTable{entries: entries, reverse: reverse}
}

func (p *ProxyTable) Close() {
	if p != nil {
		p.reverse.Stop()
	}
}

func (p *ProxyTable) match(proto layers.IPProtocol, dstPort uint16) (ProxyEntry, bool) {
	if p == nil {
		return ProxyEntry{}, false
	}
	for _, e := range p.entries {
		if e.MatchProto == proto && e.MatchPort == dstPort {
			return e, true
		}
	}
	return ProxyEntry{}, false
}

// RewriteTX rewrites datagram's destination if it matches a configured
// ProxyEntry, remembering the original (ip, port) so RewriteRX can restore
// it on the reply flow. Returns the original datagram unchanged if nothing
// matches.
func (p *ProxyTable) RewriteTX(ip4 *layers.IPv4, datagram []byte) ([]byte, error) {
	if p == nil {
		return datagram, nil
	}
	srcPort, dstPort, ok := wire.TransportPorts(ip4)
	if !ok {
		return datagram, nil
	}
	entry, ok := p.match(ip4.Protocol, dstPort)
	if !ok {
		return datagram, nil
	}

	origIP, _ := netip.AddrFromSlice(ip4.DstIP.To4())
	out, err := wire.RewriteDestination(ip4, net.IP(entry.RewriteIP.AsSlice()), entry.RewritePort)
	if err != nil {
		return nil, err
	}
	key := proxyReverseKey{proto: ip4.Protocol, clientPort: srcPort, rewriteIP: entry.RewriteIP, rewritePort: entry.RewritePort}
	p.reverse.Set(key, proxyReverseValue{origIP: origIP, origPort: dstPort}, ttlcache.DefaultTTL)
	return out, nil
}

// RewriteRX restores the original destination-turned-source on an inbound
// reply datagram whose (proto, srcIP:srcPort, dstPort) matches a
// remembered TX rewrite. Returns the datagram unchanged if no matching
// flow is tracked.
func (p *ProxyTable) RewriteRX(ip4 *layers.IPv4, datagram []byte) ([]byte, error) {
	if p == nil {
		return datagram, nil
	}
	srcPort, dstPort, ok := wire.TransportPorts(ip4)
	if !ok {
		return datagram, nil
	}
	rewriteIP, ok := netip.AddrFromSlice(ip4.SrcIP.To4())
	if !ok {
		return datagram, nil
	}
	item := p.reverse.Get(proxyReverseKey{proto: ip4.Protocol, clientPort: dstPort, rewriteIP: rewriteIP, rewritePort: srcPort})
	if item == nil {
		return datagram, nil
	}
	val := item.Value()
	return wire.RewriteSource(ip4, net.IP(val.origIP.AsSlice()), val.origPort)
}
