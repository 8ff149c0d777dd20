// Package routetable implements the per-peer route table: virtual-IPv4 to
// an ordered list of physical paths, with latency-weighted selection and
// failover (§4.D).
package routetable

import (
	"fmt"
	"net/netip"
)

// ConnectProtocol identifies the physical transport a RouteKey travels
// over.
type ConnectProtocol uint8

const (
	UDP ConnectProtocol = iota
	TCP
	WS
	WSS
)

func (p ConnectProtocol) String() string {
	switch p {
	case UDP:
		return "udp"
	case TCP:
		return "tcp"
	case WS:
		return "ws"
	case WSS:
		return "wss"
	default:
		return fmt.Sprintf("protocol(%d)", uint8(p))
	}
}

// RouteKey uniquely identifies one physical path to a peer (§3).
type RouteKey struct {
	Protocol    ConnectProtocol
	SocketIndex int
	Addr        netip.AddrPort
}

func (k RouteKey) String() string {
	return fmt.Sprintf("%s#%d/%s", k.Protocol, k.SocketIndex, k.Addr)
}

// UnmeasuredRTT is the sentinel rtt value meaning "not yet measured"; such
// routes sort after every measured route and lose tie-breaks.
const UnmeasuredRTT = int32(-1)

// Route is one physical path to a peer (§3). Metric == 1 is direct
// (p2p/tcp-p2p); Metric > 1 denotes a relayed path.
type Route struct {
	Key      RouteKey
	Metric   uint8
	RTTMillis int32
}

// IsP2p reports whether this route is a direct path.
func (r Route) IsP2p() bool { return r.Metric == 1 }
