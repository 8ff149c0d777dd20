// Package igmp implements the tunnel pump's multicast membership source
// (§4.Q): tracking which multicast groups have an active member reachable
// through this node, so the pump knows whether to deliver a multicast
// frame to the interface or simply relay the membership report onward.
package igmp

import (
	"net"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// MembershipSource answers whether a multicast group currently has a
// member reachable through this node.
type MembershipSource interface {
	IsMember(group net.IP) bool
	OnReport(group net.IP, join bool)
	Groups() []net.IP
}

// DefaultExpiry is how long an observed IGMPv2 report is trusted before
// the group is considered to have lost its last member, absent a refresh.
const DefaultExpiry = 30 * time.Second

// Tracker is the reference MembershipSource: a per-group expiry map
// refreshed by observed IGMP membership reports.
type Tracker struct {
	mu      sync.RWMutex
	members map[string]time.Time

	now    func() time.Time
	expiry time.Duration
}

// New builds a Tracker with DefaultExpiry.
func New() *Tracker {
	return &Tracker{
		members: make(map[string]time.Time),
		now:     time.Now,
		expiry:  DefaultExpiry,
	}
}

func (t *Tracker) IsMember(group net.IP) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	expires, ok := t.members[group.String()]
	return ok && t.now().Before(expires)
}

// OnReport records a join (refreshing the group's expiry) or a leave
// (removing it immediately).
func (t *Tracker) OnReport(group net.IP, join bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := group.String()
	if join {
		t.members[key] = t.now().Add(t.expiry)
		return
	}
	delete(t.members, key)
}

// Groups returns the currently unexpired member groups.
func (t *Tracker) Groups() []net.IP {
	t.mu.RLock()
	defer t.mu.RUnlock()
	now := t.now()
	out := make([]net.IP, 0, len(t.members))
	for g, expires := range t.members {
		if now.Before(expires) {
			out = append(out, net.ParseIP(g))
		}
	}
	return out
}

// ParseReport inspects an IPv4 payload for an IGMP membership report or
// leave, returning the affected group. ok is false for anything else
// (including non-IGMP payloads).
func ParseReport(ipPayload []byte) (group net.IP, join bool, ok bool) {
	pkt := gopacket.NewPacket(ipPayload, layers.LayerTypeIGMP, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	l := pkt.Layer(layers.LayerTypeIGMP)
	if l == nil {
		return nil, false, false
	}
	msg, isV1V2 := l.(*layers.IGMPv1or2)
	if isV1V2 {
		switch msg.Type {
		case layers.IGMPMembershipReportV1, layers.IGMPMembershipReportV2:
			return msg.GroupAddress, true, true
		case layers.IGMPLeaveGroup:
			return msg.GroupAddress, false, true
		default:
			return nil, false, false
		}
	}
	if v3, isV3 := l.(*layers.IGMP); isV3 && v3.Type == layers.IGMPMembershipReportV3 {
		// v3 group records distinguish filter modes (include/exclude) rather
		// than a flat join/leave; this reference tracker treats the
		// presence of any record as a join and relies on DefaultExpiry to
		// age out groups that stop being reported.
		for _, rec := range v3.GroupRecords {
			return rec.MulticastAddress, true, true
		}
	}
	return nil, false, false
}

// IsMulticast reports whether ip falls in the 224.0.0.0/4 multicast
// range (§4.H).
func IsMulticast(ip net.IP) bool {
	return ip.IsMulticast()
}
