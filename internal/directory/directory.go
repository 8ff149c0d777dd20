// Package directory holds the epoch-versioned list of peer descriptors
// pushed by the registrar (§4.I).
package directory

import (
	"bytes"
	"net/netip"
	"sync"
)

// Status is a peer's last-known reachability per the directory.
type Status uint8

const (
	StatusOffline Status = iota
	StatusOnline
)

func (s Status) String() string {
	if s == StatusOnline {
		return "online"
	}
	return "offline"
}

// PeerDeviceInfo mirrors wire.DeviceListEntry plus directory-local
// bookkeeping (§3).
type PeerDeviceInfo struct {
	VirtualIP        netip.Addr
	Name             string
	Status           Status
	ClientSecret     bool
	ClientSecretHash []byte
	IsWireGuard      bool
}

// Directory holds the current (epoch, peer-list) snapshot. Writers replace
// the full list atomically when the epoch changes; readers see a
// consistent snapshot for the duration of one read (§3 ownership).
type Directory struct {
	mu             sync.RWMutex
	epoch          uint16
	peers          map[netip.Addr]PeerDeviceInfo
	missingAtEpoch map[netip.Addr]uint16 // epoch at which a peer first went missing from a push
	selfHash       []byte
}

func New() *Directory {
	return &Directory{
		peers:          make(map[netip.Addr]PeerDeviceInfo),
		missingAtEpoch: make(map[netip.Addr]uint16),
	}
}

// SetSelfSecretHash records this node's own client-secret hash so
// MismatchesSelf can compare incoming peers against it.
func (d *Directory) SetSelfSecretHash(hash []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.selfHash = hash
}

// Epoch returns the current directory epoch.
func (d *Directory) Epoch() uint16 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.epoch
}

// Replace applies a PushDeviceList. While the directory holds any peer, a
// push whose epoch is not newer than the current one is ignored; an empty
// directory accepts any push. Peers missing from the push are retained as
// Offline for one additional epoch and dropped when the next push also
// omits them, to avoid flapping on a single missed push (§4.I).
func (d *Directory) Replace(epoch uint16, pushed []PeerDeviceInfo) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.peers) > 0 && epoch == d.epoch {
		return false
	}
	if len(d.peers) > 0 && epoch < d.epoch {
		return false
	}

	seen := make(map[netip.Addr]bool, len(pushed))
	next := make(map[netip.Addr]PeerDeviceInfo, len(pushed))
	for _, p := range pushed {
		p.Status = StatusOnline
		next[p.VirtualIP] = p
		seen[p.VirtualIP] = true
		delete(d.missingAtEpoch, p.VirtualIP)
	}

	for ip, prev := range d.peers {
		if seen[ip] {
			continue
		}
		firstMissing, tracked := d.missingAtEpoch[ip]
		if !tracked {
			d.missingAtEpoch[ip] = epoch
			prev.Status = StatusOffline
			next[ip] = prev
			continue
		}
		if epoch-firstMissing < 1 {
			prev.Status = StatusOffline
			next[ip] = prev
			continue
		}
		// missing again from a later push: drop it
		delete(d.missingAtEpoch, ip)
	}

	d.peers = next
	d.epoch = epoch
	return true
}

// Get returns the peer info for ip, if known.
func (d *Directory) Get(ip netip.Addr) (PeerDeviceInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.peers[ip]
	return p, ok
}

// Snapshot returns the current epoch and a copy of all known peers.
func (d *Directory) Snapshot() (uint16, []PeerDeviceInfo) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]PeerDeviceInfo, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, p)
	}
	return d.epoch, out
}

// MismatchesSelf reports whether ip's client_secret_hash differs from this
// node's own, in which case p2p sends to it must be disabled and it should
// display as "Mismatch" (§4.I).
func (d *Directory) MismatchesSelf(ip netip.Addr) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.peers[ip]
	if !ok || !p.ClientSecret || len(d.selfHash) == 0 {
		return false
	}
	return !bytes.Equal(p.ClientSecretHash, d.selfHash)
}
