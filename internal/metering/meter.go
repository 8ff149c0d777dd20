// Package metering implements per-peer rolling traffic counters with a
// bounded history ring (§4.K).
package metering

import (
	"net/netip"
	"sync"
	"time"
)

// Sample is one completed accounting bucket.
type Sample struct {
	Since      time.Time
	BytesTx    uint64
	BytesRx    uint64
	PacketsTx  uint64
	PacketsRx  uint64
}

// PeerMeter accumulates traffic for one peer into fixed-duration buckets,
// retaining only the most recent historyLen of them. Guarded by its own
// mutex so concurrent peers never contend (§5).
type PeerMeter struct {
	mu         sync.Mutex
	bucketDur  time.Duration
	historyLen int
	now        func() time.Time

	bucketStart time.Time
	current     Sample
	history     []Sample // oldest first, bounded to historyLen
}

func newPeerMeter(bucketDur time.Duration, historyLen int, now func() time.Time) *PeerMeter {
	return &PeerMeter{
		bucketDur:   bucketDur,
		historyLen:  historyLen,
		now:         now,
		bucketStart: now(),
	}
}

func (m *PeerMeter) rollLocked() {
	now := m.now()
	if now.Sub(m.bucketStart) < m.bucketDur {
		return
	}
	m.current.Since = m.bucketStart
	m.history = append(m.history, m.current)
	if len(m.history) > m.historyLen {
		m.history = m.history[len(m.history)-m.historyLen:]
	}
	m.current = Sample{}
	m.bucketStart = now
}

// RecordTx adds n bytes / 1 packet to the current bucket.
func (m *PeerMeter) RecordTx(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollLocked()
	m.current.BytesTx += n
	m.current.PacketsTx++
}

// RecordRx adds n bytes / 1 packet to the current bucket.
func (m *PeerMeter) RecordRx(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollLocked()
	m.current.BytesRx += n
	m.current.PacketsRx++
}

// History returns the completed buckets, oldest first, plus the
// in-progress current bucket appended last.
func (m *PeerMeter) History() []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollLocked()
	out := make([]Sample, len(m.history), len(m.history)+1)
	copy(out, m.history)
	current := m.current
	current.Since = m.bucketStart
	return append(out, current)
}

// Totals sums bytes/packets across the full retained history plus the
// current bucket.
func (m *PeerMeter) Totals() (bytesTx, bytesRx, packetsTx, packetsRx uint64) {
	for _, s := range m.History() {
		bytesTx += s.BytesTx
		bytesRx += s.BytesRx
		packetsTx += s.PacketsTx
		packetsRx += s.PacketsRx
	}
	return
}

// Manager owns one PeerMeter per peer virtual IP.
type Manager struct {
	mu         sync.RWMutex
	peers      map[netip.Addr]*PeerMeter
	bucketDur  time.Duration
	historyLen int
	now        func() time.Time
}

// NewManager builds a Manager whose peer meters bucket traffic every
// bucketDur and retain historyLen completed buckets.
func NewManager(bucketDur time.Duration, historyLen int) *Manager {
	return &Manager{
		peers:      make(map[netip.Addr]*PeerMeter),
		bucketDur:  bucketDur,
		historyLen: historyLen,
		now:        time.Now,
	}
}

func (m *Manager) peerLocked(ip netip.Addr) *PeerMeter {
	if pm, ok := m.peers[ip]; ok {
		return pm
	}
	pm := newPeerMeter(m.bucketDur, m.historyLen, m.now)
	m.peers[ip] = pm
	return pm
}

// RecordTx/RecordRx lazily create the peer's meter on first use.
func (m *Manager) RecordTx(ip netip.Addr, n uint64) {
	m.mu.Lock()
	pm := m.peerLocked(ip)
	m.mu.Unlock()
	pm.RecordTx(n)
}

func (m *Manager) RecordRx(ip netip.Addr, n uint64) {
	m.mu.Lock()
	pm := m.peerLocked(ip)
	m.mu.Unlock()
	pm.RecordRx(n)
}

// Snapshot returns the known peer IPs and their meters for export (§4.P).
func (m *Manager) Snapshot() map[netip.Addr]*PeerMeter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[netip.Addr]*PeerMeter, len(m.peers))
	for ip, pm := range m.peers {
		out[ip] = pm
	}
	return out
}
