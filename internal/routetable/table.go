package routetable

import (
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"time"
)

// UseChannel constrains which routes AddRoute will accept.
type UseChannel uint8

const (
	UseChannelAll UseChannel = iota
	UseChannelP2pOnly
	UseChannelRelayOnly
)

func (uc UseChannel) String() string {
	switch uc {
	case UseChannelP2pOnly:
		return "P2pOnly"
	case UseChannelRelayOnly:
		return "RelayOnly"
	default:
		return "All"
	}
}

// ParseUseChannel parses the Config.use_channel string.
func ParseUseChannel(s string) (UseChannel, error) {
	switch s {
	case "", "All":
		return UseChannelAll, nil
	case "P2pOnly":
		return UseChannelP2pOnly, nil
	case "RelayOnly":
		return UseChannelRelayOnly, nil
	default:
		return UseChannelAll, fmt.Errorf("routetable: unknown use_channel %q", s)
	}
}

type entry struct {
	routes   []Route
	lastRecv []time.Time // parallel to routes, by RouteKey
	rrIndex  int
}

// Table is the per-peer route table (§3, §4.D). All mutators hold a short
// write lock. Select also takes the write lock, since it advances the
// round-robin index; Routes, BestRoute and Len take the read lock.
type Table struct {
	mu         sync.RWMutex
	byIP       map[netip.Addr]*entry
	channelNum int
	firstLatency bool
	useChannel UseChannel
	idleTTL    time.Duration
	now        func() time.Time
}

// Option configures a Table at construction time.
type Option func(*Table)

func WithFirstLatency(on bool) Option {
	return func(t *Table) { t.firstLatency = on }
}

func WithUseChannel(uc UseChannel) Option {
	return func(t *Table) { t.useChannel = uc }
}

func WithIdleTTL(d time.Duration) Option {
	return func(t *Table) { t.idleTTL = d }
}

func WithClock(now func() time.Time) Option {
	return func(t *Table) { t.now = now }
}

// New constructs a Table. channelNum drives the per-key capacity:
// 2*channelNum ordinarily, channelNum+2 in first-latency mode.
func New(channelNum int, opts ...Option) *Table {
	t := &Table{
		byIP:       make(map[netip.Addr]*entry),
		channelNum: channelNum,
		idleTTL:    30 * time.Second,
		now:        time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Table) capacity() int {
	if t.firstLatency {
		return t.channelNum + 2
	}
	return 2 * t.channelNum
}

// ErrRejectedByPolicy is returned by AddRoute when the add policy (§4.D)
// declines to insert the route.
var ErrRejectedByPolicy = fmt.Errorf("routetable: route rejected by policy")

// AddRoute applies the add policy from §4.D and inserts or updates r for
// ip.
func (t *Table) AddRoute(ip netip.Addr, r Route) error {
	if t.useChannel == UseChannelP2pOnly && !r.IsP2p() {
		return ErrRejectedByPolicy
	}
	if t.useChannel == UseChannelRelayOnly && r.IsP2p() {
		return ErrRejectedByPolicy
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byIP[ip]
	if !ok {
		e = &entry{}
		t.byIP[ip] = e
	}
	now := t.now()

	// Step 2: same RouteKey already present -> refresh in place.
	for i := range e.routes {
		if e.routes[i].Key == r.Key {
			e.routes[i].Metric = r.Metric
			e.routes[i].RTTMillis = r.RTTMillis
			e.lastRecv[i] = now
			t.resortAndTruncate(e)
			return nil
		}
	}

	// Step 3: reject strictly-worse alternate metrics outside first-latency.
	if !t.firstLatency && len(e.routes) > 0 {
		best := e.routes[0].Metric
		for _, existing := range e.routes[1:] {
			if existing.Metric < best {
				best = existing.Metric
			}
		}
		if r.Metric > best {
			return ErrRejectedByPolicy
		}
	}

	// Step 4: a fresh p2p route displaces non-p2p entries outside
	// first-latency.
	if !t.firstLatency && r.IsP2p() {
		kept := e.routes[:0:0]
		keptRecv := e.lastRecv[:0:0]
		for i, existing := range e.routes {
			if existing.IsP2p() {
				kept = append(kept, existing)
				keptRecv = append(keptRecv, e.lastRecv[i])
			}
		}
		e.routes = kept
		e.lastRecv = keptRecv
	}

	e.routes = append(e.routes, r)
	e.lastRecv = append(e.lastRecv, now)
	t.resortAndTruncate(e)
	return nil
}

// resortAndTruncate sorts e.routes by RTT ascending (unmeasured trailing)
// and truncates to capacity, preserving the first p2p entry if truncation
// would otherwise drop it. Caller must hold the write lock.
func (t *Table) resortAndTruncate(e *entry) {
	type pair struct {
		r Route
		lr time.Time
	}
	pairs := make([]pair, len(e.routes))
	for i := range e.routes {
		pairs[i] = pair{r: e.routes[i], lr: e.lastRecv[i]}
	}
	sort.SliceStable(pairs, func(i, j int) bool {
		ri, rj := pairs[i].r, pairs[j].r
		if ri.RTTMillis == UnmeasuredRTT && rj.RTTMillis != UnmeasuredRTT {
			return false
		}
		if rj.RTTMillis == UnmeasuredRTT && ri.RTTMillis != UnmeasuredRTT {
			return true
		}
		if ri.RTTMillis == UnmeasuredRTT && rj.RTTMillis == UnmeasuredRTT {
			return false
		}
		return ri.RTTMillis < rj.RTTMillis
	})

	limit := t.capacity()
	if len(pairs) > limit {
		firstP2p := -1
		for i, p := range pairs {
			if p.r.IsP2p() {
				firstP2p = i
				break
			}
		}
		if firstP2p >= limit {
			saved := pairs[firstP2p]
			pairs = append(pairs[:limit-1:limit-1], saved)
		} else {
			pairs = pairs[:limit]
		}
	}

	e.routes = make([]Route, len(pairs))
	e.lastRecv = make([]time.Time, len(pairs))
	for i, p := range pairs {
		e.routes[i] = p.r
		e.lastRecv[i] = p.lr
	}
	if e.rrIndex >= len(e.routes) {
		e.rrIndex = 0
	}
}

// Select applies the select policy (§4.D): the sticky lowest-RTT head in
// first-latency mode, otherwise round-robin modulo the list length.
func (t *Table) Select(ip netip.Addr) (RouteKey, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byIP[ip]
	if !ok || len(e.routes) == 0 {
		return RouteKey{}, false
	}
	if t.firstLatency {
		return e.routes[0].Key, true
	}
	idx := e.rrIndex % len(e.routes)
	e.rrIndex = (e.rrIndex + 1) % len(e.routes)
	return e.routes[idx].Key, true
}

// Routes returns a snapshot of the sorted route list for ip.
func (t *Table) Routes(ip netip.Addr) []Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.byIP[ip]
	if !ok {
		return nil
	}
	out := make([]Route, len(e.routes))
	copy(out, e.routes)
	return out
}

// BestRoute returns the lowest-RTT route for ip regardless of select mode,
// used by the forwarder to evaluate client-relay headroom (§4.M).
func (t *Table) BestRoute(ip netip.Addr) (Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.byIP[ip]
	if !ok || len(e.routes) == 0 {
		return Route{}, false
	}
	return e.routes[0], true
}

// RemoveRoute removes the entry with RouteKey k for ip. If the resulting
// list is empty, the map entry is dropped.
func (t *Table) RemoveRoute(ip netip.Addr, k RouteKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byIP[ip]
	if !ok {
		return false
	}
	for i := range e.routes {
		if e.routes[i].Key == k {
			e.routes = append(e.routes[:i], e.routes[i+1:]...)
			e.lastRecv = append(e.lastRecv[:i], e.lastRecv[i+1:]...)
			if e.rrIndex >= len(e.routes) {
				e.rrIndex = 0
			}
			if len(e.routes) == 0 {
				delete(t.byIP, ip)
			}
			return true
		}
	}
	return false
}

// Touch refreshes last_recv for the given RouteKey, as done whenever a
// frame is received along that path (§4.H).
func (t *Table) Touch(ip netip.Addr, k RouteKey, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byIP[ip]
	if !ok {
		return false
	}
	for i := range e.routes {
		if e.routes[i].Key == k {
			e.lastRecv[i] = now
			return true
		}
	}
	return false
}

// EvictIdle removes every route whose last_recv predates now - idleTTL,
// returning the virtual IPs whose entry became empty and was dropped.
func (t *Table) EvictIdle(now time.Time) []netip.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	var dropped []netip.Addr
	for ip, e := range t.byIP {
		var routes []Route
		var recvs []time.Time
		for i, lr := range e.lastRecv {
			if now.Sub(lr) <= t.idleTTL {
				routes = append(routes, e.routes[i])
				recvs = append(recvs, lr)
			}
		}
		e.routes = routes
		e.lastRecv = recvs
		if e.rrIndex >= len(e.routes) {
			e.rrIndex = 0
		}
		if len(e.routes) == 0 {
			delete(t.byIP, ip)
			dropped = append(dropped, ip)
		}
	}
	return dropped
}

// Len returns the number of virtual IPs with at least one route.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byIP)
}
