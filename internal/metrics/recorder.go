package metrics

import "net/netip"

// TrafficRecorder is the narrow sink a metering.Manager satisfies.
type TrafficRecorder interface {
	RecordTx(ip netip.Addr, n uint64)
	RecordRx(ip netip.Addr, n uint64)
}

// TunnelRecorder wraps a TrafficRecorder, mirroring every recorded byte
// count into TrafficBytesTotal so the per-peer ring buffer and the
// Prometheus counters stay in lockstep.
type TunnelRecorder struct {
	inner TrafficRecorder
}

func NewTunnelRecorder(inner TrafficRecorder) *TunnelRecorder {
	return &TunnelRecorder{inner: inner}
}

func (r *TunnelRecorder) RecordTx(ip netip.Addr, n uint64) {
	r.inner.RecordTx(ip, n)
	TrafficBytesTotal.WithLabelValues(ip.String(), "tx").Add(float64(n))
}

func (r *TunnelRecorder) RecordRx(ip netip.Addr, n uint64) {
	r.inner.RecordRx(ip, n)
	TrafficBytesTotal.WithLabelValues(ip.String(), "rx").Add(float64(n))
}
