// Package metrics declares the overlay's Prometheus collectors (§2
// component P, ADDED), grounded on the teacher's own promauto-global
// metrics package layout.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RoutesTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "overlay_routes_total", Help: "Current number of physical routes held per peer virtual IP.",
	}, []string{"virtual_ip"})

	PunchAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "overlay_punch_attempts_total", Help: "Total NAT hole-punch attempts by role.",
	}, []string{"role"})

	ChannelSendErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "overlay_channel_send_errors_total", Help: "Total transport channel send errors by protocol.",
	}, []string{"protocol"})

	TrafficBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "overlay_traffic_bytes_total", Help: "Total bytes moved through the tunnel pump by peer and direction.",
	}, []string{"peer", "direction"})

	DirectoryEpoch = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "overlay_directory_epoch", Help: "Current directory epoch as last pushed by the registrar.",
	})
)
