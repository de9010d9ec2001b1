// Package metrics declares the Prometheus gauges and counters exposed
// by routerd serve --metrics-addr, grounded on
// malbeclabs-doublezero's telemetry/flow-ingest metrics package.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RouteTableSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stack_route_table_size", Help: "Current number of entries in the route table.",
	})

	SDPAdvertisementsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stack_sdp_advertisements_sent_total", Help: "Total SDP advertisement packets sent.",
	}, []string{"flag"})
	SDPAdvertisementsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stack_sdp_advertisements_received_total", Help: "Total SDP advertisement packets received.",
	}, []string{"flag"})

	ARPCacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stack_arp_cache_size", Help: "Current number of resolved entries in the ARP cache.",
	})

	TCPRetransmits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stack_tcp_retransmits_total", Help: "Total segment retransmissions, labeled by socket correlation id.",
	}, []string{"xid"})

	DeviceQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stack_device_queue_depth", Help: "Current depth of a device's outbound send queue.",
	}, []string{"device"})
)

// Serve starts an HTTP server exposing /metrics on addr. It blocks
// until the server stops and returns its error, so callers run it in
// its own goroutine, the way flow-ingest's cmd/server does.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
