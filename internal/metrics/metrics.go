// Package metrics exposes process counters via prometheus/client_golang.
// A termweb client runs embedded rather than as a server, so these are
// registered against a private registry and read back by the host process
// rather than served over HTTP.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry isolates termweb's metrics from any other prometheus user in the
// same process, mirroring how an embedded library should never fight for
// the global default registry.
var Registry = prometheus.NewRegistry()

var (
	// FramesDecoded counts frames successfully decoded, partitioned by kind
	// (keyframe, delta, partial_delta).
	FramesDecoded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "termweb_frames_decoded_total",
		Help: "Frames successfully decoded, by frame kind.",
	}, []string{"kind"})

	// FramesDropped counts frames dropped due to decompression failure.
	FramesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "termweb_frames_dropped_total",
		Help: "Frames dropped due to decode failure.",
	})

	// BytesTransferred counts file-transfer bytes, partitioned by direction.
	BytesTransferred = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "termweb_transfer_bytes_total",
		Help: "File-transfer bytes moved, by direction.",
	}, []string{"direction"})

	// ActiveTransfers tracks the current number of non-terminal transfers.
	ActiveTransfers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "termweb_active_transfers",
		Help: "Number of transfers not yet in a terminal state.",
	})

	// CacheLookups counts CacheStore reads, partitioned by hit/miss.
	CacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "termweb_cache_lookups_total",
		Help: "CacheStore lookups, by outcome (hit, miss).",
	}, []string{"outcome"})

	// ControlReconnects counts successful ControlSession reconnects.
	ControlReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "termweb_control_reconnects_total",
		Help: "Successful ControlSession reconnects.",
	})
)

func init() {
	Registry.MustRegister(FramesDecoded, FramesDropped, BytesTransferred, ActiveTransfers, CacheLookups, ControlReconnects)
}
