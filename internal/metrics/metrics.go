// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CapturePacketsTotal counts frames read from a capture source
	CapturePacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tcpfollow_capture_packets_total",
			Help: "Total number of frames read from the capture source",
		},
		[]string{"source"},
	)

	// DecodeErrorsTotal counts frames that did not yield a TCP segment
	DecodeErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tcpfollow_decode_errors_total",
			Help: "Total number of frames rejected by the decoder",
		},
		[]string{"reason"},
	)

	// IPFragmentsActive tracks IPv4 datagrams awaiting fragment reassembly
	IPFragmentsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tcpfollow_ip_fragments_active",
			Help: "Number of IPv4 datagrams in the fragment reassembly queue",
		},
	)

	// SegmentsTotal counts TCP segments handed to the stream registry by outcome
	SegmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tcpfollow_segments_total",
			Help: "Total number of TCP segments dispatched, by result",
		},
		[]string{"result"},
	)

	// ConnectionsTotal counts connections created by origin
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tcpfollow_connections_total",
			Help: "Total number of connections tracked",
		},
		[]string{"origin"},
	)

	// ConnectionsClosedTotal counts retired connections by close reason
	ConnectionsClosedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tcpfollow_connections_closed_total",
			Help: "Total number of connections retired",
		},
		[]string{"reason"},
	)

	// ConnectionsActive tracks live connections across all shards
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tcpfollow_connections_active",
			Help: "Number of connections currently tracked",
		},
	)

	// BytesDeliveredTotal counts in-order bytes delivered to consumers
	BytesDeliveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tcpfollow_bytes_delivered_total",
			Help: "Total number of reassembled bytes delivered",
		},
		[]string{"direction"},
	)

	// PendingEvictionsTotal counts out-of-order chunks dropped by the buffer bound
	PendingEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tcpfollow_pending_evictions_total",
			Help: "Total number of buffered out-of-order chunks evicted",
		},
	)

	// ShardQueueDepth tracks segments waiting in each shard's channel
	ShardQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tcpfollow_shard_queue_depth",
			Help: "Number of segments queued per shard",
		},
		[]string{"shard"},
	)

	// SinkEventsTotal counts events written by each sink
	SinkEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tcpfollow_sink_events_total",
			Help: "Total number of stream events written",
		},
		[]string{"sink", "kind"},
	)

	// SinkErrorsTotal counts sink write failures
	SinkErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tcpfollow_sink_errors_total",
			Help: "Total number of sink write errors",
		},
		[]string{"sink"},
	)

	// SinkBatchSize tracks Kafka batch size distribution
	SinkBatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tcpfollow_sink_batch_size",
			Help:    "Number of events sent per sink batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1, 2, 4, ..., 2048
		},
		[]string{"sink"},
	)
)
