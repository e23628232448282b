package distribution

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics mirrors the coordinator's counters for Prometheus.
type Metrics struct {
	// Sharing
	BytesShared   prometheus.Counter
	SharesTotal   prometheus.Counter
	ShareFailures prometheus.Counter

	// Downloads
	BytesDownloaded    prometheus.Counter
	DownloadsQueued    prometheus.Counter
	DownloadsCompleted prometheus.Counter
	DownloadsFailed    prometheus.Counter
	DownloadQueueSize  prometheus.Gauge

	// Streaming
	ActiveStreams  prometheus.Gauge
	StreamFailures prometheus.Counter

	TransportLatency *prometheus.HistogramVec
}

// NewMetrics creates and registers the coordinator metrics. A nil
// registry means the default registerer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		BytesShared: factory.NewCounter(prometheus.CounterOpts{
			Name: "mediashare_shared_bytes_total",
			Help: "Total payload bytes published through the transport",
		}),
		SharesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "mediashare_shares_total",
			Help: "Total number of successful share operations",
		}),
		ShareFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "mediashare_share_failures_total",
			Help: "Total number of failed share operations",
		}),

		BytesDownloaded: factory.NewCounter(prometheus.CounterOpts{
			Name: "mediashare_downloaded_bytes_total",
			Help: "Total payload bytes received from completed downloads",
		}),
		DownloadsQueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "mediashare_downloads_queued_total",
			Help: "Total number of downloads added to the queue",
		}),
		DownloadsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "mediashare_downloads_completed_total",
			Help: "Total number of downloads that completed and verified",
		}),
		DownloadsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "mediashare_downloads_failed_total",
			Help: "Total number of downloads that failed",
		}),
		DownloadQueueSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mediashare_download_queue_entries",
			Help: "Number of entries currently in the download queue",
		}),

		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mediashare_active_streams",
			Help: "Number of open streaming sessions",
		}),
		StreamFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "mediashare_stream_failures_total",
			Help: "Total number of stream requests the transport rejected",
		}),

		TransportLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mediashare_transport_latency_seconds",
			Help:    "Latency of transport calls",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
	}
}
