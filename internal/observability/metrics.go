// Package observability provides Prometheus metrics for the application.
// All recording methods are safe to call on a nil *Metrics.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "songzip"

// Metrics holds all application metrics.
type Metrics struct {
	// Job metrics
	JobsCreated      prometheus.Counter
	JobsCompleted    prometheus.Counter
	JobsFailed       prometheus.Counter
	JobsCancelled    prometheus.Counter
	JobsInProgress   prometheus.Gauge
	JobDuration      prometheus.Histogram
	VideosDownloaded prometheus.Counter
	DownloadBytes    prometheus.Counter
	ArchiveBytes     prometheus.Histogram

	// Progress stream metrics
	ProgressStreams prometheus.Gauge

	// Storage metrics
	CleanupJobsTotal prometheus.Counter
	CleanupDirsTotal prometheus.Counter
	StoredJobs       prometheus.Gauge

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Proxy metrics
	ProxyRequestsTotal *prometheus.CounterVec
	ProxyFailures      *prometheus.CounterVec
	ProxiesAvailable   prometheus.Gauge

	// Downloader metrics
	DownloaderRequestsTotal *prometheus.CounterVec
	DownloaderErrors        *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New creates all application metrics and registers them on reg.
// A nil reg registers on the default Prometheus registry.
func New(reg prometheus.Registerer) *Metrics {
	gatherer := prometheus.DefaultGatherer

	if reg == nil {
		reg = prometheus.DefaultRegisterer
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	factory := promauto.With(reg)

	return &Metrics{
		JobsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "created_total",
			Help:      "Total number of batch jobs created",
		}),
		JobsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "completed_total",
			Help:      "Total number of batch jobs that produced an archive",
		}),
		JobsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "failed_total",
			Help:      "Total number of batch jobs that failed",
		}),
		JobsCancelled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "cancelled_total",
			Help:      "Total number of batch jobs cancelled by clients or shutdown",
		}),
		JobsInProgress: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "in_progress",
			Help:      "Number of batch jobs currently running",
		}),
		JobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Histogram of batch job duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		}),
		VideosDownloaded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "videos_downloaded_total",
			Help:      "Total number of items downloaded and transcoded",
		}),
		DownloadBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "download_bytes_total",
			Help:      "Total bytes downloaded across all jobs",
		}),
		ArchiveBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "archive_size_bytes",
			Help:      "Histogram of produced archive sizes in bytes",
			Buckets:   prometheus.ExponentialBuckets(1<<20, 4, 8),
		}),

		ProgressStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "progress",
			Name:      "streams_active",
			Help:      "Number of open progress streams",
		}),

		CleanupJobsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "cleanup_jobs_total",
			Help:      "Total number of expired jobs cleaned up",
		}),
		CleanupDirsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "cleanup_dirs_total",
			Help:      "Total number of expired job temp dirs removed",
		}),
		StoredJobs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "jobs_current",
			Help:      "Current number of stored jobs",
		}),

		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Histogram of HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		HTTPResponseSize: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "response_size_bytes",
			Help:      "Histogram of HTTP response sizes in bytes",
			Buckets:   []float64{100, 1000, 10000, 100000, 1000000, 10000000, 100000000},
		}, []string{"method", "path"}),

		ProxyRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Total number of downloads made through proxies",
		}, []string{"proxy"}),
		ProxyFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "failures_total",
			Help:      "Total number of proxy failures",
		}, []string{"proxy"}),
		ProxiesAvailable: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "available",
			Help:      "Number of currently available proxies",
		}),

		DownloaderRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "downloader",
			Name:      "requests_total",
			Help:      "Total number of download requests",
		}, []string{"downloader", "status"}),
		DownloaderErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "downloader",
			Name:      "errors_total",
			Help:      "Total number of download errors",
		}, []string{"downloader", "error_type"}),

		gatherer: gatherer,
	}
}

// Handler returns the Prometheus HTTP handler for the registry the metrics live in.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}

	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// JobTimer returns a function to record job duration.
func (m *Metrics) JobTimer() func() {
	start := time.Now()

	return func() {
		if m == nil {
			return
		}

		m.JobDuration.Observe(time.Since(start).Seconds())
	}
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration, size int) {
	if m == nil {
		return
	}

	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	m.HTTPResponseSize.WithLabelValues(method, path).Observe(float64(size))
}

// RecordJobCreated increments the jobs created counter.
func (m *Metrics) RecordJobCreated() {
	if m == nil {
		return
	}

	m.JobsCreated.Inc()
	m.JobsInProgress.Inc()
}

// RecordJobCompleted records a completed job and the size of its archive.
func (m *Metrics) RecordJobCompleted(archiveSize int64) {
	if m == nil {
		return
	}

	m.JobsCompleted.Inc()
	m.JobsInProgress.Dec()
	m.ArchiveBytes.Observe(float64(archiveSize))
}

// RecordJobFailed records a failed job.
func (m *Metrics) RecordJobFailed() {
	if m == nil {
		return
	}

	m.JobsFailed.Inc()
	m.JobsInProgress.Dec()
}

// RecordJobCancelled records a cancelled job.
func (m *Metrics) RecordJobCancelled() {
	if m == nil {
		return
	}

	m.JobsCancelled.Inc()
	m.JobsInProgress.Dec()
}

// RecordVideoDownloaded records one finished item and its size.
func (m *Metrics) RecordVideoDownloaded(bytes int) {
	if m == nil {
		return
	}

	m.VideosDownloaded.Inc()

	if bytes > 0 {
		m.DownloadBytes.Add(float64(bytes))
	}
}

// StreamOpened increments the open progress streams gauge and returns its decrement.
func (m *Metrics) StreamOpened() func() {
	if m == nil {
		return func() {}
	}

	m.ProgressStreams.Inc()

	return m.ProgressStreams.Dec
}

// RecordCleanup records cleanup metrics.
func (m *Metrics) RecordCleanup(jobs, dirs int) {
	if m == nil {
		return
	}

	m.CleanupJobsTotal.Add(float64(jobs))
	m.CleanupDirsTotal.Add(float64(dirs))
}

// RecordDownloaderRequest records a download request.
func (m *Metrics) RecordDownloaderRequest(downloader, status string) {
	if m == nil {
		return
	}

	m.DownloaderRequestsTotal.WithLabelValues(downloader, status).Inc()
}

// RecordDownloaderError records a download error.
func (m *Metrics) RecordDownloaderError(downloader, errorType string) {
	if m == nil {
		return
	}

	m.DownloaderErrors.WithLabelValues(downloader, errorType).Inc()
}

// RecordProxyRequest records a proxy request.
func (m *Metrics) RecordProxyRequest(proxy string) {
	if m == nil {
		return
	}

	m.ProxyRequestsTotal.WithLabelValues(proxy).Inc()
}

// RecordProxyFailure records a proxy failure.
func (m *Metrics) RecordProxyFailure(proxy string) {
	if m == nil {
		return
	}

	m.ProxyFailures.WithLabelValues(proxy).Inc()
}

// SetProxiesAvailable sets the number of available proxies.
func (m *Metrics) SetProxiesAvailable(count int) {
	if m == nil {
		return
	}

	m.ProxiesAvailable.Set(float64(count))
}

// SetStoredJobs sets the number of stored jobs.
func (m *Metrics) SetStoredJobs(count int) {
	if m == nil {
		return
	}

	m.StoredJobs.Set(float64(count))
}
