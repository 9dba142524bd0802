// Package metrics exposes Prometheus collectors for the sync process.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Upsert outcomes.
const (
	ResultUploaded = "uploaded"
	ResultReplaced = "replaced"
	ResultSkipped  = "skipped"
	ResultFailed   = "failed"
	ResultRejected = "rejected"
)

var (
	upsertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adcsync_upserts_total",
			Help: "Upserts by outcome",
		},
		[]string{"result"},
	)

	upsertDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adcsync_upsert_duration_seconds",
			Help:    "Upsert duration in seconds, including time waiting for the portal",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"result"},
	)

	chunksUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "adcsync_chunks_uploaded_total",
			Help: "Upload chunks acknowledged by the portal",
		},
	)

	bytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "adcsync_bytes_uploaded_total",
			Help: "Payload bytes acknowledged by the portal",
		},
	)

	filesDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "adcsync_files_deleted_total",
			Help: "Stale portal files deleted before re-upload",
		},
	)

	foldersCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "adcsync_folders_created_total",
			Help: "Portal folders created during path resolution",
		},
	)

	sessionRefreshes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "adcsync_session_connects_total",
			Help: "Portal logins, including refreshes of expired sessions",
		},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "adcsync_queue_depth",
			Help: "Items waiting to be synced",
		},
	)

	itemsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adcsync_items_emitted_total",
			Help: "Items produced by local sources",
		},
		[]string{"source"},
	)

	itemsRetried = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "adcsync_items_retried_total",
			Help: "Items requeued after a transient failure",
		},
	)
)

func Handler() http.Handler {
	return promhttp.Handler()
}

func ObserveUpsert(result string, duration time.Duration) {
	upsertsTotal.WithLabelValues(result).Inc()
	upsertDuration.WithLabelValues(result).Observe(duration.Seconds())
}

func ChunkUploaded(bytes int) {
	chunksUploaded.Inc()
	bytesUploaded.Add(float64(bytes))
}

func FileDeleted() {
	filesDeleted.Inc()
}

func FolderCreated() {
	foldersCreated.Inc()
}

func SessionConnected() {
	sessionRefreshes.Inc()
}

func SetQueueDepth(depth int) {
	queueDepth.Set(float64(depth))
}

func ItemEmitted(source string) {
	itemsEmitted.WithLabelValues(source).Inc()
}

func ItemRetried() {
	itemsRetried.Inc()
}
