// Package metrics holds the Prometheus collectors shared by the messaging service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline outcomes.
const (
	OutcomeDone            = "done"
	OutcomeValidationError = "validation_failed"
	OutcomeStagingError    = "staging_failed"
	OutcomeCommitError     = "commit_failed"
)

// Orphan reasons.
const (
	ReasonStagingRollback = "staging_rollback"
	ReasonCommitRollback  = "commit_rollback"
	ReasonRecordDelete    = "record_delete"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)

	pipelineRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memome_pipeline_runs_total",
			Help: "Creation pipeline runs by pipeline name and outcome",
		},
		[]string{"pipeline", "outcome"},
	)

	stagedBlobs = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "memome_staged_blobs_total",
			Help: "Attachments uploaded by the stager",
		},
	)

	orphanedBlobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memome_orphaned_blobs_total",
			Help: "Blob deletes that failed and left an orphan behind",
		},
		[]string{"reason"},
	)

	sweptBlobs = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "memome_swept_blobs_total",
			Help: "Orphaned blobs removed by the sweeper",
		},
	)
)

// PipelineRun counts one finished pipeline run.
func PipelineRun(pipeline, outcome string) {
	pipelineRuns.WithLabelValues(pipeline, outcome).Inc()
}

// BlobsStaged counts n uploaded attachments.
func BlobsStaged(n int) {
	stagedBlobs.Add(float64(n))
}

// BlobOrphaned counts a failed best-effort delete.
func BlobOrphaned(reason string) {
	orphanedBlobs.WithLabelValues(reason).Inc()
}

// BlobsSwept counts n blobs removed by the sweeper.
func BlobsSwept(n int) {
	sweptBlobs.Add(float64(n))
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware records request count and latency per chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		// Route pattern keeps ids out of the label set.
		path := "unmatched"
		if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
			if pattern := routeCtx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
