package metricsx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	eventsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "change_events_processed_total",
			Help: "Change events seen by the batch processor, by operation.",
		},
		[]string{"operation"},
	)
	intentsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "update_intents_applied_total",
			Help: "Update intents applied to the aggregate store, by rule kind.",
		},
		[]string{"kind"},
	)
	intentFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "update_intent_failures_total",
			Help: "Update intents that failed against the aggregate store, by rule kind.",
		},
		[]string{"kind"},
	)
	dedupSkips = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dedup_skips_total",
			Help: "Intents skipped because their event id was already applied.",
		},
	)
	batches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "change_batches_total",
			Help: "Change batches processed, by result status.",
		},
		[]string{"status"},
	)
	batchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "change_batch_duration_seconds",
			Help:    "End-to-end batch processing latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
	kafkaConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_consumer_lag",
			Help: "Kafka consumer lag by topic.",
		},
		[]string{"topic", "group"},
	)
	reconcileRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_runs_total",
			Help: "Per-subject reconcile runs, by outcome.",
		},
		[]string{"outcome"},
	)
	influxWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "influx_write_failures_total",
			Help: "Total InfluxDB write failures.",
		},
	)
	asynqQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "asynq_queue_depth",
			Help: "Asynq queue depth by queue.",
		},
		[]string{"queue"},
	)
)

func Register() {
	prometheus.MustRegister(
		httpRequests, httpLatency,
		eventsProcessed, intentsApplied, intentFailures, dedupSkips,
		batches, batchLatency,
		kafkaConsumerLag, reconcileRuns, influxWriteFailures, asynqQueueDepth,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		httpRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpLatency.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

func IncEventProcessed(operation string) {
	eventsProcessed.WithLabelValues(operation).Inc()
}

func IncIntentApplied(kind string) {
	intentsApplied.WithLabelValues(kind).Inc()
}

func IncIntentFailure(kind string) {
	intentFailures.WithLabelValues(kind).Inc()
}

func IncDedupSkip() {
	dedupSkips.Inc()
}

func IncBatch(status string) {
	batches.WithLabelValues(status).Inc()
}

func ObserveBatchLatency(d time.Duration) {
	batchLatency.Observe(d.Seconds())
}

func SetKafkaLag(topic string, group string, lag int64) {
	kafkaConsumerLag.WithLabelValues(topic, group).Set(float64(lag))
}

func IncReconcileRun(outcome string) {
	reconcileRuns.WithLabelValues(outcome).Inc()
}

func IncInfluxWriteFailure() {
	influxWriteFailures.Inc()
}

func SetAsynqQueueDepth(queue string, depth int) {
	asynqQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
