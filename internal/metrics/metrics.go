// Package metrics records ingestion and query outcomes with Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder is safe to use as a nil pointer, which records nothing.
type Recorder struct {
	ingestTotal    *prometheus.CounterVec
	ingestDuration prometheus.Histogram
	cleanupErrors  *prometheus.CounterVec
	queryTotal     *prometheus.CounterVec
	queryAttempts  prometheus.Counter
	queryDuration  prometheus.Histogram
	sessions       prometheus.Gauge
}

func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		ingestTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "askora_ingestions_total",
				Help: "Repository ingestions by outcome and failing stage",
			},
			[]string{"outcome", "stage"},
		),
		ingestDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "askora_ingestion_duration_seconds",
			Help:    "Wall time of a repository ingestion including settle waits",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
		}),
		cleanupErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "askora_cleanup_errors_total",
				Help: "Failed best-effort deletes after a failed ingestion",
			},
			[]string{"resource"},
		),
		queryTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "askora_queries_total",
				Help: "Agent queries by outcome",
			},
			[]string{"outcome"},
		),
		queryAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "askora_query_attempts_total",
			Help: "Completion requests sent to MindsDB, retries included",
		}),
		queryDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "askora_query_duration_seconds",
			Help:    "Wall time of an agent query including backoff",
			Buckets: prometheus.DefBuckets,
		}),
		sessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "askora_chat_sessions",
			Help: "Chat sessions currently held in memory",
		}),
	}
}

func (r *Recorder) ObserveIngest(outcome, stage string, d time.Duration) {
	if r == nil {
		return
	}
	r.ingestTotal.WithLabelValues(outcome, stage).Inc()
	r.ingestDuration.Observe(d.Seconds())
}

func (r *Recorder) IncCleanupError(resource string) {
	if r == nil {
		return
	}
	r.cleanupErrors.WithLabelValues(resource).Inc()
}

func (r *Recorder) IncQueryAttempt() {
	if r == nil {
		return
	}
	r.queryAttempts.Inc()
}

func (r *Recorder) ObserveQuery(outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.queryTotal.WithLabelValues(outcome).Inc()
	r.queryDuration.Observe(d.Seconds())
}

func (r *Recorder) SetSessions(n int) {
	if r == nil {
		return
	}
	r.sessions.Set(float64(n))
}
