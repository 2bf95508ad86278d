package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ClipsSubmitted   prometheus.Counter
	ClipTransitions  *prometheus.CounterVec
	SimilarityScores prometheus.Histogram
	MatchesCreated   prometheus.Counter
	MatchOutcomes    *prometheus.CounterVec
	ActiveCalls      prometheus.Gauge
	CallOutcomes     *prometheus.CounterVec
	SegmentAppends   *prometheus.CounterVec
	UpstreamErrors   *prometheus.CounterVec
	EchoesComposed   prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ClipsSubmitted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clips_submitted_total",
			Help:      "Voice clips accepted into the processing pipeline.",
		}),
		ClipTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clip_transitions_total",
			Help:      "Clip processing status transitions by target status.",
		}, []string{"status"}),
		SimilarityScores: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "match_similarity_score",
			Help:      "Similarity score of created matches.",
			Buckets:   []float64{0.5, 0.6, 0.7, 0.75, 0.8, 0.85, 0.9, 0.95, 0.99},
		}),
		MatchesCreated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "matches_created_total",
			Help:      "Pending matches created by the broker.",
		}),
		MatchOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "match_outcomes_total",
			Help:      "Match resolutions by outcome.",
		}, []string{"outcome"}),
		ActiveCalls: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Calls currently in the initiated or active state.",
		}),
		CallOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_outcomes_total",
			Help:      "Call terminations by outcome.",
		}, []string{"outcome"}),
		SegmentAppends: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segment_appends_total",
			Help:      "Translation segment appends by result.",
		}, []string{"result"}),
		UpstreamErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Collaborator errors by collaborator.",
		}, []string{"collaborator"}),
		EchoesComposed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "echoes_composed_total",
			Help:      "Echo artifacts composed from completed calls.",
		}),
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
