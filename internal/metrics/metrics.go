package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_active_sessions",
			Help: "Number of live WebSocket sessions",
		},
	)

	SessionsEvicted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_sessions_evicted_total",
			Help: "Sessions closed by the idle sweeper",
		},
	)

	AuthAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_auth_attempts_total",
			Help: "Authentication attempts by result",
		},
		[]string{"result"},
	)

	// Message metrics
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_messages_total",
			Help: "Inbound messages by type",
		},
		[]string{"type"},
	)

	ErrorFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_error_frames_total",
			Help: "Error frames sent to clients by fault kind",
		},
		[]string{"kind"},
	)

	// Pipeline metrics
	PipelineRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_pipeline_runs_total",
			Help: "Usage pipeline runs by outcome",
		},
		[]string{"pipeline", "outcome"},
	)

	Refunds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_refunds_total",
			Help: "Compensating refunds by result",
		},
		[]string{"result"},
	)

	StepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_step_duration_seconds",
			Help:    "External call duration in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"step"},
	)
)

func init() {
	prometheus.MustRegister(
		ActiveSessions,
		SessionsEvicted,
		AuthAttempts,
		MessagesTotal,
		ErrorFrames,
		PipelineRuns,
		Refunds,
		StepDuration,
	)
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
