package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics contains the Prometheus metrics for the assistant client
type Metrics struct {
	registry *prometheus.Registry

	// Hub API metrics
	APIRequests *prometheus.CounterVec

	// Conversation metrics
	Turns         *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec

	// Capture metrics
	Recordings       prometheus.Counter
	CaptureFragments prometheus.Counter
	CodecFallbacks   prometheus.Counter
}

// New creates the metrics on a private registry so that tests and multiple
// clients in one process never collide.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		APIRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lens_api_requests_total",
			Help: "Hub API requests by endpoint and outcome code",
		}, []string{"endpoint", "code"}),
		Turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lens_turns_total",
			Help: "Conversation turns by terminal state",
		}, []string{"state"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lens_stage_duration_seconds",
			Help:    "Duration of each conversation stage",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"stage"}),
		Recordings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lens_recordings_total",
			Help: "Completed microphone recordings",
		}),
		CaptureFragments: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lens_capture_fragments_total",
			Help: "Non-empty capture fragments accumulated",
		}),
		CodecFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lens_capture_codec_fallbacks_total",
			Help: "Recordings that fell back to backend default capture settings",
		}),
	}
	reg.MustRegister(m.APIRequests, m.Turns, m.StageDuration, m.Recordings, m.CaptureFragments, m.CodecFallbacks)
	return m
}

// Registry exposes the underlying registry (for tests and custom exporters).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveStage records how long a conversation stage took.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("Serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
