package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Round outcomes.
const (
	OutcomeSigned  = "signed"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// AttestorMetrics tracks rounds, feeds and submissions.
type AttestorMetrics struct {
	registry *prometheus.Registry

	roundsTotal        *prometheus.CounterVec
	roundDuration      prometheus.Histogram
	attestationsSigned prometheus.Counter
	feedErrors         *prometheus.CounterVec
	lastPrice          *prometheus.GaugeVec
	lastRoundTimestamp prometheus.Gauge
	submissionsTotal   *prometheus.CounterVec
}

// New registers all collectors on a dedicated registry.
func New(namespace string) *AttestorMetrics {
	if namespace == "" {
		namespace = "attestor"
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &AttestorMetrics{
		registry: reg,
		roundsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_rounds_total", namespace),
			Help: "Attestation rounds by outcome",
		}, []string{"outcome"}),
		roundDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    fmt.Sprintf("%s_round_duration_seconds", namespace),
			Help:    "Wall time of one attestation round",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		attestationsSigned: factory.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_attestations_signed_total", namespace),
			Help: "Total number of signed attestations",
		}),
		feedErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_feed_errors_total", namespace),
			Help: "Feed fetch failures",
		}, []string{"feed"}),
		lastPrice: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_last_price", namespace),
			Help: "Last attested price per feed",
		}, []string{"feed"}),
		lastRoundTimestamp: factory.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_last_signed_round_timestamp_seconds", namespace),
			Help: "Unix time of the last successfully signed round",
		}),
		submissionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_submissions_total", namespace),
			Help: "Oracle update submissions by result",
		}, []string{"result"}),
	}
}

// ObserveRound records the outcome and duration of one round.
func (m *AttestorMetrics) ObserveRound(outcome string, elapsed time.Duration, signed int) {
	if m == nil {
		return
	}
	m.roundsTotal.WithLabelValues(outcome).Inc()
	m.roundDuration.Observe(elapsed.Seconds())
	if outcome == OutcomeSigned {
		m.attestationsSigned.Add(float64(signed))
		m.lastRoundTimestamp.SetToCurrentTime()
	}
}

// IncFeedError counts a failed fetch.
func (m *AttestorMetrics) IncFeedError(feed string) {
	if m == nil {
		return
	}
	m.feedErrors.WithLabelValues(feed).Inc()
}

// SetLastPrice exposes the most recent price of a feed.
func (m *AttestorMetrics) SetLastPrice(feed string, price float64) {
	if m == nil {
		return
	}
	m.lastPrice.WithLabelValues(feed).Set(price)
}

// IncSubmission counts a submission attempt.
func (m *AttestorMetrics) IncSubmission(result string) {
	if m == nil {
		return
	}
	m.submissionsTotal.WithLabelValues(result).Inc()
}

// Registry exposes the underlying registry.
func (m *AttestorMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *AttestorMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics until ctx is cancelled.
func (m *AttestorMetrics) Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics endpoint listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve metrics: %w", err)
	}
	return nil
}
