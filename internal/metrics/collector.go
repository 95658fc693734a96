// Package metrics exposes recorder and replay counters over Prometheus.
// A nil *Collector is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Collector holds the browzer metrics on its own registry
type Collector struct {
	registry *prometheus.Registry

	actionsCaptured   *prometheus.CounterVec
	clicksFinalized   *prometheus.CounterVec
	envelopesRejected *prometheus.CounterVec
	resolverOutcomes  *prometheus.CounterVec
	replaySteps       *prometheus.CounterVec
	stepDuration      *prometheus.HistogramVec
	networkWaits      *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector creates a collector under namespace
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),

		actionsCaptured: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_captured_total",
			Help:      "Actions appended to the recording log",
		}, []string{"type"}),

		clicksFinalized: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clicks_finalized_total",
			Help:      "Pending clicks finalized, by trigger",
		}, []string{"trigger"}),

		envelopesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_rejected_total",
			Help:      "Instrumentation messages dropped by the host",
		}, []string{"reason"}),

		resolverOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolver_outcomes_total",
			Help:      "Element resolution outcomes, by strategy",
		}, []string{"strategy", "outcome"}),

		replaySteps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replay_steps_total",
			Help:      "Replayed workflow steps, by type and outcome",
		}, []string{"type", "outcome"}),

		stepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "replay_step_duration_seconds",
			Help:      "Replay step duration",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"type"}),

		networkWaits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "network_waits_total",
			Help:      "Network-idle waits, by final state",
		}, []string{"state"}),
	}
}

// ActionCaptured counts an appended action
func (c *Collector) ActionCaptured(actionType string) {
	if c == nil {
		return
	}
	c.actionsCaptured.WithLabelValues(actionType).Inc()
}

// ClickFinalized counts a pending click finalization. trigger is deadline, network_idle or flush.
func (c *Collector) ClickFinalized(trigger string) {
	if c == nil {
		return
	}
	c.clicksFinalized.WithLabelValues(trigger).Inc()
}

// EnvelopeRejected counts a dropped instrumentation message
func (c *Collector) EnvelopeRejected(reason string) {
	if c == nil {
		return
	}
	c.envelopesRejected.WithLabelValues(reason).Inc()
}

// ResolverOutcome counts an element lookup
func (c *Collector) ResolverOutcome(strategy, outcome string) {
	if c == nil {
		return
	}
	c.resolverOutcomes.WithLabelValues(strategy, outcome).Inc()
}

// ReplayStep counts a replayed step and its duration
func (c *Collector) ReplayStep(stepType string, success bool, d time.Duration) {
	if c == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	c.replaySteps.WithLabelValues(stepType, outcome).Inc()
	c.stepDuration.WithLabelValues(stepType).Observe(d.Seconds())
}

// NetworkWait counts a network-idle wait by final state
func (c *Collector) NetworkWait(state string) {
	if c == nil {
		return
	}
	c.networkWaits.WithLabelValues(state).Inc()
}

// Registry returns the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx ends
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	c.logger.Info("metrics endpoint listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
