// Package metrics exposes Prometheus collectors for agent loops, tool calls,
// scheduled runs and message delivery.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jholhewres/pandabot/pkg/pandabot/copilot"
	"github.com/jholhewres/pandabot/pkg/pandabot/scheduler"
	"github.com/jholhewres/pandabot/pkg/pandabot/tools"
)

const namespace = "pandabot"

// Scheduler run labels. Skip reasons reported by the bridge are folded into
// these.
const (
	RunOK              = "ok"
	RunError           = "error"
	RunSkippedBusy     = "skipped_busy"
	RunSkippedCapacity = "skipped_capacity"
	RunSkippedRunning  = "skipped_running"
	RunBotMissing      = "bot_missing"
	RunDeliveryFailed  = "delivery_failed"
)

// Metrics holds the collectors. A nil *Metrics is a no-op.
type Metrics struct {
	loopOutcomes  *prometheus.CounterVec
	loopRounds    prometheus.Histogram
	loopDuration  *prometheus.HistogramVec
	toolCalls     *prometheus.CounterVec
	toolDuration  *prometheus.HistogramVec
	schedulerRuns *prometheus.CounterVec
	deliveries    *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	return MustNewMetrics(prometheus.NewRegistry())
}

// MustNewMetrics registers the collectors on reg and panics on conflicts.
func MustNewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		loopOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "outcomes_total",
			Help:      "Tool-call loop runs by outcome.",
		}, []string{"outcome"}),
		loopRounds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "rounds",
			Help:      "Completed tool rounds per loop run.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 10, 15, 20},
		}),
		loopDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "duration_seconds",
			Help:      "Wall time of a loop run.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"outcome"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tools",
			Name:      "invocations_total",
			Help:      "Tool invocations by tool and status.",
		}, []string{"tool", "status"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tools",
			Name:      "duration_seconds",
			Help:      "Tool invocation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		schedulerRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "runs_total",
			Help:      "Scheduled job fires by result.",
		}, []string{"result"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channels",
			Name:      "deliveries_total",
			Help:      "Outgoing replies by platform and result.",
		}, []string{"platform", "result"}),
		gatherer: reg,
	}
	reg.MustRegister(
		m.loopOutcomes, m.loopRounds, m.loopDuration,
		m.toolCalls, m.toolDuration,
		m.schedulerRuns, m.deliveries,
	)
	return m
}

var _ copilot.Observer = (*Metrics)(nil)

// ObserveLoop records one finished loop run.
func (m *Metrics) ObserveLoop(outcome string, rounds int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.loopOutcomes.WithLabelValues(outcome).Inc()
	m.loopRounds.Observe(float64(rounds))
	m.loopDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// ObserveDelivery records one reply delivery attempt.
func (m *Metrics) ObserveDelivery(platform string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.deliveries.WithLabelValues(platform, result).Inc()
}

// ObserveTool matches tools.Observer.
func (m *Metrics) ObserveTool(name string, status tools.Status, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(name, string(status)).Inc()
	m.toolDuration.WithLabelValues(name).Observe(elapsed.Seconds())
}

// ObserveScheduledRun matches scheduler.RunObserver.
func (m *Metrics) ObserveScheduledRun(job *scheduler.Job, result string) {
	if m == nil {
		return
	}
	m.schedulerRuns.WithLabelValues(RunLabel(job, result)).Inc()
}

// RunLabel maps a scheduler result to its metric label.
func RunLabel(job *scheduler.Job, result string) string {
	switch result {
	case scheduler.ResultOK:
		return RunOK
	case scheduler.ResultSkippedFull:
		return RunSkippedCapacity
	case scheduler.ResultSkippedRunning:
		return RunSkippedRunning
	case "skipped_" + copilot.SkipBusy:
		return RunSkippedBusy
	case "skipped_" + copilot.SkipBotNotFound:
		return RunBotMissing
	case scheduler.ResultError:
		if job != nil && strings.HasPrefix(job.LastError, copilot.ErrDeliveryFailed.Error()) {
			return RunDeliveryFailed
		}
		return RunError
	default:
		return result
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Serve runs the metrics endpoint on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "metrics")

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics endpoint listening", "address", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
