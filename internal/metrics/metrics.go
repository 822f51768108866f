// Package metrics exposes Prometheus instruments for ingestion, resolution
// and external matching. Instruments are registered on an injected registry
// so tests and multiple runs never collide on the global default.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "entityledger"

// Metrics groups every instrument the pipelines update.
type Metrics struct {
	Mentions         prometheus.Counter
	Decisions        *prometheus.CounterVec
	InvalidMentions  prometheus.Counter
	DeferredExported prometheus.Counter
	DocumentsDone    prometheus.Counter
	Checkpoints      prometheus.Counter
	CheckpointTime   prometheus.Histogram
	SkippedLines     *prometheus.CounterVec
	Resolved         *prometheus.CounterVec
	OracleCalls      *prometheus.CounterVec
	SearchCalls      *prometheus.CounterVec
	RateLimitDelay   prometheus.Gauge
}

// New registers all instruments on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Mentions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "mentions_total",
			Help: "Mentions accepted into the registry.",
		}),
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "decisions_total",
			Help: "First-pass decisions by outcome.",
		}, []string{"outcome"}),
		InvalidMentions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "invalid_mentions_total",
			Help: "Mentions rejected by validation.",
		}),
		DeferredExported: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "deferred_exported_total",
			Help: "Deferred items exported to the pending queue.",
		}),
		DocumentsDone: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "documents_processed_total",
			Help: "Source documents fully ingested.",
		}),
		Checkpoints: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "checkpoints_total",
			Help: "Checkpoints written.",
		}),
		CheckpointTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "checkpoint_duration_seconds",
			Help:    "Time to flush buffers and write a checkpoint.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		SkippedLines: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "replay_skipped_lines_total",
			Help: "Malformed log lines skipped during replay.",
		}, []string{"log"}),
		Resolved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "resolved_total",
			Help: "Deferred items resolved by outcome.",
		}, []string{"outcome"}),
		OracleCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "oracle_calls_total",
			Help: "Verification oracle calls by result.",
		}, []string{"result"}),
		SearchCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "search_calls_total",
			Help: "External search calls by endpoint and result.",
		}, []string{"endpoint", "result"}),
		RateLimitDelay: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "rate_limit_delay_seconds",
			Help: "Current delay enforced between external calls.",
		}),
	}
}

// Discard returns instruments registered on a private registry, for callers
// that do not export metrics.
func Discard() *Metrics {
	return New(prometheus.NewRegistry())
}

// ObserveCheckpoint records one checkpoint that started at start.
func (m *Metrics) ObserveCheckpoint(start time.Time) {
	m.Checkpoints.Inc()
	m.CheckpointTime.Observe(time.Since(start).Seconds())
}

// Serve exposes g on addr at /metrics until ctx is cancelled.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("metrics listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
