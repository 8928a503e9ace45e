// Package metrics exposes Prometheus instrumentation for the ingestion pipeline.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prefix is prepended to every metric name.
const Prefix = "ingest_"

var durationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300}

var transportCalls = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: Prefix + "transport_calls_total",
		Help: "Outbound provider calls by classified outcome",
	},
	[]string{"provider", "outcome"},
)

var transportDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    Prefix + "transport_call_duration_seconds",
		Help:    "Duration of a single outbound attempt",
		Buckets: durationBuckets,
	},
	[]string{"provider"},
)

var breakerOpened = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: Prefix + "breaker_opened_total",
		Help: "Times a provider was marked rate limited",
	},
	[]string{"provider"},
)

var budgetExhausted = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: Prefix + "collector_budget_exhausted_total",
		Help: "Calls skipped because the collector ran out of budget",
	},
	[]string{"collector"},
)

var rowsUpserted = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: Prefix + "store_rows_upserted_total",
		Help: "Rows inserted or updated by batch upserts",
	},
	[]string{"table"},
)

var upsertDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    Prefix + "store_batch_duration_seconds",
		Help:    "Duration of one batch upsert transaction",
		Buckets: durationBuckets,
	},
	[]string{"table"},
)

var cycleDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    Prefix + "cycle_duration_seconds",
		Help:    "Duration of one collector group run",
		Buckets: durationBuckets,
	},
	[]string{"group"},
)

var cycleRecords = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: Prefix + "cycle_records_total",
		Help: "Records collected per group",
	},
	[]string{"group"},
)

var groupFailures = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: Prefix + "group_failures_total",
		Help: "Group runs that crashed or reported errors",
	},
	[]string{"group"},
)

// RecordCall counts one classified transport attempt.
func RecordCall(provider, outcome string, d time.Duration) {
	transportCalls.WithLabelValues(provider, outcome).Inc()
	transportDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// BreakerOpened counts a rate-limit transition for provider.
func BreakerOpened(provider string) {
	breakerOpened.WithLabelValues(provider).Inc()
}

// BudgetExhausted counts a call skipped for lack of budget.
func BudgetExhausted(collector string) {
	budgetExhausted.WithLabelValues(collector).Inc()
}

// ObserveUpsert records one committed batch.
func ObserveUpsert(table string, rows int64, d time.Duration) {
	rowsUpserted.WithLabelValues(table).Add(float64(rows))
	upsertDuration.WithLabelValues(table).Observe(d.Seconds())
}

// ObserveGroup records one finished group run.
func ObserveGroup(group string, records int, d time.Duration, failed bool) {
	cycleDuration.WithLabelValues(group).Observe(d.Seconds())
	cycleRecords.WithLabelValues(group).Add(float64(records))
	if failed {
		groupFailures.WithLabelValues(group).Inc()
	}
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
