// Package metrics exposes digestbot's Prometheus instrumentation.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DigestRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "digestbot_digest_runs_total",
		Help: "Total number of digest generations that completed (including empty ones).",
	})

	DigestsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "digestbot_digests_delivered_total",
		Help: "Total number of digests handed to the delivery transport successfully.",
	})

	DeliveryFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "digestbot_delivery_failures_total",
		Help: "Total number of digest delivery attempts that failed.",
	})

	TenantErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "digestbot_tenant_errors_total",
		Help: "Total number of per-tenant processing failures (tenant skipped for the tick).",
	})

	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "digestbot_reconnect_attempts_total",
		Help: "Total number of upstream reconnection attempts.",
	})

	MessagesArchived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "digestbot_messages_archived_total",
		Help: "Total number of chat messages recorded into the archive.",
	})

	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "digestbot_tick_duration_seconds",
		Help:    "Wall time of one full scheduler tick across all tenants.",
		Buckets: prometheus.DefBuckets,
	})
)

// Serve runs a /metrics HTTP listener until ctx is canceled.
func Serve(ctx context.Context, addr string) error {
	if addr == "" {
		addr = "127.0.0.1:9090"
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
