// The reconciler is the background sweep: it pulls execution reports from
// the block store, derives request and group states from them, and expires
// requests whose observing windows have passed. It is safe to run
// alongside the portal API and safe to restart at any point.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/signalsfoundry/observation-portal/internal/clock"
	"github.com/signalsfoundry/observation-portal/internal/ledger"
	"github.com/signalsfoundry/observation-portal/internal/lifecycle"
	"github.com/signalsfoundry/observation-portal/internal/logging"
	"github.com/signalsfoundry/observation-portal/internal/observability"
	"github.com/signalsfoundry/observation-portal/internal/pond"
	"github.com/signalsfoundry/observation-portal/internal/store/pgstore"
	"github.com/signalsfoundry/observation-portal/model"
)

func main() {
	pondURL := flag.String("pond-url", "http://localhost:7600", "Base URL of the block store")
	databaseURL := flag.String("database-url", "", "Postgres DSN (required)")
	metricsAddr := flag.String("metrics-addr", ":9091", "HTTP address for Prometheus /metrics")
	interval := flag.Duration("interval", time.Minute, "time between sweeps")
	lookback := flag.Duration("lookback", 15*time.Minute, "how far past the last sweep to re-read blocks")
	flag.Parse()

	log := logging.NewFromEnv()
	ctx := context.Background()

	if *databaseURL == "" {
		log.Error(ctx, "a database is required, pass -database-url")
		os.Exit(1)
	}

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.String("error", err.Error()))
		os.Exit(1)
	}
	defer observability.ShutdownWithTimeout(ctx, shutdownTracing, log)

	collector, err := observability.NewSweepCollector(nil)
	if err != nil {
		log.Error(ctx, "failed to initialise metrics collector", logging.String("error", err.Error()))
		os.Exit(1)
	}
	metricsSrv := serveMetrics(*metricsAddr, collector, log)

	st, err := pgstore.Open(ctx, *databaseURL)
	if err != nil {
		log.Error(ctx, "failed to open database", logging.String("error", err.Error()))
		os.Exit(1)
	}

	clk := clock.Real{}
	led := ledger.New(st, log)
	life := lifecycle.New(st, led, clk, log).WithMetrics(collector)
	blocks := pond.New(*pondURL)

	stopCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	log.Info(ctx, "starting reconciler",
		logging.String("interval", interval.String()),
		logging.String("pond_url", *pondURL))

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	since := clk.Now().Add(-*lookback)
	for {
		sweep(stopCtx, life, st, blocks, collector, clk, since, log)
		since = clk.Now().Add(-*lookback)

		select {
		case <-stopCtx.Done():
			log.Info(ctx, "shutting down reconciler")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if metricsSrv != nil {
				_ = metricsSrv.Shutdown(shutdownCtx)
			}
			return
		case <-ticker.C:
		}
	}
}

func sweep(ctx context.Context, life *lifecycle.Engine, st *pgstore.Store, blocks *pond.Client, collector *observability.SweepCollector, clk clock.Clock, since time.Time, log logging.Logger) {
	start := clk.Now()

	if err := life.ReconcileBlocks(ctx, blocks, since); err != nil {
		log.Warn(ctx, "block reconciliation failed", logging.String("error", err.Error()))
	}
	if err := life.ExpireWindows(ctx); err != nil {
		log.Warn(ctx, "window expiry failed", logging.String("error", err.Error()))
	}
	collector.ObserveReconcile(clk.Now().Sub(start))

	pending, err := st.RequestsInStates(ctx, model.StatePending)
	if err != nil {
		log.Warn(ctx, "pending count failed", logging.String("error", err.Error()))
		return
	}
	collector.SetPendingRequests(len(pending))
}

func serveMetrics(addr string, collector *observability.SweepCollector, log logging.Logger) *http.Server {
	if collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn(context.Background(), "metrics server exited", logging.String("error", err.Error()))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
