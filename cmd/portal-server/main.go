package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/signalsfoundry/observation-portal/internal/cadence"
	"github.com/signalsfoundry/observation-portal/internal/clock"
	"github.com/signalsfoundry/observation-portal/internal/configdb"
	"github.com/signalsfoundry/observation-portal/internal/contention"
	"github.com/signalsfoundry/observation-portal/internal/downtime"
	"github.com/signalsfoundry/observation-portal/internal/duration"
	"github.com/signalsfoundry/observation-portal/internal/ledger"
	"github.com/signalsfoundry/observation-portal/internal/lifecycle"
	"github.com/signalsfoundry/observation-portal/internal/logging"
	"github.com/signalsfoundry/observation-portal/internal/observability"
	"github.com/signalsfoundry/observation-portal/internal/portal"
	"github.com/signalsfoundry/observation-portal/internal/store"
	"github.com/signalsfoundry/observation-portal/internal/store/memstore"
	"github.com/signalsfoundry/observation-portal/internal/store/pgstore"
	"github.com/signalsfoundry/observation-portal/internal/telstates"
	"github.com/signalsfoundry/observation-portal/internal/visibility"
)

func main() {
	addr := flag.String("addr", ":8080", "TCP address the portal API listens on")
	metricsAddr := flag.String("metrics-addr", ":9090", "HTTP address for Prometheus /metrics")
	configdbURL := flag.String("configdb-url", "http://localhost:7000", "Base URL of the instrument configuration service")
	downtimeURL := flag.String("downtime-url", "http://localhost:7500", "Base URL of the downtime calendar service")
	telstatesURL := flag.String("telstates-url", "http://localhost:7600", "Base URL of the telescope event log service")
	databaseURL := flag.String("database-url", "", "Postgres DSN; empty runs with the in-memory store")
	flag.Parse()

	log := logging.NewFromEnv()
	ctx := context.Background()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.String("error", err.Error()))
		os.Exit(1)
	}
	defer observability.ShutdownWithTimeout(ctx, shutdownTracing, log)

	collector, err := observability.NewAPICollector(nil)
	if err != nil {
		log.Error(ctx, "failed to initialise metrics collector", logging.String("error", err.Error()))
		os.Exit(1)
	}
	metricsSrv := serveMetrics(*metricsAddr, collector, log)

	var st store.Store
	if *databaseURL != "" {
		pg, err := pgstore.Open(ctx, *databaseURL)
		if err != nil {
			log.Error(ctx, "failed to open database", logging.String("error", err.Error()))
			os.Exit(1)
		}
		st = pg
	} else {
		log.Warn(ctx, "no database configured, running with the in-memory store")
		st = memstore.New()
	}

	clk := clock.Real{}
	caps := configdb.New(*configdbURL)
	maintenance := downtime.New(*downtimeURL, log)

	led := ledger.New(st, log)
	life := lifecycle.New(st, led, clk, log)
	vis := visibility.New(caps, log).WithDowntime(maintenance)
	calc := duration.New(caps)
	cad := cadence.New(vis, calc)
	cont := contention.New(st, clk, log)
	pipe := portal.NewPipeline(caps, vis, cad, calc, led, st, clk, log)

	api := portal.NewServer(pipe, st, life, cont, collector, log).
		WithTelescopeStates(telstates.New(*telstatesURL, log))
	srv := &http.Server{
		Addr:              *addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info(ctx, "starting portal API", logging.String("addr", *addr))
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(ctx, "portal API exited", logging.String("error", err.Error()))
		}
	}()

	stopCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	<-stopCtx.Done()

	log.Info(ctx, "shutting down portal API")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
}

func serveMetrics(addr string, collector *observability.APICollector, log logging.Logger) *http.Server {
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
