package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/cognicore/xmlflat/internal/api"
	"github.com/cognicore/xmlflat/internal/logger"
	"github.com/cognicore/xmlflat/internal/metrics"
	"github.com/cognicore/xmlflat/internal/source"
	"github.com/cognicore/xmlflat/pkg/xmlflat"
	"github.com/cognicore/xmlflat/pkg/xmlflat/config"
	"github.com/cognicore/xmlflat/pkg/xmlflat/ingest"
	"github.com/cognicore/xmlflat/pkg/xmlflat/store/sqlite"
)

func main() {
	var (
		configPath = flag.String("config", "", "Config file (optional)")
		dbPath     = flag.String("db", "", "Database path (default from config)")
		input      = flag.String("input", "", "Input file path or URL to process before serving (optional)")
		addr       = flag.String("addr", "", "Listen address (default from config)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("Failed to load configuration:", err)
	}
	if *dbPath == "" {
		*dbPath = cfg.DBPath()
	}
	if *dbPath == "" {
		log.Fatal("--db required")
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	logger.InitGlobalLogger(logger.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})
	lg := logger.GetGlobalLogger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	flat, reg, err := buildServer(ctx, cfg, lg, *dbPath)
	if err != nil {
		lg.Error("failed to open store").Err(err).Send()
		os.Exit(1)
	}
	defer flat.Close()

	if *input != "" {
		in, err := source.New().Read(ctx, *input)
		if err != nil {
			lg.Error("failed to read input").Err(err).Send()
			os.Exit(1)
		}
		run, err := flat.Process(ctx, in.Name, in.Text)
		if err != nil {
			lg.Error("processing failed").Err(err).Send()
			os.Exit(1)
		}
		lg.LogRun(run.RunID, run.File, run.Valid, run.Invalid, run.Failed, run.Duration)
	}

	opts := api.Options{Flat: flat, Logger: lg.Component("api"), Metrics: reg.metrics}
	if cfg.Server.Metrics {
		opts.Gatherer = reg.registry
	}
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.NewServer(opts),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		lg.LogServerShutdown()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	lg.LogServerStart(cfg.Server.Addr, *dbPath)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		lg.Error("server error").Err(err).Send()
		os.Exit(1)
	}
}

type registry struct {
	registry *prometheus.Registry
	metrics  *metrics.Metrics
}

// buildServer opens the store and wires metrics on a private registry
// that also carries the Go and process collectors.
func buildServer(ctx context.Context, cfg *config.Config, lg *logger.Logger, dbPath string) (*xmlflat.XMLFlat, registry, error) {
	opts, err := cfg.FlattenOptions()
	if err != nil {
		return nil, registry{}, err
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, registry{}, err
	}
	st, err := sqlite.OpenSQLite(ctx, dbPath)
	if err != nil {
		return nil, registry{}, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	flat := xmlflat.New(xmlflat.Options{
		Store: st,
		Pipeline: ingest.NewPipeline(ingest.Options{
			RootTag: cfg.Ingest.RootTag,
			Flatten: opts,
			Workers: cfg.Ingest.Workers,
			Logger:  lg.Component("ingest"),
		}),
		Logger:  lg.Component("xmlflat"),
		Metrics: m,
	})
	return flat, registry{registry: reg, metrics: m}, nil
}
