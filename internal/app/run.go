package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quernmq/quern/internal/breaker"
	"github.com/quernmq/quern/internal/dedupe"
	"github.com/quernmq/quern/internal/engine"
	"github.com/quernmq/quern/internal/store"
)

// Version is stamped by the build; the default marks local builds.
var Version = "dev"

const shutdownGrace = 10 * time.Second

// App wires the configured store, deduplication index, engine and
// background loops together for the serve command.
type App struct {
	cfg       *Config
	logger    *slog.Logger
	logCloser io.Closer
	engine    *engine.Engine
	reaper    *engine.Reaper
}

func New(cfg *Config) (*App, error) {
	logger, closer, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	st, err := openStore(cfg.Store)
	if err != nil {
		if closer != nil {
			_ = closer.Close()
		}
		return nil, err
	}

	opts := []engine.Option{engine.WithLogger(logger)}
	if cfg.Redis.URL != "" {
		idx, err := dedupe.NewRedisIndex(cfg.Redis.URL)
		if err != nil {
			_ = st.Close()
			if closer != nil {
				_ = closer.Close()
			}
			return nil, fmt.Errorf("redis dedupe index: %w", err)
		}
		opts = append(opts, engine.WithDedupeIndex(idx))
	}
	if cfg.Engine.BreakerFailureThreshold > 0 || cfg.Engine.BreakerCooldown > 0 {
		opts = append(opts, engine.WithBreakerConfig(breaker.Config{
			FailureThreshold: cfg.Engine.BreakerFailureThreshold,
			SuccessThreshold: cfg.Engine.BreakerSuccessThreshold,
			Cooldown:         cfg.Engine.BreakerCooldown,
		}))
	}

	eng := engine.New(st, opts...)
	return &App{
		cfg:       cfg,
		logger:    logger,
		logCloser: closer,
		engine:    eng,
		reaper:    engine.NewReaper(eng, cfg.Engine.SweepInterval, cfg.Engine.SweepBatch),
	}, nil
}

// Engine exposes the wired engine, for embedding quern in a larger
// process.
func (a *App) Engine() *engine.Engine { return a.engine }

func (a *App) Logger() *slog.Logger { return a.logger }

// Run starts the background loops and blocks until the context is
// cancelled, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var shutdownTracing func(context.Context) error
	if a.cfg.Tracing.Enabled {
		shutdown, err := initTracing(ctx, a.cfg.Tracing, func(err error) {
			a.logger.Warn("tracing export error", "error", err)
		})
		if err != nil {
			a.logger.Error("tracing init failed", "error", err)
		} else {
			shutdownTracing = shutdown
		}
	}

	var metricsSrv *http.Server
	if a.cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok\n"))
		})
		metricsSrv = &http.Server{
			Addr:              a.cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			err := metricsSrv.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics server error", "error", err)
				cancel()
			}
		}()
		a.logger.Info("metrics endpoint listening", "addr", a.cfg.Metrics.Addr)
	}

	reaperDone := make(chan struct{})
	go func() {
		defer close(reaperDone)
		a.reaper.Run(ctx)
	}()

	a.logger.Info("quern started",
		"version", Version, "store", a.cfg.Store.Driver)

	<-ctx.Done()
	a.logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()

	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	<-reaperDone
	if shutdownTracing != nil {
		_ = shutdownTracing(shutdownCtx)
	}
	if err := a.engine.Close(); err != nil {
		a.logger.Error("engine close failed", "error", err)
	}
	if a.logCloser != nil {
		_ = a.logCloser.Close()
	}
	return nil
}

func openStore(cfg StoreConfig) (store.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		return store.NewSQLiteStore(cfg.Path)
	case "postgres":
		return store.NewPostgresStore(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
