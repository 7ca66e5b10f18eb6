package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/termbot/termbot/internal/cmdqueue"
	"github.com/termbot/termbot/internal/config"
	"github.com/termbot/termbot/internal/gateway/telegram"
	"github.com/termbot/termbot/internal/metrics"
	"github.com/termbot/termbot/internal/profile"
	"github.com/termbot/termbot/internal/runtime"
	"github.com/termbot/termbot/internal/session"
	"github.com/termbot/termbot/internal/store"
	"github.com/termbot/termbot/internal/token"
	"github.com/termbot/termbot/internal/transfer"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("bot error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg)

	catalog := profile.DefaultCatalog()
	if cfg.CatalogPath != "" {
		catalog, err = profile.LoadCatalog(cfg.CatalogPath)
		if err != nil {
			return fmt.Errorf("load profile catalog: %w", err)
		}
	}

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	docker, err := runtime.NewDocker()
	if err != nil {
		return fmt.Errorf("connect runtime: %w", err)
	}
	defer docker.Close()
	rt := runtime.NewGated(docker, cfg.RuntimePoolSize)

	collector := metrics.NewCollector()

	// The ledger consults the manager for trust, the manager starts
	// billing, and billing tears sessions down through the manager.
	// Closures break the construction cycle.
	var mgr *session.Manager
	ledger := token.NewLedger(st, func(user string) bool { return mgr.Trusted(user) }, cfg.InitialTokens, collector)

	client := telegram.NewClient(cfg.BotToken, cfg.PollTimeout)
	billing := token.NewBilling(ledger, client, time.Duration(cfg.BillingPeriod)*time.Second)

	mgr = session.NewManager(st, rt, catalog, billing, collector, cfg.Admins)
	billing.Bind(
		func(user string) bool {
			_, err := mgr.Lookup(user)
			return err == nil
		},
		mgr.Stop,
	)

	queue := cmdqueue.New(mgr, rt, collector)
	queue.SetIdleTimeout(time.Duration(cfg.QueueIdleSeconds) * time.Second)
	mgr.OnStop(queue.CancelAll)

	svc := transfer.NewService(mgr, rt)
	gw := telegram.New(client, mgr, queue, ledger, svc, rt, catalog)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := mgr.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	var metricsServer *http.Server
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return gw.Start(gctx)
	})
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(collector.Registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			slog.Info("metrics listening", "addr", cfg.MetricsAddr)
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	slog.Info("bot started", "pool_size", cfg.RuntimePoolSize, "admins", len(cfg.Admins))
	<-gctx.Done()

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop accepting work first, then let in-flight commands finish,
	// then tear everything down.
	gw.Stop()
	if err := queue.Close(shutdownCtx); err != nil {
		slog.Warn("queue close", "error", err)
	}
	billing.StopAll()
	mgr.StopAll(shutdownCtx)
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("metrics shutdown", "error", err)
		}
	}

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("bot stopped")
	return nil
}

func setupLogging(cfg *config.Config) {
	level := parseLogLevel(cfg.LogLevel)
	if cfg.Debug {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
