package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"bountyflow/auth"
	"bountyflow/config"
	"bountyflow/httpapi"
	"bountyflow/inbox"
	"bountyflow/lifecycle"
	"bountyflow/logging"
	"bountyflow/metrics"
	"bountyflow/outbox"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.Setup(cfg.Service, cfg.Env, cfg.Log.Level, logging.FileOptions{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("service stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("service stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	m := metrics.Default()

	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer be.Close()

	rails, err := buildRails(cfg, logger, m)
	if err != nil {
		return err
	}
	evidenceStore, err := buildEvidence(ctx, cfg)
	if err != nil {
		return err
	}
	limiter, closeLimiter := buildLimiter(cfg, logger, m)
	defer closeLimiter()

	engine := lifecycle.New(be.store, rails,
		lifecycle.WithPolicy(lifecycle.Policy{
			FeeBps:        cfg.Policy.FeeBps,
			StakeLockBps:  cfg.Policy.StakeLockBps,
			StaleAfter:    cfg.Policy.StaleAfter,
			CommitTimeout: cfg.Policy.CommitTimeout,
		}),
		lifecycle.WithLogger(logger.With("component", "lifecycle")),
		lifecycle.WithMetrics(m),
	)
	authService := auth.NewService(be.users, cfg.Auth.JWTSecret,
		auth.WithTokenTTL(cfg.Auth.TokenTTL),
		auth.WithBootstrapAdmins(cfg.Auth.BootstrapAdmins),
	)

	dispatcher := inbox.NewDispatcher(be.inbox, engine, inbox.Config{
		Shards:      cfg.Inbox.Shards,
		Batch:       cfg.Inbox.Batch,
		Interval:    cfg.Inbox.Interval,
		MaxAttempts: cfg.Inbox.MaxAttempts,
	}, logger.With("component", "inbox"), m)

	relay := outbox.NewRelay(be.outbox, buildSinks(cfg, logger),
		outbox.WithBatch(cfg.Outbox.Batch),
		outbox.WithInterval(cfg.Outbox.Interval),
		outbox.WithMaxAttempts(cfg.Outbox.MaxAttempts),
		outbox.WithLogger(logger.With("component", "outbox")),
		outbox.WithMetrics(m),
	)

	api := httpapi.New(httpapi.Config{
		Engine:         engine,
		Auth:           authService,
		Webhooks:       rails,
		Inbox:          dispatcher,
		Evidence:       evidenceStore,
		Limiter:        limiter,
		Ready:          be.ready,
		Logger:         logger.With("component", "http"),
		MaxUploadBytes: cfg.Evidence.S3.MaxSize,
	})
	srv := &http.Server{
		Addr:         cfg.HTTP.ListenAddr,
		Handler:      api.Handler(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relay.Run(gctx) })
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return engine.RunReconciler(gctx, cfg.Policy.ReconcileInterval) })
	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.HTTP.ListenAddr, "rails", rails.IDs())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
