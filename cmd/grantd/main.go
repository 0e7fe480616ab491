// Command grantd runs the token and grant authority as an HTTP daemon.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/clearauth/grantd/grant"
	"github.com/clearauth/grantd/httpapi"
	"github.com/clearauth/grantd/identity"
	"github.com/clearauth/grantd/instrumentation"
	"github.com/clearauth/grantd/internal/config"
	"github.com/clearauth/grantd/security"
	"github.com/clearauth/grantd/storage"
	"github.com/clearauth/grantd/storage/memory"
	"github.com/clearauth/grantd/storage/postgres"
	grantredis "github.com/clearauth/grantd/storage/redis"
)

var (
	buildVersion = "N/A" // set by ldflags
	buildCommit  = "N/A" // set by ldflags
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}
	logger := newLogger(cfg.LogLevel)
	logger.Info("starting grantd", "version", buildVersion, "commit", buildCommit)

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    "grantd",
		ServiceVersion: buildVersion,
		Enabled:        true,
	})
	if err != nil {
		logger.Error("failed to initialize instrumentation", "error", err)
		os.Exit(1)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	store, revocations, pinger, cleanup, err := buildStores(ctx, cfg, inst, logger)
	if err != nil {
		logger.Error("failed to initialize storage", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	directory := identity.NewDirectory()
	if cfg.IdentitySeed != "" {
		if err := directory.LoadFromFile(cfg.IdentitySeed); err != nil {
			logger.Error("failed to load identity seed", "error", err)
			os.Exit(1)
		}
		logger.Info("loaded identity seed", "path", cfg.IdentitySeed)
	}

	authority, err := grant.New(store, revocations, directory, directory, directory, &grant.Config{
		Issuer:               cfg.Token.Issuer,
		SigningKey:           []byte(cfg.Token.SigningKey),
		AccessTokenTTL:       cfg.Token.AccessTTL,
		RefreshTokenTTL:      cfg.Token.RefreshTTL,
		AuthorizationCodeTTL: cfg.Token.CodeTTL,
		ClockSkewGrace:       cfg.Token.ClockSkewGrace,
		StoreTimeout:         cfg.Token.StoreTimeout,
		FailOpen:             cfg.Token.RevocationsOpen,
	}, logger)
	if err != nil {
		logger.Error("failed to construct authority", "error", err)
		os.Exit(1)
	}

	authority.Auditor = security.NewAuditor(logger, true)
	authority.Guard = security.NewRateGuard(cfg.Rate.AttemptsPerSecond, cfg.Rate.Burst, logger)
	defer authority.Guard.Stop()
	authority.Metrics = inst.Metrics()

	sweeper := grant.NewSweeper(store, grant.DefaultSweepInterval, cfg.Token.StoreTimeout, logger)
	sweeper.Start()
	defer sweeper.Stop()

	handler := httpapi.NewHandler(authority, cfg.Token.Issuer, logger)
	handler.Tracer = inst.Tracer("http")
	handler.Pinger = pinger

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.HTTP.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("received interruption signal, shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("error during shutdown", "error", err)
	}
	logger.Info("shutdown complete")
}

// buildStores selects the grant store and revocation index from config:
// postgres when a DSN is set, in-memory otherwise, with an optional Redis
// cache and revocation index layered on top.
func buildStores(
	ctx context.Context,
	cfg *config.Config,
	inst *instrumentation.Instrumentation,
	logger *slog.Logger,
) (storage.GrantStore, storage.RevocationIndex, httpapi.Pinger, func(), error) {
	cleanups := []func(){}
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	var store storage.GrantStore
	var revocations storage.RevocationIndex
	var pinger httpapi.Pinger

	if cfg.Database.DSN != "" {
		pg, err := postgres.New(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, nil, nil, cleanup, err
		}
		cleanups = append(cleanups, pg.Close)
		store, revocations, pinger = pg, pg, pg
		logger.Info("using postgres grant store")
	} else {
		mem := memory.New()
		mem.SetLogger(logger)
		cleanups = append(cleanups, mem.Stop)
		store, revocations = mem, mem
		logger.Warn("using in-memory grant store; records do not survive restarts")
	}

	if cfg.Redis.URL != "" {
		client, err := grantredis.New(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, nil, nil, cleanup, err
		}
		cleanups = append(cleanups, func() { _ = client.Close() })

		cache := grantredis.NewCache(store, client, cfg.Redis.CacheTTL)
		cache.Metrics = inst.Metrics()
		store = cache
		revocations = grantredis.NewIndex(client)
		logger.Info("using redis cache and revocation index")
	}

	return store, revocations, pinger, cleanup, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
