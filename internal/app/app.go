// Package app assembles the registration pipeline from configuration. Both
// the server and the provisioning CLI build their collaborators here.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"schoolportal/identity/internal/auth"
	"schoolportal/identity/internal/authn"
	"schoolportal/identity/internal/bulk"
	"schoolportal/identity/internal/config"
	"schoolportal/identity/internal/crypto"
	"schoolportal/identity/internal/db"
	"schoolportal/identity/internal/identity"
	"schoolportal/identity/internal/metrics"
	"schoolportal/identity/internal/notify"
	"schoolportal/identity/internal/registration"
	"schoolportal/identity/internal/repository"
	"schoolportal/identity/internal/repository/memory"
	"schoolportal/identity/internal/repository/postgres"
)

type App struct {
	Store     repository.Store
	Directory identity.Directory
	Notifier  notify.Notifier
	Metrics   *metrics.Metrics
	Registrar *registration.Orchestrator
	Sessions  *authn.Service
	Importer  *bulk.Processor
	Redis     *redis.Client

	closers []func()
}

// Build connects every collaborator named by cfg. A nil reg leaves the
// collectors unregistered.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger, reg prometheus.Registerer) (*App, error) {
	a := &App{Metrics: metrics.New(reg)}

	switch cfg.RecordStore {
	case "memory":
		logger.Warn("using in-memory record store; data is lost on exit")
		a.Store = memory.NewStore()
	default:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("db connection failed: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		if err := db.Migrate(ctx, pool); err != nil {
			a.Close()
			return nil, fmt.Errorf("db migration failed: %w", err)
		}
		a.Store = postgres.NewStore(pool)
	}

	if cfg.IdentityDirectoryURL != "" {
		a.Directory = identity.NewHTTPDirectory(cfg.IdentityDirectoryURL, cfg.IdentityDirectoryKey, cfg.IdentityTimeout)
	} else {
		logger.Warn("IDENTITY_DIRECTORY_URL not set; using in-memory identity directory")
		a.Directory = identity.NewMemoryDirectory()
	}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = client.Close()
			a.Close()
			return nil, fmt.Errorf("redis ping failed: %w", err)
		}
		a.Redis = client
		a.closers = append(a.closers, func() {
			if err := client.Close(); err != nil {
				logger.Warn("redis close error", "error", err.Error())
			}
		})
		a.Notifier = notify.NewRedisOutbox(client, cfg.NotifyQueue, cfg.NotifyTTL)
	} else {
		a.Notifier = notify.LogNotifier{Logger: logger}
	}

	secret := cfg.JWTSecret
	if secret == "" {
		generated, err := crypto.NewOpaqueToken()
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("generate dev jwt secret: %w", err)
		}
		logger.Warn("JWT_SECRET not set; sessions will not survive a restart")
		secret = generated
	}

	a.Registrar = registration.New(registration.Deps{
		Directory: a.Directory,
		Store:     a.Store,
		Notifier:  a.Notifier,
		Logger:    logger,
		Metrics:   a.Metrics,
	}, registration.Options{
		IdentityTimeout:     cfg.IdentityTimeout,
		StoreTimeout:        cfg.StoreTimeout,
		MaxUsernameAttempts: cfg.UsernameAttempts,
	})
	a.Sessions = authn.NewService(a.Store, auth.Codec{Secret: secret, Issuer: cfg.JWTIssuer}, authn.Options{
		TokenTTL:     cfg.AccessTokenTTL,
		StoreTimeout: cfg.StoreTimeout,
		Logger:       logger,
		Metrics:      a.Metrics,
	})
	a.Importer = &bulk.Processor{
		Registrar:   a.Registrar,
		Concurrency: cfg.BulkConcurrency,
		Logger:      logger,
		Metrics:     a.Metrics,
	}
	return a, nil
}

// Close waits for queued notifications and releases connections.
func (a *App) Close() {
	if a.Registrar != nil {
		a.Registrar.Wait()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func NewLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
