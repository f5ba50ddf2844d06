// Package bootstrap builds the auth stack from config. Both the API process
// and authctl go through it so they agree on the token store backend.
package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"adminease/internal/audit"
	"adminease/internal/auth"
	"adminease/internal/config"
	"adminease/internal/metrics"
	"adminease/internal/migrations"
	"adminease/internal/tokens"
	"adminease/internal/users"
	"adminease/pkg/utils"
)

type App struct {
	DB      *sql.DB
	Redis   *redis.Client
	Store   tokens.Store
	Users   *users.Directory
	Audit   *audit.Service
	Metrics *metrics.Recorder
	Auth    *auth.Service
	Reaper  *tokens.Reaper
}

// Open connects to Postgres (and Redis when it backs the token store),
// applies migrations if configured, then wires the services.
func Open(ctx context.Context, cfg config.Config, log *slog.Logger) (*App, error) {
	db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), cfg.DB.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("postgres init: %w", err)
	}
	if cfg.App.MigrateOnStart {
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
		log.InfoContext(ctx, "migrations applied")
	}

	var rdb *redis.Client
	if cfg.Tokens.Store == config.StoreRedis {
		rdb, err = utils.OpenRedis(ctx, cfg.RedisAddr(), cfg.Redis.PoolSize)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("redis init: %w", err)
		}
	}

	app, err := Wire(cfg, db, rdb, log)
	if err != nil {
		_ = app.Close()
		return nil, err
	}
	return app, nil
}

// Wire builds the services on top of already opened connections.
// rdb may be nil unless the token store is redis.
func Wire(cfg config.Config, db *sql.DB, rdb *redis.Client, log *slog.Logger) (*App, error) {
	app := &App{DB: db, Redis: rdb, Metrics: metrics.New()}

	switch cfg.Tokens.Store {
	case config.StorePostgres, "":
		app.Store = tokens.NewPostgresStore(db)
	case config.StoreRedis:
		if rdb == nil {
			return app, errors.New("redis token store needs a redis client")
		}
		app.Store = tokens.NewRedisStore(rdb, tokens.DefaultRedisPrefix)
	case config.StoreMemory:
		app.Store = tokens.NewMemoryStore()
	default:
		return app, fmt.Errorf("unknown token store %q", cfg.Tokens.Store)
	}

	signer, err := auth.NewSigner(cfg.Auth)
	if err != nil {
		return app, fmt.Errorf("auth init: %w", err)
	}

	app.Users = users.NewDirectory(users.NewPostgresRepo(db), users.DefaultCost)
	if cfg.Tokens.Store == config.StoreMemory {
		app.Audit = audit.NewService(audit.NewMemoryRepo())
	} else {
		app.Audit = audit.NewService(audit.NewPostgresRepo(db))
	}
	app.Auth = auth.NewService(auth.Deps{
		Signer:     signer,
		Store:      app.Store,
		Verifier:   app.Users,
		Principals: app.Users,
		Auditor:    app.Audit,
		Metrics:    app.Metrics,
	}, cfg.Auth.AccessTokenTTL, cfg.Auth.RefreshTokenTTL)
	app.Reaper = tokens.NewReaper(app.Store, log, app.Metrics)
	return app, nil
}

func (a *App) Close() error {
	if a == nil {
		return nil
	}
	var errs []error
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}
