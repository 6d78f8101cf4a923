package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pgguard/pgguard/internal/audit"
	"github.com/pgguard/pgguard/internal/config"
	"github.com/pgguard/pgguard/internal/connector"
	"github.com/pgguard/pgguard/internal/gateway"
	"github.com/pgguard/pgguard/internal/policy"
	"github.com/pgguard/pgguard/internal/ratelimit"
	"github.com/pgguard/pgguard/internal/schemacache"
)

// App is the assembled gateway: every component, wired once from
// configuration and passed around explicitly. Nothing in this codebase
// reaches for package-level state.
type App struct {
	Config   *config.YAMLConfig
	Store    *config.Store
	Auth     *AuthService
	Executor *gateway.Executor
	Cache    *schemacache.Cache
	Limiter  *ratelimit.Limiter
	Audit    *audit.Logger
	Logger   *slog.Logger

	pools []connector.Pool
}

// NewApp builds the full pipeline from a loaded configuration. Each
// configured database gets its own pool and policy engine; they all share
// the schema cache, rate limiter, cost gate, and audit logger.
func NewApp(ctx context.Context, cfg *config.YAMLConfig, dataDir string, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store, err := config.NewStore(dataDir)
	if err != nil {
		return nil, fmt.Errorf("init config store: %w", err)
	}

	auditLogger, err := audit.New(cfg.Audit)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("init audit logger: %w", err)
	}

	app := &App{
		Config: cfg,
		Store:  store,
		Audit:  auditLogger,
		Logger: logger,
	}

	targets := make([]*gateway.Target, 0, len(cfg.Databases))
	for _, db := range cfg.Databases {
		engine, err := connector.ParseEngine(db.Engine)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("database %q: %w", db.Name, err)
		}

		poolCfg := connector.Config{DSN: db.DSN}
		if db.Pool != nil {
			poolCfg.MaxOpenConns = db.Pool.MaxOpenConns
			poolCfg.MaxIdleConns = db.Pool.MaxIdleConns
			poolCfg.ConnMaxLifetime = config.Duration(db.Pool.ConnMaxLifetime, 5*time.Minute)
		}

		pool, err := connector.Open(engine, poolCfg)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("connect database %q: %w", db.Name, err)
		}
		app.pools = append(app.pools, pool)

		if err := pool.Ping(ctx); err != nil {
			logger.Warn("database unreachable at startup", "database", db.Name,
				"dsn", connector.SanitizeDSN(db.DSN), "error", err)
		} else {
			logger.Info("connected database", "database", db.Name, "engine", db.Engine)
		}

		schemaName := db.Schema
		if schemaName == "" {
			schemaName = "public"
		}
		targets = append(targets, &gateway.Target{
			Name:       db.Name,
			Pool:       pool,
			Policy:     policy.New(db.Policy),
			SchemaName: schemaName,
		})
	}

	app.Cache = schemacache.New(config.Duration(cfg.Execution.SchemaCacheTTL, 5*time.Minute))
	app.Limiter = ratelimit.New(cfg.Limits)

	gate := &gateway.CostGate{
		Enabled: cfg.Execution.ExplainEnabled,
		MaxCost: cfg.Execution.MaxCost,
		MaxRows: cfg.Execution.MaxPlanRows,
	}

	app.Executor = gateway.NewExecutor(targets, app.Cache, auditLogger, gate, gateway.Options{
		MaxRows:      cfg.Execution.MaxRows,
		QueryTimeout: config.Duration(cfg.Execution.QueryTimeout, 30*time.Second),
	})

	app.Auth = NewAuthService(store, cfg.Auth.JWTSecret, config.Duration(cfg.Auth.JWTExpiry, time.Hour))

	return app, nil
}

// Close releases every resource the app holds. Safe to call on a partially
// constructed app.
func (a *App) Close() error {
	var firstErr error
	for _, pool := range a.pools {
		if err := pool.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.Audit != nil {
		if err := a.Audit.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
