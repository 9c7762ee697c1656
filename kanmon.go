// Package kanmon is the public API for embedding the permission core.
//
// Host services import this package to wire the decision pipeline into their
// own HTTP stack without forking it:
//
//	core, err := kanmon.New(
//	    kanmon.WithVersion(version),
//	    kanmon.WithLogger(logger),
//	    kanmon.WithPrivateBackendMode(internalOnly),
//	)
//	if err != nil { ... }
//	defer core.Close(context.Background())
//
//	mux.Handle("/v1/allocate", core.Gateway().Gate(allocateHandler))
//
// The import graph enforces a strict no-cycle rule: kanmon (root) imports
// internal/*, but internal/* never imports kanmon (root).
package kanmon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/ashita-ai/kanmon/internal/activity"
	"github.com/ashita-ai/kanmon/internal/blobstore"
	"github.com/ashita-ai/kanmon/internal/cache"
	"github.com/ashita-ai/kanmon/internal/config"
	"github.com/ashita-ai/kanmon/internal/gateway"
	"github.com/ashita-ai/kanmon/internal/permission"
	"github.com/ashita-ai/kanmon/internal/telemetry"
	"github.com/ashita-ai/kanmon/internal/unknownuser"
	"github.com/ashita-ai/kanmon/migrations"
)

// Core is the kanmon permission engine's lifecycle. Construct with New(),
// release resources with Close(). Core has no public fields — use New()
// options to configure it.
type Core struct {
	cfg          config.Config
	pool         *pgxpool.Pool
	store        blobstore.Store
	cacheMgr     *cache.Manager
	checker      *permission.Checker
	unknownUser  *unknownuser.Logger
	activityLog  *activity.Logger
	gw           *gateway.Gateway
	otelShutdown telemetry.ShutdownFunc
	logger       *slog.Logger
	version      string
}

// New connects to the database, runs migrations, and wires the cache
// manager, permission checker, and HTTP gateway into a ready-to-use Core.
// It does not start any goroutines of its own beyond what the gateway's
// rate limiter needs — callers mount Core.Gateway().Gate on their own mux.
func New(opts ...Option) (*Core, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.gracePeriod > 0 {
		cfg.GracePeriod = o.gracePeriod
	}
	if o.cacheTTL > 0 {
		cfg.CacheTTL = o.cacheTTL
	}
	if o.privateBackendModeSet {
		cfg.PrivateBackendMode = o.privateBackendMode
	}
	if o.rateLimitRPS > 0 {
		cfg.RateLimitRPS = o.rateLimitRPS
	}
	if o.rateLimitBurst > 0 {
		cfg.RateLimitBurst = o.rateLimitBurst
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("kanmon starting", "version", version)

	otelShutdown, err := telemetry.Setup(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: ping: %w", err)
	}

	if cfg.SkipEmbeddedMigrations {
		logger.Info("embedded migrations skipped by config")
	} else if err := blobstore.RunMigrations(context.Background(), pool, migrations.FS, logger); err != nil {
		pool.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}

	for i, extraFS := range o.extraMigrations {
		if err := blobstore.RunMigrations(context.Background(), pool, extraFS, logger); err != nil {
			pool.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	store := blobstore.NewPostgresStore(pool, logger, cfg.StorageOpTimeout, cfg.StorageMaxRetries)
	if o.store != nil {
		store = o.store
	}

	cacheMgr := cache.NewManager(store)
	cacheMgr.SetTTL(cfg.CacheTTL)

	unknownUser := unknownuser.NewLogger(store)
	activityLog := activity.NewLogger(store, cacheMgr, logger)
	checker := permission.NewChecker(cacheMgr, unknownUser, logger, permission.Config{
		GracePeriod:           cfg.GracePeriod,
		MinimumGracePeriodEnd: cfg.MinimumGracePeriodEnd,
	})
	gw := gateway.New(checker, logger, cfg.PrivateBackendMode, cfg.RateLimitRPS, cfg.RateLimitBurst)

	return &Core{
		cfg:          cfg,
		pool:         pool,
		store:        store,
		cacheMgr:     cacheMgr,
		checker:      checker,
		unknownUser:  unknownUser,
		activityLog:  activityLog,
		gw:           gw,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Gateway returns the HTTP middleware that binds requests to permission
// decisions. Mount Gateway().Gate on whichever routes require gating.
func (c *Core) Gateway() *gateway.Gateway { return c.gw }

// Checker returns the permission decision engine directly, for callers that
// want to run a check outside of an HTTP request (e.g. from a CLI or a
// message-queue consumer).
func (c *Core) Checker() *permission.Checker { return c.checker }

// ActivityLogger returns the per-organization feature-activity logger.
func (c *Core) ActivityLogger() *activity.Logger { return c.activityLog }

// UnknownUserLogger returns the unknown-user grace-period attempt logger.
func (c *Core) UnknownUserLogger() *unknownuser.Logger { return c.unknownUser }

// Cache returns the three-blob read cache backing the checker.
func (c *Core) Cache() *cache.Manager { return c.cacheMgr }

// Version returns the version string passed via WithVersion, or "dev".
func (c *Core) Version() string { return c.version }

// CacheAdminHandler returns an operator endpoint that forces one of the
// three TTL-cached blobs to refresh on its next read. It takes a "blob"
// query parameter of "apps", "org-members", or "settings". Mount it
// somewhere operators can reach but end users cannot — it is not gated by
// Gateway.Gate.
func (c *Core) CacheAdminHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("blob") {
		case "apps":
			c.cacheMgr.InvalidateApps()
		case "org-members":
			c.cacheMgr.InvalidateOrgMembers()
		case "settings":
			c.cacheMgr.InvalidateSettings()
		default:
			http.Error(w, `unknown blob, want one of "apps", "org-members", "settings"`, http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// Close releases the gateway's rate limiter, the database pool, and the
// OTEL providers. Safe to call once after New succeeds.
func (c *Core) Close(ctx context.Context) error {
	c.logger.Info("kanmon stopping")
	c.gw.Close()
	c.pool.Close()
	return c.otelShutdown(ctx)
}
