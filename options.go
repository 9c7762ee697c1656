package kanmon

import (
	"io/fs"
	"log/slog"
	"time"

	"github.com/ashita-ai/kanmon/internal/blobstore"
)

// Option configures a Core.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port                  int
	databaseURL           string
	logger                *slog.Logger
	version               string
	gracePeriod           time.Duration
	cacheTTL              time.Duration
	privateBackendMode    bool
	privateBackendModeSet bool
	rateLimitRPS          float64
	rateLimitBurst        int
	store                 blobstore.Store
	extraMigrations       []fs.FS
}

// WithPort overrides the TCP port from config (KANMON_PORT env var). Unused
// unless the host calls Core in a mode that needs a listening port of its
// own; kanmon's HTTP surface is middleware mounted on the host's mux.
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config
// (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithLogger sets the structured logger for the Core. If not set, the
// default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in startup logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithGracePeriod overrides the grace period granted to unknown apps and
// unknown org users (KANMON_GRACE_PERIOD env var).
func WithGracePeriod(d time.Duration) Option {
	return func(o *resolvedOptions) { o.gracePeriod = d }
}

// WithCacheTTL overrides the apps/org-members/settings cache TTL
// (KANMON_CACHE_TTL env var).
func WithCacheTTL(d time.Duration) Option {
	return func(o *resolvedOptions) { o.cacheTTL = d }
}

// WithPrivateBackendMode overrides the private-backend-mode flag: when true,
// the gateway still attaches a Binding but skips the permission check and
// rate limiter entirely.
func WithPrivateBackendMode(enabled bool) Option {
	return func(o *resolvedOptions) {
		o.privateBackendMode = enabled
		o.privateBackendModeSet = true
	}
}

// WithRateLimit overrides the per-application-id token bucket the gateway
// enforces ahead of the permission checker.
func WithRateLimit(requestsPerSecond float64, burst int) Option {
	return func(o *resolvedOptions) {
		o.rateLimitRPS = requestsPerSecond
		o.rateLimitBurst = burst
	}
}

// WithStore replaces the Postgres-backed blob store with a caller-provided
// one. Intended for tests; production callers should rely on DATABASE_URL.
func WithStore(store blobstore.Store) Option {
	return func(o *resolvedOptions) { o.store = store }
}

// WithExtraMigrations adds an additional SQL migration filesystem to run
// after kanmon's own embedded migration. Multiple filesystems may be
// registered; they are applied in registration order.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
