package governor

import (
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port             int
	storeDriver      string
	databaseURL      string
	notifyURL        string
	sqlitePath       string
	approvalMode     string
	disableScheduler bool
	logger           *slog.Logger
	version          string
	contradictions   ContradictionDetector
	middlewares      []Middleware
}

// WithPort overrides the TCP port from config (GOVERNOR_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithStoreDriver selects "postgres" or "sqlite" (GOVERNOR_STORE env var).
func WithStoreDriver(driver string) Option {
	return func(o *resolvedOptions) { o.storeDriver = driver }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY (NOTIFY_URL env var).
// LISTEN/NOTIFY requires a direct (non-pooled) connection.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithSQLitePath overrides the sqlite database file (GOVERNOR_SQLITE_PATH env var).
func WithSQLitePath(path string) Option {
	return func(o *resolvedOptions) { o.sqlitePath = path }
}

// WithApprovalMode overrides the approval mode: strict, trust or autonomous.
func WithApprovalMode(mode string) Option {
	return func(o *resolvedOptions) { o.approvalMode = mode }
}

// WithoutScheduler disables the periodic review and sweep jobs. Manual
// triggers over HTTP and MCP still work.
func WithoutScheduler() Option {
	return func(o *resolvedOptions) { o.disableScheduler = true }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithContradictionDetector replaces the built-in contradiction heuristic.
// Only the last call wins.
func WithContradictionDetector(d ContradictionDetector) Option {
	return func(o *resolvedOptions) { o.contradictions = d }
}

// WithMiddleware registers an outermost HTTP middleware.
// Applied in registration order: the first-registered middleware is
// outermost (called first by every request).
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}
