package seigyo

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port       int
	dataDir    string
	policyPath string
	logger     *slog.Logger
	version    string
}

// WithPort overrides the TCP port from config (SEIGYO_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDataDir overrides the durable data directory from config
// (SEIGYO_DATA_DIR env var).
func WithDataDir(dir string) Option {
	return func(o *resolvedOptions) { o.dataDir = dir }
}

// WithPolicyPath overrides the watched policy file from config
// (SEIGYO_POLICY_PATH env var).
func WithPolicyPath(path string) Option {
	return func(o *resolvedOptions) { o.policyPath = path }
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
