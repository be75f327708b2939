// Package am holds the world model store's configuration: TOML files
// loaded through Viper, environment overrides, and startup validation.
package am

// EnvCredentials is the environment variable consulted when no explicit
// credentials path is configured.
const EnvCredentials = "SENSORIUM_CREDENTIALS"

// Config represents the store's configuration.
type Config struct {
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Backend     BackendConfig     `mapstructure:"backend"`
	Journal     JournalConfig     `mapstructure:"journal"`
	Sync        SyncConfig        `mapstructure:"sync"`
	Log         LogConfig         `mapstructure:"log"`
}

// CredentialsConfig locates the credential material used to authenticate
// with the backend. Resolution order: explicit path, then the
// SENSORIUM_CREDENTIALS environment variable, then the default location.
// Startup fails closed when none resolves.
type CredentialsConfig struct {
	Path string `mapstructure:"path"`
}

// BackendConfig addresses the remote document store.
type BackendConfig struct {
	URL        string `mapstructure:"url"`
	ProjectID  string `mapstructure:"project_id"`
	Collection string `mapstructure:"collection"`
}

// JournalConfig configures the local SQLite write journal.
type JournalConfig struct {
	Path string `mapstructure:"path"`
}

// SyncConfig configures the synchronization engine and connection
// supervision.
type SyncConfig struct {
	// Workers bounds parallel pushes across distinct entity ids
	Workers int `mapstructure:"workers"`

	// PollIntervalSeconds is the drain fallback cadence (default: 5)
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`

	// ProbeIntervalSeconds is the connection health probe cadence (default: 30)
	ProbeIntervalSeconds int `mapstructure:"probe_interval_seconds"`

	// BackoffBaseMS and BackoffMaxMS bound reconnection delays
	BackoffBaseMS int `mapstructure:"backoff_base_ms"`
	BackoffMaxMS  int `mapstructure:"backoff_max_ms"`

	// ShutdownPolicy is "drain" or "abandon"
	ShutdownPolicy string `mapstructure:"shutdown_policy"`

	// DrainTimeoutSeconds bounds the final drain under the drain policy
	DrainTimeoutSeconds int `mapstructure:"drain_timeout_seconds"`
}

// LogConfig configures process-wide logging.
type LogConfig struct {
	JSON bool `mapstructure:"json"`
}
