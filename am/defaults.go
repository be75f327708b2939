package am

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Backend defaults
	v.SetDefault("backend.collection", "world_model")

	// Journal defaults
	v.SetDefault("journal.path", "worldmodel.db")

	// Sync defaults
	v.SetDefault("sync.workers", 4)
	v.SetDefault("sync.poll_interval_seconds", 5)
	v.SetDefault("sync.probe_interval_seconds", 30)
	v.SetDefault("sync.backoff_base_ms", 1000)
	v.SetDefault("sync.backoff_max_ms", 60000)
	v.SetDefault("sync.shutdown_policy", "drain")
	v.SetDefault("sync.drain_timeout_seconds", 30)

	// Logging defaults
	v.SetDefault("log.json", false)
}
