package am

import (
	"os"
	"path/filepath"

	"github.com/sensorium/worldmodel/errors"
)

// Validate checks that the configuration is valid. Credential resolution
// fails closed: the store refuses to initialize without usable credential
// material.
func (c *Config) Validate() error {
	if _, err := c.ResolveCredentials(); err != nil {
		return err
	}

	if c.Backend.URL == "" {
		return errors.New("backend.url cannot be empty")
	}
	if c.Backend.ProjectID == "" {
		return errors.New("backend.project_id cannot be empty")
	}
	if c.Backend.Collection == "" {
		return errors.New("backend.collection cannot be empty")
	}

	if c.Journal.Path == "" {
		return errors.New("journal.path cannot be empty")
	}

	if c.Sync.Workers < 1 {
		return errors.Newf("sync.workers must be >= 1, got %d", c.Sync.Workers)
	}
	if c.Sync.PollIntervalSeconds <= 0 {
		return errors.Newf("sync.poll_interval_seconds must be > 0, got %d", c.Sync.PollIntervalSeconds)
	}
	if c.Sync.ProbeIntervalSeconds <= 0 {
		return errors.Newf("sync.probe_interval_seconds must be > 0, got %d", c.Sync.ProbeIntervalSeconds)
	}
	if c.Sync.BackoffBaseMS <= 0 || c.Sync.BackoffMaxMS < c.Sync.BackoffBaseMS {
		return errors.Newf("sync backoff bounds invalid: base=%dms max=%dms", c.Sync.BackoffBaseMS, c.Sync.BackoffMaxMS)
	}

	switch c.Sync.ShutdownPolicy {
	case "drain", "abandon":
	default:
		return errors.Newf("sync.shutdown_policy must be \"drain\" or \"abandon\", got %q", c.Sync.ShutdownPolicy)
	}
	if c.Sync.ShutdownPolicy == "drain" && c.Sync.DrainTimeoutSeconds <= 0 {
		return errors.Newf("sync.drain_timeout_seconds must be > 0 under the drain policy, got %d", c.Sync.DrainTimeoutSeconds)
	}

	return nil
}

// ResolveCredentials returns the credential file path, trying the explicit
// config value, the SENSORIUM_CREDENTIALS environment variable, and the
// default location in turn. The resolved file must exist.
func (c *Config) ResolveCredentials() (string, error) {
	candidates := make([]string, 0, 3)
	if c.Credentials.Path != "" {
		candidates = append(candidates, c.Credentials.Path)
	}
	if env := os.Getenv(EnvCredentials); env != "" {
		candidates = append(candidates, env)
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "sensorium", "credentials.json"))
	}

	for _, path := range candidates {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}

	return "", errors.New("no usable credentials: set credentials.path, " + EnvCredentials + ", or place credentials.json in ~/.config/sensorium")
}
