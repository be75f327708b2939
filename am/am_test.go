package am

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// validConfig returns a config that passes validation, with credentials
// resolving to a real temp file.
func validConfig(t *testing.T) *Config {
	t.Helper()
	credPath := filepath.Join(t.TempDir(), "credentials.json")
	require.NoError(t, os.WriteFile(credPath, []byte(`{"project":"test"}`), 0o600))

	return &Config{
		Credentials: CredentialsConfig{Path: credPath},
		Backend: BackendConfig{
			URL:        "wss://backend.example.com/v1",
			ProjectID:  "sensorium-test",
			Collection: "world_model",
		},
		Journal: JournalConfig{Path: "worldmodel.db"},
		Sync: SyncConfig{
			Workers:              4,
			PollIntervalSeconds:  5,
			ProbeIntervalSeconds: 30,
			BackoffBaseMS:        1000,
			BackoffMaxMS:         60000,
			ShutdownPolicy:       "drain",
			DrainTimeoutSeconds:  30,
		},
	}
}

func TestLoadFromFile(t *testing.T) {
	t.Run("reads toml and applies defaults", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "worldmodel.toml")
		content := `
[backend]
url = "wss://backend.example.com/v1"
project_id = "sensorium-test"

[sync]
workers = 8
`
		require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))

		cfg, err := LoadFromFile(configPath)
		require.NoError(t, err)

		assert.Equal(t, "wss://backend.example.com/v1", cfg.Backend.URL)
		assert.Equal(t, 8, cfg.Sync.Workers)
		// Defaults fill the gaps
		assert.Equal(t, "world_model", cfg.Backend.Collection)
		assert.Equal(t, "drain", cfg.Sync.ShutdownPolicy)
		assert.Equal(t, 5, cfg.Sync.PollIntervalSeconds)
	})

	t.Run("missing file is an error", func(t *testing.T) {
		_, err := LoadFromFile("/nonexistent/worldmodel.toml")
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	t.Run("valid config passes", func(t *testing.T) {
		require.NoError(t, validConfig(t).Validate())
	})

	t.Run("fails closed without credentials", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.Credentials.Path = "/nonexistent/credentials.json"
		t.Setenv(EnvCredentials, "")

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no usable credentials")
	})

	t.Run("environment variable resolves credentials", func(t *testing.T) {
		credPath := filepath.Join(t.TempDir(), "rotated.json")
		require.NoError(t, os.WriteFile(credPath, []byte(`{}`), 0o600))

		cfg := validConfig(t)
		cfg.Credentials.Path = ""
		t.Setenv(EnvCredentials, credPath)

		resolved, err := cfg.ResolveCredentials()
		require.NoError(t, err)
		assert.Equal(t, credPath, resolved)
	})

	t.Run("rejects empty backend url", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.Backend.URL = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects unknown shutdown policy", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.Sync.ShutdownPolicy = "panic"
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects inverted backoff bounds", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.Sync.BackoffBaseMS = 5000
		cfg.Sync.BackoffMaxMS = 1000
		assert.Error(t, cfg.Validate())
	})

	t.Run("drain policy requires a timeout", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.Sync.DrainTimeoutSeconds = 0
		assert.Error(t, cfg.Validate())
	})
}

func TestCredentialsWatcher(t *testing.T) {
	credPath := filepath.Join(t.TempDir(), "credentials.json")
	require.NoError(t, os.WriteFile(credPath, []byte(`{"v":1}`), 0o600))

	cw, err := NewCredentialsWatcher(credPath, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	defer cw.Close()
	cw.debouncePeriod = 20 * time.Millisecond

	fired := make(chan string, 1)
	cw.OnRotation(func(path string) {
		select {
		case fired <- path:
		default:
		}
	})

	require.NoError(t, os.WriteFile(credPath, []byte(`{"v":2}`), 0o600))

	select {
	case path := <-fired:
		assert.Equal(t, credPath, path)
	case <-time.After(3 * time.Second):
		t.Fatal("rotation callback never fired")
	}
}
