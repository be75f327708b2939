package worldmodel

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sensorium/worldmodel/am"
	"github.com/sensorium/worldmodel/backend/backendtest"
	"github.com/sensorium/worldmodel/errors"
	syncpkg "github.com/sensorium/worldmodel/sync"
	"github.com/sensorium/worldmodel/world"
)

func testConfig(t *testing.T) (*am.Config, string) {
	t.Helper()
	dir := t.TempDir()
	credPath := filepath.Join(dir, "credentials.json")
	require.NoError(t, os.WriteFile(credPath, []byte(`{"project":"test"}`), 0o600))

	return &am.Config{
		Credentials: am.CredentialsConfig{Path: credPath},
		Backend: am.BackendConfig{
			URL:        "wss://backend.example.com/v1",
			ProjectID:  "sensorium-test",
			Collection: "world_model",
		},
		Journal: am.JournalConfig{Path: filepath.Join(dir, "worldmodel.db")},
		Sync: am.SyncConfig{
			Workers:              2,
			PollIntervalSeconds:  1,
			ProbeIntervalSeconds: 1,
			BackoffBaseMS:        10,
			BackoffMaxMS:         100,
			ShutdownPolicy:       "drain",
			DrainTimeoutSeconds:  5,
		},
	}, credPath
}

func newTestModel(t *testing.T, srv *backendtest.Server) *Model {
	t.Helper()
	cfg, credPath := testConfig(t)
	require.NoError(t, cfg.Validate())

	m, err := open(cfg, &backendtest.Dialer{S: srv}, credPath, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		m.Close(ctx)
	})
	return m
}

func waitSynced(t *testing.T, m *Model) {
	t.Helper()
	require.Eventually(t, func() bool {
		return m.SyncState() == syncpkg.StateSynced
	}, 5*time.Second, 10*time.Millisecond, "engine never reached SYNCED")
}

func TestOpenFailsClosedWithoutCredentials(t *testing.T) {
	cfg, _ := testConfig(t)
	cfg.Credentials.Path = "/nonexistent/credentials.json"
	t.Setenv(am.EnvCredentials, "")

	_, err := Open(cfg, zaptest.NewLogger(t).Sugar())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no usable credentials")
}

func TestSubmitAndGet(t *testing.T) {
	srv := backendtest.NewServer()
	m := newTestModel(t, srv)
	waitSynced(t, m)

	e := world.NewEntity("vehicle-7", "vehicle",
		map[string]any{"speed_kph": 42.0}, 0.9,
		time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC),
		world.StateVolatile, nil)

	v, err := m.Submit(e)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	got, ok := m.Get("vehicle-7")
	require.True(t, ok)
	assert.Equal(t, "vehicle", got.EntityType)
	assert.Equal(t, int64(1), got.Version)

	// The write reaches the backend without the caller waiting on it.
	require.Eventually(t, func() bool {
		doc, ok := srv.Doc("vehicle-7")
		return ok && doc.Version == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSubmitStaleVersionConflicts(t *testing.T) {
	srv := backendtest.NewServer()
	m := newTestModel(t, srv)
	waitSynced(t, m)

	e := world.NewEntity("door-3", "door", nil, 1.0, time.Now().UTC(), world.StateStable, nil)
	_, err := m.Submit(e)
	require.NoError(t, err)

	// A second submit still carrying Version 0 lost the race.
	_, err = m.Submit(e)
	require.Error(t, err)
	conflict, ok := errors.AsConflict(err)
	require.True(t, ok)
	assert.Equal(t, int64(1), conflict.CurrentVersion)
}

func TestSubmitRejectsInvalidEntity(t *testing.T) {
	srv := backendtest.NewServer()
	m := newTestModel(t, srv)
	waitSynced(t, m)

	e := world.NewEntity("", "vehicle", nil, 1.0, time.Now().UTC(), world.StateStable, nil)
	_, err := m.Submit(e)
	assert.True(t, errors.IsValidation(err))
}

func TestRelatedSkipsDanglingReferences(t *testing.T) {
	srv := backendtest.NewServer()
	m := newTestModel(t, srv)
	waitSynced(t, m)

	now := time.Now().UTC()
	_, err := m.Submit(world.NewEntity("room-1", "room", nil, 1.0, now, world.StateStable, nil))
	require.NoError(t, err)
	_, err = m.Submit(world.NewEntity("sensor-1", "sensor", nil, 1.0, now, world.StateStable,
		[]string{"room-1", "room-gone"}))
	require.NoError(t, err)

	related, err := m.Related("sensor-1")
	require.NoError(t, err)
	require.Len(t, related, 1)
	assert.Equal(t, "room-1", related[0].ID)

	_, err = m.Related("nobody")
	assert.True(t, errors.IsNotFound(err))
}

func TestWritesQueueWhileBackendDown(t *testing.T) {
	srv := backendtest.NewServer()
	m := newTestModel(t, srv)
	waitSynced(t, m)

	srv.SetDown(true)
	require.Eventually(t, func() bool {
		return m.SyncState() == syncpkg.StateDegraded || !m.Healthy()
	}, 5*time.Second, 10*time.Millisecond)

	// Writes succeed locally against the journal while the backend is down.
	_, err := m.Submit(world.NewEntity("cam-1", "camera", nil, 0.8, time.Now().UTC(), world.StateStable, nil))
	require.NoError(t, err)

	pending, err := m.PendingWrites()
	require.NoError(t, err)
	assert.Positive(t, pending)

	srv.SetDown(false)
	require.Eventually(t, func() bool {
		doc, ok := srv.Doc("cam-1")
		return ok && doc.Version == 1
	}, 10*time.Second, 10*time.Millisecond)
}

func TestCloseDrainsQueue(t *testing.T) {
	srv := backendtest.NewServer()
	m := newTestModel(t, srv)
	waitSynced(t, m)

	for i := 0; i < 3; i++ {
		_, err := m.Submit(world.NewEntity("tag-"+string(rune('a'+i)), "tag", nil, 1.0,
			time.Now().UTC(), world.StateStable, nil))
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, m.Close(ctx))

	for _, id := range []string{"tag-a", "tag-b", "tag-c"} {
		doc, ok := srv.Doc(id)
		require.True(t, ok, "write for %s never reached the backend", id)
		assert.Equal(t, int64(1), doc.Version)
	}

	_, err := m.Submit(world.NewEntity("late", "tag", nil, 1.0, time.Now().UTC(), world.StateStable, nil))
	assert.ErrorIs(t, err, errors.ErrClosed)
}

func TestRemoteChangeVisibleLocally(t *testing.T) {
	srv := backendtest.NewServer()
	m := newTestModel(t, srv)
	waitSynced(t, m)

	srv.Broadcast(world.Document{
		ID:          "drone-9",
		EntityType:  "drone",
		Confidence:  0.7,
		LastUpdated: time.Now().UTC(),
		State:       "volatile",
		Version:     3,
	})

	require.Eventually(t, func() bool {
		e, ok := m.Get("drone-9")
		return ok && e.Version == 3
	}, 5*time.Second, 10*time.Millisecond)
}
