// Package worldmodel maintains a consistent, synchronized store of modeled
// real-world entities: an in-memory entity cache kept coherent with a
// remote document store, with optimistic versioned updates, durable write
// queuing across connectivity loss, and supervised reconnection.
//
// Producers (ingestion, perception) write exclusively through Submit; all
// reads come from the local cache and never block on the network.
package worldmodel

import (
	"context"
	"database/sql"
	stdsync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/sensorium/worldmodel/am"
	"github.com/sensorium/worldmodel/backend"
	"github.com/sensorium/worldmodel/db"
	"github.com/sensorium/worldmodel/errors"
	"github.com/sensorium/worldmodel/journal"
	"github.com/sensorium/worldmodel/logger"
	"github.com/sensorium/worldmodel/store"
	syncpkg "github.com/sensorium/worldmodel/sync"
	"github.com/sensorium/worldmodel/world"
)

// Model is one running world model store instance.
type Model struct {
	cfg    *am.Config
	logger *zap.SugaredLogger

	database *sql.DB
	store    *store.VersionedStore
	journal  *journal.Store
	sup      *backend.Supervisor
	engine   *syncpkg.Engine
	watcher  *am.CredentialsWatcher

	engineCancel context.CancelFunc
	supCancel    context.CancelFunc
	engineDone   chan struct{}
	supDone      chan struct{}

	closeOnce stdsync.Once
	closed    bool
	mu        stdsync.RWMutex
}

// Open validates the configuration, opens the journal, and starts the
// supervision and sync goroutines. It fails closed when no credential
// path resolves.
func Open(cfg *am.Config, lg *zap.SugaredLogger) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	credPath, err := cfg.ResolveCredentials()
	if err != nil {
		return nil, err
	}

	dialer := &backend.WSDialer{
		URL:             cfg.Backend.URL,
		Project:         cfg.Backend.ProjectID,
		Collection:      cfg.Backend.Collection,
		CredentialsPath: credPath,
		Logger:          lg,
	}
	return open(cfg, dialer, credPath, lg)
}

// open wires the store from an already-validated configuration and a
// concrete dialer.
func open(cfg *am.Config, dialer backend.Dialer, credPath string, lg *zap.SugaredLogger) (*Model, error) {
	database, err := db.Open(cfg.Journal.Path, lg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open journal database")
	}
	if err := db.Migrate(database, lg); err != nil {
		database.Close()
		return nil, errors.Wrap(err, "failed to migrate journal database")
	}

	j := journal.NewStore(database)
	s := store.New(j, lg)

	// Writes journaled before a crash are newer than anything the backend
	// will hand back; fold them in before the sync engine's initial pull.
	if _, err := s.Recover(); err != nil {
		database.Close()
		return nil, errors.Wrap(err, "failed to recover journaled writes")
	}

	sup := backend.NewSupervisor(dialer, backend.SupervisorConfig{
		ProbeInterval: time.Duration(cfg.Sync.ProbeIntervalSeconds) * time.Second,
		BackoffBase:   time.Duration(cfg.Sync.BackoffBaseMS) * time.Millisecond,
		BackoffMax:    time.Duration(cfg.Sync.BackoffMaxMS) * time.Millisecond,
	}, lg)

	engine := syncpkg.NewEngine(s, j, sup, syncpkg.Config{
		Workers:        cfg.Sync.Workers,
		PollInterval:   time.Duration(cfg.Sync.PollIntervalSeconds) * time.Second,
		ShutdownPolicy: syncpkg.ShutdownPolicy(cfg.Sync.ShutdownPolicy),
		DrainTimeout:   time.Duration(cfg.Sync.DrainTimeoutSeconds) * time.Second,
	}, lg)

	m := &Model{
		cfg:      cfg,
		logger:   lg,
		database: database,
		store:    s,
		journal:  j,
		sup:      sup,
		engine:   engine,
	}

	// Credential rotation forces a redial so the next session handshakes
	// with fresh material.
	watcher, err := am.NewCredentialsWatcher(credPath, lg)
	if err != nil {
		lg.Warnw("Credentials watcher unavailable, rotation requires restart", logger.FieldError, err)
	} else {
		watcher.OnRotation(func(string) {
			sup.ReportFailure(errors.New("credentials rotated"))
		})
		m.watcher = watcher
	}

	m.start()
	lg.Infow("World model store started",
		"collection", cfg.Backend.Collection,
		"journal", cfg.Journal.Path,
	)
	return m, nil
}

// start launches the supervisor and engine on independent contexts so
// shutdown can stop the engine first (its final drain still needs the
// supervised connection).
func (m *Model) start() {
	supCtx, supCancel := context.WithCancel(context.Background())
	engineCtx, engineCancel := context.WithCancel(context.Background())
	m.supCancel = supCancel
	m.engineCancel = engineCancel
	m.supDone = make(chan struct{})
	m.engineDone = make(chan struct{})

	go func() {
		defer close(m.supDone)
		m.sup.Run(supCtx)
	}()
	go func() {
		defer close(m.engineDone)
		m.engine.Run(engineCtx)
	}()
}

func (m *Model) checkOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errors.WithStack(errors.ErrClosed)
	}
	return nil
}

// Submit is the producer-facing write entry point: it upserts the entity
// exactly as carried, using the entity's own Version as the expected
// version (zero for a create). On success it returns the new version; on a
// version race it returns a ConflictError carrying the winner's version.
func (m *Model) Submit(e world.Entity) (int64, error) {
	if err := m.checkOpen(); err != nil {
		return 0, err
	}
	if err := e.Validate(); err != nil {
		return 0, err
	}

	updated, err := m.store.Upsert(e.ID, func(cur *world.Entity) {
		cur.EntityType = e.EntityType
		cur.Properties = e.Properties
		cur.Confidence = e.Confidence
		cur.LastUpdated = e.LastUpdated
		cur.State = e.State
		cur.Relationships = e.Relationships
	}, e.Version)
	if err != nil {
		return 0, err
	}
	return updated.Version, nil
}

// Get returns the local snapshot of an entity. It never blocks on the
// network; an entity never seen locally is simply absent.
func (m *Model) Get(id string) (world.Entity, bool) {
	return m.store.Get(id)
}

// Upsert applies a mutation under compare-and-swap; see store.VersionedStore.
func (m *Model) Upsert(id string, mut store.Mutation, expectedVersion int64) (world.Entity, error) {
	if err := m.checkOpen(); err != nil {
		return world.Entity{}, err
	}
	return m.store.Upsert(id, mut, expectedVersion)
}

// Delete tombstones an entity under compare-and-swap.
func (m *Model) Delete(id string, expectedVersion int64) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	return m.store.Delete(id, expectedVersion)
}

// Related resolves an entity's relationship list against local state.
// Relationships are weak references: dangling ids are skipped, not errors.
func (m *Model) Related(id string) ([]world.Entity, error) {
	e, ok := m.store.Get(id)
	if !ok {
		return nil, errors.NewNotFoundError("entity %q not found", id)
	}

	related := make([]world.Entity, 0, len(e.Relationships))
	for _, rid := range e.Relationships {
		if r, ok := m.store.Get(rid); ok {
			related = append(related, r)
		}
	}
	return related, nil
}

// SyncState reports the sync engine's current state.
func (m *Model) SyncState() syncpkg.State {
	return m.engine.State()
}

// Healthy reports whether the backend connection passed its last probe.
func (m *Model) Healthy() bool {
	return m.sup.Healthy()
}

// PendingWrites reports how many journaled writes await acknowledgment.
func (m *Model) PendingWrites() (int, error) {
	return m.journal.CountPending()
}

// Close shuts the store down: the engine stops first and applies the
// configured queue policy (drain-with-timeout vs abandon), then probing
// stops and the connection is released, then the journal closes. ctx
// bounds the wait.
func (m *Model) Close(ctx context.Context) error {
	var err error
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()

		m.engineCancel()
		select {
		case <-m.engineDone:
		case <-ctx.Done():
			err = errors.Wrap(ctx.Err(), "engine shutdown timed out")
		}

		m.supCancel()
		select {
		case <-m.supDone:
		case <-ctx.Done():
			if err == nil {
				err = errors.Wrap(ctx.Err(), "supervisor shutdown timed out")
			}
		}

		if m.watcher != nil {
			m.watcher.Close()
		}
		if dbErr := m.database.Close(); dbErr != nil && err == nil {
			err = errors.Wrap(dbErr, "failed to close journal database")
		}
		m.logger.Infow("World model store stopped")
	})
	return err
}
