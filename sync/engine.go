// Package sync keeps the local versioned store coherent with the remote
// document store: it drains the durable write queue while connected,
// resolves stale replays, folds remote-origin changes into local state,
// and rides out connectivity loss by queuing.
package sync

import (
	"context"
	gosync "sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sensorium/worldmodel/backend"
	"github.com/sensorium/worldmodel/errors"
	"github.com/sensorium/worldmodel/journal"
	"github.com/sensorium/worldmodel/logger"
	"github.com/sensorium/worldmodel/store"
)

// Default engine configuration values
const (
	DefaultWorkers      = 4
	DefaultPollInterval = 5 * time.Second
	DefaultDrainBatch   = 256
	DefaultPushTimeout  = 15 * time.Second
	DefaultDrainTimeout = 30 * time.Second
)

// Config contains configuration for the sync engine.
type Config struct {
	// Workers bounds how many entity IDs are pushed in parallel. Writes to
	// one entity always serialize; writes to different entities need not.
	Workers int

	// PollInterval is the drain fallback cadence when no wake signal fires
	PollInterval time.Duration

	// DrainBatch is how many queued writes one drain pass loads
	DrainBatch int

	// PushTimeout bounds each individual push round-trip
	PushTimeout time.Duration

	// ShutdownPolicy selects drain-with-timeout vs abandon on shutdown
	ShutdownPolicy ShutdownPolicy

	// DrainTimeout bounds the final drain under PolicyDrain
	DrainTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:        DefaultWorkers,
		PollInterval:   DefaultPollInterval,
		DrainBatch:     DefaultDrainBatch,
		PushTimeout:    DefaultPushTimeout,
		ShutdownPolicy: PolicyDrain,
		DrainTimeout:   DefaultDrainTimeout,
	}
}

// Engine is the background synchronization engine. One Run goroutine per
// store instance.
type Engine struct {
	store   *store.VersionedStore
	journal *journal.Store
	sup     *backend.Supervisor
	cfg     Config
	logger  *zap.SugaredLogger

	mu    gosync.RWMutex
	state State
}

// NewEngine wires the engine to its store, journal, and supervisor.
func NewEngine(s *store.VersionedStore, j *journal.Store, sup *backend.Supervisor, cfg Config, logger *zap.SugaredLogger) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.DrainBatch <= 0 {
		cfg.DrainBatch = DefaultDrainBatch
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = DefaultPushTimeout
	}
	if cfg.ShutdownPolicy == "" {
		cfg.ShutdownPolicy = PolicyDrain
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	return &Engine{
		store:   s,
		journal: j,
		sup:     sup,
		cfg:     cfg,
		logger:  logger.Named("sync"),
		state:   StateDisconnected,
	}
}

// State returns the engine's current synchronization state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	prev := e.state
	e.state = s
	e.mu.Unlock()
	if prev != s {
		e.logger.Infow("Sync state changed", logger.FieldSyncState, s, "previous", prev)
	}
}

// Run executes the engine until ctx is cancelled, then applies the
// configured shutdown policy and enters STOPPED.
func (e *Engine) Run(ctx context.Context) {
	defer e.setState(StateStopped)

	for {
		// Wait for a live session
		select {
		case <-ctx.Done():
			e.shutdown()
			return
		case ev := <-e.sup.Events():
			if !ev.Up {
				if e.State() != StateDisconnected {
					e.setState(StateDegraded)
				}
				continue
			}
		}

		conn, err := e.sup.Acquire()
		if err != nil {
			// Session died between the event and the acquire
			continue
		}

		e.setState(StateConnecting)
		if err := e.initialPull(ctx, conn); err != nil {
			if ctx.Err() != nil {
				e.shutdown()
				return
			}
			e.logger.Warnw("Initial pull failed", logger.FieldError, err)
			e.sup.ReportFailure(err)
			e.setState(StateDegraded)
			continue
		}

		e.setState(StateSynced)
		e.synced(ctx, conn)

		if ctx.Err() != nil {
			e.shutdown()
			return
		}
	}
}

// initialPull replays the remote collection into the local store so a
// fresh session starts from the backend's current state. Local entries
// with newer versions (queued writes) win by LWW and survive the pull.
func (e *Engine) initialPull(ctx context.Context, conn backend.Conn) error {
	docs, err := conn.List(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to list remote documents")
	}
	applied := 0
	for _, doc := range docs {
		if e.store.ApplyRemote(doc) {
			applied++
		}
	}
	e.logger.Infow("Initial pull complete",
		"remote_docs", len(docs),
		"applied", applied,
	)
	return nil
}

// synced drains and applies changes until the session dies or ctx ends.
func (e *Engine) synced(ctx context.Context, conn backend.Conn) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	// Push whatever queued while degraded (or survived a crash) first
	if err := e.drain(ctx, conn); err != nil {
		e.degrade(err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.sup.Events():
			if !ev.Up {
				e.setState(StateDegraded)
				return
			}
		case doc := <-conn.Changes():
			e.store.ApplyRemote(doc)
		case <-e.store.WakeC():
			if err := e.drain(ctx, conn); err != nil {
				e.degrade(err)
				return
			}
		case <-ticker.C:
			if err := e.drain(ctx, conn); err != nil {
				e.degrade(err)
				return
			}
		}
	}
}

func (e *Engine) degrade(err error) {
	e.logger.Warnw("Drain failed, entering degraded state", logger.FieldError, err)
	e.sup.ReportFailure(err)
	e.setState(StateDegraded)
}

// drain pushes pending journal writes. Writes to one entity are pushed in
// FIFO order by a single goroutine; distinct entities proceed in parallel
// up to the configured worker count.
func (e *Engine) drain(ctx context.Context, conn backend.Conn) error {
	for {
		writes, err := e.journal.Pending(e.cfg.DrainBatch)
		if err != nil {
			return errors.Wrap(err, "failed to load pending writes")
		}
		if len(writes) == 0 {
			return nil
		}

		// Group by entity, preserving per-entity FIFO order
		order := make([]string, 0, len(writes))
		byEntity := make(map[string][]*journal.Write)
		for _, w := range writes {
			if _, seen := byEntity[w.EntityID]; !seen {
				order = append(order, w.EntityID)
			}
			byEntity[w.EntityID] = append(byEntity[w.EntityID], w)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.cfg.Workers)
		for _, entityID := range order {
			queue := byEntity[entityID]
			g.Go(func() error {
				return e.pushEntityQueue(gctx, conn, queue)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		if len(writes) < e.cfg.DrainBatch {
			return nil
		}
		// A full batch may have left more behind; loop for the rest
	}
}

// pushEntityQueue pushes one entity's queued writes in order.
func (e *Engine) pushEntityQueue(ctx context.Context, conn backend.Conn, queue []*journal.Write) error {
	for _, w := range queue {
		pushCtx, cancel := context.WithTimeout(ctx, e.cfg.PushTimeout)
		err := conn.Push(pushCtx, w.Document)
		cancel()

		switch {
		case err == nil:
			if err := e.journal.Complete(w.ID); err != nil && !errors.IsNotFound(err) {
				return err
			}
			e.store.Ack(w.EntityID, w.Version)
			e.logger.Debugw("Write acknowledged",
				logger.FieldEntityID, w.EntityID,
				logger.FieldWriteID, w.ID,
				logger.FieldVersion, w.Version,
			)

		case errors.IsConflict(err):
			// The backend has already seen this version (a replayed write)
			// or a newer one (another writer won). Either way the queued
			// write is stale: refetch, fold the remote truth in by LWW,
			// and drop the write.
			if err := e.resolveStale(ctx, conn, w); err != nil {
				return err
			}

		default:
			if markErr := e.journal.MarkAttempt(w.ID); markErr != nil {
				e.logger.Warnw("Failed to record push attempt",
					logger.FieldWriteID, w.ID,
					logger.FieldError, markErr,
				)
			}
			return errors.Wrapf(err, "failed to push write %s for %s", w.ID, w.EntityID)
		}
	}
	return nil
}

// resolveStale handles a conflicted push: fetch the remote document, apply
// it locally (LWW discards it if local is newer), and drop the stale
// queued write. Replaying an already-applied write is thereby a no-op.
func (e *Engine) resolveStale(ctx context.Context, conn backend.Conn, w *journal.Write) error {
	fetchCtx, cancel := context.WithTimeout(ctx, e.cfg.PushTimeout)
	remote, err := conn.Fetch(fetchCtx, w.EntityID)
	cancel()

	switch {
	case err == nil:
		e.store.ApplyRemote(remote)
	case errors.IsNotFound(err):
		// Conflict against a document that then vanished; nothing to fold in
	default:
		return errors.Wrapf(err, "failed to refetch %s after conflict", w.EntityID)
	}

	e.logger.Infow("Dropped stale queued write",
		logger.FieldEntityID, w.EntityID,
		logger.FieldWriteID, w.ID,
		logger.FieldVersion, w.Version,
	)
	if err := e.journal.Complete(w.ID); err != nil && !errors.IsNotFound(err) {
		return err
	}
	return nil
}

// shutdown applies the configured queue policy. Under PolicyDrain it makes
// a final bounded attempt to flush the queue; under PolicyAbandon queued
// writes simply stay journaled for the next start.
func (e *Engine) shutdown() {
	if e.cfg.ShutdownPolicy != PolicyDrain {
		e.logger.Infow("Shutdown: abandoning queued writes to the journal")
		return
	}

	conn, err := e.sup.Acquire()
	if err != nil {
		e.logger.Infow("Shutdown: backend unavailable, queued writes stay journaled")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.DrainTimeout)
	defer cancel()

	if err := e.drain(ctx, conn); err != nil {
		e.logger.Warnw("Shutdown drain incomplete, queued writes stay journaled", logger.FieldError, err)
		return
	}
	e.logger.Infow("Shutdown drain complete")
}
