// Package store implements the in-memory authoritative cache of entities.
// All reads and writes go through VersionedStore, which enforces optimistic
// concurrency with per-entity version counters and journals every accepted
// mutation for the sync engine to push.
package store

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sensorium/worldmodel/errors"
	"github.com/sensorium/worldmodel/journal"
	"github.com/sensorium/worldmodel/logger"
	"github.com/sensorium/worldmodel/world"
)

// Mutation edits an entity in place. It receives a private copy: the store
// applies it, re-asserts invariants (ID, version, confidence bounds), and
// only then publishes the result.
type Mutation func(e *world.Entity)

// entry is the store's slot for one entity. Each entry has its own lock so
// writes to independent entity IDs never block each other; the entry lock
// is held only for in-memory work and the journal append, never across
// network calls.
type entry struct {
	mu      sync.Mutex
	ent     world.Entity
	deleted bool // tombstone queued remotely, local removal pending ack
}

// VersionedStore mediates all entity reads and writes.
type VersionedStore struct {
	mu      sync.RWMutex
	entries map[string]*entry

	journal *journal.Store
	logger  *zap.SugaredLogger
	wake    chan struct{}

	// now is the journal timestamp source; overridable in tests.
	now func() time.Time
}

// New creates a store journaling to j.
func New(j *journal.Store, logger *zap.SugaredLogger) *VersionedStore {
	return &VersionedStore{
		entries: make(map[string]*entry),
		journal: j,
		logger:  logger,
		wake:    make(chan struct{}, 1),
		now:     time.Now,
	}
}

// WakeC signals whenever a mutation has been journaled. The sync engine
// selects on it to drain promptly instead of waiting for its poll tick.
func (s *VersionedStore) WakeC() <-chan struct{} {
	return s.wake
}

func (s *VersionedStore) signalWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Get returns the current local snapshot of an entity. It never blocks on
// the network and never observes entities whose deletion is pending.
func (s *VersionedStore) Get(id string) (world.Entity, bool) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return world.Entity{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	// Version zero means the slot was created by a rejected write or a
	// pending remote apply and never published; it is not a live entity.
	if e.deleted || e.ent.Version == 0 {
		return world.Entity{}, false
	}
	return e.ent.Clone(), true
}

// Len returns the number of live local entities.
func (s *VersionedStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.entries {
		e.mu.Lock()
		if !e.deleted && e.ent.Version > 0 {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

// getOrCreate returns the locked entry for id, creating it if absent.
// Callers must unlock e.mu.
func (s *VersionedStore) getOrCreate(id string) *entry {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if ok {
		e.mu.Lock()
		return e
	}

	s.mu.Lock()
	e, ok = s.entries[id]
	if !ok {
		e = &entry{}
		s.entries[id] = e
	}
	s.mu.Unlock()
	e.mu.Lock()
	return e
}

// Upsert applies mutation to the entity iff expectedVersion matches the
// stored version (zero for an absent entity). On mismatch it returns a
// ConflictError carrying the current version; it never silently
// overwrites. The local apply and the journal append happen together under
// the entity lock, journal first: after a crash the journal is replayed, so
// an accepted mutation is never lost and a failed journal append leaves the
// local state untouched.
func (s *VersionedStore) Upsert(id string, mut Mutation, expectedVersion int64) (world.Entity, error) {
	if id == "" {
		return world.Entity{}, errors.NewValidationError("entity id must not be empty")
	}

	e := s.getOrCreate(id)
	defer e.mu.Unlock()

	visible := e.visibleVersion()
	if expectedVersion != visible {
		s.logger.Debugw("Upsert version conflict",
			logger.FieldEntityID, id,
			logger.FieldExpectedVersion, expectedVersion,
			logger.FieldVersion, visible,
		)
		return world.Entity{}, errors.NewConflict(id, visible)
	}

	// Mutate a copy. The version chain continues across tombstones so the
	// version counter stays strictly increasing even through recreation.
	var next world.Entity
	if visible > 0 {
		next = e.ent.Clone()
	} else {
		next = world.Entity{ID: id}
	}
	mut(&next)
	next.ID = id // identifier is immutable once created
	next.Confidence = world.ClampConfidence(next.Confidence)
	next.State = world.StateFromString(string(next.State))
	next.Version = e.ent.Version + 1

	if err := next.Validate(); err != nil {
		return world.Entity{}, err
	}

	w, err := journal.NewWrite(journal.OpPut, next.ToDocument(), s.now())
	if err != nil {
		return world.Entity{}, err
	}
	if err := s.journal.Append(w); err != nil {
		return world.Entity{}, errors.Wrapf(err, "failed to journal upsert of %s", id)
	}

	e.ent = next
	e.deleted = false
	s.signalWake()

	s.logger.Debugw("Entity upserted",
		logger.FieldEntityID, id,
		logger.FieldVersion, next.Version,
	)
	return next.Clone(), nil
}

// Delete tombstones an entity. The tombstone is journaled for the backend
// first; the local entry is removed only once the push is acknowledged, so
// a crash before the ack still replays the tombstone.
func (s *VersionedStore) Delete(id string, expectedVersion int64) error {
	if id == "" {
		return errors.NewValidationError("entity id must not be empty")
	}

	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return errors.NewNotFoundError("entity %q not found", id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted || e.ent.Version == 0 {
		return errors.NewNotFoundError("entity %q not found", id)
	}
	if expectedVersion != e.ent.Version {
		return errors.NewConflict(id, e.ent.Version)
	}

	now := s.now()
	tomb := world.Tombstone(id, e.ent.Version+1, now)
	w, err := journal.NewWrite(journal.OpDelete, tomb, now)
	if err != nil {
		return err
	}
	if err := s.journal.Append(w); err != nil {
		return errors.Wrapf(err, "failed to journal delete of %s", id)
	}

	e.ent.Version = tomb.Version
	e.deleted = true
	s.signalWake()

	s.logger.Debugw("Entity delete queued",
		logger.FieldEntityID, id,
		logger.FieldVersion, tomb.Version,
	)
	return nil
}

// visibleVersion is the version callers compare against: zero when the
// entity is absent or its deletion is pending. Must be called with e.mu held.
func (e *entry) visibleVersion() int64 {
	if e.deleted {
		return 0
	}
	return e.ent.Version
}

// ApplyRemote folds a remote-origin document into local state using
// last-writer-wins by version number. Remote changes with a version at or
// below the local version are discarded. Returns whether the document was
// applied.
func (s *VersionedStore) ApplyRemote(doc world.Document) bool {
	if doc.ID == "" {
		return false
	}

	e := s.getOrCreate(doc.ID)

	if doc.Version <= e.ent.Version {
		stale := e.ent.Version
		e.mu.Unlock()
		s.logger.Debugw("Discarding stale remote change",
			logger.FieldEntityID, doc.ID,
			logger.FieldRemoteVersion, doc.Version,
			logger.FieldVersion, stale,
		)
		return false
	}

	if doc.Deleted {
		e.ent.Version = doc.Version
		e.deleted = true
		e.mu.Unlock()
		s.removeIfDeleted(doc.ID, doc.Version)
		return true
	}

	e.ent = world.EntityFromDocument(doc)
	e.deleted = false
	e.mu.Unlock()
	return true
}

// Ack records backend acknowledgment of a pushed write. Entries whose
// deletion has been acknowledged are removed locally.
func (s *VersionedStore) Ack(entityID string, version int64) {
	s.removeIfDeleted(entityID, version)
}

// removeIfDeleted drops the map entry only if its deletion is still
// current, checked under both locks: a recreate that won the entry lock
// after the caller observed the tombstone must not be discarded from the
// map along with it.
func (s *VersionedStore) removeIfDeleted(entityID string, version int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[entityID]
	if !ok {
		return
	}
	e.mu.Lock()
	gone := e.deleted && version >= e.ent.Version
	e.mu.Unlock()
	if gone {
		delete(s.entries, entityID)
	}
}

// Recover reloads journaled writes that were never acknowledged and
// reapplies their effect to local state. Called once at startup before the
// sync engine runs: each journaled document is by construction the newest
// state its entity had locally, so replaying the journal in order rebuilds
// the pre-crash view the backend has yet to see. Without this the store
// would restart one version behind its own journaled writes and accept
// CAS updates at the stale version.
func (s *VersionedStore) Recover() (int, error) {
	writes, err := s.journal.Pending(0)
	if err != nil {
		return 0, errors.Wrap(err, "failed to load journaled writes")
	}

	for _, w := range writes {
		e := s.getOrCreate(w.EntityID)
		if w.Document.Version > e.ent.Version {
			if w.Op == journal.OpDelete {
				e.ent.Version = w.Document.Version
				e.deleted = true
			} else {
				e.ent = world.EntityFromDocument(w.Document)
				e.deleted = false
			}
		}
		e.mu.Unlock()
	}

	if len(writes) > 0 {
		s.signalWake()
		s.logger.Infow("Recovered journaled writes", logger.FieldQueueLen, len(writes))
	}
	return len(writes), nil
}
