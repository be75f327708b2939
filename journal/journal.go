// Package journal persists the queue of writes awaiting backend
// acknowledgment. Queued writes survive process crashes: the sync engine
// replays pending journal records on startup, and the backend's version
// check makes replaying an already-acknowledged write a no-op.
package journal

import (
	"time"

	"github.com/google/uuid"

	"github.com/sensorium/worldmodel/errors"
	"github.com/sensorium/worldmodel/world"
)

// Op identifies the kind of queued write.
type Op string

const (
	OpPut    Op = "put"
	OpDelete Op = "delete"
)

// Write is one queued mutation bound for the backend. Document carries the
// full serialized entity (a tombstone for OpDelete) and Version the target
// version the push asserts, so the backend rejects stale replays as
// conflicts.
type Write struct {
	Seq        int64          `json:"seq"`
	ID         string         `json:"id"`
	EntityID   string         `json:"entity_id"`
	Op         Op             `json:"op"`
	Document   world.Document `json:"document"`
	Version    int64          `json:"version"`
	Attempts   int            `json:"attempts"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// NewWrite builds a journal record for a document push. enqueuedAt is
// caller-supplied for determinism.
func NewWrite(op Op, doc world.Document, enqueuedAt time.Time) (*Write, error) {
	if doc.ID == "" {
		return nil, errors.NewValidationError("journal write must carry a document id")
	}
	writeID, err := uuid.NewRandom()
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate write id")
	}
	return &Write{
		ID:         writeID.String(),
		EntityID:   doc.ID,
		Op:         op,
		Document:   doc,
		Version:    doc.Version,
		EnqueuedAt: enqueuedAt,
	}, nil
}
