// Package backend defines the boundary to the remote document store and
// the connection supervisor that owns the single logical connection to it.
//
// The remote store is opaque: a transactional document store addressed by
// a (collection, document id) pair. This package speaks to it over a
// WebSocket session and performs compare-and-swap pushes; the server
// accepts a document only when its stored version immediately precedes the
// pushed one, which is what makes queued-write replay idempotent.
package backend

import (
	"context"

	"github.com/sensorium/worldmodel/world"
)

// Conn is one live session with the remote store. The real implementation
// wraps gorilla/websocket; tests substitute a fake.
type Conn interface {
	// Push writes a document (or tombstone) iff the remote version chain
	// admits it. A stale push returns a ConflictError carrying the remote
	// current version.
	Push(ctx context.Context, doc world.Document) error

	// Fetch reads one document by entity id. Returns ErrNotFound when the
	// document does not exist remotely.
	Fetch(ctx context.Context, entityID string) (world.Document, error)

	// List reads every live document in the collection. Used for the
	// initial pull when a session is established.
	List(ctx context.Context) ([]world.Document, error)

	// Ping performs an application-level round-trip for health probing.
	Ping(ctx context.Context) error

	// Changes delivers remote-origin change notifications for the
	// collection. Consumers stop reading once the supervisor reports the
	// session down; the channel itself is never closed.
	Changes() <-chan world.Document

	Close() error
}

// Dialer establishes sessions with the remote store.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}
