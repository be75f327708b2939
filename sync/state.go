package sync

// State is the synchronization engine's connection state.
//
// The machine cycles DISCONNECTED → CONNECTING → SYNCED → DEGRADED →
// CONNECTING → SYNCED … and reaches STOPPED only on explicit shutdown.
type State string

const (
	// StateDisconnected is the initial state before the first session.
	StateDisconnected State = "disconnected"

	// StateConnecting covers the initial pull after a session comes up.
	StateConnecting State = "connecting"

	// StateSynced means the write queue is being drained and remote
	// changes are flowing into the local store.
	StateSynced State = "synced"

	// StateDegraded means the backend is unreachable. Writes keep queuing
	// locally; nothing is lost.
	StateDegraded State = "degraded"

	// StateStopped is terminal, entered only via shutdown.
	StateStopped State = "stopped"
)

// ShutdownPolicy selects what happens to queued writes on shutdown.
type ShutdownPolicy string

const (
	// PolicyDrain pushes queued writes until the drain timeout expires.
	// Anything still queued stays journaled for the next start.
	PolicyDrain ShutdownPolicy = "drain"

	// PolicyAbandon stops immediately; queued writes stay journaled.
	PolicyAbandon ShutdownPolicy = "abandon"
)
