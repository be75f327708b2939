package backend

import (
	"github.com/sensorium/worldmodel/world"
)

// Wire protocol spoken with the remote document store over one WebSocket
// session. Requests carry a client-assigned sequence number; the server
// echoes it on the response so concurrent requests can share the session.
// Change notifications arrive unsolicited with seq zero.

// MsgType identifies the protocol message kind.
type MsgType string

const (
	// MsgHello opens a session: collection bind plus credential token.
	MsgHello MsgType = "hello"

	// MsgPush writes one document with a compare-and-swap version check.
	MsgPush MsgType = "push"

	// MsgFetch requests one document by entity id.
	MsgFetch MsgType = "fetch"

	// MsgList requests every live document in the bound collection.
	MsgList MsgType = "list"

	// MsgAck acknowledges a push, fetch result, or list result.
	MsgAck MsgType = "ack"

	// MsgError reports a failed request. Code distinguishes conflicts and
	// missing documents from generic backend failures.
	MsgError MsgType = "error"

	// MsgChange is an unsolicited remote-origin change notification.
	MsgChange MsgType = "change"

	// MsgPing and MsgPong implement the application-level health probe.
	MsgPing MsgType = "ping"
	MsgPong MsgType = "pong"
)

// Error codes carried on MsgError.
const (
	CodeConflict = "conflict"
	CodeNotFound = "not_found"
)

// Msg is the envelope for all protocol messages.
type Msg struct {
	Type MsgType `json:"type"`
	Seq  int64   `json:"seq,omitempty"`

	// Hello
	Project    string `json:"project,omitempty"`
	Collection string `json:"collection,omitempty"`
	Token      string `json:"token,omitempty"`

	// Push / Fetch / Change
	EntityID string          `json:"entity_id,omitempty"`
	Doc      *world.Document `json:"doc,omitempty"`

	// List results
	Docs []world.Document `json:"docs,omitempty"`

	// Error
	Code           string `json:"code,omitempty"`
	Error          string `json:"error,omitempty"`
	CurrentVersion int64  `json:"current_version,omitempty"`
}
