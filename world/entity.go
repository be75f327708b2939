// Package world defines the entity value types shared by the versioned
// store, the sync engine, and the backend boundary.
package world

import (
	"time"

	"github.com/sensorium/worldmodel/errors"
)

// State describes the stability of a modeled entity.
type State string

const (
	StateStable    State = "stable"
	StateVolatile  State = "volatile"
	StateDegrading State = "degrading"
	StateUnknown   State = "unknown"
)

// StateFromString maps a string to a State. The mapping is total:
// unrecognized input maps to StateUnknown rather than failing. This is an
// intentional lossy mapping: remote documents written by newer producers
// must never poison deserialization here.
func StateFromString(s string) State {
	switch State(s) {
	case StateStable, StateVolatile, StateDegrading, StateUnknown:
		return State(s)
	default:
		return StateUnknown
	}
}

// Entity represents one modeled real-world object. Entities are values:
// the store hands out copies, and mutations go through the store's CAS
// update path, never through shared pointers.
//
// LastUpdated is always caller-supplied. Constructors never capture "now"
// so that tests and replays are deterministic.
type Entity struct {
	ID            string
	EntityType    string
	Properties    map[string]any
	Confidence    float64
	LastUpdated   time.Time
	State         State
	Relationships []string // weak references; validity not guaranteed
	Version       int64
}

// NewEntity constructs an entity value with all fields explicit.
// Confidence is clamped to [0,1]. Version starts at zero; the store
// assigns version 1 on the first successful write.
func NewEntity(id, entityType string, properties map[string]any, confidence float64, lastUpdated time.Time, state State, relationships []string) Entity {
	return Entity{
		ID:            id,
		EntityType:    entityType,
		Properties:    properties,
		Confidence:    ClampConfidence(confidence),
		LastUpdated:   lastUpdated,
		State:         state,
		Relationships: relationships,
	}
}

// ClampConfidence restricts a confidence value to [0, 1].
func ClampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// Validate checks the invariants required of any persisted entity.
func (e Entity) Validate() error {
	if e.ID == "" {
		return errors.NewValidationError("entity must have an id")
	}
	if e.EntityType == "" {
		return errors.NewValidationError("entity %q must have an entity_type", e.ID)
	}
	return nil
}

// Clone returns a deep copy. Properties (including nested containers) and
// Relationships are copied so callers cannot alias store-internal state.
func (e Entity) Clone() Entity {
	out := e
	if e.Properties != nil {
		out.Properties = make(map[string]any, len(e.Properties))
		for k, v := range e.Properties {
			out.Properties[k] = cloneValue(v)
		}
	}
	if e.Relationships != nil {
		out.Relationships = append([]string(nil), e.Relationships...)
	}
	return out
}

// cloneValue copies the JSON-shaped containers property values decode to.
// Other container types are not copied; properties cross the wire as JSON,
// so anything else is already a caller-side type error.
func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, x := range val {
			out[k] = cloneValue(x)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, x := range val {
			out[i] = cloneValue(x)
		}
		return out
	default:
		return v
	}
}
