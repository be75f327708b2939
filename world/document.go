package world

import (
	"time"
)

// Document is the backend's native representation of an entity: the
// serialized payload written to and read from the remote document store,
// addressed by (collection, document id). A Document with Deleted set is a
// tombstone: it marks the entity as destroyed but keeps the version chain
// intact so stale replays still conflict.
type Document struct {
	ID            string         `json:"id"`
	EntityType    string         `json:"entity_type"`
	Properties    map[string]any `json:"properties,omitempty"`
	Confidence    float64        `json:"confidence"`
	LastUpdated   time.Time      `json:"last_updated"`
	State         string         `json:"state"`
	Relationships []string       `json:"relationships,omitempty"`
	Version       int64          `json:"version"`
	Deleted       bool           `json:"deleted,omitempty"`
}

// ToDocument serializes the entity to its backend document form. The state
// enum round-trips through its string value.
func (e Entity) ToDocument() Document {
	return Document{
		ID:            e.ID,
		EntityType:    e.EntityType,
		Properties:    e.Properties,
		Confidence:    e.Confidence,
		LastUpdated:   e.LastUpdated,
		State:         string(e.State),
		Relationships: e.Relationships,
		Version:       e.Version,
	}
}

// Tombstone builds the tombstone document for a deleted entity. The
// tombstone carries the post-delete version so the backend can CAS it like
// any other write.
func Tombstone(id string, version int64, deletedAt time.Time) Document {
	return Document{
		ID:          id,
		Version:     version,
		LastUpdated: deletedAt,
		State:       string(StateUnknown),
		Deleted:     true,
	}
}

// EntityFromDocument deserializes a backend document into an entity value.
// Unrecognized state strings map to StateUnknown; confidence is clamped.
// Deserialization never fails on bad enum or range values; the backend is
// shared with other writers and their bugs must not take this store down.
func EntityFromDocument(d Document) Entity {
	return Entity{
		ID:            d.ID,
		EntityType:    d.EntityType,
		Properties:    d.Properties,
		Confidence:    ClampConfidence(d.Confidence),
		LastUpdated:   d.LastUpdated,
		State:         StateFromString(d.State),
		Relationships: d.Relationships,
		Version:       d.Version,
	}
}
