package v1

import (
	"fmt"
	"time"

	"github.com/relaylab/project-relay/internal/core/entity"
)

// Kind classifies what an event row reports about its entity.
type Kind int

const (
	KindDeleted      Kind = -1
	KindCreated      Kind = 0
	KindChanged      Kind = 1
	KindModelChanged Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindDeleted:
		return "deleted"
	case KindCreated:
		return "created"
	case KindChanged:
		return "changed"
	case KindModelChanged:
		return "model_changed"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Valid reports whether k is one of the four persisted kinds.
func (k Kind) Valid() bool {
	return k >= KindDeleted && k <= KindModelChanged
}

// Origin distinguishes direct human edits from system-generated cascading
// changes. Subscribers branch on it to avoid notification feedback loops.
type Origin string

const (
	OriginHuman          Origin = "human"
	OriginAutoProcessing Origin = "auto_processing"
)

// Event is one immutable record of an observed change to a tracked entity.
//
// A MODEL_CHANGED event carries the full diff in ObjectDump
// ({old_values, new_values}); a CHANGED event reports a single field;
// CREATED and DELETED carry a full snapshot dump including a content_type
// discriminator and str_repr.
type Event struct {
	// ID is assigned by the store (BIGSERIAL) and is monotonic per database.
	ID int64 `json:"id"`

	// CreatedAt is the persistence timestamp.
	CreatedAt time.Time `json:"created_at"`

	// HappenedAt is the logical timestamp of the business occurrence.
	// It defaults to CreatedAt but may be back-dated at creation time so a
	// cascade of mutations reports as one logical moment. Never updated.
	HappenedAt time.Time `json:"happened_at"`

	// InitiatorID references the acting member; nil denotes a system actor.
	InitiatorID *int64 `json:"initiator_id,omitempty"`

	// TenantID is the owning merchant, used for isolation and routing.
	TenantID int64 `json:"tenant_id"`

	Kind   Kind   `json:"kind"`
	Origin Origin `json:"origin"`

	// Field and NewValue are set for CHANGED events only.
	Field    string `json:"field,omitempty"`
	NewValue string `json:"new_value,omitempty"`

	ObjectDump map[string]any `json:"object_dump,omitempty"`

	// EntityKind + EntityID form a weak polymorphic reference: the entity
	// may be hard-deleted later while the event remains.
	EntityKind entity.Kind `json:"entity_kind"`
	EntityID   int64       `json:"entity_id"`
}

// EntityRef returns the weak reference to the affected entity.
func (e *Event) EntityRef() entity.Ref {
	return entity.Ref{Kind: e.EntityKind, ID: e.EntityID}
}

// OldValues returns the old-values sub-map of a MODEL_CHANGED dump.
// Never nil.
func (e *Event) OldValues() map[string]any {
	return e.dumpSection("old_values")
}

// NewValues returns the new-values sub-map of a MODEL_CHANGED dump.
// Never nil.
func (e *Event) NewValues() map[string]any {
	return e.dumpSection("new_values")
}

func (e *Event) dumpSection(key string) map[string]any {
	if e.ObjectDump != nil {
		if m, ok := e.ObjectDump[key].(map[string]any); ok {
			return m
		}
	}
	return map[string]any{}
}

// IsOnline reports whether the event was recorded at the moment it happened,
// as opposed to a back-dated offline or cascade report.
func (e *Event) IsOnline() bool {
	return e.CreatedAt.Equal(e.HappenedAt)
}

// InitiatedBy reports whether memberID is the event's initiator.
func (e *Event) InitiatedBy(memberID int64) bool {
	return e.InitiatorID != nil && *e.InitiatorID == memberID
}

// Validate ensures the event is well-formed before persistence.
func (e *Event) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("invalid event kind %d", int(e.Kind))
	}
	if !e.EntityKind.Known() {
		return fmt.Errorf("unknown entity kind %q", e.EntityKind)
	}
	if e.TenantID == 0 {
		return fmt.Errorf("tenant_id is required")
	}
	if e.Kind == KindChanged && e.Field == "" {
		return fmt.Errorf("field is required for changed events")
	}
	if e.Kind != KindChanged && e.Field != "" {
		return fmt.Errorf("field must be empty for %s events", e.Kind)
	}
	return nil
}
