package tracking

import "github.com/relaylab/project-relay/internal/core/entity"

// Trackable is what the change scope can observe: a domain record that can
// snapshot itself and name its tenant.
type Trackable interface {
	// Ref identifies the record. The event log keeps it as a weak
	// reference that outlives the record.
	Ref() entity.Ref

	// TenantID is the owning merchant. Zero means unknown; the recorder
	// then falls back to the initiator's merchant, and failing that the
	// event is silently dropped.
	TenantID() int64

	// Snapshot returns the tracked view of the record. Keys are the field
	// names the rule files refer to; the returned map is owned by the
	// caller.
	Snapshot() map[string]any

	// StrRepr is the human-readable label embedded in created/deleted
	// dumps.
	StrRepr() string
}
