package entity

import "time"

// Router sync actions.
const (
	RouterActionDeleted = -1
	RouterActionCreated = 0
	RouterActionUpdated = 1
)

// RouterLink mirrors one local record into the external identity system.
// There is no failure state: a failed remote call simply leaves the link
// unsynced for the reconciliation sweep to retry.
type RouterLink struct {
	ID int64

	EntityKind Kind
	EntityID   int64

	RemoteID   *int64
	Synced     bool
	LastAction int
	Extra      map[string]any

	CreatedAt time.Time
}

// EntityRef returns the weak reference to the mirrored local record.
func (l *RouterLink) EntityRef() Ref {
	return Ref{Kind: l.EntityKind, ID: l.EntityID}
}
