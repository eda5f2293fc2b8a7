package entity

// Order lifecycle statuses. The wire representation is the lowercase string,
// matching what external webhook consumers already parse.
const (
	StatusNotAssigned = "not_assigned"
	StatusAssigned    = "assigned"
	StatusPickUp      = "pickup"
	StatusInProgress  = "in_progress"
	StatusWayBack     = "way_back"
	StatusDelivered   = "delivered"
	StatusFailed      = "failed"
)

// Status groups used by cascades and notification rules.
var (
	// UnfinishedStatuses are statuses an order can still move out of.
	UnfinishedStatuses = []string{
		StatusNotAssigned, StatusAssigned, StatusPickUp, StatusInProgress, StatusWayBack,
	}

	// ActiveDriverStatuses are statuses that count against a driver's workload.
	ActiveDriverStatuses = []string{
		StatusAssigned, StatusPickUp, StatusInProgress, StatusWayBack,
	}

	// GroupableStatuses are the only statuses in which an order may join a
	// concatenated order.
	GroupableStatuses = []string{StatusNotAssigned, StatusAssigned}
)

// StatusIn reports whether status is a member of group.
func StatusIn(status string, group []string) bool {
	for _, s := range group {
		if s == status {
			return true
		}
	}
	return false
}
