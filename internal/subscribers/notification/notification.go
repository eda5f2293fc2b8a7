// Package notification composes push notifications out of order status
// transitions. It subscribes on the correlated-operations channel so that
// post-processing subscribers (grouping, geofence durations) have already
// settled the order before any message is built from it.
package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	v1 "github.com/relaylab/project-relay/internal/api/v1"
	"github.com/relaylab/project-relay/internal/core/entity"
	"github.com/relaylab/project-relay/internal/core/storage"
)

// Push message types, part of the mobile wire contract.
const (
	TypeOrderAssigned            = "ORDER_ASSIGNED"
	TypeOrderUnassigned          = "ORDER_UNASSIGNED"
	TypeOrderNotAssigned         = "ORDER_NOT_ASSIGNED"
	TypeOrderInProgress          = "ORDER_IN_PROGRESS"
	TypeOrderPickedUp            = "ORDER_PICKED_UP"
	TypeOrderWayBack             = "ORDER_WAY_BACK"
	TypeOrderCompleted           = "ORDER_COMPLETED"
	TypeOrderCompletedByGeofence = "ORDER_COMPLETED_BY_GEOFENCE"
	TypeOrderFailed              = "ORDER_FAILED"
)

// Notification is the push payload: {type: SCREAMING_SNAKE_CASE, data: {...}}.
type Notification struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Pusher delivers one notification to one member's device.
type Pusher interface {
	Push(ctx context.Context, member *entity.Member, n Notification) error
}

// Subscriber implements dispatch.Subscriber on the correlated-operations
// channel.
type Subscriber struct {
	store    storage.Store
	pusher   Pusher
	coalesce *Coalescer
}

func NewSubscriber(store storage.Store, pusher Pusher, coalesce *Coalescer) *Subscriber {
	return &Subscriber{store: store, pusher: pusher, coalesce: coalesce}
}

func (s *Subscriber) Name() string { return "status-change-notifier" }

func (s *Subscriber) Handle(ctx context.Context, event *v1.Event) error {
	// Cascade-generated changes never notify; that is the whole point of
	// tagging their origin.
	if event.Origin == v1.OriginAutoProcessing {
		return nil
	}
	// The model-level event carries both sides of every transition; the
	// per-field events would only duplicate the messages.
	if event.EntityKind != entity.KindOrder || event.Kind != v1.KindModelChanged {
		return nil
	}

	order, err := s.store.Orders().GetOrder(ctx, event.EntityID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load order %d: %w", event.EntityID, err)
	}

	if err := s.notifyDrivers(ctx, event, order); err != nil {
		return err
	}
	return s.notifyManagers(ctx, event, order)
}

// notifyDrivers handles the driver-facing side: assignment and unassignment.
// These go through the coalescer so a bulk assign lands as one push.
func (s *Subscriber) notifyDrivers(ctx context.Context, event *v1.Event, order *entity.Order) error {
	oldDriver, oldHas := asInt64(event.OldValues()["driver"])
	newDriver, newHas := asInt64(event.NewValues()["driver"])

	switch {
	case oldHas || newHas:
		// The driver reference itself changed.
		if newHas && newDriver != 0 {
			if err := s.pushToDriver(ctx, event, newDriver, TypeOrderAssigned, order); err != nil {
				return err
			}
		}
		if oldHas && oldDriver != 0 && oldDriver != newDriver {
			if err := s.pushToDriver(ctx, event, oldDriver, TypeOrderUnassigned, order); err != nil {
				return err
			}
		}
	case newStatus(event) == entity.StatusAssigned && order.DriverID != nil:
		// Re-assignment to the same driver, e.g. after a failed attempt.
		return s.pushToDriver(ctx, event, *order.DriverID, TypeOrderAssigned, order)
	case order.DriverID != nil:
		return s.notifyDriverMilestone(ctx, event, order)
	}
	return nil
}

// notifyDriverMilestone keeps the assigned driver informed about status
// milestones they did not drive themselves.
func (s *Subscriber) notifyDriverMilestone(ctx context.Context, event *v1.Event, order *entity.Order) error {
	from, to := oldStatus(event), newStatus(event)
	if to == "" || from == to {
		return nil
	}

	driverID := *order.DriverID
	// A driver moving their own order already knows. The exception is a
	// live completion the geofence performed on their behalf.
	if event.InitiatedBy(driverID) && !(order.IsCompletedByGeofence && event.IsOnline()) {
		return nil
	}
	completedByManager := order.ManagerID != nil && event.InitiatedBy(*order.ManagerID)

	var typ string
	switch to {
	case entity.StatusInProgress:
		typ = TypeOrderInProgress
	case entity.StatusPickUp:
		typ = TypeOrderPickedUp
	case entity.StatusDelivered, entity.StatusFailed, entity.StatusWayBack:
		// Finishing the return leg is the driver's own routine; only a
		// manager override is news to them.
		if from == entity.StatusWayBack && !completedByManager {
			return nil
		}
		switch to {
		case entity.StatusDelivered:
			if order.IsCompletedByGeofence {
				typ = TypeOrderCompletedByGeofence
			} else {
				typ = TypeOrderCompleted
			}
		case entity.StatusFailed:
			typ = TypeOrderFailed
		default:
			typ = TypeOrderWayBack
		}
	default:
		return nil
	}

	return s.deliverToDriver(ctx, driverID, typ, order)
}

func (s *Subscriber) pushToDriver(ctx context.Context, event *v1.Event, driverID int64, typ string, order *entity.Order) error {
	if event.InitiatedBy(driverID) {
		return nil // drivers are not told about their own edits
	}
	return s.deliverToDriver(ctx, driverID, typ, order)
}

func (s *Subscriber) deliverToDriver(ctx context.Context, driverID int64, typ string, order *entity.Order) error {
	member, err := s.store.Members().GetMember(ctx, driverID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if !member.IsActive || !member.PushAvailable() {
		return nil
	}
	s.coalesce.Add(member, typ, order)
	return nil
}

// notifyManagers handles the merchant-facing side, driven by the status
// transition alone.
func (s *Subscriber) notifyManagers(ctx context.Context, event *v1.Event, order *entity.Order) error {
	from, to := oldStatus(event), newStatus(event)
	if to == "" || from == to {
		return nil
	}

	typ := managerMessage(from, to, order.IsCompletedByGeofence)
	if typ == "" {
		return nil
	}

	merchant, err := s.store.Merchants().GetMerchant(ctx, order.MerchantID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if typ == TypeOrderNotAssigned && !merchant.NotifyNotAssignedOrders {
		return nil
	}

	managers, err := s.store.Members().ListManagers(ctx, order.MerchantID)
	if err != nil {
		return fmt.Errorf("failed to list managers of merchant %d: %w", order.MerchantID, err)
	}

	n := Notification{Type: typ, Data: orderData(order)}
	for _, m := range managers {
		if event.InitiatedBy(m.ID) || !m.PushAvailable() {
			continue
		}
		if err := s.pusher.Push(ctx, m, n); err != nil {
			// One unreachable device must not fail the batch.
			slog.Error("[Notification] Push failed",
				"member_id", m.ID,
				"type", typ,
				"error", err)
		}
	}
	return nil
}

// managerMessage is the decision table for the merchant-facing audience,
// keyed on the status transition.
func managerMessage(from, to string, completedByGeofence bool) string {
	switch to {
	case entity.StatusNotAssigned:
		if from == "" {
			return ""
		}
		return TypeOrderNotAssigned
	case entity.StatusInProgress:
		return TypeOrderInProgress
	case entity.StatusDelivered:
		if completedByGeofence {
			return TypeOrderCompletedByGeofence
		}
		return TypeOrderCompleted
	case entity.StatusFailed:
		return TypeOrderFailed
	}
	return ""
}

func orderData(order *entity.Order) map[string]any {
	return map[string]any{
		"order_id":    order.ID,
		"order_title": order.Title,
		"status":      order.Status,
	}
}

func oldStatus(event *v1.Event) string {
	s, _ := event.OldValues()["status"].(string)
	return s
}

func newStatus(event *v1.Event) string {
	s, _ := event.NewValues()["status"].(string)
	return s
}

// asInt64 reads a numeric dump value. Dumps loaded back from JSONB arrive
// as float64 or json.Number rather than the int64 they were written as.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}
