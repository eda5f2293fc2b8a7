// Package grouping maintains concatenated orders: synthetic aggregates of
// orders that share a matching key of (merchant, driver, status, delivery
// day, customer, address). It also runs the order-side cascade when a
// driver is deactivated. Both cascades write through their own change
// scopes so that downstream subscribers see the resulting events, tagged
// as auto-processing to stop the loop from feeding itself.
package grouping

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	v1 "github.com/relaylab/project-relay/internal/api/v1"
	"github.com/relaylab/project-relay/internal/core/entity"
	"github.com/relaylab/project-relay/internal/core/storage"
	"github.com/relaylab/project-relay/internal/tracking"
)

// Subscriber implements dispatch.Subscriber on the post-processing channel.
type Subscriber struct {
	store   storage.Store
	tracker *tracking.Tracker
}

func NewSubscriber(store storage.Store, tracker *tracking.Tracker) *Subscriber {
	return &Subscriber{store: store, tracker: tracker}
}

func (s *Subscriber) Name() string { return "concatenated-order-grouping" }

func (s *Subscriber) Handle(ctx context.Context, event *v1.Event) error {
	// Events produced by our own cascades must not trigger regrouping.
	if event.Origin == v1.OriginAutoProcessing {
		return nil
	}

	switch event.EntityKind {
	case entity.KindOrder:
		// The model-level event carries the whole diff; per-field events
		// would only duplicate the work.
		if event.Kind == v1.KindChanged {
			return nil
		}
		return s.handleOrderEvent(ctx, event)
	case entity.KindMember:
		if event.Kind != v1.KindModelChanged {
			return nil
		}
		return s.handleMemberEvent(ctx, event)
	}
	return nil
}

func (s *Subscriber) handleOrderEvent(ctx context.Context, event *v1.Event) error {
	order, err := s.store.Orders().GetOrder(ctx, event.EntityID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil // weak ref: the order is gone, nothing to regroup
		}
		return fmt.Errorf("failed to load order %d: %w", event.EntityID, err)
	}

	merchant, err := s.store.Merchants().GetMerchant(ctx, order.MerchantID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load merchant %d: %w", order.MerchantID, err)
	}
	if !merchant.EnableConcatenatedOrders {
		return nil
	}

	groupable := !order.Deleted &&
		event.Kind != v1.KindDeleted &&
		entity.StatusIn(order.Status, entity.GroupableStatuses)

	if order.ConcatenatedOrderID != nil {
		stale, err := s.keyMismatch(ctx, order, merchant)
		if err != nil {
			return err
		}
		if !groupable || stale {
			if err := s.leaveGroup(ctx, order, event.HappenedAt); err != nil {
				return err
			}
		} else {
			return nil // still correctly grouped
		}
	}
	if groupable {
		return s.regroup(ctx, order, merchant, event.HappenedAt)
	}
	return nil
}

// keyMismatch reports whether the order's matching key no longer agrees
// with the aggregate it sits in, e.g. after a driver reassignment.
func (s *Subscriber) keyMismatch(ctx context.Context, order *entity.Order, merchant *entity.Merchant) (bool, error) {
	co, err := s.store.ConcatenatedOrders().GetConcatenatedOrder(ctx, *order.ConcatenatedOrderID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return true, nil
		}
		return false, err
	}
	return !entity.OrderGroupKey(order, merchant.Location()).Equal(co.Key()), nil
}

// regroup pulls every groupable order with the same matching key into one
// aggregate, creating it when at least two orders match.
func (s *Subscriber) regroup(ctx context.Context, order *entity.Order, merchant *entity.Merchant, happenedAt time.Time) error {
	key := entity.OrderGroupKey(order, merchant.Location())

	opts := []tracking.Option{
		tracking.WithOrigin(v1.OriginAutoProcessing),
		tracking.WithHappenedAt(happenedAt),
	}

	return s.tracker.Track(ctx, opts, func(ctx context.Context, tx storage.Tx, sc *tracking.Scope) error {
		loose, err := tx.Orders().ListGroupableOrders(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to list groupable orders: %w", err)
		}

		co, err := tx.ConcatenatedOrders().GetConcatenatedOrderByKey(ctx, key)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			if len(loose) < 2 {
				return nil // a single order never forms an aggregate
			}
			co = &entity.ConcatenatedOrder{
				MerchantID:     key.MerchantID,
				DriverID:       key.DriverID,
				CustomerID:     key.CustomerID,
				DeliverAddress: key.DeliverAddress,
				DeliverDay:     key.DeliverDay,
				Status:         key.Status,
				UpdatedAt:      happenedAt,
			}
			if err := tx.ConcatenatedOrders().SaveConcatenatedOrder(ctx, co); err != nil {
				return err
			}
			if err := s.attach(ctx, tx, sc, co, loose, happenedAt); err != nil {
				return err
			}
			sc.Created(co)
			slog.Info("[Grouping] Created concatenated order",
				"concatenated_order_id", co.ID,
				"merchant_id", co.MerchantID,
				"orders", len(co.OrderIDs))
			return nil
		case err != nil:
			return fmt.Errorf("failed to look up concatenated order: %w", err)
		}

		if len(loose) == 0 {
			return nil
		}
		sc.Watch(co)
		if err := s.attach(ctx, tx, sc, co, loose, happenedAt); err != nil {
			return err
		}
		co.UpdatedAt = happenedAt
		return tx.ConcatenatedOrders().UpdateConcatenatedOrder(ctx, co)
	})
}

func (s *Subscriber) attach(ctx context.Context, tx storage.Tx, sc *tracking.Scope, co *entity.ConcatenatedOrder, orders []*entity.Order, happenedAt time.Time) error {
	for _, o := range orders {
		sc.Watch(o)
		o.ConcatenatedOrderID = &co.ID
		o.UpdatedAt = happenedAt
		if err := tx.Orders().UpdateOrder(ctx, o); err != nil {
			return fmt.Errorf("failed to attach order %d: %w", o.ID, err)
		}
		co.OrderIDs = append(co.OrderIDs, o.ID)
	}
	return nil
}

// leaveGroup detaches the order from its aggregate. An aggregate left with
// fewer than two orders dissolves: the survivor is released and the
// aggregate soft-deleted.
func (s *Subscriber) leaveGroup(ctx context.Context, order *entity.Order, happenedAt time.Time) error {
	opts := []tracking.Option{
		tracking.WithOrigin(v1.OriginAutoProcessing),
		tracking.WithHappenedAt(happenedAt),
	}

	return s.tracker.Track(ctx, opts, func(ctx context.Context, tx storage.Tx, sc *tracking.Scope) error {
		co, err := tx.ConcatenatedOrders().GetConcatenatedOrder(ctx, *order.ConcatenatedOrderID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			return err
		}

		sc.Watch(co)
		sc.Watch(order)
		order.ConcatenatedOrderID = nil
		order.UpdatedAt = happenedAt
		if err := tx.Orders().UpdateOrder(ctx, order); err != nil {
			return err
		}
		co.OrderIDs = removeID(co.OrderIDs, order.ID)

		if len(co.OrderIDs) < 2 {
			for _, id := range co.OrderIDs {
				remaining, err := tx.Orders().GetOrder(ctx, id)
				if err != nil {
					if errors.Is(err, storage.ErrNotFound) {
						continue
					}
					return err
				}
				sc.Watch(remaining)
				remaining.ConcatenatedOrderID = nil
				remaining.UpdatedAt = happenedAt
				if err := tx.Orders().UpdateOrder(ctx, remaining); err != nil {
					return err
				}
			}
			co.OrderIDs = nil
			co.Deleted = true
			sc.Deleted(co)
			slog.Info("[Grouping] Dissolved concatenated order",
				"concatenated_order_id", co.ID)
		}

		co.UpdatedAt = happenedAt
		return tx.ConcatenatedOrders().UpdateConcatenatedOrder(ctx, co)
	})
}

// handleMemberEvent runs the deactivated-driver cascade: the driver's
// unfinished orders go back to the unassigned pool.
func (s *Subscriber) handleMemberEvent(ctx context.Context, event *v1.Event) error {
	newValues := event.NewValues()
	oldValues := event.OldValues()
	deactivated := oldValues["is_active"] == true && newValues["is_active"] == false
	if !deactivated {
		return nil
	}

	member, err := s.store.Members().GetMember(ctx, event.EntityID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if !member.IsDriver() {
		return nil
	}

	opts := []tracking.Option{
		tracking.WithOrigin(v1.OriginAutoProcessing),
		tracking.WithHappenedAt(event.HappenedAt),
	}

	return s.tracker.Track(ctx, opts, func(ctx context.Context, tx storage.Tx, sc *tracking.Scope) error {
		orders, err := tx.Orders().ListOrdersByDriver(ctx, member.ID, entity.ActiveDriverStatuses)
		if err != nil {
			return fmt.Errorf("failed to list driver orders: %w", err)
		}
		for _, o := range orders {
			sc.Watch(o)
			o.DriverID = nil
			o.Status = entity.StatusNotAssigned
			o.UpdatedAt = event.HappenedAt
			if err := tx.Orders().UpdateOrder(ctx, o); err != nil {
				return err
			}
		}
		if len(orders) > 0 {
			slog.Info("[Grouping] Released orders of deactivated driver",
				"driver_id", member.ID,
				"orders", len(orders))
		}

		if member.WorkStatus == entity.WorkStatusWorking {
			sc.Watch(member)
			member.WorkStatus = entity.WorkStatusNotWorking
			member.UpdatedAt = event.HappenedAt
			if err := tx.Members().UpdateMember(ctx, member); err != nil {
				return err
			}
		}
		return nil
	})
}

func removeID(ids []int64, id int64) []int64 {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
