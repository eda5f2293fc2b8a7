// Package geofence turns geofence boundary events into dwell-time fields
// on the order. The boundaries themselves already live in the event log
// (geofence_entered / pickup_geofence_entered field changes), so reaching a
// status milestone only needs a paired lookup against the prior boundary.
package geofence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	v1 "github.com/relaylab/project-relay/internal/api/v1"
	"github.com/relaylab/project-relay/internal/core/entity"
	"github.com/relaylab/project-relay/internal/core/storage"
)

const (
	fieldGeofenceEntered       = "geofence_entered"
	fieldPickupGeofenceEntered = "pickup_geofence_entered"
)

// Subscriber implements dispatch.Subscriber on the post-processing channel.
// It runs there, before the correlated-operations channel, so that the
// notification composer sees the durations already filled in.
type Subscriber struct {
	store storage.Store
}

func NewSubscriber(store storage.Store) *Subscriber {
	return &Subscriber{store: store}
}

func (s *Subscriber) Name() string { return "geofence-duration-tracker" }

func (s *Subscriber) Handle(ctx context.Context, event *v1.Event) error {
	if event.EntityKind != entity.KindOrder || event.Kind != v1.KindChanged || event.Field != "status" {
		return nil
	}

	switch event.NewValue {
	case entity.StatusDelivered:
		return s.recordDwell(ctx, event, fieldGeofenceEntered)
	case entity.StatusPickUp:
		return s.recordDwell(ctx, event, fieldPickupGeofenceEntered)
	}
	return nil
}

// recordDwell pairs the milestone event with the latest boundary entry and
// writes the elapsed window back onto the order. The duration fields are not
// tracked, so the write-back emits no further events.
func (s *Subscriber) recordDwell(ctx context.Context, event *v1.Event, boundaryField string) error {
	ref := event.EntityRef()

	entered, err := s.store.Events().LatestFieldChange(ctx, ref, boundaryField)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil // never entered the geofence, nothing to record
		}
		return fmt.Errorf("failed to look up %s boundary: %w", boundaryField, err)
	}
	if entered.NewValue != "true" {
		return nil // last boundary crossing was an exit
	}

	dwell := event.HappenedAt.Sub(entered.HappenedAt)
	if dwell <= 0 {
		return nil
	}

	order, err := s.store.Orders().GetOrder(ctx, event.EntityID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load order %d: %w", event.EntityID, err)
	}

	switch boundaryField {
	case fieldGeofenceEntered:
		order.TimeInsideGeofence = &dwell
	case fieldPickupGeofenceEntered:
		order.TimeAtJob = &dwell
	}
	if err := s.store.Orders().UpdateOrder(ctx, order); err != nil {
		return fmt.Errorf("failed to store dwell time for order %d: %w", order.ID, err)
	}

	slog.Debug("[Geofence] Recorded dwell time",
		"order_id", order.ID,
		"boundary", boundaryField,
		"dwell", dwell)
	return nil
}

// Backfill recomputes TimeInsideGeofence for a tenant's completed orders in
// [from, to) straight from the event log, using the paired start/end query.
// It returns the number of orders updated. Meant for reporting catch-up
// after the tracker was down or the rules were changed. TimeAtJob pairs
// against the pickup milestone rather than completion, so it only comes
// from the live path.
func (s *Subscriber) Backfill(ctx context.Context, tenantID int64, from, to time.Time) (int, error) {
	pairs, err := s.store.Events().PairedDurations(ctx, tenantID, fieldGeofenceEntered, from, to)
	if err != nil {
		return 0, fmt.Errorf("failed to pair %s durations: %w", fieldGeofenceEntered, err)
	}

	updated := 0
	for _, p := range pairs {
		dwell := p.CompletedAt.Sub(p.EnteredAt)
		if dwell <= 0 {
			continue
		}
		order, err := s.store.Orders().GetOrder(ctx, p.EntityID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return updated, err
		}
		order.TimeInsideGeofence = &dwell
		if err := s.store.Orders().UpdateOrder(ctx, order); err != nil {
			return updated, err
		}
		updated++
	}
	return updated, nil
}
