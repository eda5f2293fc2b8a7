package geofence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/relaylab/project-relay/internal/api/v1"
	"github.com/relaylab/project-relay/internal/core/entity"
	"github.com/relaylab/project-relay/internal/core/storage/memory"
)

var baseTime = time.Date(2026, 2, 8, 9, 0, 0, 0, time.UTC)

func seedOrder(store *memory.Store, id int64) {
	store.SeedOrder(&entity.Order{
		ID:         id,
		MerchantID: 1,
		Title:      "Flowers",
		Status:     entity.StatusInProgress,
	})
}

func saveFieldEvent(t *testing.T, store *memory.Store, orderID int64, field, newValue string, happenedAt time.Time) *v1.Event {
	t.Helper()

	ev := &v1.Event{
		TenantID:   1,
		Kind:       v1.KindChanged,
		Origin:     v1.OriginHuman,
		Field:      field,
		NewValue:   newValue,
		EntityKind: entity.KindOrder,
		EntityID:   orderID,
		HappenedAt: happenedAt,
	}
	require.NoError(t, store.Events().SaveEvent(context.Background(), ev))
	return ev
}

func TestHandle_RecordsTimeInsideGeofence(t *testing.T) {
	store := memory.NewStore()
	seedOrder(store, 10)
	saveFieldEvent(t, store, 10, "geofence_entered", "true", baseTime)
	delivered := saveFieldEvent(t, store, 10, "status", entity.StatusDelivered, baseTime.Add(12*time.Minute))

	sub := NewSubscriber(store)
	require.NoError(t, sub.Handle(context.Background(), delivered))

	o, err := store.Orders().GetOrder(context.Background(), 10)
	require.NoError(t, err)
	require.NotNil(t, o.TimeInsideGeofence)
	assert.Equal(t, 12*time.Minute, *o.TimeInsideGeofence)
	assert.Nil(t, o.TimeAtJob)
}

func TestHandle_RecordsTimeAtJobOnPickup(t *testing.T) {
	store := memory.NewStore()
	seedOrder(store, 10)
	saveFieldEvent(t, store, 10, "pickup_geofence_entered", "true", baseTime)
	pickedUp := saveFieldEvent(t, store, 10, "status", entity.StatusPickUp, baseTime.Add(3*time.Minute))

	sub := NewSubscriber(store)
	require.NoError(t, sub.Handle(context.Background(), pickedUp))

	o, err := store.Orders().GetOrder(context.Background(), 10)
	require.NoError(t, err)
	require.NotNil(t, o.TimeAtJob)
	assert.Equal(t, 3*time.Minute, *o.TimeAtJob)
	assert.Nil(t, o.TimeInsideGeofence)
}

func TestHandle_NoBoundaryEventIsNoOp(t *testing.T) {
	store := memory.NewStore()
	seedOrder(store, 10)
	delivered := saveFieldEvent(t, store, 10, "status", entity.StatusDelivered, baseTime)

	sub := NewSubscriber(store)
	require.NoError(t, sub.Handle(context.Background(), delivered))

	o, err := store.Orders().GetOrder(context.Background(), 10)
	require.NoError(t, err)
	assert.Nil(t, o.TimeInsideGeofence)
}

func TestHandle_ExitedBoundaryIsNoOp(t *testing.T) {
	store := memory.NewStore()
	seedOrder(store, 10)
	saveFieldEvent(t, store, 10, "geofence_entered", "true", baseTime)
	saveFieldEvent(t, store, 10, "geofence_entered", "false", baseTime.Add(time.Minute))
	delivered := saveFieldEvent(t, store, 10, "status", entity.StatusDelivered, baseTime.Add(12*time.Minute))

	sub := NewSubscriber(store)
	require.NoError(t, sub.Handle(context.Background(), delivered))

	o, err := store.Orders().GetOrder(context.Background(), 10)
	require.NoError(t, err)
	assert.Nil(t, o.TimeInsideGeofence)
}

func TestHandle_IgnoresUnrelatedEvents(t *testing.T) {
	store := memory.NewStore()
	seedOrder(store, 10)
	titleChange := saveFieldEvent(t, store, 10, "title", "Chocolates", baseTime)

	sub := NewSubscriber(store)
	require.NoError(t, sub.Handle(context.Background(), titleChange))

	o, err := store.Orders().GetOrder(context.Background(), 10)
	require.NoError(t, err)
	assert.Nil(t, o.TimeInsideGeofence)
	assert.Nil(t, o.TimeAtJob)
}

func TestBackfill_RecomputesFromEventLog(t *testing.T) {
	store := memory.NewStore()
	seedOrder(store, 10)
	seedOrder(store, 11)
	saveFieldEvent(t, store, 10, "geofence_entered", "true", baseTime)
	saveFieldEvent(t, store, 10, "status", entity.StatusDelivered, baseTime.Add(8*time.Minute))
	// Order 11 was delivered without ever crossing the geofence.
	saveFieldEvent(t, store, 11, "status", entity.StatusDelivered, baseTime.Add(time.Hour))

	sub := NewSubscriber(store)
	updated, err := sub.Backfill(context.Background(), 1, baseTime.Add(-time.Hour), baseTime.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, updated)

	o, err := store.Orders().GetOrder(context.Background(), 10)
	require.NoError(t, err)
	require.NotNil(t, o.TimeInsideGeofence)
	assert.Equal(t, 8*time.Minute, *o.TimeInsideGeofence)
}
