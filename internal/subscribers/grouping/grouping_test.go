package grouping

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/relaylab/project-relay/internal/api/v1"
	"github.com/relaylab/project-relay/internal/core/entity"
	"github.com/relaylab/project-relay/internal/core/storage"
	"github.com/relaylab/project-relay/internal/core/storage/memory"
	"github.com/relaylab/project-relay/internal/queue"
	"github.com/relaylab/project-relay/internal/tracking"
)

func newTestSubscriber(t *testing.T) (*Subscriber, *memory.Store, *[]queue.Job) {
	t.Helper()

	store := memory.NewStore()
	rules, err := tracking.NewStaticRuleRepository(tracking.DefaultRules()...)
	require.NoError(t, err)

	var jobs []queue.Job
	q := queue.NewInline(func(_ context.Context, job queue.Job) error {
		jobs = append(jobs, job)
		return nil
	})

	tracker := tracking.NewTracker(store, rules, q)
	return NewSubscriber(store, tracker), store, &jobs
}

func seedMerchant(store *memory.Store, grouping bool) {
	store.SeedMerchant(&entity.Merchant{
		ID:                       1,
		Name:                     "Acme Deliveries",
		EnableConcatenatedOrders: grouping,
		Timezone:                 "UTC",
	})
}

func seedGroupableOrder(store *memory.Store, id int64, driverID int64) *entity.Order {
	o := &entity.Order{
		ID:             id,
		MerchantID:     1,
		DriverID:       &driverID,
		DeliverAddress: "12 Rose St",
		DeliverBefore:  time.Date(2026, 2, 8, 18, 0, 0, 0, time.UTC),
		Status:         entity.StatusAssigned,
	}
	store.SeedOrder(o)
	return o
}

func orderEvent(orderID int64, kind v1.Kind) *v1.Event {
	return &v1.Event{
		ID:         1,
		TenantID:   1,
		Kind:       kind,
		Origin:     v1.OriginHuman,
		EntityKind: entity.KindOrder,
		EntityID:   orderID,
		HappenedAt: time.Date(2026, 2, 8, 9, 0, 0, 0, time.UTC),
		CreatedAt:  time.Date(2026, 2, 8, 9, 0, 0, 0, time.UTC),
	}
}

func TestHandle_GroupsMatchingOrders(t *testing.T) {
	sub, store, jobs := newTestSubscriber(t)
	seedMerchant(store, true)
	seedGroupableOrder(store, 10, 9)
	seedGroupableOrder(store, 11, 9)

	require.NoError(t, sub.Handle(context.Background(), orderEvent(11, v1.KindCreated)))

	ctx := context.Background()
	first, err := store.Orders().GetOrder(ctx, 10)
	require.NoError(t, err)
	second, err := store.Orders().GetOrder(ctx, 11)
	require.NoError(t, err)

	require.NotNil(t, first.ConcatenatedOrderID)
	require.NotNil(t, second.ConcatenatedOrderID)
	assert.Equal(t, *first.ConcatenatedOrderID, *second.ConcatenatedOrderID)

	co, err := store.ConcatenatedOrders().GetConcatenatedOrder(ctx, *first.ConcatenatedOrderID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{10, 11}, co.OrderIDs)
	assert.Equal(t, entity.StatusAssigned, co.Status)

	// The cascade published its own auto-processing batch.
	require.Len(t, *jobs, 1)
	events, err := store.Events().GetEventsByIDs(ctx, (*jobs)[0].EventIDs)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	for _, ev := range events {
		assert.Equal(t, v1.OriginAutoProcessing, ev.Origin)
	}
}

func TestHandle_SingleOrderFormsNoGroup(t *testing.T) {
	sub, store, jobs := newTestSubscriber(t)
	seedMerchant(store, true)
	seedGroupableOrder(store, 10, 9)

	require.NoError(t, sub.Handle(context.Background(), orderEvent(10, v1.KindCreated)))

	o, err := store.Orders().GetOrder(context.Background(), 10)
	require.NoError(t, err)
	assert.Nil(t, o.ConcatenatedOrderID)
	assert.Empty(t, *jobs)
}

func TestHandle_DisabledMerchantIsNoOp(t *testing.T) {
	sub, store, jobs := newTestSubscriber(t)
	seedMerchant(store, false)
	seedGroupableOrder(store, 10, 9)
	seedGroupableOrder(store, 11, 9)

	require.NoError(t, sub.Handle(context.Background(), orderEvent(11, v1.KindCreated)))

	o, err := store.Orders().GetOrder(context.Background(), 10)
	require.NoError(t, err)
	assert.Nil(t, o.ConcatenatedOrderID)
	assert.Empty(t, *jobs)
}

func TestHandle_AutoProcessingEventsSkipped(t *testing.T) {
	sub, store, jobs := newTestSubscriber(t)
	seedMerchant(store, true)
	seedGroupableOrder(store, 10, 9)
	seedGroupableOrder(store, 11, 9)

	ev := orderEvent(11, v1.KindCreated)
	ev.Origin = v1.OriginAutoProcessing
	require.NoError(t, sub.Handle(context.Background(), ev))

	o, err := store.Orders().GetOrder(context.Background(), 10)
	require.NoError(t, err)
	assert.Nil(t, o.ConcatenatedOrderID)
	assert.Empty(t, *jobs)
}

func TestHandle_LeavingGroupDissolvesPair(t *testing.T) {
	sub, store, _ := newTestSubscriber(t)
	seedMerchant(store, true)
	seedGroupableOrder(store, 10, 9)
	seedGroupableOrder(store, 11, 9)
	ctx := context.Background()

	require.NoError(t, sub.Handle(ctx, orderEvent(11, v1.KindCreated)))

	// Driver picks up order 11: it leaves the groupable statuses.
	moved, err := store.Orders().GetOrder(ctx, 11)
	require.NoError(t, err)
	coID := *moved.ConcatenatedOrderID
	moved.Status = entity.StatusPickUp
	require.NoError(t, store.Orders().UpdateOrder(ctx, moved))

	require.NoError(t, sub.Handle(ctx, orderEvent(11, v1.KindModelChanged)))

	left, err := store.Orders().GetOrder(ctx, 11)
	require.NoError(t, err)
	assert.Nil(t, left.ConcatenatedOrderID)

	// The pair dissolved: the survivor is released too.
	survivor, err := store.Orders().GetOrder(ctx, 10)
	require.NoError(t, err)
	assert.Nil(t, survivor.ConcatenatedOrderID)

	co, err := store.ConcatenatedOrders().GetConcatenatedOrder(ctx, coID)
	require.NoError(t, err)
	assert.True(t, co.Deleted)
	assert.Empty(t, co.OrderIDs)
}

func TestHandle_DeactivatedDriverReleasesOrders(t *testing.T) {
	sub, store, jobs := newTestSubscriber(t)
	seedMerchant(store, true)
	store.SeedMember(&entity.Member{
		ID: 9, MerchantID: 1, Role: entity.RoleDriver,
		IsActive: false, WorkStatus: entity.WorkStatusWorking,
	})
	seedGroupableOrder(store, 10, 9)
	ctx := context.Background()

	ev := &v1.Event{
		ID:         1,
		TenantID:   1,
		Kind:       v1.KindModelChanged,
		Origin:     v1.OriginHuman,
		EntityKind: entity.KindMember,
		EntityID:   9,
		HappenedAt: time.Now().UTC(),
		ObjectDump: map[string]any{
			"old_values": map[string]any{"is_active": true},
			"new_values": map[string]any{"is_active": false},
		},
	}
	require.NoError(t, sub.Handle(ctx, ev))

	o, err := store.Orders().GetOrder(ctx, 10)
	require.NoError(t, err)
	assert.Nil(t, o.DriverID)
	assert.Equal(t, entity.StatusNotAssigned, o.Status)

	m, err := store.Members().GetMember(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, entity.WorkStatusNotWorking, m.WorkStatus)
	require.Len(t, *jobs, 1)
}

func TestHandle_MissingOrderIsNoOp(t *testing.T) {
	sub, store, jobs := newTestSubscriber(t)
	seedMerchant(store, true)

	require.NoError(t, sub.Handle(context.Background(), orderEvent(404, v1.KindCreated)))
	assert.Empty(t, *jobs)

	_, err := store.Orders().GetOrder(context.Background(), 404)
	require.ErrorIs(t, err, storage.ErrNotFound)
}
