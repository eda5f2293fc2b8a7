package tracking

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/relaylab/project-relay/internal/api/v1"
	"github.com/relaylab/project-relay/internal/core/entity"
	"github.com/relaylab/project-relay/internal/core/storage"
	"github.com/relaylab/project-relay/internal/core/storage/memory"
	"github.com/relaylab/project-relay/internal/queue"
)

type capturedJobs struct {
	jobs []queue.Job
}

func (c *capturedJobs) queue() queue.Queue {
	return queue.NewInline(func(_ context.Context, job queue.Job) error {
		c.jobs = append(c.jobs, job)
		return nil
	})
}

func newTestTracker(t *testing.T) (*Tracker, *memory.Store, *capturedJobs) {
	t.Helper()

	store := memory.NewStore()
	rules, err := NewStaticRuleRepository(DefaultRules()...)
	require.NoError(t, err)

	captured := &capturedJobs{}
	tracker := NewTracker(store, rules, captured.queue())
	return tracker, store, captured
}

func testOrder() *entity.Order {
	driver := int64(9)
	return &entity.Order{
		ID:            42,
		ExternalID:    "b3a9c7de-0001-4000-8000-000000000042",
		MerchantID:    1,
		DriverID:      &driver,
		Title:         "Flowers",
		DeliverBefore: time.Date(2026, 2, 8, 18, 0, 0, 0, time.UTC),
		Status:        entity.StatusAssigned,
		Cost:          decimal.RequireFromString("19.90"),
	}
}

func TestScope_ChangeEmitsModelAndFieldEvents(t *testing.T) {
	tracker, store, captured := newTestTracker(t)
	order := testOrder()

	err := tracker.Track(context.Background(), []Option{WithInitiator(9)},
		func(ctx context.Context, tx storage.Tx, sc *Scope) error {
			sc.Watch(order)
			order.Status = entity.StatusPickUp
			order.Title = "Flowers and card"
			return nil
		})
	require.NoError(t, err)

	require.Len(t, captured.jobs, 1)
	events, err := store.Events().GetEventsByIDs(context.Background(), captured.jobs[0].EventIDs)
	require.NoError(t, err)

	// One MODEL_CHANGED for the entity plus one CHANGED for status; title
	// has no per-field event configured.
	require.Len(t, events, 2)

	model := events[0]
	assert.Equal(t, v1.KindModelChanged, model.Kind)
	assert.Equal(t, int64(1), model.TenantID)
	assert.Equal(t, entity.KindOrder, model.EntityKind)
	assert.Equal(t, "assigned", model.OldValues()["status"])
	assert.Equal(t, "pickup", model.NewValues()["status"])
	assert.Equal(t, "Flowers", model.OldValues()["title"])
	require.NotNil(t, model.InitiatorID)
	assert.Equal(t, int64(9), *model.InitiatorID)

	field := events[1]
	assert.Equal(t, v1.KindChanged, field.Kind)
	assert.Equal(t, "status", field.Field)
	assert.Equal(t, "pickup", field.NewValue)
}

func TestScope_NoOpEmitsNothing(t *testing.T) {
	tracker, store, captured := newTestTracker(t)
	order := testOrder()

	err := tracker.Track(context.Background(), nil,
		func(ctx context.Context, tx storage.Tx, sc *Scope) error {
			sc.Watch(order)
			// Touch a field and put it back.
			order.Status = entity.StatusPickUp
			order.Status = entity.StatusAssigned
			return nil
		})
	require.NoError(t, err)

	assert.Empty(t, captured.jobs)
	events, err := store.Events().ListEvents(context.Background(), storage.EventFilter{TenantID: 1})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestScope_FoldedChangesEmitNothing(t *testing.T) {
	tracker, _, captured := newTestTracker(t)
	order := testOrder()
	order.CompletionComment = ""

	err := tracker.Track(context.Background(), nil,
		func(ctx context.Context, tx storage.Tx, sc *Scope) error {
			sc.Watch(order)
			// Sub-second deadline drift and empty-vs-empty comment both
			// fold away under the order rule.
			order.DeliverBefore = order.DeliverBefore.Add(300 * time.Millisecond)
			return nil
		})
	require.NoError(t, err)
	assert.Empty(t, captured.jobs)
}

func TestScope_BatchIsOneJob(t *testing.T) {
	tracker, _, captured := newTestTracker(t)
	first := testOrder()
	second := testOrder()
	second.ID = 43
	second.ExternalID = "b3a9c7de-0001-4000-8000-000000000043"

	err := tracker.Track(context.Background(), nil,
		func(ctx context.Context, tx storage.Tx, sc *Scope) error {
			sc.Watch(first)
			sc.Watch(second)
			first.Status = entity.StatusPickUp
			second.Status = entity.StatusPickUp
			return nil
		})
	require.NoError(t, err)

	require.Len(t, captured.jobs, 1)
	// Two MODEL_CHANGED plus two status CHANGED events in one batch.
	assert.Len(t, captured.jobs[0].EventIDs, 4)
}

func TestScope_CreatedAndDeletedDumps(t *testing.T) {
	tracker, store, captured := newTestTracker(t)
	order := testOrder()

	err := tracker.Track(context.Background(), nil,
		func(ctx context.Context, tx storage.Tx, sc *Scope) error {
			sc.Created(order)
			return nil
		})
	require.NoError(t, err)

	require.Len(t, captured.jobs, 1)
	events, err := store.Events().GetEventsByIDs(context.Background(), captured.jobs[0].EventIDs)
	require.NoError(t, err)
	require.Len(t, events, 1)

	created := events[0]
	assert.Equal(t, v1.KindCreated, created.Kind)
	assert.Equal(t, "order", created.ObjectDump["content_type"])
	assert.Equal(t, "Flowers", created.ObjectDump["str_repr"])
	assert.Equal(t, "assigned", created.ObjectDump["status"])

	err = tracker.Track(context.Background(), nil,
		func(ctx context.Context, tx storage.Tx, sc *Scope) error {
			sc.Deleted(order)
			return nil
		})
	require.NoError(t, err)
	require.Len(t, captured.jobs, 2)

	events, err = store.Events().GetEventsByIDs(context.Background(), captured.jobs[1].EventIDs)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, v1.KindDeleted, events[0].Kind)
}

func TestScope_TenantFallbackToInitiator(t *testing.T) {
	tracker, store, captured := newTestTracker(t)
	store.SeedMember(&entity.Member{ID: 9, MerchantID: 5, Role: entity.RoleDriver, IsActive: true})

	order := testOrder()
	order.MerchantID = 0 // entity cannot name its tenant

	err := tracker.Track(context.Background(), []Option{WithInitiator(9)},
		func(ctx context.Context, tx storage.Tx, sc *Scope) error {
			sc.Watch(order)
			order.Status = entity.StatusPickUp
			return nil
		})
	require.NoError(t, err)

	require.Len(t, captured.jobs, 1)
	events, err := store.Events().GetEventsByIDs(context.Background(), captured.jobs[0].EventIDs)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, int64(5), events[0].TenantID)
}

func TestScope_UnresolvableTenantDropsSilently(t *testing.T) {
	tracker, store, captured := newTestTracker(t)

	order := testOrder()
	order.MerchantID = 0

	err := tracker.Track(context.Background(), nil,
		func(ctx context.Context, tx storage.Tx, sc *Scope) error {
			sc.Watch(order)
			order.Status = entity.StatusPickUp
			return nil
		})
	require.NoError(t, err)

	assert.Empty(t, captured.jobs)
	events, err := store.Events().ListEvents(context.Background(), storage.EventFilter{TenantID: 1})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestScope_BodyErrorRollsBackEverything(t *testing.T) {
	tracker, store, captured := newTestTracker(t)
	order := testOrder()
	boom := errors.New("boom")

	err := tracker.Track(context.Background(), nil,
		func(ctx context.Context, tx storage.Tx, sc *Scope) error {
			sc.Watch(order)
			order.Status = entity.StatusPickUp
			// Persist through an explicit End, then fail the transaction.
			if err := sc.End(ctx, tx); err != nil {
				return err
			}
			return boom
		})
	require.ErrorIs(t, err, boom)

	assert.Empty(t, captured.jobs)
	events, listErr := store.Events().ListEvents(context.Background(), storage.EventFilter{TenantID: 1})
	require.NoError(t, listErr)
	assert.Empty(t, events)
}

func TestScope_HappenedAtBackdating(t *testing.T) {
	tracker, store, captured := newTestTracker(t)
	past := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	order := testOrder()

	err := tracker.Track(context.Background(), []Option{WithHappenedAt(past)},
		func(ctx context.Context, tx storage.Tx, sc *Scope) error {
			sc.Watch(order)
			order.Status = entity.StatusPickUp
			return nil
		})
	require.NoError(t, err)

	require.Len(t, captured.jobs, 1)
	events, err := store.Events().GetEventsByIDs(context.Background(), captured.jobs[0].EventIDs)
	require.NoError(t, err)
	require.NotEmpty(t, events)

	for _, ev := range events {
		assert.True(t, ev.HappenedAt.Equal(past))
		assert.False(t, ev.IsOnline())
	}
}

func TestScope_OriginPropagates(t *testing.T) {
	tracker, store, captured := newTestTracker(t)
	order := testOrder()

	err := tracker.Track(context.Background(), []Option{WithOrigin(v1.OriginAutoProcessing)},
		func(ctx context.Context, tx storage.Tx, sc *Scope) error {
			sc.Watch(order)
			order.Status = entity.StatusPickUp
			return nil
		})
	require.NoError(t, err)

	events, err := store.Events().GetEventsByIDs(context.Background(), captured.jobs[0].EventIDs)
	require.NoError(t, err)
	for _, ev := range events {
		assert.Equal(t, v1.OriginAutoProcessing, ev.Origin)
	}
}

func TestScope_EndTwiceFails(t *testing.T) {
	tracker, store, _ := newTestTracker(t)

	err := store.InTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		sc := tracker.Begin()
		require.NoError(t, sc.End(ctx, tx))
		return sc.End(ctx, tx)
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ended twice")
}
