package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/relaylab/project-relay/internal/api/v1"
	"github.com/relaylab/project-relay/internal/core/entity"
	"github.com/relaylab/project-relay/internal/core/storage/memory"
)

type receiver struct {
	mu     sync.Mutex
	bodies []map[string]any
	status int
}

func newReceiver(status int) (*receiver, *httptest.Server) {
	r := &receiver{status: status}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(req.Body).Decode(&body)
		r.mu.Lock()
		r.bodies = append(r.bodies, body)
		r.mu.Unlock()
		w.WriteHeader(r.status)
	}))
	return r, srv
}

func (r *receiver) received() []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]map[string]any(nil), r.bodies...)
}

func seedMerchant(store *memory.Store, urls []string, failedTimes int, abandoned bool) {
	store.SeedMerchant(&entity.Merchant{
		ID:                 1,
		Name:               "Acme Deliveries",
		WebhookURLs:        urls,
		WebhookToken:       "shared-secret",
		WebhookFailedTimes: failedTimes,
		WebhookAbandoned:   abandoned,
		Timezone:           "UTC",
	})
}

func statusChangedEvent(orderID int64) *v1.Event {
	return &v1.Event{
		ID:         7,
		TenantID:   1,
		Kind:       v1.KindModelChanged,
		Origin:     v1.OriginHuman,
		EntityKind: entity.KindOrder,
		EntityID:   orderID,
		HappenedAt: time.Date(2026, 2, 8, 9, 0, 0, 0, time.UTC),
		ObjectDump: map[string]any{
			"old_values": map[string]any{"status": entity.StatusInProgress},
			"new_values": map[string]any{"status": entity.StatusDelivered},
		},
	}
}

func TestHandle_DeliversStatusChange(t *testing.T) {
	recv, srv := newReceiver(http.StatusOK)
	defer srv.Close()

	store := memory.NewStore()
	seedMerchant(store, []string{srv.URL}, 0, false)
	store.SeedOrder(&entity.Order{
		ID: 10, ExternalID: "ext-10", MerchantID: 1,
		Title: "Flowers", Status: entity.StatusDelivered,
		DeliverAddress: "12 Rose St",
	})

	sub := NewSubscriber(store, srv.Client(), 0)
	require.NoError(t, sub.Handle(context.Background(), statusChangedEvent(10)))

	bodies := recv.received()
	require.Len(t, bodies, 1)
	body := bodies[0]
	assert.Equal(t, "shared-secret", body["token"])
	assert.Equal(t, TopicJobStatusChanged, body["topic"])
	assert.Equal(t, "2026-02-08T09:00:00Z", body["updated_at"])
	assert.Equal(t, map[string]any{"status": "delivered"}, body["new_values"])

	info, ok := body["job_info"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ext-10", info["id"])
	assert.Equal(t, "Flowers", info["title"])

	logged, err := store.WebhookEvents().ListWebhookEvents(context.Background(), 1, 10)
	require.NoError(t, err)
	require.Len(t, logged, 1)
	assert.True(t, logged[0].Success)
	assert.Equal(t, http.StatusOK, logged[0].StatusCode)
	assert.Equal(t, int64(7), logged[0].EventID)
}

func TestHandle_FailureIncrementsCounter(t *testing.T) {
	_, srv := newReceiver(http.StatusInternalServerError)
	defer srv.Close()

	store := memory.NewStore()
	seedMerchant(store, []string{srv.URL}, 0, false)
	store.SeedOrder(&entity.Order{ID: 10, MerchantID: 1, Status: entity.StatusDelivered})

	sub := NewSubscriber(store, srv.Client(), 5)
	require.NoError(t, sub.Handle(context.Background(), statusChangedEvent(10)))

	m, err := store.Merchants().GetMerchant(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, m.WebhookFailedTimes)
	assert.False(t, m.WebhookAbandoned)

	logged, err := store.WebhookEvents().ListWebhookEvents(context.Background(), 1, 10)
	require.NoError(t, err)
	require.Len(t, logged, 1)
	assert.False(t, logged[0].Success)
}

func TestHandle_ThresholdFlipsAbandoned(t *testing.T) {
	_, srv := newReceiver(http.StatusBadGateway)
	defer srv.Close()

	store := memory.NewStore()
	seedMerchant(store, []string{srv.URL}, 4, false)
	store.SeedOrder(&entity.Order{ID: 10, MerchantID: 1, Status: entity.StatusDelivered})

	sub := NewSubscriber(store, srv.Client(), 5)
	require.NoError(t, sub.Handle(context.Background(), statusChangedEvent(10)))

	m, err := store.Merchants().GetMerchant(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 5, m.WebhookFailedTimes)
	assert.True(t, m.WebhookAbandoned)
}

func TestHandle_SuccessResetsCounter(t *testing.T) {
	_, srv := newReceiver(http.StatusOK)
	defer srv.Close()

	store := memory.NewStore()
	seedMerchant(store, []string{srv.URL}, 3, false)
	store.SeedOrder(&entity.Order{ID: 10, MerchantID: 1, Status: entity.StatusDelivered})

	sub := NewSubscriber(store, srv.Client(), 5)
	require.NoError(t, sub.Handle(context.Background(), statusChangedEvent(10)))

	m, err := store.Merchants().GetMerchant(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 0, m.WebhookFailedTimes)
	assert.False(t, m.WebhookAbandoned)
}

func TestHandle_AbandonedMerchantSkipped(t *testing.T) {
	recv, srv := newReceiver(http.StatusOK)
	defer srv.Close()

	store := memory.NewStore()
	seedMerchant(store, []string{srv.URL}, 10, true)
	store.SeedOrder(&entity.Order{ID: 10, MerchantID: 1, Status: entity.StatusDelivered})

	sub := NewSubscriber(store, srv.Client(), 5)
	require.NoError(t, sub.Handle(context.Background(), statusChangedEvent(10)))
	assert.Empty(t, recv.received())
}

func TestHandle_UnexportedEventSkipped(t *testing.T) {
	recv, srv := newReceiver(http.StatusOK)
	defer srv.Close()

	store := memory.NewStore()
	seedMerchant(store, []string{srv.URL}, 0, false)

	ev := &v1.Event{
		ID: 7, TenantID: 1,
		Kind: v1.KindModelChanged, Origin: v1.OriginHuman,
		EntityKind: entity.KindMember, EntityID: 9,
		HappenedAt: time.Now().UTC(),
	}
	sub := NewSubscriber(store, srv.Client(), 5)
	require.NoError(t, sub.Handle(context.Background(), ev))
	assert.Empty(t, recv.received())
}

func TestHandle_DeletedOrderUsesDumpSnapshot(t *testing.T) {
	recv, srv := newReceiver(http.StatusOK)
	defer srv.Close()

	store := memory.NewStore()
	seedMerchant(store, []string{srv.URL}, 0, false)

	ev := &v1.Event{
		ID: 7, TenantID: 1,
		Kind: v1.KindDeleted, Origin: v1.OriginHuman,
		EntityKind: entity.KindOrder, EntityID: 10,
		HappenedAt: time.Now().UTC(),
		ObjectDump: map[string]any{
			"content_type": "order",
			"str_repr":     "Flowers",
			"status":       entity.StatusAssigned,
		},
	}
	sub := NewSubscriber(store, srv.Client(), 5)
	require.NoError(t, sub.Handle(context.Background(), ev))

	bodies := recv.received()
	require.Len(t, bodies, 1)
	assert.Equal(t, TopicJobDeleted, bodies[0]["topic"])
	info, ok := bodies[0]["job_info"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Flowers", info["str_repr"])
}

func TestHandle_MultipleURLsAllLogged(t *testing.T) {
	ok1, srv1 := newReceiver(http.StatusOK)
	defer srv1.Close()
	_, srv2 := newReceiver(http.StatusNotFound)
	defer srv2.Close()

	store := memory.NewStore()
	seedMerchant(store, []string{srv1.URL, srv2.URL}, 0, false)
	store.SeedOrder(&entity.Order{ID: 10, MerchantID: 1, Status: entity.StatusDelivered})

	sub := NewSubscriber(store, nil, 5)
	require.NoError(t, sub.Handle(context.Background(), statusChangedEvent(10)))

	require.Len(t, ok1.received(), 1)
	logged, err := store.WebhookEvents().ListWebhookEvents(context.Background(), 1, 10)
	require.NoError(t, err)
	require.Len(t, logged, 2)

	// One URL failed, so the round counts as a failure.
	m, err := store.Merchants().GetMerchant(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, m.WebhookFailedTimes)
}
