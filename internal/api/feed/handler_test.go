package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	v1 "github.com/relaylab/project-relay/internal/api/v1"
	"github.com/relaylab/project-relay/internal/core/entity"
	"github.com/relaylab/project-relay/internal/core/storage/memory"
)

func newFeedRouter(t *testing.T) (*gin.Engine, *memory.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := memory.NewStore()
	r := gin.New()
	NewHandler(store).Register(r)
	return r, store
}

func seedEvents(t *testing.T, store *memory.Store, tenantID int64, n int) {
	t.Helper()
	base := time.Date(2026, 2, 8, 9, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		ev := &v1.Event{
			TenantID:   tenantID,
			Kind:       v1.KindChanged,
			Origin:     v1.OriginHuman,
			Field:      "status",
			NewValue:   entity.StatusAssigned,
			EntityKind: entity.KindOrder,
			EntityID:   int64(100 + i),
			HappenedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, store.Events().SaveEvent(context.Background(), ev))
	}
}

func listEvents(t *testing.T, r *gin.Engine, tenant, query string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/v1/events"+query, nil)
	if tenant != "" {
		req.Header.Set("X-Tenant-ID", tenant)
	}
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	return resp.Code, body
}

func eventIDs(t *testing.T, body map[string]any) []float64 {
	t.Helper()
	raw, ok := body["events"].([]any)
	require.True(t, ok)
	ids := make([]float64, len(raw))
	for i, e := range raw {
		ids[i] = e.(map[string]any)["id"].(float64)
	}
	return ids
}

func TestHandleList_NewestFirstByDefault(t *testing.T) {
	r, store := newFeedRouter(t)
	seedEvents(t, store, 1, 3)

	code, body := listEvents(t, r, "1", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, float64(3), body["count"])
	require.Equal(t, []float64{3, 2, 1}, eventIDs(t, body))
}

func TestHandleList_AscendingWithAfterID(t *testing.T) {
	r, store := newFeedRouter(t)
	seedEvents(t, store, 1, 4)

	code, body := listEvents(t, r, "1", "?order=asc&after_id=2")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, []float64{3, 4}, eventIDs(t, body))
}

func TestHandleList_FiltersByKindAndEntity(t *testing.T) {
	r, store := newFeedRouter(t)
	seedEvents(t, store, 1, 2)
	require.NoError(t, store.Events().SaveEvent(context.Background(), &v1.Event{
		TenantID:   1,
		Kind:       v1.KindCreated,
		Origin:     v1.OriginHuman,
		EntityKind: entity.KindMember,
		EntityID:   9,
	}))

	code, body := listEvents(t, r, "1", "?entity_kind=member&kinds=0")
	require.Equal(t, http.StatusOK, code)
	ids := eventIDs(t, body)
	require.Len(t, ids, 1)
	require.Equal(t, float64(3), ids[0])
}

func TestHandleList_TenantIsolation(t *testing.T) {
	r, store := newFeedRouter(t)
	seedEvents(t, store, 1, 2)
	seedEvents(t, store, 2, 1)

	code, body := listEvents(t, r, "2", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, float64(1), body["count"])
}

func TestHandleList_RequiresTenantHeader(t *testing.T) {
	r, _ := newFeedRouter(t)

	code, body := listEvents(t, r, "", "")
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "missing_tenant", body["error_type"])
}

func TestHandleList_RejectsBadFilters(t *testing.T) {
	r, _ := newFeedRouter(t)

	for _, query := range []string{
		"?entity_kind=starship",
		"?kinds=9",
		"?since=yesterday",
		"?limit=0",
		"?limit=9999",
	} {
		code, body := listEvents(t, r, "1", query)
		require.Equal(t, http.StatusBadRequest, code, "query %s", query)
		require.Equal(t, "invalid_filter", body["error_type"], "query %s", query)
	}
}

func TestHandleList_EmptyFeedReturnsEmptyArray(t *testing.T) {
	r, _ := newFeedRouter(t)

	code, body := listEvents(t, r, "7", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, float64(0), body["count"])
	raw, ok := body["events"].([]any)
	require.True(t, ok)
	require.Empty(t, raw)
}
