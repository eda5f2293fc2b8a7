// Package feed exposes the event log over HTTP: the activity feed the
// manager dashboard polls.
package feed

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	v1 "github.com/relaylab/project-relay/internal/api/v1"
	"github.com/relaylab/project-relay/internal/core/entity"
	coreerrors "github.com/relaylab/project-relay/internal/core/errors"
	"github.com/relaylab/project-relay/internal/core/storage"
)

const maxPageSize = 500

// Handler handles event feed HTTP requests.
type Handler struct {
	store storage.Store
}

// NewHandler creates a new feed handler.
func NewHandler(store storage.Store) *Handler {
	return &Handler{store: store}
}

// Register mounts the feed routes on the router.
func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/v1/events", h.HandleList)
}

// HandleList handles GET /v1/events. Results are newest-first unless
// order=asc is given; asc paging uses after_id.
func (h *Handler) HandleList(c *gin.Context) {
	filter, ok := h.buildFilter(c)
	if !ok {
		return
	}

	events, err := h.store.Events().ListEvents(c.Request.Context(), filter)
	if err != nil {
		slog.Error("[Feed] Failed to list events", "tenant_id", filter.TenantID, "error", err)
		c.JSON(http.StatusInternalServerError, coreerrors.ErrorResponse{
			ErrorType: coreerrors.HttpInternalError,
			Message:   "Failed to list events",
		})
		return
	}
	if events == nil {
		events = []*v1.Event{}
	}

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

func (h *Handler) buildFilter(c *gin.Context) (storage.EventFilter, bool) {
	fail := func(message string) (storage.EventFilter, bool) {
		c.JSON(http.StatusBadRequest, coreerrors.ErrorResponse{
			ErrorType: coreerrors.HttpInvalidFilterError,
			Message:   message,
		})
		return storage.EventFilter{}, false
	}

	tenantHeader := c.GetHeader("X-Tenant-ID")
	if tenantHeader == "" {
		c.JSON(http.StatusBadRequest, coreerrors.ErrorResponse{
			ErrorType: coreerrors.HttpMissingTenantError,
			Message:   "X-Tenant-ID header is required",
		})
		return storage.EventFilter{}, false
	}
	tenantID, err := strconv.ParseInt(tenantHeader, 10, 64)
	if err != nil || tenantID <= 0 {
		return fail("X-Tenant-ID must be a positive integer")
	}

	filter := storage.EventFilter{
		TenantID:   tenantID,
		Descending: c.DefaultQuery("order", "desc") != "asc",
	}

	if kind := c.Query("entity_kind"); kind != "" {
		if !entity.Kind(kind).Known() {
			return fail("unknown entity_kind " + strconv.Quote(kind))
		}
		filter.EntityKind = entity.Kind(kind)
	}
	if raw := c.Query("entity_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return fail("entity_id must be a positive integer")
		}
		filter.EntityID = id
	}
	if raw := c.Query("kinds"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			n, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil || !v1.Kind(n).Valid() {
				return fail("kinds must be a comma-separated list of event kinds")
			}
			filter.Kinds = append(filter.Kinds, v1.Kind(n))
		}
	}
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return fail("since must be an RFC 3339 timestamp")
		}
		filter.Since = t
	}
	if raw := c.Query("until"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return fail("until must be an RFC 3339 timestamp")
		}
		filter.Until = t
	}
	if raw := c.Query("after_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id < 0 {
			return fail("after_id must be a non-negative integer")
		}
		filter.AfterID = id
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxPageSize {
			return fail("limit must be between 1 and " + strconv.Itoa(maxPageSize))
		}
		filter.Limit = n
	}

	return filter, true
}
