package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	v1 "github.com/relaylab/project-relay/internal/api/v1"
	"github.com/relaylab/project-relay/internal/core/entity"
	"github.com/relaylab/project-relay/internal/core/storage"
)

// eventAdapter implements storage.EventStore. When bound to a transaction,
// the prepared save statement is rebound via Tx.StmtContext.
type eventAdapter struct {
	q        querier
	tx       *sql.Tx
	stmtSave *sql.Stmt
}

// SaveEvent appends an event row and populates ID. CreatedAt defaults to
// now and HappenedAt to CreatedAt when unset.
func (a *eventAdapter) SaveEvent(ctx context.Context, event *v1.Event) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid event: %w", err)
	}

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.HappenedAt.IsZero() {
		event.HappenedAt = event.CreatedAt
	}

	dumpJSON, err := marshalDump(event)
	if err != nil {
		return err
	}

	stmt := a.stmtSave
	if a.tx != nil {
		stmt = a.tx.StmtContext(ctx, stmt)
		defer stmt.Close()
	}

	err = stmt.QueryRowContext(ctx,
		event.CreatedAt,
		event.HappenedAt,
		int64PtrNull(event.InitiatorID),
		event.TenantID,
		int(event.Kind),
		string(event.Origin),
		event.Field,
		event.NewValue,
		dumpJSON,
		string(event.EntityKind),
		event.EntityID,
	).Scan(&event.ID)
	if err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}

	slog.Debug("[Postgres] Saved event",
		"event_id", event.ID,
		"tenant_id", event.TenantID,
		"kind", event.Kind.String(),
		"entity", event.EntityRef().String())
	return nil
}

// GetEventsByIDs fetches events in id order. Missing ids produce no row and
// no error.
func (a *eventAdapter) GetEventsByIDs(ctx context.Context, ids []int64) ([]*v1.Event, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := a.q.QueryContext(ctx, queryGetEventsByIDs, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to query events by ids: %w", err)
	}
	defer rows.Close()

	return collectEvents(rows)
}

// ListEvents serves the feed API. The WHERE clause is assembled from the
// filter because every component is optional except the tenant.
func (a *eventAdapter) ListEvents(ctx context.Context, f storage.EventFilter) ([]*v1.Event, error) {
	if f.TenantID == 0 {
		return nil, fmt.Errorf("event filter requires a tenant")
	}

	var (
		where strings.Builder
		args  []any
	)
	where.WriteString("tenant_id = $1")
	args = append(args, f.TenantID)

	add := func(clause string, value any) {
		args = append(args, value)
		where.WriteString(" AND " + clause + " $" + strconv.Itoa(len(args)))
	}

	if f.EntityKind != "" {
		add("entity_kind =", string(f.EntityKind))
	}
	if f.EntityID != 0 {
		add("entity_id =", f.EntityID)
	}
	if len(f.Kinds) > 0 {
		kinds := make([]int64, len(f.Kinds))
		for i, k := range f.Kinds {
			kinds[i] = int64(k)
		}
		add("kind = ANY", pq.Array(kinds))
	}
	if !f.Since.IsZero() {
		add("happened_at >=", f.Since)
	}
	if !f.Until.IsZero() {
		add("happened_at <", f.Until)
	}
	if f.AfterID > 0 {
		add("id >", f.AfterID)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	order := "ASC"
	if f.Descending {
		order = "DESC"
	}
	query := "SELECT" + eventColumns + "\nFROM events\nWHERE " + where.String() +
		"\nORDER BY id " + order + "\nLIMIT $" + strconv.Itoa(len(args))

	rows, err := a.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query event feed: %w", err)
	}
	defer rows.Close()

	return collectEvents(rows)
}

// LatestFieldChange returns the newest field-level change event for one
// field of one entity, or storage.ErrNotFound.
func (a *eventAdapter) LatestFieldChange(ctx context.Context, ref entity.Ref, field string) (*v1.Event, error) {
	row := a.q.QueryRowContext(ctx, queryLatestFieldChange, string(ref.Kind), ref.ID, field)
	evt, err := scanEventRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return evt, nil
}

// PairedDurations runs the DISTINCT ON pairing query for geofence dwell-time
// reporting.
func (a *eventAdapter) PairedDurations(ctx context.Context, tenantID int64, field string, from, to time.Time) ([]storage.DurationPair, error) {
	rows, err := a.q.QueryContext(ctx, queryPairedDurations,
		tenantID, field, from, to, entity.StatusDelivered)
	if err != nil {
		return nil, fmt.Errorf("failed to query paired durations: %w", err)
	}
	defer rows.Close()

	var out []storage.DurationPair
	for rows.Next() {
		var p storage.DurationPair
		if err := rows.Scan(&p.EntityID, &p.EnteredAt, &p.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan duration pair: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating duration pairs: %w", err)
	}
	return out, nil
}

func collectEvents(rows *sql.Rows) ([]*v1.Event, error) {
	var events []*v1.Event
	for rows.Next() {
		event, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}
