package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	v1 "github.com/relaylab/project-relay/internal/api/v1"
	"github.com/relaylab/project-relay/internal/core/entity"
)

// querier abstracts *sql.DB and *sql.Tx so every adapter can run either
// pooled or transaction-bound.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...any) error
}

// marshalDump marshals an event's object dump to JSON.
// Nil dump produces nil (SQL NULL) rather than the JSON "null" string.
func marshalDump(event *v1.Event) ([]byte, error) {
	if len(event.ObjectDump) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(event.ObjectDump)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal object dump: %w", err)
	}
	return raw, nil
}

// scanEventRow scans a database row into an Event struct.
// Compatible with both sql.Row (single) and sql.Rows (multiple).
func scanEventRow(row scanner) (*v1.Event, error) {
	var (
		evt         v1.Event
		initiatorID sql.NullInt64
		kind        int
		origin      string
		entityKind  string
		dumpJSON    []byte
	)

	err := row.Scan(
		&evt.ID,
		&evt.CreatedAt,
		&evt.HappenedAt,
		&initiatorID,
		&evt.TenantID,
		&kind,
		&origin,
		&evt.Field,
		&evt.NewValue,
		&dumpJSON,
		&entityKind,
		&evt.EntityID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan event row: %w", err)
	}

	evt.Kind = v1.Kind(kind)
	evt.Origin = v1.Origin(origin)
	evt.EntityKind = entity.Kind(entityKind)
	evt.InitiatorID = nullInt64Ptr(initiatorID)

	if len(dumpJSON) > 0 {
		if err := json.Unmarshal(dumpJSON, &evt.ObjectDump); err != nil {
			return nil, fmt.Errorf("failed to unmarshal object dump: %w", err)
		}
	}

	return &evt, nil
}

func nullInt64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func int64PtrNull(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func nullBoolPtr(v sql.NullBool) *bool {
	if !v.Valid {
		return nil
	}
	b := v.Bool
	return &b
}

func boolPtrNull(p *bool) sql.NullBool {
	if p == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *p, Valid: true}
}

func nullDurationPtr(v sql.NullInt64) *time.Duration {
	if !v.Valid {
		return nil
	}
	d := time.Duration(v.Int64)
	return &d
}

func durationPtrNull(p *time.Duration) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}
