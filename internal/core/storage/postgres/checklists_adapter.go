package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/relaylab/project-relay/internal/core/entity"
	"github.com/relaylab/project-relay/internal/core/storage"
)

type checklistAdapter struct {
	q querier

	// db is the root pool. Advisory locks are session-scoped, so they run
	// on a dedicated connection instead of the (possibly tx-bound) querier.
	db *sql.DB
}

func (a *checklistAdapter) GetResultChecklist(ctx context.Context, id int64) (*entity.ResultChecklist, error) {
	return scanResultChecklist(a.q.QueryRowContext(ctx, queryGetResultChecklist, id))
}

func (a *checklistAdapter) FindDailyResult(ctx context.Context, driverID int64, checklistType string, day time.Time) (*entity.ResultChecklist, error) {
	row := a.q.QueryRowContext(ctx, queryFindDailyResult, driverID, checklistType, day)
	return scanResultChecklist(row)
}

func (a *checklistAdapter) SaveResultChecklist(ctx context.Context, rc *entity.ResultChecklist) error {
	err := a.q.QueryRowContext(ctx, querySaveResultChecklist,
		rc.ChecklistID,
		rc.MerchantID,
		int64PtrNull(rc.DriverID),
		int64PtrNull(rc.OrderID),
		rc.Day,
		rc.ChecklistType,
		rc.IsPassed,
		rc.UpdatedAt,
	).Scan(&rc.ID)
	if err != nil {
		return fmt.Errorf("failed to save result checklist: %w", err)
	}
	return nil
}

// TryAdvisoryLock takes pg_try_advisory_lock(key) on a dedicated connection.
// The unlock function releases the lock and returns the connection to the
// pool; callers must invoke it exactly once when locked.
func (a *checklistAdapter) TryAdvisoryLock(ctx context.Context, key int64) (bool, func() error, error) {
	conn, err := a.db.Conn(ctx)
	if err != nil {
		return false, nil, fmt.Errorf("failed to acquire connection for advisory lock: %w", err)
	}

	var locked bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&locked); err != nil {
		conn.Close()
		return false, nil, fmt.Errorf("failed to take advisory lock: %w", err)
	}
	if !locked {
		conn.Close()
		return false, nil, nil
	}

	unlock := func() error {
		defer conn.Close()
		var released bool
		if err := conn.QueryRowContext(context.Background(), "SELECT pg_advisory_unlock($1)", key).Scan(&released); err != nil {
			return fmt.Errorf("failed to release advisory lock: %w", err)
		}
		if !released {
			return fmt.Errorf("advisory lock %d was not held", key)
		}
		return nil
	}
	return true, unlock, nil
}

func scanResultChecklist(row scanner) (*entity.ResultChecklist, error) {
	var (
		rc       entity.ResultChecklist
		driverID sql.NullInt64
		orderID  sql.NullInt64
	)

	err := row.Scan(
		&rc.ID,
		&rc.ChecklistID,
		&rc.MerchantID,
		&driverID,
		&orderID,
		&rc.Day,
		&rc.ChecklistType,
		&rc.IsPassed,
		&rc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan result checklist row: %w", err)
	}

	rc.DriverID = nullInt64Ptr(driverID)
	rc.OrderID = nullInt64Ptr(orderID)
	return &rc, nil
}
