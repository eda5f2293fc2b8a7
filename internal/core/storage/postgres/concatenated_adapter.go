package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/relaylab/project-relay/internal/core/entity"
	"github.com/relaylab/project-relay/internal/core/storage"
)

type concatenatedAdapter struct {
	q querier
}

func (a *concatenatedAdapter) GetConcatenatedOrder(ctx context.Context, id int64) (*entity.ConcatenatedOrder, error) {
	return scanConcatenatedOrder(a.q.QueryRowContext(ctx, queryGetConcatenatedOrder, id))
}

func (a *concatenatedAdapter) GetConcatenatedOrderByKey(ctx context.Context, key entity.GroupKey) (*entity.ConcatenatedOrder, error) {
	row := a.q.QueryRowContext(ctx, queryGetConcatenatedOrderByKey,
		key.MerchantID,
		key.Status,
		int64PtrNull(key.DriverID),
		int64PtrNull(key.CustomerID),
		key.DeliverAddress,
		key.DeliverDay,
	)
	return scanConcatenatedOrder(row)
}

func (a *concatenatedAdapter) SaveConcatenatedOrder(ctx context.Context, co *entity.ConcatenatedOrder) error {
	err := a.q.QueryRowContext(ctx, querySaveConcatenatedOrder,
		co.MerchantID,
		int64PtrNull(co.DriverID),
		int64PtrNull(co.CustomerID),
		co.DeliverAddress,
		co.DeliverDay,
		co.Status,
		co.Deleted,
		pq.Array(co.OrderIDs),
		co.UpdatedAt,
	).Scan(&co.ID)
	if err != nil {
		return fmt.Errorf("failed to save concatenated order: %w", err)
	}
	return nil
}

func (a *concatenatedAdapter) UpdateConcatenatedOrder(ctx context.Context, co *entity.ConcatenatedOrder) error {
	res, err := a.q.ExecContext(ctx, queryUpdateConcatenatedOrder,
		co.ID,
		int64PtrNull(co.DriverID),
		int64PtrNull(co.CustomerID),
		co.DeliverAddress,
		co.DeliverDay,
		co.Status,
		co.Deleted,
		pq.Array(co.OrderIDs),
		co.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update concatenated order: %w", err)
	}
	return requireRowAffected(res, "concatenated order")
}

func scanConcatenatedOrder(row scanner) (*entity.ConcatenatedOrder, error) {
	var (
		co         entity.ConcatenatedOrder
		driverID   sql.NullInt64
		customerID sql.NullInt64
		orderIDs   pq.Int64Array
	)

	err := row.Scan(
		&co.ID,
		&co.MerchantID,
		&driverID,
		&customerID,
		&co.DeliverAddress,
		&co.DeliverDay,
		&co.Status,
		&co.Deleted,
		&orderIDs,
		&co.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan concatenated order row: %w", err)
	}

	co.DriverID = nullInt64Ptr(driverID)
	co.CustomerID = nullInt64Ptr(customerID)
	co.OrderIDs = []int64(orderIDs)
	return &co, nil
}
