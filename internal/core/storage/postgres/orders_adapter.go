package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/relaylab/project-relay/internal/core/entity"
	"github.com/relaylab/project-relay/internal/core/storage"
)

type orderAdapter struct {
	q querier
}

func (a *orderAdapter) GetOrder(ctx context.Context, id int64) (*entity.Order, error) {
	return scanOrder(a.q.QueryRowContext(ctx, queryGetOrder, id))
}

func (a *orderAdapter) GetOrderByExternalID(ctx context.Context, externalID string) (*entity.Order, error) {
	return scanOrder(a.q.QueryRowContext(ctx, queryGetOrderByExternalID, externalID))
}

func (a *orderAdapter) SaveOrder(ctx context.Context, order *entity.Order) error {
	err := a.q.QueryRowContext(ctx, querySaveOrder,
		order.ExternalID,
		order.MerchantID,
		int64PtrNull(order.DriverID),
		int64PtrNull(order.ManagerID),
		int64PtrNull(order.CustomerID),
		order.Title,
		order.DeliverAddress,
		order.DeliverBefore,
		order.Status,
		order.Cost.String(),
		order.Deleted,
		int64PtrNull(order.ConcatenatedOrderID),
		boolPtrNull(order.GeofenceEntered),
		boolPtrNull(order.PickupGeofenceEntered),
		order.IsCompletedByGeofence,
		order.IsConfirmedByCustomer,
		order.CompletionComment,
		durationPtrNull(order.TimeInsideGeofence),
		durationPtrNull(order.TimeAtJob),
		order.UpdatedAt,
	).Scan(&order.ID)
	if err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

func (a *orderAdapter) UpdateOrder(ctx context.Context, order *entity.Order) error {
	res, err := a.q.ExecContext(ctx, queryUpdateOrder,
		order.ID,
		int64PtrNull(order.DriverID),
		int64PtrNull(order.ManagerID),
		int64PtrNull(order.CustomerID),
		order.Title,
		order.DeliverAddress,
		order.DeliverBefore,
		order.Status,
		order.Cost.String(),
		order.Deleted,
		int64PtrNull(order.ConcatenatedOrderID),
		boolPtrNull(order.GeofenceEntered),
		boolPtrNull(order.PickupGeofenceEntered),
		order.IsCompletedByGeofence,
		order.IsConfirmedByCustomer,
		order.CompletionComment,
		durationPtrNull(order.TimeInsideGeofence),
		durationPtrNull(order.TimeAtJob),
		order.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	return requireRowAffected(res, "order")
}

func (a *orderAdapter) ListGroupableOrders(ctx context.Context, key entity.GroupKey) ([]*entity.Order, error) {
	dayStart := key.DeliverDay
	dayEnd := dayStart.Add(24 * time.Hour)

	rows, err := a.q.QueryContext(ctx, queryListGroupableOrders,
		key.MerchantID,
		key.Status,
		int64PtrNull(key.DriverID),
		int64PtrNull(key.CustomerID),
		key.DeliverAddress,
		dayStart,
		dayEnd,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query groupable orders: %w", err)
	}
	defer rows.Close()

	return collectOrders(rows)
}

func (a *orderAdapter) ListOrdersByDriver(ctx context.Context, driverID int64, statuses []string) ([]*entity.Order, error) {
	rows, err := a.q.QueryContext(ctx, queryListOrdersByDriver, driverID, pq.Array(statuses))
	if err != nil {
		return nil, fmt.Errorf("failed to query orders by driver: %w", err)
	}
	defer rows.Close()

	return collectOrders(rows)
}

func scanOrder(row scanner) (*entity.Order, error) {
	var (
		o                     entity.Order
		driverID              sql.NullInt64
		managerID             sql.NullInt64
		customerID            sql.NullInt64
		cost                  string
		concatenatedOrderID   sql.NullInt64
		geofenceEntered       sql.NullBool
		pickupGeofenceEntered sql.NullBool
		timeInsideGeofence    sql.NullInt64
		timeAtJob             sql.NullInt64
	)

	err := row.Scan(
		&o.ID,
		&o.ExternalID,
		&o.MerchantID,
		&driverID,
		&managerID,
		&customerID,
		&o.Title,
		&o.DeliverAddress,
		&o.DeliverBefore,
		&o.Status,
		&cost,
		&o.Deleted,
		&concatenatedOrderID,
		&geofenceEntered,
		&pickupGeofenceEntered,
		&o.IsCompletedByGeofence,
		&o.IsConfirmedByCustomer,
		&o.CompletionComment,
		&timeInsideGeofence,
		&timeAtJob,
		&o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan order row: %w", err)
	}

	o.Cost, err = decimal.NewFromString(cost)
	if err != nil {
		return nil, fmt.Errorf("failed to parse order cost %q: %w", cost, err)
	}
	o.DriverID = nullInt64Ptr(driverID)
	o.ManagerID = nullInt64Ptr(managerID)
	o.CustomerID = nullInt64Ptr(customerID)
	o.ConcatenatedOrderID = nullInt64Ptr(concatenatedOrderID)
	o.GeofenceEntered = nullBoolPtr(geofenceEntered)
	o.PickupGeofenceEntered = nullBoolPtr(pickupGeofenceEntered)
	o.TimeInsideGeofence = nullDurationPtr(timeInsideGeofence)
	o.TimeAtJob = nullDurationPtr(timeAtJob)

	return &o, nil
}

func collectOrders(rows *sql.Rows) ([]*entity.Order, error) {
	var orders []*entity.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orders: %w", err)
	}
	return orders, nil
}

// requireRowAffected converts a zero-row UPDATE into ErrNotFound.
func requireRowAffected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows for %s: %w", what, err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
