package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/relaylab/project-relay/internal/core/entity"
	"github.com/relaylab/project-relay/internal/core/storage"
)

func orderRowColumns() []string {
	return []string{
		"id", "external_id", "merchant_id", "driver_id", "manager_id", "customer_id",
		"title", "deliver_address", "deliver_before", "status", "cost", "deleted",
		"concatenated_order_id", "geofence_entered", "pickup_geofence_entered",
		"is_completed_by_geofence", "is_confirmed_by_customer", "completion_comment",
		"time_inside_geofence_ns", "time_at_job_ns", "updated_at",
	}
}

func TestOrderAdapter_GetOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	adapter := &orderAdapter{q: db}
	deliverBefore := time.Date(2026, 2, 8, 18, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(queryGetOrder)).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows(orderRowColumns()).
			AddRow(
				int64(42), "b3a9c7de-0001-4000-8000-000000000042", int64(1),
				int64(9), nil, int64(33),
				"Flowers", "12 Rose St", deliverBefore, "assigned", "19.90", false,
				nil, nil, nil,
				false, false, "",
				nil, nil, deliverBefore,
			),
		).RowsWillBeClosed()

	o, err := adapter.GetOrder(context.Background(), 42)
	require.NoError(t, err)
	require.Equal(t, int64(42), o.ID)
	require.Equal(t, "assigned", o.Status)
	require.NotNil(t, o.DriverID)
	require.Equal(t, int64(9), *o.DriverID)
	require.Nil(t, o.ManagerID)
	require.Equal(t, "19.9", o.Cost.String())
	require.Nil(t, o.GeofenceEntered)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOrderAdapter_GetOrder_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	adapter := &orderAdapter{q: db}

	mock.ExpectQuery(regexp.QuoteMeta(queryGetOrder)).
		WithArgs(int64(404)).
		WillReturnRows(sqlmock.NewRows(orderRowColumns()))

	_, err = adapter.GetOrder(context.Background(), 404)
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOrderAdapter_ListGroupableOrders(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	adapter := &orderAdapter{q: db}

	day := time.Date(2026, 2, 8, 0, 0, 0, 0, time.UTC)
	driverID := int64(9)
	key := entity.GroupKey{
		MerchantID:     1,
		DriverID:       &driverID,
		Status:         entity.StatusAssigned,
		DeliverDay:     day,
		DeliverAddress: "12 Rose St",
	}

	mock.ExpectQuery(regexp.QuoteMeta(queryListGroupableOrders)).
		WithArgs(int64(1), "assigned", sqlmock.AnyArg(), sqlmock.AnyArg(),
			"12 Rose St", day, day.Add(24*time.Hour)).
		WillReturnRows(sqlmock.NewRows(orderRowColumns()).
			AddRow(
				int64(7), "b3a9c7de-0001-4000-8000-000000000007", int64(1),
				driverID, nil, nil,
				"Flowers", "12 Rose St", day.Add(10*time.Hour), "assigned", "5", false,
				nil, nil, nil,
				false, false, "",
				nil, nil, day,
			),
		).RowsWillBeClosed()

	orders, err := adapter.ListGroupableOrders(context.Background(), key)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	require.Equal(t, int64(7), orders[0].ID)
	require.Nil(t, orders[0].ConcatenatedOrderID)
	require.NoError(t, mock.ExpectationsWereMet())
}
