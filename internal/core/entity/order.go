package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order is a delivery job. The snapshot fields below form the superset of
// what the tracking layer may capture; the per-kind rule files decide which
// of them are actually diffed.
type Order struct {
	ID         int64
	ExternalID string // public uuid exposed to webhook consumers
	MerchantID int64

	DriverID   *int64
	ManagerID  *int64
	CustomerID *int64

	Title          string
	DeliverAddress string
	DeliverBefore  time.Time
	Status         string
	Cost           decimal.Decimal

	Deleted             bool
	ConcatenatedOrderID *int64

	GeofenceEntered       *bool
	PickupGeofenceEntered *bool
	IsCompletedByGeofence bool
	IsConfirmedByCustomer bool
	CompletionComment     string

	// Derived bookkeeping written back by the geofence duration tracker.
	TimeInsideGeofence *time.Duration
	TimeAtJob          *time.Duration

	UpdatedAt time.Time
}

func (o *Order) Ref() Ref        { return Ref{Kind: KindOrder, ID: o.ID} }
func (o *Order) TenantID() int64 { return o.MerchantID }
func (o *Order) StrRepr() string { return o.Title }

// Snapshot captures the trackable view of the order. Nullable references
// appear as nil so that "unassigned" diffs cleanly against a driver id.
func (o *Order) Snapshot() map[string]any {
	return map[string]any{
		"status":                   o.Status,
		"driver":                   int64PtrValue(o.DriverID),
		"manager":                  int64PtrValue(o.ManagerID),
		"customer":                 int64PtrValue(o.CustomerID),
		"title":                    o.Title,
		"deliver_address":          o.DeliverAddress,
		"deliver_before":           o.DeliverBefore,
		"cost":                     o.Cost,
		"deleted":                  o.Deleted,
		"concatenated_order":       int64PtrValue(o.ConcatenatedOrderID),
		"geofence_entered":         boolPtrValue(o.GeofenceEntered),
		"pickup_geofence_entered":  boolPtrValue(o.PickupGeofenceEntered),
		"is_confirmed_by_customer": o.IsConfirmedByCustomer,
		"completion_comment":       o.CompletionComment,
	}
}

// ConcatenatedOrder is a synthetic aggregate grouping orders that share a
// matching key of (merchant, driver, status, delivery day, customer, address).
type ConcatenatedOrder struct {
	ID         int64
	MerchantID int64

	DriverID   *int64
	CustomerID *int64

	DeliverAddress string
	DeliverDay     time.Time // midnight, merchant-local
	Status         string
	Deleted        bool

	OrderIDs []int64

	UpdatedAt time.Time
}

func (c *ConcatenatedOrder) Ref() Ref        { return Ref{Kind: KindConcatenatedOrder, ID: c.ID} }
func (c *ConcatenatedOrder) TenantID() int64 { return c.MerchantID }
func (c *ConcatenatedOrder) StrRepr() string { return "Concatenated order" }

func (c *ConcatenatedOrder) Snapshot() map[string]any {
	ids := make([]int64, len(c.OrderIDs))
	copy(ids, c.OrderIDs)
	return map[string]any{
		"status":          c.Status,
		"driver":          int64PtrValue(c.DriverID),
		"customer":        int64PtrValue(c.CustomerID),
		"deliver_address": c.DeliverAddress,
		"deliver_day":     c.DeliverDay,
		"deleted":         c.Deleted,
		"order_ids":       ids,
	}
}

func int64PtrValue(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func boolPtrValue(p *bool) any {
	if p == nil {
		return nil
	}
	return *p
}
