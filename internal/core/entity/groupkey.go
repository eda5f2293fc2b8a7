package entity

import (
	"strings"
	"time"
)

// GroupKey is the matching key for concatenated-order grouping: orders that
// agree on every component belong to the same aggregate.
type GroupKey struct {
	MerchantID     int64
	DriverID       *int64
	Status         string
	DeliverDay     time.Time // midnight, merchant-local
	CustomerID     *int64
	DeliverAddress string
}

// OrderGroupKey derives the grouping key of an order, truncating the
// delivery deadline to a merchant-local day.
func OrderGroupKey(o *Order, loc *time.Location) GroupKey {
	local := o.DeliverBefore.In(loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return GroupKey{
		MerchantID:     o.MerchantID,
		DriverID:       o.DriverID,
		Status:         o.Status,
		DeliverDay:     day,
		CustomerID:     o.CustomerID,
		DeliverAddress: o.DeliverAddress,
	}
}

// Equal compares keys by value, including the nullable components.
func (k GroupKey) Equal(other GroupKey) bool {
	return k.MerchantID == other.MerchantID &&
		k.Status == other.Status &&
		equalInt64Ptr(k.DriverID, other.DriverID) &&
		equalInt64Ptr(k.CustomerID, other.CustomerID) &&
		strings.EqualFold(k.DeliverAddress, other.DeliverAddress) &&
		k.DeliverDay.Equal(other.DeliverDay)
}

func equalInt64Ptr(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Key derives the grouping key the aggregate itself was built under.
func (c *ConcatenatedOrder) Key() GroupKey {
	return GroupKey{
		MerchantID:     c.MerchantID,
		DriverID:       c.DriverID,
		Status:         c.Status,
		DeliverDay:     c.DeliverDay,
		CustomerID:     c.CustomerID,
		DeliverAddress: c.DeliverAddress,
	}
}
