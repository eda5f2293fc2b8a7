// Package storage defines the persistence interfaces of the event pipeline.
// The postgres sub-package is the production implementation; the memory
// sub-package backs unit tests.
package storage

import (
	"context"
	"errors"
	"time"

	v1 "github.com/relaylab/project-relay/internal/api/v1"
	"github.com/relaylab/project-relay/internal/core/entity"
)

// ErrNotFound is returned when a requested record does not exist. Weak
// entity references make this a routine outcome, not a fault.
var ErrNotFound = errors.New("record not found")

// EventFilter selects events for the feed API. TenantID is mandatory;
// everything else narrows the result.
type EventFilter struct {
	TenantID   int64
	EntityKind entity.Kind
	EntityID   int64
	Kinds      []v1.Kind

	// Since/Until bound happened_at: [Since, Until).
	Since time.Time
	Until time.Time

	// AfterID pages forward: only events with id > AfterID.
	AfterID int64
	Limit   int

	// Descending returns the newest events first, the order the activity
	// feed renders in.
	Descending bool
}

// DurationPair couples the earliest occurrence of a field-level event with
// the entity's completion event, per entity. Used for geofence dwell-time
// reporting.
type DurationPair struct {
	EntityID    int64
	EnteredAt   time.Time
	CompletedAt time.Time
}

// EventStore is the append-only event log.
type EventStore interface {
	// SaveEvent persists an event and populates ID and CreatedAt.
	// Rows are immutable once written.
	SaveEvent(ctx context.Context, event *v1.Event) error

	// GetEventsByIDs fetches events in id order. IDs without a row are
	// silently skipped.
	GetEventsByIDs(ctx context.Context, ids []int64) ([]*v1.Event, error)

	// ListEvents returns feed events ordered by id, ascending unless the
	// filter asks for descending.
	ListEvents(ctx context.Context, filter EventFilter) ([]*v1.Event, error)

	// LatestFieldChange returns the most recent field-level change event
	// for one field of one entity, or ErrNotFound.
	LatestFieldChange(ctx context.Context, ref entity.Ref, field string) (*v1.Event, error)

	// PairedDurations pairs, per order of the tenant with happened_at in
	// [from, to), the first field-level event where field became "true"
	// with the event that moved the order to its terminal status.
	PairedDurations(ctx context.Context, tenantID int64, field string, from, to time.Time) ([]DurationPair, error)
}

// OrderRepository accesses delivery jobs.
type OrderRepository interface {
	GetOrder(ctx context.Context, id int64) (*entity.Order, error)
	GetOrderByExternalID(ctx context.Context, externalID string) (*entity.Order, error)
	SaveOrder(ctx context.Context, order *entity.Order) error
	UpdateOrder(ctx context.Context, order *entity.Order) error

	// ListGroupableOrders returns live orders matching the grouping key
	// that are not yet part of any aggregate.
	ListGroupableOrders(ctx context.Context, key entity.GroupKey) ([]*entity.Order, error)

	// ListOrdersByDriver returns the driver's orders in any of the given
	// statuses.
	ListOrdersByDriver(ctx context.Context, driverID int64, statuses []string) ([]*entity.Order, error)
}

// ConcatenatedOrderRepository accesses the synthetic order aggregates.
type ConcatenatedOrderRepository interface {
	GetConcatenatedOrder(ctx context.Context, id int64) (*entity.ConcatenatedOrder, error)

	// GetConcatenatedOrderByKey returns the live aggregate for a grouping
	// key, or ErrNotFound.
	GetConcatenatedOrderByKey(ctx context.Context, key entity.GroupKey) (*entity.ConcatenatedOrder, error)

	SaveConcatenatedOrder(ctx context.Context, co *entity.ConcatenatedOrder) error
	UpdateConcatenatedOrder(ctx context.Context, co *entity.ConcatenatedOrder) error
}

// MemberRepository accesses platform users.
type MemberRepository interface {
	GetMember(ctx context.Context, id int64) (*entity.Member, error)
	UpdateMember(ctx context.Context, member *entity.Member) error

	// ListManagers returns the active managers and admins of a merchant,
	// the audience of order notifications.
	ListManagers(ctx context.Context, merchantID int64) ([]*entity.Member, error)
}

// MerchantRepository accesses tenants.
type MerchantRepository interface {
	GetMerchant(ctx context.Context, id int64) (*entity.Merchant, error)

	// UpdateWebhookHealth persists the failure counter and the abandoned
	// flag after a delivery attempt.
	UpdateWebhookHealth(ctx context.Context, merchantID int64, failedTimes int, abandoned bool) error
}

// ChecklistRepository accesses checklist results.
type ChecklistRepository interface {
	GetResultChecklist(ctx context.Context, id int64) (*entity.ResultChecklist, error)

	// FindDailyResult returns the driver's result of the given type for a
	// merchant-local day, or ErrNotFound.
	FindDailyResult(ctx context.Context, driverID int64, checklistType string, day time.Time) (*entity.ResultChecklist, error)

	SaveResultChecklist(ctx context.Context, rc *entity.ResultChecklist) error

	// TryAdvisoryLock takes a session-scoped exclusive lock on key,
	// returning false without blocking when another session holds it.
	// Release with the returned unlock function.
	TryAdvisoryLock(ctx context.Context, key int64) (bool, func() error, error)
}

// WebhookEventRepository is the append-only webhook delivery log.
type WebhookEventRepository interface {
	SaveWebhookEvent(ctx context.Context, we *entity.WebhookEvent) error
	ListWebhookEvents(ctx context.Context, merchantID int64, limit int) ([]*entity.WebhookEvent, error)
}

// RouterLinkRepository accesses the external identity-system mirror links.
type RouterLinkRepository interface {
	GetRouterLinkByEntity(ctx context.Context, ref entity.Ref) (*entity.RouterLink, error)
	SaveRouterLink(ctx context.Context, link *entity.RouterLink) error
	UpdateRouterLink(ctx context.Context, link *entity.RouterLink) error

	// ListUnsyncedRouterLinks feeds the reconciliation sweep.
	ListUnsyncedRouterLinks(ctx context.Context, limit int) ([]*entity.RouterLink, error)
}

// Repositories groups the per-model accessors. Store and Tx both satisfy
// it; a Tx's accessors run inside its transaction.
type Repositories interface {
	Events() EventStore
	Orders() OrderRepository
	ConcatenatedOrders() ConcatenatedOrderRepository
	Members() MemberRepository
	Merchants() MerchantRepository
	Checklists() ChecklistRepository
	WebhookEvents() WebhookEventRepository
	RouterLinks() RouterLinkRepository
}

// Tx is one database transaction.
type Tx interface {
	Repositories

	// AfterCommit registers fn to run after a successful commit, in
	// registration order. Hooks are dropped on rollback. The dispatcher
	// enqueues fan-out jobs through this so that subscribers never see
	// events from an uncommitted transaction.
	AfterCommit(fn func())
}

// Store is the root persistence handle.
type Store interface {
	Repositories

	// InTx runs fn inside a transaction, committing on nil and rolling
	// back on error or panic.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	Close() error
}
