// Package memory is an in-memory storage.Store used by unit tests. It keeps
// the same transactional surface as the postgres implementation: InTx runs
// against a private copy of the state and only publishes it on success, so
// rollback semantics hold for the code under test.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	v1 "github.com/relaylab/project-relay/internal/api/v1"
	"github.com/relaylab/project-relay/internal/core/entity"
	"github.com/relaylab/project-relay/internal/core/storage"
)

type state struct {
	events      []*v1.Event
	nextEventID int64

	orders      map[int64]*entity.Order
	nextOrderID int64

	concatenated       map[int64]*entity.ConcatenatedOrder
	nextConcatenatedID int64

	members   map[int64]*entity.Member
	merchants map[int64]*entity.Merchant

	checklists      map[int64]*entity.ResultChecklist
	nextChecklistID int64

	webhookEvents      []*entity.WebhookEvent
	nextWebhookEventID int64

	routerLinks      map[int64]*entity.RouterLink
	nextRouterLinkID int64
}

func newState() *state {
	return &state{
		nextEventID:        1,
		orders:             make(map[int64]*entity.Order),
		nextOrderID:        1,
		concatenated:       make(map[int64]*entity.ConcatenatedOrder),
		nextConcatenatedID: 1,
		members:            make(map[int64]*entity.Member),
		merchants:          make(map[int64]*entity.Merchant),
		checklists:         make(map[int64]*entity.ResultChecklist),
		nextChecklistID:    1,
		webhookEvents:      nil,
		nextWebhookEventID: 1,
		routerLinks:        make(map[int64]*entity.RouterLink),
		nextRouterLinkID:   1,
	}
}

// clone copies the state shallowly. Writes always replace stored values
// with fresh copies, so sharing the leaf pointers between clones is safe.
func (st *state) clone() *state {
	c := *st
	c.events = append([]*v1.Event(nil), st.events...)
	c.webhookEvents = append([]*entity.WebhookEvent(nil), st.webhookEvents...)
	c.orders = make(map[int64]*entity.Order, len(st.orders))
	for k, v := range st.orders {
		c.orders[k] = v
	}
	c.concatenated = make(map[int64]*entity.ConcatenatedOrder, len(st.concatenated))
	for k, v := range st.concatenated {
		c.concatenated[k] = v
	}
	c.members = make(map[int64]*entity.Member, len(st.members))
	for k, v := range st.members {
		c.members[k] = v
	}
	c.merchants = make(map[int64]*entity.Merchant, len(st.merchants))
	for k, v := range st.merchants {
		c.merchants[k] = v
	}
	c.checklists = make(map[int64]*entity.ResultChecklist, len(st.checklists))
	for k, v := range st.checklists {
		c.checklists[k] = v
	}
	c.routerLinks = make(map[int64]*entity.RouterLink, len(st.routerLinks))
	for k, v := range st.routerLinks {
		c.routerLinks[k] = v
	}
	return &c
}

// Store is the in-memory storage.Store.
type Store struct {
	mu    sync.Mutex
	st    *state
	locks map[int64]bool
	nowFn func() time.Time
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		st:    newState(),
		locks: make(map[int64]bool),
		nowFn: time.Now,
	}
}

// SetNowFunc overrides the clock used for assigned created_at timestamps.
func (s *Store) SetNowFunc(now func() time.Time) { s.nowFn = now }

func (s *Store) Close() error { return nil }

// Seed helpers for tests. They bypass event capture on purpose.

func (s *Store) SeedMerchant(m *entity.Merchant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.st.merchants[m.ID] = &cp
}

func (s *Store) SeedMember(m *entity.Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.st.members[m.ID] = &cp
}

func (s *Store) SeedOrder(o *entity.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *o
	s.st.orders[o.ID] = &cp
	if o.ID >= s.st.nextOrderID {
		s.st.nextOrderID = o.ID + 1
	}
}

// repos implements every repository interface over an indirect state
// pointer: the store's live state, or a transaction's private clone.
type repos struct {
	s  *Store
	st **state
}

func (s *Store) view() repos { return repos{s: s, st: &s.st} }

func (s *Store) Events() storage.EventStore { return s.view() }
func (s *Store) Orders() storage.OrderRepository { return s.view() }
func (s *Store) ConcatenatedOrders() storage.ConcatenatedOrderRepository { return s.view() }
func (s *Store) Members() storage.MemberRepository { return s.view() }
func (s *Store) Merchants() storage.MerchantRepository { return s.view() }
func (s *Store) Checklists() storage.ChecklistRepository { return s.view() }
func (s *Store) WebhookEvents() storage.WebhookEventRepository { return s.view() }
func (s *Store) RouterLinks() storage.RouterLinkRepository { return s.view() }

type tx struct {
	repos
	hooks []func()
}

func (t *tx) Events() storage.EventStore { return t.repos }
func (t *tx) Orders() storage.OrderRepository { return t.repos }
func (t *tx) ConcatenatedOrders() storage.ConcatenatedOrderRepository { return t.repos }
func (t *tx) Members() storage.MemberRepository { return t.repos }
func (t *tx) Merchants() storage.MerchantRepository { return t.repos }
func (t *tx) Checklists() storage.ChecklistRepository { return t.repos }
func (t *tx) WebhookEvents() storage.WebhookEventRepository { return t.repos }
func (t *tx) RouterLinks() storage.RouterLinkRepository { return t.repos }

func (t *tx) AfterCommit(fn func()) { t.hooks = append(t.hooks, fn) }

// InTx clones the state, runs fn against the clone, and publishes it only
// when fn returns nil. After-commit hooks run once the swap is visible.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	s.mu.Lock()
	work := s.st.clone()
	s.mu.Unlock()

	t := &tx{repos: repos{s: s, st: &work}}
	if err := fn(ctx, t); err != nil {
		return err
	}

	s.mu.Lock()
	s.st = work
	s.mu.Unlock()

	for _, hook := range t.hooks {
		hook()
	}
	return nil
}

// --- EventStore ---

func (r repos) SaveEvent(_ context.Context, event *v1.Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st := *r.st

	cp := *event
	cp.ID = st.nextEventID
	st.nextEventID++
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = r.s.nowFn()
	}
	if cp.HappenedAt.IsZero() {
		cp.HappenedAt = cp.CreatedAt
	}
	st.events = append(st.events, &cp)

	event.ID = cp.ID
	event.CreatedAt = cp.CreatedAt
	event.HappenedAt = cp.HappenedAt
	return nil
}

func (r repos) GetEventsByIDs(_ context.Context, ids []int64) ([]*v1.Event, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st := *r.st

	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []*v1.Event
	for _, ev := range st.events {
		if want[ev.ID] {
			cp := *ev
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r repos) ListEvents(_ context.Context, f storage.EventFilter) ([]*v1.Event, error) {
	if f.TenantID == 0 {
		return nil, fmt.Errorf("event filter requires a tenant")
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st := *r.st

	events := st.events
	if f.Descending {
		events = make([]*v1.Event, len(st.events))
		for i, ev := range st.events {
			events[len(st.events)-1-i] = ev
		}
	}

	var out []*v1.Event
	for _, ev := range events {
		if ev.TenantID != f.TenantID || ev.ID <= f.AfterID {
			continue
		}
		if f.EntityKind != "" && ev.EntityKind != f.EntityKind {
			continue
		}
		if f.EntityID != 0 && ev.EntityID != f.EntityID {
			continue
		}
		if len(f.Kinds) > 0 && !kindIn(ev.Kind, f.Kinds) {
			continue
		}
		if !f.Since.IsZero() && ev.HappenedAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && !ev.HappenedAt.Before(f.Until) {
			continue
		}
		cp := *ev
		out = append(out, &cp)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (r repos) LatestFieldChange(_ context.Context, ref entity.Ref, field string) (*v1.Event, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st := *r.st

	for i := len(st.events) - 1; i >= 0; i-- {
		ev := st.events[i]
		if ev.Kind == v1.KindChanged && ev.EntityKind == ref.Kind && ev.EntityID == ref.ID && ev.Field == field {
			cp := *ev
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (r repos) PairedDurations(_ context.Context, tenantID int64, field string, from, to time.Time) ([]storage.DurationPair, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st := *r.st

	entered := make(map[int64]time.Time)
	completed := make(map[int64]time.Time)
	for _, ev := range st.events {
		if ev.TenantID != tenantID || ev.Kind != v1.KindChanged || ev.EntityKind != entity.KindOrder {
			continue
		}
		if ev.HappenedAt.Before(from) || !ev.HappenedAt.Before(to) {
			continue
		}
		switch {
		case ev.Field == field && ev.NewValue == "true":
			if _, seen := entered[ev.EntityID]; !seen {
				entered[ev.EntityID] = ev.HappenedAt
			}
		case ev.Field == "status" && ev.NewValue == entity.StatusDelivered:
			completed[ev.EntityID] = ev.HappenedAt
		}
	}

	var out []storage.DurationPair
	for id, enteredAt := range entered {
		completedAt, ok := completed[id]
		if !ok || completedAt.Before(enteredAt) {
			continue
		}
		out = append(out, storage.DurationPair{EntityID: id, EnteredAt: enteredAt, CompletedAt: completedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out, nil
}

// --- OrderRepository ---

func (r repos) GetOrder(_ context.Context, id int64) (*entity.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, ok := (*r.st).orders[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (r repos) GetOrderByExternalID(_ context.Context, externalID string) (*entity.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, o := range (*r.st).orders {
		if o.ExternalID == externalID {
			cp := *o
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (r repos) SaveOrder(_ context.Context, order *entity.Order) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st := *r.st
	if order.ID == 0 {
		order.ID = st.nextOrderID
		st.nextOrderID++
	} else if order.ID >= st.nextOrderID {
		st.nextOrderID = order.ID + 1
	}
	cp := *order
	st.orders[order.ID] = &cp
	return nil
}

func (r repos) UpdateOrder(_ context.Context, order *entity.Order) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st := *r.st
	if _, ok := st.orders[order.ID]; !ok {
		return storage.ErrNotFound
	}
	cp := *order
	st.orders[order.ID] = &cp
	return nil
}

func (r repos) ListGroupableOrders(_ context.Context, key entity.GroupKey) ([]*entity.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st := *r.st

	dayStart := key.DeliverDay
	dayEnd := dayStart.Add(24 * time.Hour)

	var out []*entity.Order
	for _, o := range st.orders {
		if o.Deleted || o.ConcatenatedOrderID != nil || o.MerchantID != key.MerchantID {
			continue
		}
		if o.Status != key.Status || !int64PtrEq(o.DriverID, key.DriverID) || !int64PtrEq(o.CustomerID, key.CustomerID) {
			continue
		}
		if !strings.EqualFold(o.DeliverAddress, key.DeliverAddress) {
			continue
		}
		if o.DeliverBefore.Before(dayStart) || !o.DeliverBefore.Before(dayEnd) {
			continue
		}
		cp := *o
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r repos) ListOrdersByDriver(_ context.Context, driverID int64, statuses []string) ([]*entity.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st := *r.st

	var out []*entity.Order
	for _, o := range st.orders {
		if o.Deleted || o.DriverID == nil || *o.DriverID != driverID {
			continue
		}
		if len(statuses) > 0 && !entity.StatusIn(o.Status, statuses) {
			continue
		}
		cp := *o
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- ConcatenatedOrderRepository ---

func (r repos) GetConcatenatedOrder(_ context.Context, id int64) (*entity.ConcatenatedOrder, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	co, ok := (*r.st).concatenated[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyConcatenated(co), nil
}

func (r repos) GetConcatenatedOrderByKey(_ context.Context, key entity.GroupKey) (*entity.ConcatenatedOrder, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, co := range (*r.st).concatenated {
		if co.Deleted {
			continue
		}
		if co.Key().Equal(key) {
			return copyConcatenated(co), nil
		}
	}
	return nil, storage.ErrNotFound
}

func (r repos) SaveConcatenatedOrder(_ context.Context, co *entity.ConcatenatedOrder) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st := *r.st
	if co.ID == 0 {
		co.ID = st.nextConcatenatedID
		st.nextConcatenatedID++
	} else if co.ID >= st.nextConcatenatedID {
		st.nextConcatenatedID = co.ID + 1
	}
	st.concatenated[co.ID] = copyConcatenated(co)
	return nil
}

func (r repos) UpdateConcatenatedOrder(_ context.Context, co *entity.ConcatenatedOrder) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st := *r.st
	if _, ok := st.concatenated[co.ID]; !ok {
		return storage.ErrNotFound
	}
	st.concatenated[co.ID] = copyConcatenated(co)
	return nil
}

// --- MemberRepository ---

func (r repos) GetMember(_ context.Context, id int64) (*entity.Member, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := (*r.st).members[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (r repos) UpdateMember(_ context.Context, member *entity.Member) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st := *r.st
	if _, ok := st.members[member.ID]; !ok {
		return storage.ErrNotFound
	}
	cp := *member
	st.members[member.ID] = &cp
	return nil
}

func (r repos) ListManagers(_ context.Context, merchantID int64) ([]*entity.Member, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st := *r.st

	var out []*entity.Member
	for _, m := range st.members {
		if m.MerchantID != merchantID || !m.IsActive {
			continue
		}
		if m.Role != entity.RoleManager && m.Role != entity.RoleAdmin {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- MerchantRepository ---

func (r repos) GetMerchant(_ context.Context, id int64) (*entity.Merchant, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := (*r.st).merchants[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (r repos) UpdateWebhookHealth(_ context.Context, merchantID int64, failedTimes int, abandoned bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st := *r.st
	m, ok := st.merchants[merchantID]
	if !ok {
		return storage.ErrNotFound
	}
	cp := *m
	cp.WebhookFailedTimes = failedTimes
	cp.WebhookAbandoned = abandoned
	st.merchants[merchantID] = &cp
	return nil
}

// --- ChecklistRepository ---

func (r repos) GetResultChecklist(_ context.Context, id int64) (*entity.ResultChecklist, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rc, ok := (*r.st).checklists[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *rc
	return &cp, nil
}

func (r repos) FindDailyResult(_ context.Context, driverID int64, checklistType string, day time.Time) (*entity.ResultChecklist, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, rc := range (*r.st).checklists {
		if rc.DriverID == nil || *rc.DriverID != driverID {
			continue
		}
		if rc.ChecklistType == checklistType && rc.Day.Equal(day) {
			cp := *rc
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (r repos) SaveResultChecklist(_ context.Context, rc *entity.ResultChecklist) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st := *r.st
	if rc.ID == 0 {
		rc.ID = st.nextChecklistID
		st.nextChecklistID++
	} else if rc.ID >= st.nextChecklistID {
		st.nextChecklistID = rc.ID + 1
	}
	cp := *rc
	st.checklists[rc.ID] = &cp
	return nil
}

func (r repos) TryAdvisoryLock(_ context.Context, key int64) (bool, func() error, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.locks[key] {
		return false, nil, nil
	}
	r.s.locks[key] = true
	unlock := func() error {
		r.s.mu.Lock()
		defer r.s.mu.Unlock()
		delete(r.s.locks, key)
		return nil
	}
	return true, unlock, nil
}

// --- WebhookEventRepository ---

func (r repos) SaveWebhookEvent(_ context.Context, we *entity.WebhookEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st := *r.st
	cp := *we
	cp.ID = st.nextWebhookEventID
	st.nextWebhookEventID++
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = r.s.nowFn()
	}
	st.webhookEvents = append(st.webhookEvents, &cp)
	we.ID = cp.ID
	we.CreatedAt = cp.CreatedAt
	return nil
}

func (r repos) ListWebhookEvents(_ context.Context, merchantID int64, limit int) ([]*entity.WebhookEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st := *r.st

	var out []*entity.WebhookEvent
	for i := len(st.webhookEvents) - 1; i >= 0; i-- {
		we := st.webhookEvents[i]
		if we.MerchantID != merchantID {
			continue
		}
		cp := *we
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// --- RouterLinkRepository ---

func (r repos) GetRouterLinkByEntity(_ context.Context, ref entity.Ref) (*entity.RouterLink, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, l := range (*r.st).routerLinks {
		if l.EntityKind == ref.Kind && l.EntityID == ref.ID {
			cp := *l
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (r repos) SaveRouterLink(_ context.Context, link *entity.RouterLink) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st := *r.st
	if link.ID == 0 {
		link.ID = st.nextRouterLinkID
		st.nextRouterLinkID++
	} else if link.ID >= st.nextRouterLinkID {
		st.nextRouterLinkID = link.ID + 1
	}
	if link.CreatedAt.IsZero() {
		link.CreatedAt = r.s.nowFn()
	}
	cp := *link
	st.routerLinks[link.ID] = &cp
	return nil
}

func (r repos) UpdateRouterLink(_ context.Context, link *entity.RouterLink) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st := *r.st
	if _, ok := st.routerLinks[link.ID]; !ok {
		return storage.ErrNotFound
	}
	cp := *link
	st.routerLinks[link.ID] = &cp
	return nil
}

func (r repos) ListUnsyncedRouterLinks(_ context.Context, limit int) ([]*entity.RouterLink, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st := *r.st

	var out []*entity.RouterLink
	for _, l := range st.routerLinks {
		if l.Synced {
			continue
		}
		cp := *l
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func copyConcatenated(co *entity.ConcatenatedOrder) *entity.ConcatenatedOrder {
	cp := *co
	cp.OrderIDs = append([]int64(nil), co.OrderIDs...)
	return &cp
}

func int64PtrEq(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func kindIn(k v1.Kind, kinds []v1.Kind) bool {
	for _, kk := range kinds {
		if kk == k {
			return true
		}
	}
	return false
}
