package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	v1 "github.com/relaylab/project-relay/internal/api/v1"
	"github.com/relaylab/project-relay/internal/core/diff"
	"github.com/relaylab/project-relay/internal/core/storage"
)

// Params carries the actor context shared by every event a scope records.
type Params struct {
	// InitiatorID is the acting member; nil denotes a system actor.
	InitiatorID *int64

	Origin v1.Origin

	// HappenedAt back-dates the events; zero means "now".
	HappenedAt time.Time
}

// Recorder persists the four event shapes. It is stateless apart from the
// clock; the scope owns batching and dispatch.
type Recorder struct {
	nowFn func() time.Time
}

func NewRecorder() *Recorder {
	return &Recorder{nowFn: time.Now}
}

// SetNowFunc overrides the clock. Tests use this to pin created_at.
func (r *Recorder) SetNowFunc(now func() time.Time) { r.nowFn = now }

// Created records a CREATED event carrying the full snapshot dump.
// Returns (nil, nil) when the tenant cannot be resolved.
func (r *Recorder) Created(ctx context.Context, repos storage.Repositories, p Params, obj Trackable) (*v1.Event, error) {
	return r.dumpEvent(ctx, repos, p, obj, v1.KindCreated)
}

// Deleted records a DELETED event carrying the full snapshot dump.
func (r *Recorder) Deleted(ctx context.Context, repos storage.Repositories, p Params, obj Trackable) (*v1.Event, error) {
	return r.dumpEvent(ctx, repos, p, obj, v1.KindDeleted)
}

// ModelChanged records the single per-entity MODEL_CHANGED event carrying
// the whole delta as {old_values, new_values}.
func (r *Recorder) ModelChanged(ctx context.Context, repos storage.Repositories, p Params, obj Trackable, delta diff.Delta) (*v1.Event, error) {
	if delta.Empty() {
		return nil, nil
	}

	tenantID, ok, err := r.resolveTenant(ctx, repos, p, obj)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	event := r.newEvent(p, obj, tenantID, v1.KindModelChanged)
	event.ObjectDump = map[string]any{
		"content_type": string(obj.Ref().Kind),
		"str_repr":     obj.StrRepr(),
		"old_values":   delta.OldValues,
		"new_values":   delta.NewValues,
	}

	if err := repos.Events().SaveEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to record model change: %w", err)
	}
	return event, nil
}

// FieldChanged records a single-field CHANGED event with the canonical
// string rendering of the new value.
func (r *Recorder) FieldChanged(ctx context.Context, repos storage.Repositories, p Params, obj Trackable, field string, newValue any) (*v1.Event, error) {
	tenantID, ok, err := r.resolveTenant(ctx, repos, p, obj)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	event := r.newEvent(p, obj, tenantID, v1.KindChanged)
	event.Field = field
	event.NewValue = diff.CanonicalString(newValue)

	if err := repos.Events().SaveEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to record field change: %w", err)
	}
	return event, nil
}

func (r *Recorder) dumpEvent(ctx context.Context, repos storage.Repositories, p Params, obj Trackable, kind v1.Kind) (*v1.Event, error) {
	tenantID, ok, err := r.resolveTenant(ctx, repos, p, obj)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	dump := obj.Snapshot()
	dump["content_type"] = string(obj.Ref().Kind)
	dump["str_repr"] = obj.StrRepr()

	event := r.newEvent(p, obj, tenantID, kind)
	event.ObjectDump = dump

	if err := repos.Events().SaveEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to record %s event: %w", kind, err)
	}
	return event, nil
}

func (r *Recorder) newEvent(p Params, obj Trackable, tenantID int64, kind v1.Kind) *v1.Event {
	now := r.nowFn().UTC()
	happenedAt := p.HappenedAt
	if happenedAt.IsZero() {
		happenedAt = now
	}
	origin := p.Origin
	if origin == "" {
		origin = v1.OriginHuman
	}
	ref := obj.Ref()

	return &v1.Event{
		CreatedAt:   now,
		HappenedAt:  happenedAt,
		InitiatorID: p.InitiatorID,
		TenantID:    tenantID,
		Kind:        kind,
		Origin:      origin,
		EntityKind:  ref.Kind,
		EntityID:    ref.ID,
	}
}

// resolveTenant applies the fallback chain: the entity's own tenant, then
// the initiator's merchant. When both fail the event is dropped without
// error so that untenanted mutations stay a no-op.
func (r *Recorder) resolveTenant(ctx context.Context, repos storage.Repositories, p Params, obj Trackable) (int64, bool, error) {
	if id := obj.TenantID(); id != 0 {
		return id, true, nil
	}

	if p.InitiatorID != nil {
		member, err := repos.Members().GetMember(ctx, *p.InitiatorID)
		if err == nil && member.MerchantID != 0 {
			return member.MerchantID, true, nil
		}
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return 0, false, fmt.Errorf("failed to resolve initiator tenant: %w", err)
		}
	}

	slog.Debug("[Tracking] Dropped event without resolvable tenant",
		"entity", obj.Ref().String())
	return 0, false, nil
}
