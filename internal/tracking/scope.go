package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	v1 "github.com/relaylab/project-relay/internal/api/v1"
	"github.com/relaylab/project-relay/internal/core/diff"
	"github.com/relaylab/project-relay/internal/core/storage"
	"github.com/relaylab/project-relay/internal/queue"
)

// JobName is the queue job carrying a scope's event batch.
const JobName = "propagate-events"

// Tracker wires the recorder, the rule set and the job queue. It is the
// entry point for opening change scopes.
type Tracker struct {
	store storage.Store
	rules RuleRepository
	queue queue.Queue
	rec   *Recorder
}

func NewTracker(store storage.Store, rules RuleRepository, q queue.Queue) *Tracker {
	return &Tracker{store: store, rules: rules, queue: q, rec: NewRecorder()}
}

// Recorder exposes the underlying recorder, mainly so tests can pin its
// clock.
func (t *Tracker) Recorder() *Recorder { return t.rec }

// Option configures a scope.
type Option func(*Params)

// WithInitiator attributes the scope's events to a member.
func WithInitiator(memberID int64) Option {
	return func(p *Params) { p.InitiatorID = &memberID }
}

// WithOrigin marks the scope's events as human or cascade originated.
func WithOrigin(origin v1.Origin) Option {
	return func(p *Params) { p.Origin = origin }
}

// WithHappenedAt back-dates every event of the scope to one logical moment.
func WithHappenedAt(at time.Time) Option {
	return func(p *Params) { p.HappenedAt = at }
}

// Scope observes a set of records across one logical mutation. Watch before
// mutating, Created/Deleted for lifecycle changes, then End exactly once.
// All captured events leave as a single queue job, registered to fire only
// after the surrounding transaction commits.
type Scope struct {
	t      *Tracker
	params Params

	watched []watchTarget
	created []Trackable
	deleted []Trackable

	eventIDs []int64
	ended    bool
}

type watchTarget struct {
	obj    Trackable
	before map[string]any
}

// Begin opens a scope. The zero option set means a system actor acting now,
// origin human.
func (t *Tracker) Begin(opts ...Option) *Scope {
	sc := &Scope{t: t}
	for _, opt := range opts {
		opt(&sc.params)
	}
	return sc
}

// Watch snapshots obj before mutation. Diffing happens at End against a
// fresh snapshot of the same object.
func (s *Scope) Watch(obj Trackable) {
	s.watched = append(s.watched, watchTarget{obj: obj, before: obj.Snapshot()})
}

// Created marks obj as created inside this scope.
func (s *Scope) Created(obj Trackable) {
	s.created = append(s.created, obj)
}

// Deleted marks obj as deleted inside this scope.
func (s *Scope) Deleted(obj Trackable) {
	s.deleted = append(s.deleted, obj)
}

// End diffs every watched record, persists the resulting events through tx,
// and registers exactly one fan-out enqueue to run after commit. A scope
// whose diffs all fold away enqueues nothing.
func (s *Scope) End(ctx context.Context, tx storage.Tx) error {
	if s.ended {
		return fmt.Errorf("change scope ended twice")
	}
	s.ended = true

	for _, obj := range s.created {
		if err := s.record(ctx, obj, func() (*v1.Event, error) {
			return s.t.rec.Created(ctx, tx, s.params, obj)
		}); err != nil {
			return err
		}
	}

	for _, target := range s.watched {
		if err := s.endWatch(ctx, tx, target); err != nil {
			return err
		}
	}

	for _, obj := range s.deleted {
		if err := s.record(ctx, obj, func() (*v1.Event, error) {
			return s.t.rec.Deleted(ctx, tx, s.params, obj)
		}); err != nil {
			return err
		}
	}

	if len(s.eventIDs) == 0 {
		return nil
	}

	job := queue.NewJob(JobName, s.eventIDs)
	q := s.t.queue
	tx.AfterCommit(func() {
		if err := q.Enqueue(context.Background(), job); err != nil {
			slog.Error("[Tracking] Failed to enqueue fan-out job",
				"job_id", job.ID,
				"events", len(job.EventIDs),
				"error", err)
		}
	})
	return nil
}

// EventIDs returns the ids of the events this scope persisted. Valid after
// End.
func (s *Scope) EventIDs() []int64 { return s.eventIDs }

func (s *Scope) endWatch(ctx context.Context, tx storage.Tx, target watchTarget) error {
	rule, err := s.t.rules.Get(ctx, target.obj.Ref().Kind)
	if err != nil {
		// Untracked kind: watching it is a no-op.
		return nil
	}

	delta := diff.Compute(target.before, target.obj.Snapshot(), rule.Fields, rule.Policy())
	if delta.Empty() {
		return nil
	}

	event, err := s.t.rec.ModelChanged(ctx, tx, s.params, target.obj, delta)
	if err != nil {
		return err
	}
	if event == nil {
		return nil
	}
	s.eventIDs = append(s.eventIDs, event.ID)

	for _, field := range delta.Changed {
		if !rule.EmitsFieldEvent(field) {
			continue
		}
		fieldEvent, err := s.t.rec.FieldChanged(ctx, tx, s.params, target.obj, field, delta.NewValues[field])
		if err != nil {
			return err
		}
		if fieldEvent != nil {
			s.eventIDs = append(s.eventIDs, fieldEvent.ID)
		}
	}
	return nil
}

func (s *Scope) record(ctx context.Context, obj Trackable, save func() (*v1.Event, error)) error {
	if _, err := s.t.rules.Get(ctx, obj.Ref().Kind); err != nil {
		// Untracked kind.
		return nil
	}

	event, err := save()
	if err != nil {
		return err
	}
	if event != nil {
		s.eventIDs = append(s.eventIDs, event.ID)
	}
	return nil
}

// Track runs body inside a transaction with a scope already open and ends
// the scope before commit. This is the common shape for request handlers
// and subscriber cascades.
func (t *Tracker) Track(ctx context.Context, opts []Option, body func(ctx context.Context, tx storage.Tx, sc *Scope) error) error {
	return t.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		sc := t.Begin(opts...)
		if err := body(ctx, tx, sc); err != nil {
			return err
		}
		return sc.End(ctx, tx)
	})
}
