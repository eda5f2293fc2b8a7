// Package dispatch fans a committed event batch out to subscribers in two
// phases: post-processing subscribers first, correlated-operations
// subscribers only after the whole batch cleared phase one. Registration
// order inside a phase is delivery order.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	v1 "github.com/relaylab/project-relay/internal/api/v1"
	"github.com/relaylab/project-relay/internal/core/storage"
	"github.com/relaylab/project-relay/internal/queue"
)

// Channel is a fan-out phase.
type Channel int

const (
	// ChannelPostProcessing carries data-shaping subscribers (grouping,
	// durations, sync mirroring). It always drains first so that the
	// correlated phase reads settled data.
	ChannelPostProcessing Channel = iota

	// ChannelCorrelatedOps carries outward-facing subscribers
	// (notifications, webhooks).
	ChannelCorrelatedOps
)

func (c Channel) String() string {
	switch c {
	case ChannelPostProcessing:
		return "post-processing"
	case ChannelCorrelatedOps:
		return "correlated-operations"
	}
	return fmt.Sprintf("channel(%d)", int(c))
}

// Subscriber handles one event. Delivery is at least once; handlers must be
// idempotent.
type Subscriber interface {
	Name() string
	Handle(ctx context.Context, event *v1.Event) error
}

// Registry holds the ordered subscriber lists per channel. It is populated
// at startup and read-only afterwards.
type Registry struct {
	channels map[Channel][]Subscriber
}

func NewRegistry() *Registry {
	return &Registry{channels: make(map[Channel][]Subscriber)}
}

// Register appends sub to the channel. Order of registration is order of
// delivery.
func (r *Registry) Register(ch Channel, sub Subscriber) {
	r.channels[ch] = append(r.channels[ch], sub)
	slog.Info("[Dispatcher] Registered subscriber",
		"subscriber", sub.Name(),
		"channel", ch.String())
}

// Subscribers returns the channel's delivery list.
func (r *Registry) Subscribers(ch Channel) []Subscriber {
	return r.channels[ch]
}

// Dispatcher turns queue jobs back into event batches and walks them
// through the registry.
type Dispatcher struct {
	store storage.Store
	reg   *Registry
}

func NewDispatcher(store storage.Store, reg *Registry) *Dispatcher {
	return &Dispatcher{store: store, reg: reg}
}

// HandleJob is the queue.Handler of the fan-out worker. Event ids without a
// persisted row are skipped; a subscriber error aborts the batch (the queue
// worker logs it, re-delivery is the transport's business).
func (d *Dispatcher) HandleJob(ctx context.Context, job queue.Job) error {
	events, err := d.store.Events().GetEventsByIDs(ctx, job.EventIDs)
	if err != nil {
		return fmt.Errorf("failed to load event batch: %w", err)
	}
	if len(events) < len(job.EventIDs) {
		slog.Warn("[Dispatcher] Batch references missing events",
			"job_id", job.ID,
			"requested", len(job.EventIDs),
			"found", len(events))
	}
	if len(events) == 0 {
		return nil
	}

	if err := d.deliver(ctx, ChannelPostProcessing, events); err != nil {
		return err
	}
	return d.deliver(ctx, ChannelCorrelatedOps, events)
}

func (d *Dispatcher) deliver(ctx context.Context, ch Channel, events []*v1.Event) error {
	for _, event := range events {
		for _, sub := range d.reg.Subscribers(ch) {
			if err := sub.Handle(ctx, event); err != nil {
				return fmt.Errorf("subscriber %s failed on event %d (%s): %w",
					sub.Name(), event.ID, ch, err)
			}
		}
	}
	return nil
}
