// Package webhook delivers event payloads to every URL a merchant has
// configured. Each attempt is logged to the webhook event table; a run of
// consecutive failures flips the merchant's abandoned flag, after which
// delivery stops until an operator intervenes.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	v1 "github.com/relaylab/project-relay/internal/api/v1"
	"github.com/relaylab/project-relay/internal/core/entity"
	"github.com/relaylab/project-relay/internal/core/storage"
)

// Webhook topics, part of the external wire contract.
const (
	TopicJobCreated         = "job.created"
	TopicJobStatusChanged   = "job.status_changed"
	TopicJobDeleted         = "job.deleted"
	TopicConcatenatedCreate = "concatenated_order.created"
	TopicConcatenatedUpdate = "concatenated_order.updated"
	TopicConcatenatedDelete = "concatenated_order.deleted"
	TopicChecklistPassed    = "checklist.job_checklist_passed"
)

// DefaultFailureThreshold is how many consecutive failed deliveries flip
// the merchant's abandoned flag.
const DefaultFailureThreshold = 10

// DefaultTimeout bounds one delivery attempt; tenant-agnostic so a single
// slow receiver cannot stall the worker.
const DefaultTimeout = 10 * time.Second

// Subscriber implements dispatch.Subscriber on the correlated-operations
// channel. Unlike the notifier it also fires for auto-processing events:
// webhook consumers want to hear about concatenated orders the system built.
type Subscriber struct {
	store     storage.Store
	client    *http.Client
	threshold int
}

func NewSubscriber(store storage.Store, client *http.Client, threshold int) *Subscriber {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	return &Subscriber{store: store, client: client, threshold: threshold}
}

func (s *Subscriber) Name() string { return "webhook-emitter" }

func (s *Subscriber) Handle(ctx context.Context, event *v1.Event) error {
	topic := s.topicFor(event)
	if topic == "" {
		return nil
	}

	merchant, err := s.store.Merchants().GetMerchant(ctx, event.TenantID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load merchant %d: %w", event.TenantID, err)
	}
	if merchant.WebhookAbandoned || len(merchant.WebhookURLs) == 0 {
		return nil
	}

	payload, err := s.buildPayload(ctx, merchant, topic, event)
	if err != nil {
		return err
	}

	allOK := true
	for _, url := range merchant.WebhookURLs {
		attempt := s.deliver(ctx, url, payload)
		attempt.MerchantID = merchant.ID
		attempt.EventID = event.ID
		if err := s.store.WebhookEvents().SaveWebhookEvent(ctx, attempt); err != nil {
			return fmt.Errorf("failed to log webhook attempt: %w", err)
		}
		if !attempt.Success {
			allOK = false
		}
	}

	return s.updateHealth(ctx, merchant, allOK)
}

// topicFor maps an event to its external topic; empty means not exported.
func (s *Subscriber) topicFor(event *v1.Event) string {
	switch event.EntityKind {
	case entity.KindOrder:
		switch event.Kind {
		case v1.KindCreated:
			return TopicJobCreated
		case v1.KindDeleted:
			return TopicJobDeleted
		case v1.KindModelChanged:
			if _, ok := event.NewValues()["status"]; ok {
				return TopicJobStatusChanged
			}
		}
	case entity.KindConcatenatedOrder:
		switch event.Kind {
		case v1.KindCreated:
			return TopicConcatenatedCreate
		case v1.KindDeleted:
			return TopicConcatenatedDelete
		case v1.KindModelChanged:
			return TopicConcatenatedUpdate
		}
	case entity.KindChecklist:
		if event.Kind == v1.KindModelChanged && event.NewValues()["is_passed"] == true {
			return TopicChecklistPassed
		}
	}
	return ""
}

// buildPayload assembles the wire body:
// {token, topic, updated_at, old_values, new_values, <entity>_info}.
func (s *Subscriber) buildPayload(ctx context.Context, merchant *entity.Merchant, topic string, event *v1.Event) (map[string]any, error) {
	payload := map[string]any{
		"token":      merchant.WebhookToken,
		"topic":      topic,
		"updated_at": event.HappenedAt.UTC().Format(time.RFC3339),
		"old_values": event.OldValues(),
		"new_values": event.NewValues(),
	}

	key, info, err := s.entityInfo(ctx, event)
	if err != nil {
		return nil, err
	}
	if info != nil {
		payload[key] = info
	}
	return payload, nil
}

func (s *Subscriber) entityInfo(ctx context.Context, event *v1.Event) (string, map[string]any, error) {
	if event.Kind == v1.KindCreated || event.Kind == v1.KindDeleted {
		// The dump is the last full snapshot we will ever have; the entity
		// itself may already be gone.
		return infoKey(event.EntityKind), event.ObjectDump, nil
	}

	switch event.EntityKind {
	case entity.KindOrder:
		order, err := s.store.Orders().GetOrder(ctx, event.EntityID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return "", nil, nil
			}
			return "", nil, err
		}
		return infoKey(event.EntityKind), orderInfo(order), nil
	case entity.KindConcatenatedOrder:
		co, err := s.store.ConcatenatedOrders().GetConcatenatedOrder(ctx, event.EntityID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return "", nil, nil
			}
			return "", nil, err
		}
		return infoKey(event.EntityKind), co.Snapshot(), nil
	case entity.KindChecklist:
		rc, err := s.store.Checklists().GetResultChecklist(ctx, event.EntityID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return "", nil, nil
			}
			return "", nil, err
		}
		return infoKey(event.EntityKind), checklistInfo(rc), nil
	}
	return "", nil, nil
}

func infoKey(kind entity.Kind) string {
	if kind == entity.KindOrder {
		return "job_info" // historical name kept for receiver compatibility
	}
	return string(kind) + "_info"
}

func orderInfo(o *entity.Order) map[string]any {
	return map[string]any{
		"id":              o.ExternalID,
		"title":           o.Title,
		"status":          o.Status,
		"deliver_address": o.DeliverAddress,
		"deliver_before":  o.DeliverBefore.UTC().Format(time.RFC3339),
		"cost":            o.Cost.String(),
	}
}

func checklistInfo(rc *entity.ResultChecklist) map[string]any {
	info := map[string]any{
		"id":             rc.ID,
		"checklist_type": rc.ChecklistType,
		"is_passed":      rc.IsPassed,
	}
	if rc.OrderID != nil {
		info["order_id"] = *rc.OrderID
	}
	return info
}

// deliver POSTs the payload to one URL and reports the attempt. Network and
// HTTP failures land in the attempt record, never in an error return.
func (s *Subscriber) deliver(ctx context.Context, url string, payload map[string]any) *entity.WebhookEvent {
	attempt := &entity.WebhookEvent{URL: url, Payload: payload}

	body, err := json.Marshal(payload)
	if err != nil {
		attempt.Error = err.Error()
		return attempt
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		attempt.Error = err.Error()
		return attempt
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		attempt.Error = err.Error()
		return attempt
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	attempt.StatusCode = resp.StatusCode
	attempt.Success = resp.StatusCode >= 200 && resp.StatusCode < 300
	if !attempt.Success {
		attempt.Error = resp.Status
	}
	return attempt
}

// updateHealth maintains the consecutive-failure counter. A full round of
// successful deliveries resets it; a round with any failure increments it
// and flips the abandoned flag past the threshold.
func (s *Subscriber) updateHealth(ctx context.Context, merchant *entity.Merchant, allOK bool) error {
	if allOK {
		if merchant.WebhookFailedTimes == 0 && !merchant.WebhookAbandoned {
			return nil
		}
		return s.store.Merchants().UpdateWebhookHealth(ctx, merchant.ID, 0, false)
	}

	failed := merchant.WebhookFailedTimes + 1
	abandoned := failed >= s.threshold
	if abandoned {
		slog.Warn("[Webhook] Abandoning merchant webhooks",
			"merchant_id", merchant.ID,
			"failed_times", failed)
	}
	return s.store.Merchants().UpdateWebhookHealth(ctx, merchant.ID, failed, abandoned)
}
