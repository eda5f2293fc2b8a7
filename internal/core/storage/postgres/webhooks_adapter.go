package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/relaylab/project-relay/internal/core/entity"
)

type webhookAdapter struct {
	q querier
}

func (a *webhookAdapter) SaveWebhookEvent(ctx context.Context, we *entity.WebhookEvent) error {
	if we.CreatedAt.IsZero() {
		we.CreatedAt = time.Now().UTC()
	}

	var payloadJSON []byte
	if len(we.Payload) > 0 {
		var err error
		payloadJSON, err = json.Marshal(we.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal webhook payload: %w", err)
		}
	}

	err := a.q.QueryRowContext(ctx, querySaveWebhookEvent,
		we.MerchantID,
		we.EventID,
		we.URL,
		payloadJSON,
		we.StatusCode,
		we.Success,
		we.Error,
		we.CreatedAt,
	).Scan(&we.ID)
	if err != nil {
		return fmt.Errorf("failed to save webhook event: %w", err)
	}
	return nil
}

func (a *webhookAdapter) ListWebhookEvents(ctx context.Context, merchantID int64, limit int) ([]*entity.WebhookEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.q.QueryContext(ctx, queryListWebhookEvents, merchantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query webhook events: %w", err)
	}
	defer rows.Close()

	var out []*entity.WebhookEvent
	for rows.Next() {
		var (
			we          entity.WebhookEvent
			payloadJSON []byte
		)
		err := rows.Scan(
			&we.ID,
			&we.MerchantID,
			&we.EventID,
			&we.URL,
			&payloadJSON,
			&we.StatusCode,
			&we.Success,
			&we.Error,
			&we.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook event row: %w", err)
		}
		if len(payloadJSON) > 0 {
			if err := json.Unmarshal(payloadJSON, &we.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal webhook payload: %w", err)
			}
		}
		out = append(out, &we)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating webhook events: %w", err)
	}
	return out, nil
}
