package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/relaylab/project-relay/internal/core/entity"
	"github.com/relaylab/project-relay/internal/core/storage"
)

type merchantAdapter struct {
	q querier
}

func (a *merchantAdapter) GetMerchant(ctx context.Context, id int64) (*entity.Merchant, error) {
	var (
		m           entity.Merchant
		urls        pq.StringArray
		checklistID sql.NullInt64
	)

	err := a.q.QueryRowContext(ctx, queryGetMerchant, id).Scan(
		&m.ID,
		&m.Name,
		&urls,
		&m.WebhookToken,
		&m.WebhookFailedTimes,
		&m.WebhookAbandoned,
		&m.EnableConcatenatedOrders,
		&m.NotifyNotAssignedOrders,
		&checklistID,
		&m.Timezone,
		&m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan merchant row: %w", err)
	}

	m.WebhookURLs = []string(urls)
	m.ChecklistID = nullInt64Ptr(checklistID)
	return &m, nil
}

func (a *merchantAdapter) UpdateWebhookHealth(ctx context.Context, merchantID int64, failedTimes int, abandoned bool) error {
	res, err := a.q.ExecContext(ctx, queryUpdateWebhookHealth, merchantID, failedTimes, abandoned)
	if err != nil {
		return fmt.Errorf("failed to update webhook health: %w", err)
	}
	return requireRowAffected(res, "merchant")
}
