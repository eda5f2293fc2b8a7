package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/relaylab/project-relay/internal/core/entity"
	"github.com/relaylab/project-relay/internal/core/storage"
)

type routerLinkAdapter struct {
	q querier
}

func (a *routerLinkAdapter) GetRouterLinkByEntity(ctx context.Context, ref entity.Ref) (*entity.RouterLink, error) {
	row := a.q.QueryRowContext(ctx, queryGetRouterLinkByEntity, string(ref.Kind), ref.ID)
	return scanRouterLink(row)
}

func (a *routerLinkAdapter) SaveRouterLink(ctx context.Context, link *entity.RouterLink) error {
	if link.CreatedAt.IsZero() {
		link.CreatedAt = time.Now().UTC()
	}

	extraJSON, err := marshalExtra(link.Extra)
	if err != nil {
		return err
	}

	err = a.q.QueryRowContext(ctx, querySaveRouterLink,
		string(link.EntityKind),
		link.EntityID,
		int64PtrNull(link.RemoteID),
		link.Synced,
		link.LastAction,
		extraJSON,
		link.CreatedAt,
	).Scan(&link.ID)
	if err != nil {
		return fmt.Errorf("failed to save router link: %w", err)
	}
	return nil
}

func (a *routerLinkAdapter) UpdateRouterLink(ctx context.Context, link *entity.RouterLink) error {
	extraJSON, err := marshalExtra(link.Extra)
	if err != nil {
		return err
	}

	res, err := a.q.ExecContext(ctx, queryUpdateRouterLink,
		link.ID,
		int64PtrNull(link.RemoteID),
		link.Synced,
		link.LastAction,
		extraJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to update router link: %w", err)
	}
	return requireRowAffected(res, "router link")
}

func (a *routerLinkAdapter) ListUnsyncedRouterLinks(ctx context.Context, limit int) ([]*entity.RouterLink, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := a.q.QueryContext(ctx, queryListUnsyncedRouterLinks, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unsynced router links: %w", err)
	}
	defer rows.Close()

	var out []*entity.RouterLink
	for rows.Next() {
		link, err := scanRouterLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating router links: %w", err)
	}
	return out, nil
}

func scanRouterLink(row scanner) (*entity.RouterLink, error) {
	var (
		link       entity.RouterLink
		entityKind string
		remoteID   sql.NullInt64
		extraJSON  []byte
	)

	err := row.Scan(
		&link.ID,
		&entityKind,
		&link.EntityID,
		&remoteID,
		&link.Synced,
		&link.LastAction,
		&extraJSON,
		&link.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan router link row: %w", err)
	}

	link.EntityKind = entity.Kind(entityKind)
	link.RemoteID = nullInt64Ptr(remoteID)
	if len(extraJSON) > 0 {
		if err := json.Unmarshal(extraJSON, &link.Extra); err != nil {
			return nil, fmt.Errorf("failed to unmarshal router link extra: %w", err)
		}
	}
	return &link, nil
}

func marshalExtra(extra map[string]any) ([]byte, error) {
	if len(extra) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(extra)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal router link extra: %w", err)
	}
	return raw, nil
}
