package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/relaylab/project-relay/internal/core/entity"
	"github.com/relaylab/project-relay/internal/core/storage"
)

type memberAdapter struct {
	q querier
}

func (a *memberAdapter) GetMember(ctx context.Context, id int64) (*entity.Member, error) {
	return scanMember(a.q.QueryRowContext(ctx, queryGetMember, id))
}

func (a *memberAdapter) UpdateMember(ctx context.Context, m *entity.Member) error {
	res, err := a.q.ExecContext(ctx, queryUpdateMember,
		m.ID,
		m.FirstName,
		m.LastName,
		m.Email,
		m.Role,
		m.IsActive,
		m.WorkStatus,
		m.DeviceToken,
		m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update member: %w", err)
	}
	return requireRowAffected(res, "member")
}

func (a *memberAdapter) ListManagers(ctx context.Context, merchantID int64) ([]*entity.Member, error) {
	rows, err := a.q.QueryContext(ctx, queryListManagers, merchantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query managers: %w", err)
	}
	defer rows.Close()

	var members []*entity.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating members: %w", err)
	}
	return members, nil
}

func scanMember(row scanner) (*entity.Member, error) {
	var m entity.Member
	err := row.Scan(
		&m.ID,
		&m.MerchantID,
		&m.FirstName,
		&m.LastName,
		&m.Email,
		&m.Role,
		&m.IsActive,
		&m.WorkStatus,
		&m.DeviceToken,
		&m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan member row: %w", err)
	}
	return &m, nil
}
