// Package checklist creates the start-of-day checklist result when a driver
// clocks in. Creation is create-if-absent: a partial unique index guards the
// table, an advisory lock on a (driver, day) key guards concurrent workers,
// and singleflight collapses duplicate attempts inside one process.
package checklist

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	v1 "github.com/relaylab/project-relay/internal/api/v1"
	"github.com/relaylab/project-relay/internal/core/entity"
	"github.com/relaylab/project-relay/internal/core/storage"
)

// Subscriber implements dispatch.Subscriber on the post-processing channel.
type Subscriber struct {
	store storage.Store
	group singleflight.Group
}

func NewSubscriber(store storage.Store) *Subscriber {
	return &Subscriber{store: store}
}

func (s *Subscriber) Name() string { return "daily-checklist-ensure" }

func (s *Subscriber) Handle(ctx context.Context, event *v1.Event) error {
	if event.EntityKind != entity.KindMember || event.Kind != v1.KindChanged {
		return nil
	}
	if event.Field != "work_status" || event.NewValue != entity.WorkStatusWorking {
		return nil
	}

	member, err := s.store.Members().GetMember(ctx, event.EntityID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load member %d: %w", event.EntityID, err)
	}
	if !member.IsDriver() || !member.IsActive {
		return nil
	}

	merchant, err := s.store.Merchants().GetMerchant(ctx, member.MerchantID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load merchant %d: %w", member.MerchantID, err)
	}
	if merchant.ChecklistID == nil {
		return nil // merchant has no daily checklist configured
	}

	day := localDay(event.HappenedAt, merchant.Location())
	key := fmt.Sprintf("checklist:%d:%s", member.ID, day.Format("2006-01-02"))

	_, err, _ = s.group.Do(key, func() (any, error) {
		return nil, s.ensure(ctx, member, *merchant.ChecklistID, day)
	})
	return err
}

// ensure creates the driver's start-of-day result for day unless it exists.
// The advisory lock covers concurrent workers on other processes; losing the
// lock means someone else is creating the same row right now, which is fine.
func (s *Subscriber) ensure(ctx context.Context, member *entity.Member, checklistID int64, day time.Time) error {
	_, err := s.store.Checklists().FindDailyResult(ctx, member.ID, entity.ChecklistStartOfDay, day)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to look up daily checklist: %w", err)
	}

	locked, unlock, err := s.store.Checklists().TryAdvisoryLock(ctx, lockKey(member.ID, day))
	if err != nil {
		return fmt.Errorf("failed to take checklist lock: %w", err)
	}
	if !locked {
		return nil
	}
	defer func() {
		if err := unlock(); err != nil {
			slog.Warn("[Checklist] Failed to release advisory lock",
				"driver_id", member.ID,
				"error", err)
		}
	}()

	// Re-check under the lock: the previous holder may have just created it.
	_, err = s.store.Checklists().FindDailyResult(ctx, member.ID, entity.ChecklistStartOfDay, day)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	driverID := member.ID
	rc := &entity.ResultChecklist{
		ChecklistID:   checklistID,
		MerchantID:    member.MerchantID,
		DriverID:      &driverID,
		Day:           day,
		ChecklistType: entity.ChecklistStartOfDay,
	}
	if err := s.store.Checklists().SaveResultChecklist(ctx, rc); err != nil {
		return fmt.Errorf("failed to create daily checklist: %w", err)
	}

	slog.Info("[Checklist] Created start-of-day checklist",
		"driver_id", member.ID,
		"day", day.Format("2006-01-02"))
	return nil
}

func localDay(at time.Time, loc *time.Location) time.Time {
	local := at.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// lockKey folds the (driver, day) pair into the int64 the advisory lock
// needs. Collisions only cost an unnecessary wait, never correctness.
func lockKey(driverID int64, day time.Time) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "checklist:%d:%d", driverID, day.Unix())
	return int64(h.Sum64())
}
