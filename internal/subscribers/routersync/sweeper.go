package routersync

import (
	"context"
	"log/slog"
	"time"

	"github.com/relaylab/project-relay/internal/core/storage"
)

// Sweeper is the poll-based reconciliation loop: on a fixed interval it
// retries every link left unsynced by a failed remote call. No backoff —
// the interval is the backoff.
type Sweeper struct {
	store    storage.Store
	client   RouterClient
	interval time.Duration
	limit    int
}

func NewSweeper(store storage.Store, client RouterClient, interval time.Duration, limit int) *Sweeper {
	if limit <= 0 {
		limit = 100
	}
	return &Sweeper{store: store, client: client, interval: interval, limit: limit}
}

// Start runs the sweep loop until the context is cancelled.
func (s *Sweeper) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("[RouterSync] Starting reconciliation sweeper",
		"interval", s.interval,
		"limit", s.limit)

	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-ctx.Done():
			slog.Info("[RouterSync] Stopping sweeper (context cancelled)")
			return ctx.Err()
		}
	}
}

// Sweep retries one batch of unsynced links and returns how many made it
// to the synced state.
func (s *Sweeper) Sweep(ctx context.Context) int {
	links, err := s.store.RouterLinks().ListUnsyncedRouterLinks(ctx, s.limit)
	if err != nil {
		slog.Error("[RouterSync] Failed to list unsynced links", "error", err)
		return 0
	}
	if len(links) == 0 {
		return 0
	}

	sub := &Subscriber{store: s.store, client: s.client}
	synced := 0
	for _, link := range links {
		if err := sub.syncLink(ctx, link); err != nil {
			slog.Warn("[RouterSync] Sweep retry failed",
				"link_id", link.ID,
				"member_id", link.EntityID,
				"error", err)
			continue
		}
		synced++
	}

	slog.Info("[RouterSync] Sweep complete",
		"retried", len(links),
		"synced", synced)
	return synced
}
