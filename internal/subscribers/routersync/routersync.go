// Package routersync mirrors member records into the external identity
// system ("router"). Every local mutation re-enters the link's UNSYNCED
// state; a successful remote call is the only way to SYNCED. There is no
// failure state — failed calls just leave the link for the periodic sweep.
package routersync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	v1 "github.com/relaylab/project-relay/internal/api/v1"
	"github.com/relaylab/project-relay/internal/core/entity"
	"github.com/relaylab/project-relay/internal/core/storage"
)

// RouterClient is the remote identity-system API.
type RouterClient interface {
	CreateMember(ctx context.Context, member *entity.Member) (remoteID int64, err error)
	UpdateMember(ctx context.Context, remoteID int64, member *entity.Member) error
	DeleteMember(ctx context.Context, remoteID int64) error
}

// Subscriber implements dispatch.Subscriber on the post-processing channel.
type Subscriber struct {
	store  storage.Store
	client RouterClient
}

func NewSubscriber(store storage.Store, client RouterClient) *Subscriber {
	return &Subscriber{store: store, client: client}
}

func (s *Subscriber) Name() string { return "router-sync" }

func (s *Subscriber) Handle(ctx context.Context, event *v1.Event) error {
	if event.EntityKind != entity.KindMember || event.Kind == v1.KindChanged {
		return nil
	}

	link, err := s.upsertLink(ctx, event)
	if err != nil {
		return err
	}

	// Best-effort immediate sync; a failure leaves the link unsynced and
	// the sweeper picks it up.
	if err := s.syncLink(ctx, link); err != nil {
		slog.Warn("[RouterSync] Remote sync failed, leaving link unsynced",
			"link_id", link.ID,
			"member_id", link.EntityID,
			"action", link.LastAction,
			"error", err)
	}
	return nil
}

// upsertLink records the local mutation on the mirror link, re-entering the
// unsynced state.
func (s *Subscriber) upsertLink(ctx context.Context, event *v1.Event) (*entity.RouterLink, error) {
	action := entity.RouterActionUpdated
	switch event.Kind {
	case v1.KindCreated:
		action = entity.RouterActionCreated
	case v1.KindDeleted:
		action = entity.RouterActionDeleted
	}

	link, err := s.store.RouterLinks().GetRouterLinkByEntity(ctx, event.EntityRef())
	switch {
	case errors.Is(err, storage.ErrNotFound):
		link = &entity.RouterLink{
			EntityKind: event.EntityKind,
			EntityID:   event.EntityID,
			LastAction: action,
		}
		if err := s.store.RouterLinks().SaveRouterLink(ctx, link); err != nil {
			return nil, fmt.Errorf("failed to create router link: %w", err)
		}
		return link, nil
	case err != nil:
		return nil, fmt.Errorf("failed to load router link: %w", err)
	}

	link.Synced = false
	// A create that never synced stays a create; everything else takes the
	// latest action.
	if !(link.LastAction == entity.RouterActionCreated && link.RemoteID == nil && action == entity.RouterActionUpdated) {
		link.LastAction = action
	}
	if err := s.store.RouterLinks().UpdateRouterLink(ctx, link); err != nil {
		return nil, fmt.Errorf("failed to update router link: %w", err)
	}
	return link, nil
}

// syncLink performs the remote call the link's last action asks for and
// marks the link synced on success.
func (s *Subscriber) syncLink(ctx context.Context, link *entity.RouterLink) error {
	switch link.LastAction {
	case entity.RouterActionDeleted:
		if link.RemoteID != nil {
			if err := s.client.DeleteMember(ctx, *link.RemoteID); err != nil {
				return err
			}
			link.RemoteID = nil
		}
	case entity.RouterActionCreated, entity.RouterActionUpdated:
		member, err := s.store.Members().GetMember(ctx, link.EntityID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				// The member vanished before the mirror caught up; nothing
				// left to sync.
				break
			}
			return err
		}
		if link.RemoteID == nil {
			remoteID, err := s.client.CreateMember(ctx, member)
			if err != nil {
				return err
			}
			link.RemoteID = &remoteID
		} else {
			if err := s.client.UpdateMember(ctx, *link.RemoteID, member); err != nil {
				return err
			}
		}
	}

	link.Synced = true
	if err := s.store.RouterLinks().UpdateRouterLink(ctx, link); err != nil {
		return fmt.Errorf("failed to mark router link synced: %w", err)
	}
	return nil
}
