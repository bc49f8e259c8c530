package thread

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"dm-service/internal/models"
	"dm-service/internal/observability"
	"dm-service/internal/repositories"
)

// SelfName is shown as the author of quoted messages the viewer wrote.
const SelfName = "You"

// resolveConcurrency bounds parallel reply-target lookups within one load.
const resolveConcurrency = 8

// Store is the read side a thread is materialized from.
type Store interface {
	ListThread(ctx context.Context, userID, peerID string) ([]models.Message, error)
	GetMessage(ctx context.Context, messageID string) (models.Message, error)
	GetIdentities(ctx context.Context, ids []string) ([]models.Identity, error)
}

type repoStore struct {
	repositories.MessageRepository
	repositories.IdentityRepository
}

// NewStore reads threads from the message and identity repositories.
func NewStore(messages repositories.MessageRepository, identities repositories.IdentityRepository) Store {
	return repoStore{MessageRepository: messages, IdentityRepository: identities}
}

// View is a fully materialized thread.
type View struct {
	Messages []models.ThreadMessage
	// Names maps identity ids other than the viewer to display names.
	Names map[string]string
}

// SortMessages orders messages by creation time, then id.
func SortMessages(msgs []models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return threadOrder(msgs[i], msgs[j]) })
}

// threadOrder reports whether a comes before b in a thread.
func threadOrder(a, b models.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Load fetches the conversation of viewer and peer and resolves reply
// previews. Only the message fetch can fail the load: a reply whose target
// or author cannot be resolved simply carries no preview.
func Load(ctx context.Context, store Store, viewer, peer string) (View, error) {
	msgs, err := store.ListThread(ctx, viewer, peer)
	if err != nil {
		return View{}, fmt.Errorf("list thread: %w", err)
	}
	SortMessages(msgs)

	targets := make(map[string]models.Message, len(msgs))
	for _, m := range msgs {
		targets[m.ID] = m
	}

	var remote []string
	seen := make(map[string]struct{})
	for _, m := range msgs {
		if m.ReplyToID == nil {
			continue
		}
		id := *m.ReplyToID
		if _, ok := targets[id]; ok {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		remote = append(remote, id)
	}

	fetched := make([]*models.Message, len(remote))
	var g errgroup.Group
	g.SetLimit(resolveConcurrency)
	for i, id := range remote {
		i, id := i, id
		g.Go(func() error {
			target, err := store.GetMessage(ctx, id)
			if err != nil || !target.VisibleTo(viewer) {
				observability.IncReplyResolutionFailure()
				return nil
			}
			fetched[i] = &target
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return View{}, err
	}
	for _, target := range fetched {
		if target != nil {
			targets[target.ID] = *target
		}
	}

	names := resolveNames(ctx, store, viewer, peer, msgs, targets)

	view := View{Messages: make([]models.ThreadMessage, 0, len(msgs)), Names: names}
	for _, m := range msgs {
		tm := models.ThreadMessage{Message: m}
		if m.ReplyToID != nil {
			if target, ok := targets[*m.ReplyToID]; ok {
				tm.ReplyTo = preview(target, viewer, names)
			}
		}
		view.Messages = append(view.Messages, tm)
	}
	return view, nil
}

func resolveNames(ctx context.Context, store Store, viewer, peer string, msgs []models.Message, targets map[string]models.Message) map[string]string {
	wanted := map[string]struct{}{peer: {}}
	for _, m := range msgs {
		if m.ReplyToID == nil {
			continue
		}
		if target, ok := targets[*m.ReplyToID]; ok && target.SenderID != viewer {
			wanted[target.SenderID] = struct{}{}
		}
	}
	ids := make([]string, 0, len(wanted))
	for id := range wanted {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	names := make(map[string]string, len(ids))
	identities, err := store.GetIdentities(ctx, ids)
	if err != nil {
		observability.IncReplyResolutionFailure()
		return names
	}
	for _, identity := range identities {
		names[identity.ID] = identity.DisplayName
	}
	return names
}

// preview builds the quote of target, or nil when its author is unknown.
func preview(target models.Message, viewer string, names map[string]string) *models.ReplyPreview {
	name := SelfName
	if target.SenderID != viewer {
		var ok bool
		if name, ok = names[target.SenderID]; !ok {
			return nil
		}
	}
	return &models.ReplyPreview{MessageID: target.ID, Content: target.Content, SenderName: name}
}
