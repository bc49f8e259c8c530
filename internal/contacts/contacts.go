// Package contacts manages the directed "owner has added peer" edges.
package contacts

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"dm-service/internal/directory"
	"dm-service/internal/models"
	"dm-service/internal/observability"
	"dm-service/internal/repositories"
)

var (
	ErrInvalidHandle  = models.NewError(models.ErrValidation, "invalid_handle", "a handle is exactly 8 characters")
	ErrHandleNotFound = models.NewError(models.ErrNotFound, "handle_not_found", "no user has this handle")
	ErrSelfContact    = models.NewError(models.ErrValidation, "self_contact", "you cannot add yourself as a contact")
	// ErrContactExists is the storage error, shared so both paths compare equal.
	ErrContactExists = repositories.ErrContactExists
)

// Lookuper resolves handles to identities.
type Lookuper interface {
	Lookup(ctx context.Context, handle string) (models.IdentitySummary, bool, error)
}

// Manager implements the contact operations of one deployment.
type Manager struct {
	dir        Lookuper
	repo       repositories.ContactRepository
	identities repositories.IdentityRepository
	logger     zerolog.Logger
}

// NewManager constructs a Manager.
func NewManager(dir Lookuper, repo repositories.ContactRepository, identities repositories.IdentityRepository, logger zerolog.Logger) *Manager {
	return &Manager{
		dir:        dir,
		repo:       repo,
		identities: identities,
		logger:     logger.With().Str("component", "contacts").Logger(),
	}
}

// AddContact adds the identity behind handle to owner's contacts. The checks
// run in a fixed order and each one stops before the insert.
func (m *Manager) AddContact(ctx context.Context, ownerID, handle string) (models.Contact, error) {
	contact, err := m.addContact(ctx, ownerID, strings.TrimSpace(handle))
	observability.IncContactOperation("add", resultLabel(err))
	return contact, err
}

func (m *Manager) addContact(ctx context.Context, ownerID, handle string) (models.Contact, error) {
	if !directory.ValidHandle(handle) {
		return models.Contact{}, ErrInvalidHandle
	}

	peer, found, err := m.dir.Lookup(ctx, handle)
	if err != nil {
		return models.Contact{}, err
	}
	if !found {
		return models.Contact{}, ErrHandleNotFound
	}
	if peer.ID == ownerID {
		return models.Contact{}, ErrSelfContact
	}

	exists, err := m.repo.ContactExists(ctx, ownerID, peer.ID)
	if err != nil {
		return models.Contact{}, err
	}
	if exists {
		return models.Contact{}, ErrContactExists
	}

	contact, err := m.repo.CreateContact(ctx, ownerID, peer.ID)
	if err != nil {
		return models.Contact{}, err
	}
	m.logger.Info().Str("owner_id", ownerID).Str("peer_id", peer.ID).Msg("contact added")
	return contact, nil
}

// RemoveContact deletes one of owner's edges. Removing an edge that is
// already gone succeeds.
func (m *Manager) RemoveContact(ctx context.Context, ownerID, contactID string) error {
	removed, err := m.repo.DeleteContact(ctx, ownerID, contactID)
	if err != nil {
		observability.IncContactOperation("remove", "error")
		return err
	}
	if !removed {
		observability.IncContactOperation("remove", "absent")
		m.logger.Debug().Str("owner_id", ownerID).Str("contact_id", contactID).Msg("contact already removed")
		return nil
	}
	observability.IncContactOperation("remove", "ok")
	return nil
}

// ListContacts returns owner's contacts, newest first, each joined with the
// peer's current profile. Peers without a resolvable profile carry
// models.PlaceholderProfile.
func (m *Manager) ListContacts(ctx context.Context, ownerID string) ([]models.ContactView, error) {
	edges, err := m.repo.ListContacts(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if len(edges) == 0 {
		return []models.ContactView{}, nil
	}

	ids := make([]string, 0, len(edges))
	for _, e := range edges {
		ids = append(ids, e.PeerID)
	}

	profiles := make(map[string]models.Profile, len(ids))
	identities, err := m.identities.GetIdentities(ctx, ids)
	if err != nil {
		// every row falls back to the placeholder rather than failing the list
		m.logger.Warn().Err(err).Str("owner_id", ownerID).Msg("contact profiles unavailable")
	}
	for _, identity := range identities {
		profiles[identity.ID] = models.ProfileOf(identity)
	}

	return JoinProfiles(edges, profiles), nil
}

// JoinProfiles pairs each edge with its peer's profile, substituting the
// placeholder for missing peers. Edge order is preserved.
func JoinProfiles(edges []models.Contact, profiles map[string]models.Profile) []models.ContactView {
	views := make([]models.ContactView, 0, len(edges))
	for _, e := range edges {
		profile, ok := profiles[e.PeerID]
		if !ok {
			profile = models.PlaceholderProfile
		}
		views = append(views, models.ContactView{
			ID:        e.ID,
			PeerID:    e.PeerID,
			Profile:   profile,
			Resolved:  ok,
			CreatedAt: e.CreatedAt,
		})
	}
	return views
}

func resultLabel(err error) string {
	var domainErr *models.Error
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &domainErr):
		return domainErr.Code
	default:
		return "error"
	}
}
