// Package directory assigns, resolves and rotates the short public handles
// identities are discovered by.
package directory

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"dm-service/internal/models"
	"dm-service/internal/observability"
	"dm-service/internal/repositories"
	"dm-service/internal/retry"
)

// MaxHandleAttempts bounds how many candidate handles are tried before
// allocation is abandoned.
const MaxHandleAttempts = 10

const maxDisplayNameLength = 64

var (
	// ErrHandleAllocation means every candidate handle collided.
	ErrHandleAllocation = errors.New("could not allocate handle")

	ErrInvalidDisplayName = models.NewError(models.ErrValidation, "invalid_display_name", "display name must be 1-64 characters")
	ErrInvalidAvatarColor = models.NewError(models.ErrValidation, "invalid_avatar_color", "avatar color is not part of the palette")
)

// Service implements handle lookup, regeneration and profile registration.
type Service struct {
	repo     repositories.IdentityRepository
	logger   zerolog.Logger
	now      func() time.Time
	generate func() string
}

// Option customises a Service.
type Option func(*Service)

// WithClock overrides the wall clock mixed into handle candidates.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithHandleGenerator replaces candidate generation.
func WithHandleGenerator(gen func() string) Option {
	return func(s *Service) { s.generate = gen }
}

// NewService constructs a Service.
func NewService(repo repositories.IdentityRepository, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		logger: logger.With().Str("component", "directory").Logger(),
		now:    time.Now,
	}
	s.generate = s.GenerateHandle
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ValidHandle reports whether h has the shape of a handle: exactly
// HandleLength ASCII letters or digits.
func ValidHandle(h string) bool {
	if len(h) != models.HandleLength {
		return false
	}
	for i := 0; i < len(h); i++ {
		c := h[i]
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z') {
			return false
		}
	}
	return true
}

// GenerateHandle derives a candidate handle from a SHA-256 digest of random
// bits and the current wall clock, truncated to HandleLength hex characters.
func (s *Service) GenerateHandle() string {
	random := uuid.New()
	material := make([]byte, 0, len(random)+8)
	material = append(material, random[:]...)
	material = binary.BigEndian.AppendUint64(material, uint64(s.now().UnixNano()))
	sum := sha256.Sum256(material)
	return hex.EncodeToString(sum[:])[:models.HandleLength]
}

// Lookup resolves a handle. Input that is not shaped like a handle is
// reported as not found without a storage round trip.
func (s *Service) Lookup(ctx context.Context, handle string) (models.IdentitySummary, bool, error) {
	if !ValidHandle(handle) {
		return models.IdentitySummary{}, false, nil
	}

	summary, err := s.repo.FindByHandle(ctx, handle)
	if errors.Is(err, repositories.ErrIdentityNotFound) {
		return models.IdentitySummary{}, false, nil
	}
	if err != nil {
		return models.IdentitySummary{}, false, fmt.Errorf("lookup handle: %w", err)
	}
	return summary, true, nil
}

// Regenerate assigns a fresh handle to identityID. Only the identity itself
// may do so; the repository enforces the same rule on its own.
func (s *Service) Regenerate(ctx context.Context, caller, identityID string) (string, error) {
	if caller == "" || caller != identityID {
		return "", repositories.ErrNotOwner
	}

	var handle string
	err := s.allocate(ctx, identityID, func(ctx context.Context, candidate string) error {
		if err := s.repo.UpdateHandle(ctx, caller, identityID, candidate); err != nil {
			return err
		}
		handle = candidate
		return nil
	})
	if err != nil {
		return "", err
	}

	s.logger.Info().Str("identity_id", identityID).Msg("handle regenerated")
	return handle, nil
}

// Register creates the profile of a freshly authenticated identity. An
// existing profile is returned untouched with created=false.
func (s *Service) Register(ctx context.Context, identityID, displayName string) (models.Identity, bool, error) {
	name, err := normalizeDisplayName(displayName)
	if err != nil {
		return models.Identity{}, false, err
	}

	existing, err := s.repo.GetIdentity(ctx, identityID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, repositories.ErrIdentityNotFound) {
		return models.Identity{}, false, err
	}

	color := s.pickAvatarColor()
	var created models.Identity
	err = s.allocate(ctx, identityID, func(ctx context.Context, candidate string) error {
		identity, err := s.repo.CreateIdentity(ctx, models.Identity{
			ID:          identityID,
			DisplayName: name,
			Handle:      candidate,
			AvatarColor: color,
		})
		if err != nil {
			return err
		}
		created = identity
		return nil
	})
	if errors.Is(err, repositories.ErrIdentityExists) {
		// lost a race against a concurrent registration of the same identity
		existing, err := s.repo.GetIdentity(ctx, identityID)
		return existing, false, err
	}
	if err != nil {
		return models.Identity{}, false, err
	}

	s.logger.Info().Str("identity_id", identityID).Str("handle", created.Handle).Msg("identity registered")
	return created, true, nil
}

// Profile returns the identity's own profile.
func (s *Service) Profile(ctx context.Context, identityID string) (models.Identity, error) {
	return s.repo.GetIdentity(ctx, identityID)
}

// ProfileUpdate carries the optional fields of a profile edit.
type ProfileUpdate struct {
	DisplayName *string
	AvatarColor *string
}

// UpdateProfile changes the display name and/or avatar color.
func (s *Service) UpdateProfile(ctx context.Context, caller, identityID string, upd ProfileUpdate) (models.Identity, error) {
	if caller == "" || caller != identityID {
		return models.Identity{}, repositories.ErrNotOwner
	}
	if upd.DisplayName != nil {
		name, err := normalizeDisplayName(*upd.DisplayName)
		if err != nil {
			return models.Identity{}, err
		}
		upd.DisplayName = &name
	}
	if upd.AvatarColor != nil && !models.IsPaletteColor(*upd.AvatarColor) {
		return models.Identity{}, ErrInvalidAvatarColor
	}
	return s.repo.UpdateProfile(ctx, caller, identityID, upd.DisplayName, upd.AvatarColor)
}

func (s *Service) allocate(ctx context.Context, identityID string, persist func(ctx context.Context, candidate string) error) error {
	err := retry.Do(ctx, retry.Policy{
		Attempts:  MaxHandleAttempts,
		Retryable: func(err error) bool { return errors.Is(err, repositories.ErrHandleTaken) },
		OnRetry: func(attempt int, err error) {
			observability.IncHandleAllocation("collision")
			s.logger.Debug().Str("identity_id", identityID).Int("attempt", attempt).Msg("handle collision, retrying")
		},
	}, func(ctx context.Context, attempt int) error {
		return persist(ctx, s.generate())
	})

	switch {
	case err == nil:
		observability.IncHandleAllocation("ok")
		return nil
	case errors.Is(err, retry.ErrExhausted):
		observability.IncHandleAllocation("exhausted")
		s.logger.Error().Err(err).Str("identity_id", identityID).Msg("handle allocation exhausted")
		// the collision stays out of the chain so this is never read as a conflict
		return fmt.Errorf("%w: %v", ErrHandleAllocation, err)
	default:
		return err
	}
}

func (s *Service) pickAvatarColor() string {
	random := uuid.New()
	return models.AvatarPalette[int(random[0])%len(models.AvatarPalette)]
}

func normalizeDisplayName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if n := utf8.RuneCountInString(name); n == 0 || n > maxDisplayNameLength {
		return "", ErrInvalidDisplayName
	}
	return name, nil
}
