package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"dm-service/internal/models"
)

// IdentityRepository abstracts identity (profile) persistence.
type IdentityRepository interface {
	FindByHandle(ctx context.Context, handle string) (models.IdentitySummary, error)
	GetIdentity(ctx context.Context, id string) (models.Identity, error)
	GetIdentities(ctx context.Context, ids []string) ([]models.Identity, error)
	CreateIdentity(ctx context.Context, identity models.Identity) (models.Identity, error)
	UpdateHandle(ctx context.Context, caller, id, handle string) error
	UpdateProfile(ctx context.Context, caller, id string, displayName, avatarColor *string) (models.Identity, error)
}

// IdentityRepo is a sqlx implementation of IdentityRepository.
type IdentityRepo struct {
	db *sqlx.DB
}

// NewIdentityRepo constructs an IdentityRepo.
func NewIdentityRepo(db *sqlx.DB) *IdentityRepo {
	return &IdentityRepo{db: db}
}

const identityColumns = `id, display_name, handle, avatar_color, created_at, updated_at`

// FindByHandle resolves a handle to the minimal identity it names.
func (r *IdentityRepo) FindByHandle(ctx context.Context, handle string) (models.IdentitySummary, error) {
	var summary models.IdentitySummary
	err := r.db.GetContext(ctx, &summary, `SELECT id, display_name FROM identities WHERE handle=$1`, handle)
	if errors.Is(err, sql.ErrNoRows) {
		return models.IdentitySummary{}, ErrIdentityNotFound
	}
	return summary, err
}

// GetIdentity fetches a single identity.
func (r *IdentityRepo) GetIdentity(ctx context.Context, id string) (models.Identity, error) {
	var identity models.Identity
	err := r.db.GetContext(ctx, &identity, `SELECT `+identityColumns+` FROM identities WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Identity{}, ErrIdentityNotFound
	}
	return identity, err
}

// GetIdentities fetches the identities that exist among ids.
func (r *IdentityRepo) GetIdentities(ctx context.Context, ids []string) ([]models.Identity, error) {
	if len(ids) == 0 {
		return []models.Identity{}, nil
	}
	var identities []models.Identity
	err := r.db.SelectContext(ctx, &identities, `SELECT `+identityColumns+` FROM identities WHERE id = ANY($1)`, pq.Array(ids))
	return identities, err
}

// CreateIdentity inserts a profile row.
func (r *IdentityRepo) CreateIdentity(ctx context.Context, identity models.Identity) (models.Identity, error) {
	var created models.Identity
	err := r.db.QueryRowxContext(ctx, `INSERT INTO identities (id, display_name, handle, avatar_color) VALUES ($1, $2, $3, $4) RETURNING `+identityColumns,
		identity.ID, identity.DisplayName, identity.Handle, identity.AvatarColor).StructScan(&created)
	if constraint, ok := uniqueViolation(err); ok {
		if constraint == "identities_handle_key" {
			return models.Identity{}, ErrHandleTaken
		}
		return models.Identity{}, ErrIdentityExists
	}
	return created, err
}

// UpdateHandle replaces the handle of id. The caller must be the identity.
func (r *IdentityRepo) UpdateHandle(ctx context.Context, caller, id, handle string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE identities SET handle=$1, updated_at=NOW() WHERE id=$2 AND id=$3`, handle, id, caller)
	if _, ok := uniqueViolation(err); ok {
		return ErrHandleTaken
	}
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrNotOwner
	}
	return nil
}

// UpdateProfile changes the non-nil profile fields. The caller must be the identity.
func (r *IdentityRepo) UpdateProfile(ctx context.Context, caller, id string, displayName, avatarColor *string) (models.Identity, error) {
	var identity models.Identity
	err := r.db.QueryRowxContext(ctx, `UPDATE identities
        SET display_name = COALESCE($1, display_name),
            avatar_color = COALESCE($2, avatar_color),
            updated_at = NOW()
        WHERE id=$3 AND id=$4
        RETURNING `+identityColumns, displayName, avatarColor, id, caller).StructScan(&identity)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Identity{}, ErrNotOwner
	}
	return identity, err
}
