package repositories

import (
	"context"

	"github.com/jmoiron/sqlx"

	"dm-service/internal/models"
)

// ContactRepository abstracts contact edge persistence.
type ContactRepository interface {
	CreateContact(ctx context.Context, ownerID, peerID string) (models.Contact, error)
	ContactExists(ctx context.Context, ownerID, peerID string) (bool, error)
	DeleteContact(ctx context.Context, ownerID, contactID string) (bool, error)
	ListContacts(ctx context.Context, ownerID string) ([]models.Contact, error)
}

// ContactRepo is a sqlx implementation of ContactRepository.
type ContactRepo struct {
	db *sqlx.DB
}

// NewContactRepo constructs a ContactRepo.
func NewContactRepo(db *sqlx.DB) *ContactRepo {
	return &ContactRepo{db: db}
}

// CreateContact inserts the owner -> peer edge.
func (r *ContactRepo) CreateContact(ctx context.Context, ownerID, peerID string) (models.Contact, error) {
	var contact models.Contact
	err := r.db.QueryRowxContext(ctx, `INSERT INTO contacts (owner_id, peer_id) VALUES ($1, $2) RETURNING id, owner_id, peer_id, created_at`, ownerID, peerID).
		StructScan(&contact)
	if _, ok := uniqueViolation(err); ok {
		return models.Contact{}, ErrContactExists
	}
	return contact, err
}

// ContactExists checks whether the owner already added the peer.
func (r *ContactRepo) ContactExists(ctx context.Context, ownerID, peerID string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM contacts WHERE owner_id=$1 AND peer_id=$2)`, ownerID, peerID)
	return exists, err
}

// DeleteContact removes an edge owned by ownerID and reports whether one was removed.
func (r *ContactRepo) DeleteContact(ctx context.Context, ownerID, contactID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM contacts WHERE id=$1 AND owner_id=$2`, contactID, ownerID)
	if err != nil {
		return false, err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// ListContacts returns the owner's edges, newest first.
func (r *ContactRepo) ListContacts(ctx context.Context, ownerID string) ([]models.Contact, error) {
	var contacts []models.Contact
	err := r.db.SelectContext(ctx, &contacts, `SELECT id, owner_id, peer_id, created_at FROM contacts WHERE owner_id=$1 ORDER BY created_at DESC, id DESC`, ownerID)
	return contacts, err
}
