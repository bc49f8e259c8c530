package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"dm-service/internal/models"
)

// MessageRepository defines interactions for direct messages.
type MessageRepository interface {
	CreateMessage(ctx context.Context, msg models.Message) (models.Message, error)
	GetMessage(ctx context.Context, messageID string) (models.Message, error)
	ListThread(ctx context.Context, userID, peerID string) ([]models.Message, error)
	UpdateContent(ctx context.Context, senderID, messageID, content string) (models.Message, error)
	DeleteMessage(ctx context.Context, senderID, messageID string) (models.Message, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

const messageColumns = `id, sender_id, receiver_id, content, reply_to_id, edited, created_at, updated_at`

// CreateMessage stores a message. The id is chosen by the caller.
func (r *MessageRepo) CreateMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	var created models.Message
	err := r.db.QueryRowxContext(ctx, `INSERT INTO messages (id, sender_id, receiver_id, content, reply_to_id) VALUES ($1, $2, $3, $4, $5) RETURNING `+messageColumns,
		msg.ID, msg.SenderID, msg.ReceiverID, msg.Content, msg.ReplyToID).StructScan(&created)
	if constraint, ok := foreignKeyViolation(err); ok {
		if constraint == "messages_reply_to_id_fkey" {
			return models.Message{}, ErrReplyUnavailable
		}
		return models.Message{}, ErrIdentityNotFound
	}
	return created, err
}

// GetMessage retrieves a single message.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// ListThread returns the conversation between two identities, oldest first.
func (r *MessageRepo) ListThread(ctx context.Context, userID, peerID string) ([]models.Message, error) {
	query := `SELECT ` + messageColumns + `
        FROM messages
        WHERE (sender_id=$1 AND receiver_id=$2)
        OR (sender_id=$2 AND receiver_id=$1)
        ORDER BY created_at ASC, id ASC`
	var msgs []models.Message
	err := r.db.SelectContext(ctx, &msgs, query, userID, peerID)
	return msgs, err
}

// UpdateContent replaces the content of a message sent by senderID and marks it edited.
func (r *MessageRepo) UpdateContent(ctx context.Context, senderID, messageID, content string) (models.Message, error) {
	var msg models.Message
	err := r.db.QueryRowxContext(ctx, `UPDATE messages SET content=$1, edited=TRUE, updated_at=clock_timestamp() WHERE id=$2 AND sender_id=$3 RETURNING `+messageColumns,
		content, messageID, senderID).StructScan(&msg)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, r.missOrForbidden(ctx, messageID)
	}
	return msg, err
}

// DeleteMessage removes a message sent by senderID and returns it. Replies
// keep existing with their reference cleared by the foreign key.
func (r *MessageRepo) DeleteMessage(ctx context.Context, senderID, messageID string) (models.Message, error) {
	var msg models.Message
	err := r.db.QueryRowxContext(ctx, `DELETE FROM messages WHERE id=$1 AND sender_id=$2 RETURNING `+messageColumns, messageID, senderID).
		StructScan(&msg)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, r.missOrForbidden(ctx, messageID)
	}
	return msg, err
}

func (r *MessageRepo) missOrForbidden(ctx context.Context, messageID string) error {
	var exists bool
	if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM messages WHERE id=$1)`, messageID); err != nil {
		return err
	}
	if exists {
		return ErrNotSender
	}
	return ErrMessageNotFound
}
