// Package messages implements the server side of sending, editing and
// deleting direct messages.
package messages

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"dm-service/internal/models"
	"dm-service/internal/notify"
	"dm-service/internal/observability"
	"dm-service/internal/ratelimit"
	"dm-service/internal/repositories"
)

var (
	ErrEmptyContent   = models.NewError(models.ErrValidation, "empty_content", "message content is empty")
	ErrContentTooLong = models.NewError(models.ErrValidation, "content_too_long", "message content exceeds 10000 characters")
	ErrSelfMessage    = models.NewError(models.ErrValidation, "self_message", "cannot send a message to yourself")
	ErrRateLimited    = models.NewError(models.ErrRateLimited, "rate_limited", "sending too fast, try again shortly")
)

// NormalizeContent trims content and checks it against the length bounds.
func NormalizeContent(content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", ErrEmptyContent
	}
	if utf8.RuneCountInString(trimmed) > models.MaxContentLength {
		return "", ErrContentTooLong
	}
	return trimmed, nil
}

// ValidateReplyTo rejects reply references that cannot name a message.
// An empty id means no reply.
func ValidateReplyTo(replyToID string) error {
	if replyToID == "" {
		return nil
	}
	if _, err := uuid.Parse(replyToID); err != nil {
		return repositories.ErrReplyUnavailable
	}
	return nil
}

func validMessageID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// Service validates and persists message mutations and announces them.
type Service struct {
	repo    repositories.MessageRepository
	guard   ratelimit.SendGuard
	changes notify.Publisher
	logger  zerolog.Logger
	newID   func() string
}

// NewService constructs a Service. A nil guard admits every send.
func NewService(repo repositories.MessageRepository, guard ratelimit.SendGuard, changes notify.Publisher, logger zerolog.Logger) *Service {
	if guard == nil {
		guard = ratelimit.Unlimited{}
	}
	return &Service{
		repo:    repo,
		guard:   guard,
		changes: changes,
		logger:  logger.With().Str("component", "messages").Logger(),
		newID:   func() string { return uuid.Must(uuid.NewV7()).String() },
	}
}

// Send stores a message from senderID to receiverID. replyToID may be empty.
func (s *Service) Send(ctx context.Context, senderID, receiverID, content, replyToID string) (models.Message, error) {
	content, err := NormalizeContent(content)
	if err != nil {
		return models.Message{}, err
	}
	if senderID == receiverID {
		return models.Message{}, ErrSelfMessage
	}
	if err := ValidateReplyTo(replyToID); err != nil {
		return models.Message{}, err
	}

	var replyTo *string
	if replyToID != "" {
		target, err := s.repo.GetMessage(ctx, replyToID)
		if errors.Is(err, repositories.ErrMessageNotFound) || (err == nil && !target.VisibleTo(senderID)) {
			return models.Message{}, repositories.ErrReplyUnavailable
		}
		if err != nil {
			return models.Message{}, err
		}
		replyTo = &target.ID
	}

	allowed, err := s.guard.Allow(ctx, senderID)
	if err != nil {
		// the session throttle still applies; do not block sends on the guard
		s.logger.Warn().Err(err).Str("sender_id", senderID).Msg("send guard unavailable, admitting send")
		allowed = true
	}
	if !allowed {
		observability.IncSendThrottled("storage")
		return models.Message{}, ErrRateLimited
	}

	msg, err := s.repo.CreateMessage(ctx, models.Message{
		ID:         s.newID(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		ReplyToID:  replyTo,
	})
	if err != nil {
		return models.Message{}, err
	}

	s.announce(ctx, notify.KindCreated, msg)
	return msg, nil
}

// Edit replaces the content of a message the caller sent.
func (s *Service) Edit(ctx context.Context, callerID, messageID, content string) (models.Message, error) {
	content, err := NormalizeContent(content)
	if err != nil {
		return models.Message{}, err
	}
	if !validMessageID(messageID) {
		return models.Message{}, repositories.ErrMessageNotFound
	}

	msg, err := s.repo.UpdateContent(ctx, callerID, messageID, content)
	if err != nil {
		return models.Message{}, err
	}

	s.announce(ctx, notify.KindUpdated, msg)
	return msg, nil
}

// Delete removes a message the caller sent.
func (s *Service) Delete(ctx context.Context, callerID, messageID string) error {
	if !validMessageID(messageID) {
		return repositories.ErrMessageNotFound
	}
	msg, err := s.repo.DeleteMessage(ctx, callerID, messageID)
	if err != nil {
		return err
	}

	s.announce(ctx, notify.KindDeleted, msg)
	return nil
}

func (s *Service) announce(ctx context.Context, kind notify.Kind, msg models.Message) {
	if s.changes == nil {
		return
	}
	change := notify.Change{
		Kind:       kind,
		MessageID:  msg.ID,
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		OccurredAt: time.Now().UTC(),
	}
	if err := s.changes.PublishChange(ctx, change); err != nil {
		s.logger.Warn().Err(err).Str("message_id", msg.ID).Str("kind", string(kind)).Msg("change notification failed")
	}
}
