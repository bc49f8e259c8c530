package repositories

import (
	"errors"

	"github.com/lib/pq"

	"dm-service/internal/models"
)

var (
	ErrIdentityNotFound = models.NewError(models.ErrNotFound, "identity_not_found", "identity not found")
	ErrIdentityExists   = models.NewError(models.ErrConflict, "identity_exists", "identity already registered")
	ErrHandleTaken      = models.NewError(models.ErrConflict, "handle_taken", "handle already assigned")
	ErrNotOwner         = models.NewError(models.ErrForbidden, "not_owner", "only the owner may change this identity")
	ErrContactExists    = models.NewError(models.ErrConflict, "contact_exists", "contact already added")
	ErrMessageNotFound  = models.NewError(models.ErrNotFound, "message_not_found", "message not found")
	ErrNotSender        = models.NewError(models.ErrForbidden, "not_sender", "only the sender may change this message")
	ErrReplyUnavailable = models.NewError(models.ErrValidation, "reply_target_unavailable", "replied-to message is unavailable")
)

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

// uniqueViolation returns the violated constraint name, if err is a
// PostgreSQL unique violation.
func uniqueViolation(err error) (string, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == codeUniqueViolation {
		return pqErr.Constraint, true
	}
	return "", false
}

func foreignKeyViolation(err error) (string, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == codeForeignKeyViolation {
		return pqErr.Constraint, true
	}
	return "", false
}
