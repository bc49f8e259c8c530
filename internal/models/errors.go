package models

import "errors"

// Error kinds. Every domain error unwraps to exactly one of these.
var (
	ErrValidation  = errors.New("validation failed")
	ErrNotFound    = errors.New("not found")
	ErrForbidden   = errors.New("forbidden")
	ErrConflict    = errors.New("conflict")
	ErrRateLimited = errors.New("rate limited")
)

// Error is a user-facing error with a stable machine code.
type Error struct {
	Kind error
	Code string
	Msg  string
}

// NewError builds an Error of the given kind.
func NewError(kind error, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

func (e *Error) Error() string { return e.Msg }

func (e *Error) Unwrap() error { return e.Kind }
