// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import (
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
)

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidRequest indicates malformed input (equal participants, empty ciphertext, bad key shape).
	ErrInvalidRequest = errors.New("invalid request")

	// ErrForbidden indicates an authenticated caller acting outside its conversations or keys.
	ErrForbidden = errors.New("forbidden")

	// ErrMissingIdentityKey indicates a participant has not published an identity key yet.
	ErrMissingIdentityKey = errors.New("missing identity key")

	// ErrVersionConflict indicates optimistic concurrency failure.
	ErrVersionConflict = errors.New("version conflict")

	// ErrUnauthorized indicates failed authentication.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates temporary lock due to rate limiting.
	ErrRateLimited = errors.New("rate limited")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., username taken).
	ErrAlreadyExists = errors.New("already exists")
)

// MissingIdentityKeyError names the participant whose identity key is absent.
type MissingIdentityKeyError struct {
	UserID uuid.UUID
}

func (e *MissingIdentityKeyError) Error() string {
	return fmt.Sprintf("missing identity key for user %s", e.UserID)
}

// Unwrap lets errors.Is match ErrMissingIdentityKey.
func (e *MissingIdentityKeyError) Unwrap() error { return ErrMissingIdentityKey }

// MissingIdentityKey builds a MissingIdentityKeyError for the given user.
func MissingIdentityKey(userID uuid.UUID) error {
	return &MissingIdentityKeyError{UserID: userID}
}

// Invalid wraps ErrInvalidRequest with a human-readable reason.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
