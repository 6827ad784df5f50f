package repository

import (
	"context"

	"github.com/and161185/goph-chat/internal/model"
	"github.com/gofrs/uuid/v5"
)

// IdentityKeyRepository stores one identity key record per user.
type IdentityKeyRepository interface {
	// Create inserts the user's record; ErrAlreadyExists if one is present.
	Create(ctx context.Context, k *model.IdentityKey) error
	// Get loads the user's record; ErrNotFound if absent.
	Get(ctx context.Context, userID uuid.UUID) (*model.IdentityKey, error)
}

// SessionKeyRepository stores wrapped conversation keys.
type SessionKeyRepository interface {
	// List returns every wrapped copy stored for the conversation.
	List(ctx context.Context, convID uuid.UUID) ([]model.WrappedKey, error)

	// Get returns the participant's own wrapped copy; ErrNotFound if absent.
	Get(ctx context.Context, convID, userID uuid.UUID) (*model.WrappedKey, error)

	// ProvisionOnce serializes provisioning for convID. If wraps already exist they are
	// returned with created=false and gen is not called. Otherwise gen produces the wraps,
	// which are inserted atomically.
	ProvisionOnce(ctx context.Context, convID uuid.UUID,
		gen func() ([]model.WrappedKey, error)) (wraps []model.WrappedKey, created bool, err error)
}
