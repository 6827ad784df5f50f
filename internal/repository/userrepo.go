// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/and161185/goph-chat/internal/model"
	"github.com/gofrs/uuid/v5"
)

// UserRepository stores accounts. Usernames are unique.
type UserRepository interface {
	// Create inserts u; ErrAlreadyExists when the username is taken.
	Create(ctx context.Context, u *model.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.User, error)
	GetByUsername(ctx context.Context, username string) (*model.User, error)
	// GetMany returns the users found among ids keyed by id; unknown ids are skipped.
	GetMany(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]model.User, error)
}
