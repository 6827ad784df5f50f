package repository

import (
	"context"

	"github.com/and161185/goph-chat/internal/model"
	"github.com/gofrs/uuid/v5"
)

// ConversationRepository stores canonical one-to-one conversations.
type ConversationRepository interface {
	// Insert creates a conversation for an already canonical pair.
	// Returns ErrAlreadyExists when the pair is taken.
	Insert(ctx context.Context, userA, userB uuid.UUID) (*model.Conversation, error)
	// GetByPair loads the conversation for a canonical pair; ErrNotFound if absent.
	GetByPair(ctx context.Context, userA, userB uuid.UUID) (*model.Conversation, error)
	// GetByID loads a conversation; ErrNotFound if absent.
	GetByID(ctx context.Context, id uuid.UUID) (*model.Conversation, error)
	// ListForUser returns all conversations the user participates in.
	ListForUser(ctx context.Context, userID uuid.UUID) ([]model.Conversation, error)
}
