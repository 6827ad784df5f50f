package repository

import (
	"context"

	"github.com/and161185/goph-chat/internal/model"
	"github.com/gofrs/uuid/v5"
)

// MessageRepository is an append-only envelope log per conversation.
type MessageRepository interface {
	// Append stores the envelope and fills ID and CreatedAt.
	Append(ctx context.Context, env *model.Envelope) error
	// List returns up to limit envelopes of the conversation in the requested order.
	// OldestFirst returns the latest limit envelopes, oldest first.
	List(ctx context.Context, convID uuid.UUID, limit int, order model.HistoryOrder) ([]model.Envelope, error)
	// Latest returns the most recent envelope; ErrNotFound for an empty conversation.
	Latest(ctx context.Context, convID uuid.UUID) (*model.Envelope, error)
	// MarkRead flags every unread envelope not authored by readerID; returns rows changed.
	MarkRead(ctx context.Context, convID, readerID uuid.UUID) (int64, error)
	// CountUnread counts envelopes not authored by readerID that are still unread.
	CountUnread(ctx context.Context, convID, readerID uuid.UUID) (int64, error)
}
