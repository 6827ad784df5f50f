package postgres

import (
	"context"
	"errors"

	"github.com/and161185/goph-chat/internal/errs"
	"github.com/and161185/goph-chat/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// ConversationRepo implements ConversationRepository using PostgreSQL.
// Uniqueness of the canonical pair is enforced by the conversations_pair constraint.
type ConversationRepo struct{ db *DB }

// NewConversationRepo constructs a conversation repository.
func NewConversationRepo(db *DB) *ConversationRepo { return &ConversationRepo{db: db} }

// Insert creates a conversation row for a canonical pair.
func (r *ConversationRepo) Insert(ctx context.Context, userA, userB uuid.UUID) (*model.Conversation, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	const q = `
INSERT INTO conversations (id, user_a, user_b)
VALUES ($1, $2, $3)
RETURNING created_at`
	c := model.Conversation{ID: id, UserA: userA, UserB: userB}
	if err := r.db.Pool.QueryRow(ctx, q, id, userA, userB).Scan(&c.CreatedAt); err != nil {
		switch {
		case isUniqueViolation(err):
			return nil, errs.ErrAlreadyExists
		case isCheckViolation(err):
			return nil, errs.Invalid("pair is not canonical")
		case isForeignKeyViolation(err):
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// GetByPair loads the conversation for a canonical pair.
func (r *ConversationRepo) GetByPair(ctx context.Context, userA, userB uuid.UUID) (*model.Conversation, error) {
	const q = `
SELECT id, user_a, user_b, created_at
FROM conversations WHERE user_a=$1 AND user_b=$2`
	return scanConversation(r.db.Pool.QueryRow(ctx, q, userA, userB))
}

// GetByID loads a conversation by id.
func (r *ConversationRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.Conversation, error) {
	const q = `
SELECT id, user_a, user_b, created_at
FROM conversations WHERE id=$1`
	return scanConversation(r.db.Pool.QueryRow(ctx, q, id))
}

// ListForUser returns the user's conversations, newest first.
func (r *ConversationRepo) ListForUser(ctx context.Context, userID uuid.UUID) ([]model.Conversation, error) {
	const q = `
SELECT id, user_a, user_b, created_at
FROM conversations
WHERE user_a=$1 OR user_b=$1
ORDER BY created_at DESC`
	rows, err := r.db.Pool.Query(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Conversation
	for rows.Next() {
		var c model.Conversation
		if err := rows.Scan(&c.ID, &c.UserA, &c.UserB, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanConversation(row pgx.Row) (*model.Conversation, error) {
	var c model.Conversation
	if err := row.Scan(&c.ID, &c.UserA, &c.UserB, &c.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}
