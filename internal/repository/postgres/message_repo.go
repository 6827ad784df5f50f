package postgres

import (
	"context"
	"errors"

	"github.com/and161185/goph-chat/internal/errs"
	"github.com/and161185/goph-chat/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// MessageRepo implements MessageRepository using PostgreSQL.
type MessageRepo struct{ db *DB }

// NewMessageRepo constructs an envelope repository.
func NewMessageRepo(db *DB) *MessageRepo { return &MessageRepo{db: db} }

// Append inserts the envelope; ID, CreatedAt and AuthorName come from the database.
func (r *MessageRepo) Append(ctx context.Context, env *model.Envelope) error {
	const q = `
INSERT INTO messages (conversation_id, author_id, ciphertext, nonce)
VALUES ($1, $2, $3, $4)
RETURNING id, created_at, (SELECT username FROM users WHERE id=$2)`
	err := r.db.Pool.QueryRow(ctx, q, env.ConversationID, env.AuthorID, env.Ciphertext, env.Nonce).
		Scan(&env.ID, &env.CreatedAt, &env.AuthorName)
	switch {
	case err == nil:
		return nil
	case isCheckViolation(err):
		return errs.Invalid("empty ciphertext or nonce")
	case isForeignKeyViolation(err):
		return errs.ErrNotFound
	default:
		return err
	}
}

const (
	listNewest = `
SELECT m.id, m.conversation_id, m.author_id, u.username, m.ciphertext, m.nonce, m.is_read, m.edited_at, m.created_at
FROM messages m JOIN users u ON u.id = m.author_id
WHERE m.conversation_id=$1
ORDER BY m.created_at DESC, m.id DESC
LIMIT $2`

	listOldest = `
SELECT * FROM (` + listNewest + `) latest
ORDER BY created_at ASC, id ASC`
)

// List returns up to limit envelopes in the requested order.
func (r *MessageRepo) List(ctx context.Context, convID uuid.UUID, limit int, order model.HistoryOrder) ([]model.Envelope, error) {
	q := listOldest
	if order == model.NewestFirst {
		q = listNewest
	}
	rows, err := r.db.Pool.Query(ctx, q, convID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Envelope, 0, limit)
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *env)
	}
	return out, rows.Err()
}

// Latest returns the newest envelope of the conversation.
func (r *MessageRepo) Latest(ctx context.Context, convID uuid.UUID) (*model.Envelope, error) {
	env, err := scanEnvelope(r.db.Pool.QueryRow(ctx, listNewest, convID, 1))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	return env, err
}

// MarkRead flags the peer's unread envelopes as read.
func (r *MessageRepo) MarkRead(ctx context.Context, convID, readerID uuid.UUID) (int64, error) {
	const q = `
UPDATE messages SET is_read=true
WHERE conversation_id=$1 AND author_id<>$2 AND NOT is_read`
	tag, err := r.db.Pool.Exec(ctx, q, convID, readerID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CountUnread counts the peer's envelopes the reader has not seen.
func (r *MessageRepo) CountUnread(ctx context.Context, convID, readerID uuid.UUID) (int64, error) {
	const q = `
SELECT count(*) FROM messages
WHERE conversation_id=$1 AND author_id<>$2 AND NOT is_read`
	var n int64
	if err := r.db.Pool.QueryRow(ctx, q, convID, readerID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func scanEnvelope(row pgx.Row) (*model.Envelope, error) {
	var e model.Envelope
	err := row.Scan(&e.ID, &e.ConversationID, &e.AuthorID, &e.AuthorName, &e.Ciphertext, &e.Nonce,
		&e.IsRead, &e.EditedAt, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
