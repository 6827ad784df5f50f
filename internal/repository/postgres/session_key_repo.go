package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/and161185/goph-chat/internal/errs"
	"github.com/and161185/goph-chat/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// SessionKeyRepo implements SessionKeyRepository using PostgreSQL.
type SessionKeyRepo struct{ db *DB }

// NewSessionKeyRepo constructs a wrapped-key repository.
func NewSessionKeyRepo(db *DB) *SessionKeyRepo { return &SessionKeyRepo{db: db} }

const selectWraps = `
SELECT conversation_id, user_id, ciphertext, nonce, created_at
FROM wrapped_keys WHERE conversation_id=$1
ORDER BY user_id`

// List returns every wrapped copy of the conversation key.
func (r *SessionKeyRepo) List(ctx context.Context, convID uuid.UUID) ([]model.WrappedKey, error) {
	return listWraps(ctx, r.db.Pool, convID)
}

// Get returns the participant's own wrapped copy.
func (r *SessionKeyRepo) Get(ctx context.Context, convID, userID uuid.UUID) (*model.WrappedKey, error) {
	const q = `
SELECT conversation_id, user_id, ciphertext, nonce, created_at
FROM wrapped_keys WHERE conversation_id=$1 AND user_id=$2`
	var w model.WrappedKey
	err := r.db.Pool.QueryRow(ctx, q, convID, userID).Scan(&w.ConversationID, &w.UserID, &w.Ciphertext, &w.Nonce, &w.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &w, nil
}

// ProvisionOnce locks the conversation row, so concurrent provisioners across
// processes queue behind the first one and then observe its wraps.
func (r *SessionKeyRepo) ProvisionOnce(
	ctx context.Context, convID uuid.UUID, gen func() ([]model.WrappedKey, error),
) (wraps []model.WrappedKey, created bool, err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	const lock = `SELECT id FROM conversations WHERE id=$1 FOR UPDATE`
	var locked uuid.UUID
	if err = tx.QueryRow(ctx, lock, convID).Scan(&locked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, errs.ErrNotFound
		}
		return nil, false, err
	}

	existing, err := listWraps(ctx, tx, convID)
	if err != nil {
		return nil, false, err
	}
	if len(existing) > 0 {
		return existing, false, nil
	}

	wraps, err = gen()
	if err != nil {
		return nil, false, err
	}

	const ins = `
INSERT INTO wrapped_keys (conversation_id, user_id, ciphertext, nonce)
VALUES ($1, $2, $3, $4)
RETURNING created_at`
	for i := range wraps {
		w := &wraps[i]
		if w.ConversationID != convID {
			return nil, false, fmt.Errorf("wrap[%d]: conversation mismatch", i)
		}
		if err = tx.QueryRow(ctx, ins, convID, w.UserID, w.Ciphertext, w.Nonce).Scan(&w.CreatedAt); err != nil {
			if isUniqueViolation(err) {
				return nil, false, fmt.Errorf("wrap[%d]: %w", i, errs.ErrVersionConflict)
			}
			return nil, false, err
		}
	}
	return wraps, true, nil
}

func listWraps(ctx context.Context, q querier, convID uuid.UUID) ([]model.WrappedKey, error) {
	rows, err := q.Query(ctx, selectWraps, convID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.WrappedKey
	for rows.Next() {
		var w model.WrappedKey
		if err := rows.Scan(&w.ConversationID, &w.UserID, &w.Ciphertext, &w.Nonce, &w.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
