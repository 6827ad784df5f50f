package postgres

import (
	"context"
	"errors"

	"github.com/and161185/goph-chat/internal/errs"
	"github.com/and161185/goph-chat/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// IdentityKeyRepo implements IdentityKeyRepository using PostgreSQL.
type IdentityKeyRepo struct{ db *DB }

// NewIdentityKeyRepo constructs an identity key repository.
func NewIdentityKeyRepo(db *DB) *IdentityKeyRepo { return &IdentityKeyRepo{db: db} }

// Create inserts the record unless the user already has one.
func (r *IdentityKeyRepo) Create(ctx context.Context, k *model.IdentityKey) error {
	const q = `
INSERT INTO identity_keys (user_id, pk_kty, pk_n, pk_e, encrypted_private_key, salt, nonce)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (user_id) DO NOTHING`
	tag, err := r.db.Pool.Exec(ctx, q, k.UserID, k.PublicKey.Kty, k.PublicKey.N, k.PublicKey.E,
		k.EncryptedPrivateKey, k.Salt, k.Nonce)
	if err != nil {
		if isForeignKeyViolation(err) {
			return errs.ErrNotFound
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrAlreadyExists
	}
	return nil
}

// Get loads the user's identity key record.
func (r *IdentityKeyRepo) Get(ctx context.Context, userID uuid.UUID) (*model.IdentityKey, error) {
	const q = `
SELECT user_id, pk_kty, pk_n, pk_e, encrypted_private_key, salt, nonce, created_at
FROM identity_keys WHERE user_id=$1`
	var k model.IdentityKey
	err := r.db.Pool.QueryRow(ctx, q, userID).Scan(&k.UserID, &k.PublicKey.Kty, &k.PublicKey.N, &k.PublicKey.E,
		&k.EncryptedPrivateKey, &k.Salt, &k.Nonce, &k.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &k, nil
}
