package service

import (
	"context"
	"fmt"

	pkgcrypto "github.com/and161185/goph-chat/internal/crypto"
	"github.com/and161185/goph-chat/internal/errs"
	"github.com/and161185/goph-chat/internal/model"
	"github.com/and161185/goph-chat/internal/repository"
	"github.com/gofrs/uuid/v5"
)

// IdentityKeyService manages each user's published identity key.
type IdentityKeyService interface {
	// Publish stores the caller's identity key; a second publish fails with ErrAlreadyExists.
	Publish(ctx context.Context, userID uuid.UUID, k model.IdentityKey) (model.IdentityKey, error)
	// GetMine returns the caller's full record including the sealed private key.
	GetMine(ctx context.Context, userID uuid.UUID) (model.IdentityKey, error)
	// PublicByUsername returns another user's public key only.
	PublicByUsername(ctx context.Context, username string) (model.User, model.PublicKey, error)
}

type IdentityKeyServiceImpl struct {
	users  repository.UserRepository
	keys   repository.IdentityKeyRepository
	crypto *pkgcrypto.Provider
}

// NewIdentityKeyService constructs IdentityKeyService.
func NewIdentityKeyService(users repository.UserRepository, keys repository.IdentityKeyRepository, p *pkgcrypto.Provider) *IdentityKeyServiceImpl {
	return &IdentityKeyServiceImpl{users: users, keys: keys, crypto: p}
}

// Publish validates the public key and the sealed blob, then creates the record.
// Validation rules:
// - public key parses as RSA with an acceptable modulus and exponent
// - encrypted private key, salt and nonce are non-empty
func (s *IdentityKeyServiceImpl) Publish(ctx context.Context, userID uuid.UUID, k model.IdentityKey) (model.IdentityKey, error) {
	if userID == uuid.Nil {
		return model.IdentityKey{}, errs.Invalid("empty user id")
	}
	if _, err := s.crypto.ParsePublicKey(k.PublicKey); err != nil {
		return model.IdentityKey{}, err
	}
	if len(k.EncryptedPrivateKey) == 0 || len(k.Salt) == 0 || len(k.Nonce) == 0 {
		return model.IdentityKey{}, errs.Invalid("encrypted private key, salt and nonce are required")
	}
	k.UserID = userID
	if err := s.keys.Create(ctx, &k); err != nil {
		return model.IdentityKey{}, fmt.Errorf("publish identity key: %w", err)
	}
	return k, nil
}

// GetMine returns ErrNotFound until the caller publishes a key.
func (s *IdentityKeyServiceImpl) GetMine(ctx context.Context, userID uuid.UUID) (model.IdentityKey, error) {
	k, err := s.keys.Get(ctx, userID)
	if err != nil {
		return model.IdentityKey{}, err
	}
	return *k, nil
}

func (s *IdentityKeyServiceImpl) PublicByUsername(ctx context.Context, username string) (model.User, model.PublicKey, error) {
	u, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		return model.User{}, model.PublicKey{}, err
	}
	k, err := s.keys.Get(ctx, u.ID)
	if err != nil {
		return model.User{}, model.PublicKey{}, err
	}
	return *u, k.PublicKey, nil
}
