package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	pkgcrypto "github.com/and161185/goph-chat/internal/crypto"
	"github.com/and161185/goph-chat/internal/errs"
	"github.com/and161185/goph-chat/internal/model"
	"github.com/and161185/goph-chat/internal/repository"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ProvisionTimeout bounds a shared provisioning run, which outlives the caller that started it.
const ProvisionTimeout = 15 * time.Second

// SessionKeyService distributes one symmetric key per conversation, wrapped for each participant.
type SessionKeyService interface {
	// Provision returns the wraps of conv, generating the key only if none exist.
	Provision(ctx context.Context, conv model.Conversation) ([]model.WrappedKey, error)
	// Fetch returns caller's own wrap, provisioning on first access.
	Fetch(ctx context.Context, convID, caller uuid.UUID) (model.WrappedKey, error)
	// ProvisionIfReady provisions when both identity keys are published; a missing key is not an error.
	ProvisionIfReady(ctx context.Context, conv model.Conversation) (bool, error)
}

type SessionKeyServiceImpl struct {
	convs  ConversationService
	keys   repository.IdentityKeyRepository
	wraps  repository.SessionKeyRepository
	crypto *pkgcrypto.Provider
	log    *zap.Logger

	group singleflight.Group
}

// NewSessionKeyService constructs SessionKeyService with an explicit crypto provider.
func NewSessionKeyService(
	convs ConversationService,
	keys repository.IdentityKeyRepository,
	wraps repository.SessionKeyRepository,
	p *pkgcrypto.Provider,
	log *zap.Logger,
) *SessionKeyServiceImpl {
	if log == nil {
		log = zap.NewNop()
	}
	return &SessionKeyServiceImpl{convs: convs, keys: keys, wraps: wraps, crypto: p, log: log}
}

// Provision collapses concurrent calls in-process; the repository serializes
// across processes and never calls the generator once wraps exist. The shared
// run is detached from the caller's cancellation, so one caller going away does
// not fail the others waiting on it.
func (s *SessionKeyServiceImpl) Provision(ctx context.Context, conv model.Conversation) ([]model.WrappedKey, error) {
	if conv.ID == uuid.Nil {
		return nil, errs.Invalid("empty conversation id")
	}
	ch := s.group.DoChan(conv.ID.String(), func() (any, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ProvisionTimeout)
		defer cancel()
		wraps, created, err := s.wraps.ProvisionOnce(sctx, conv.ID, func() ([]model.WrappedKey, error) {
			return s.generate(sctx, conv)
		})
		if err != nil {
			return nil, err
		}
		if created {
			s.log.Info("session key provisioned", zap.String("conversation", conv.ID.String()))
		}
		return wraps, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		wraps := res.Val.([]model.WrappedKey)
		return append([]model.WrappedKey(nil), wraps...), nil
	}
}

// generate loads both identity keys before producing the key so that a missing
// key leaves nothing behind.
func (s *SessionKeyServiceImpl) generate(ctx context.Context, conv model.Conversation) ([]model.WrappedKey, error) {
	participants := conv.Participants()
	pubs := make([]model.PublicKey, 0, len(participants))
	for _, uid := range participants {
		k, err := s.keys.Get(ctx, uid)
		if errors.Is(err, errs.ErrNotFound) {
			return nil, errs.MissingIdentityKey(uid)
		}
		if err != nil {
			return nil, fmt.Errorf("load identity key: %w", err)
		}
		pubs = append(pubs, k.PublicKey)
	}

	key, err := s.crypto.NewSessionKey()
	if err != nil {
		return nil, err
	}
	defer clear(key)

	out := make([]model.WrappedKey, 0, len(participants))
	for i, uid := range participants {
		w, err := s.crypto.WrapFor(conv.ID, uid, pubs[i], key)
		if err != nil {
			return nil, fmt.Errorf("wrap for %s: %w", uid, err)
		}
		out = append(out, w)
	}
	return out, nil
}

// Fetch never returns another participant's wrap.
func (s *SessionKeyServiceImpl) Fetch(ctx context.Context, convID, caller uuid.UUID) (model.WrappedKey, error) {
	conv, err := s.convs.GetForParticipant(ctx, convID, caller)
	if err != nil {
		return model.WrappedKey{}, err
	}
	w, err := s.wraps.Get(ctx, convID, caller)
	if err == nil {
		return *w, nil
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return model.WrappedKey{}, err
	}

	wraps, err := s.Provision(ctx, conv)
	if err != nil {
		return model.WrappedKey{}, err
	}
	for _, w := range wraps {
		if w.UserID == caller {
			return w, nil
		}
	}
	return model.WrappedKey{}, errs.ErrNotFound
}

func (s *SessionKeyServiceImpl) ProvisionIfReady(ctx context.Context, conv model.Conversation) (bool, error) {
	_, err := s.Provision(ctx, conv)
	if errors.Is(err, errs.ErrMissingIdentityKey) {
		var mk *errs.MissingIdentityKeyError
		if errors.As(err, &mk) {
			s.log.Debug("provision deferred",
				zap.String("conversation", conv.ID.String()),
				zap.String("missing", mk.UserID.String()),
			)
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
