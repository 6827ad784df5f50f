package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/and161185/goph-chat/internal/errs"
	"github.com/and161185/goph-chat/internal/model"
	"github.com/and161185/goph-chat/internal/repository"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// ConversationService is the registry of canonical one-to-one conversations.
type ConversationService interface {
	// GetOrCreate returns the conversation between a and b, creating it on first contact.
	GetOrCreate(ctx context.Context, a, b uuid.UUID) (model.Conversation, error)
	// ListForUser returns the conversations userID participates in.
	ListForUser(ctx context.Context, userID uuid.UUID) ([]model.Conversation, error)
	// GetForParticipant loads a conversation and checks that caller is a participant.
	GetForParticipant(ctx context.Context, convID, caller uuid.UUID) (model.Conversation, error)
}

type ConversationServiceImpl struct {
	repo repository.ConversationRepository
	log  *zap.Logger
}

// NewConversationService constructs ConversationService.
func NewConversationService(repo repository.ConversationRepository, log *zap.Logger) *ConversationServiceImpl {
	if log == nil {
		log = zap.NewNop()
	}
	return &ConversationServiceImpl{repo: repo, log: log}
}

// Canonical orders a pair so that the lower id comes first.
func Canonical(a, b uuid.UUID) (uuid.UUID, uuid.UUID) {
	if bytes.Compare(a.Bytes(), b.Bytes()) > 0 {
		return b, a
	}
	return a, b
}

// GetOrCreate is commutative and idempotent. A unique violation on insert means
// a concurrent caller won, so the row is re-read.
func (s *ConversationServiceImpl) GetOrCreate(ctx context.Context, a, b uuid.UUID) (model.Conversation, error) {
	if a == uuid.Nil || b == uuid.Nil {
		return model.Conversation{}, errs.Invalid("empty participant")
	}
	if a == b {
		return model.Conversation{}, errs.Invalid("cannot start a conversation with yourself")
	}
	ua, ub := Canonical(a, b)

	c, err := s.repo.GetByPair(ctx, ua, ub)
	if err == nil {
		return *c, nil
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return model.Conversation{}, err
	}

	c, err = s.repo.Insert(ctx, ua, ub)
	switch {
	case err == nil:
		return *c, nil
	case errors.Is(err, errs.ErrAlreadyExists):
		c, err = s.repo.GetByPair(ctx, ua, ub)
		if err != nil {
			return model.Conversation{}, fmt.Errorf("re-read conversation: %w", err)
		}
		return *c, nil
	default:
		return model.Conversation{}, err
	}
}

func (s *ConversationServiceImpl) ListForUser(ctx context.Context, userID uuid.UUID) ([]model.Conversation, error) {
	return s.repo.ListForUser(ctx, userID)
}

// GetForParticipant returns ErrNotFound for unknown ids and ErrForbidden for outsiders.
func (s *ConversationServiceImpl) GetForParticipant(ctx context.Context, convID, caller uuid.UUID) (model.Conversation, error) {
	c, err := s.repo.GetByID(ctx, convID)
	if err != nil {
		return model.Conversation{}, err
	}
	if !c.HasParticipant(caller) {
		s.log.Warn("non-participant access",
			zap.String("conversation", convID.String()),
			zap.String("user", caller.String()),
		)
		return model.Conversation{}, errs.ErrForbidden
	}
	return *c, nil
}
