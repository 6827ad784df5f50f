package service

import (
	"context"
	"fmt"

	"github.com/and161185/goph-chat/internal/errs"
	"github.com/and161185/goph-chat/internal/model"
	"github.com/and161185/goph-chat/internal/repository"
	"github.com/gofrs/uuid/v5"
)

// Default history bounds.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// MessageService is the append-only ciphertext log.
type MessageService interface {
	// Append stores an envelope authored by author; author must be a participant.
	Append(ctx context.Context, convID, author uuid.UUID, ciphertext, nonce string) (model.Envelope, error)
	// History returns up to limit envelopes in the requested order; caller must be a participant.
	History(ctx context.Context, convID, caller uuid.UUID, limit int, order model.HistoryOrder) ([]model.Envelope, error)
	// MarkRead flags the other participant's envelopes as read.
	MarkRead(ctx context.Context, convID, reader uuid.UUID) (int64, error)
}

type MessageServiceImpl struct {
	convs        ConversationService
	repo         repository.MessageRepository
	defaultLimit int
	maxLimit     int
}

// NewMessageService constructs MessageService with history limits.
func NewMessageService(convs ConversationService, repo repository.MessageRepository, defaultLimit, maxLimit int) *MessageServiceImpl {
	if maxLimit <= 0 {
		maxLimit = MaxHistoryLimit
	}
	if defaultLimit <= 0 || defaultLimit > maxLimit {
		defaultLimit = min(DefaultHistoryLimit, maxLimit)
	}
	return &MessageServiceImpl{convs: convs, repo: repo, defaultLimit: defaultLimit, maxLimit: maxLimit}
}

// Append keeps ciphertext and nonce verbatim.
func (s *MessageServiceImpl) Append(ctx context.Context, convID, author uuid.UUID, ciphertext, nonce string) (model.Envelope, error) {
	if ciphertext == "" || nonce == "" {
		return model.Envelope{}, errs.Invalid("ciphertext and nonce are required")
	}
	if _, err := s.convs.GetForParticipant(ctx, convID, author); err != nil {
		return model.Envelope{}, err
	}
	env := model.Envelope{
		ConversationID: convID,
		AuthorID:       author,
		Ciphertext:     ciphertext,
		Nonce:          nonce,
	}
	if err := s.repo.Append(ctx, &env); err != nil {
		return model.Envelope{}, fmt.Errorf("append envelope: %w", err)
	}
	return env, nil
}

// History clamps limit to [1, max]; zero or negative selects the default.
func (s *MessageServiceImpl) History(ctx context.Context, convID, caller uuid.UUID, limit int, order model.HistoryOrder) ([]model.Envelope, error) {
	if _, err := s.convs.GetForParticipant(ctx, convID, caller); err != nil {
		return nil, err
	}
	switch {
	case limit <= 0:
		limit = s.defaultLimit
	case limit > s.maxLimit:
		limit = s.maxLimit
	}
	return s.repo.List(ctx, convID, limit, order)
}

func (s *MessageServiceImpl) MarkRead(ctx context.Context, convID, reader uuid.UUID) (int64, error) {
	if _, err := s.convs.GetForParticipant(ctx, convID, reader); err != nil {
		return 0, err
	}
	return s.repo.MarkRead(ctx, convID, reader)
}
