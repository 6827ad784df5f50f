package service

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/and161185/goph-chat/internal/errs"
	"github.com/and161185/goph-chat/internal/model"
	"github.com/and161185/goph-chat/internal/repository"
	"github.com/gofrs/uuid/v5"
)

// ChatService builds the caller's chat list and starts chats by username.
type ChatService interface {
	// List returns one summary per conversation, most recent activity first.
	List(ctx context.Context, caller uuid.UUID) ([]model.ChatSummary, error)
	// Start resolves otherUsername, gets or creates the conversation and provisions
	// its key when both identity keys exist.
	Start(ctx context.Context, caller uuid.UUID, otherUsername string) (model.ChatSummary, error)
}

type ChatServiceImpl struct {
	users    repository.UserRepository
	keys     repository.IdentityKeyRepository
	messages repository.MessageRepository
	convs    ConversationService
	sessions SessionKeyService
}

// NewChatService constructs ChatService.
func NewChatService(
	users repository.UserRepository,
	keys repository.IdentityKeyRepository,
	messages repository.MessageRepository,
	convs ConversationService,
	sessions SessionKeyService,
) *ChatServiceImpl {
	return &ChatServiceImpl{users: users, keys: keys, messages: messages, convs: convs, sessions: sessions}
}

func (s *ChatServiceImpl) List(ctx context.Context, caller uuid.UUID) ([]model.ChatSummary, error) {
	convs, err := s.convs.ListForUser(ctx, caller)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(convs))
	for _, c := range convs {
		ids = append(ids, c.Other(caller))
	}
	peers, err := s.users.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]model.ChatSummary, 0, len(convs))
	for _, c := range convs {
		other, ok := peers[c.Other(caller)]
		if !ok {
			return nil, errs.ErrNotFound
		}
		sum, err := s.summary(ctx, c, other, caller)
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	sortByActivity(out)
	return out, nil
}

func (s *ChatServiceImpl) Start(ctx context.Context, caller uuid.UUID, otherUsername string) (model.ChatSummary, error) {
	if otherUsername == "" {
		return model.ChatSummary{}, errs.Invalid("other username is required")
	}
	other, err := s.users.GetByUsername(ctx, otherUsername)
	if err != nil {
		return model.ChatSummary{}, err
	}
	c, err := s.convs.GetOrCreate(ctx, caller, other.ID)
	if err != nil {
		return model.ChatSummary{}, err
	}
	if _, err := s.sessions.ProvisionIfReady(ctx, c); err != nil {
		return model.ChatSummary{}, err
	}
	return s.summary(ctx, c, *other, caller)
}

func (s *ChatServiceImpl) summary(ctx context.Context, c model.Conversation, other model.User, caller uuid.UUID) (model.ChatSummary, error) {
	sum := model.ChatSummary{Conversation: c, Other: other}

	switch k, err := s.keys.Get(ctx, other.ID); {
	case err == nil:
		pk := k.PublicKey
		sum.OtherPublicKey = &pk
	case !errors.Is(err, errs.ErrNotFound):
		return model.ChatSummary{}, err
	}

	switch env, err := s.messages.Latest(ctx, c.ID); {
	case err == nil:
		sum.Latest = env
	case !errors.Is(err, errs.ErrNotFound):
		return model.ChatSummary{}, err
	}

	var err error
	sum.Unread, err = s.messages.CountUnread(ctx, c.ID, caller)
	if err != nil {
		return model.ChatSummary{}, err
	}
	return sum, nil
}

func activity(s model.ChatSummary) time.Time {
	if s.Latest != nil {
		return s.Latest.CreatedAt
	}
	return s.Conversation.CreatedAt
}

// sortByActivity orders summaries newest activity first, stable on ties.
func sortByActivity(ss []model.ChatSummary) {
	slices.SortStableFunc(ss, func(a, b model.ChatSummary) int {
		return activity(b).Compare(activity(a))
	})
}
