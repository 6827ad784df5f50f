// Package memory is an in-process storage backend. It keeps the same uniqueness
// and ordering rules as the PostgreSQL schema and is used for dev runs and tests.
package memory

import (
	"bytes"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/and161185/goph-chat/internal/errs"
	"github.com/and161185/goph-chat/internal/model"
	"github.com/and161185/goph-chat/internal/repository"
	"github.com/gofrs/uuid/v5"
)

type pair struct{ a, b uuid.UUID }

// Store holds every table behind one mutex.
type Store struct {
	mu sync.Mutex
	// provision serializes ProvisionOnce; gen may read the store, so mu is not held across it.
	provision sync.Mutex

	users     map[uuid.UUID]model.User
	usernames map[string]uuid.UUID
	idKeys    map[uuid.UUID]model.IdentityKey
	convs     map[uuid.UUID]model.Conversation
	pairs     map[pair]uuid.UUID
	wraps     map[uuid.UUID][]model.WrappedKey
	messages  []model.Envelope
	lastMsgID int64
}

// New returns an empty store.
func New() *Store {
	return &Store{
		users:     map[uuid.UUID]model.User{},
		usernames: map[string]uuid.UUID{},
		idKeys:    map[uuid.UUID]model.IdentityKey{},
		convs:     map[uuid.UUID]model.Conversation{},
		pairs:     map[pair]uuid.UUID{},
		wraps:     map[uuid.UUID][]model.WrappedKey{},
	}
}

type (
	UserRepo         struct{ s *Store }
	IdentityKeyRepo  struct{ s *Store }
	ConversationRepo struct{ s *Store }
	SessionKeyRepo   struct{ s *Store }
	MessageRepo      struct{ s *Store }
)

var (
	_ repository.UserRepository         = UserRepo{}
	_ repository.IdentityKeyRepository  = IdentityKeyRepo{}
	_ repository.ConversationRepository = ConversationRepo{}
	_ repository.SessionKeyRepository   = SessionKeyRepo{}
	_ repository.MessageRepository      = MessageRepo{}
)

func (s *Store) Users() UserRepo                 { return UserRepo{s} }
func (s *Store) IdentityKeys() IdentityKeyRepo   { return IdentityKeyRepo{s} }
func (s *Store) Conversations() ConversationRepo { return ConversationRepo{s} }
func (s *Store) SessionKeys() SessionKeyRepo     { return SessionKeyRepo{s} }
func (s *Store) Messages() MessageRepo           { return MessageRepo{s} }

// --- users ---

func (r UserRepo) Create(_ context.Context, u *model.User) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.usernames[u.Username]; ok {
		return errs.ErrAlreadyExists
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	r.s.users[u.ID] = *u
	r.s.usernames[u.Username] = u.ID
	return nil
}

func (r UserRepo) GetByID(_ context.Context, id uuid.UUID) (*model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &u, nil
}

func (r UserRepo) GetByUsername(_ context.Context, username string) (*model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	id, ok := r.s.usernames[username]
	if !ok {
		return nil, errs.ErrNotFound
	}
	u := r.s.users[id]
	return &u, nil
}

func (r UserRepo) GetMany(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make(map[uuid.UUID]model.User, len(ids))
	for _, id := range ids {
		if u, ok := r.s.users[id]; ok {
			out[id] = u
		}
	}
	return out, nil
}

// --- identity keys ---

func (r IdentityKeyRepo) Create(_ context.Context, k *model.IdentityKey) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.users[k.UserID]; !ok {
		return errs.ErrNotFound
	}
	if _, ok := r.s.idKeys[k.UserID]; ok {
		return errs.ErrAlreadyExists
	}
	k.CreatedAt = time.Now()
	r.s.idKeys[k.UserID] = *k
	return nil
}

func (r IdentityKeyRepo) Get(_ context.Context, userID uuid.UUID) (*model.IdentityKey, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	k, ok := r.s.idKeys[userID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &k, nil
}

// --- conversations ---

func (r ConversationRepo) Insert(_ context.Context, a, b uuid.UUID) (*model.Conversation, error) {
	if bytes.Compare(a.Bytes(), b.Bytes()) >= 0 {
		return nil, errs.Invalid("pair must be canonical and distinct")
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.pairs[pair{a, b}]; ok {
		return nil, errs.ErrAlreadyExists
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	c := model.Conversation{ID: id, UserA: a, UserB: b, CreatedAt: time.Now()}
	r.s.convs[id] = c
	r.s.pairs[pair{a, b}] = id
	return &c, nil
}

func (r ConversationRepo) GetByPair(_ context.Context, a, b uuid.UUID) (*model.Conversation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	id, ok := r.s.pairs[pair{a, b}]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := r.s.convs[id]
	return &c, nil
}

func (r ConversationRepo) GetByID(_ context.Context, id uuid.UUID) (*model.Conversation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.convs[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &c, nil
}

func (r ConversationRepo) ListForUser(_ context.Context, userID uuid.UUID) ([]model.Conversation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.Conversation
	for _, c := range r.s.convs {
		if c.HasParticipant(userID) {
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(x, y model.Conversation) int { return y.CreatedAt.Compare(x.CreatedAt) })
	return out, nil
}

// --- wrapped session keys ---

func (r SessionKeyRepo) List(_ context.Context, convID uuid.UUID) ([]model.WrappedKey, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return slices.Clone(r.s.wraps[convID]), nil
}

func (r SessionKeyRepo) Get(_ context.Context, convID, userID uuid.UUID) (*model.WrappedKey, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, w := range r.s.wraps[convID] {
		if w.UserID == userID {
			return &w, nil
		}
	}
	return nil, errs.ErrNotFound
}

// ProvisionOnce holds the provisioning lock across check, generate and insert.
func (r SessionKeyRepo) ProvisionOnce(_ context.Context, convID uuid.UUID, gen func() ([]model.WrappedKey, error)) ([]model.WrappedKey, bool, error) {
	r.s.provision.Lock()
	defer r.s.provision.Unlock()

	r.s.mu.Lock()
	_, known := r.s.convs[convID]
	existing := slices.Clone(r.s.wraps[convID])
	r.s.mu.Unlock()
	if !known {
		return nil, false, errs.ErrNotFound
	}
	if len(existing) > 0 {
		return existing, false, nil
	}

	ws, err := gen()
	if err != nil {
		return nil, false, err
	}
	now := time.Now()
	for i := range ws {
		ws[i].CreatedAt = now
	}
	r.s.mu.Lock()
	r.s.wraps[convID] = slices.Clone(ws)
	r.s.mu.Unlock()
	return ws, true, nil
}

// --- messages ---

func (r MessageRepo) Append(_ context.Context, env *model.Envelope) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.convs[env.ConversationID]; !ok {
		return errs.ErrNotFound
	}
	u, ok := r.s.users[env.AuthorID]
	if !ok {
		return errs.ErrNotFound
	}
	r.s.lastMsgID++
	env.ID = r.s.lastMsgID
	env.AuthorName = u.Username
	env.CreatedAt = time.Now()
	r.s.messages = append(r.s.messages, *env)
	return nil
}

// of returns the conversation's envelopes in insertion order. Caller holds mu.
func (r MessageRepo) of(convID uuid.UUID) []model.Envelope {
	var out []model.Envelope
	for _, e := range r.s.messages {
		if e.ConversationID == convID {
			out = append(out, e)
		}
	}
	return out
}

func (r MessageRepo) List(_ context.Context, convID uuid.UUID, limit int, order model.HistoryOrder) ([]model.Envelope, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	all := r.of(convID)
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	if order == model.NewestFirst {
		slices.Reverse(all)
	}
	return all, nil
}

func (r MessageRepo) Latest(_ context.Context, convID uuid.UUID) (*model.Envelope, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	all := r.of(convID)
	if len(all) == 0 {
		return nil, errs.ErrNotFound
	}
	return &all[len(all)-1], nil
}

func (r MessageRepo) MarkRead(_ context.Context, convID, readerID uuid.UUID) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for i := range r.s.messages {
		e := &r.s.messages[i]
		if e.ConversationID == convID && e.AuthorID != readerID && !e.IsRead {
			e.IsRead = true
			n++
		}
	}
	return n, nil
}

func (r MessageRepo) CountUnread(_ context.Context, convID, readerID uuid.UUID) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, e := range r.of(convID) {
		if e.AuthorID != readerID && !e.IsRead {
			n++
		}
	}
	return n, nil
}
