package service

import (
	"context"
	"crypto/rsa"
	"slices"
	"sync"
	"testing"
	"time"

	pkgcrypto "github.com/and161185/goph-chat/internal/crypto"
	"github.com/and161185/goph-chat/internal/crypto/clientcrypto"
	"github.com/and161185/goph-chat/internal/errs"
	"github.com/and161185/goph-chat/internal/limiter"
	"github.com/and161185/goph-chat/internal/model"
	"github.com/and161185/goph-chat/internal/repository"
	"github.com/gofrs/uuid/v5"
)

type fakeUsers struct {
	mu     sync.Mutex
	byName map[string]*model.User

	createErr error
	getErr    error
}

var _ repository.UserRepository = (*fakeUsers)(nil)

func newFakeUsers() *fakeUsers { return &fakeUsers{byName: map[string]*model.User{}} }

func (f *fakeUsers) add(name string) model.User {
	u := model.User{ID: uuid.Must(uuid.NewV4()), Username: name, CreatedAt: time.Now()}
	f.mu.Lock()
	f.byName[name] = &u
	f.mu.Unlock()
	return u
}

func (f *fakeUsers) Create(_ context.Context, u *model.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	if _, exists := f.byName[u.Username]; exists {
		return errs.ErrAlreadyExists
	}
	cpy := *u
	f.byName[u.Username] = &cpy
	return nil
}

func (f *fakeUsers) GetByID(_ context.Context, id uuid.UUID) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.byName {
		if u.ID == id {
			c := *u
			return &c, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (f *fakeUsers) GetByUsername(_ context.Context, username string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	u, ok := f.byName[username]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := *u
	return &c, nil
}

func (f *fakeUsers) GetMany(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	out := map[uuid.UUID]model.User{}
	for _, u := range f.byName {
		if slices.Contains(ids, u.ID) {
			out[u.ID] = *u
		}
	}
	return out, nil
}

type fakeLimiter struct {
	allowOK  bool
	allowErr error

	failBlocked bool
	failErr     error

	successErr error

	allowCalls   int
	failureCalls int
	successCalls int
	lastScope    limiter.Scope
}

var _ limiter.Limiter = (*fakeLimiter)(nil)

func (l *fakeLimiter) Allow(_ context.Context, scope limiter.Scope, _ string, _ []byte) (bool, time.Duration, error) {
	l.allowCalls++
	l.lastScope = scope
	return l.allowOK, 0, l.allowErr
}
func (l *fakeLimiter) Success(context.Context, limiter.Scope, string, []byte) error {
	l.successCalls++
	return l.successErr
}
func (l *fakeLimiter) Failure(context.Context, limiter.Scope, string, []byte) (bool, time.Duration, error) {
	l.failureCalls++
	return l.failBlocked, 0, l.failErr
}

type fakeIdentityKeys struct {
	mu   sync.Mutex
	byID map[uuid.UUID]model.IdentityKey

	// beforeGet runs outside the lock; its error is returned from Get.
	beforeGet func(ctx context.Context) error
}

var _ repository.IdentityKeyRepository = (*fakeIdentityKeys)(nil)

func newFakeIdentityKeys() *fakeIdentityKeys {
	return &fakeIdentityKeys{byID: map[uuid.UUID]model.IdentityKey{}}
}

func (f *fakeIdentityKeys) Create(_ context.Context, k *model.IdentityKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byID[k.UserID]; ok {
		return errs.ErrAlreadyExists
	}
	k.CreatedAt = time.Now()
	f.byID[k.UserID] = *k
	return nil
}

func (f *fakeIdentityKeys) Get(ctx context.Context, userID uuid.UUID) (*model.IdentityKey, error) {
	if f.beforeGet != nil {
		if err := f.beforeGet(ctx); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.byID[userID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &k, nil
}

type pair struct{ a, b uuid.UUID }

// fakeConversations enforces the canonical pair uniqueness the database enforces.
type fakeConversations struct {
	mu     sync.Mutex
	byPair map[pair]model.Conversation
	byID   map[uuid.UUID]model.Conversation

	// beforeInsert runs outside the lock; used to force interleavings.
	beforeInsert func()
	inserts      int
}

var _ repository.ConversationRepository = (*fakeConversations)(nil)

func newFakeConversations() *fakeConversations {
	return &fakeConversations{byPair: map[pair]model.Conversation{}, byID: map[uuid.UUID]model.Conversation{}}
}

func (f *fakeConversations) Insert(_ context.Context, a, b uuid.UUID) (*model.Conversation, error) {
	if f.beforeInsert != nil {
		f.beforeInsert()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if ca, cb := Canonical(a, b); ca != a || cb != b {
		return nil, errs.Invalid("pair not canonical")
	}
	if _, ok := f.byPair[pair{a, b}]; ok {
		return nil, errs.ErrAlreadyExists
	}
	f.inserts++
	c := model.Conversation{ID: uuid.Must(uuid.NewV4()), UserA: a, UserB: b, CreatedAt: time.Now()}
	f.byPair[pair{a, b}] = c
	f.byID[c.ID] = c
	return &c, nil
}

func (f *fakeConversations) GetByPair(_ context.Context, a, b uuid.UUID) (*model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byPair[pair{a, b}]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &c, nil
}

func (f *fakeConversations) GetByID(_ context.Context, id uuid.UUID) (*model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byID[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &c, nil
}

func (f *fakeConversations) ListForUser(_ context.Context, userID uuid.UUID) ([]model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Conversation
	for _, c := range f.byID {
		if c.HasParticipant(userID) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeConversations) rows() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byID)
}

// fakeSessionKeys serializes ProvisionOnce with a mutex, like the row lock.
type fakeSessionKeys struct {
	mu    sync.Mutex
	wraps map[uuid.UUID][]model.WrappedKey
	gens  int // successful generations
}

var _ repository.SessionKeyRepository = (*fakeSessionKeys)(nil)

func newFakeSessionKeys() *fakeSessionKeys {
	return &fakeSessionKeys{wraps: map[uuid.UUID][]model.WrappedKey{}}
}

func (f *fakeSessionKeys) List(_ context.Context, convID uuid.UUID) ([]model.WrappedKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.wraps[convID]), nil
}

func (f *fakeSessionKeys) Get(_ context.Context, convID, userID uuid.UUID) (*model.WrappedKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range f.wraps[convID] {
		if w.UserID == userID {
			return &w, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (f *fakeSessionKeys) ProvisionOnce(_ context.Context, convID uuid.UUID, gen func() ([]model.WrappedKey, error)) ([]model.WrappedKey, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing := f.wraps[convID]; len(existing) > 0 {
		return slices.Clone(existing), false, nil
	}
	ws, err := gen()
	if err != nil {
		return nil, false, err
	}
	f.gens++
	f.wraps[convID] = slices.Clone(ws)
	return ws, true, nil
}

type fakeMessages struct {
	mu     sync.Mutex
	nextID int64
	rows   []model.Envelope

	appendErr error
}

var _ repository.MessageRepository = (*fakeMessages)(nil)

func (f *fakeMessages) Append(_ context.Context, env *model.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	f.nextID++
	env.ID = f.nextID
	env.CreatedAt = time.Now()
	f.rows = append(f.rows, *env)
	return nil
}

func (f *fakeMessages) of(convID uuid.UUID) []model.Envelope {
	var out []model.Envelope
	for _, e := range f.rows {
		if e.ConversationID == convID {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeMessages) List(_ context.Context, convID uuid.UUID, limit int, order model.HistoryOrder) ([]model.Envelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.of(convID)
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	if order == model.NewestFirst {
		slices.Reverse(all)
	}
	return all, nil
}

func (f *fakeMessages) Latest(_ context.Context, convID uuid.UUID) (*model.Envelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.of(convID)
	if len(all) == 0 {
		return nil, errs.ErrNotFound
	}
	return &all[len(all)-1], nil
}

func (f *fakeMessages) MarkRead(_ context.Context, convID, readerID uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for i := range f.rows {
		e := &f.rows[i]
		if e.ConversationID == convID && e.AuthorID != readerID && !e.IsRead {
			e.IsRead = true
			n++
		}
	}
	return n, nil
}

func (f *fakeMessages) CountUnread(_ context.Context, convID, readerID uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, e := range f.of(convID) {
		if e.AuthorID != readerID && !e.IsRead {
			n++
		}
	}
	return n, nil
}

var (
	testKeysOnce sync.Once
	testKeys     [2]*rsa.PrivateKey
)

// identityKeys returns two RSA-2048 keys shared across tests.
func identityKeys(t *testing.T) [2]*rsa.PrivateKey {
	t.Helper()
	testKeysOnce.Do(func() {
		for i := range testKeys {
			k, err := clientcrypto.GenerateIdentity()
			if err != nil {
				panic(err)
			}
			testKeys[i] = k
		}
	})
	return testKeys
}

func identityRecord(priv *rsa.PrivateKey) model.IdentityKey {
	return model.IdentityKey{
		PublicKey:           pkgcrypto.EncodePublicKey(&priv.PublicKey),
		EncryptedPrivateKey: []byte("sealed"),
		Salt:                []byte("salt"),
		Nonce:               []byte("nonce"),
	}
}
