package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	pkgcrypto "github.com/and161185/goph-chat/internal/crypto"
	"github.com/and161185/goph-chat/internal/crypto/clientcrypto"
	"github.com/and161185/goph-chat/internal/convert"
	"github.com/and161185/goph-chat/internal/errs"
	"github.com/and161185/goph-chat/internal/repository/memory"
	"github.com/and161185/goph-chat/internal/service"
	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type client struct {
	t     *testing.T
	base  string
	token string
}

func newServer(t *testing.T) string {
	t.Helper()
	log := zaptest.NewLogger(t)
	store := memory.New()
	p := pkgcrypto.NewProvider()
	auth := service.NewAuthService(store.Users(), []byte("k"), time.Minute, nil)
	keys := service.NewIdentityKeyService(store.Users(), store.IdentityKeys(), p)
	convs := service.NewConversationService(store.Conversations(), log)
	sessions := service.NewSessionKeyService(convs, store.IdentityKeys(), store.SessionKeys(), p, log)
	messages := service.NewMessageService(convs, store.Messages(), 0, 0)
	chats := service.NewChatService(store.Users(), store.IdentityKeys(), store.Messages(), convs, sessions)

	srv := httptest.NewServer(New(auth, keys, chats, sessions, messages, log).Handler(nil))
	t.Cleanup(srv.Close)
	return srv.URL
}

func (c *client) do(method, path string, body any, out any) int {
	c.t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(c.t, err)
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.base+path, r)
	require.NoError(c.t, err)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	require.Equal(c.t, "application/json", resp.Header.Get("Content-Type"))
	if out != nil {
		require.NoError(c.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func signup(t *testing.T, base, name string) (*client, convert.LoginResponse) {
	t.Helper()
	c := &client{t: t, base: base}
	require.Equal(t, http.StatusCreated, c.do(http.MethodPost, "/auth/register", convert.Credentials{Username: name, Password: "pw"}, nil))
	var lr convert.LoginResponse
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/auth/login", convert.Credentials{Username: name, Password: "pw"}, &lr))
	c.token = lr.AccessToken
	return c, lr
}

func publish(t *testing.T, c *client) {
	t.Helper()
	priv, err := clientcrypto.GenerateIdentity()
	require.NoError(t, err)
	sealed, err := clientcrypto.SealIdentity([]byte("pw"), priv)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, c.do(http.MethodPost, "/keys/me", convert.IdentityKey{
		PublicKey:           sealed.PublicKey,
		EncryptedPrivateKey: sealed.EncryptedPrivateKey,
		Salt:                sealed.Salt,
		Nonce:               sealed.Nonce,
	}, nil))
}

func TestAuthEndpoints(t *testing.T) {
	t.Parallel()
	base := newServer(t)
	anon := &client{t: t, base: base}

	alice, lr := signup(t, base, "alice")
	require.NotEmpty(t, lr.AccessToken)
	require.Equal(t, "alice", lr.Username)
	require.True(t, lr.ExpiresAt.After(time.Now()))

	var e convert.Error
	require.Equal(t, http.StatusConflict, anon.do(http.MethodPost, "/auth/register", convert.Credentials{Username: "alice", Password: "x"}, &e))
	require.Equal(t, http.StatusBadRequest, anon.do(http.MethodPost, "/auth/register", `{"username":"bob"`, &e))
	require.Equal(t, http.StatusBadRequest, anon.do(http.MethodPost, "/auth/register", `{"username":"bob","password":"p","extra":1}`, &e))
	require.Equal(t, http.StatusUnauthorized, anon.do(http.MethodPost, "/auth/login", convert.Credentials{Username: "alice", Password: "wrong"}, &e))
	require.Equal(t, "unauthenticated", e.Error)

	var me convert.User
	require.Equal(t, http.StatusOK, alice.do(http.MethodGet, "/me", nil, &me))
	require.Equal(t, lr.UserID, me.ID)
	require.Equal(t, http.StatusUnauthorized, anon.do(http.MethodGet, "/me", nil, &e))

	bad := &client{t: t, base: base, token: "nope"}
	require.Equal(t, http.StatusUnauthorized, bad.do(http.MethodGet, "/chats", nil, &e))
}

func TestKeyEndpoints(t *testing.T) {
	t.Parallel()
	base := newServer(t)
	alice, _ := signup(t, base, "alice")
	bob, _ := signup(t, base, "bob")

	var e convert.Error
	require.Equal(t, http.StatusNotFound, alice.do(http.MethodGet, "/keys/me", nil, &e))

	publish(t, alice)
	var mine convert.IdentityKey
	require.Equal(t, http.StatusOK, alice.do(http.MethodGet, "/keys/me", nil, &mine))
	require.Equal(t, "RSA", mine.PublicKey.Kty)
	require.NotEmpty(t, mine.EncryptedPrivateKey)

	// create-only
	require.Equal(t, http.StatusConflict, alice.do(http.MethodPost, "/keys/me", convert.IdentityKey{
		PublicKey: mine.PublicKey, EncryptedPrivateKey: []byte{1}, Salt: []byte{1}, Nonce: []byte{1},
	}, &e))

	require.Equal(t, http.StatusBadRequest, bob.do(http.MethodPost, "/keys/me", convert.IdentityKey{
		EncryptedPrivateKey: []byte{1}, Salt: []byte{1}, Nonce: []byte{1},
	}, &e))

	var pub convert.PublicIdentity
	require.Equal(t, http.StatusOK, bob.do(http.MethodGet, "/keys/alice", nil, &pub))
	require.Equal(t, mine.PublicKey, pub.PublicKey)
	require.Equal(t, http.StatusNotFound, alice.do(http.MethodGet, "/keys/bob", nil, &e))
}

func TestChatEndpoints(t *testing.T) {
	t.Parallel()
	base := newServer(t)
	alice, _ := signup(t, base, "alice")
	bob, bobLogin := signup(t, base, "bob")
	carol, _ := signup(t, base, "carol")

	var e convert.Error
	require.Equal(t, http.StatusBadRequest, alice.do(http.MethodPost, "/chats", convert.StartChat{OtherUsername: "alice"}, &e))
	require.Equal(t, http.StatusNotFound, alice.do(http.MethodPost, "/chats", convert.StartChat{OtherUsername: "nobody"}, &e))

	var chat convert.Chat
	require.Equal(t, http.StatusOK, alice.do(http.MethodPost, "/chats", convert.StartChat{OtherUsername: "bob"}, &chat))
	require.Equal(t, bobLogin.UserID, chat.OtherParticipant.ID)
	require.Nil(t, chat.MostRecent)
	id := chat.ConversationID

	var again convert.Chat
	require.Equal(t, http.StatusOK, bob.do(http.MethodPost, "/chats", convert.StartChat{OtherUsername: "alice"}, &again))
	require.Equal(t, id, again.ConversationID)

	// no identity keys yet
	require.Equal(t, http.StatusConflict, alice.do(http.MethodGet, "/chats/"+id+"/key", nil, &e))
	require.Contains(t, e.Error, "missing identity key")

	publish(t, alice)
	publish(t, bob)
	var wk convert.WrappedKey
	require.Equal(t, http.StatusOK, alice.do(http.MethodGet, "/chats/"+id+"/key", nil, &wk))
	require.Len(t, wk.Nonce, pkgcrypto.WrapNonceLen)
	require.Equal(t, http.StatusForbidden, carol.do(http.MethodGet, "/chats/"+id+"/key", nil, &e))

	var hist []convert.Envelope
	require.Equal(t, http.StatusOK, bob.do(http.MethodGet, "/chats/"+id+"/history", nil, &hist))
	require.Empty(t, hist)
	require.Equal(t, http.StatusForbidden, carol.do(http.MethodGet, "/chats/"+id+"/history", nil, &e))
	require.Equal(t, http.StatusNotFound, bob.do(http.MethodGet, "/chats/"+uuid.Must(uuid.NewV4()).String()+"/history", nil, &e))
	require.Equal(t, http.StatusBadRequest, bob.do(http.MethodGet, "/chats/nope/history", nil, &e))
	require.Equal(t, http.StatusBadRequest, bob.do(http.MethodGet, "/chats/"+id+"/history?limit=x", nil, &e))
	require.Equal(t, http.StatusBadRequest, bob.do(http.MethodGet, "/chats/"+id+"/history?order=up", nil, &e))

	var list []convert.Chat
	require.Equal(t, http.StatusOK, alice.do(http.MethodGet, "/chats", nil, &list))
	require.Len(t, list, 1)
	require.NotNil(t, list[0].OtherPublicKey)

	var mr convert.MarkRead
	require.Equal(t, http.StatusOK, bob.do(http.MethodPost, "/chats/"+id+"/read", nil, &mr))
	require.Zero(t, mr.Marked)
	require.Equal(t, http.StatusForbidden, carol.do(http.MethodPost, "/chats/"+id+"/read", nil, &e))
}

func TestStatusOf_EveryKind(t *testing.T) {
	t.Parallel()

	want := map[errs.Kind]int{
		errs.KindInternal:           http.StatusInternalServerError,
		errs.KindInvalidRequest:     http.StatusBadRequest,
		errs.KindUnauthenticated:    http.StatusUnauthorized,
		errs.KindForbidden:          http.StatusForbidden,
		errs.KindNotFound:           http.StatusNotFound,
		errs.KindMissingIdentityKey: http.StatusConflict,
		errs.KindConflict:           http.StatusConflict,
		errs.KindRateLimited:        http.StatusTooManyRequests,
	}
	for k, code := range want {
		require.Equal(t, code, StatusOf(k), k.String())
	}
}

func TestWriteError_HidesInternal(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteError(rec, zaptest.NewLogger(t), io.ErrUnexpectedEOF)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.JSONEq(t, `{"error":"internal"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	WriteError(rec, nil, errs.MissingIdentityKey(uuid.Nil))
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Body.String(), "missing identity key")
}

func TestRecover_CatchesPanic(t *testing.T) {
	t.Parallel()

	h := Recover(zaptest.NewLogger(t))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("oh no")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestLogging_RecordsStatus(t *testing.T) {
	t.Parallel()

	var seen int
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		seen = w.(*statusRecorder).status
	})
	rec := httptest.NewRecorder()
	Logging(zaptest.NewLogger(t))(inner).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)
	require.Equal(t, http.StatusTeapot, seen)
}

func TestBearerTokenAndRemoteIP(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err := BearerToken(r)
	require.ErrorIs(t, err, errs.ErrUnauthorized)

	r.Header.Set("Authorization", "Basic abc")
	_, err = BearerToken(r)
	require.ErrorIs(t, err, errs.ErrUnauthorized)

	r.Header.Set("Authorization", "bearer  tok ")
	tok, err := BearerToken(r)
	require.NoError(t, err)
	require.Equal(t, "tok", tok)

	r.RemoteAddr = "10.0.0.1:5555"
	require.Equal(t, "10.0.0.1", RemoteIP(r))
	r.RemoteAddr = "[::1]:5555"
	require.Equal(t, "::1", RemoteIP(r))
}

func TestIdentityContext(t *testing.T) {
	t.Parallel()

	_, ok := IdentityFromCtx(context.Background())
	require.False(t, ok)

	want := service.Identity{UserID: uuid.Must(uuid.NewV4()), Username: "alice"}
	got, ok := IdentityFromCtx(WithIdentity(context.Background(), want))
	require.True(t, ok)
	require.Equal(t, want, got)
}
