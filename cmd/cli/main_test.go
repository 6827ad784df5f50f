package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	pkgcrypto "github.com/and161185/goph-chat/internal/crypto"
	"github.com/and161185/goph-chat/internal/repository/memory"
	"github.com/and161185/goph-chat/internal/server/gateway"
	"github.com/and161185/goph-chat/internal/server/httpapi"
	"github.com/and161185/goph-chat/internal/service"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func startServer(t *testing.T) string {
	t.Helper()
	log := zaptest.NewLogger(t)
	store := memory.New()
	p := pkgcrypto.NewProvider()
	auth := service.NewAuthService(store.Users(), []byte("cli-test"), time.Hour, nil)
	keys := service.NewIdentityKeyService(store.Users(), store.IdentityKeys(), p)
	convs := service.NewConversationService(store.Conversations(), log)
	sessions := service.NewSessionKeyService(convs, store.IdentityKeys(), store.SessionKeys(), p, log)
	messages := service.NewMessageService(convs, store.Messages(), 0, 0)
	chats := service.NewChatService(store.Users(), store.IdentityKeys(), store.Messages(), convs, sessions)
	gw := gateway.New(auth, convs, messages, nil, log, gateway.DefaultOptions())

	srv := httptest.NewServer(httpapi.New(auth, keys, chats, sessions, messages, log).Handler(gw))
	t.Cleanup(srv.Close)
	return srv.URL
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := run(t, args...)
	if err != nil {
		t.Fatalf("gc %v: %v\n%s", args, err, out)
	}
	return out
}

func TestTokenStore(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	_, err := loadToken()
	require.ErrorIs(t, err, errNoSession)
	require.NoError(t, clearToken())

	tf := tokenFile{
		Server:      "http://x",
		AccessToken: "tok",
		ExpiresAt:   time.Now().Add(time.Hour).UTC(),
		UserID:      "u1",
		Username:    "alice",
	}
	require.NoError(t, saveToken(tf))

	st, err := os.Stat(tokenPath())
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), st.Mode().Perm())

	got, err := loadToken()
	require.NoError(t, err)
	require.Equal(t, tf.AccessToken, got.AccessToken)
	require.Equal(t, tf.Username, got.Username)
	require.True(t, tf.ExpiresAt.Equal(got.ExpiresAt))

	tf.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, saveToken(tf))
	_, err = loadToken()
	require.ErrorIs(t, err, errNoSession)

	require.NoError(t, clearToken())
	_, err = os.Stat(tokenPath())
	require.True(t, os.IsNotExist(err))
}

func TestPasswordFromEnv(t *testing.T) {
	a := &app{}
	t.Setenv("GC_PASSWORD", "")
	_, err := a.pass()
	require.Error(t, err)

	t.Setenv("GC_PASSWORD", "from-env")
	pw, err := a.pass()
	require.NoError(t, err)
	require.Equal(t, "from-env", pw)

	a.password = "flag"
	pw, _ = a.pass()
	require.Equal(t, "flag", pw)
}

func TestCommandsRequireLogin(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	_, err := run(t, "chats")
	require.Error(t, err)
}

func TestEndToEnd(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	base := startServer(t)
	srv := "--server=" + base

	mustRun(t, srv, "-p", "alice-pw", "register", "alice")
	mustRun(t, srv, "-p", "bob-pw", "register", "bob")

	mustRun(t, srv, "-p", "bob-pw", "login", "bob")
	require.Contains(t, mustRun(t, "-p", "bob-pw", "keygen"), "published")

	mustRun(t, srv, "-p", "alice-pw", "login", "alice")
	require.Contains(t, mustRun(t, "whoami"), "alice")
	mustRun(t, "-p", "alice-pw", "keygen")

	// second publish is refused
	_, err := run(t, "-p", "alice-pw", "keygen")
	require.Error(t, err)

	require.Contains(t, mustRun(t, "-p", "alice-pw", "send", "bob", "hello bob"), "sent")
	require.Contains(t, mustRun(t, "-p", "alice-pw", "history", "bob"), "alice: hello bob")

	mustRun(t, srv, "-p", "bob-pw", "login", "bob")
	list := mustRun(t, "chats")
	require.Contains(t, list, "alice")
	require.Contains(t, list, "unread=1")

	require.Contains(t, mustRun(t, "-p", "bob-pw", "history", "alice"), "alice: hello bob")
	require.Contains(t, mustRun(t, "read", "alice"), "marked 1")
	require.Contains(t, mustRun(t, "chats"), "unread=0")

	// wrong password cannot open the sealed identity
	_, err = run(t, "-p", "nope", "history", "alice")
	require.Error(t, err)

	mustRun(t, "logout")
	_, err = run(t, "chats")
	require.ErrorIs(t, err, errNoSession)
}
