package main

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/and161185/goph-chat/internal/convert"
	"github.com/and161185/goph-chat/internal/crypto/clientcrypto"
	"github.com/gorilla/websocket"
)

// apiError is a non-2xx response.
type apiError struct {
	Status int
	Msg    string
}

func (e *apiError) Error() string { return fmt.Sprintf("%d: %s", e.Status, e.Msg) }

type apiClient struct {
	base  string
	http  *http.Client
	token string
}

func newClient(base, token string) *apiClient {
	return &apiClient{base: strings.TrimRight(base, "/"), http: http.DefaultClient, token: token}
}

func (c *apiClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		var e convert.Error
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &apiError{Status: resp.StatusCode, Msg: e.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *apiClient) Register(ctx context.Context, username, password string) (convert.User, error) {
	var u convert.User
	err := c.do(ctx, http.MethodPost, "/auth/register", convert.Credentials{Username: username, Password: password}, &u)
	return u, err
}

func (c *apiClient) Login(ctx context.Context, username, password string) (convert.LoginResponse, error) {
	var lr convert.LoginResponse
	err := c.do(ctx, http.MethodPost, "/auth/login", convert.Credentials{Username: username, Password: password}, &lr)
	return lr, err
}

func (c *apiClient) Me(ctx context.Context) (convert.User, error) {
	var u convert.User
	err := c.do(ctx, http.MethodGet, "/me", nil, &u)
	return u, err
}

func (c *apiClient) PublishKey(ctx context.Context, k convert.IdentityKey) error {
	return c.do(ctx, http.MethodPost, "/keys/me", k, nil)
}

func (c *apiClient) MyKey(ctx context.Context) (convert.IdentityKey, error) {
	var k convert.IdentityKey
	err := c.do(ctx, http.MethodGet, "/keys/me", nil, &k)
	return k, err
}

func (c *apiClient) Chats(ctx context.Context) ([]convert.Chat, error) {
	var list []convert.Chat
	err := c.do(ctx, http.MethodGet, "/chats", nil, &list)
	return list, err
}

func (c *apiClient) StartChat(ctx context.Context, other string) (convert.Chat, error) {
	var ch convert.Chat
	err := c.do(ctx, http.MethodPost, "/chats", convert.StartChat{OtherUsername: other}, &ch)
	return ch, err
}

func (c *apiClient) SessionKey(ctx context.Context, convID string) (convert.WrappedKey, error) {
	var wk convert.WrappedKey
	err := c.do(ctx, http.MethodGet, "/chats/"+url.PathEscape(convID)+"/key", nil, &wk)
	return wk, err
}

func (c *apiClient) History(ctx context.Context, convID string, limit int, order string) ([]convert.Envelope, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if order != "" {
		q.Set("order", order)
	}
	path := "/chats/" + url.PathEscape(convID) + "/history"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var envs []convert.Envelope
	err := c.do(ctx, http.MethodGet, path, nil, &envs)
	return envs, err
}

func (c *apiClient) MarkRead(ctx context.Context, convID string) (int64, error) {
	var mr convert.MarkRead
	err := c.do(ctx, http.MethodPost, "/chats/"+url.PathEscape(convID)+"/read", nil, &mr)
	return mr.Marked, err
}

// Connect opens the realtime channel of a conversation.
func (c *apiClient) Connect(ctx context.Context, convID string) (*websocket.Conn, error) {
	u, err := url.Parse(c.base)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/chats/" + url.PathEscape(convID)
	u.RawQuery = url.Values{"token": {c.token}}.Encode()

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
		if err != nil {
			var e convert.Error
			_ = json.NewDecoder(resp.Body).Decode(&e)
			return nil, &apiError{Status: resp.StatusCode, Msg: e.Error}
		}
	}
	return ws, err
}

// identity downloads the sealed identity and opens it with the password.
func (c *apiClient) identity(ctx context.Context, password string) (*rsa.PrivateKey, error) {
	k, err := c.MyKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	return clientcrypto.OpenIdentity([]byte(password), clientcrypto.SealedIdentity{
		PublicKey:           k.PublicKey,
		EncryptedPrivateKey: k.EncryptedPrivateKey,
		Salt:                k.Salt,
		Nonce:               k.Nonce,
	})
}

// conversationKey fetches the caller's wrap and unwraps it.
func (c *apiClient) conversationKey(ctx context.Context, password, convID string) ([]byte, error) {
	priv, err := c.identity(ctx, password)
	if err != nil {
		return nil, err
	}
	wk, err := c.SessionKey(ctx, convID)
	if err != nil {
		return nil, fmt.Errorf("session key: %w", err)
	}
	return clientcrypto.UnwrapSessionKey(priv, wk.Ciphertext, wk.Nonce)
}
