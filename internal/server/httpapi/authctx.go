package httpapi

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/and161185/goph-chat/internal/errs"
	"github.com/and161185/goph-chat/internal/service"
)

type ctxKey string

const identityKey ctxKey = "gc.identity"

// WithIdentity stores the authenticated caller in context.
func WithIdentity(ctx context.Context, id service.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromCtx fetches the caller from context.
func IdentityFromCtx(ctx context.Context) (service.Identity, bool) {
	id, ok := ctx.Value(identityKey).(service.Identity)
	return id, ok
}

// BearerToken extracts "Authorization: Bearer <JWT>".
func BearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", errs.ErrUnauthorized
	}
	const p = "bearer "
	if len(h) < len(p) || !strings.EqualFold(h[:len(p)], p) {
		return "", errs.ErrUnauthorized
	}
	tok := strings.TrimSpace(h[len(p):])
	if tok == "" {
		return "", errs.ErrUnauthorized
	}
	return tok, nil
}

// RemoteIP returns the peer address without the port.
func RemoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
