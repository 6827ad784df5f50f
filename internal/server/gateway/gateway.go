// Package gateway relays encrypted envelopes between the joined participants
// of a conversation over websockets and appends them to the message store.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/and161185/goph-chat/internal/convert"
	"github.com/and161185/goph-chat/internal/errs"
	"github.com/and161185/goph-chat/internal/limiter"
	"github.com/and161185/goph-chat/internal/server/httpapi"
	"github.com/and161185/goph-chat/internal/service"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Options tune per-connection behavior.
type Options struct {
	SendBuffer       int
	ReadLimit        int64
	CloseOnMalformed bool
	WriteWait        time.Duration
	PongWait         time.Duration
	PingInterval     time.Duration
	AppendTimeout    time.Duration
	// CheckOrigin overrides the upgrader's same-origin check when set.
	CheckOrigin func(r *http.Request) bool
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		SendBuffer:       32,
		ReadLimit:        64 << 10,
		CloseOnMalformed: true,
		WriteWait:        10 * time.Second,
		PongWait:         60 * time.Second,
		PingInterval:     54 * time.Second,
		AppendTimeout:    10 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.SendBuffer <= 0 {
		o.SendBuffer = d.SendBuffer
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = d.ReadLimit
	}
	if o.WriteWait <= 0 {
		o.WriteWait = d.WriteWait
	}
	if o.PongWait <= 0 {
		o.PongWait = d.PongWait
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait * 9 / 10
	}
	if o.AppendTimeout <= 0 {
		o.AppendTimeout = d.AppendTimeout
	}
	return o
}

// subject used for throttling handshakes that never resolved to a user.
const anonymousSubject = "anonymous"

// Gateway authenticates handshakes and drives joined connections.
type Gateway struct {
	auth     service.AuthService
	convs    service.ConversationService
	messages service.MessageService
	lim      limiter.Limiter
	hub      *Hub
	log      *zap.Logger
	opts     Options
	upgrader websocket.Upgrader
}

// New constructs a Gateway with its own hub.
func New(
	auth service.AuthService,
	convs service.ConversationService,
	messages service.MessageService,
	lim limiter.Limiter,
	log *zap.Logger,
	opts Options,
) *Gateway {
	if lim == nil {
		lim = limiter.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	opts = opts.withDefaults()
	return &Gateway{
		auth:     auth,
		convs:    convs,
		messages: messages,
		lim:      lim,
		hub:      NewHub(opts.SendBuffer),
		log:      log,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     opts.CheckOrigin,
		},
	}
}

// Hub exposes the broadcast registry.
func (g *Gateway) Hub() *Hub { return g.hub }

// token prefers the query parameter and falls back to the Authorization header.
func token(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	t, _ := httpapi.BearerToken(r)
	return t
}

// ServeHTTP runs the handshake. Every rejection happens before Upgrade and
// before any subscription exists.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c := newConn()
	ipHash := limiter.HashIP(httpapi.RemoteIP(r))

	id, err := g.auth.Authenticate(ctx, token(r))
	if err != nil {
		// only token failures count against the shared anonymous bucket of the ip
		c.reject()
		if !g.allow(ctx, anonymousSubject, ipHash) {
			httpapi.WriteError(w, g.log, errs.ErrRateLimited)
			return
		}
		g.failure(ctx, anonymousSubject, ipHash)
		httpapi.WriteError(w, g.log, errs.ErrUnauthorized)
		return
	}
	c.authenticate(id)

	subject := id.UserID.String()
	if !g.allow(ctx, subject, ipHash) {
		c.reject()
		httpapi.WriteError(w, g.log, errs.ErrRateLimited)
		return
	}
	convID, err := convert.ParseID(r.PathValue("id"))
	if err != nil {
		c.reject()
		httpapi.WriteError(w, g.log, errs.Invalid("bad conversation id"))
		return
	}
	if _, err := g.convs.GetForParticipant(ctx, convID, id.UserID); err != nil {
		c.reject()
		if errs.KindOf(err) == errs.KindForbidden {
			g.failure(ctx, subject, ipHash)
		}
		httpapi.WriteError(w, g.log, err)
		return
	}
	_ = g.lim.Success(ctx, limiter.ScopeConnect, subject, ipHash)

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error
		c.reject()
		return
	}
	if !c.join(g.hub, convID, ws) {
		_ = ws.Close()
		return
	}
	defer c.Close()
	stop := context.AfterFunc(ctx, c.Close)
	defer stop()

	log := g.log.With(
		zap.String("conversation", convID.String()),
		zap.String("user", id.UserID.String()),
	)
	log.Debug("joined")

	go g.writeLoop(c, log)
	g.readLoop(ctx, c, log)
}

func (g *Gateway) allow(ctx context.Context, subject string, ipHash []byte) bool {
	ok, _, err := g.lim.Allow(ctx, limiter.ScopeConnect, subject, ipHash)
	if err != nil {
		g.log.Warn("limiter allow", zap.Error(err))
		return true
	}
	return ok
}

func (g *Gateway) failure(ctx context.Context, subject string, ipHash []byte) {
	if _, _, err := g.lim.Failure(ctx, limiter.ScopeConnect, subject, ipHash); err != nil {
		g.log.Warn("limiter failure", zap.Error(err))
	}
}

// parseFrame accepts {ciphertext, nonce} with both fields non-empty.
func parseFrame(data []byte) (convert.InboundFrame, error) {
	var f convert.InboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return f, errs.Invalid("frame is not a json object")
	}
	if f.Ciphertext == "" || f.Nonce == "" {
		return f, errs.Invalid("ciphertext and nonce are required")
	}
	return f, nil
}

func errorFrame(msg string) []byte {
	b, _ := json.Marshal(convert.ErrorFrame{Error: msg})
	return b
}

func (g *Gateway) readLoop(ctx context.Context, c *Conn, log *zap.Logger) {
	ws := c.ws
	ws.SetReadLimit(g.opts.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(g.opts.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(g.opts.PongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("read", zap.Error(err))
			}
			return
		}

		frame, err := parseFrame(data)
		if err != nil {
			log.Debug("malformed frame", zap.Error(err))
			closeAfter := g.opts.CloseOnMalformed
			c.sendControl(errorFrame(err.Error()), closeAfter)
			if closeAfter {
				c.waitWriter(g.opts.WriteWait)
				return
			}
			continue
		}

		actx, cancel := context.WithTimeout(ctx, g.opts.AppendTimeout)
		env, err := g.messages.Append(actx, c.convID, c.identity.UserID, frame.Ciphertext, frame.Nonce)
		cancel()
		if err != nil {
			msg := "could not store message"
			if errs.KindOf(err) != errs.KindInternal {
				msg = err.Error()
			}
			log.Warn("append", zap.Error(err))
			c.sendControl(errorFrame(msg), false)
			if errors.Is(err, errs.ErrForbidden) {
				return
			}
			continue
		}

		out := convert.ToOutboundFrame(env)
		if out.Author == "" {
			out.Author = c.identity.Username
		}
		payload, err := json.Marshal(out)
		if err != nil {
			continue
		}
		if _, dropped := g.hub.Publish(c.convID, c.sub, payload); dropped > 0 {
			log.Info("dropped slow peers", zap.Int("count", dropped))
		}
	}
}

func (g *Gateway) writeLoop(c *Conn, log *zap.Logger) {
	ticker := time.NewTicker(g.opts.PingInterval)
	defer func() {
		ticker.Stop()
		close(c.writerDone)
		_ = c.ws.Close()
	}()

	write := func(kind int, data []byte) error {
		_ = c.ws.SetWriteDeadline(time.Now().Add(g.opts.WriteWait))
		return c.ws.WriteMessage(kind, data)
	}
	closeWith := func(code int, text string) {
		_ = write(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
	}

	for {
		select {
		case msg, ok := <-c.sub.C():
			if !ok {
				if c.State() == StateJoined {
					log.Info("peer dropped: send buffer full")
					closeWith(websocket.CloseTryAgainLater, "send buffer full")
				}
				return
			}
			if err := write(websocket.TextMessage, msg); err != nil {
				return
			}
		case m := <-c.ctrl:
			if err := write(websocket.TextMessage, m.payload); err != nil {
				return
			}
			if m.close {
				closeWith(websocket.CloseUnsupportedData, "malformed frame")
				return
			}
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
