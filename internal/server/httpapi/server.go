// Package httpapi exposes the chat core over HTTP/JSON.
package httpapi

import (
	"net/http"
	"strconv"

	"github.com/and161185/goph-chat/internal/convert"
	"github.com/and161185/goph-chat/internal/errs"
	"github.com/and161185/goph-chat/internal/service"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// RealtimePattern is the route of the websocket gateway.
const RealtimePattern = "GET /ws/chats/{id}"

// Server wires services into HTTP handlers.
type Server struct {
	auth     service.AuthService
	keys     service.IdentityKeyService
	chats    service.ChatService
	sessions service.SessionKeyService
	messages service.MessageService
	log      *zap.Logger
}

// New constructs the API with injected services.
func New(
	auth service.AuthService,
	keys service.IdentityKeyService,
	chats service.ChatService,
	sessions service.SessionKeyService,
	messages service.MessageService,
	log *zap.Logger,
) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{auth: auth, keys: keys, chats: chats, sessions: sessions, messages: messages, log: log}
}

// Handler returns the routed API. realtime, when non-nil, is mounted at RealtimePattern;
// it authenticates its own handshake.
func (s *Server) Handler(realtime http.Handler) http.Handler {
	mux := http.NewServeMux()
	authed := Authenticated(s.auth)

	mux.HandleFunc("POST /auth/register", s.register)
	mux.HandleFunc("POST /auth/login", s.login)

	mux.Handle("GET /me", authed(http.HandlerFunc(s.me)))
	mux.Handle("GET /keys/me", authed(http.HandlerFunc(s.getMyKey)))
	mux.Handle("POST /keys/me", authed(http.HandlerFunc(s.publishMyKey)))
	mux.Handle("GET /keys/{username}", authed(http.HandlerFunc(s.getPublicKey)))

	mux.Handle("GET /chats", authed(http.HandlerFunc(s.listChats)))
	mux.Handle("POST /chats", authed(http.HandlerFunc(s.startChat)))
	mux.Handle("GET /chats/{id}/history", authed(http.HandlerFunc(s.history)))
	mux.Handle("GET /chats/{id}/key", authed(http.HandlerFunc(s.sessionKey)))
	mux.Handle("POST /chats/{id}/read", authed(http.HandlerFunc(s.markRead)))

	if realtime != nil {
		mux.Handle(RealtimePattern, realtime)
	}
	return Chain(mux, Recover(s.log), Logging(s.log))
}

func (s *Server) caller(w http.ResponseWriter, r *http.Request) (service.Identity, bool) {
	id, ok := IdentityFromCtx(r.Context())
	if !ok {
		WriteError(w, s.log, errs.ErrUnauthorized)
	}
	return id, ok
}

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := convert.ParseID(r.PathValue("id"))
	if err != nil {
		return uuid.Nil, errs.Invalid("bad conversation id")
	}
	return id, nil
}

// --- auth ---

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req convert.Credentials
	if err := decode(r, &req); err != nil {
		WriteError(w, s.log, err)
		return
	}
	u, err := s.auth.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		WriteError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, convert.ToUser(u))
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req convert.Credentials
	if err := decode(r, &req); err != nil {
		WriteError(w, s.log, err)
		return
	}
	tok, u, err := s.auth.LoginWithIP(r.Context(), req.Username, req.Password, RemoteIP(r))
	if err != nil {
		WriteError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, convert.ToLoginResponse(tok, u))
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	id, ok := s.caller(w, r)
	if !ok {
		return
	}
	u, err := s.auth.Me(r.Context(), id.UserID)
	if err != nil {
		WriteError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, convert.ToUser(u))
}

// --- identity keys ---

func (s *Server) getMyKey(w http.ResponseWriter, r *http.Request) {
	id, ok := s.caller(w, r)
	if !ok {
		return
	}
	k, err := s.keys.GetMine(r.Context(), id.UserID)
	if err != nil {
		WriteError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, convert.ToIdentityKey(k))
}

func (s *Server) publishMyKey(w http.ResponseWriter, r *http.Request) {
	id, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req convert.IdentityKey
	if err := decode(r, &req); err != nil {
		WriteError(w, s.log, err)
		return
	}
	k, err := s.keys.Publish(r.Context(), id.UserID, convert.FromIdentityKey(req))
	if err != nil {
		WriteError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, convert.ToIdentityKey(k))
}

func (s *Server) getPublicKey(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.caller(w, r); !ok {
		return
	}
	u, pk, err := s.keys.PublicByUsername(r.Context(), r.PathValue("username"))
	if err != nil {
		WriteError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, convert.ToPublicIdentity(u, pk))
}

// --- chats ---

func (s *Server) listChats(w http.ResponseWriter, r *http.Request) {
	id, ok := s.caller(w, r)
	if !ok {
		return
	}
	list, err := s.chats.List(r.Context(), id.UserID)
	if err != nil {
		WriteError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, convert.ToChats(list))
}

func (s *Server) startChat(w http.ResponseWriter, r *http.Request) {
	id, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req convert.StartChat
	if err := decode(r, &req); err != nil {
		WriteError(w, s.log, err)
		return
	}
	sum, err := s.chats.Start(r.Context(), id.UserID, req.OtherUsername)
	if err != nil {
		WriteError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, convert.ToChat(sum))
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	id, ok := s.caller(w, r)
	if !ok {
		return
	}
	convID, err := pathID(r)
	if err != nil {
		WriteError(w, s.log, err)
		return
	}
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			WriteError(w, s.log, errs.Invalid("bad limit"))
			return
		}
	}
	order, err := convert.ParseHistoryOrder(q.Get("order"))
	if err != nil {
		WriteError(w, s.log, errs.Invalid("%v", err))
		return
	}
	envs, err := s.messages.History(r.Context(), convID, id.UserID, limit, order)
	if err != nil {
		WriteError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, convert.ToEnvelopes(envs))
}

func (s *Server) sessionKey(w http.ResponseWriter, r *http.Request) {
	id, ok := s.caller(w, r)
	if !ok {
		return
	}
	convID, err := pathID(r)
	if err != nil {
		WriteError(w, s.log, err)
		return
	}
	wk, err := s.sessions.Fetch(r.Context(), convID, id.UserID)
	if err != nil {
		WriteError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, convert.ToWrappedKey(wk))
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	id, ok := s.caller(w, r)
	if !ok {
		return
	}
	convID, err := pathID(r)
	if err != nil {
		WriteError(w, s.log, err)
		return
	}
	n, err := s.messages.MarkRead(r.Context(), convID, id.UserID)
	if err != nil {
		WriteError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, convert.MarkRead{Marked: n})
}
