// Package convert maps domain models to the JSON shapes used on the wire.
package convert

import (
	"fmt"
	"time"

	model "github.com/and161185/goph-chat/internal/model"
	u "github.com/gofrs/uuid/v5"
)

// --- auth ---

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	UserID      string    `json:"user_id"`
	Username    string    `json:"username"`
}

type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"createdAt,omitzero"`
}

// --- identity keys ---

// IdentityKey carries the published key; []byte fields travel as standard base64.
type IdentityKey struct {
	PublicKey           model.PublicKey `json:"publicKey"`
	EncryptedPrivateKey []byte          `json:"encryptedPrivateKeyBlob"`
	Salt                []byte          `json:"salt"`
	Nonce               []byte          `json:"nonce"`
	CreatedAt           time.Time       `json:"createdAt,omitzero"`
}

type PublicIdentity struct {
	UserID    string          `json:"userId"`
	Username  string          `json:"username"`
	PublicKey model.PublicKey `json:"publicKey"`
}

// --- chats ---

type StartChat struct {
	OtherUsername string `json:"otherUsername"`
}

type Chat struct {
	ConversationID   string           `json:"conversationId"`
	OtherParticipant User             `json:"otherParticipant"`
	OtherPublicKey   *model.PublicKey `json:"otherParticipantPublicKey"`
	MostRecent       *Envelope        `json:"mostRecentEnvelope"`
	Unread           int64            `json:"unread"`
	CreatedAt        time.Time        `json:"createdAt"`
}

type Envelope struct {
	ID             int64      `json:"id"`
	ConversationID string     `json:"conversationId"`
	AuthorID       string     `json:"authorId"`
	Author         string     `json:"author"`
	Ciphertext     string     `json:"ciphertext"`
	Nonce          string     `json:"nonce"`
	IsRead         bool       `json:"isRead"`
	EditedAt       *time.Time `json:"editedAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

type WrappedKey struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	Ciphertext     []byte    `json:"ciphertext"`
	Nonce          []byte    `json:"nonce"`
	CreatedAt      time.Time `json:"createdAt"`
}

type MarkRead struct {
	Marked int64 `json:"marked"`
}

// Error is the body of every non-2xx response.
type Error struct {
	Error string `json:"error"`
}

// --- realtime frames ---

// InboundFrame is what a joined client sends.
type InboundFrame struct {
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce"`
}

// OutboundFrame is relayed to the other joined connections.
type OutboundFrame struct {
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce"`
	Author     string `json:"author"`
}

// ErrorFrame is sent to the offending sender only.
type ErrorFrame struct {
	Error string `json:"error"`
}

// --- mapping ---

func ToLoginResponse(t model.Tokens, usr model.User) LoginResponse {
	return LoginResponse{
		AccessToken: t.AccessToken,
		ExpiresAt:   t.ExpiresAt.UTC(),
		UserID:      usr.ID.String(),
		Username:    usr.Username,
	}
}

func ToUser(usr model.User) User {
	return User{ID: usr.ID.String(), Username: usr.Username, CreatedAt: usr.CreatedAt}
}

func ToIdentityKey(k model.IdentityKey) IdentityKey {
	return IdentityKey{
		PublicKey:           k.PublicKey,
		EncryptedPrivateKey: k.EncryptedPrivateKey,
		Salt:                k.Salt,
		Nonce:               k.Nonce,
		CreatedAt:           k.CreatedAt,
	}
}

// FromIdentityKey leaves UserID unset; the caller's identity fills it.
func FromIdentityKey(in IdentityKey) model.IdentityKey {
	return model.IdentityKey{
		PublicKey:           in.PublicKey,
		EncryptedPrivateKey: in.EncryptedPrivateKey,
		Salt:                in.Salt,
		Nonce:               in.Nonce,
	}
}

func ToPublicIdentity(usr model.User, pk model.PublicKey) PublicIdentity {
	return PublicIdentity{UserID: usr.ID.String(), Username: usr.Username, PublicKey: pk}
}

func ToEnvelope(e model.Envelope) Envelope {
	return Envelope{
		ID:             e.ID,
		ConversationID: e.ConversationID.String(),
		AuthorID:       e.AuthorID.String(),
		Author:         e.AuthorName,
		Ciphertext:     e.Ciphertext,
		Nonce:          e.Nonce,
		IsRead:         e.IsRead,
		EditedAt:       e.EditedAt,
		CreatedAt:      e.CreatedAt,
	}
}

func ToEnvelopes(in []model.Envelope) []Envelope {
	out := make([]Envelope, 0, len(in))
	for _, e := range in {
		out = append(out, ToEnvelope(e))
	}
	return out
}

func ToChat(s model.ChatSummary) Chat {
	c := Chat{
		ConversationID:   s.Conversation.ID.String(),
		OtherParticipant: ToUser(s.Other),
		OtherPublicKey:   s.OtherPublicKey,
		Unread:           s.Unread,
		CreatedAt:        s.Conversation.CreatedAt,
	}
	if s.Latest != nil {
		e := ToEnvelope(*s.Latest)
		c.MostRecent = &e
	}
	return c
}

func ToChats(in []model.ChatSummary) []Chat {
	out := make([]Chat, 0, len(in))
	for _, s := range in {
		out = append(out, ToChat(s))
	}
	return out
}

func ToWrappedKey(w model.WrappedKey) WrappedKey {
	return WrappedKey{
		ConversationID: w.ConversationID.String(),
		UserID:         w.UserID.String(),
		Ciphertext:     w.Ciphertext,
		Nonce:          w.Nonce,
		CreatedAt:      w.CreatedAt,
	}
}

// ToOutboundFrame relays ciphertext and nonce verbatim.
func ToOutboundFrame(e model.Envelope) OutboundFrame {
	return OutboundFrame{Ciphertext: e.Ciphertext, Nonce: e.Nonce, Author: e.AuthorName}
}

// ParseID parses a path identifier.
func ParseID(s string) (u.UUID, error) {
	id, err := u.FromString(s)
	if err != nil {
		return u.Nil, fmt.Errorf("invalid id: %w", err)
	}
	return id, nil
}

// ParseHistoryOrder accepts "", "asc" and "desc"; empty means oldest first.
func ParseHistoryOrder(s string) (model.HistoryOrder, error) {
	switch s {
	case "", "asc":
		return model.OldestFirst, nil
	case "desc":
		return model.NewestFirst, nil
	default:
		return 0, fmt.Errorf("invalid order %q", s)
	}
}
