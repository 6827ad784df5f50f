// Package model defines domain entities used by services and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// Tokens collects issued access tokens.
type Tokens struct {
	AccessToken string
	ExpiresAt   time.Time // access token expiry (for diagnostics)
}

// User represents an account stored on the server. Passwords are never stored in plaintext.
type User struct {
	ID        uuid.UUID // PK
	Username  string    // unique
	PwdHash   []byte    // Argon2id(password, SaltAuth)
	SaltAuth  []byte    // per-user auth salt
	CreatedAt time.Time
}

// PublicKey is an RSA public key in JWK shape: base64url modulus and exponent.
type PublicKey struct {
	Kty string `json:"kty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// IdentityKey is a user's published asymmetric key. The private half is an opaque,
// client-sealed blob that the server stores but never opens.
type IdentityKey struct {
	UserID              uuid.UUID
	PublicKey           PublicKey
	EncryptedPrivateKey []byte // client-side AEAD ciphertext
	Salt                []byte // KDF salt for the client's key-encryption key
	Nonce               []byte // AEAD nonce used to seal the private key
	CreatedAt           time.Time
}

// Conversation is a one-to-one chat. UserA < UserB in canonical byte order.
type Conversation struct {
	ID        uuid.UUID
	UserA     uuid.UUID
	UserB     uuid.UUID
	CreatedAt time.Time
}

// HasParticipant reports whether userID is one of the two participants.
func (c Conversation) HasParticipant(userID uuid.UUID) bool {
	return userID != uuid.Nil && (c.UserA == userID || c.UserB == userID)
}

// Other returns the participant that is not userID.
func (c Conversation) Other(userID uuid.UUID) uuid.UUID {
	if c.UserA == userID {
		return c.UserB
	}
	return c.UserA
}

// Participants returns both participants in canonical order.
func (c Conversation) Participants() [2]uuid.UUID {
	return [2]uuid.UUID{c.UserA, c.UserB}
}

// WrappedKey is the conversation's symmetric key encrypted under one participant's public key.
type WrappedKey struct {
	ConversationID uuid.UUID
	UserID         uuid.UUID
	Ciphertext     []byte // RSA-OAEP(SHA-256) ciphertext
	Nonce          []byte // random per wrap, used as the OAEP label
	CreatedAt      time.Time
}

// Envelope is one persisted encrypted message. Ciphertext and nonce are kept verbatim.
type Envelope struct {
	ID             int64 // insertion order, stable tiebreak
	ConversationID uuid.UUID
	AuthorID       uuid.UUID
	AuthorName     string
	Ciphertext     string
	Nonce          string
	IsRead         bool
	EditedAt       *time.Time
	CreatedAt      time.Time
}

// HistoryOrder selects the replay direction for history queries.
type HistoryOrder int

const (
	// OldestFirst is conversational replay order.
	OldestFirst HistoryOrder = iota
	// NewestFirst is summary/preview order.
	NewestFirst
)

// ChatSummary is one row of the caller's chat list.
type ChatSummary struct {
	Conversation   Conversation
	Other          User
	OtherPublicKey *PublicKey // nil until the peer publishes a key
	Latest         *Envelope  // nil for empty chats
	Unread         int64
}
