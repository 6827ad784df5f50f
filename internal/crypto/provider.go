package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"math/big"

	"github.com/and161185/goph-chat/internal/errs"
	"github.com/and161185/goph-chat/internal/model"
	"github.com/gofrs/uuid/v5"
)

const (
	// SessionKeyLen is the width of a conversation key (AES-256).
	SessionKeyLen = 32
	// WrapNonceLen is the size of the per-wrap nonce, used as the OAEP label.
	WrapNonceLen = 12
	// MinRSABits is the smallest accepted identity modulus.
	MinRSABits = 2048
)

// Provider generates conversation keys and wraps them for participants.
// It holds no hidden state; one value is built at startup and passed around.
type Provider struct {
	rand    io.Reader
	minBits int
}

// Option customizes a Provider.
type Option func(*Provider)

// WithRand replaces the entropy source (tests).
func WithRand(r io.Reader) Option { return func(p *Provider) { p.rand = r } }

// WithMinRSABits lowers or raises the accepted modulus size.
func WithMinRSABits(bits int) Option { return func(p *Provider) { p.minBits = bits } }

// NewProvider constructs a Provider backed by crypto/rand.
func NewProvider(opts ...Option) *Provider {
	p := &Provider{rand: rand.Reader, minBits: MinRSABits}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Provider) read(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(p.rand, b); err != nil {
		return nil, fmt.Errorf("entropy: %w", err)
	}
	return b, nil
}

// NewSessionKey returns a fresh random conversation key.
func (p *Provider) NewSessionKey() ([]byte, error) { return p.read(SessionKeyLen) }

// ParsePublicKey validates a JWK-shaped RSA key and converts it.
func (p *Provider) ParsePublicKey(pk model.PublicKey) (*rsa.PublicKey, error) {
	if pk.Kty != "RSA" {
		return nil, errs.Invalid("unsupported key type %q", pk.Kty)
	}
	nb, err := base64.RawURLEncoding.DecodeString(pk.N)
	if err != nil || len(nb) == 0 {
		return nil, errs.Invalid("bad modulus encoding")
	}
	eb, err := base64.RawURLEncoding.DecodeString(pk.E)
	if err != nil || len(eb) == 0 || len(eb) > 4 {
		return nil, errs.Invalid("bad exponent encoding")
	}
	n := new(big.Int).SetBytes(nb)
	if n.BitLen() < p.minBits {
		return nil, errs.Invalid("modulus too small: %d bits", n.BitLen())
	}
	e := int(new(big.Int).SetBytes(eb).Int64())
	if e < 3 || e%2 == 0 {
		return nil, errs.Invalid("bad public exponent")
	}
	return &rsa.PublicKey{N: n, E: e}, nil
}

// Wrap encrypts key under pub with RSA-OAEP/SHA-256, binding label.
func (p *Provider) Wrap(pub *rsa.PublicKey, key, label []byte) ([]byte, error) {
	return rsa.EncryptOAEP(sha256.New(), p.rand, pub, key, label)
}

// WrapFor produces one participant's WrappedKey with a fresh nonce.
func (p *Provider) WrapFor(convID, userID uuid.UUID, pk model.PublicKey, key []byte) (model.WrappedKey, error) {
	pub, err := p.ParsePublicKey(pk)
	if err != nil {
		return model.WrappedKey{}, err
	}
	nonce, err := p.read(WrapNonceLen)
	if err != nil {
		return model.WrappedKey{}, err
	}
	ct, err := p.Wrap(pub, key, nonce)
	if err != nil {
		return model.WrappedKey{}, fmt.Errorf("wrap for %s: %w", userID, err)
	}
	return model.WrappedKey{ConversationID: convID, UserID: userID, Ciphertext: ct, Nonce: nonce}, nil
}

// EncodePublicKey renders an RSA key as the JWK-shaped record.
func EncodePublicKey(pub *rsa.PublicKey) model.PublicKey {
	return model.PublicKey{
		Kty: "RSA",
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}
