// Package clientcrypto contains the client half of the chat crypto: identity key
// generation and sealing, session key unwrapping, and message AEAD.
package clientcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	servercrypto "github.com/and161185/goph-chat/internal/crypto"
	"github.com/and161185/goph-chat/internal/model"
)

// Params
const (
	IdentityBits = 2048
	KEKLen       = 32
	SaltLen      = 16
	MessageNonce = 12 // AES-GCM standard nonce

	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 1
)

func Rand(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// SealedIdentity is what a client publishes: the public key and the private key sealed under its password.
type SealedIdentity struct {
	PublicKey           model.PublicKey
	EncryptedPrivateKey []byte
	Salt                []byte
	Nonce               []byte
}

// GenerateIdentity creates a fresh RSA identity key pair.
func GenerateIdentity() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, IdentityBits)
}

// DeriveKEK derives a key-encryption key from password and salt using Argon2id.
func DeriveKEK(password, salt []byte) []byte {
	return argon2.IDKey(password, salt, argonTime, argonMemory, argonThreads, KEKLen)
}

// SealIdentity encrypts the PKCS#8 private key with XChaCha20-Poly1305 under a password-derived KEK.
func SealIdentity(password []byte, priv *rsa.PrivateKey) (SealedIdentity, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return SealedIdentity{}, err
	}
	salt, err := Rand(SaltLen)
	if err != nil {
		return SealedIdentity{}, err
	}
	aead, err := chacha20poly1305.NewX(DeriveKEK(password, salt))
	if err != nil {
		return SealedIdentity{}, err
	}
	nonce, err := Rand(chacha20poly1305.NonceSizeX)
	if err != nil {
		return SealedIdentity{}, err
	}
	return SealedIdentity{
		PublicKey:           servercrypto.EncodePublicKey(&priv.PublicKey),
		EncryptedPrivateKey: aead.Seal(nil, nonce, der, nil),
		Salt:                salt,
		Nonce:               nonce,
	}, nil
}

// OpenIdentity reverses SealIdentity. A wrong password fails authentication.
func OpenIdentity(password []byte, sealed SealedIdentity) (*rsa.PrivateKey, error) {
	if len(sealed.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, errors.New("bad nonce size")
	}
	aead, err := chacha20poly1305.NewX(DeriveKEK(password, sealed.Salt))
	if err != nil {
		return nil, err
	}
	der, err := aead.Open(nil, sealed.Nonce, sealed.EncryptedPrivateKey, nil)
	if err != nil {
		return nil, fmt.Errorf("open identity: %w", err)
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("identity is not an RSA key")
	}
	return priv, nil
}

// UnwrapSessionKey decrypts a wrapped conversation key; the wrap nonce is the OAEP label.
func UnwrapSessionKey(priv *rsa.PrivateKey, ciphertext, nonce []byte) ([]byte, error) {
	key, err := rsa.DecryptOAEP(sha256.New(), nil, priv, ciphertext, nonce)
	if err != nil {
		return nil, fmt.Errorf("unwrap: %w", err)
	}
	if len(key) != servercrypto.SessionKeyLen {
		return nil, fmt.Errorf("unwrap: key is %d bytes", len(key))
	}
	return key, nil
}

func gcm(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// EncryptMessage seals plaintext with AES-256-GCM under a fresh nonce.
// Both outputs are base64 (std) as carried in envelopes.
func EncryptMessage(key, plaintext []byte) (ciphertext, nonce string, err error) {
	aead, err := gcm(key)
	if err != nil {
		return "", "", err
	}
	n, err := Rand(MessageNonce)
	if err != nil {
		return "", "", err
	}
	ct := aead.Seal(nil, n, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ct), base64.StdEncoding.EncodeToString(n), nil
}

// DecryptMessage opens an envelope produced by EncryptMessage.
func DecryptMessage(key []byte, ciphertext, nonce string) ([]byte, error) {
	ct, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("ciphertext: %w", err)
	}
	n, err := base64.StdEncoding.DecodeString(nonce)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	if len(n) != MessageNonce {
		return nil, errors.New("bad nonce size")
	}
	aead, err := gcm(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, n, ct, nil)
}
