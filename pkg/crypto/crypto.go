// Package crypto provides authenticated encryption for chat payloads and
// per-session data keys.
package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the size of every key handled by this package
const KeySize = chacha20poly1305.KeySize

var (
	// ErrInvalidKey is returned for keys of the wrong size or encoding
	ErrInvalidKey = errors.New("crypto: invalid key")
	// ErrCiphertext is returned when a payload fails to decode or authenticate
	ErrCiphertext = errors.New("crypto: message authentication failed")
)

// Cipher encrypts and decrypts payloads with a symmetric key.
type Cipher interface {
	// Encrypt seals plaintext and returns base64 nonce||ciphertext.
	Encrypt(plaintext []byte) (string, error)
	// Decrypt opens a payload produced by Encrypt.
	Decrypt(ciphertext string) ([]byte, error)
}

// AEAD implements Cipher using XChaCha20-Poly1305. The optional associated
// data binds ciphertexts to a context such as a session id.
type AEAD struct {
	aead cipher.AEAD
	ad   []byte
}

// NewAEAD creates a cipher for a 32 byte key
func NewAEAD(key []byte) (*AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidKey, KeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return &AEAD{aead: aead}, nil
}

// WithAssociatedData returns a copy that authenticates ad with every payload
func (a *AEAD) WithAssociatedData(ad []byte) *AEAD {
	return &AEAD{aead: a.aead, ad: append([]byte(nil), ad...)}
}

// Encrypt seals plaintext with a random nonce
func (a *AEAD) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, a.aead.NonceSize(), a.aead.NonceSize()+len(plaintext)+a.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := a.aead.Seal(nonce, nonce, plaintext, a.ad)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens base64 nonce||ciphertext
func (a *AEAD) Decrypt(ciphertext string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCiphertext, err)
	}
	nonceSize := a.aead.NonceSize()
	if len(data) < nonceSize+a.aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrCiphertext)
	}
	plaintext, err := a.aead.Open(nil, data[:nonceSize], data[nonceSize:], a.ad)
	if err != nil {
		return nil, ErrCiphertext
	}
	return plaintext, nil
}

// GenerateKey returns a new random key
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// EncodeKey returns the base64 form of key
func EncodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// ParseKey decodes a base64 key and checks its size
func ParseKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidKey, KeySize, len(key))
	}
	return key, nil
}

// KeyRing issues and unwraps per-session data keys under a master key.
// Wrapped keys are bound to their session id, so a wrapped key copied to
// another session fails to open.
type KeyRing struct {
	wrap *AEAD
}

const wrapInfo = "crisis-pipeline session key wrap v1"

// NewKeyRing derives the key-wrapping key from master with HKDF-SHA256
func NewKeyRing(master []byte) (*KeyRing, error) {
	if len(master) != KeySize {
		return nil, fmt.Errorf("%w: master key must be %d bytes", ErrInvalidKey, KeySize)
	}
	kek := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(wrapInfo)), kek); err != nil {
		return nil, fmt.Errorf("failed to derive wrapping key: %w", err)
	}
	wrap, err := NewAEAD(kek)
	if err != nil {
		return nil, err
	}
	return &KeyRing{wrap: wrap}, nil
}

// NewSessionKey creates a data key for sessionID and returns it with its
// wrapped form for storage.
func (k *KeyRing) NewSessionKey(sessionID string) (key []byte, wrapped string, err error) {
	key, err = GenerateKey()
	if err != nil {
		return nil, "", err
	}
	wrapped, err = k.wrap.WithAssociatedData([]byte(sessionID)).Encrypt(key)
	if err != nil {
		return nil, "", err
	}
	return key, wrapped, nil
}

// Unwrap recovers the data key for sessionID
func (k *KeyRing) Unwrap(sessionID, wrapped string) ([]byte, error) {
	key, err := k.wrap.WithAssociatedData([]byte(sessionID)).Decrypt(wrapped)
	if err != nil {
		return nil, err
	}
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	return key, nil
}

// SessionCipher returns the payload cipher for a session's data key. The
// session id is authenticated with every message.
func (k *KeyRing) SessionCipher(sessionID, wrapped string) (Cipher, error) {
	key, err := k.Unwrap(sessionID, wrapped)
	if err != nil {
		return nil, err
	}
	aead, err := NewAEAD(key)
	if err != nil {
		return nil, err
	}
	return aead.WithAssociatedData([]byte(sessionID)), nil
}
