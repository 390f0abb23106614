// Package credential seals and opens account secrets — OAuth tokens and
// proxy passwords — using AES-256-GCM so that plaintext never touches the
// store.
package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Sealer seals and opens secrets with a single process-wide AES-256 key.
type Sealer struct {
	key []byte
}

// GenerateDevKey returns a random 64-char hex key suitable for NewSealer, for
// local development when TOKEN_ENCRYPTION_KEY is unset. Never use the
// returned key across restarts — previously sealed secrets become
// unopenable once the key changes.
func GenerateDevKey() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("credential: reading random bytes: %v", err))
	}
	return hex.EncodeToString(b)
}

// NewSealer derives a 32-byte AES-256 key from secret:
//   - 64 hex characters → decoded directly as the key
//   - valid base64 decoding to exactly 32 bytes → used as-is
//   - anything else → SHA-256 of the raw string (logged as a fallback;
//     operators should supply a proper 32-byte key instead)
func NewSealer(secret string, logger *slog.Logger) (*Sealer, error) {
	if secret == "" {
		return nil, errors.New("credential: encryption secret must not be empty")
	}

	if len(secret) == 64 {
		if key, err := hex.DecodeString(secret); err == nil {
			return &Sealer{key: key}, nil
		}
	}

	if decoded, err := base64.StdEncoding.DecodeString(secret); err == nil && len(decoded) == 32 {
		return &Sealer{key: decoded}, nil
	}

	if logger != nil {
		logger.Warn("credential: encryption secret is neither 64 hex chars nor 32-byte base64; falling back to SHA-256 of the raw string")
	}
	sum := sha256.Sum256([]byte(secret))
	return &Sealer{key: sum[:]}, nil
}

// Seal encrypts plaintext and returns the sealed form `iv.tag.ciphertext`,
// each segment base64-encoded. A failure here is programmer error (bad key
// length) rather than something a caller should retry.
func (s *Sealer) Seal(plaintext string) (string, error) {
	gcm, err := s.gcm()
	if err != nil {
		return "", err
	}

	iv := make([]byte, 12)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("credential: generating iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	overhead := gcm.Overhead()
	ciphertext, tag := sealed[:len(sealed)-overhead], sealed[len(sealed)-overhead:]

	return strings.Join([]string{
		base64.StdEncoding.EncodeToString(iv),
		base64.StdEncoding.EncodeToString(tag),
		base64.StdEncoding.EncodeToString(ciphertext),
	}, "."), nil
}

// Open decrypts a sealed value produced by Seal. Any corruption of a
// segment, or a ciphertext/tag mismatch, returns an error — callers that
// open a stored secret must treat this as an operator-actionable condition,
// not something to retry automatically.
func (s *Sealer) Open(sealed string) (string, error) {
	parts := strings.Split(sealed, ".")
	if len(parts) != 3 {
		return "", errors.New("credential: sealed value must have three dot-separated segments")
	}

	iv, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("credential: decoding iv: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("credential: decoding tag: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("credential: decoding ciphertext: %w", err)
	}

	gcm, err := s.gcm()
	if err != nil {
		return "", err
	}

	sealedBytes := append(append([]byte{}, ciphertext...), tag...)
	plaintext, err := gcm.Open(nil, iv, sealedBytes, nil)
	if err != nil {
		return "", fmt.Errorf("credential: opening sealed value: %w", err)
	}
	return string(plaintext), nil
}

func (s *Sealer) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("credential: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("credential: creating gcm: %w", err)
	}
	return gcm, nil
}
