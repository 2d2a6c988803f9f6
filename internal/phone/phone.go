// Package phone derives the two persisted forms of a patient phone number:
// a keyed hash used as a lookup index and an encrypted copy used for outbound
// sending. Plaintext numbers are never written to the database.
package phone

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
)

var (
	// ErrInvalidNumber is returned for input that cannot be normalized to E.164.
	ErrInvalidNumber = errors.New("phone: invalid E.164 number")
	// ErrDecryptFailed is returned when a ciphertext fails authentication.
	// Callers treat this as a permanent fault for the session holding it.
	ErrDecryptFailed = errors.New("phone: decrypt failed")
)

var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// Normalize strips formatting from a phone number and returns E.164.
// Bare 10-digit input is treated as US; an 11-digit number with a leading 1
// likewise.
func Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidNumber
	}
	hadPlus := strings.HasPrefix(raw, "+")
	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()
	if d == "" {
		return "", ErrInvalidNumber
	}

	var candidate string
	if hadPlus {
		candidate = "+" + d
	} else if len(d) == 10 {
		candidate = "+1" + d
	} else if len(d) == 11 && d[0] == '1' {
		candidate = "+" + d
	} else {
		candidate = "+" + d
	}

	if !e164Pattern.MatchString(candidate) {
		return "", ErrInvalidNumber
	}
	return candidate, nil
}

// Valid reports whether the value is already a well-formed E.164 number.
func Valid(e164 string) bool {
	return e164Pattern.MatchString(e164)
}

// Identity hashes and encrypts E.164 numbers with process-wide keys.
type Identity struct {
	hashKey []byte
	aead    cipher.AEAD
}

// NewIdentity builds an Identity from the configured secrets. The encryption
// key is run through SHA-256 so any non-empty passphrase yields a valid
// 32-byte AES key.
func NewIdentity(hashKey, encryptionKey string) (*Identity, error) {
	if strings.TrimSpace(hashKey) == "" {
		return nil, errors.New("phone: hash key required")
	}
	if strings.TrimSpace(encryptionKey) == "" {
		return nil, errors.New("phone: encryption key required")
	}
	keyBytes := sha256.Sum256([]byte(encryptionKey))
	block, err := aes.NewCipher(keyBytes[:])
	if err != nil {
		return nil, fmt.Errorf("phone: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("phone: init gcm: %w", err)
	}
	return &Identity{hashKey: []byte(hashKey), aead: aead}, nil
}

// Hash returns the deterministic keyed SHA-256 digest used as the lookup
// index for a phone number.
func (i *Identity) Hash(e164 string) string {
	mac := hmac.New(sha256.New, i.hashKey)
	mac.Write([]byte(e164))
	return hex.EncodeToString(mac.Sum(nil))
}

// Encrypt seals the number with AES-GCM. The nonce is prepended to the
// ciphertext and the whole value is base64 encoded for storage.
func (i *Identity) Encrypt(e164 string) (string, error) {
	nonce := make([]byte, i.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("phone: nonce: %w", err)
	}
	sealed := i.aead.Seal(nonce, nonce, []byte(e164), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Any tampering or key mismatch returns
// ErrDecryptFailed; callers must not retry.
func (i *Identity) Decrypt(encrypted string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", ErrDecryptFailed
	}
	ns := i.aead.NonceSize()
	if len(sealed) < ns {
		return "", ErrDecryptFailed
	}
	plain, err := i.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return "", ErrDecryptFailed
	}
	return string(plain), nil
}
