// Package msgcrypt implements the per-message password-based cipher and its
// self-describing token encoding:
//
//	"v1" : base64(salt) : base64(nonce) : base64(ciphertext||tag)
//
// Every token carries a fresh 128-bit salt and 96-bit nonce, so two
// encryptions of the same plaintext never produce the same token.
//
// The passphrase is derived from public identifiers only (see Passphrase).
// The scheme hides message content from observers of the wire and of the
// store, but anyone who knows a conversation id and a sender id can decrypt.
// Treat it as obfuscation, not access control.
package msgcrypt

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"pair_chat/internal/cryptographic/encryption"
	"pair_chat/internal/cryptographic/kdf"
)

const (
	Version = "v1"

	SaltSize = 16
	KeySize  = 32

	// DefaultIterations is the PBKDF2-SHA256 round count.
	DefaultIterations = 150_000

	separator = ":"
	fields    = 4
)

var (
	// ErrFormat reports a token that cannot be parsed.
	ErrFormat = errors.New("malformed ciphertext token")
	// ErrAuthentication reports a tag that does not verify: wrong
	// passphrase, corruption or tampering.
	ErrAuthentication = errors.New("ciphertext authentication failed")
)

type Cipher struct {
	Iterations int
	rand       io.Reader
}

func New() *Cipher {
	return &Cipher{Iterations: DefaultIterations, rand: rand.Reader}
}

// NewWithIterations is used where a cheaper KDF is acceptable, e.g. tests.
func NewWithIterations(iterations int) *Cipher {
	return &Cipher{Iterations: iterations, rand: rand.Reader}
}

func (c *Cipher) DeriveKey(passphrase string, salt []byte) []byte {
	return kdf.PBKDF2([]byte(passphrase), salt, c.Iterations, KeySize)
}

func (c *Cipher) Encrypt(plaintext, passphrase string) (string, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(c.rand, salt); err != nil {
		return "", fmt.Errorf("read salt: %w", err)
	}
	nonce := make([]byte, encryption.NonceSize)
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}

	key := c.DeriveKey(passphrase, salt)
	ct, err := encryption.AEADSeal(key, nonce, []byte(plaintext), nil)
	if err != nil {
		return "", err
	}

	return strings.Join([]string{
		Version,
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(nonce),
		base64.StdEncoding.EncodeToString(ct),
	}, separator), nil
}

func (c *Cipher) Decrypt(token, passphrase string) (string, error) {
	salt, nonce, ct, err := parse(token)
	if err != nil {
		return "", err
	}

	key := c.DeriveKey(passphrase, salt)
	plain, err := encryption.AEADOpen(key, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	return string(plain), nil
}

// parse validates the token shape without touching any key material.
func parse(token string) (salt, nonce, ct []byte, err error) {
	parts := strings.Split(token, separator)
	if len(parts) != fields {
		return nil, nil, nil, fmt.Errorf("%w: want %d fields, got %d", ErrFormat, fields, len(parts))
	}
	if parts[0] != Version {
		return nil, nil, nil, fmt.Errorf("%w: unknown version %q", ErrFormat, parts[0])
	}

	if salt, err = base64.StdEncoding.DecodeString(parts[1]); err != nil || len(salt) != SaltSize {
		return nil, nil, nil, fmt.Errorf("%w: bad salt", ErrFormat)
	}
	if nonce, err = base64.StdEncoding.DecodeString(parts[2]); err != nil || len(nonce) != encryption.NonceSize {
		return nil, nil, nil, fmt.Errorf("%w: bad nonce", ErrFormat)
	}
	if ct, err = base64.StdEncoding.DecodeString(parts[3]); err != nil || len(ct) < 16 {
		return nil, nil, nil, fmt.Errorf("%w: bad ciphertext", ErrFormat)
	}
	return salt, nonce, ct, nil
}

// IsToken reports whether s is shaped like a token of this package.
func IsToken(s string) bool {
	_, _, _, err := parse(s)
	return err == nil
}
