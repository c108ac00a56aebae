// Package codec encrypts and decrypts the opaque token blobs stored on an
// Account at rest. It exposes a pure symmetric AEAD interface: ciphertext
// layout is opaque to every other package, and any tamper or key mismatch
// fails closed with CryptoError rather than returning corrupted plaintext.
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/scrypt"
)

// CryptoError reports a decrypt failure: tampered ciphertext, a truncated
// blob, or a key that does not match the one the blob was sealed under.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string { return fmt.Sprintf("codec: %s: %v", e.Op, e.Err) }
func (e *CryptoError) Unwrap() error { return e.Err }

// Codec derives an AES-256-GCM key from a process-wide secret via scrypt,
// one derived key per salt, cached for the life of the process.
type Codec struct {
	secret string

	mu   sync.RWMutex
	keys map[string][]byte
}

// New returns a Codec sealed with the given process-wide secret. The secret
// itself is never stored in derived form until first use.
func New(secret string) *Codec {
	return &Codec{secret: secret, keys: make(map[string][]byte)}
}

func (c *Codec) deriveKey(salt string) ([]byte, error) {
	c.mu.RLock()
	if key, ok := c.keys[salt]; ok {
		c.mu.RUnlock()
		return key, nil
	}
	c.mu.RUnlock()

	key, err := scrypt.Key([]byte(c.secret), []byte(salt), 32768, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("scrypt derive: %w", err)
	}

	c.mu.Lock()
	c.keys[salt] = key
	c.mu.Unlock()

	return key, nil
}

// Encrypt seals plaintext under the given salt (typically the account id,
// so two accounts never share a derived key) and returns a hex-encoded
// "{nonce}:{sealed}" blob.
func (c *Codec) Encrypt(plaintext, salt string) (string, error) {
	key, err := c.deriveKey(salt)
	if err != nil {
		return "", &CryptoError{Op: "encrypt", Err: err}
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", &CryptoError{Op: "encrypt", Err: err}
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", &CryptoError{Op: "encrypt", Err: err}
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", &CryptoError{Op: "encrypt", Err: err}
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(nonce) + ":" + hex.EncodeToString(sealed), nil
}

// Decrypt opens a blob produced by Encrypt under the same salt. Any
// tampering with the nonce, ciphertext, or authentication tag — or a salt
// that derives a different key than the one used to seal it — fails with
// CryptoError.
func (c *Codec) Decrypt(blob, salt string) (string, error) {
	key, err := c.deriveKey(salt)
	if err != nil {
		return "", &CryptoError{Op: "decrypt", Err: err}
	}

	parts := strings.SplitN(blob, ":", 2)
	if len(parts) != 2 {
		return "", &CryptoError{Op: "decrypt", Err: errors.New("malformed blob: missing ':'")}
	}

	nonce, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", &CryptoError{Op: "decrypt", Err: fmt.Errorf("decode nonce: %w", err)}
	}
	sealed, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", &CryptoError{Op: "decrypt", Err: fmt.Errorf("decode ciphertext: %w", err)}
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", &CryptoError{Op: "decrypt", Err: err}
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", &CryptoError{Op: "decrypt", Err: err}
	}
	if len(nonce) != gcm.NonceSize() {
		return "", &CryptoError{Op: "decrypt", Err: fmt.Errorf("invalid nonce length: %d", len(nonce))}
	}

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", &CryptoError{Op: "decrypt", Err: fmt.Errorf("authentication failed: %w", err)}
	}

	return string(plaintext), nil
}
