// Package crypto provides tenant-scoped authenticated encryption for event
// payloads.
//
// One master secret fans out through two HKDF-SHA256 stages: a fixed root
// key derived once at construction under a constant label, then a per-tenant
// data-encryption key derived on every call with the tenant id as context.
// Tenant keys are never cached or persisted.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/kilnworks/tally/pkg/event"
)

const (
	keyLength   = 32
	nonceLength = 12
	tagLength   = 16
)

// rootKeyInfo is the constant HKDF context label for the root key. Changing
// it invalidates every payload ever written.
var rootKeyInfo = []byte("tally-master-v1")

const tenantInfoPrefix = "tenant:"

// TenantCipher performs AES-256-GCM encryption of event payloads under
// per-tenant derived keys. The root key is immutable after construction and
// the struct is safe for concurrent use.
type TenantCipher struct {
	rootKey []byte
}

// NewTenantCipher derives the root key from the master secret.
func NewTenantCipher(masterSecret []byte) (*TenantCipher, error) {
	if len(masterSecret) == 0 {
		return nil, errors.New("crypto: master secret must not be empty")
	}
	rootKey, err := deriveKey(masterSecret, rootKeyInfo)
	if err != nil {
		return nil, err
	}
	return &TenantCipher{rootKey: rootKey}, nil
}

// Encrypt seals plaintext under the tenant's derived key with a fresh
// random 96-bit nonce and a 128-bit authentication tag.
func (c *TenantCipher) Encrypt(plaintext []byte, tenantID string) (event.EncryptedPayload, error) {
	gcm, err := c.tenantGCM(tenantID)
	if err != nil {
		return event.EncryptedPayload{}, err
	}

	nonce := make([]byte, nonceLength)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return event.EncryptedPayload{}, fmt.Errorf("crypto: nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	ciphertext, tag := sealed[:len(sealed)-tagLength], sealed[len(sealed)-tagLength:]

	return event.EncryptedPayload{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		IV:         base64.StdEncoding.EncodeToString(nonce),
		AuthTag:    base64.StdEncoding.EncodeToString(tag),
	}, nil
}

// Decrypt re-derives the tenant key and opens the payload. Structural
// problems fail closed with event.ErrMalformedPayload; a tag that does not
// verify (tamper, or a key derived for a different tenant) fails with
// event.ErrAuthenticationFailed. Unauthenticated bytes are never returned.
func (c *TenantCipher) Decrypt(payload event.EncryptedPayload, tenantID string) ([]byte, error) {
	nonce, err := base64.StdEncoding.DecodeString(payload.IV)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode iv: %w", event.ErrMalformedPayload)
	}
	tag, err := base64.StdEncoding.DecodeString(payload.AuthTag)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode auth tag: %w", event.ErrMalformedPayload)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(payload.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode ciphertext: %w", event.ErrMalformedPayload)
	}
	if len(nonce) != nonceLength {
		return nil, fmt.Errorf("crypto: iv length %d (need %d): %w", len(nonce), nonceLength, event.ErrMalformedPayload)
	}
	if len(tag) != tagLength {
		return nil, fmt.Errorf("crypto: auth tag length %d (need %d): %w", len(tag), tagLength, event.ErrMalformedPayload)
	}

	gcm, err := c.tenantGCM(tenantID)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(ciphertext)+tagLength)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: open tenant %q: %w", tenantID, event.ErrAuthenticationFailed)
	}
	return plaintext, nil
}

// tenantGCM builds the AEAD for one tenant. Derivation is repeated on every
// call so no tenant key outlives the operation that needed it.
func (c *TenantCipher) tenantGCM(tenantID string) (cipher.AEAD, error) {
	if tenantID == "" {
		return nil, errors.New("crypto: tenant id must not be empty")
	}
	dek, err := deriveKey(c.rootKey, []byte(tenantInfoPrefix+tenantID))
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(dek)
	if err != nil {
		return nil, fmt.Errorf("crypto: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: gcm: %w", err)
	}
	return gcm, nil
}

func deriveKey(secret, info []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, nil, info)
	key := make([]byte, keyLength)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("crypto: hkdf derive: %w", err)
	}
	return key, nil
}
