// Package privacy encrypts sensitive form fields before they reach local
// storage. Draft payloads carry PII (national identification number, date
// of birth) that should not sit in a device database as plaintext.
package privacy

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/rendis/draftsync/pkg/schema"
)

// encPrefix marks an encrypted field value. The version suffix allows a
// future key or format rotation to coexist with old drafts.
const encPrefix = "enc1:"

// DefaultFields are the form fields encrypted when none are configured.
var DefaultFields = []string{"nin", "dateOfBirth"}

// Config configures field encryption key derivation.
// Provide either MasterKey (raw 32 bytes) or Passphrase + Salt.
type Config struct {
	MasterKey  []byte   // raw 32-byte key (takes priority)
	Passphrase string   // derive key via PBKDF2
	Salt       []byte   // salt for PBKDF2 (required with Passphrase)
	Iterations int      // PBKDF2 iterations (default 100_000)
	Fields     []string // field names to encrypt (default DefaultFields)
}

// FieldCipher encrypts selected string fields with AES-256-GCM.
type FieldCipher struct {
	aead   cipher.AEAD
	fields map[string]struct{}
}

// NewFieldCipher creates a cipher for the configured fields.
func NewFieldCipher(cfg Config) (*FieldCipher, error) {
	key, err := deriveKey(cfg)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}

	names := cfg.Fields
	if len(names) == 0 {
		names = DefaultFields
	}
	fields := make(map[string]struct{}, len(names))
	for _, f := range names {
		fields[f] = struct{}{}
	}
	return &FieldCipher{aead: aead, fields: fields}, nil
}

func deriveKey(cfg Config) ([]byte, error) {
	if len(cfg.MasterKey) > 0 {
		if len(cfg.MasterKey) != 32 {
			return nil, schema.NewErrorf(schema.ErrCodeCrypto,
				"master key must be 32 bytes, got %d", len(cfg.MasterKey))
		}
		return cfg.MasterKey, nil
	}
	if cfg.Passphrase == "" {
		return nil, schema.NewError(schema.ErrCodeCrypto, "either master_key or passphrase is required")
	}
	if len(cfg.Salt) == 0 {
		return nil, schema.NewError(schema.ErrCodeCrypto, "salt is required with passphrase")
	}
	iterations := cfg.Iterations
	if iterations <= 0 {
		iterations = 100_000
	}
	return pbkdf2.Key(sha256.New, cfg.Passphrase, cfg.Salt, iterations, 32)
}

// EncryptFields returns a copy of data with every configured string field
// sealed. Non-string values and already sealed values pass through.
func (c *FieldCipher) EncryptFields(data map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
		if _, ok := c.fields[k]; !ok {
			continue
		}
		s, ok := v.(string)
		if !ok || s == "" || strings.HasPrefix(s, encPrefix) {
			continue
		}
		sealed, err := c.seal([]byte(s))
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeCrypto,
				"encrypt field %s: %s", k, err.Error())
		}
		out[k] = encPrefix + base64.StdEncoding.EncodeToString(sealed)
	}
	return out, nil
}

// DecryptFields returns a copy of data with every sealed value opened.
// Any field carrying the prefix is decrypted, so drafts written under an
// older field list still restore.
func (c *FieldCipher) DecryptFields(data map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
		s, ok := v.(string)
		if !ok || !strings.HasPrefix(s, encPrefix) {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(s, encPrefix))
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeCrypto,
				"decode field %s: %s", k, err.Error())
		}
		plain, err := c.open(raw)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeCrypto,
				"decrypt field %s: %s", k, err.Error())
		}
		out[k] = string(plain)
	}
	return out, nil
}

func (c *FieldCipher) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (c *FieldCipher) open(ciphertext []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce := ciphertext[:nonceSize]
	return c.aead.Open(nil, nonce, ciphertext[nonceSize:], nil)
}
