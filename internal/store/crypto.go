package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const saltLen = 16

// Crypto seals sensitive column values with AES-256-GCM, deriving the key
// from a passphrase via argon2id. With no passphrase it passes values
// through base64 so the column format stays uniform.
type Crypto struct {
	aead cipher.AEAD
	salt []byte
}

// NewCrypto builds a Crypto for the passphrase. A nil salt generates a
// fresh one; the caller persists it alongside the data.
func NewCrypto(passphrase string, salt []byte) (*Crypto, error) {
	if passphrase == "" {
		return &Crypto{salt: salt}, nil
	}
	if salt == nil {
		salt = make([]byte, saltLen)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("generate salt: %w", err)
		}
	}
	key := argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Crypto{aead: aead, salt: salt}, nil
}

// Enabled reports whether values are actually encrypted.
func (c *Crypto) Enabled() bool { return c.aead != nil }

// Salt returns the KDF salt, nil in passthrough mode.
func (c *Crypto) Salt() []byte { return c.salt }

// Seal encrypts data, returning base64 nonce and ciphertext. In
// passthrough mode the nonce is empty.
func (c *Crypto) Seal(data []byte) (string, string) {
	if c.aead == nil {
		return "", base64.StdEncoding.EncodeToString(data)
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		// rand.Read failing means the system entropy source is broken
		panic(fmt.Sprintf("store: read nonce: %v", err))
	}
	ct := c.aead.Seal(nil, nonce, data, nil)
	return base64.StdEncoding.EncodeToString(nonce), base64.StdEncoding.EncodeToString(ct)
}

// Open reverses Seal.
func (c *Crypto) Open(nonceB64, ctB64 string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(ctB64)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	if c.aead == nil {
		return data, nil
	}
	nonce, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	plain, err := c.aead.Open(nil, nonce, data, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plain, nil
}
