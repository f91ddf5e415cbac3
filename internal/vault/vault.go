// Package vault seals message bodies at rest and keeps small secrets in the OS keyring.
package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	KeySize = chacha20poly1305.KeySize

	infoBodyKey = "chatsync/message-body"
)

// ErrOpen is returned when a sealed body fails authentication.
var ErrOpen = errors.New("vault: message authentication failed")

// Vault seals and opens message bodies with XChaCha20-Poly1305.
// The sealed form is nonce || ciphertext.
type Vault struct {
	aead cipher.AEAD
}

// New derives the body key from master with HKDF-SHA256.
func New(master []byte) (*Vault, error) {
	if len(master) != KeySize {
		return nil, fmt.Errorf("vault: master key must be %d bytes, got %d", KeySize, len(master))
	}
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(infoBodyKey)), key); err != nil {
		return nil, fmt.Errorf("vault: derive body key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &Vault{aead: aead}, nil
}

// Load reads the master key from the keyring, generating and storing one on first use.
func Load(s *Secrets) (*Vault, error) {
	encoded, err := s.Get(EntryMasterKey)
	if errors.Is(err, ErrNoSecret) {
		master := make([]byte, KeySize)
		if _, err := rand.Read(master); err != nil {
			return nil, fmt.Errorf("vault: generate master key: %w", err)
		}
		if err := s.Set(EntryMasterKey, base64.StdEncoding.EncodeToString(master)); err != nil {
			return nil, err
		}
		return New(master)
	}
	if err != nil {
		return nil, err
	}
	master, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("vault: decode master key: %w", err)
	}
	return New(master)
}

// Seal encrypts plaintext bound to aad (the owning conversation id).
func (v *Vault) Seal(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize(), v.aead.NonceSize()+len(plaintext)+v.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return v.aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Unseal reverses Seal. A tampered or misattributed row yields ErrOpen.
func (v *Vault) Unseal(sealed, aad []byte) ([]byte, error) {
	if len(sealed) < v.aead.NonceSize()+v.aead.Overhead() {
		return nil, ErrOpen
	}
	nonce, ct := sealed[:v.aead.NonceSize()], sealed[v.aead.NonceSize():]
	pt, err := v.aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, ErrOpen
	}
	return pt, nil
}

// Digest returns the BLAKE3 hex digest of a plaintext body, used for content dedup.
func Digest(plaintext []byte) string {
	sum := blake3.Sum256(plaintext)
	return hex.EncodeToString(sum[:])
}
