// Package vault seals owner API keys at rest.
//
// Each sealed value carries its own salt: the sealing key is derived from the
// operator passphrase with Argon2id and the payload is encrypted with
// XChaCha20-Poly1305. Layout: [version:1][salt:16][nonce:24][ciphertext].
package vault

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/quantscafe/quantscafe/internal/core"
)

const (
	version  byte = 1
	saltSize      = 16
)

// Params are the Argon2id cost parameters
type Params struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
}

// DefaultParams match the cost used for interactive unlocks
var DefaultParams = Params{Time: 3, Memory: 64 * 1024, Threads: 4}

// Vault seals and opens secrets with a passphrase
type Vault struct {
	passphrase []byte
	params     Params
}

// New creates a vault. An empty passphrase is refused.
func New(passphrase string, params Params) (*Vault, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("%w: vault passphrase", core.ErrMissingRequired)
	}
	if params.Time == 0 || params.Memory == 0 || params.Threads == 0 {
		params = DefaultParams
	}
	return &Vault{passphrase: []byte(passphrase), params: params}, nil
}

func (v *Vault) derive(salt []byte) []byte {
	return argon2.IDKey(v.passphrase, salt, v.params.Time, v.params.Memory, v.params.Threads, chacha20poly1305.KeySize)
}

// Seal encrypts plaintext
func (v *Vault) Seal(plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("%w: generate salt: %v", core.ErrEncryptionFailed, err)
	}

	aead, err := chacha20poly1305.NewX(v.derive(salt))
	if err != nil {
		return nil, fmt.Errorf("%w: create cipher: %v", core.ErrEncryptionFailed, err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: generate nonce: %v", core.ErrEncryptionFailed, err)
	}

	out := make([]byte, 0, 1+saltSize+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, version)
	out = append(out, salt...)
	out = append(out, nonce...)
	// The header is bound as associated data so it cannot be swapped
	return aead.Seal(out, nonce, plaintext, out[:1+saltSize]), nil
}

// Open decrypts a value produced by Seal
func (v *Vault) Open(sealed []byte) ([]byte, error) {
	nonceSize := chacha20poly1305.NonceSizeX
	if len(sealed) < 1+saltSize+nonceSize+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: sealed value too short", core.ErrDecryptionFailed)
	}
	if sealed[0] != version {
		return nil, fmt.Errorf("%w: unknown version %d", core.ErrDecryptionFailed, sealed[0])
	}

	header := sealed[:1+saltSize]
	salt := sealed[1 : 1+saltSize]
	nonce := sealed[1+saltSize : 1+saltSize+nonceSize]
	ciphertext := sealed[1+saltSize+nonceSize:]

	aead, err := chacha20poly1305.NewX(v.derive(salt))
	if err != nil {
		return nil, fmt.Errorf("%w: create cipher: %v", core.ErrDecryptionFailed, err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, header)
	if err != nil {
		return nil, fmt.Errorf("%w: wrong passphrase or corrupted value", core.ErrDecryptionFailed)
	}
	return plaintext, nil
}

// SealString is Seal for string secrets
func (v *Vault) SealString(s string) ([]byte, error) {
	return v.Seal([]byte(s))
}

// OpenString is Open for string secrets
func (v *Vault) OpenString(sealed []byte) (string, error) {
	b, err := v.Open(sealed)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// IsDecryptionError reports whether err came from a failed Open
func IsDecryptionError(err error) bool {
	return errors.Is(err, core.ErrDecryptionFailed)
}

// Fingerprint returns a short stable identifier for a secret that is safe to log
func Fingerprint(secret string) string {
	if secret == "" {
		return ""
	}
	sum := blake2b.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:6])
}
