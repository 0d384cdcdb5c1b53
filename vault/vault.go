// Package vault implements the agent's secrets-at-rest layer: AES-256-GCM
// authenticated encryption of configuration secrets, keyed by a
// PBKDF2-SHA-256-derived master key. The seal/unseal split and explicit
// locked state follow the teacher's singleton-guarded-by-mutex pattern
// (presbrey-pkg/gormoize.Instance()), generalized from caching a DB
// connection to caching a derived key.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// SaltLen is the PBKDF2 salt length in bytes.
	SaltLen = 32
	// Iterations is the fixed PBKDF2-HMAC-SHA256 iteration count.
	Iterations = 150_000
	// KeyLen is the derived key length in bytes (AES-256).
	KeyLen = 32
	// NonceLen is the AES-GCM nonce length in bytes.
	NonceLen = 12
	// TagLen is the AES-GCM authentication tag length in bytes.
	TagLen = 16
)

// verificationPlaintext is sealed once to produce a token that later
// unlock attempts can check a candidate password against without
// touching any real secret.
var verificationPlaintext = []byte("MUNIN_AGENT_VERIFIED")

// Algorithm names accepted in an EncryptedValue.
const (
	AlgorithmPlain    = "PLAIN"
	AlgorithmAESGCM256 = "AES-256-GCM"
)

// ErrLocked is returned by Seal/Open when the vault has no derived key
// in memory.
var ErrLocked = errors.New("vault: locked")

// ErrAuthFailed is returned by Open when the GCM tag fails to verify,
// or by Unlock when the verification token fails to decrypt.
var ErrAuthFailed = errors.New("vault: authentication failed")

// EncryptedValue is the on-disk representation of one secret field, per
// spec.md §3 and §6.
type EncryptedValue struct {
	Algorithm string `json:"algorithm"`
	Data      string `json:"data"` // base64
}

// Vault is a mutex-guarded secrets codec; each New returns an independent
// instance. The zero value is sealed.
type Vault struct {
	mu  sync.Mutex
	key []byte // nil when sealed
}

// New returns a sealed Vault.
func New() *Vault {
	return &Vault{}
}

// DeriveKey runs PBKDF2-HMAC-SHA256(password, salt, Iterations, KeyLen).
func DeriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, Iterations, KeyLen, sha256.New)
}

// NewSalt generates a fresh random SaltLen-byte salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// Enable derives a key from password and salt, unseals the vault with
// it, and returns a verification token to persist alongside the salt
// (config's `encryption.verificationToken`).
func (v *Vault) Enable(password string, salt []byte) (string, error) {
	key := DeriveKey(password, salt)
	v.mu.Lock()
	v.key = key
	v.mu.Unlock()

	sealed, err := v.sealWithKey(key, verificationPlaintext)
	if err != nil {
		return "", err
	}
	return sealed.Data, nil
}

// Unlock derives a key from the candidate password and salt, then
// confirms it against the stored verification token before making the
// vault usable. On success the vault transitions to unsealed; on
// failure it remains sealed and state is unchanged.
func (v *Vault) Unlock(password string, salt []byte, verificationToken string) error {
	key := DeriveKey(password, salt)
	ev := EncryptedValue{Algorithm: AlgorithmAESGCM256, Data: verificationToken}
	plain, err := v.openWithKey(key, ev)
	if err != nil {
		return ErrAuthFailed
	}
	if subtle.ConstantTimeCompare(plain, verificationPlaintext) != 1 {
		return ErrAuthFailed
	}
	v.mu.Lock()
	v.key = key
	v.mu.Unlock()
	return nil
}

// Locked reports whether the vault currently has no derived key.
func (v *Vault) Locked() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.key == nil
}

// Lock zeroes the derived key and returns the vault to the sealed state.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	zero(v.key)
	v.key = nil
}

// Seal encrypts plaintext, generating a fresh random nonce for this call.
func (v *Vault) Seal(plaintext []byte) (EncryptedValue, error) {
	v.mu.Lock()
	key := v.key
	v.mu.Unlock()
	if key == nil {
		return EncryptedValue{}, ErrLocked
	}
	return v.sealWithKey(key, plaintext)
}

// Open decrypts an EncryptedValue sealed by this vault (or one sharing
// its derived key).
func (v *Vault) Open(ev EncryptedValue) ([]byte, error) {
	if ev.Algorithm == AlgorithmPlain {
		return base64.StdEncoding.DecodeString(ev.Data)
	}
	v.mu.Lock()
	key := v.key
	v.mu.Unlock()
	if key == nil {
		return nil, ErrLocked
	}
	return v.openWithKey(key, ev)
}

func (v *Vault) sealWithKey(key, plaintext []byte) (EncryptedValue, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return EncryptedValue{}, fmt.Errorf("vault: %w", err)
	}
	gcm, err := cipher.NewGCMWithTagSize(block, TagLen)
	if err != nil {
		return EncryptedValue{}, fmt.Errorf("vault: %w", err)
	}
	nonce := make([]byte, NonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return EncryptedValue{}, fmt.Errorf("vault: %w", err)
	}
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	out := append(append([]byte{}, nonce...), sealed...)
	return EncryptedValue{
		Algorithm: AlgorithmAESGCM256,
		Data:      base64.StdEncoding.EncodeToString(out),
	}, nil
}

func (v *Vault) openWithKey(key []byte, ev EncryptedValue) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ev.Data)
	if err != nil {
		return nil, ErrAuthFailed
	}
	if len(raw) < NonceLen+TagLen {
		return nil, ErrAuthFailed
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	gcm, err := cipher.NewGCMWithTagSize(block, TagLen)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	nonce := raw[:NonceLen]
	ciphertext := raw[NonceLen:]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plain, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
