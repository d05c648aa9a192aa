package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

// PayloadVersion is the current EncryptedPayload format
const PayloadVersion = 1

// Bounds applied to scrypt parameters read back from a payload, so a tampered
// file cannot make decryption allocate unbounded memory.
const (
	minScryptN = 1 << 10
	maxScryptN = 1 << 20
	maxScryptR = 32
	maxScryptP = 16
)

// ErrDecryptionFailed is returned for any payload that does not open: wrong
// secret, wrong associated data, or tampered bytes.
var ErrDecryptionFailed = errors.New("decryption failed")

// EncryptionConfig defines the scrypt cost parameters used for new payloads
type EncryptionConfig struct {
	SCryptN int // CPU/memory cost, power of two
	SCryptR int // block size
	SCryptP int // parallelization
}

// EncryptedPayload is the at-rest form produced by Encrypt. The scrypt
// parameters travel with the payload so the cost can be raised without
// invalidating existing files.
type EncryptedPayload struct {
	Version    uint8  `json:"version"`
	N          int    `json:"n"`
	R          int    `json:"r"`
	P          int    `json:"p"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// DefaultEncryptionConfig returns OWASP-recommended scrypt parameters
func DefaultEncryptionConfig() EncryptionConfig {
	return EncryptionConfig{
		SCryptN: 32768,
		SCryptR: 8,
		SCryptP: 1,
	}
}

// Validate checks that the parameters are within the accepted bounds
func (c EncryptionConfig) Validate() error {
	if c.SCryptN < minScryptN || c.SCryptN > maxScryptN || c.SCryptN&(c.SCryptN-1) != 0 {
		return fmt.Errorf("scrypt N %d must be a power of two in [%d,%d]", c.SCryptN, minScryptN, maxScryptN)
	}
	if c.SCryptR < 1 || c.SCryptR > maxScryptR {
		return fmt.Errorf("scrypt r %d out of range [1,%d]", c.SCryptR, maxScryptR)
	}
	if c.SCryptP < 1 || c.SCryptP > maxScryptP {
		return fmt.Errorf("scrypt p %d out of range [1,%d]", c.SCryptP, maxScryptP)
	}
	return nil
}

// Encrypt seals plaintext with AES-256-GCM under a key derived from secret
// with scrypt and a fresh random salt. aad is authenticated but not stored;
// the same aad must be presented to Decrypt.
func Encrypt(plaintext, secret, aad []byte, config EncryptionConfig) (*EncryptedPayload, error) {
	if len(secret) == 0 {
		return nil, errors.New("encryption secret cannot be empty")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := newGCM(secret, salt, config)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return &EncryptedPayload{
		Version:    PayloadVersion,
		N:          config.SCryptN,
		R:          config.SCryptR,
		P:          config.SCryptP,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, plaintext, aad),
	}, nil
}

// Decrypt opens a payload produced by Encrypt
func Decrypt(payload *EncryptedPayload, secret, aad []byte) ([]byte, error) {
	if payload == nil {
		return nil, errors.New("payload cannot be nil")
	}
	if payload.Version != PayloadVersion {
		return nil, fmt.Errorf("unsupported payload version: %d", payload.Version)
	}
	config := EncryptionConfig{SCryptN: payload.N, SCryptR: payload.R, SCryptP: payload.P}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid payload parameters: %w", err)
	}
	if len(payload.Salt) == 0 {
		return nil, errors.New("payload salt is empty")
	}

	gcm, err := newGCM(secret, payload.Salt, config)
	if err != nil {
		return nil, err
	}
	if len(payload.Nonce) != gcm.NonceSize() {
		return nil, ErrDecryptionFailed
	}

	plaintext, err := gcm.Open(nil, payload.Nonce, payload.Ciphertext, aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func newGCM(secret, salt []byte, config EncryptionConfig) (cipher.AEAD, error) {
	key, err := scrypt.Key(secret, salt, config.SCryptN, config.SCryptR, config.SCryptP, 32)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	defer clear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
