package snapshot

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"

	"github.com/yndnr/tablesnap-go/pkg/crypto/adaptive"
)

// Encryption errors.
var (
	ErrKeyTooShort       = errors.New("snapshot: encryption key too short (minimum 16 bytes)")
	ErrPassphraseTooWeak = errors.New("snapshot: passphrase too weak (minimum 8 characters)")
	ErrDecryptionFailed  = errors.New("snapshot: decryption failed - wrong key or corrupted data")
	ErrKeyRequired       = errors.New("snapshot: snapshot is encrypted but no key is configured")
)

const (
	// MinKeyLength is the minimum key length for encryption.
	MinKeyLength = 16

	// MinPassphraseLength is the minimum passphrase length.
	MinPassphraseLength = 8

	// SaltLength is the salt length used in passphrase derivation.
	SaltLength = 16

	argon2Time    = 3
	argon2Memory  = 64 * 1024
	argon2Threads = 4
	argon2KeyLen  = 32

	// subkeyInfo separates snapshot payload keys from any other use of
	// the configured master key.
	subkeyInfo = "tablesnap/snapshot/v1"
)

// EncryptionConfig configures snapshot encryption.
// Either Key or Passphrase enables it; Passphrase wins when both are set.
type EncryptionConfig struct {
	// Key is the raw master key (at least 16 bytes). The payload key
	// is derived from it with HKDF-SHA256.
	Key []byte

	// Passphrase is stretched with Argon2id. The salt is stored in
	// every snapshot header so the key can be derived again on load.
	Passphrase []byte

	// Salt reproduces a passphrase-derived key. Nil generates a new one.
	Salt []byte

	// Algorithm is one of "aes-gcm", "chacha20-poly1305",
	// "xchacha20-poly1305". Empty selects the best one for the host.
	Algorithm string
}

// Enabled reports whether any key material is configured.
func (c EncryptionConfig) Enabled() bool {
	return len(c.Key) > 0 || len(c.Passphrase) > 0
}

// ValidateConfig validates the encryption configuration.
func ValidateConfig(cfg EncryptionConfig) error {
	if len(cfg.Passphrase) > 0 {
		if len(cfg.Passphrase) < MinPassphraseLength {
			return ErrPassphraseTooWeak
		}
		return nil
	}

	if len(cfg.Key) > 0 && len(cfg.Key) < MinKeyLength {
		return ErrKeyTooShort
	}

	return nil
}

// NewCipherFromConfig creates a cipher from the encryption configuration.
// It returns a nil cipher when encryption is not configured, and the salt
// used for passphrase derivation, which the caller must persist.
func NewCipherFromConfig(cfg EncryptionConfig) (adaptive.Cipher, []byte, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, nil, err
	}
	if !cfg.Enabled() {
		return nil, nil, nil
	}

	algo, err := adaptive.ParseCipherType(cfg.Algorithm)
	if err != nil {
		return nil, nil, fmt.Errorf("snapshot: %w", err)
	}

	var key, salt []byte
	if len(cfg.Passphrase) > 0 {
		derived, err := DeriveKeyFromPassphrase(cfg.Passphrase, cfg.Salt)
		if err != nil {
			return nil, nil, err
		}
		salt, key, err = ExtractKeyFromDerived(derived)
		if err != nil {
			return nil, nil, err
		}
	} else {
		key, err = DeriveSubkey(cfg.Key, subkeyInfo, argon2KeyLen)
		if err != nil {
			return nil, nil, err
		}
	}
	defer ZeroKey(key)

	c, err := adaptive.NewWithType(key, algo)
	if err != nil {
		return nil, nil, fmt.Errorf("snapshot: %w", err)
	}
	return c, salt, nil
}

// DeriveKeyFromPassphrase derives a 32-byte key from a passphrase using
// Argon2id and returns salt followed by key. A nil salt is generated.
func DeriveKeyFromPassphrase(passphrase []byte, salt []byte) ([]byte, error) {
	if salt == nil {
		salt = make([]byte, SaltLength)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("snapshot: derive key: %w", err)
		}
	}
	if len(salt) != SaltLength {
		return nil, fmt.Errorf("snapshot: invalid salt length %d", len(salt))
	}

	key := argon2.IDKey(passphrase, salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)

	result := make([]byte, len(salt)+len(key))
	copy(result, salt)
	copy(result[len(salt):], key)
	return result, nil
}

// ExtractKeyFromDerived splits the salt+key output of DeriveKeyFromPassphrase.
func ExtractKeyFromDerived(derived []byte) (salt, key []byte, err error) {
	if len(derived) < SaltLength+argon2KeyLen {
		return nil, nil, fmt.Errorf("snapshot: invalid derived key length")
	}
	return derived[:SaltLength], derived[SaltLength:], nil
}

// DeriveSubkey derives a subkey from a master key using HKDF.
func DeriveSubkey(masterKey []byte, info string, length int) ([]byte, error) {
	if len(masterKey) < MinKeyLength {
		return nil, ErrKeyTooShort
	}

	reader := hkdf.New(sha256.New, masterKey, nil, []byte(info))
	key := make([]byte, length)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("snapshot: derive subkey: %w", err)
	}
	return key, nil
}

// GenerateKey generates a random encryption key of the specified length.
func GenerateKey(length int) ([]byte, error) {
	if length < MinKeyLength {
		return nil, ErrKeyTooShort
	}

	key := make([]byte, length)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("snapshot: generate key: %w", err)
	}
	return key, nil
}

// ZeroKey zeros a key in memory.
func ZeroKey(key []byte) {
	clear(key)
}
