package verdant

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// EncryptionNonceSize is the nonce size for AES-GCM
	EncryptionNonceSize = 12
	// EncryptionSaltSize is the salt size for key derivation
	EncryptionSaltSize = 32
	// EncryptionKeySize is the AES-256 key size
	EncryptionKeySize = 32
	// PBKDF2Iterations is the number of iterations for key derivation
	PBKDF2Iterations = 100000
)

// EncryptionConfig configures encryption at rest for checkpoint files.
type EncryptionConfig struct {
	// Enabled turns on encryption for checkpoint payloads
	Enabled bool `yaml:"enabled"`
	// Key is the encryption key (must be 32 bytes for AES-256)
	// If empty, KeyPassword is used to derive a key
	Key []byte `yaml:"-"`
	// KeyPassword is used to derive the encryption key via PBKDF2
	KeyPassword string `yaml:"key_password"`
}

// Encryptor provides encryption/decryption for checkpoint blocks.
type Encryptor struct {
	gcm  cipher.AEAD
	salt []byte
}

// NewEncryptor creates a new encryptor from a key or password, generating
// a fresh salt. Returns nil when encryption is disabled.
func NewEncryptor(cfg EncryptionConfig) (*Encryptor, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	salt := make([]byte, EncryptionSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return newEncryptorWithSalt(cfg, salt)
}

// newEncryptorWithSalt builds an encryptor around a known salt, used when
// decrypting a checkpoint whose header carries the salt it was written
// with.
func newEncryptorWithSalt(cfg EncryptionConfig, salt []byte) (*Encryptor, error) {
	var key []byte
	switch {
	case len(cfg.Key) > 0:
		if len(cfg.Key) != EncryptionKeySize {
			return nil, errors.New("encryption key must be 32 bytes for AES-256")
		}
		key = cfg.Key
	case cfg.KeyPassword != "":
		key = pbkdf2.Key([]byte(cfg.KeyPassword), salt, PBKDF2Iterations, EncryptionKeySize, sha256.New)
	default:
		return nil, errors.New("encryption enabled but no key or password provided")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Encryptor{gcm: gcm, salt: salt}, nil
}

// Salt returns the key-derivation salt, persisted in the checkpoint
// header.
func (e *Encryptor) Salt() []byte {
	return e.salt
}

// Encrypt seals plaintext, prepending the nonce.
func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, EncryptionNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return e.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens data produced by Encrypt.
func (e *Encryptor) Decrypt(data []byte) ([]byte, error) {
	if len(data) < EncryptionNonceSize {
		return nil, errors.New("ciphertext shorter than nonce")
	}
	nonce, ciphertext := data[:EncryptionNonceSize], data[EncryptionNonceSize:]
	return e.gcm.Open(nil, nonce, ciphertext, nil)
}
