// Package crypto provides the cryptographic primitives for SecureChat.
// Includes password-based key derivation, AES-GCM encryption/decryption and
// sealing of derived keys in guarded memory.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	cryptorand "crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// NonceSize is the size of the GCM nonce
	NonceSize = 12

	// KeySize is the size of the AES-256 key
	KeySize = 32

	// SaltSize is the size of the room session salt
	SaltSize = 16

	// KDFIterations is the PBKDF2-SHA256 round count
	KDFIterations = 100000
)

var (
	// ErrKeyDerivation is fatal to the session using it.
	ErrKeyDerivation = errors.New("key derivation failed")

	// ErrAuthentication means tampering or a wrong key. Only the affected
	// message is lost.
	ErrAuthentication = errors.New("message authentication failed")

	// ErrInvalidKey is returned when a key is not KeySize bytes.
	ErrInvalidKey = errors.New("invalid key size")
)

// DeriveKey stretches a room password and salt into an AES-256 key.
// The same pair always yields the same key.
func DeriveKey(password string, salt []byte) ([]byte, error) {
	if password == "" {
		return nil, fmt.Errorf("%w: empty password", ErrKeyDerivation)
	}
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("%w: salt must be %d bytes, got %d", ErrKeyDerivation, SaltSize, len(salt))
	}

	return pbkdf2.Key([]byte(password), salt, KDFIterations, KeySize, sha256.New), nil
}

// NewSalt generates a fresh random session salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(cryptorand.Reader, salt); err != nil {
		return nil, fmt.Errorf("%w: salt generation: %v", ErrKeyDerivation, err)
	}
	return salt, nil
}

// SetupAESGCM creates an AES-GCM cipher from a derived key.
func SetupAESGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", ErrInvalidKey, KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("AES cipher creation failed: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("GCM creation failed: %w", err)
	}

	return gcm, nil
}

// Encrypt seals plaintext under key with a random nonce.
// The returned ciphertext carries the GCM tag at its end.
func Encrypt(key, plaintext []byte) (nonce, ciphertext []byte, err error) {
	gcm, err := SetupAESGCM(key)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, NonceSize)
	if _, err := io.ReadFull(cryptorand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("nonce generation failed: %w", err)
	}

	return nonce, gcm.Seal(nil, nonce, plaintext, nil), nil
}

// Decrypt opens a ciphertext produced by Encrypt. Any mismatch in nonce,
// ciphertext or tag fails with ErrAuthentication.
func Decrypt(key, nonce, ciphertext []byte) ([]byte, error) {
	gcm, err := SetupAESGCM(key)
	if err != nil {
		return nil, err
	}

	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: nonce must be %d bytes", ErrAuthentication, NonceSize)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}

	return plaintext, nil
}

// SealKey moves key into a memguard enclave. The key slice is wiped.
func SealKey(key []byte) *memguard.Enclave {
	buf := memguard.NewBufferFromBytes(key)
	return buf.Seal()
}

// WithKey opens a sealed key for the duration of fn.
func WithKey(enclave *memguard.Enclave, fn func(key []byte) error) error {
	if enclave == nil {
		return ErrInvalidKey
	}
	buf, err := enclave.Open()
	if err != nil {
		return fmt.Errorf("open sealed key: %w", err)
	}
	defer buf.Destroy()

	return fn(buf.Bytes())
}

// EncryptSealed is Encrypt with a key held in an enclave.
func EncryptSealed(enclave *memguard.Enclave, plaintext []byte) (nonce, ciphertext []byte, err error) {
	err = WithKey(enclave, func(key []byte) error {
		nonce, ciphertext, err = Encrypt(key, plaintext)
		return err
	})
	return nonce, ciphertext, err
}

// DecryptSealed is Decrypt with a key held in an enclave.
func DecryptSealed(enclave *memguard.Enclave, nonce, ciphertext []byte) (plaintext []byte, err error) {
	err = WithKey(enclave, func(key []byte) error {
		plaintext, err = Decrypt(key, nonce, ciphertext)
		return err
	})
	return plaintext, err
}
