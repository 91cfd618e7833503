// Package service provides the cryptographic primitives of the key hierarchy: AEAD ciphers,
// data key generation and wrapping under the master key, and root secret derivation.
package service

import (
	keystoreDomain "github.com/allisson/fieldvault/internal/keystore/domain"
)

// AEAD defines Authenticated Encryption with Associated Data.
type AEAD interface {
	// Encrypt seals plaintext under a fresh random nonce. The returned ciphertext carries the
	// authentication tag in its last Overhead() bytes.
	Encrypt(plaintext, aad []byte) (ciphertext, nonce []byte, err error)

	// Decrypt verifies and opens ciphertext. It never returns plaintext when verification fails.
	Decrypt(ciphertext, nonce, aad []byte) ([]byte, error)

	// NonceSize is the nonce length in bytes.
	NonceSize() int

	// Overhead is the authentication tag length in bytes.
	Overhead() int
}

// AEADManager creates AEAD cipher instances.
type AEADManager interface {
	// CreateCipher creates an AEAD for the key and algorithm.
	CreateCipher(key []byte, alg keystoreDomain.Algorithm) (AEAD, error)
}

// KeyWrapper generates data keys and moves them between plaintext and wrapped form.
type KeyWrapper interface {
	// GenerateDataKey creates fresh random key material for a context version.
	GenerateDataKey(context string, version uint, alg keystoreDomain.Algorithm) (*keystoreDomain.DataKey, error)

	// Wrap encrypts a data key under the master key.
	Wrap(masterKey *keystoreDomain.MasterKey, dataKey *keystoreDomain.DataKey) (keystoreDomain.WrappedDataKey, error)

	// Unwrap decrypts a wrapped data key with the master key.
	Unwrap(masterKey *keystoreDomain.MasterKey, wrapped keystoreDomain.WrappedDataKey) (*keystoreDomain.DataKey, error)
}

// KeyDeriver turns an externally supplied root secret into master key material.
type KeyDeriver interface {
	// Derive stretches secret with salt into a KeySize key.
	Derive(secret, salt []byte) ([]byte, error)

	// NewSalt returns fresh random salt for a first derivation.
	NewSalt() ([]byte, error)
}
