package service

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"

	keystoreDomain "github.com/allisson/fieldvault/internal/keystore/domain"
)

// SaltSize is the length of the random salt persisted next to a derived master key.
const SaltSize = 16

// Argon2Params tunes the memory-hard derivation of the master key from a root secret.
type Argon2Params struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
}

// DefaultArgon2Params follows the RFC 9106 second recommended option.
var DefaultArgon2Params = Argon2Params{Time: 3, Memory: 64 * 1024, Threads: 4}

// Argon2Deriver implements KeyDeriver with Argon2id.
type Argon2Deriver struct {
	params Argon2Params
}

// NewArgon2Deriver creates a deriver. Zero-valued params fall back to DefaultArgon2Params.
func NewArgon2Deriver(params Argon2Params) *Argon2Deriver {
	if params.Time == 0 || params.Memory == 0 || params.Threads == 0 {
		params = DefaultArgon2Params
	}
	return &Argon2Deriver{params: params}
}

// Derive stretches secret and salt into a 32-byte master key.
func (d *Argon2Deriver) Derive(secret, salt []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errors.New("root secret is empty")
	}
	if len(salt) < SaltSize {
		return nil, fmt.Errorf("salt must be at least %d bytes, got %d", SaltSize, len(salt))
	}
	return argon2.IDKey(secret, salt, d.params.Time, d.params.Memory, d.params.Threads, keystoreDomain.KeySize), nil
}

// NewSalt returns SaltSize random bytes.
func (d *Argon2Deriver) NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}
