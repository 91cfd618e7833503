// Package usecase orchestrates the key store lifecycle: bootstrap from the key directory,
// data key lookup, rotation, ad-hoc context provisioning and retirement.
package usecase

import (
	"context"
	"time"

	keystoreDomain "github.com/allisson/fieldvault/internal/keystore/domain"
)

// KeyRepository persists master key material and the wrapped data key bundle.
//
// Load methods return an error matching fs.ErrNotExist when the file is absent, which the key
// store treats as "first bootstrap" rather than a failure.
type KeyRepository interface {
	EnsureDir() error
	LoadMasterKey() ([]byte, error)
	SaveMasterKey(key []byte) error
	LoadSalt() ([]byte, error)
	SaveSalt(salt []byte) error
	LoadBundle() (*keystoreDomain.KeyBundle, error)
	SaveBundle(bundle *keystoreDomain.KeyBundle) error
	Backup(now time.Time) (string, error)
}

// KeyStore owns the master key and every data key of the process.
//
// Lookups are lock-free and always observe a complete key ring. Initialize, RotateKeys,
// ProvisionContext and PurgeRetiredKeys are serialized against each other.
type KeyStore interface {
	// Initialize loads or creates the master key and the data key bundle. Any failure
	// matches ErrKeyStoreUnavailable and the caller must not continue.
	Initialize(ctx context.Context) error

	// GetKey returns the active key bytes of a context. Callers must not modify them.
	GetKey(contextName string) ([]byte, error)

	// ActiveKey returns the data key new encryptions under a context must use.
	ActiveKey(contextName string) (*keystoreDomain.DataKey, error)

	// KeyVersion returns a specific, possibly retired, version of a context's data key.
	KeyVersion(contextName string, version uint) (*keystoreDomain.DataKey, error)

	// ProvisionContext creates the first data key of an ad-hoc context. It is a no-op when
	// the context already exists.
	ProvisionContext(ctx context.Context, contextName string) error

	// RotateKeys backs up the key files, creates a new active version for every context and
	// retires the previous one. Returns the key info after rotation.
	RotateKeys(ctx context.Context) ([]keystoreDomain.KeyInfo, error)

	// PurgeRetiredKeys drops every retired version of a context and returns how many were
	// removed. Only call this after a re-encryption pass moved all envelopes to the active key.
	PurgeRetiredKeys(ctx context.Context, contextName string) (int, error)

	// GetKeyInfo describes the active key of every context, sorted by context.
	GetKeyInfo() ([]keystoreDomain.KeyInfo, error)

	// Close zeroes all key material. The store cannot be used afterwards.
	Close()
}
