package domain

import (
	"github.com/allisson/fieldvault/internal/errors"
)

// Key store error definitions.
//
// These wrap the standard kinds from internal/errors so callers outside the key store can
// match either the specific error or its kind.
var (
	// ErrKeyStoreUnavailable indicates the key directory or one of its files cannot be read,
	// written or decoded. The host process must not continue after receiving this error
	// from Initialize.
	ErrKeyStoreUnavailable = errors.Wrap(errors.ErrUnavailable, "key store unavailable")

	// ErrKeyNotFound indicates a context has no provisioned data key.
	ErrKeyNotFound = errors.Wrap(errors.ErrNotFound, "key not found")

	// ErrKeyVersionNotFound indicates the context exists but the requested version was never
	// created or has been purged.
	ErrKeyVersionNotFound = errors.Wrap(errors.ErrNotFound, "key version not found")

	// ErrUnsupportedAlgorithm indicates the requested cipher is not supported.
	ErrUnsupportedAlgorithm = errors.Wrap(errors.ErrInvalidInput, "unsupported algorithm")

	// ErrInvalidKeySize indicates key material is not exactly KeySize bytes.
	ErrInvalidKeySize = errors.Wrap(errors.ErrInvalidInput, "invalid key size")

	// ErrInvalidContext indicates an empty or malformed context name.
	ErrInvalidContext = errors.Wrap(errors.ErrInvalidInput, "invalid context")

	// ErrUnwrapFailed indicates a wrapped data key failed authentication under the master
	// key. Usually a wrong root secret or a tampered bundle.
	ErrUnwrapFailed = errors.Wrap(errors.ErrIntegrity, "data key unwrap failed")

	// ErrNotInitialized indicates the key store was used before Initialize succeeded.
	ErrNotInitialized = errors.Wrap(errors.ErrUnavailable, "key store not initialized")
)
