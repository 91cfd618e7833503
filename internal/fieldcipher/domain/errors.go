package domain

import (
	"github.com/allisson/fieldvault/internal/errors"
)

// Field cipher error definitions.
var (
	// ErrDecryptionFailed indicates an envelope could not be opened: unknown format version,
	// missing key version, or authentication failure. No partial plaintext accompanies it.
	ErrDecryptionFailed = errors.Wrap(errors.ErrIntegrity, "decryption failed")

	// ErrInvalidEnvelope indicates a value marked as protected whose envelope fields do not
	// decode. It is a kind of ErrDecryptionFailed.
	ErrInvalidEnvelope = errors.Wrap(ErrDecryptionFailed, "invalid envelope")

	// ErrEncryptionFailed indicates a value could not be sealed into an envelope.
	ErrEncryptionFailed = errors.New("encryption failed")
)
