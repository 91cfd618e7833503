// Package service seals individual field values into envelopes and opens them again.
//
// Every envelope is encrypted with the active data key of its context and a fresh random
// nonce. The associated data binds the ciphertext to the envelope format version, the context,
// the key version, the algorithm and the value encoding, so a relabelled envelope fails
// authentication instead of decrypting into the wrong key or the wrong value type.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	fieldcipherDomain "github.com/allisson/fieldvault/internal/fieldcipher/domain"
	keystoreDomain "github.com/allisson/fieldvault/internal/keystore/domain"
	keystoreService "github.com/allisson/fieldvault/internal/keystore/service"
)

const fieldLabel = "fieldvault/field"

// KeyProvider resolves data keys for encryption and decryption.
type KeyProvider interface {
	ActiveKey(contextName string) (*keystoreDomain.DataKey, error)
	KeyVersion(contextName string, version uint) (*keystoreDomain.DataKey, error)
}

// FieldCipher encrypts and decrypts single field values.
type FieldCipher interface {
	// EncryptField seals plaintext under the active key of contextName.
	EncryptField(ctx context.Context, plaintext, contextName string) (*fieldcipherDomain.Envelope, error)

	// EncryptValue seals any record value. Strings are stored as-is, nil as the empty string
	// and everything else as JSON so DecryptValue restores the original type.
	EncryptValue(ctx context.Context, value any, contextName string) (*fieldcipherDomain.Envelope, error)

	// DecryptField opens an envelope and returns the plaintext.
	DecryptField(ctx context.Context, env *fieldcipherDomain.Envelope) (string, error)

	// DecryptValue opens an envelope and restores the value passed to EncryptValue.
	DecryptValue(ctx context.Context, env *fieldcipherDomain.Envelope) (any, error)

	// ReencryptField seals the envelope's plaintext under the active key of its context when it
	// was written with an older key version. Reports whether a new envelope was produced.
	ReencryptField(ctx context.Context, env *fieldcipherDomain.Envelope) (*fieldcipherDomain.Envelope, bool, error)
}

type fieldCipher struct {
	keys        KeyProvider
	aeadManager keystoreService.AEADManager
	now         func() time.Time
}

// NewFieldCipher creates a FieldCipher backed by keys.
func NewFieldCipher(keys KeyProvider, aeadManager keystoreService.AEADManager) FieldCipher {
	return &fieldCipher{
		keys:        keys,
		aeadManager: aeadManager,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func fieldAAD(
	formatVersion int,
	contextName string,
	keyVersion uint,
	alg keystoreDomain.Algorithm,
	encoding fieldcipherDomain.Encoding,
) []byte {
	return keystoreService.AssociatedData(
		fieldLabel,
		strconv.Itoa(formatVersion),
		contextName,
		strconv.FormatUint(uint64(keyVersion), 10),
		string(alg),
		string(normalizeEncoding(encoding)),
	)
}

// normalizeEncoding maps the omitted encoding of older envelopes to EncodingString.
func normalizeEncoding(encoding fieldcipherDomain.Encoding) fieldcipherDomain.Encoding {
	if encoding == "" {
		return fieldcipherDomain.EncodingString
	}
	return encoding
}

func (f *fieldCipher) EncryptField(
	ctx context.Context,
	plaintext, contextName string,
) (*fieldcipherDomain.Envelope, error) {
	return f.seal([]byte(plaintext), contextName, fieldcipherDomain.EncodingString)
}

func (f *fieldCipher) EncryptValue(
	ctx context.Context,
	value any,
	contextName string,
) (*fieldcipherDomain.Envelope, error) {
	switch v := value.(type) {
	case nil:
		return f.seal(nil, contextName, fieldcipherDomain.EncodingString)
	case string:
		return f.seal([]byte(v), contextName, fieldcipherDomain.EncodingString)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: encode value: %w", fieldcipherDomain.ErrEncryptionFailed, err)
		}
		return f.seal(data, contextName, fieldcipherDomain.EncodingJSON)
	}
}

func (f *fieldCipher) seal(
	plaintext []byte,
	contextName string,
	encoding fieldcipherDomain.Encoding,
) (*fieldcipherDomain.Envelope, error) {
	dk, err := f.keys.ActiveKey(contextName)
	if err != nil {
		return nil, err
	}

	aead, err := f.aeadManager.CreateCipher(dk.Key, dk.Algorithm)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", fieldcipherDomain.ErrEncryptionFailed, err)
	}

	sealed, nonce, err := aead.Encrypt(
		plaintext,
		fieldAAD(fieldcipherDomain.FormatVersion, contextName, dk.Version, dk.Algorithm, encoding),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", fieldcipherDomain.ErrEncryptionFailed, err)
	}
	split := len(sealed) - aead.Overhead()

	return &fieldcipherDomain.Envelope{
		Protected:  true,
		Ciphertext: sealed[:split:split],
		Nonce:      nonce,
		Tag:        sealed[split:],
		Context:    contextName,
		Version:    fieldcipherDomain.FormatVersion,
		KeyVersion: dk.Version,
		Algorithm:  dk.Algorithm,
		Encoding:   encoding,
		Timestamp:  f.now(),
	}, nil
}

func (f *fieldCipher) open(env *fieldcipherDomain.Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil envelope", fieldcipherDomain.ErrDecryptionFailed)
	}
	failed := func(reason string) error {
		return fmt.Errorf("%w: context %s: %s", fieldcipherDomain.ErrDecryptionFailed, env.Context, reason)
	}

	if !env.Protected || env.Version != fieldcipherDomain.FormatVersion {
		return nil, failed("unsupported envelope version " + strconv.Itoa(env.Version))
	}

	dk, err := f.keys.KeyVersion(env.Context, env.KeyVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: context %s: %w", fieldcipherDomain.ErrDecryptionFailed, env.Context, err)
	}
	if env.Algorithm != dk.Algorithm {
		return nil, failed("algorithm mismatch")
	}

	aead, err := f.aeadManager.CreateCipher(dk.Key, dk.Algorithm)
	if err != nil {
		return nil, failed(err.Error())
	}
	if len(env.Tag) != aead.Overhead() {
		return nil, failed("invalid tag length")
	}

	sealed := make([]byte, 0, len(env.Ciphertext)+len(env.Tag))
	sealed = append(sealed, env.Ciphertext...)
	sealed = append(sealed, env.Tag...)

	aad := fieldAAD(env.Version, env.Context, env.KeyVersion, env.Algorithm, env.Encoding)
	plaintext, err := aead.Decrypt(sealed, env.Nonce, aad)
	if err != nil {
		return nil, failed("authentication failed")
	}
	return plaintext, nil
}

func (f *fieldCipher) DecryptField(ctx context.Context, env *fieldcipherDomain.Envelope) (string, error) {
	plaintext, err := f.open(env)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (f *fieldCipher) DecryptValue(ctx context.Context, env *fieldcipherDomain.Envelope) (any, error) {
	plaintext, err := f.open(env)
	if err != nil {
		return nil, err
	}
	if normalizeEncoding(env.Encoding) != fieldcipherDomain.EncodingJSON {
		return string(plaintext), nil
	}

	decoder := json.NewDecoder(bytes.NewReader(plaintext))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, fmt.Errorf("%w: context %s: decode value: %w", fieldcipherDomain.ErrDecryptionFailed, env.Context, err)
	}
	return value, nil
}

func (f *fieldCipher) ReencryptField(
	ctx context.Context,
	env *fieldcipherDomain.Envelope,
) (*fieldcipherDomain.Envelope, bool, error) {
	active, err := f.keys.ActiveKey(env.Context)
	if err != nil {
		return nil, false, err
	}
	if env.KeyVersion == active.Version {
		return env, false, nil
	}

	plaintext, err := f.open(env)
	if err != nil {
		return nil, false, err
	}

	next, err := f.seal(plaintext, env.Context, normalizeEncoding(env.Encoding))
	if err != nil {
		return nil, false, err
	}
	return next, true, nil
}
