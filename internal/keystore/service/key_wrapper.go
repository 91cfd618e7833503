package service

import (
	"crypto/rand"
	"fmt"
	"strconv"
	"time"

	keystoreDomain "github.com/allisson/fieldvault/internal/keystore/domain"
)

const wrapLabel = "fieldvault/data-key/v1"

// KeyWrapperService implements KeyWrapper on top of an AEADManager.
//
// Every Wrap draws a fresh nonce from the AEAD, so wrapping the same data key twice under the
// same master key produces different ciphertext. The associated data binds each wrap to its
// context and version: a wrapped key moved to another bundle slot fails to unwrap.
type KeyWrapperService struct {
	aeadManager AEADManager
}

// NewKeyWrapper creates a KeyWrapperService using aeadManager for cipher construction.
func NewKeyWrapper(aeadManager AEADManager) *KeyWrapperService {
	return &KeyWrapperService{aeadManager: aeadManager}
}

// GenerateDataKey creates 32 random bytes for context at version.
func (w *KeyWrapperService) GenerateDataKey(
	context string,
	version uint,
	alg keystoreDomain.Algorithm,
) (*keystoreDomain.DataKey, error) {
	if context == "" {
		return nil, keystoreDomain.ErrInvalidContext
	}
	if _, err := ParseAlgorithm(string(alg)); err != nil {
		return nil, err
	}

	key := make([]byte, keystoreDomain.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}

	return &keystoreDomain.DataKey{
		Context:   context,
		Version:   version,
		Algorithm: alg,
		Key:       key,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Wrap encrypts dataKey under masterKey using the data key's algorithm.
func (w *KeyWrapperService) Wrap(
	masterKey *keystoreDomain.MasterKey,
	dataKey *keystoreDomain.DataKey,
) (keystoreDomain.WrappedDataKey, error) {
	aead, err := w.aeadManager.CreateCipher(masterKey.Key, dataKey.Algorithm)
	if err != nil {
		return keystoreDomain.WrappedDataKey{}, err
	}

	encryptedKey, nonce, err := aead.Encrypt(dataKey.Key, wrapAAD(dataKey.Context, dataKey.Version))
	if err != nil {
		return keystoreDomain.WrappedDataKey{}, fmt.Errorf("failed to wrap data key: %w", err)
	}

	return keystoreDomain.WrappedDataKey{
		Context:      dataKey.Context,
		Version:      dataKey.Version,
		Algorithm:    dataKey.Algorithm,
		Nonce:        nonce,
		EncryptedKey: encryptedKey,
		CreatedAt:    dataKey.CreatedAt,
		RetiredAt:    dataKey.RetiredAt,
	}, nil
}

// Unwrap decrypts wrapped with masterKey. Authentication failure yields ErrUnwrapFailed.
func (w *KeyWrapperService) Unwrap(
	masterKey *keystoreDomain.MasterKey,
	wrapped keystoreDomain.WrappedDataKey,
) (*keystoreDomain.DataKey, error) {
	aead, err := w.aeadManager.CreateCipher(masterKey.Key, wrapped.Algorithm)
	if err != nil {
		return nil, err
	}

	key, err := aead.Decrypt(wrapped.EncryptedKey, wrapped.Nonce, wrapAAD(wrapped.Context, wrapped.Version))
	if err != nil {
		return nil, fmt.Errorf("%w: context %q version %d", keystoreDomain.ErrUnwrapFailed, wrapped.Context, wrapped.Version)
	}
	if len(key) != keystoreDomain.KeySize {
		keystoreDomain.Zero(key)
		return nil, keystoreDomain.ErrInvalidKeySize
	}

	return &keystoreDomain.DataKey{
		Context:   wrapped.Context,
		Version:   wrapped.Version,
		Algorithm: wrapped.Algorithm,
		Key:       key,
		CreatedAt: wrapped.CreatedAt,
		RetiredAt: wrapped.RetiredAt,
	}, nil
}

func wrapAAD(context string, version uint) []byte {
	return AssociatedData(wrapLabel, context, strconv.FormatUint(uint64(version), 10))
}
