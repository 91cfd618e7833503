package domain

import (
	"fmt"
)

// MasterKeySource records how the master key was obtained at bootstrap.
type MasterKeySource string

const (
	// MasterKeyFromFile means the key was read from master.key.
	MasterKeyFromFile MasterKeySource = "file"
	// MasterKeyDerived means the key was derived from an externally supplied root secret.
	MasterKeyDerived MasterKeySource = "derived"
	// MasterKeyGenerated means the key was generated on this bootstrap and persisted.
	MasterKeyGenerated MasterKeySource = "generated"
)

// MasterKey is the root of the key hierarchy.
//
// It only wraps and unwraps data keys and is never used to protect application data.
// The key lives in process memory for the lifetime of the key store and is zeroed by Close.
type MasterKey struct {
	Key    []byte
	Source MasterKeySource
}

// NewMasterKey validates key material and returns a MasterKey owning a copy of it.
func NewMasterKey(key []byte, source MasterKeySource) (*MasterKey, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: master key must be %d bytes, got %d", ErrInvalidKeySize, KeySize, len(key))
	}
	owned := make([]byte, KeySize)
	copy(owned, key)
	return &MasterKey{Key: owned, Source: source}, nil
}

// Close zeroes the key material.
func (m *MasterKey) Close() {
	if m == nil {
		return
	}
	Zero(m.Key)
	m.Key = nil
}
