package domain

import (
	"time"
)

// DataKey is the plaintext key protecting every field of one context at one version.
// Owned by the key store; the Key bytes never leave the process unencrypted.
type DataKey struct {
	Context   string
	Version   uint
	Algorithm Algorithm
	Key       []byte
	CreatedAt time.Time
	RetiredAt *time.Time // Set once a newer version became active
}

// IsRetired reports whether a newer version of the context has replaced this key.
func (d *DataKey) IsRetired() bool {
	return d.RetiredAt != nil
}

// WrappedDataKey is the persisted form of a DataKey, encrypted under the master key.
//
// The wrap is bound to Context and Version through associated data, so swapping entries
// inside a bundle makes unwrapping fail.
type WrappedDataKey struct {
	Context      string     `json:"context"`
	Version      uint       `json:"version"`
	Algorithm    Algorithm  `json:"algorithm"`
	Nonce        []byte     `json:"nonce"`
	EncryptedKey []byte     `json:"encrypted_key"`
	CreatedAt    time.Time  `json:"created_at"`
	RetiredAt    *time.Time `json:"retired_at,omitempty"`
}

// KeyBundle is the single file holding every wrapped data key.
type KeyBundle struct {
	FormatVersion int              `json:"format_version"`
	UpdatedAt     time.Time        `json:"updated_at"`
	Keys          []WrappedDataKey `json:"keys"`
}

// KeyInfo describes the active key of a context for observability and compliance checks.
// It never carries key bytes.
type KeyInfo struct {
	Context         string    `json:"context"`
	Created         time.Time `json:"created"`
	Version         uint      `json:"version"`
	Algorithm       Algorithm `json:"algorithm"`
	RetiredVersions []uint    `json:"retired_versions,omitempty"`
}
