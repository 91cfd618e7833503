// Package service signs and verifies compliance ledger events.
package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"golang.org/x/crypto/hkdf"

	complianceDomain "github.com/allisson/fieldvault/internal/compliance/domain"
	keystoreDomain "github.com/allisson/fieldvault/internal/keystore/domain"
)

const signingInfo = "fieldvault-ledger-signing-v1"

// EventSigner computes and checks audit event signatures.
type EventSigner interface {
	// Sign returns the HMAC-SHA256 signature of event under a key derived from dataKey.
	Sign(dataKey []byte, event *complianceDomain.AuditEvent) ([]byte, error)

	// Verify returns ErrSignatureInvalid when event does not match its signature.
	Verify(dataKey []byte, event *complianceDomain.AuditEvent) error
}

type eventSigner struct{}

// NewEventSigner creates an HKDF-SHA256 + HMAC-SHA256 event signer.
func NewEventSigner() EventSigner {
	return &eventSigner{}
}

// deriveSigningKey separates the signing key from the data key used for field encryption.
func (s *eventSigner) deriveSigningKey(dataKey []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, dataKey, nil, []byte(signingInfo))
	signingKey := make([]byte, 32)
	if _, err := io.ReadFull(reader, signingKey); err != nil {
		return nil, err
	}
	return signingKey, nil
}

// canonicalize encodes every signed field. Strings and metadata entries are length-prefixed,
// metadata is ordered by key.
func (s *eventSigner) canonicalize(event *complianceDomain.AuditEvent) []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, event.ID[:]...)
	buf = appendLengthPrefixed(buf, string(event.Action))
	buf = appendLengthPrefixed(buf, event.Context)
	buf = appendLengthPrefixed(buf, event.ActorID)

	keys := make([]string, 0, len(event.Metadata))
	for k := range event.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(keys))) //nolint:gosec // metadata maps are small
	for _, k := range keys {
		buf = appendLengthPrefixed(buf, k)
		buf = appendLengthPrefixed(buf, event.Metadata[k])
	}

	buf = binary.BigEndian.AppendUint64(buf, uint64(event.SigningKeyVersion))
	buf = binary.BigEndian.AppendUint64(buf, uint64(event.Timestamp.UnixNano())) //nolint:gosec // post-1970 timestamps
	return buf
}

func appendLengthPrefixed(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s))) //nolint:gosec // short identifiers
	return append(buf, s...)
}

func (s *eventSigner) Sign(dataKey []byte, event *complianceDomain.AuditEvent) ([]byte, error) {
	signingKey, err := s.deriveSigningKey(dataKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive signing key: %w", err)
	}
	defer keystoreDomain.Zero(signingKey)

	mac := hmac.New(sha256.New, signingKey)
	mac.Write(s.canonicalize(event))
	return mac.Sum(nil), nil
}

func (s *eventSigner) Verify(dataKey []byte, event *complianceDomain.AuditEvent) error {
	expected, err := s.Sign(dataKey, event)
	if err != nil {
		return fmt.Errorf("failed to compute expected signature: %w", err)
	}
	if !hmac.Equal(event.Signature, expected) {
		return complianceDomain.ErrSignatureInvalid
	}
	return nil
}
