// Package domain defines the audit events and reports of the compliance ledger.
package domain

import (
	"time"

	"github.com/google/uuid"

	"github.com/allisson/fieldvault/internal/errors"
	keystoreDomain "github.com/allisson/fieldvault/internal/keystore/domain"
)

// Action is the kind of operation an audit event records.
type Action string

const (
	ActionProtect   Action = "protect"
	ActionUnprotect Action = "unprotect"
	ActionRotate    Action = "rotate"
	ActionRetire    Action = "retire"
)

// Ledger defaults.
const (
	DefaultMaxEvents = 10000
	DefaultKeyMaxAge = 90 * 24 * time.Hour

	// NoEventsRecommendation is reported when the ledger holds no events.
	NoEventsRecommendation = "no encryption audit events recorded"
)

// ErrSignatureInvalid indicates an audit event does not match its signature.
var ErrSignatureInvalid = errors.Wrap(errors.ErrIntegrity, "audit event signature invalid")

// AuditEvent is one entry of the compliance ledger.
//
// Signature is an HMAC-SHA256 over the other fields, keyed from version SigningKeyVersion of
// the audit-data key. Events recorded while that key is unavailable are unsigned.
type AuditEvent struct {
	ID                uuid.UUID         `json:"id"`
	Timestamp         time.Time         `json:"timestamp"`
	Action            Action            `json:"action"`
	Context           string            `json:"context"`
	ActorID           string            `json:"actor_id,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	SigningKeyVersion uint              `json:"signing_key_version,omitempty"`
	Signature         []byte            `json:"signature,omitempty"`
}

// IsSigned reports whether the event carries a signature.
func (e *AuditEvent) IsSigned() bool {
	return len(e.Signature) > 0
}

// Report summarizes the retained events and the current keys.
type Report struct {
	TotalEvents        int                      `json:"total_events"`
	EventsByContext    map[string]int           `json:"events_by_context"`
	EventsByAction     map[Action]int           `json:"events_by_action"`
	LastEventTimestamp *time.Time               `json:"last_event_timestamp,omitempty"`
	KeyInfo            []keystoreDomain.KeyInfo `json:"key_info"`
}

// ComplianceStatus is the outcome of a compliance check. A status is compliant when it has
// no issues; recommendations never affect compliance.
type ComplianceStatus struct {
	IsCompliant     bool     `json:"is_compliant"`
	Issues          []string `json:"issues"`
	Recommendations []string `json:"recommendations"`
}

// VerificationResult summarizes a signature check over the retained events.
type VerificationResult struct {
	Total    int         `json:"total"`
	Valid    int         `json:"valid"`
	Unsigned int         `json:"unsigned"`
	Invalid  []uuid.UUID `json:"invalid"`
}
