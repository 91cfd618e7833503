// Package usecase implements the compliance ledger: a bounded, signed, in-memory log of key
// usage events with reporting and a key hygiene check.
package usecase

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	complianceDomain "github.com/allisson/fieldvault/internal/compliance/domain"
	complianceService "github.com/allisson/fieldvault/internal/compliance/service"
	keystoreDomain "github.com/allisson/fieldvault/internal/keystore/domain"
)

// KeySource exposes the key store operations the ledger needs.
type KeySource interface {
	ActiveKey(contextName string) (*keystoreDomain.DataKey, error)
	KeyVersion(contextName string, version uint) (*keystoreDomain.DataKey, error)
	GetKeyInfo() ([]keystoreDomain.KeyInfo, error)
}

// Ledger records and reports compliance events. Safe for concurrent use.
type Ledger interface {
	// RecordEvent appends an event and returns it. When the retained count exceeds the
	// configured maximum, the oldest half of the events is dropped.
	RecordEvent(
		ctx context.Context,
		action complianceDomain.Action,
		contextName, actorID string,
		metadata map[string]string,
	) complianceDomain.AuditEvent

	// Events returns a snapshot of the retained events, oldest first.
	Events(ctx context.Context) []complianceDomain.AuditEvent

	// Report summarizes the retained events and the current keys.
	Report(ctx context.Context) (complianceDomain.Report, error)

	// CheckCompliance flags unprovisioned contexts, stale keys and an empty ledger.
	CheckCompliance(ctx context.Context) complianceDomain.ComplianceStatus

	// VerifyEvents checks the signature of every retained event.
	VerifyEvents(ctx context.Context) (complianceDomain.VerificationResult, error)
}

// Options configures a ledger.
type Options struct {
	// MaxEvents bounds the retained event count. Defaults to DefaultMaxEvents.
	MaxEvents int
	// KeyMaxAge is the age after which a key rotation is recommended. Defaults to DefaultKeyMaxAge.
	KeyMaxAge time.Duration
	// RequiredContexts must all have a provisioned key. Defaults to keystoreDomain.KnownContexts().
	RequiredContexts []string
	// SigningContext names the data key events are signed with. Defaults to audit-data.
	SigningContext string
}

type ledger struct {
	keys   KeySource
	signer complianceService.EventSigner
	opts   Options
	now    func() time.Time

	mu     sync.RWMutex
	events []complianceDomain.AuditEvent
}

// NewLedger creates an empty ledger.
func NewLedger(keys KeySource, signer complianceService.EventSigner, opts Options) Ledger {
	if opts.MaxEvents <= 1 {
		opts.MaxEvents = complianceDomain.DefaultMaxEvents
	}
	if opts.KeyMaxAge <= 0 {
		opts.KeyMaxAge = complianceDomain.DefaultKeyMaxAge
	}
	if len(opts.RequiredContexts) == 0 {
		opts.RequiredContexts = keystoreDomain.KnownContexts()
	}
	if opts.SigningContext == "" {
		opts.SigningContext = keystoreDomain.ContextAuditData
	}
	return &ledger{
		keys:   keys,
		signer: signer,
		opts:   opts,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (l *ledger) RecordEvent(
	ctx context.Context,
	action complianceDomain.Action,
	contextName, actorID string,
	metadata map[string]string,
) complianceDomain.AuditEvent {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	event := complianceDomain.AuditEvent{
		ID:       id,
		Action:   action,
		Context:  contextName,
		ActorID:  actorID,
		Metadata: maps.Clone(metadata),
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	event.Timestamp = l.now()
	l.sign(&event)

	l.events = append(l.events, event)
	if len(l.events) > l.opts.MaxEvents {
		kept := make([]complianceDomain.AuditEvent, len(l.events)-len(l.events)/2)
		copy(kept, l.events[len(l.events)/2:])
		l.events = kept
	}
	return event
}

// sign attaches a signature when the signing key is available. Events stay unsigned otherwise.
func (l *ledger) sign(event *complianceDomain.AuditEvent) {
	dk, err := l.keys.ActiveKey(l.opts.SigningContext)
	if err != nil {
		return
	}
	event.SigningKeyVersion = dk.Version
	signature, err := l.signer.Sign(dk.Key, event)
	if err != nil {
		event.SigningKeyVersion = 0
		return
	}
	event.Signature = signature
}

func (l *ledger) snapshot() []complianceDomain.AuditEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	events := make([]complianceDomain.AuditEvent, len(l.events))
	copy(events, l.events)
	return events
}

func (l *ledger) Events(ctx context.Context) []complianceDomain.AuditEvent {
	return l.snapshot()
}

func (l *ledger) Report(ctx context.Context) (complianceDomain.Report, error) {
	events := l.snapshot()

	report := complianceDomain.Report{
		TotalEvents:     len(events),
		EventsByContext: make(map[string]int),
		EventsByAction:  make(map[complianceDomain.Action]int),
	}
	for i := range events {
		report.EventsByContext[events[i].Context]++
		report.EventsByAction[events[i].Action]++
		if report.LastEventTimestamp == nil || events[i].Timestamp.After(*report.LastEventTimestamp) {
			ts := events[i].Timestamp
			report.LastEventTimestamp = &ts
		}
	}

	infos, err := l.keys.GetKeyInfo()
	if err != nil {
		return report, err
	}
	report.KeyInfo = infos
	return report, nil
}

func (l *ledger) CheckCompliance(ctx context.Context) complianceDomain.ComplianceStatus {
	status := complianceDomain.ComplianceStatus{
		Issues:          []string{},
		Recommendations: []string{},
	}

	infos, err := l.keys.GetKeyInfo()
	if err != nil {
		status.Issues = append(status.Issues, fmt.Sprintf("key store unavailable: %v", err))
	}

	provisioned := make(map[string]keystoreDomain.KeyInfo, len(infos))
	for _, info := range infos {
		provisioned[info.Context] = info
	}
	if err == nil {
		for _, name := range l.opts.RequiredContexts {
			if _, ok := provisioned[name]; !ok {
				status.Issues = append(status.Issues, fmt.Sprintf("context %s has no provisioned data key", name))
			}
		}
	}

	now := l.now()
	maxDays := int(l.opts.KeyMaxAge.Hours() / 24)
	for _, info := range infos {
		age := now.Sub(info.Created)
		if age > l.opts.KeyMaxAge {
			status.Recommendations = append(status.Recommendations, fmt.Sprintf(
				"rotate data key for context %s: version %d is %d days old (limit %d days)",
				info.Context, info.Version, int(age.Hours()/24), maxDays,
			))
		}
	}

	l.mu.RLock()
	empty := len(l.events) == 0
	l.mu.RUnlock()
	if empty {
		status.Recommendations = append(status.Recommendations, complianceDomain.NoEventsRecommendation)
	}

	status.IsCompliant = len(status.Issues) == 0
	return status
}

func (l *ledger) VerifyEvents(ctx context.Context) (complianceDomain.VerificationResult, error) {
	events := l.snapshot()
	result := complianceDomain.VerificationResult{Total: len(events), Invalid: []uuid.UUID{}}

	for i := range events {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		event := &events[i]
		if !event.IsSigned() {
			result.Unsigned++
			continue
		}

		dk, err := l.keys.KeyVersion(l.opts.SigningContext, event.SigningKeyVersion)
		if err != nil {
			result.Invalid = append(result.Invalid, event.ID)
			continue
		}
		if err := l.signer.Verify(dk.Key, event); err != nil {
			result.Invalid = append(result.Invalid, event.ID)
			continue
		}
		result.Valid++
	}
	return result, nil
}
