// Package usecase applies the field policy table and the field cipher to whole records.
package usecase

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	complianceDomain "github.com/allisson/fieldvault/internal/compliance/domain"
	fieldcipherDomain "github.com/allisson/fieldvault/internal/fieldcipher/domain"
	fieldcipherService "github.com/allisson/fieldvault/internal/fieldcipher/service"
	recordDomain "github.com/allisson/fieldvault/internal/record/domain"
	registryDomain "github.com/allisson/fieldvault/internal/registry/domain"
)

// unknownContext groups decryption failures whose envelope names no context.
const unknownContext = "unknown"

// PolicySource lists the sensitive fields of an entity.
type PolicySource interface {
	SensitivePolicies(entity string) []registryDomain.FieldPolicy
}

// EventRecorder receives one event per (record, context) processed.
type EventRecorder interface {
	RecordEvent(
		ctx context.Context,
		action complianceDomain.Action,
		contextName, actorID string,
		metadata map[string]string,
	) complianceDomain.AuditEvent
}

// Processor protects records for storage and unprotects them on retrieval.
type Processor interface {
	// ProtectForStorage returns a copy of record with every sensitive field of entity replaced
	// by its envelope. Values that already are envelopes pass through, absent optional fields
	// stay absent. Fails with ErrRequiredFieldMissing when a required field is absent or nil.
	ProtectForStorage(ctx context.Context, record recordDomain.Record, entity string) (recordDomain.Record, error)

	// UnprotectForRetrieval returns a copy of record with every envelope decrypted. A field
	// that fails to decrypt holds DecryptionFailedSentinel; the other fields are unaffected.
	UnprotectForRetrieval(ctx context.Context, record recordDomain.Record) recordDomain.Record
}

type processor struct {
	policies PolicySource
	cipher   fieldcipherService.FieldCipher
	events   EventRecorder
}

// NewProcessor creates a Processor.
func NewProcessor(
	policies PolicySource,
	cipher fieldcipherService.FieldCipher,
	events EventRecorder,
) Processor {
	return &processor{policies: policies, cipher: cipher, events: events}
}

func (p *processor) ProtectForStorage(
	ctx context.Context,
	record recordDomain.Record,
	entity string,
) (recordDomain.Record, error) {
	policies := p.policies.SensitivePolicies(entity)
	for _, policy := range policies {
		if !policy.Required {
			continue
		}
		if value, ok := record[policy.Field]; !ok || value == nil {
			return nil, fmt.Errorf("%w: %s", recordDomain.ErrRequiredFieldMissing, policy.Ref())
		}
	}

	out := record.Clone()
	if out == nil {
		out = recordDomain.Record{}
	}
	touched := map[string]int{}

	for _, policy := range policies {
		value, ok := out[policy.Field]
		if !ok || value == nil || fieldcipherDomain.IsProtected(value) {
			continue
		}
		env, err := p.cipher.EncryptValue(ctx, value, policy.Context)
		if err != nil {
			return nil, fmt.Errorf("failed to protect %s: %w", policy.Ref(), err)
		}
		out[policy.Field] = env
		touched[policy.Context]++
	}

	actor, _ := recordDomain.GetActor(ctx)
	for _, name := range sortedContexts(touched, nil) {
		p.events.RecordEvent(ctx, complianceDomain.ActionProtect, name, actor, map[string]string{
			"entity": entity,
			"fields": strconv.Itoa(touched[name]),
		})
	}
	return out, nil
}

func (p *processor) UnprotectForRetrieval(
	ctx context.Context,
	record recordDomain.Record,
) recordDomain.Record {
	out := record.Clone()
	decrypted := map[string]int{}
	failed := map[string]int{}

	for field, value := range out {
		env, marked, err := fieldcipherDomain.EnvelopeFromValue(value)
		if !marked {
			continue
		}
		if err != nil {
			out[field] = fieldcipherDomain.DecryptionFailedSentinel
			failed[markedContext(value)]++
			continue
		}
		plain, err := p.cipher.DecryptValue(ctx, env)
		if err != nil {
			out[field] = fieldcipherDomain.DecryptionFailedSentinel
			failed[env.Context]++
			continue
		}
		out[field] = plain
		decrypted[env.Context]++
	}

	actor, _ := recordDomain.GetActor(ctx)
	for _, name := range sortedContexts(decrypted, failed) {
		metadata := map[string]string{"fields": strconv.Itoa(decrypted[name])}
		if failed[name] > 0 {
			metadata["failed"] = strconv.Itoa(failed[name])
		}
		p.events.RecordEvent(ctx, complianceDomain.ActionUnprotect, name, actor, metadata)
	}
	return out
}

// markedContext names the context of an envelope that failed to decode, when it still has one.
func markedContext(value any) string {
	if fields, ok := value.(map[string]any); ok {
		if name, ok := fields["context"].(string); ok && name != "" {
			return name
		}
	}
	return unknownContext
}

func sortedContexts(a, b map[string]int) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		seen[k] = struct{}{}
	}
	for k := range b {
		seen[k] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for k := range seen {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
