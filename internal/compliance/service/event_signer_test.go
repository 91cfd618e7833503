package service

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	complianceDomain "github.com/allisson/fieldvault/internal/compliance/domain"
)

func newSigningKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func newEvent() *complianceDomain.AuditEvent {
	return &complianceDomain.AuditEvent{
		ID:                uuid.Must(uuid.NewV7()),
		Timestamp:         time.Now().UTC(),
		Action:            complianceDomain.ActionProtect,
		Context:           "student-personal-data",
		ActorID:           "registrar",
		Metadata:          map[string]string{"entity": "student", "fields": "3"},
		SigningKeyVersion: 1,
	}
}

func TestEventSigner_SignAndVerify(t *testing.T) {
	signer := NewEventSigner()
	key := newSigningKey(t)
	event := newEvent()

	signature, err := signer.Sign(key, event)
	require.NoError(t, err)
	assert.Len(t, signature, 32, "HMAC-SHA256 should produce 32-byte signature")

	event.Signature = signature
	assert.NoError(t, signer.Verify(key, event))

	again, err := signer.Sign(key, event)
	require.NoError(t, err)
	assert.Equal(t, signature, again, "signing is deterministic")
}

func TestEventSigner_VerifyDetectsTampering(t *testing.T) {
	signer := NewEventSigner()
	key := newSigningKey(t)

	tests := []struct {
		name   string
		mutate func(e *complianceDomain.AuditEvent)
	}{
		{name: "action", mutate: func(e *complianceDomain.AuditEvent) { e.Action = complianceDomain.ActionUnprotect }},
		{name: "context", mutate: func(e *complianceDomain.AuditEvent) { e.Context = "audit-data" }},
		{name: "actor", mutate: func(e *complianceDomain.AuditEvent) { e.ActorID = "intruder" }},
		{name: "metadata value", mutate: func(e *complianceDomain.AuditEvent) { e.Metadata["fields"] = "4" }},
		{name: "metadata removed", mutate: func(e *complianceDomain.AuditEvent) { delete(e.Metadata, "entity") }},
		{name: "timestamp", mutate: func(e *complianceDomain.AuditEvent) { e.Timestamp = e.Timestamp.Add(time.Nanosecond) }},
		{name: "key version", mutate: func(e *complianceDomain.AuditEvent) { e.SigningKeyVersion = 2 }},
		{name: "id", mutate: func(e *complianceDomain.AuditEvent) { e.ID = uuid.Must(uuid.NewV7()) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := newEvent()
			signature, err := signer.Sign(key, event)
			require.NoError(t, err)
			event.Signature = signature

			tt.mutate(event)
			assert.ErrorIs(t, signer.Verify(key, event), complianceDomain.ErrSignatureInvalid)
		})
	}

	t.Run("wrong key", func(t *testing.T) {
		event := newEvent()
		signature, err := signer.Sign(key, event)
		require.NoError(t, err)
		event.Signature = signature

		assert.ErrorIs(t, signer.Verify(newSigningKey(t), event), complianceDomain.ErrSignatureInvalid)
	})
}

func TestEventSigner_FieldBoundaries(t *testing.T) {
	signer := NewEventSigner()
	key := newSigningKey(t)

	a := newEvent()
	a.Context, a.ActorID = "ab", "c"
	b := *a
	b.Context, b.ActorID = "a", "bc"

	sigA, err := signer.Sign(key, a)
	require.NoError(t, err)
	sigB, err := signer.Sign(key, &b)
	require.NoError(t, err)
	assert.NotEqual(t, sigA, sigB)
}
