package usecase

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	complianceDomain "github.com/allisson/fieldvault/internal/compliance/domain"
	fieldcipherDomain "github.com/allisson/fieldvault/internal/fieldcipher/domain"
	fieldcipherService "github.com/allisson/fieldvault/internal/fieldcipher/service"
	keystoreDomain "github.com/allisson/fieldvault/internal/keystore/domain"
	keystoreService "github.com/allisson/fieldvault/internal/keystore/service"
	recordDomain "github.com/allisson/fieldvault/internal/record/domain"
	registryService "github.com/allisson/fieldvault/internal/registry/service"
)

type staticKeys struct {
	ring *keystoreDomain.KeyRing
}

func newStaticKeys(t *testing.T) *staticKeys {
	t.Helper()
	var keys []*keystoreDomain.DataKey
	for _, name := range keystoreDomain.KnownContexts() {
		key := make([]byte, keystoreDomain.KeySize)
		_, err := rand.Read(key)
		require.NoError(t, err)
		keys = append(keys, &keystoreDomain.DataKey{
			Context:   name,
			Version:   1,
			Algorithm: keystoreDomain.AESGCM,
			Key:       key,
			CreatedAt: time.Now().UTC(),
		})
	}
	return &staticKeys{ring: keystoreDomain.NewKeyRing(keys)}
}

func (s *staticKeys) ActiveKey(contextName string) (*keystoreDomain.DataKey, error) {
	dk, ok := s.ring.Active(contextName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", keystoreDomain.ErrKeyNotFound, contextName)
	}
	return dk, nil
}

func (s *staticKeys) KeyVersion(contextName string, version uint) (*keystoreDomain.DataKey, error) {
	dk, ok := s.ring.Get(contextName, version)
	if !ok {
		return nil, keystoreDomain.ErrKeyVersionNotFound
	}
	return dk, nil
}

type recordedEvent struct {
	action   complianceDomain.Action
	context  string
	actor    string
	metadata map[string]string
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakeRecorder) RecordEvent(
	ctx context.Context,
	action complianceDomain.Action,
	contextName, actorID string,
	metadata map[string]string,
) complianceDomain.AuditEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{action, contextName, actorID, metadata})
	return complianceDomain.AuditEvent{Action: action, Context: contextName, ActorID: actorID}
}

func newTestProcessor(t *testing.T) (Processor, *fakeRecorder) {
	t.Helper()
	registry, err := registryService.NewDefaultRegistry()
	require.NoError(t, err)
	cipher := fieldcipherService.NewFieldCipher(newStaticKeys(t), keystoreService.NewAEADManager())
	recorder := &fakeRecorder{}
	return NewProcessor(registry, cipher, recorder), recorder
}

func TestProcessor_ProtectForStorage(t *testing.T) {
	ctx := context.Background()

	t.Run("sensitive field becomes an envelope", func(t *testing.T) {
		p, recorder := newTestProcessor(t)

		out, err := p.ProtectForStorage(ctx, recordDomain.Record{"studentId": "abc"}, "student")
		require.NoError(t, err)

		env, marked, err := fieldcipherDomain.EnvelopeFromValue(out["studentId"])
		require.NoError(t, err)
		require.True(t, marked)
		assert.Equal(t, keystoreDomain.ContextStudentPersonalData, env.Context)
		assert.NotContains(t, string(env.Ciphertext), "abc")

		require.Len(t, recorder.events, 1)
		assert.Equal(t, complianceDomain.ActionProtect, recorder.events[0].action)
		assert.Equal(t, "1", recorder.events[0].metadata["fields"])
		assert.Equal(t, "student", recorder.events[0].metadata["entity"])
	})

	t.Run("non sensitive fields are untouched", func(t *testing.T) {
		p, _ := newTestProcessor(t)

		out, err := p.ProtectForStorage(ctx, recordDomain.Record{
			"studentId":  "abc",
			"gradeLevel": 7,
			"nickname":   "jj",
		}, "student")
		require.NoError(t, err)
		assert.Equal(t, 7, out["gradeLevel"])
		assert.Equal(t, "jj", out["nickname"])
	})

	t.Run("missing required field", func(t *testing.T) {
		p, recorder := newTestProcessor(t)

		for _, rec := range []recordDomain.Record{{"firstName": "Jane"}, {"studentId": nil}, nil} {
			_, err := p.ProtectForStorage(ctx, rec, "student")
			assert.ErrorIs(t, err, recordDomain.ErrRequiredFieldMissing)
			assert.Contains(t, err.Error(), "student.studentId")
		}
		assert.Empty(t, recorder.events)
	})

	t.Run("absent optional fields stay absent", func(t *testing.T) {
		p, _ := newTestProcessor(t)

		out, err := p.ProtectForStorage(ctx, recordDomain.Record{"studentId": "abc", "phone": nil}, "student")
		require.NoError(t, err)
		assert.Nil(t, out["phone"])
		_, present := out["email"]
		assert.False(t, present)
	})

	t.Run("envelopes pass through", func(t *testing.T) {
		p, _ := newTestProcessor(t)

		first, err := p.ProtectForStorage(ctx, recordDomain.Record{"studentId": "abc"}, "student")
		require.NoError(t, err)
		second, err := p.ProtectForStorage(ctx, first, "student")
		require.NoError(t, err)
		assert.Same(t, first["studentId"], second["studentId"])
	})

	t.Run("malformed envelopes are not sealed again", func(t *testing.T) {
		p, recorder := newTestProcessor(t)
		broken := map[string]any{"protected": true, "ciphertext": "%%not-base64%%"}

		out, err := p.ProtectForStorage(ctx, recordDomain.Record{"studentId": broken}, "student")
		require.NoError(t, err)
		assert.Equal(t, broken, out["studentId"])
		assert.Empty(t, recorder.events)
	})

	t.Run("input is not mutated", func(t *testing.T) {
		p, _ := newTestProcessor(t)

		in := recordDomain.Record{"studentId": "abc", "email": "j@example.com"}
		_, err := p.ProtectForStorage(ctx, in, "student")
		require.NoError(t, err)
		assert.Equal(t, recordDomain.Record{"studentId": "abc", "email": "j@example.com"}, in)
	})

	t.Run("unknown entity has nothing to protect", func(t *testing.T) {
		p, recorder := newTestProcessor(t)

		out, err := p.ProtectForStorage(ctx, recordDomain.Record{"a": "b"}, "course")
		require.NoError(t, err)
		assert.Equal(t, recordDomain.Record{"a": "b"}, out)
		assert.Empty(t, recorder.events)
	})

	t.Run("one event per context with actor", func(t *testing.T) {
		p, recorder := newTestProcessor(t)
		actx := recordDomain.WithActor(ctx, "registrar")

		_, err := p.ProtectForStorage(actx, recordDomain.Record{
			"email":    "u@example.com",
			"apiToken": "tok",
		}, "user")
		require.NoError(t, err)

		require.Len(t, recorder.events, 1)
		assert.Equal(t, keystoreDomain.ContextUserCredentials, recorder.events[0].context)
		assert.Equal(t, "registrar", recorder.events[0].actor)
		assert.Equal(t, "2", recorder.events[0].metadata["fields"])
	})
}

func TestProcessor_UnprotectForRetrieval(t *testing.T) {
	ctx := context.Background()

	t.Run("round trip restores values", func(t *testing.T) {
		p, recorder := newTestProcessor(t)
		in := recordDomain.Record{
			"studentId":   "S-1",
			"firstName":   "Jane",
			"dateOfBirth": "2010-04-01",
			"phone":       "",
			"gradeLevel":  7,
		}

		stored, err := p.ProtectForStorage(ctx, in, "student")
		require.NoError(t, err)
		out := p.UnprotectForRetrieval(ctx, stored)

		assert.Equal(t, in, out)
		require.Len(t, recorder.events, 2)
		assert.Equal(t, complianceDomain.ActionUnprotect, recorder.events[1].action)
		assert.Equal(t, "4", recorder.events[1].metadata["fields"])
		assert.NotContains(t, recorder.events[1].metadata, "failed")
	})

	t.Run("json storage round trip", func(t *testing.T) {
		p, _ := newTestProcessor(t)

		stored, err := p.ProtectForStorage(ctx, recordDomain.Record{
			"studentId": "S-1",
			"address":   map[string]any{"city": "Lisbon"},
		}, "student")
		require.NoError(t, err)

		raw, err := json.Marshal(stored)
		require.NoError(t, err)
		var decoded recordDomain.Record
		require.NoError(t, json.Unmarshal(raw, &decoded))

		out := p.UnprotectForRetrieval(ctx, decoded)
		assert.Equal(t, "S-1", out["studentId"])
		assert.Equal(t, map[string]any{"city": "Lisbon"}, out["address"])
	})

	t.Run("one bad field does not fail the record", func(t *testing.T) {
		p, recorder := newTestProcessor(t)

		stored, err := p.ProtectForStorage(ctx, recordDomain.Record{
			"studentId": "S-1",
			"firstName": "Jane",
			"lastName":  "Doe",
			"email":     "j@example.com",
			"phone":     "555",
		}, "student")
		require.NoError(t, err)

		env, marked, err := fieldcipherDomain.EnvelopeFromValue(stored["email"])
		require.NoError(t, err)
		require.True(t, marked)
		tampered := *env
		tampered.Ciphertext = append([]byte(nil), env.Ciphertext...)
		tampered.Ciphertext[0] ^= 0xff
		stored["email"] = &tampered

		out := p.UnprotectForRetrieval(ctx, stored)
		assert.Equal(t, fieldcipherDomain.DecryptionFailedSentinel, out["email"])
		assert.Equal(t, "S-1", out["studentId"])
		assert.Equal(t, "Jane", out["firstName"])
		assert.Equal(t, "Doe", out["lastName"])
		assert.Equal(t, "555", out["phone"])
		assert.Equal(t, []string{"email"}, recordDomain.FailedFields(out))

		last := recorder.events[len(recorder.events)-1]
		assert.Equal(t, "4", last.metadata["fields"])
		assert.Equal(t, "1", last.metadata["failed"])
	})

	t.Run("malformed stored envelope becomes the sentinel", func(t *testing.T) {
		p, recorder := newTestProcessor(t)

		stored, err := p.ProtectForStorage(ctx, recordDomain.Record{
			"studentId": "S-1",
			"email":     "j@example.com",
		}, "student")
		require.NoError(t, err)

		raw, err := json.Marshal(stored)
		require.NoError(t, err)
		var decoded recordDomain.Record
		require.NoError(t, json.Unmarshal(raw, &decoded))
		email := decoded["email"].(map[string]any)
		email["ciphertext"] = "%%not-base64%%"

		out := p.UnprotectForRetrieval(ctx, decoded)
		assert.Equal(t, fieldcipherDomain.DecryptionFailedSentinel, out["email"])
		assert.Equal(t, "S-1", out["studentId"])
		assert.Equal(t, []string{"email"}, recordDomain.FailedFields(out))

		last := recorder.events[len(recorder.events)-1]
		assert.Equal(t, complianceDomain.ActionUnprotect, last.action)
		assert.Equal(t, email["context"], last.context)
		assert.Equal(t, "1", last.metadata["fields"])
		assert.Equal(t, "1", last.metadata["failed"])
	})

	t.Run("malformed envelope without context counts as unknown", func(t *testing.T) {
		p, recorder := newTestProcessor(t)

		out := p.UnprotectForRetrieval(ctx, recordDomain.Record{
			"email": map[string]any{"protected": true, "version": "one"},
		})
		assert.Equal(t, fieldcipherDomain.DecryptionFailedSentinel, out["email"])

		require.Len(t, recorder.events, 1)
		assert.Equal(t, unknownContext, recorder.events[0].context)
		assert.Equal(t, "1", recorder.events[0].metadata["failed"])
	})

	t.Run("plain record is returned as is", func(t *testing.T) {
		p, recorder := newTestProcessor(t)

		out := p.UnprotectForRetrieval(ctx, recordDomain.Record{"a": "b"})
		assert.Equal(t, recordDomain.Record{"a": "b"}, out)
		assert.Empty(t, recorder.events)
	})
}
