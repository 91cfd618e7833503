package service

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fieldcipherDomain "github.com/allisson/fieldvault/internal/fieldcipher/domain"
	keystoreDomain "github.com/allisson/fieldvault/internal/keystore/domain"
	keystoreService "github.com/allisson/fieldvault/internal/keystore/service"
)

// ringKeys is a KeyProvider over a mutable list of data keys.
type ringKeys struct {
	keys []*keystoreDomain.DataKey
	ring *keystoreDomain.KeyRing
}

func newRingKeys(t *testing.T, alg keystoreDomain.Algorithm, contexts ...string) *ringKeys {
	t.Helper()
	r := &ringKeys{}
	for _, name := range contexts {
		r.add(t, name, 1, alg)
	}
	return r
}

func (r *ringKeys) add(t *testing.T, contextName string, version uint, alg keystoreDomain.Algorithm) {
	t.Helper()
	key := make([]byte, keystoreDomain.KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	r.keys = append(r.keys, &keystoreDomain.DataKey{
		Context:   contextName,
		Version:   version,
		Algorithm: alg,
		Key:       key,
		CreatedAt: time.Now().UTC(),
	})
	r.ring = keystoreDomain.NewKeyRing(r.keys)
}

func (r *ringKeys) ActiveKey(contextName string) (*keystoreDomain.DataKey, error) {
	dk, ok := r.ring.Active(contextName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", keystoreDomain.ErrKeyNotFound, contextName)
	}
	return dk, nil
}

func (r *ringKeys) KeyVersion(contextName string, version uint) (*keystoreDomain.DataKey, error) {
	dk, ok := r.ring.Get(contextName, version)
	if !ok {
		return nil, keystoreDomain.ErrKeyVersionNotFound
	}
	return dk, nil
}

func newTestCipher(t *testing.T, alg keystoreDomain.Algorithm) (FieldCipher, *ringKeys) {
	t.Helper()
	keys := newRingKeys(t, alg, keystoreDomain.KnownContexts()...)
	return NewFieldCipher(keys, keystoreService.NewAEADManager()), keys
}

func TestFieldCipher_RoundTrip(t *testing.T) {
	ctx := context.Background()

	for _, alg := range []keystoreDomain.Algorithm{keystoreDomain.AESGCM, keystoreDomain.ChaCha20} {
		t.Run(string(alg), func(t *testing.T) {
			cipher, _ := newTestCipher(t, alg)

			for _, plaintext := range []string{"Jane Doe", "", "ñandú 🦤", "x"} {
				env, err := cipher.EncryptField(ctx, plaintext, keystoreDomain.ContextStudentPersonalData)
				require.NoError(t, err)
				assert.True(t, env.Protected)
				assert.Equal(t, fieldcipherDomain.FormatVersion, env.Version)
				assert.Equal(t, uint(1), env.KeyVersion)
				assert.Equal(t, alg, env.Algorithm)
				assert.Equal(t, keystoreDomain.ContextStudentPersonalData, env.Context)
				assert.Len(t, env.Nonce, 12)
				assert.Len(t, env.Tag, 16)
				assert.Len(t, env.Ciphertext, len(plaintext))

				got, err := cipher.DecryptField(ctx, env)
				require.NoError(t, err)
				assert.Equal(t, plaintext, got)
			}
		})
	}
}

func TestFieldCipher_FreshNonce(t *testing.T) {
	ctx := context.Background()
	cipher, _ := newTestCipher(t, keystoreDomain.AESGCM)

	a, err := cipher.EncryptField(ctx, "same", keystoreDomain.ContextAuditData)
	require.NoError(t, err)
	b, err := cipher.EncryptField(ctx, "same", keystoreDomain.ContextAuditData)
	require.NoError(t, err)

	assert.NotEqual(t, a.Nonce, b.Nonce)
	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
}

func TestFieldCipher_ContextBinding(t *testing.T) {
	ctx := context.Background()
	cipher, _ := newTestCipher(t, keystoreDomain.AESGCM)

	env, err := cipher.EncryptField(ctx, "555-0100", keystoreDomain.ContextStudentPersonalData)
	require.NoError(t, err)

	relabelled := *env
	relabelled.Context = keystoreDomain.ContextUserCredentials
	_, err = cipher.DecryptField(ctx, &relabelled)
	assert.ErrorIs(t, err, fieldcipherDomain.ErrDecryptionFailed)
	assert.Contains(t, err.Error(), keystoreDomain.ContextUserCredentials)
}

func TestFieldCipher_TamperDetection(t *testing.T) {
	ctx := context.Background()
	cipher, _ := newTestCipher(t, keystoreDomain.AESGCM)

	fresh := func(t *testing.T) *fieldcipherDomain.Envelope {
		env, err := cipher.EncryptField(ctx, "secret value", keystoreDomain.ContextSystemConfiguration)
		require.NoError(t, err)
		return env
	}

	tests := []struct {
		name   string
		mutate func(env *fieldcipherDomain.Envelope)
	}{
		{name: "ciphertext bit flip", mutate: func(env *fieldcipherDomain.Envelope) { env.Ciphertext[0] ^= 0x01 }},
		{name: "tag bit flip", mutate: func(env *fieldcipherDomain.Envelope) { env.Tag[15] ^= 0x80 }},
		{name: "nonce bit flip", mutate: func(env *fieldcipherDomain.Envelope) { env.Nonce[0] ^= 0x01 }},
		{name: "truncated tag", mutate: func(env *fieldcipherDomain.Envelope) { env.Tag = env.Tag[:8] }},
		{name: "unknown format version", mutate: func(env *fieldcipherDomain.Envelope) { env.Version = 2 }},
		{name: "not protected", mutate: func(env *fieldcipherDomain.Envelope) { env.Protected = false }},
		{name: "unknown key version", mutate: func(env *fieldcipherDomain.Envelope) { env.KeyVersion = 9 }},
		{name: "algorithm relabel", mutate: func(env *fieldcipherDomain.Envelope) { env.Algorithm = keystoreDomain.ChaCha20 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := fresh(t)
			tt.mutate(env)

			got, err := cipher.DecryptField(ctx, env)
			assert.ErrorIs(t, err, fieldcipherDomain.ErrDecryptionFailed)
			assert.Empty(t, got)
		})
	}

	t.Run("nil envelope", func(t *testing.T) {
		_, err := cipher.DecryptField(ctx, nil)
		assert.ErrorIs(t, err, fieldcipherDomain.ErrDecryptionFailed)
	})

	t.Run("encoding relabel", func(t *testing.T) {
		relabels := []struct {
			name  string
			value any
			to    fieldcipherDomain.Encoding
		}{
			{name: "string to json", value: "42", to: fieldcipherDomain.EncodingJSON},
			{name: "json to string", value: map[string]any{"city": "Lisbon"}, to: fieldcipherDomain.EncodingString},
			{name: "json to omitted", value: 7, to: ""},
		}

		for _, tt := range relabels {
			t.Run(tt.name, func(t *testing.T) {
				env, err := cipher.EncryptValue(ctx, tt.value, keystoreDomain.ContextStudentPersonalData)
				require.NoError(t, err)
				env.Encoding = tt.to

				got, err := cipher.DecryptValue(ctx, env)
				assert.ErrorIs(t, err, fieldcipherDomain.ErrDecryptionFailed)
				assert.Nil(t, got)
			})
		}
	})

	t.Run("omitted encoding reads as string", func(t *testing.T) {
		env, err := cipher.EncryptValue(ctx, "plain", keystoreDomain.ContextStudentPersonalData)
		require.NoError(t, err)
		env.Encoding = ""

		got, err := cipher.DecryptValue(ctx, env)
		require.NoError(t, err)
		assert.Equal(t, "plain", got)
	})
}

func TestFieldCipher_UnknownContext(t *testing.T) {
	cipher, _ := newTestCipher(t, keystoreDomain.AESGCM)

	_, err := cipher.EncryptField(context.Background(), "x", "not-provisioned")
	assert.ErrorIs(t, err, keystoreDomain.ErrKeyNotFound)
}

func TestFieldCipher_Values(t *testing.T) {
	ctx := context.Background()
	cipher, _ := newTestCipher(t, keystoreDomain.AESGCM)

	tests := []struct {
		name     string
		value    any
		encoding fieldcipherDomain.Encoding
		want     any
	}{
		{name: "string", value: "plain", encoding: fieldcipherDomain.EncodingString, want: "plain"},
		{name: "nil", value: nil, encoding: fieldcipherDomain.EncodingString, want: ""},
		{name: "integer", value: 42, encoding: fieldcipherDomain.EncodingJSON, want: json.Number("42")},
		{name: "bool", value: true, encoding: fieldcipherDomain.EncodingJSON, want: true},
		{
			name:     "object",
			value:    map[string]any{"street": "Main St", "number": 7},
			encoding: fieldcipherDomain.EncodingJSON,
			want:     map[string]any{"street": "Main St", "number": json.Number("7")},
		},
		{
			name:     "list",
			value:    []string{"a", "b"},
			encoding: fieldcipherDomain.EncodingJSON,
			want:     []any{"a", "b"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := cipher.EncryptValue(ctx, tt.value, keystoreDomain.ContextEquipmentData)
			require.NoError(t, err)
			assert.Equal(t, tt.encoding, env.Encoding)

			got, err := cipher.DecryptValue(ctx, env)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("unencodable value", func(t *testing.T) {
		_, err := cipher.EncryptValue(ctx, make(chan int), keystoreDomain.ContextEquipmentData)
		assert.ErrorIs(t, err, fieldcipherDomain.ErrEncryptionFailed)
	})
}

func TestFieldCipher_Rotation(t *testing.T) {
	ctx := context.Background()
	cipher, keys := newTestCipher(t, keystoreDomain.AESGCM)

	old, err := cipher.EncryptValue(ctx, 1234, keystoreDomain.ContextUserCredentials)
	require.NoError(t, err)

	now := time.Now().UTC()
	keys.keys[1].RetiredAt = &now // user-credentials v1
	keys.add(t, keystoreDomain.ContextUserCredentials, 2, keystoreDomain.AESGCM)

	t.Run("old envelopes stay readable", func(t *testing.T) {
		got, err := cipher.DecryptValue(ctx, old)
		require.NoError(t, err)
		assert.Equal(t, json.Number("1234"), got)
	})

	t.Run("new envelopes use the active version", func(t *testing.T) {
		env, err := cipher.EncryptField(ctx, "x", keystoreDomain.ContextUserCredentials)
		require.NoError(t, err)
		assert.Equal(t, uint(2), env.KeyVersion)
	})

	t.Run("reencrypt moves stale envelopes", func(t *testing.T) {
		next, changed, err := cipher.ReencryptField(ctx, old)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, uint(2), next.KeyVersion)
		assert.Equal(t, fieldcipherDomain.EncodingJSON, next.Encoding)

		got, err := cipher.DecryptValue(ctx, next)
		require.NoError(t, err)
		assert.Equal(t, json.Number("1234"), got)

		same, changed, err := cipher.ReencryptField(ctx, next)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Same(t, next, same)
	})
}

func TestFieldCipher_EnvelopeSurvivesJSON(t *testing.T) {
	ctx := context.Background()
	cipher, _ := newTestCipher(t, keystoreDomain.ChaCha20)

	env, err := cipher.EncryptField(ctx, "stored", keystoreDomain.ContextAuditData)
	require.NoError(t, err)

	data, err := json.Marshal(env)
	require.NoError(t, err)
	var stored map[string]any
	require.NoError(t, json.Unmarshal(data, &stored))

	decoded, marked, err := fieldcipherDomain.EnvelopeFromValue(stored)
	require.NoError(t, err)
	require.True(t, marked)

	got, err := cipher.DecryptField(ctx, decoded)
	require.NoError(t, err)
	assert.Equal(t, "stored", got)
}
