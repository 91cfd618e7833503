package usecase

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	complianceDomain "github.com/allisson/fieldvault/internal/compliance/domain"
	complianceService "github.com/allisson/fieldvault/internal/compliance/service"
	keystoreDomain "github.com/allisson/fieldvault/internal/keystore/domain"
)

// fakeKeys is a KeySource with one version per context and adjustable creation times.
type fakeKeys struct {
	mu      sync.Mutex
	keys    map[string]*keystoreDomain.DataKey
	infoErr error
}

func newFakeKeys(t *testing.T, created time.Time, contexts ...string) *fakeKeys {
	t.Helper()
	f := &fakeKeys{keys: map[string]*keystoreDomain.DataKey{}}
	for _, name := range contexts {
		key := make([]byte, keystoreDomain.KeySize)
		_, err := rand.Read(key)
		require.NoError(t, err)
		f.keys[name] = &keystoreDomain.DataKey{
			Context:   name,
			Version:   1,
			Algorithm: keystoreDomain.AESGCM,
			Key:       key,
			CreatedAt: created,
		}
	}
	return f
}

func (f *fakeKeys) ActiveKey(contextName string) (*keystoreDomain.DataKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dk, ok := f.keys[contextName]
	if !ok {
		return nil, keystoreDomain.ErrKeyNotFound
	}
	return dk, nil
}

func (f *fakeKeys) KeyVersion(contextName string, version uint) (*keystoreDomain.DataKey, error) {
	dk, err := f.ActiveKey(contextName)
	if err != nil {
		return nil, err
	}
	if dk.Version != version {
		return nil, keystoreDomain.ErrKeyVersionNotFound
	}
	return dk, nil
}

func (f *fakeKeys) GetKeyInfo() ([]keystoreDomain.KeyInfo, error) {
	if f.infoErr != nil {
		return nil, f.infoErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var infos []keystoreDomain.KeyInfo
	for _, name := range keystoreDomain.KnownContexts() {
		if dk, ok := f.keys[name]; ok {
			infos = append(infos, keystoreDomain.KeyInfo{
				Context:   name,
				Created:   dk.CreatedAt,
				Version:   dk.Version,
				Algorithm: dk.Algorithm,
			})
		}
	}
	return infos, nil
}

func newTestLedger(keys KeySource, opts Options) Ledger {
	return NewLedger(keys, complianceService.NewEventSigner(), opts)
}

func TestLedger_CheckCompliance(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	t.Run("fresh store with no events", func(t *testing.T) {
		l := newTestLedger(newFakeKeys(t, now, keystoreDomain.KnownContexts()...), Options{})

		status := l.CheckCompliance(ctx)
		assert.True(t, status.IsCompliant)
		assert.Empty(t, status.Issues)
		assert.Contains(t, status.Recommendations, "no encryption audit events recorded")
	})

	t.Run("key age threshold", func(t *testing.T) {
		keys := newFakeKeys(t, now.Add(-10*24*time.Hour), keystoreDomain.KnownContexts()...)
		keys.keys[keystoreDomain.ContextStudentPersonalData].CreatedAt = now.Add(-120 * 24 * time.Hour)
		l := newTestLedger(keys, Options{})
		l.RecordEvent(ctx, complianceDomain.ActionProtect, keystoreDomain.ContextAuditData, "", nil)

		status := l.CheckCompliance(ctx)
		assert.True(t, status.IsCompliant)
		require.Len(t, status.Recommendations, 1)
		assert.Contains(t, status.Recommendations[0], keystoreDomain.ContextStudentPersonalData)
		assert.Contains(t, status.Recommendations[0], "rotate")
	})

	t.Run("ten day old keys need no rotation", func(t *testing.T) {
		l := newTestLedger(newFakeKeys(t, now.Add(-10*24*time.Hour), keystoreDomain.KnownContexts()...), Options{})
		l.RecordEvent(ctx, complianceDomain.ActionProtect, keystoreDomain.ContextAuditData, "", nil)

		status := l.CheckCompliance(ctx)
		assert.True(t, status.IsCompliant)
		assert.Empty(t, status.Recommendations)
	})

	t.Run("unprovisioned context is an issue", func(t *testing.T) {
		keys := newFakeKeys(t, now, keystoreDomain.ContextAuditData, keystoreDomain.ContextUserCredentials)
		l := newTestLedger(keys, Options{})

		status := l.CheckCompliance(ctx)
		assert.False(t, status.IsCompliant)
		assert.Len(t, status.Issues, 3)
		assert.Contains(t, status.Issues[0], "has no provisioned data key")
	})

	t.Run("custom threshold", func(t *testing.T) {
		l := newTestLedger(newFakeKeys(t, now.Add(-10*24*time.Hour), keystoreDomain.KnownContexts()...),
			Options{KeyMaxAge: 7 * 24 * time.Hour})

		status := l.CheckCompliance(ctx)
		assert.Len(t, status.Recommendations, len(keystoreDomain.KnownContexts())+1)
	})

	t.Run("key store error", func(t *testing.T) {
		keys := newFakeKeys(t, now)
		keys.infoErr = keystoreDomain.ErrNotInitialized
		l := newTestLedger(keys, Options{})

		status := l.CheckCompliance(ctx)
		assert.False(t, status.IsCompliant)
		require.Len(t, status.Issues, 1)
		assert.Contains(t, status.Issues[0], "key store unavailable")
	})
}

func TestLedger_Report(t *testing.T) {
	ctx := context.Background()
	keys := newFakeKeys(t, time.Now().UTC(), keystoreDomain.KnownContexts()...)
	l := newTestLedger(keys, Options{})

	report, err := l.Report(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.TotalEvents)
	assert.Nil(t, report.LastEventTimestamp)
	assert.Len(t, report.KeyInfo, len(keystoreDomain.KnownContexts()))

	l.RecordEvent(ctx, complianceDomain.ActionProtect, keystoreDomain.ContextStudentPersonalData, "u1", nil)
	l.RecordEvent(ctx, complianceDomain.ActionProtect, keystoreDomain.ContextStudentPersonalData, "u1", nil)
	last := l.RecordEvent(ctx, complianceDomain.ActionUnprotect, keystoreDomain.ContextUserCredentials, "", nil)

	report, err = l.Report(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.TotalEvents)
	assert.Equal(t, 2, report.EventsByContext[keystoreDomain.ContextStudentPersonalData])
	assert.Equal(t, 1, report.EventsByContext[keystoreDomain.ContextUserCredentials])
	assert.Equal(t, 2, report.EventsByAction[complianceDomain.ActionProtect])
	assert.Equal(t, 1, report.EventsByAction[complianceDomain.ActionUnprotect])
	require.NotNil(t, report.LastEventTimestamp)
	assert.Equal(t, last.Timestamp, *report.LastEventTimestamp)

	keys.infoErr = errors.New("boom")
	report, err = l.Report(ctx)
	assert.Error(t, err)
	assert.Equal(t, 3, report.TotalEvents)
}

func TestLedger_RecordEvent(t *testing.T) {
	ctx := context.Background()

	t.Run("events carry ids and signatures", func(t *testing.T) {
		l := newTestLedger(newFakeKeys(t, time.Now().UTC(), keystoreDomain.KnownContexts()...), Options{})
		meta := map[string]string{"entity": "student"}
		event := l.RecordEvent(ctx, complianceDomain.ActionRotate, keystoreDomain.ContextAuditData, "admin", meta)

		assert.Equal(t, 7, int(event.ID.Version()))
		assert.True(t, event.IsSigned())
		assert.Equal(t, uint(1), event.SigningKeyVersion)

		meta["entity"] = "changed"
		assert.Equal(t, "student", l.Events(ctx)[0].Metadata["entity"], "metadata is copied")
	})

	t.Run("unsigned without audit key", func(t *testing.T) {
		l := newTestLedger(newFakeKeys(t, time.Now().UTC(), keystoreDomain.ContextUserCredentials), Options{})
		event := l.RecordEvent(ctx, complianceDomain.ActionProtect, keystoreDomain.ContextUserCredentials, "", nil)
		assert.False(t, event.IsSigned())
	})

	t.Run("oldest half is pruned", func(t *testing.T) {
		l := newTestLedger(newFakeKeys(t, time.Now().UTC(), keystoreDomain.KnownContexts()...), Options{MaxEvents: 10})
		for i := range 11 {
			l.RecordEvent(ctx, complianceDomain.ActionProtect, keystoreDomain.ContextAuditData, "",
				map[string]string{"seq": fmt.Sprint(i)})
		}

		events := l.Events(ctx)
		require.Len(t, events, 6)
		assert.Equal(t, "5", events[0].Metadata["seq"])
		assert.Equal(t, "10", events[5].Metadata["seq"])
	})

	t.Run("concurrent writers", func(t *testing.T) {
		l := newTestLedger(newFakeKeys(t, time.Now().UTC(), keystoreDomain.KnownContexts()...), Options{MaxEvents: 1000})

		var wg sync.WaitGroup
		for w := range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for range 50 {
					l.RecordEvent(ctx, complianceDomain.ActionProtect, keystoreDomain.KnownContexts()[w%5], "", nil)
					_, _ = l.Report(ctx)
				}
			}()
		}
		wg.Wait()

		report, err := l.Report(ctx)
		require.NoError(t, err)
		assert.Equal(t, 400, report.TotalEvents)
	})
}

func TestLedger_VerifyEvents(t *testing.T) {
	ctx := context.Background()
	keys := newFakeKeys(t, time.Now().UTC(), keystoreDomain.KnownContexts()...)
	l := newTestLedger(keys, Options{})

	for range 3 {
		l.RecordEvent(ctx, complianceDomain.ActionProtect, keystoreDomain.ContextStudentPersonalData, "", nil)
	}

	result, err := l.VerifyEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 3, result.Valid)
	assert.Empty(t, result.Invalid)

	internal := l.(*ledger)
	internal.mu.Lock()
	internal.events[1].Context = keystoreDomain.ContextAuditData
	tamperedID := internal.events[1].ID
	internal.mu.Unlock()

	result, err = l.VerifyEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Valid)
	assert.Equal(t, []uuid.UUID{tamperedID}, result.Invalid)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = l.VerifyEvents(canceled)
	assert.ErrorIs(t, err, context.Canceled)
}
