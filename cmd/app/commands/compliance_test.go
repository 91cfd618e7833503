package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	complianceDomain "github.com/allisson/fieldvault/internal/compliance/domain"
	keystoreDomain "github.com/allisson/fieldvault/internal/keystore/domain"
	keystoreUsecase "github.com/allisson/fieldvault/internal/keystore/usecase"
)

func TestRunComplianceReport(t *testing.T) {
	ctx := context.Background()

	t.Run("compliant store", func(t *testing.T) {
		store := newTestKeyStore(t, keystoreUsecase.Options{})
		require.NoError(t, store.Initialize(ctx))
		ledger := newTestLedger(store)
		ledger.RecordEvent(ctx, complianceDomain.ActionProtect, keystoreDomain.ContextStudentPersonalData, "", nil)
		ledger.RecordEvent(ctx, complianceDomain.ActionProtect, keystoreDomain.ContextStudentPersonalData, "", nil)

		var out bytes.Buffer
		require.NoError(t, RunComplianceReport(ctx, ledger, discardLogger(), &out, "text"))
		assert.Contains(t, out.String(), "Total events: 2")
		assert.Contains(t, out.String(), keystoreDomain.ContextStudentPersonalData+": 2")
		assert.Contains(t, out.String(), "Compliant: true")
		assert.Contains(t, out.String(), "Signatures: 2 valid, 0 unsigned, 0 invalid")
	})

	t.Run("json output", func(t *testing.T) {
		store := newTestKeyStore(t, keystoreUsecase.Options{})
		require.NoError(t, store.Initialize(ctx))
		ledger := newTestLedger(store)

		var out bytes.Buffer
		require.NoError(t, RunComplianceReport(ctx, ledger, discardLogger(), &out, "json"))

		var payload struct {
			Report       complianceDomain.Report             `json:"report"`
			Status       complianceDomain.ComplianceStatus   `json:"status"`
			Verification complianceDomain.VerificationResult `json:"verification"`
		}
		require.NoError(t, json.Unmarshal(out.Bytes(), &payload))
		assert.True(t, payload.Status.IsCompliant)
		assert.Contains(t, payload.Status.Recommendations, "no encryption audit events recorded")
		assert.Len(t, payload.Report.KeyInfo, len(keystoreDomain.KnownContexts()))
	})

	t.Run("missing context is not compliant", func(t *testing.T) {
		store := newTestKeyStore(t, keystoreUsecase.Options{
			Contexts: []string{keystoreDomain.ContextAuditData},
		})
		require.NoError(t, store.Initialize(ctx))
		ledger := newTestLedger(store)

		var out bytes.Buffer
		err := RunComplianceReport(ctx, ledger, discardLogger(), &out, "text")
		assert.ErrorIs(t, err, ErrNotCompliant)
		assert.Contains(t, out.String(), "Compliant: false")
		assert.Contains(t, out.String(), "has no provisioned data key")
	})

	t.Run("uninitialized store", func(t *testing.T) {
		store := newTestKeyStore(t, keystoreUsecase.Options{})
		err := RunComplianceReport(ctx, newTestLedger(store), discardLogger(), &bytes.Buffer{}, "text")
		assert.ErrorIs(t, err, keystoreDomain.ErrNotInitialized)
	})
}
