package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	complianceUsecase "github.com/allisson/fieldvault/internal/compliance/usecase"
)

// ErrNotCompliant is returned by RunComplianceReport when the check found issues.
var ErrNotCompliant = errors.New("compliance check failed")

// RunComplianceReport prints the ledger report, the compliance status and the signature
// verification of the retained events. It fails with ErrNotCompliant when issues were found.
func RunComplianceReport(
	ctx context.Context,
	ledger complianceUsecase.Ledger,
	logger *slog.Logger,
	writer io.Writer,
	format string,
) error {
	if err := validateFormat(format); err != nil {
		return err
	}

	report, err := ledger.Report(ctx)
	if err != nil {
		return fmt.Errorf("failed to build report: %w", err)
	}
	status := ledger.CheckCompliance(ctx)
	verification, err := ledger.VerifyEvents(ctx)
	if err != nil {
		return fmt.Errorf("failed to verify events: %w", err)
	}

	logger.Info("compliance report generated",
		slog.Int("total_events", report.TotalEvents),
		slog.Bool("is_compliant", status.IsCompliant),
		slog.Int("issues", len(status.Issues)),
		slog.Int("invalid_signatures", len(verification.Invalid)),
	)

	if format == "json" {
		err = writeJSON(writer, map[string]any{
			"report":       report,
			"status":       status,
			"verification": verification,
		})
	} else {
		err = writeComplianceText(writer, report.TotalEvents, report.EventsByContext, report.LastEventTimestamp,
			status.IsCompliant, status.Issues, status.Recommendations,
			verification.Valid, verification.Unsigned, len(verification.Invalid))
	}
	if err != nil {
		return err
	}

	if !status.IsCompliant {
		return fmt.Errorf("%w: %d issue(s)", ErrNotCompliant, len(status.Issues))
	}
	return nil
}

func writeComplianceText(
	w io.Writer,
	total int,
	byContext map[string]int,
	last *time.Time,
	compliant bool,
	issues, recommendations []string,
	valid, unsigned, invalid int,
) error {
	lastEvent := "never"
	if last != nil {
		lastEvent = last.Format(time.RFC3339)
	}

	lines := []string{
		fmt.Sprintf("Total events: %d (last: %s)", total, lastEvent),
	}
	names := make([]string, 0, len(byContext))
	for name := range byContext {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		lines = append(lines, fmt.Sprintf("  %s: %d", name, byContext[name]))
	}

	lines = append(lines, fmt.Sprintf("Compliant: %t", compliant))
	for _, issue := range issues {
		lines = append(lines, "  issue: "+issue)
	}
	for _, rec := range recommendations {
		lines = append(lines, "  recommendation: "+rec)
	}
	lines = append(lines, fmt.Sprintf("Signatures: %d valid, %d unsigned, %d invalid", valid, unsigned, invalid))

	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
