package usecase

import (
	"context"
	"time"

	"github.com/allisson/fieldvault/internal/metrics"
	recordDomain "github.com/allisson/fieldvault/internal/record/domain"
)

// processorWithMetrics decorates Processor with metrics instrumentation.
type processorWithMetrics struct {
	next    Processor
	metrics metrics.BusinessMetrics
}

// NewProcessorWithMetrics wraps a Processor with metrics recording.
func NewProcessorWithMetrics(next Processor, m metrics.BusinessMetrics) Processor {
	return &processorWithMetrics{
		next:    next,
		metrics: m,
	}
}

// ProtectForStorage records metrics for record protection.
func (p *processorWithMetrics) ProtectForStorage(
	ctx context.Context,
	record recordDomain.Record,
	entity string,
) (recordDomain.Record, error) {
	start := time.Now()
	out, err := p.next.ProtectForStorage(ctx, record, entity)

	status := "success"
	if err != nil {
		status = "error"
	}

	p.metrics.RecordOperation(ctx, "record", "protect", status)
	p.metrics.RecordDuration(ctx, "record", "protect", time.Since(start), status)

	return out, err
}

// UnprotectForRetrieval records metrics for record retrieval. Records with at least one
// failed field are reported with status "partial".
func (p *processorWithMetrics) UnprotectForRetrieval(
	ctx context.Context,
	record recordDomain.Record,
) recordDomain.Record {
	start := time.Now()
	out := p.next.UnprotectForRetrieval(ctx, record)

	status := "success"
	if failed := recordDomain.FailedFields(out); len(failed) > 0 {
		status = "partial"
		p.metrics.RecordItems(ctx, "record", "unprotect_failed_fields", int64(len(failed)))
	}

	p.metrics.RecordOperation(ctx, "record", "unprotect", status)
	p.metrics.RecordDuration(ctx, "record", "unprotect", time.Since(start), status)

	return out
}
