// Package telemetry records counters for lease skips, pricing gaps, wedged
// leases and ledger activity. Without a configured MeterProvider the global
// otel provider is a no-op, so callers never need to guard on it.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "crmcore"

// Metrics is safe for concurrent use. A nil *Metrics records nothing.
type Metrics struct {
	jobSkips      metric.Int64Counter
	jobRuns       metric.Int64Counter
	wedgedLeases  metric.Int64Counter
	pricingGaps   metric.Int64Counter
	ledgerNoOps   metric.Int64Counter
	ledgerDebits  metric.Int64Counter
	deadLetters   metric.Int64Counter
	negativeUsers metric.Int64Counter
}

// New registers the counters on meter.
func New(meter metric.Meter) (*Metrics, error) {
	var m Metrics
	var err error
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.jobSkips, "jobs.skipped", "Ticks that did not run, by reason"},
		{&m.jobRuns, "jobs.runs", "Ticks that ran under a lease, by outcome"},
		{&m.wedgedLeases, "jobs.lease_release_failures", "Leases left in PROCESSING because release failed"},
		{&m.pricingGaps, "ledger.pricing_gaps", "Billable events with no pricing row"},
		{&m.ledgerNoOps, "ledger.noops", "Deductions that made no change, by reason"},
		{&m.ledgerDebits, "ledger.debits", "Committed debits"},
		{&m.deadLetters, "jobs.dead_letters", "Ticks moved to the dead-letter queue"},
		{&m.negativeUsers, "ledger.negative_users", "Users reported by the negative credit sweep"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("register counter %s: %w", c.name, err)
		}
	}
	return &m, nil
}

// NewGlobal registers the counters on the global MeterProvider.
func NewGlobal() (*Metrics, error) {
	return New(otel.Meter(meterName))
}

func (m *Metrics) JobSkipped(ctx context.Context, jobID, reason string) {
	if m == nil {
		return
	}
	m.jobSkips.Add(ctx, 1, metric.WithAttributes(attribute.String("job_id", jobID), attribute.String("reason", reason)))
}

func (m *Metrics) JobRan(ctx context.Context, jobID string, failed bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if failed {
		outcome = "error"
	}
	m.jobRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("job_id", jobID), attribute.String("outcome", outcome)))
}

func (m *Metrics) LeaseWedged(ctx context.Context, jobID string) {
	if m == nil {
		return
	}
	m.wedgedLeases.Add(ctx, 1, metric.WithAttributes(attribute.String("job_id", jobID)))
}

func (m *Metrics) PricingGap(ctx context.Context, packageID, messageType, direction string) {
	if m == nil {
		return
	}
	m.pricingGaps.Add(ctx, 1, metric.WithAttributes(
		attribute.String("package_id", packageID),
		attribute.String("message_type", messageType),
		attribute.String("direction", direction),
	))
}

func (m *Metrics) LedgerNoOp(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.ledgerNoOps.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) LedgerDebit(ctx context.Context, txType string) {
	if m == nil {
		return
	}
	m.ledgerDebits.Add(ctx, 1, metric.WithAttributes(attribute.String("type", txType)))
}

func (m *Metrics) DeadLettered(ctx context.Context, queue string) {
	if m == nil {
		return
	}
	m.deadLetters.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}

func (m *Metrics) NegativeUsers(ctx context.Context, n int) {
	if m == nil {
		return
	}
	m.negativeUsers.Add(ctx, int64(n))
}
