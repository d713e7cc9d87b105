package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Instruments are the domain counters recorded by the CLI commands.
// Created lazily from the global meter so Init must run first.
type Instruments struct {
	Retries       metric.Int64Counter
	ThrottleSleep metric.Float64Counter
	Pages         metric.Int64Counter
	ChainsFlagged metric.Int64Counter
	Transitions   metric.Int64Counter
}

var (
	instOnce sync.Once
	inst     *Instruments
)

// Domain returns the process-wide domain instruments.
func Domain() *Instruments {
	instOnce.Do(func() {
		m := Meter("")
		inst = &Instruments{}
		inst.Retries, _ = m.Int64Counter("rfcflow.http.retries",
			metric.WithDescription("HTTP attempts retried after a transient failure"))
		inst.ThrottleSleep, _ = m.Float64Counter("rfcflow.http.throttle_sleep",
			metric.WithDescription("Seconds spent in rate-limit waits and retry backoff"),
			metric.WithUnit("s"))
		inst.Pages, _ = m.Int64Counter("rfcflow.ingest.pages",
			metric.WithDescription("Pages processed by ingestion, by outcome"))
		inst.ChainsFlagged, _ = m.Int64Counter("rfcflow.chain.flagged",
			metric.WithDescription("Chains flagged by reconciliation, by state"))
		inst.Transitions, _ = m.Int64Counter("rfcflow.mutex.transitions",
			metric.WithDescription("Series mutex outcomes, by status"))
	})
	return inst
}

// RecordPage counts one ingested page.
func (i *Instruments) RecordPage(ctx context.Context, outcome string) {
	i.Pages.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordFlagged counts one chain in state.
func (i *Instruments) RecordFlagged(ctx context.Context, state string) {
	i.ChainsFlagged.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// RecordTransition counts one mutex outcome.
func (i *Instruments) RecordTransition(ctx context.Context, status string) {
	i.Transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
