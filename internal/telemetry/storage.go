package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/apprenticegc/rfcflow/internal/storage"
)

const storageScopeName = "github.com/apprenticegc/rfcflow/storage"

// InstrumentedPageStore wraps storage.PageStore with OTel tracing and metrics.
// Every method gets a span and is counted in rfcflow.storage.* metrics.
// Use WrapPageStore to create one; it returns the original store unchanged
// when telemetry is disabled.
type InstrumentedPageStore struct {
	inner  storage.PageStore
	tracer trace.Tracer
	ops    metric.Int64Counter
	dur    metric.Float64Histogram
	errs   metric.Int64Counter
}

// WrapPageStore returns s decorated with OTel instrumentation.
// When telemetry is disabled, s is returned as-is with zero overhead.
func WrapPageStore(s storage.PageStore) storage.PageStore {
	if !Enabled() || s == nil {
		return s
	}
	m := Meter(storageScopeName)
	ops, _ := m.Int64Counter("rfcflow.storage.operations",
		metric.WithDescription("Total storage operations executed"),
	)
	dur, _ := m.Float64Histogram("rfcflow.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("rfcflow.storage.errors",
		metric.WithDescription("Total storage operation errors"),
	)
	return &InstrumentedPageStore{
		inner:  s,
		tracer: Tracer(storageScopeName),
		ops:    ops,
		dur:    dur,
		errs:   errs,
	}
}

func (s *InstrumentedPageStore) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("db.operation", name)}, attrs...)
	ctx, span := s.tracer.Start(ctx, "storage."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(all...))
	return ctx, span, time.Now()
}

func (s *InstrumentedPageStore) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs ...attribute.KeyValue) {
	ms := float64(time.Since(start).Milliseconds())
	s.dur.Record(ctx, ms, metric.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	span.End()
}

func (s *InstrumentedPageStore) UpsertPage(ctx context.Context, rec *storage.PageRecord) error {
	attrs := []attribute.KeyValue{attribute.String("rfcflow.page.id", rec.PageID)}
	ctx, span, t := s.op(ctx, "UpsertPage", attrs...)
	err := s.inner.UpsertPage(ctx, rec)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedPageStore) RecordJournal(ctx context.Context, pageID, hash, status string) error {
	attrs := []attribute.KeyValue{
		attribute.String("rfcflow.page.id", pageID),
		attribute.String("rfcflow.journal.status", status),
	}
	ctx, span, t := s.op(ctx, "RecordJournal", attrs...)
	err := s.inner.RecordJournal(ctx, pageID, hash, status)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedPageStore) JournalStatus(ctx context.Context, pageID, hash, status string) (bool, error) {
	attrs := []attribute.KeyValue{
		attribute.String("rfcflow.page.id", pageID),
		attribute.String("rfcflow.journal.status", status),
	}
	ctx, span, t := s.op(ctx, "JournalStatus", attrs...)
	ok, err := s.inner.JournalStatus(ctx, pageID, hash, status)
	s.done(ctx, span, t, err, attrs...)
	return ok, err
}

func (s *InstrumentedPageStore) LogProcessing(ctx context.Context, entry storage.ProcessingEntry) error {
	attrs := []attribute.KeyValue{attribute.String("rfcflow.processing.action", entry.Action)}
	ctx, span, t := s.op(ctx, "LogProcessing", attrs...)
	err := s.inner.LogProcessing(ctx, entry)
	s.done(ctx, span, t, err, attrs...)
	return err
}
