package telemetry

import (
	"context"
	"testing"

	"github.com/apprenticegc/rfcflow/internal/storage"
)

type nopStore struct{ upserts int }

func (n *nopStore) UpsertPage(context.Context, *storage.PageRecord) error { n.upserts++; return nil }
func (n *nopStore) RecordJournal(context.Context, string, string, string) error {
	return nil
}
func (n *nopStore) JournalStatus(context.Context, string, string, string) (bool, error) {
	return false, nil
}
func (n *nopStore) LogProcessing(context.Context, storage.ProcessingEntry) error { return nil }

func TestDisabledIsPassthrough(t *testing.T) {
	if err := Init(context.Background(), Settings{}, "rfcflow", "test"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if Enabled() {
		t.Fatal("Enabled() = true with zero settings")
	}
	inner := &nopStore{}
	if got := WrapPageStore(inner); got != storage.PageStore(inner) {
		t.Errorf("WrapPageStore returned %T, want the inner store", got)
	}
}

func TestEnabledWrapsStore(t *testing.T) {
	ctx := context.Background()
	if err := Init(ctx, Settings{Enabled: true}, "rfcflow", "test"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer Shutdown(ctx)

	inner := &nopStore{}
	wrapped := WrapPageStore(inner)
	if _, ok := wrapped.(*InstrumentedPageStore); !ok {
		t.Fatalf("WrapPageStore returned %T", wrapped)
	}
	if err := wrapped.UpsertPage(ctx, &storage.PageRecord{PageID: "p"}); err != nil {
		t.Fatalf("UpsertPage: %v", err)
	}
	if inner.upserts != 1 {
		t.Errorf("inner upserts = %d, want 1", inner.upserts)
	}
}

func TestDomainInstruments(t *testing.T) {
	d := Domain()
	if d == nil || d.Pages == nil || d.Transitions == nil {
		t.Fatal("Domain() returned incomplete instruments")
	}
	ctx := context.Background()
	d.RecordPage(ctx, "new")
	d.RecordFlagged(ctx, "ci-stuck")
	d.RecordTransition(ctx, "acquired")
}
