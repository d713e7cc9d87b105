// Package storage provides shared types for the local RFC tracking store.
//
// The concrete implementation lives in the sqlite sub-package. This package
// holds the record types and the narrow interfaces consumers depend on, so the
// ingestion pipeline can be exercised against fakes.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrClosed is returned when a store is used after Close or Discard.
var ErrClosed = errors.New("store closed")

// Page statuses. Pages are never deleted; retirement flips the status.
const (
	PageStatusActive  = "active"
	PageStatusRetired = "retired"
)

// PageRecord is one externally sourced content unit.
type PageRecord struct {
	PageID         string
	Title          string
	LastEditedTime string
	ContentHash    string
	RFCIdentifier  string
	Status         string // defaults to PageStatusActive
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TicketRecord links a created GitHub issue to the page it was generated from.
type TicketRecord struct {
	IssueNumber int
	IssueTitle  string
	IssueState  string
	PageID      string
	ContentHash string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ProcessingEntry is one row of the processing log.
type ProcessingEntry struct {
	PageID  string
	Action  string
	Details string
	TraceID string
}

// PageStore is the subset of the store used by ingestion.
type PageStore interface {
	UpsertPage(ctx context.Context, rec *PageRecord) error
	RecordJournal(ctx context.Context, pageID, hash, status string) error
	JournalStatus(ctx context.Context, pageID, hash, status string) (bool, error)
	LogProcessing(ctx context.Context, entry ProcessingEntry) error
}

// TicketStore is the subset of the store used when issues are generated from pages.
type TicketStore interface {
	RecordTicket(ctx context.Context, number int, title, pageID, contentHash string) error
	LatestTicketForIdentifier(ctx context.Context, identifier string) (*TicketRecord, error)
}
