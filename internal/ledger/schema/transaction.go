package schema

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the wire and storage layout for transaction dates.
const DateLayout = "2006-01-02"

// Status is the synchronization state of a transaction.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusSyncing  Status = "SYNCING"
	StatusSynced   Status = "SYNCED"
	StatusConflict Status = "CONFLICT"
	StatusFailed   Status = "FAILED"
)

// AllStatuses lists every status in display order.
var AllStatuses = []Status{StatusPending, StatusSyncing, StatusSynced, StatusConflict, StatusFailed}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSyncing, StatusSynced, StatusConflict, StatusFailed:
		return true
	}
	return false
}

// ParseStatus parses a status name case-insensitively.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

// Transaction is a ledger row owned by the local store.
type Transaction struct {
	// ===== Identification =====
	ID string `json:"id"`

	// ===== Content (synchronized) =====
	AmountMinor int64     `json:"amount_minor"`
	Currency    string    `json:"currency"`
	Date        time.Time `json:"date"`
	Category    string    `json:"category"`
	Description string    `json:"description,omitempty"`

	// ===== Sync bookkeeping (local only) =====
	Revision       int64  `json:"revision"`        // bumped on every local mutation
	RemoteRevision int64  `json:"remote_revision"` // last revision acknowledged by the remote
	Status         Status `json:"status"`
	Deleted        bool   `json:"deleted,omitempty"` // soft-deleted, waiting for remote confirmation
	LastError      string `json:"last_error,omitempty"`

	// ===== Timestamps =====
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"` // wall clock of the last content edit
}

// NormalizeDate truncates t to a UTC calendar date.
func NormalizeDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD): %w", s, err)
	}
	return t, nil
}

// Payload returns the synchronized content of the transaction.
func (t *Transaction) Payload() Payload {
	return Payload{
		ID:          t.ID,
		AmountMinor: t.AmountMinor,
		Currency:    t.Currency,
		Date:        NormalizeDate(t.Date),
		Category:    t.Category,
		Description: t.Description,
		Deleted:     t.Deleted,
		UpdatedAt:   t.UpdatedAt.UTC(),
	}
}

// ApplyPayload overwrites the synchronized content with p.
// Bookkeeping fields are left untouched.
func (t *Transaction) ApplyPayload(p Payload) {
	t.AmountMinor = p.AmountMinor
	t.Currency = p.Currency
	t.Date = NormalizeDate(p.Date)
	t.Category = p.Category
	t.Description = p.Description
	t.Deleted = p.Deleted
	t.UpdatedAt = p.UpdatedAt
}

// Clone returns a copy of t.
func (t *Transaction) Clone() *Transaction {
	c := *t
	return &c
}

// Validate checks structural integrity of a stored row.
// Business rules (amount bounds, currency codes) live in package validate.
func (t *Transaction) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if len(t.Currency) != 3 {
		return fmt.Errorf("currency must be a 3-letter code (got %q)", t.Currency)
	}
	if t.Date.IsZero() {
		return fmt.Errorf("date is required")
	}
	if t.Revision < 0 || t.RemoteRevision < 0 {
		return fmt.Errorf("revisions must be non-negative")
	}
	if !t.Status.Valid() {
		return fmt.Errorf("invalid status %q", t.Status)
	}
	return nil
}
