package ui

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/bookkeeper/ledgersync/internal/ledger/db"
	"github.com/bookkeeper/ledgersync/internal/ledger/schema"
)

func init() {
	DisableColor()
}

func sample() *schema.Transaction {
	return &schema.Transaction{
		ID:          "0b7c43e2-8a5d-4d9e-9a51-6f1f0c2d7a10",
		AmountMinor: -1250,
		Currency:    "EUR",
		Date:        time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC),
		Category:    "coffee",
		Description: "flat white",
		Revision:    2,
		Status:      schema.StatusPending,
	}
}

func TestRenderStatus_Plain(t *testing.T) {
	for _, s := range []schema.Status{schema.StatusPending, schema.StatusSynced, schema.StatusConflict} {
		if got := RenderStatus(s); got != string(s) {
			t.Errorf("RenderStatus(%s) = %q without color, want plain text", s, got)
		}
	}
}

func TestTransactionTable(t *testing.T) {
	out := TransactionTable([]*schema.Transaction{sample()})

	for _, want := range []string{"ID", "STATUS", "0b7c43e2", "2026-03-14", "coffee", "PENDING"} {
		if !strings.Contains(out, want) {
			t.Errorf("Table missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "8a5d") {
		t.Errorf("Expected shortened id, got:\n%s", out)
	}
}

func TestPrintTransaction(t *testing.T) {
	tx := sample()
	tx.LastError = "remote rejected: permission denied"

	var buf bytes.Buffer
	PrintTransaction(&buf, tx)

	out := buf.String()
	for _, want := range []string{tx.ID, "coffee", "flat white", "Revision:     2", "permission denied"} {
		if !strings.Contains(out, want) {
			t.Errorf("Output missing %q:\n%s", want, out)
		}
	}
}

func TestConflictView(t *testing.T) {
	local := sample().Payload()
	remote := local
	remote.Category = "groceries"

	out := ConflictView(&db.Conflict{
		TransactionID:  local.ID,
		Local:          local,
		LocalRevision:  3,
		Remote:         remote,
		RemoteRevision: 5,
	})

	if !strings.Contains(out, "remote rev 5") {
		t.Errorf("Expected revisions in header:\n%s", out)
	}
	var categoryLine string
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "category") {
			categoryLine = line
		}
	}
	if !strings.Contains(categoryLine, "coffee") || !strings.Contains(categoryLine, "groceries") || !strings.Contains(categoryLine, "*") {
		t.Errorf("Expected marked category row, got %q", categoryLine)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate() = %q", got)
	}
	if got := truncate("abcdefghijk", 5); got != "abcd…" {
		t.Errorf("truncate() = %q, want %q", got, "abcd…")
	}
}
