package migrate

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bookkeeper/ledgersync/internal/ledger/db"
	"github.com/bookkeeper/ledgersync/internal/ledger/schema"
	"github.com/bookkeeper/ledgersync/internal/ledger/validate"
)

func testTransaction(id string) *schema.Transaction {
	now := time.Date(2026, 10, 3, 9, 30, 0, 0, time.UTC)
	return &schema.Transaction{
		ID:          id,
		AmountMinor: -1250,
		Currency:    "USD",
		Date:        time.Date(2026, 10, 2, 0, 0, 0, 0, time.UTC),
		Category:    "coffee",
		Description: "flat white",
		Revision:    2,
		Status:      schema.StatusSynced,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestFromJSONL(t *testing.T) {
	input := strings.Join([]string{
		`{"id":"a","amount":"-12.50","currency":"USD","date":"2026-10-02","category":"coffee"}`,
		``,
		`{"amount":"1000","currency":"JPY","date":"2026-10-01","category":"gift","description":"otoshidama"}`,
		`{"amount":"1.234","currency":"USD","date":"2026-10-01","category":"bad"}`,
		`{"id":"gone","amount":"1","currency":"USD","date":"2026-10-01","category":"x","deleted":true}`,
	}, "\n")

	result, err := FromJSONL(strings.NewReader(input))
	if err != nil {
		t.Fatalf("FromJSONL failed: %v", err)
	}

	if len(result.Candidates) != 2 {
		t.Fatalf("Expected 2 candidates, got %d", len(result.Candidates))
	}
	if got := result.Candidates[0]; got.ID != "a" || got.AmountMinor != -1250 || got.Category != "coffee" {
		t.Errorf("Candidate 0 = %+v", got)
	}
	if got := result.Candidates[1]; got.ID != "" || got.AmountMinor != 1000 || got.Currency != "JPY" {
		t.Errorf("Candidate 1 = %+v", got)
	}

	if len(result.Errors) != 1 {
		t.Fatalf("Expected 1 line error, got %d", len(result.Errors))
	}
	if result.Errors[0].Line != 4 {
		t.Errorf("Line = %d, want 4", result.Errors[0].Line)
	}
	if !errors.Is(result.Errors[0], validate.ErrAmountInvalid) {
		t.Errorf("Expected ErrAmountInvalid, got %v", result.Errors[0].Err)
	}
}

func TestFromJSONL_MalformedLine(t *testing.T) {
	input := "{\"amount\":\"1\",\"currency\":\"USD\",\"date\":\"2026-10-01\",\"category\":\"x\"}\n{not json\n"

	_, err := FromJSONL(strings.NewReader(input))
	if err == nil {
		t.Fatal("Expected error for malformed JSON")
	}
	if !strings.Contains(err.Error(), "line 2") {
		t.Errorf("Error should name the line, got %v", err)
	}
}

func TestExportJSONL_RoundTrip(t *testing.T) {
	txs := []*schema.Transaction{testTransaction("t-1"), testTransaction("t-2")}
	txs[1].AmountMinor = 99900
	txs[1].Currency = "JPY"

	var buf bytes.Buffer
	n, err := ExportJSONL(&buf, txs)
	if err != nil {
		t.Fatalf("ExportJSONL failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Exported %d, want 2", n)
	}
	if lines := strings.Count(buf.String(), "\n"); lines != 2 {
		t.Errorf("Expected 2 lines, got %d", lines)
	}
	if !strings.Contains(buf.String(), `"status":"SYNCED"`) {
		t.Errorf("Export should carry status: %s", buf.String())
	}

	result, err := FromJSONL(&buf)
	if err != nil {
		t.Fatalf("FromJSONL failed: %v", err)
	}
	if len(result.Candidates) != 2 {
		t.Fatalf("Expected 2 candidates, got %d", len(result.Candidates))
	}
	for i, c := range result.Candidates {
		want := txs[i]
		if c.ID != want.ID || c.AmountMinor != want.AmountMinor || c.Currency != want.Currency {
			t.Errorf("Candidate %d = %+v, want %s %d %s", i, c, want.ID, want.AmountMinor, want.Currency)
		}
		if !c.Date.Equal(want.Date) {
			t.Errorf("Candidate %d date = %v, want %v", i, c.Date, want.Date)
		}
	}
}

func TestReadFile(t *testing.T) {
	dir := t.TempDir()

	single := filepath.Join(dir, "one.json")
	if err := os.WriteFile(single, []byte(`{"amount":"4.20","currency":"EUR","date":"2026-09-30","category":"bakery"}`), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	result, err := ReadFile(single)
	if err != nil {
		t.Fatalf("ReadFile(.json) failed: %v", err)
	}
	if len(result.Candidates) != 1 || result.Candidates[0].AmountMinor != 420 {
		t.Errorf("Unexpected result: %+v", result)
	}

	many := filepath.Join(dir, "many.jsonl")
	if _, err := WriteJSONLFile(many, []*schema.Transaction{testTransaction("x"), testTransaction("y")}); err != nil {
		t.Fatalf("WriteJSONLFile failed: %v", err)
	}
	result, err = ReadFile(many)
	if err != nil {
		t.Fatalf("ReadFile(.jsonl) failed: %v", err)
	}
	if len(result.Candidates) != 2 {
		t.Errorf("Expected 2 candidates, got %d", len(result.Candidates))
	}

	if _, err := ReadFile(filepath.Join(dir, "notes.txt")); err == nil {
		t.Error("Expected error for unsupported extension")
	}
}

func TestBackupFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	if err := os.WriteFile(path, []byte("{}\n"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	backup, err := BackupFile(path, time.Date(2026, 10, 17, 8, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("BackupFile failed: %v", err)
	}
	if want := path + ".backup.20261017-080000"; backup != want {
		t.Errorf("backup = %q, want %q", backup, want)
	}
	data, err := os.ReadFile(backup)
	if err != nil || string(data) != "{}\n" {
		t.Errorf("Backup content = %q, err = %v", data, err)
	}
}

func TestExportConflictsYAML(t *testing.T) {
	local := testTransaction("c-1").Payload()
	remote := local
	remote.Description = "oat flat white"
	base := local

	var buf bytes.Buffer
	err := ExportConflictsYAML(&buf, []*db.Conflict{{
		TransactionID:  "c-1",
		Local:          local,
		LocalRevision:  3,
		Remote:         remote,
		RemoteRevision: 4,
		Reason:         "remote revision 4 is ahead",
		DetectedAt:     time.Date(2026, 10, 4, 0, 0, 0, 0, time.UTC),
		Base:           &base,
	}})
	if err != nil {
		t.Fatalf("ExportConflictsYAML failed: %v", err)
	}

	out := buf.String()
	for _, want := range []string{
		"conflicts:",
		"transaction_id: c-1",
		"-12.50",
		"description: oat flat white",
		"- description",
		"base:",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Output missing %q:\n%s", want, out)
		}
	}
}

func TestExportAuditYAML(t *testing.T) {
	p := testTransaction("a-1").Payload()

	var buf bytes.Buffer
	err := ExportAuditYAML(&buf, []db.AuditEntry{
		{ID: 1, TransactionID: "a-1", Action: db.AuditLocalDiscarded, Detail: "kept remote", Payload: &p, At: time.Date(2026, 10, 4, 0, 0, 0, 0, time.UTC)},
		{ID: 2, TransactionID: "a-1", Action: db.AuditConflictResolved, At: time.Date(2026, 10, 4, 0, 0, 1, 0, time.UTC)},
	})
	if err != nil {
		t.Fatalf("ExportAuditYAML failed: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"audit:", "action: local_discarded", "action: conflict_resolved", "category: coffee"} {
		if !strings.Contains(out, want) {
			t.Errorf("Output missing %q:\n%s", want, out)
		}
	}
}
