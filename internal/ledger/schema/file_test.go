package schema

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWriteReadTransactionFile(t *testing.T) {
	dir := t.TempDir()

	f := &TransactionFile{
		ID:          "5d0f8a3e-2f7c-4d65-9a51-5f6d9c1b8e21",
		Amount:      "12.34",
		Currency:    "USD",
		Date:        "2026-10-01",
		Category:    "food",
		Description: "lunch",
	}

	if err := WriteTransactionFile(dir, f); err != nil {
		t.Fatalf("WriteTransactionFile() failed: %v", err)
	}

	got, err := ReadTransactionFile(filepath.Join(dir, f.Filename()))
	if err != nil {
		t.Fatalf("ReadTransactionFile() failed: %v", err)
	}
	if *got != *f {
		t.Errorf("read back %+v, want %+v", got, f)
	}

	minor, err := got.AmountMinor()
	if err != nil || minor != 1234 {
		t.Errorf("AmountMinor() = %d, %v", minor, err)
	}
}

func TestWriteTransactionFile_RequiresID(t *testing.T) {
	f := &TransactionFile{Amount: "1", Currency: "USD", Date: "2026-10-01", Category: "x"}
	if err := WriteTransactionFile(t.TempDir(), f); err == nil {
		t.Fatal("expected error for file without id")
	}
}

func TestReadAllTransactionFiles_SkipsInvalid(t *testing.T) {
	dir := t.TempDir()

	good := &TransactionFile{ID: "a", Amount: "1.00", Currency: "USD", Date: "2026-10-01", Category: "food"}
	if err := WriteTransactionFile(dir, good); err != nil {
		t.Fatalf("WriteTransactionFile() failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "cents.json"), []byte(`{"amount":"1.001","currency":"USD","date":"2026-10-01","category":"x"}`), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644); err != nil {
		t.Fatal(err)
	}

	files, err := ReadAllTransactionFiles(dir)
	if err != nil {
		t.Fatalf("ReadAllTransactionFiles() failed: %v", err)
	}
	if len(files) != 1 || files[0].ID != "a" {
		t.Errorf("got %d files, want only the valid one", len(files))
	}
}

func TestReadAllTransactionFiles_MissingDir(t *testing.T) {
	files, err := ReadAllTransactionFiles(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("missing directory should not be an error: %v", err)
	}
	if len(files) != 0 {
		t.Errorf("got %d files from missing dir", len(files))
	}
}

func TestFileFromTransaction(t *testing.T) {
	tx := &Transaction{
		ID:          "b",
		AmountMinor: 1000,
		Currency:    "JPY",
		Date:        time.Date(2026, 10, 3, 9, 0, 0, 0, time.UTC),
		Category:    "snacks",
	}
	f := FileFromTransaction(tx)
	if f.Amount != "1000" || f.Date != "2026-10-03" {
		t.Errorf("FileFromTransaction() = %+v", f)
	}
}
