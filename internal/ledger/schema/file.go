package schema

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"
)

// TransactionFile is a transaction as written by hand into the inbox.
// Amount is a decimal string in major units of Currency.
type TransactionFile struct {
	ID          string `json:"id,omitempty"` // optional; assigned on import when empty
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	Date        string `json:"date"` // YYYY-MM-DD
	Category    string `json:"category"`
	Description string `json:"description,omitempty"`
}

// Validate checks that the file is well formed. Amount bounds, currency
// codes and date ranges are checked later by the validator.
func (f *TransactionFile) Validate() error {
	if strings.TrimSpace(f.Amount) == "" {
		return fmt.Errorf("amount is required")
	}
	if strings.TrimSpace(f.Currency) == "" {
		return fmt.Errorf("currency is required")
	}
	if _, err := f.AmountMinor(); err != nil {
		return err
	}
	if _, err := ParseDate(f.Date); err != nil {
		return err
	}
	return nil
}

// AmountMinor returns Amount in minor units of Currency.
func (f *TransactionFile) AmountMinor() (int64, error) {
	return ParseAmount(f.Amount, f.Currency)
}

// Filename returns the canonical filename for this entry: {id}.json
func (f *TransactionFile) Filename() string {
	return fmt.Sprintf("%s.json", f.ID)
}

// FileFromTransaction converts a stored transaction to its file form.
func FileFromTransaction(t *Transaction) *TransactionFile {
	return &TransactionFile{
		ID:          t.ID,
		Amount:      FormatDecimal(t.AmountMinor, t.Currency),
		Currency:    t.Currency,
		Date:        NormalizeDate(t.Date).Format(DateLayout),
		Category:    t.Category,
		Description: t.Description,
	}
}

// ReadTransactionFile reads and parses a transaction JSON file from the given path.
func ReadTransactionFile(path string) (*TransactionFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read transaction file %s: %w", path, err)
	}

	var f TransactionFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse transaction file %s: %w", path, err)
	}

	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("invalid transaction file %s: %w", path, err)
	}

	return &f, nil
}

// WriteTransactionFile writes f to dir/{id}.json with pretty-printed formatting.
func WriteTransactionFile(dir string, f *TransactionFile) error {
	if f.ID == "" {
		return fmt.Errorf("cannot write transaction file without id")
	}
	if err := f.Validate(); err != nil {
		return fmt.Errorf("cannot write invalid transaction: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal transaction %s: %w", f.ID, err)
	}

	path := filepath.Join(dir, f.Filename())
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write transaction file %s: %w", path, err)
	}

	return nil
}

// ReadAllTransactionFiles reads every *.json file in dir.
// Invalid files are skipped with a warning to stderr.
func ReadAllTransactionFiles(dir string) ([]*TransactionFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*TransactionFile{}, nil
		}
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	var files []*TransactionFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		f, err := ReadTransactionFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: skipping invalid transaction file %s: %v\n", entry.Name(), err)
			continue
		}
		files = append(files, f)
	}

	return files, nil
}
