// Package migrate moves ledger data in and out of flat files: JSONL for
// bulk import and backup, YAML for human-readable conflict and audit
// reports.
package migrate

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"

	"github.com/bookkeeper/ledgersync/internal/ledger/schema"
	"github.com/bookkeeper/ledgersync/internal/ledger/validate"
)

// maxLineBytes bounds a single JSONL record.
const maxLineBytes = 1 << 20

// Record is one line of a ledger export. Import reads the embedded
// TransactionFile and ignores the bookkeeping fields.
type Record struct {
	schema.TransactionFile
	Status   schema.Status `json:"status,omitempty"`
	Revision int64         `json:"revision,omitempty"`
	Deleted  bool          `json:"deleted,omitempty"`
}

// LineError is a record that could not be turned into a candidate.
type LineError struct {
	Line int
	Err  error
}

func (e LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e LineError) Unwrap() error { return e.Err }

// ReadResult holds the outcome of reading a JSONL stream.
type ReadResult struct {
	Candidates []validate.Candidate
	Errors     []LineError
}

// FromJSONL reads one TransactionFile per line. Blank lines are skipped.
// Malformed JSON aborts the read; records with an unparsable amount or date
// are reported in Errors and skipped. Deleted records from an export are
// skipped.
func FromJSONL(r io.Reader) (*ReadResult, error) {
	result := &ReadResult{}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum, err)
		}
		if rec.Deleted {
			continue
		}

		c, err := validate.CandidateFromFile(&rec.TransactionFile)
		if err != nil {
			result.Errors = append(result.Errors, LineError{Line: lineNum, Err: err})
			continue
		}
		result.Candidates = append(result.Candidates, c)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read JSONL at line %d: %w", lineNum+1, err)
	}

	return result, nil
}

// ImportJSONL reads a JSONL file from disk.
func ImportJSONL(path string) (*ReadResult, error) {
	// #nosec G304 - controlled path from CLI or inbox
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer file.Close()

	return FromJSONL(file)
}

// ReadFile reads an import file by extension: *.jsonl holds many records,
// *.json holds exactly one.
func ReadFile(path string) (*ReadResult, error) {
	switch filepath.Ext(path) {
	case ".jsonl":
		return ImportJSONL(path)
	case ".json":
		f, err := schema.ReadTransactionFile(path)
		if err != nil {
			return nil, err
		}
		c, err := validate.CandidateFromFile(f)
		if err != nil {
			return &ReadResult{Errors: []LineError{{Line: 1, Err: err}}}, nil
		}
		return &ReadResult{Candidates: []validate.Candidate{c}}, nil
	default:
		return nil, fmt.Errorf("unsupported import file %s: want .json or .jsonl", path)
	}
}

// ToRecord converts a stored transaction to its export form.
func ToRecord(t *schema.Transaction) Record {
	return Record{
		TransactionFile: *schema.FileFromTransaction(t),
		Status:          t.Status,
		Revision:        t.Revision,
		Deleted:         t.Deleted,
	}
}

// ExportJSONL writes one Record per transaction and returns the count.
func ExportJSONL(w io.Writer, txs []*schema.Transaction) (int, error) {
	bw := bufio.NewWriter(w)
	n := 0
	for _, t := range txs {
		data, err := json.Marshal(ToRecord(t))
		if err != nil {
			return n, fmt.Errorf("failed to marshal transaction %s: %w", t.ID, err)
		}
		if _, err := bw.Write(append(data, '\n')); err != nil {
			return n, fmt.Errorf("failed to write transaction %s: %w", t.ID, err)
		}
		n++
	}
	if err := bw.Flush(); err != nil {
		return n, fmt.Errorf("failed to flush export: %w", err)
	}
	return n, nil
}

// WriteJSONLFile exports txs to path atomically via a temp file.
func WriteJSONLFile(path string, txs []*schema.Transaction) (int, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, fmt.Errorf("failed to create export directory: %w", err)
	}

	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}

	n, err := ExportJSONL(file, txs)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return 0, err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to rename temp file: %w", err)
	}
	return n, nil
}

// BackupFile copies path next to itself with a timestamp suffix and returns
// the backup's path.
func BackupFile(path string, now time.Time) (string, error) {
	// #nosec G304 - controlled path from CLI
	input, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read input for backup: %w", err)
	}
	backupPath := path + ".backup." + now.Format("20060102-150405")
	if err := os.WriteFile(backupPath, input, 0600); err != nil {
		return "", fmt.Errorf("failed to create backup: %w", err)
	}
	return backupPath, nil
}
