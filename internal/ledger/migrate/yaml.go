package migrate

import (
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bookkeeper/ledgersync/internal/ledger/db"
	"github.com/bookkeeper/ledgersync/internal/ledger/schema"
)

// payloadDoc is the readable form of a payload in reports.
type payloadDoc struct {
	Amount      string `yaml:"amount"`
	Currency    string `yaml:"currency"`
	Date        string `yaml:"date"`
	Category    string `yaml:"category"`
	Description string `yaml:"description,omitempty"`
	Deleted     bool   `yaml:"deleted,omitempty"`
	UpdatedAt   string `yaml:"updated_at,omitempty"`
}

func toPayloadDoc(p schema.Payload) *payloadDoc {
	d := &payloadDoc{
		Amount:      schema.FormatDecimal(p.AmountMinor, p.Currency),
		Currency:    p.Currency,
		Category:    p.Category,
		Description: p.Description,
		Deleted:     p.Deleted,
	}
	if !p.Date.IsZero() {
		d.Date = schema.NormalizeDate(p.Date).Format(schema.DateLayout)
	}
	if !p.UpdatedAt.IsZero() {
		d.UpdatedAt = p.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return d
}

type conflictDoc struct {
	TransactionID  string      `yaml:"transaction_id"`
	Reason         string      `yaml:"reason,omitempty"`
	DetectedAt     string      `yaml:"detected_at"`
	LocalRevision  int64       `yaml:"local_revision"`
	RemoteRevision int64       `yaml:"remote_revision"`
	Changed        []string    `yaml:"changed,omitempty"`
	Base           *payloadDoc `yaml:"base,omitempty"`
	Local          *payloadDoc `yaml:"local"`
	Remote         *payloadDoc `yaml:"remote"`
}

type auditDoc struct {
	db.AuditEntry `yaml:",inline"`
	Payload       *payloadDoc `yaml:"payload,omitempty"`
}

// ExportConflictsYAML writes every conflict with both payloads side by side.
func ExportConflictsYAML(w io.Writer, conflicts []*db.Conflict) error {
	docs := make([]conflictDoc, 0, len(conflicts))
	for _, c := range conflicts {
		remote := c.Remote
		remote.Deleted = remote.Deleted || c.RemoteDeleted
		d := conflictDoc{
			TransactionID:  c.TransactionID,
			Reason:         c.Reason,
			DetectedAt:     c.DetectedAt.UTC().Format(time.RFC3339),
			LocalRevision:  c.LocalRevision,
			RemoteRevision: c.RemoteRevision,
			Changed:        c.Local.ChangedFields(remote),
			Local:          toPayloadDoc(c.Local),
			Remote:         toPayloadDoc(remote),
		}
		if c.Base != nil {
			d.Base = toPayloadDoc(*c.Base)
		}
		docs = append(docs, d)
	}
	return encodeYAML(w, map[string]any{"conflicts": docs})
}

// ExportAuditYAML writes audit entries in order, including any discarded
// payloads.
func ExportAuditYAML(w io.Writer, entries []db.AuditEntry) error {
	docs := make([]auditDoc, 0, len(entries))
	for _, e := range entries {
		d := auditDoc{AuditEntry: e}
		if e.Payload != nil {
			d.Payload = toPayloadDoc(*e.Payload)
		}
		docs = append(docs, d)
	}
	return encodeYAML(w, map[string]any{"audit": docs})
}

func encodeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode YAML: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to flush YAML: %w", err)
	}
	return nil
}
