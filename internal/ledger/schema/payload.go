package schema

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

// Field names used by ChangedFields and the merge policy.
const (
	FieldAmount      = "amount"
	FieldCurrency    = "currency"
	FieldDate        = "date"
	FieldCategory    = "category"
	FieldDescription = "description"
	FieldDeleted     = "deleted"
)

// PayloadFields lists every synchronized field in a stable order.
var PayloadFields = []string{FieldAmount, FieldCurrency, FieldDate, FieldCategory, FieldDescription, FieldDeleted}

// Payload is the synchronized content of a transaction.
type Payload struct {
	ID          string    `json:"id"`
	AmountMinor int64     `json:"amount_minor"`
	Currency    string    `json:"currency"`
	Date        time.Time `json:"-"`
	Category    string    `json:"category"`
	Description string    `json:"description"`
	Deleted     bool      `json:"deleted"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type payloadWire struct {
	ID          string    `json:"id"`
	AmountMinor int64     `json:"amount_minor"`
	Currency    string    `json:"currency"`
	Date        string    `json:"date"`
	Category    string    `json:"category"`
	Description string    `json:"description"`
	Deleted     bool      `json:"deleted"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// MarshalJSON encodes the date as YYYY-MM-DD.
func (p Payload) MarshalJSON() ([]byte, error) {
	w := payloadWire{
		ID:          p.ID,
		AmountMinor: p.AmountMinor,
		Currency:    p.Currency,
		Category:    p.Category,
		Description: p.Description,
		Deleted:     p.Deleted,
		UpdatedAt:   p.UpdatedAt.UTC(),
	}
	if !p.Date.IsZero() {
		w.Date = p.Date.Format(DateLayout)
	}
	return json.Marshal(w)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (p *Payload) UnmarshalJSON(data []byte) error {
	var w payloadWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	var date time.Time
	if w.Date != "" {
		d, err := ParseDate(w.Date)
		if err != nil {
			return err
		}
		date = d
	}
	*p = Payload{
		ID:          w.ID,
		AmountMinor: w.AmountMinor,
		Currency:    w.Currency,
		Date:        date,
		Category:    w.Category,
		Description: w.Description,
		Deleted:     w.Deleted,
		UpdatedAt:   w.UpdatedAt.UTC(),
	}
	return nil
}

// Marshal encodes the payload for storage or the wire.
func (p Payload) Marshal() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload %s: %w", p.ID, err)
	}
	return data, nil
}

// UnmarshalPayload decodes a payload produced by Marshal.
func UnmarshalPayload(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("failed to parse payload: %w", err)
	}
	return p, nil
}

// Equal reports whether two payloads carry the same content.
// UpdatedAt is ignored.
func (p Payload) Equal(o Payload) bool {
	return len(p.ChangedFields(o)) == 0 && p.ID == o.ID
}

// ChangedFields returns the names of the fields that differ between p and base.
func (p Payload) ChangedFields(base Payload) []string {
	var changed []string
	if p.AmountMinor != base.AmountMinor {
		changed = append(changed, FieldAmount)
	}
	if p.Currency != base.Currency {
		changed = append(changed, FieldCurrency)
	}
	if !NormalizeDate(p.Date).Equal(NormalizeDate(base.Date)) {
		changed = append(changed, FieldDate)
	}
	if p.Category != base.Category {
		changed = append(changed, FieldCategory)
	}
	if p.Description != base.Description {
		changed = append(changed, FieldDescription)
	}
	if p.Deleted != base.Deleted {
		changed = append(changed, FieldDeleted)
	}
	return changed
}

// CopyField copies a single named field from src into p.
func (p *Payload) CopyField(name string, src Payload) {
	switch name {
	case FieldAmount:
		p.AmountMinor = src.AmountMinor
	case FieldCurrency:
		p.Currency = src.Currency
	case FieldDate:
		p.Date = src.Date
	case FieldCategory:
		p.Category = src.Category
	case FieldDescription:
		p.Description = src.Description
	case FieldDeleted:
		p.Deleted = src.Deleted
	}
}

// FieldValue renders a single field for audit entries and prompts.
func (p Payload) FieldValue(name string) string {
	switch name {
	case FieldAmount:
		return FormatAmount(p.AmountMinor, p.Currency)
	case FieldCurrency:
		return p.Currency
	case FieldDate:
		if p.Date.IsZero() {
			return ""
		}
		return p.Date.Format(DateLayout)
	case FieldCategory:
		return p.Category
	case FieldDescription:
		return p.Description
	case FieldDeleted:
		return fmt.Sprintf("%t", p.Deleted)
	}
	return ""
}
