// Package validate enforces structural and business rules on transaction
// candidates before they are persisted or uploaded.
//
// Validation is pure: it reads nothing but its inputs and the configured
// bounds, and either returns a complete transaction or an error listing every
// violated rule. Nothing is partially applied.
package validate

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bookkeeper/ledgersync/internal/ledger/schema"
)

// Rule sentinels. Every ValidationError unwraps to exactly one of these.
var (
	ErrAmountInvalid   = errors.New("amount invalid")
	ErrCurrencyUnknown = errors.New("currency unknown")
	ErrDateOutOfRange  = errors.New("date out of range")
	ErrCategoryMissing = errors.New("category missing")
	ErrIDInvalid       = errors.New("id invalid")
)

// Default bounds.
const (
	DefaultMaxMagnitude int64 = 100_000_000_00 // 100 million major units
	DefaultFutureSkew         = 24 * time.Hour
)

// minDate rejects obviously mistyped years.
var minDate = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)

// ValidationError describes one violated rule.
type ValidationError struct {
	Rule    error
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return e.Rule }

// Candidate is an unvalidated transaction as entered by a user or read from
// a file.
type Candidate struct {
	ID          string
	AmountMinor int64
	Currency    string
	Date        time.Time
	Category    string
	Description string
}

// CandidateFromFile converts an inbox file into a candidate.
func CandidateFromFile(f *schema.TransactionFile) (Candidate, error) {
	minor, err := f.AmountMinor()
	if err != nil {
		return Candidate{}, &ValidationError{Rule: ErrAmountInvalid, Field: "amount", Message: err.Error()}
	}
	date, err := schema.ParseDate(f.Date)
	if err != nil {
		return Candidate{}, &ValidationError{Rule: ErrDateOutOfRange, Field: "date", Message: err.Error()}
	}
	return Candidate{
		ID:          f.ID,
		AmountMinor: minor,
		Currency:    f.Currency,
		Date:        date,
		Category:    f.Category,
		Description: f.Description,
	}, nil
}

// FromTransaction returns the candidate form of an existing row, used to
// re-validate edits.
func FromTransaction(t *schema.Transaction) Candidate {
	return Candidate{
		ID:          t.ID,
		AmountMinor: t.AmountMinor,
		Currency:    t.Currency,
		Date:        t.Date,
		Category:    t.Category,
		Description: t.Description,
	}
}

// Options configures a Validator. Zero values select the defaults.
type Options struct {
	MaxMagnitude int64
	FutureSkew   time.Duration
	Now          func() time.Time
	Currencies   *Registry
}

// Validator checks candidates against the configured bounds.
type Validator struct {
	maxMagnitude int64
	futureSkew   time.Duration
	now          func() time.Time
	currencies   *Registry
}

// New creates a Validator.
func New(opts Options) *Validator {
	v := &Validator{
		maxMagnitude: opts.MaxMagnitude,
		futureSkew:   opts.FutureSkew,
		now:          opts.Now,
		currencies:   opts.Currencies,
	}
	if v.maxMagnitude <= 0 {
		v.maxMagnitude = DefaultMaxMagnitude
	}
	if v.futureSkew <= 0 {
		v.futureSkew = DefaultFutureSkew
	}
	if v.now == nil {
		v.now = time.Now
	}
	if v.currencies == nil {
		v.currencies = NewRegistry()
	}
	return v
}

// Currencies returns the registry the validator checks against.
func (v *Validator) Currencies() *Registry {
	return v.currencies
}

// Validate checks c and returns the normalized transaction content.
// The returned transaction has no status, revision or timestamps; the ledger
// assigns those. Every violated rule is reported, joined with errors.Join.
func (v *Validator) Validate(c Candidate) (schema.Transaction, error) {
	var errs []error

	id := strings.TrimSpace(c.ID)
	if id == "" {
		id = uuid.NewString()
	} else if parsed, err := uuid.Parse(id); err != nil {
		errs = append(errs, &ValidationError{Rule: ErrIDInvalid, Field: "id", Message: fmt.Sprintf("%q is not a UUID", c.ID)})
	} else {
		id = parsed.String()
	}

	switch {
	case c.AmountMinor == 0:
		errs = append(errs, &ValidationError{Rule: ErrAmountInvalid, Field: "amount", Message: "must be non-zero"})
	case c.AmountMinor > v.maxMagnitude || c.AmountMinor < -v.maxMagnitude:
		errs = append(errs, &ValidationError{Rule: ErrAmountInvalid, Field: "amount",
			Message: fmt.Sprintf("magnitude exceeds limit of %d minor units", v.maxMagnitude)})
	}

	currency := strings.ToUpper(strings.TrimSpace(c.Currency))
	if !v.currencies.Known(currency) {
		msg := fmt.Sprintf("%q is not a recognized currency code", c.Currency)
		if s := v.currencies.Suggest(currency); s != "" {
			msg += fmt.Sprintf(" (did you mean %s?)", s)
		}
		errs = append(errs, &ValidationError{Rule: ErrCurrencyUnknown, Field: "currency", Message: msg})
	}

	date := schema.NormalizeDate(c.Date)
	switch {
	case c.Date.IsZero():
		errs = append(errs, &ValidationError{Rule: ErrDateOutOfRange, Field: "date", Message: "is required"})
	case date.Before(minDate):
		errs = append(errs, &ValidationError{Rule: ErrDateOutOfRange, Field: "date", Message: "is before 1900-01-01"})
	case date.After(v.now().Add(v.futureSkew)):
		errs = append(errs, &ValidationError{Rule: ErrDateOutOfRange, Field: "date",
			Message: fmt.Sprintf("%s is in the future", date.Format(schema.DateLayout))})
	}

	category := strings.TrimSpace(c.Category)
	if category == "" {
		errs = append(errs, &ValidationError{Rule: ErrCategoryMissing, Field: "category", Message: "is required"})
	}

	if len(errs) > 0 {
		return schema.Transaction{}, errors.Join(errs...)
	}

	return schema.Transaction{
		ID:          id,
		AmountMinor: c.AmountMinor,
		Currency:    currency,
		Date:        date,
		Category:    category,
		Description: strings.TrimSpace(c.Description),
	}, nil
}

// Violations flattens err into its ValidationErrors.
func Violations(err error) []*ValidationError {
	if err == nil {
		return nil
	}
	var out []*ValidationError
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			out = append(out, Violations(e)...)
		}
		return out
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		out = append(out, ve)
	}
	return out
}

// IsValidationError reports whether err carries at least one ValidationError.
func IsValidationError(err error) bool {
	return len(Violations(err)) > 0
}

// Describe renders every violation as a bullet list for display.
func Describe(err error) string {
	vs := Violations(err)
	if len(vs) == 0 {
		if err == nil {
			return ""
		}
		return err.Error()
	}
	var b strings.Builder
	b.WriteString("Validation failed:\n")
	for _, ve := range vs {
		fmt.Fprintf(&b, "  - %s\n", ve.Error())
	}
	return b.String()
}
