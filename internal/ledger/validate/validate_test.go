package validate

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC)

func newTestValidator() *Validator {
	return New(Options{
		MaxMagnitude: 1_000_000,
		FutureSkew:   24 * time.Hour,
		Now:          func() time.Time { return fixedNow },
	})
}

func validCandidate() Candidate {
	return Candidate{
		AmountMinor: 1000,
		Currency:    " usd ",
		Date:        time.Date(2026, 10, 16, 18, 0, 0, 0, time.UTC),
		Category:    "  food ",
		Description: " lunch ",
	}
}

func TestValidate_Normalizes(t *testing.T) {
	v := newTestValidator()

	tx, err := v.Validate(validCandidate())
	require.NoError(t, err)

	assert.NotEmpty(t, tx.ID, "id should be assigned")
	assert.Equal(t, int64(1000), tx.AmountMinor)
	assert.Equal(t, "USD", tx.Currency)
	assert.Equal(t, "food", tx.Category)
	assert.Equal(t, "lunch", tx.Description)
	assert.Equal(t, time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC), tx.Date)
}

func TestValidate_KeepsGivenID(t *testing.T) {
	v := newTestValidator()
	c := validCandidate()
	c.ID = "5D0F8A3E-2F7C-4D65-9A51-5F6D9C1B8E21"

	tx, err := v.Validate(c)
	require.NoError(t, err)
	assert.Equal(t, "5d0f8a3e-2f7c-4d65-9a51-5f6d9c1b8e21", tx.ID)
}

func TestValidate_Rules(t *testing.T) {
	v := newTestValidator()

	tests := []struct {
		name   string
		mutate func(*Candidate)
		rule   error
	}{
		{"zero amount", func(c *Candidate) { c.AmountMinor = 0 }, ErrAmountInvalid},
		{"amount above bound", func(c *Candidate) { c.AmountMinor = 1_000_001 }, ErrAmountInvalid},
		{"amount below negative bound", func(c *Candidate) { c.AmountMinor = -1_000_001 }, ErrAmountInvalid},
		{"unknown currency", func(c *Candidate) { c.Currency = "ABC" }, ErrCurrencyUnknown},
		{"lowercase garbage currency", func(c *Candidate) { c.Currency = "dollars" }, ErrCurrencyUnknown},
		{"missing date", func(c *Candidate) { c.Date = time.Time{} }, ErrDateOutOfRange},
		{"date beyond skew", func(c *Candidate) { c.Date = fixedNow.AddDate(0, 0, 3) }, ErrDateOutOfRange},
		{"ancient date", func(c *Candidate) { c.Date = time.Date(1899, 12, 31, 0, 0, 0, 0, time.UTC) }, ErrDateOutOfRange},
		{"blank category", func(c *Candidate) { c.Category = "   " }, ErrCategoryMissing},
		{"malformed id", func(c *Candidate) { c.ID = "not-a-uuid" }, ErrIDInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validCandidate()
			tt.mutate(&c)

			_, err := v.Validate(c)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.rule)
			assert.Len(t, Violations(err), 1)
		})
	}
}

func TestValidate_BoundaryAccepted(t *testing.T) {
	v := newTestValidator()

	c := validCandidate()
	c.AmountMinor = -1_000_000
	c.Date = fixedNow.Add(24 * time.Hour) // tomorrow, inside the skew
	_, err := v.Validate(c)
	require.NoError(t, err)
}

func TestValidate_ReportsEveryViolation(t *testing.T) {
	v := newTestValidator()

	_, err := v.Validate(Candidate{Currency: "ZZZ"})
	require.Error(t, err)

	for _, rule := range []error{ErrAmountInvalid, ErrCurrencyUnknown, ErrDateOutOfRange, ErrCategoryMissing} {
		assert.True(t, errors.Is(err, rule), "missing %v", rule)
	}
	assert.Len(t, Violations(err), 4)
	assert.True(t, IsValidationError(err))
	assert.Contains(t, Describe(err), "  - category: is required")
}

func TestValidate_SuggestsCurrency(t *testing.T) {
	v := newTestValidator()
	c := validCandidate()
	c.Currency = "USDD"

	_, err := v.Validate(c)
	require.ErrorIs(t, err, ErrCurrencyUnknown)
	assert.Contains(t, err.Error(), "did you mean USD?")
}

func TestRegistry_AddAndLoadTOML(t *testing.T) {
	r := NewRegistry()
	assert.False(t, r.Known("XBT"))

	path := filepath.Join(t.TempDir(), "currencies.toml")
	require.NoError(t, os.WriteFile(path, []byte(`currencies = ["xbt", "XAU"]`), 0644))
	require.NoError(t, r.LoadTOML(path))

	assert.True(t, r.Known("XBT"))
	assert.True(t, r.Known("XAU"))

	assert.Error(t, r.Add("TOOLONG"))
	assert.Error(t, r.LoadTOML(filepath.Join(t.TempDir(), "missing.toml")))
}

func TestIsValidationError_OtherErrors(t *testing.T) {
	assert.False(t, IsValidationError(errors.New("disk full")))
	assert.False(t, IsValidationError(nil))
	assert.Equal(t, "disk full", Describe(errors.New("disk full")))
}
