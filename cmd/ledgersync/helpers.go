package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"

	"github.com/bookkeeper/ledgersync/internal/ledger"
	"github.com/bookkeeper/ledgersync/internal/ledger/db"
	"github.com/bookkeeper/ledgersync/internal/ledger/schema"
)

var dateParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseDate accepts YYYY-MM-DD or natural language such as "yesterday" or
// "last friday", relative to now.
func parseDate(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return schema.NormalizeDate(now), nil
	}
	if d, err := schema.ParseDate(s); err == nil {
		return d, nil
	}
	r, err := dateParser.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("invalid date %q: use YYYY-MM-DD or a phrase like \"yesterday\"", s)
	}
	return schema.NormalizeDate(r.Time), nil
}

// resolveID expands a unique id prefix, as printed in listings, to the full
// transaction id.
func resolveID(ctx context.Context, l *ledger.Ledger, arg string) (string, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return "", errors.New("transaction id required")
	}
	if _, err := l.Get(ctx, arg); err == nil {
		return arg, nil
	} else if !errors.Is(err, db.ErrNotFound) {
		return "", err
	}

	txs, err := l.List(ctx, db.ListFilter{IncludeDeleted: true})
	if err != nil {
		return "", err
	}
	var matches []string
	for _, t := range txs {
		if strings.HasPrefix(t.ID, arg) {
			matches = append(matches, t.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("transaction %s: %w", arg, db.ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("id prefix %q is ambiguous (%d matches)", arg, len(matches))
	}
}

// collect drains a ListPending iterator.
func collect(ctx context.Context, l *ledger.Ledger) ([]*schema.Transaction, error) {
	var out []*schema.Transaction
	for t, err := range l.ListPending(ctx) {
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
