// Package ui renders CLI output: status badges, tables and conflict diffs.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/muesli/termenv"

	"github.com/bookkeeper/ledgersync/internal/ledger/db"
	"github.com/bookkeeper/ledgersync/internal/ledger/schema"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#89b4fa")).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#a6e3a1"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#fab387"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#f38ba8"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#7f849c"))
	headerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#cdd6f4")).Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

// Init picks the color profile for out. NO_COLOR and non-terminals get
// plain text.
func Init(out *os.File) {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	lipgloss.SetColorProfile(termenv.NewOutput(out).EnvColorProfile())
}

// DisableColor forces plain output.
func DisableColor() {
	lipgloss.SetColorProfile(termenv.Ascii)
}

func RenderAccent(s string) string { return accentStyle.Render(s) }
func RenderPass(s string) string   { return passStyle.Render(s) }
func RenderWarn(s string) string   { return warnStyle.Render(s) }
func RenderFail(s string) string   { return failStyle.Render(s) }
func RenderMuted(s string) string  { return mutedStyle.Render(s) }

// RenderStatus colors a sync status.
func RenderStatus(s schema.Status) string {
	switch s {
	case schema.StatusSynced:
		return passStyle.Render(string(s))
	case schema.StatusPending, schema.StatusSyncing:
		return warnStyle.Render(string(s))
	case schema.StatusConflict, schema.StatusFailed:
		return failStyle.Render(string(s))
	default:
		return string(s)
	}
}

// Table renders rows under headers with a rounded border.
func Table(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(mutedStyle).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Render()
}

// TransactionTable renders transactions one per row.
func TransactionTable(txs []*schema.Transaction) string {
	rows := make([][]string, 0, len(txs))
	for _, t := range txs {
		rows = append(rows, []string{
			shortID(t.ID),
			t.Date.Format(schema.DateLayout),
			schema.FormatAmount(t.AmountMinor, t.Currency),
			t.Category,
			truncate(t.Description, 32),
			RenderStatus(t.Status),
			fmt.Sprint(t.Revision),
		})
	}
	return Table([]string{"ID", "DATE", "AMOUNT", "CATEGORY", "DESCRIPTION", "STATUS", "REV"}, rows)
}

// PrintTransaction writes a detailed view of one transaction.
func PrintTransaction(w io.Writer, t *schema.Transaction) {
	fmt.Fprintf(w, "%s %s\n\n", RenderAccent("Transaction"), t.ID)
	fmt.Fprintf(w, "  Amount:       %s\n", schema.FormatAmount(t.AmountMinor, t.Currency))
	fmt.Fprintf(w, "  Date:         %s\n", t.Date.Format(schema.DateLayout))
	fmt.Fprintf(w, "  Category:     %s\n", t.Category)
	if t.Description != "" {
		fmt.Fprintf(w, "  Description:  %s\n", t.Description)
	}
	fmt.Fprintf(w, "  Status:       %s\n", RenderStatus(t.Status))
	fmt.Fprintf(w, "  Revision:     %d (remote %d)\n", t.Revision, t.RemoteRevision)
	if t.Deleted {
		fmt.Fprintf(w, "  %s\n", RenderWarn("deleted locally, waiting for the remote"))
	}
	if t.LastError != "" {
		fmt.Fprintf(w, "  Last error:   %s\n", RenderFail(t.LastError))
	}
}

// ConflictView renders the local and remote sides of a conflict field by
// field, marking the fields that differ.
func ConflictView(c *db.Conflict) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s (local rev %d, remote rev %d)\n\n",
		RenderFail("Conflict"), c.TransactionID, c.LocalRevision, c.RemoteRevision)

	changed := make(map[string]bool)
	for _, f := range c.Local.ChangedFields(c.Remote) {
		changed[f] = true
	}

	rows := make([][]string, 0, len(schema.PayloadFields))
	for _, f := range schema.PayloadFields {
		local, remote := truncate(c.Local.FieldValue(f), 32), truncate(c.Remote.FieldValue(f), 32)
		mark := ""
		if changed[f] {
			mark = RenderWarn("*")
		}
		rows = append(rows, []string{f, local, remote, mark})
	}
	b.WriteString(Table([]string{"FIELD", "LOCAL", "REMOTE", ""}, rows))
	b.WriteString("\n")
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
