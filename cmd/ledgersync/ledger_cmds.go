package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/bookkeeper/ledgersync/internal/ledger"
	"github.com/bookkeeper/ledgersync/internal/ledger/schema"
	"github.com/bookkeeper/ledgersync/internal/ledger/validate"
	"github.com/bookkeeper/ledgersync/internal/ui"
)

var addCmd = &cobra.Command{
	Use:     "add",
	GroupID: "ledger",
	Short:   "Record a new transaction",
	Long: `Record a new transaction in the local ledger.

The transaction is validated and committed locally as PENDING, then queued
for upload. Nothing here touches the network.

Examples:
  ledgersync add --amount -4.20 --currency EUR --category coffee
  ledgersync add --amount 1200 --currency USD --category salary --date "last friday"`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		flags := cmd.Flags()

		amount, _ := flags.GetString("amount")
		currency, _ := flags.GetString("currency")
		dateArg, _ := flags.GetString("date")
		category, _ := flags.GetString("category")
		description, _ := flags.GetString("description")
		id, _ := flags.GetString("id")

		minor, err := schema.ParseAmount(amount, currency)
		if err != nil {
			return err
		}
		date, err := parseDate(dateArg, time.Now())
		if err != nil {
			return err
		}

		l, err := openLedger(ctx, nil)
		if err != nil {
			return err
		}
		defer l.Close()

		t, err := l.Create(ctx, validate.Candidate{
			ID:          id,
			AmountMinor: minor,
			Currency:    currency,
			Date:        date,
			Category:    category,
			Description: description,
		})
		if err != nil {
			return err
		}

		fmt.Printf("%s Recorded %s %s (%s)\n", ui.RenderPass("✓"),
			schema.FormatAmount(t.AmountMinor, t.Currency), t.Category, t.ID)
		return nil
	},
}

var editCmd = &cobra.Command{
	Use:     "edit <id>",
	GroupID: "ledger",
	Short:   "Change fields of a transaction",
	Long: `Change one or more fields of a transaction. Only the flags you pass are
changed; the edit is validated as a whole and queued for upload.

Editing a transaction in CONFLICT changes the local side of the conflict;
it stays in CONFLICT until resolved.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		flags := cmd.Flags()

		l, err := openLedger(ctx, nil)
		if err != nil {
			return err
		}
		defer l.Close()

		id, err := resolveID(ctx, l, args[0])
		if err != nil {
			return err
		}
		current, err := l.Get(ctx, id)
		if err != nil {
			return err
		}

		var e ledger.Edit
		currency := current.Currency
		if flags.Changed("currency") {
			currency, _ = flags.GetString("currency")
			e.Currency = &currency
		}
		if flags.Changed("amount") {
			amount, _ := flags.GetString("amount")
			minor, err := schema.ParseAmount(amount, currency)
			if err != nil {
				return err
			}
			e.AmountMinor = &minor
		}
		if flags.Changed("date") {
			dateArg, _ := flags.GetString("date")
			date, err := parseDate(dateArg, time.Now())
			if err != nil {
				return err
			}
			e.Date = &date
		}
		if flags.Changed("category") {
			category, _ := flags.GetString("category")
			e.Category = &category
		}
		if flags.Changed("description") {
			description, _ := flags.GetString("description")
			e.Description = &description
		}
		if e == (ledger.Edit{}) {
			return fmt.Errorf("nothing to change; pass at least one of --amount, --currency, --date, --category, --description")
		}

		t, err := l.Edit(ctx, id, e)
		if err != nil {
			return err
		}
		fmt.Printf("%s Updated %s (revision %d, %s)\n", ui.RenderPass("✓"), t.ID, t.Revision, ui.RenderStatus(t.Status))
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete <id>",
	GroupID: "ledger",
	Short:   "Delete a transaction",
	Long: `Delete a transaction. The row is kept as a soft delete until the remote
confirms; a transaction that never left this device is removed at once.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		l, err := openLedger(ctx, nil)
		if err != nil {
			return err
		}
		defer l.Close()

		id, err := resolveID(ctx, l, args[0])
		if err != nil {
			return err
		}
		if err := l.Delete(ctx, id); err != nil {
			return err
		}
		fmt.Printf("%s Deleted %s\n", ui.RenderPass("✓"), id)
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:     "show <id>",
	GroupID: "ledger",
	Short:   "Show one transaction",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		l, err := openLedger(ctx, nil)
		if err != nil {
			return err
		}
		defer l.Close()

		id, err := resolveID(ctx, l, args[0])
		if err != nil {
			return err
		}
		t, err := l.Get(ctx, id)
		if err != nil {
			return err
		}
		ui.PrintTransaction(os.Stdout, t)

		if t.Status == schema.StatusConflict {
			c, err := l.Conflict(ctx, id)
			if err != nil {
				return err
			}
			fmt.Println()
			fmt.Print(ui.ConflictView(c))
			fmt.Printf("\nResolve with 'ledgersync resolve %s --use local|remote|merge'\n", id)
		}
		return nil
	},
}

func addContentFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("amount", "a", "", "amount in major units, negative for spending (e.g. -12.50)")
	cmd.Flags().StringP("currency", "c", "", "ISO 4217 currency code")
	cmd.Flags().StringP("date", "d", "", `date as YYYY-MM-DD or a phrase like "yesterday" (default today)`)
	cmd.Flags().StringP("category", "k", "", "category")
	cmd.Flags().StringP("description", "m", "", "free-form description")
}

func init() {
	addContentFlags(addCmd)
	addCmd.Flags().String("id", "", "transaction id (UUID); generated when empty")
	_ = addCmd.MarkFlagRequired("amount")
	_ = addCmd.MarkFlagRequired("currency")
	_ = addCmd.MarkFlagRequired("category")

	addContentFlags(editCmd)

	rootCmd.AddCommand(addCmd, editCmd, deleteCmd, showCmd)
}
