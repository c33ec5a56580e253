package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bookkeeper/ledgersync/internal/ledger/db"
	"github.com/bookkeeper/ledgersync/internal/ledger/schema"
	"github.com/bookkeeper/ledgersync/internal/ui"
)

var listCmd = &cobra.Command{
	Use:     "list",
	GroupID: "ledger",
	Short:   "List transactions",
	Long: `List transactions, newest date first.

Examples:
  ledgersync list
  ledgersync list --status CONFLICT
  ledgersync list --category coffee --limit 20`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		flags := cmd.Flags()

		statusArg, _ := flags.GetString("status")
		category, _ := flags.GetString("category")
		limit, _ := flags.GetInt("limit")
		all, _ := flags.GetBool("all")

		filter := db.ListFilter{Category: category, Limit: limit, IncludeDeleted: all}
		if statusArg != "" {
			status, err := schema.ParseStatus(statusArg)
			if err != nil {
				return err
			}
			filter.Status = status
		}

		l, err := openLedger(ctx, nil)
		if err != nil {
			return err
		}
		defer l.Close()

		txs, err := l.List(ctx, filter)
		if err != nil {
			return err
		}
		if len(txs) == 0 {
			fmt.Println("No transactions.")
			return nil
		}
		fmt.Println(ui.TransactionTable(txs))
		return nil
	},
}

var pendingCmd = &cobra.Command{
	Use:     "pending",
	GroupID: "sync",
	Short:   "List transactions waiting for upload, oldest first",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		l, err := openLedger(ctx, nil)
		if err != nil {
			return err
		}
		defer l.Close()

		txs, err := collect(ctx, l)
		if err != nil {
			return err
		}
		if len(txs) == 0 {
			fmt.Printf("%s Nothing pending\n", ui.RenderPass("✓"))
			return nil
		}
		fmt.Println(ui.TransactionTable(txs))
		return nil
	},
}

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	GroupID: "sync",
	Short:   "Show transactions whose local and remote versions disagree",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		l, err := openLedger(ctx, nil)
		if err != nil {
			return err
		}
		defer l.Close()

		conflicts, err := l.ListConflicts(ctx)
		if err != nil {
			return err
		}
		if len(conflicts) == 0 {
			fmt.Printf("%s No conflicts\n", ui.RenderPass("✓"))
			return nil
		}
		for _, c := range conflicts {
			fmt.Println(ui.ConflictView(c))
		}
		fmt.Printf("%d conflict(s). Resolve with 'ledgersync resolve <id>'.\n", len(conflicts))
		return nil
	},
}

var failedCmd = &cobra.Command{
	Use:     "failed",
	GroupID: "sync",
	Short:   "List transactions the remote refused or that ran out of retries",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		l, err := openLedger(ctx, nil)
		if err != nil {
			return err
		}
		defer l.Close()

		txs, err := l.ListFailed(ctx)
		if err != nil {
			return err
		}
		if len(txs) == 0 {
			fmt.Printf("%s No failed transactions\n", ui.RenderPass("✓"))
			return nil
		}
		rows := make([][]string, 0, len(txs))
		for _, t := range txs {
			rows = append(rows, []string{t.ID, t.Category, schema.FormatAmount(t.AmountMinor, t.Currency), t.LastError})
		}
		fmt.Println(ui.Table([]string{"ID", "CATEGORY", "AMOUNT", "LAST ERROR"}, rows))
		fmt.Println("Re-queue with 'ledgersync retry <id>'.")
		return nil
	},
}

var auditCmd = &cobra.Command{
	Use:     "audit [id]",
	GroupID: "sync",
	Short:   "Show the audit trail of superseded versions and resolutions",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		l, err := openLedger(ctx, nil)
		if err != nil {
			return err
		}
		defer l.Close()

		var entries []db.AuditEntry
		if len(args) == 1 {
			id, err := resolveID(ctx, l, args[0])
			if err != nil {
				// Hard-deleted transactions keep their audit trail.
				id = args[0]
			}
			entries, err = l.Audit(ctx, id)
			if err != nil {
				return err
			}
		} else {
			entries, err = l.DB().ListAudit(ctx, "")
			if err != nil {
				return err
			}
		}

		if len(entries) == 0 {
			fmt.Println("No audit entries.")
			return nil
		}
		rows := make([][]string, 0, len(entries))
		for _, e := range entries {
			rows = append(rows, []string{
				e.At.Local().Format("2006-01-02 15:04:05"),
				e.TransactionID,
				e.Action,
				e.Detail,
			})
		}
		fmt.Println(ui.Table([]string{"AT", "TRANSACTION", "ACTION", "DETAIL"}, rows))
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show ledger and sync status",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		l, err := openLedger(ctx, nil)
		if err != nil {
			return err
		}
		defer l.Close()

		counts, err := l.Counts(ctx)
		if err != nil {
			return err
		}
		queued, err := l.DB().QueueLen(ctx)
		if err != nil {
			return err
		}
		cursor, err := l.DB().Cursor(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("\n%s Ledger Status\n\n", ui.RenderAccent("📊"))
		fmt.Printf("Ledger: %s\n", cfg.Ledger.Path)
		fmt.Printf("Remote: %s\n", cfg.Remote.Driver)
		fmt.Printf("Queued operations: %d\n", queued)
		fmt.Printf("Pull cursor: %d\n\n", cursor)

		rows := make([][]string, 0, len(schema.AllStatuses))
		total := 0
		for _, s := range schema.AllStatuses {
			rows = append(rows, []string{ui.RenderStatus(s), fmt.Sprint(counts[s])})
			total += counts[s]
		}
		rows = append(rows, []string{"TOTAL", fmt.Sprint(total)})
		fmt.Println(ui.Table([]string{"STATUS", "COUNT"}, rows))

		if counts[schema.StatusConflict] > 0 {
			fmt.Fprintf(os.Stdout, "%s %d conflict(s) need resolution\n", ui.RenderWarn("⚠"), counts[schema.StatusConflict])
		}
		if counts[schema.StatusFailed] > 0 {
			fmt.Fprintf(os.Stdout, "%s %d transaction(s) failed\n", ui.RenderFail("✗"), counts[schema.StatusFailed])
		}
		return nil
	},
}

func init() {
	listCmd.Flags().StringP("status", "s", "", "only this status (PENDING, SYNCING, SYNCED, CONFLICT, FAILED)")
	listCmd.Flags().String("category", "", "only this category")
	listCmd.Flags().IntP("limit", "n", 0, "maximum rows (0 = all)")
	listCmd.Flags().Bool("all", false, "include deleted transactions waiting for the remote")

	rootCmd.AddCommand(listCmd, pendingCmd, conflictsCmd, failedCmd, auditCmd, statusCmd)
}
