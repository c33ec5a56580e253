package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/bookkeeper/ledgersync/internal/ledger"
	"github.com/bookkeeper/ledgersync/internal/ledger/db"
	"github.com/bookkeeper/ledgersync/internal/ledger/migrate"
	"github.com/bookkeeper/ledgersync/internal/ui"
)

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "ledger",
	Short:   "Import transactions from a .json or .jsonl file",
	Long: `Import transactions from a single-transaction .json file or a .jsonl file
with one transaction per line (the format written by 'ledgersync export').

Every record is validated; invalid records and ids already in the ledger
are reported and skipped. Imported transactions are queued for upload.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		rr, err := migrate.ReadFile(args[0])
		if err != nil {
			return err
		}

		l, err := openLedger(ctx, nil)
		if err != nil {
			return err
		}
		defer l.Close()

		res, err := l.Import(ctx, rr.Candidates)
		if err != nil {
			return err
		}

		fmt.Printf("%s Imported %d transaction(s) from %s\n", ui.RenderPass("✓"), len(res.Created), args[0])
		printImportProblems(os.Stdout, rr.Errors, res.Rejected)
		if len(res.Created) == 0 && (len(rr.Errors) > 0 || len(res.Rejected) > 0) {
			return fmt.Errorf("nothing imported from %s", args[0])
		}
		return nil
	},
}

func printImportProblems(w io.Writer, lineErrs []migrate.LineError, rejected []ledger.ImportError) {
	n := len(lineErrs) + len(rejected)
	if n == 0 {
		return
	}
	fmt.Fprintf(w, "%s Skipped %d record(s):\n", ui.RenderWarn("⚠"), n)
	for _, e := range lineErrs {
		fmt.Fprintf(w, "   %s\n", e.Error())
	}
	for _, e := range rejected {
		fmt.Fprintf(w, "   %s\n", e.Error())
	}
}

var exportCmd = &cobra.Command{
	Use:     "export",
	GroupID: "ledger",
	Short:   "Export the ledger, conflicts or audit trail",
	Long: `Export data from the local ledger.

  --what ledger     transactions as JSONL (re-importable)
  --what conflicts  open conflicts with both versions as YAML
  --what audit      the audit trail as YAML

Examples:
  ledgersync export -o backup.jsonl
  ledgersync export --what conflicts`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		flags := cmd.Flags()

		what, _ := flags.GetString("what")
		format, _ := flags.GetString("format")
		output, _ := flags.GetString("output")
		backup, _ := flags.GetBool("backup")

		want := "yaml"
		if what == "ledger" {
			want = "jsonl"
		}
		switch what {
		case "ledger", "conflicts", "audit":
		default:
			return fmt.Errorf("unknown --what %q (want ledger, conflicts or audit)", what)
		}
		if format == "" {
			format = want
		}
		if format != want {
			return fmt.Errorf("--what %s exports as %s, not %s", what, want, format)
		}

		l, err := openLedger(ctx, nil)
		if err != nil {
			return err
		}
		defer l.Close()

		if output != "" && backup {
			if _, err := os.Stat(output); err == nil {
				saved, err := migrate.BackupFile(output, time.Now())
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "Backed up %s to %s\n", output, saved)
			}
		}

		switch what {
		case "ledger":
			txs, err := l.List(ctx, db.ListFilter{})
			if err != nil {
				return err
			}
			if output != "" {
				n, err := migrate.WriteJSONLFile(output, txs)
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "%s Exported %d transaction(s) to %s\n", ui.RenderPass("✓"), n, output)
				return nil
			}
			_, err = migrate.ExportJSONL(os.Stdout, txs)
			return err

		case "conflicts":
			conflicts, err := l.ListConflicts(ctx)
			if err != nil {
				return err
			}
			return writeOutput(output, func(w io.Writer) error {
				return migrate.ExportConflictsYAML(w, conflicts)
			})

		default:
			entries, err := l.Audit(ctx, "")
			if err != nil {
				return err
			}
			return writeOutput(output, func(w io.Writer) error {
				return migrate.ExportAuditYAML(w, entries)
			})
		}
	},
}

// writeOutput sends fn's output to path, or stdout when path is empty.
func writeOutput(path string, fn func(io.Writer) error) error {
	if path == "" {
		return fn(os.Stdout)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := fn(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func init() {
	exportCmd.Flags().String("what", "ledger", "what to export: ledger, conflicts or audit")
	exportCmd.Flags().String("format", "", "jsonl (ledger) or yaml (conflicts, audit); defaults by --what")
	exportCmd.Flags().StringP("output", "o", "", "write to a file instead of stdout")
	exportCmd.Flags().Bool("backup", false, "back up an existing output file before overwriting it")

	rootCmd.AddCommand(importCmd, exportCmd)
}
