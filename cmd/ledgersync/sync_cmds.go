package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/bookkeeper/ledgersync/internal/ledger"
	"github.com/bookkeeper/ledgersync/internal/ledger/db"
	"github.com/bookkeeper/ledgersync/internal/ledger/sync"
	"github.com/bookkeeper/ledgersync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one reconciliation cycle now",
	Long: `Upload queued operations to the remote, then pull remote changes.

Transient failures are retried on later cycles with exponential backoff.
Conflicts are recorded and left for 'ledgersync resolve'.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		l, err := openLedger(ctx, nil)
		if err != nil {
			return err
		}
		defer l.Close()

		if l.Reconciler() == nil {
			return fmt.Errorf("%w: set remote.driver in %s", ledger.ErrNoRemote, configFileName())
		}

		fmt.Printf("%s Syncing with %s remote...\n", ui.RenderAccent("🔄"), cfg.Remote.Driver)
		report, err := l.Sync(ctx)
		printReport(report)
		if err != nil {
			return err
		}
		return nil
	},
}

func printReport(r sync.Report) {
	fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), r.Duration.Round(time.Millisecond))
	fmt.Printf("   Sent: %d, acknowledged: %d\n", r.Sent, r.Acked)
	fmt.Printf("   Pulled: %d, applied: %d\n", r.Pulled, r.Applied)
	if r.Conflicts > 0 {
		fmt.Printf("   %s Conflicts: %d (resolved automatically: %d)\n", ui.RenderWarn("⚠"), r.Conflicts, r.Resolved)
	}
	if r.Retrying > 0 {
		fmt.Printf("   %s Retrying later: %d\n", ui.RenderWarn("⚠"), r.Retrying)
	}
	if r.Failed > 0 {
		fmt.Printf("   %s Failed: %d\n", ui.RenderFail("✗"), r.Failed)
	}
	if r.Interrupted {
		fmt.Printf("   %s Interrupted before the queue was drained\n", ui.RenderWarn("⚠"))
	}
}

func configFileName() string {
	if f := configSource.File(); f != "" {
		return f
	}
	return "the config file"
}

var retryCmd = &cobra.Command{
	Use:     "retry <id>",
	GroupID: "sync",
	Short:   "Re-queue a FAILED transaction",
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
		t, err := l.Retry(ctx, id)
		if err != nil {
			return err
		}
		fmt.Printf("%s Re-queued %s (%s)\n", ui.RenderPass("✓"), t.ID, ui.RenderStatus(t.Status))
		return nil
	},
}

var resolveCmd = &cobra.Command{
	Use:     "resolve <id>",
	GroupID: "sync",
	Short:   "Resolve a conflict",
	Long: `Resolve a conflict between the local and remote versions of a transaction.

  local   keep the local version and upload it over the remote one
  remote  accept the remote version and drop the local edit
  merge   combine non-overlapping field changes; overlapping fields take
          the later edit, except protected fields (amount and currency by
          default), which need local or remote

Superseded versions are kept in the audit trail. Without --use, an
interactive prompt is shown when running in a terminal.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		use, _ := cmd.Flags().GetString("use")

		l, err := openLedger(ctx, nil)
		if err != nil {
			return err
		}
		defer l.Close()

		id, err := resolveID(ctx, l, args[0])
		if err != nil {
			return err
		}
		c, err := l.Conflict(ctx, id)
		if err != nil {
			return err
		}

		if use == "" {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				return errors.New("--use is required when not running in a terminal")
			}
			fmt.Print(ui.ConflictView(c))
			if use, err = promptVariant(); err != nil {
				return err
			}
		}
		v, err := sync.ParseVariant(use)
		if err != nil {
			return err
		}

		if err := l.ResolveConflict(ctx, id, v); err != nil {
			if errors.Is(err, sync.ErrManualResolutionRequired) {
				return fmt.Errorf("%w; choose --use local or --use remote", err)
			}
			return err
		}

		t, err := l.Get(ctx, id)
		switch {
		case errors.Is(err, db.ErrNotFound):
			fmt.Printf("%s Accepted remote delete of %s\n", ui.RenderPass("✓"), id)
		case err != nil:
			return err
		default:
			fmt.Printf("%s Resolved %s with %s (%s)\n", ui.RenderPass("✓"), id, v, ui.RenderStatus(t.Status))
		}
		return nil
	},
}

func promptVariant() (string, error) {
	var choice string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("How should this conflict be resolved?").
				Options(
					huh.NewOption("Keep local version", string(sync.KeepLocal)),
					huh.NewOption("Accept remote version", string(sync.KeepRemote)),
					huh.NewOption("Merge field by field", string(sync.Merge)),
				).
				Value(&choice),
		),
	)
	if err := form.Run(); err != nil {
		return "", fmt.Errorf("prompt cancelled: %w", err)
	}
	return choice, nil
}

func init() {
	resolveCmd.Flags().String("use", "", "resolution: local, remote or merge")

	rootCmd.AddCommand(syncCmd, retryCmd, resolveCmd)
}
