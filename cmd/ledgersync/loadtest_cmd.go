package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/bookkeeper/ledgersync/internal/ledger/loadtest"
	"github.com/bookkeeper/ledgersync/internal/ui"
)

var loadtestCmd = &cobra.Command{
	Use:    "loadtest",
	Hidden: true,
	Short:  "Measure edit latency while syncing against a slow remote",
	Long: `Create a throwaway ledger backed by the in-process remote, then have
several clients edit it concurrently while the reconciler drains the queue.

Local edits never wait on the network, so edit latency should stay flat as
--remote-delay grows. The run ends by draining the queue and checking that
both sides hold the same content.

Examples:
  ledgersync loadtest
  ledgersync loadtest --clients 50 --remote-delay 100ms
  ledgersync loadtest --json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		flags := cmd.Flags()

		clients, _ := flags.GetInt("clients")
		edits, _ := flags.GetInt("edits")
		txCount, _ := flags.GetInt("transactions")
		delay, _ := flags.GetDuration("remote-delay")
		jsonOutput, _ := flags.GetBool("json")

		if clients <= 0 || edits <= 0 || txCount <= 0 {
			return fmt.Errorf("--clients, --edits and --transactions must be positive")
		}
		if delay < 0 {
			return fmt.Errorf("--remote-delay must not be negative")
		}

		dir, err := os.MkdirTemp("", "ledgersync-loadtest-*")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)

		tl, err := loadtest.CreateTestLedger(ctx, filepath.Join(dir, "ledger.db"), txCount, delay)
		if err != nil {
			return err
		}
		defer tl.Close()

		start := time.Now()
		stats, report, err := tl.RunConcurrentEdits(ctx, clients, edits)
		if err != nil {
			return err
		}
		elapsed := time.Since(start)

		drained, err := tl.Drain(ctx, 10_000)
		if err != nil {
			return err
		}
		report.Add(drained)
		consistency := tl.VerifyConsistency(ctx)

		if jsonOutput {
			out := map[string]any{
				"clients":      clients,
				"edits":        stats.TotalOps,
				"errors":       stats.Errors,
				"remote_delay": delay.String(),
				"elapsed":      elapsed.String(),
				"latency": map[string]string{
					"min":  stats.Min.String(),
					"p50":  stats.P50.String(),
					"mean": stats.Mean.String(),
					"p95":  stats.P95.String(),
					"p99":  stats.P99.String(),
					"max":  stats.Max.String(),
				},
				"sync":       report,
				"consistent": consistency == nil,
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return err
			}
			return consistency
		}

		fmt.Printf("%s %d client(s) x %d edit(s) over %d transaction(s), remote delay %v\n\n",
			ui.RenderAccent("▶"), clients, edits, txCount, delay)
		fmt.Println(ui.Table([]string{"METRIC", "VALUE"}, [][]string{
			{"edits", fmt.Sprint(stats.TotalOps)},
			{"errors", fmt.Sprint(stats.Errors)},
			{"min", stats.Min.String()},
			{"p50", stats.P50.String()},
			{"mean", stats.Mean.String()},
			{"p95", stats.P95.String()},
			{"p99", stats.P99.String()},
			{"max", stats.Max.String()},
			{"throughput", fmt.Sprintf("%.0f edits/s", float64(stats.TotalOps)/elapsed.Seconds())},
			{"sent / acked", fmt.Sprintf("%d / %d", report.Sent, report.Acked)},
		}))

		if consistency != nil {
			fmt.Printf("%s %v\n", ui.RenderFail("✗"), consistency)
			return consistency
		}
		fmt.Printf("%s Local and remote agree\n", ui.RenderPass("✓"))
		return nil
	},
}

func init() {
	loadtestCmd.Flags().Int("clients", 10, "number of concurrent editing clients")
	loadtestCmd.Flags().Int("edits", 20, "edits per client")
	loadtestCmd.Flags().Int("transactions", 500, "transactions in the generated ledger")
	loadtestCmd.Flags().Duration("remote-delay", 20*time.Millisecond, "latency added to every remote call")
	loadtestCmd.Flags().Bool("json", false, "output results as JSON")

	rootCmd.AddCommand(loadtestCmd)
}
