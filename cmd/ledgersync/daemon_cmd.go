package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bookkeeper/ledgersync/internal/config"
	"github.com/bookkeeper/ledgersync/internal/ledger/daemon"
	"github.com/bookkeeper/ledgersync/internal/ledger/dashboard"
	"github.com/bookkeeper/ledgersync/internal/ledger/events"
	"github.com/bookkeeper/ledgersync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the background sync daemon (foreground)",
	Long: `Run the sync daemon in the foreground until interrupted.

The daemon will:
  1. Run a reconciliation cycle on sync.schedule (default every 30s)
  2. Import *.json and *.jsonl files dropped into inbox.dir
  3. Serve the status dashboard when dashboard.enabled is set
  4. Apply edits to the config file's sync settings without a restart`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		flags := cmd.Flags()

		if flags.Changed("dashboard") {
			cfg.Dashboard.Enabled, _ = flags.GetBool("dashboard")
		}
		if flags.Changed("port") {
			cfg.Dashboard.Port, _ = flags.GetInt("port")
		}
		if flags.Changed("inbox") {
			cfg.Inbox.Dir, _ = flags.GetString("inbox")
		}

		hub := events.NewHub()
		l, err := openLedger(ctx, hub)
		if err != nil {
			return err
		}
		defer l.Close()

		if l.Reconciler() == nil && cfg.Inbox.Dir == "" && !cfg.Dashboard.Enabled {
			return errors.New("nothing to do: configure remote.driver, inbox.dir or dashboard.enabled")
		}

		dcfg := daemon.DefaultConfig()
		dcfg.Schedule = cfg.Sync.Schedule
		dcfg.InboxDir = cfg.Inbox.Dir
		dcfg.Logger = log

		var server *dashboard.Server
		if cfg.Dashboard.Enabled {
			server = dashboard.NewServer(l, dashboard.Config{
				Host:   cfg.Dashboard.Host,
				Port:   cfg.Dashboard.Port,
				Logger: log,
			})
			handler := dashboard.NewHandler(server, log)
			hub.Subscribe(handler)
			dcfg.OnSync = handler.OnSyncComplete

			if counts, err := l.Counts(ctx); err == nil {
				handler.UpdateStats(counts)
			}
			if err := server.Start(); err != nil {
				return err
			}
			defer server.Stop()
		}

		d, err := daemon.New(l, dcfg)
		if err != nil {
			return err
		}

		if err := configSource.Watch(func(c *config.Config, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("ignoring invalid config change")
				return
			}
			err = d.Apply(daemon.Tunables{
				Schedule:      c.Sync.Schedule,
				BatchSize:     c.Sync.BatchSize,
				RemoteTimeout: c.Remote.Timeout,
				Retry:         c.Sync.RetryPolicy(),
			})
			if err != nil {
				log.Warn().Err(err).Msg("failed to apply config change")
				return
			}
			log.Info().Str("schedule", c.Sync.Schedule).Int("batch_size", c.Sync.BatchSize).Msg("applied config change")
		}); err != nil && !errors.Is(err, config.ErrNoConfigFile) {
			return err
		}

		fmt.Printf("%s Starting ledgersync daemon...\n", ui.RenderAccent("🚀"))
		fmt.Printf("   Ledger: %s\n", cfg.Ledger.Path)
		fmt.Printf("   Remote: %s\n", cfg.Remote.Driver)
		fmt.Printf("   Schedule: %s\n", cfg.Sync.Schedule)
		if cfg.Inbox.Dir != "" {
			fmt.Printf("   Inbox: %s\n", cfg.Inbox.Dir)
		}
		if server != nil {
			fmt.Printf("   Dashboard: http://%s (WebSocket /ws)\n", server.GetAddr())
		}
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		// Start blocks until the context is cancelled.
		if err := d.Start(ctx); err != nil {
			return fmt.Errorf("daemon stopped with error: %w", err)
		}
		fmt.Println("\nDaemon stopped")
		return nil
	},
}

func init() {
	daemonCmd.Flags().Bool("dashboard", false, "serve the status dashboard (overrides dashboard.enabled)")
	daemonCmd.Flags().IntP("port", "p", 0, "dashboard port (overrides dashboard.port)")
	daemonCmd.Flags().String("inbox", "", "directory to import transaction files from (overrides inbox.dir)")

	rootCmd.AddCommand(daemonCmd)
}
