package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bookkeeper/ledgersync/internal/config"
	"github.com/bookkeeper/ledgersync/internal/ledger/remote/postgres"
	"github.com/bookkeeper/ledgersync/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "setup",
	Short:   "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the default settings",
	Args:  cobra.NoArgs,
	// Skip loading: the point is to create the file.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			path = os.Getenv(config.EnvPrefix + "_CONFIG")
		}
		if path == "" {
			path = config.DefaultPath()
		}
		if err := config.WriteDefault(path); err != nil {
			return err
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
		fmt.Println("   Secrets such as LEDGERSYNC_REMOTE_PASSWORD can go in a .env file next to it.")
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after applying the config file, .env and
LEDGERSYNC_* environment variables. Passwords are redacted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if f := configSource.File(); f != "" {
			fmt.Printf("# %s\n", f)
		} else {
			fmt.Println("# defaults (no config file)")
		}
		return config.Encode(os.Stdout, cfg.Redacted())
	},
}

var remoteCmd = &cobra.Command{
	Use:     "remote",
	GroupID: "setup",
	Short:   "Manage the remote store",
}

var remoteMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the remote Postgres schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Remote.Driver != config.DriverPostgres {
			return fmt.Errorf("remote.driver is %q; migrations apply to %q only", cfg.Remote.Driver, config.DriverPostgres)
		}
		url := remoteURL(cfg.Remote)
		flags := cmd.Flags()

		if show, _ := flags.GetBool("status"); show {
			version, dirty, err := postgres.SchemaVersion(url)
			if err != nil {
				return err
			}
			fmt.Printf("Schema version: %d", version)
			if dirty {
				fmt.Printf(" %s", ui.RenderFail("(dirty: a migration failed half way)"))
			}
			fmt.Println()
			return nil
		}

		if down, _ := flags.GetBool("down"); down {
			if err := postgres.MigrateDown(url); err != nil {
				return err
			}
			fmt.Printf("%s Reverted remote schema\n", ui.RenderWarn("⚠"))
			return nil
		}

		if err := postgres.Migrate(url); err != nil {
			return err
		}
		fmt.Printf("%s Remote schema is up to date\n", ui.RenderPass("✓"))
		return nil
	},
}

func init() {
	remoteMigrateCmd.Flags().Bool("down", false, "revert every migration (drops the remote tables)")
	remoteMigrateCmd.Flags().Bool("status", false, "print the applied schema version")

	configCmd.AddCommand(configInitCmd, configShowCmd)
	remoteCmd.AddCommand(remoteMigrateCmd)
	rootCmd.AddCommand(configCmd, remoteCmd)
}
