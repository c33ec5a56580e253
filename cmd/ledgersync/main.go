// Command ledgersync records transactions in a local ledger and keeps them
// in sync with an authoritative remote store.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/bookkeeper/ledgersync/internal/config"
	"github.com/bookkeeper/ledgersync/internal/ledger"
	"github.com/bookkeeper/ledgersync/internal/ledger/events"
	"github.com/bookkeeper/ledgersync/internal/ledger/remote"
	"github.com/bookkeeper/ledgersync/internal/ledger/remote/memory"
	"github.com/bookkeeper/ledgersync/internal/ledger/remote/postgres"
	"github.com/bookkeeper/ledgersync/internal/ledger/sync"
	"github.com/bookkeeper/ledgersync/internal/ledger/validate"
	"github.com/bookkeeper/ledgersync/internal/logger"
	"github.com/bookkeeper/ledgersync/internal/ui"
)

var (
	configPath string
	noColor    bool

	// Set by the root command's PersistentPreRunE.
	configSource *config.Source
	cfg          *config.Config
	log          zerolog.Logger
	logCloser    io.Closer = io.NopCloser(nil)
)

var rootCmd = &cobra.Command{
	Use:   "ledgersync",
	Short: "Local transaction ledger with background sync to a remote store",
	Long: `ledgersync keeps a local ledger of financial transactions and synchronizes
it with a single authoritative remote database.

Edits are validated and committed locally first, then queued for upload.
The reconciler drains the queue whenever you run 'ledgersync sync' or while
'ledgersync daemon' is running. Conflicting edits are kept aside until you
resolve them with 'ledgersync resolve'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if noColor {
			ui.DisableColor()
		} else {
			ui.Init(os.Stdout)
		}

		src, err := config.Open(configPath)
		if err != nil {
			return err
		}
		configSource = src
		cfg = src.Config()

		log, logCloser, err = logger.New(cfg.Log.Options())
		if err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logCloser.Close()
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "ledger", Title: "Ledger Commands:"},
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "setup", Title: "Setup Commands:"},
	)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $XDG_CONFIG_HOME/ledgersync/config.toml)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", describe(err))
		cancel()
		os.Exit(1)
	}
}

// describe renders validation failures as a bullet list.
func describe(err error) string {
	if validate.IsValidationError(err) {
		return validate.Describe(err)
	}
	return err.Error()
}

// openGateway connects to the configured remote. It returns nil for the
// "none" driver.
func openGateway(ctx context.Context, c config.RemoteConfig) (remote.Gateway, error) {
	switch c.Driver {
	case config.DriverMemory:
		return memory.New(), nil
	case config.DriverPostgres:
		gw, err := postgres.Open(ctx, postgres.Config{URL: remoteURL(c), MaxConns: c.MaxConns})
		if err != nil {
			return nil, err
		}
		return gw, nil
	default:
		return nil, nil
	}
}

func remoteURL(c config.RemoteConfig) string {
	if c.URL != "" {
		return c.URL
	}
	return postgres.BuildURL(c.Host, c.Port, c.Database, c.User, c.Password, c.SSLMode)
}

// newValidator builds a validator from the validation settings.
func newValidator(c config.ValidationConfig) (*validate.Validator, error) {
	registry := validate.NewRegistry()
	if err := registry.Add(c.ExtraCurrencies...); err != nil {
		return nil, err
	}
	for _, path := range c.CurrencyFiles {
		if err := registry.LoadTOML(path); err != nil {
			return nil, err
		}
	}
	return validate.New(validate.Options{
		MaxMagnitude: c.MaxAmountMinor,
		FutureSkew:   c.FutureSkew,
		Currencies:   registry,
	}), nil
}

// syncOptions maps the sync and conflict settings onto the reconciler.
func syncOptions(c *config.Config) sync.Options {
	return sync.Options{
		BatchSize:       c.Sync.BatchSize,
		RemoteTimeout:   c.Remote.Timeout,
		PullLimit:       c.Sync.PullLimit,
		AutoResolve:     c.Conflict.AutoResolve,
		ProtectedFields: c.Conflict.ProtectedFields,
	}
}

// openLedger opens the configured ledger. Transitions go to the log and to
// hub, which callers may subscribe more sinks to.
func openLedger(ctx context.Context, hub *events.Hub) (*ledger.Ledger, error) {
	v, err := newValidator(cfg.Validation)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Ledger.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create ledger dir: %w", err)
	}

	gw, err := openGateway(ctx, cfg.Remote)
	if err != nil {
		return nil, err
	}

	if hub == nil {
		hub = events.NewHub()
	}
	hub.Subscribe(events.NewLogSink(log))

	l, err := ledger.Open(ctx, cfg.Ledger.Path, ledger.Options{
		Validator: v,
		Gateway:   gw,
		Sync:      syncOptions(cfg),
		Sink:      hub,
		Logger:    log,
	})
	if err != nil {
		if gw != nil {
			_ = gw.Close()
		}
		return nil, err
	}
	l.DB().SetRetryPolicy(cfg.Sync.RetryPolicy())
	return l, nil
}
