// Package daemon runs the ledger's background work: scheduled and on-demand
// reconciliation, the import inbox, and hot-reloaded sync tunables.
//
// The daemon:
//  1. Runs one reconciliation cycle on start, then on every cron tick
//  2. Runs a cycle whenever the foreground calls Ledger.SyncNow
//  3. Imports *.json / *.jsonl files dropped into the inbox
//  4. Handles graceful shutdown
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	gosync "sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/bookkeeper/ledgersync/internal/ledger"
	"github.com/bookkeeper/ledgersync/internal/ledger/db"
	"github.com/bookkeeper/ledgersync/internal/ledger/migrate"
	"github.com/bookkeeper/ledgersync/internal/ledger/sync"
)

// DefaultSchedule runs a cycle every thirty seconds.
const DefaultSchedule = "@every 30s"

// Inbox subdirectories that receive handled files.
const (
	ProcessedDir = "processed"
	RejectedDir  = "rejected"
)

// Config holds configuration for the daemon.
type Config struct {
	// Schedule is a cron expression ("@every 30s", "*/5 * * * *") for periodic cycles.
	Schedule string

	// InboxDir is watched for import files. Empty disables the inbox.
	InboxDir string

	// SettleDelay is how long an inbox file must be quiet before it is read.
	// This skips half-written files.
	SettleDelay time.Duration

	// OnSync is called after every cycle, successful or not.
	OnSync func(sync.Report, error)

	// Logger for daemon activity
	Logger zerolog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Schedule:    DefaultSchedule,
		SettleDelay: 250 * time.Millisecond,
		Logger:      zerolog.Nop(),
	}
}

// Tunables are the sync settings that can change while the daemon runs.
type Tunables struct {
	Schedule      string
	BatchSize     int
	RemoteTimeout time.Duration
	Retry         db.RetryPolicy
}

// Daemon orchestrates scheduling, the inbox and reconciliation.
type Daemon struct {
	ledger *ledger.Ledger
	config Config
	log    zerolog.Logger

	cron    *cron.Cron
	entryMu gosync.Mutex
	entry   cron.EntryID
	sched   string

	pending   map[string]time.Time // inbox path -> last event
	pendingMu gosync.Mutex

	runMu  gosync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a daemon for l. Use Start to begin.
func New(l *ledger.Ledger, config Config) (*Daemon, error) {
	if l == nil {
		return nil, fmt.Errorf("ledger cannot be nil")
	}
	if config.Schedule == "" {
		config.Schedule = DefaultSchedule
	}
	if config.SettleDelay <= 0 {
		config.SettleDelay = DefaultConfig().SettleDelay
	}
	if _, err := cron.ParseStandard(config.Schedule); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", config.Schedule, err)
	}

	return &Daemon{
		ledger:  l,
		config:  config,
		log:     config.Logger.With().Str("component", "daemon").Logger(),
		cron:    cron.New(),
		sched:   config.Schedule,
		pending: make(map[string]time.Time),
	}, nil
}

// Start runs the daemon until ctx is cancelled, Stop is called, or a
// component fails. A clean shutdown returns nil.
func (d *Daemon) Start(ctx context.Context) error {
	d.runMu.Lock()
	if d.cancel != nil {
		d.runMu.Unlock()
		return fmt.Errorf("daemon already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	done := d.done
	d.runMu.Unlock()

	defer func() {
		cancel()
		close(done)
		d.runMu.Lock()
		d.cancel = nil
		d.runMu.Unlock()
	}()

	d.log.Info().Str("schedule", d.schedule()).Str("inbox", d.config.InboxDir).Msg("starting daemon")

	var watcher *FileWatcher
	if d.config.InboxDir != "" {
		var err error
		if watcher, err = d.prepareInbox(); err != nil {
			return err
		}
		defer watcher.Stop()
	}

	if err := d.scheduleCycles(d.schedule()); err != nil {
		return err
	}
	d.cron.Start()
	defer func() { <-d.cron.Stop().Done() }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.syncLoop(gctx) })
	if watcher != nil {
		g.Go(func() error { return d.inboxLoop(gctx, watcher) })
	}

	// First cycle right away so a restart drains anything queued offline.
	d.Trigger()

	err := g.Wait()
	d.log.Info().Msg("daemon stopped")
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}

// Stop gracefully shuts down a running daemon and waits for Start to return.
func (d *Daemon) Stop() error {
	d.runMu.Lock()
	cancel, done := d.cancel, d.done
	d.runMu.Unlock()
	if cancel == nil {
		return nil
	}

	d.log.Info().Msg("stopping daemon")
	cancel()
	<-done
	return nil
}

// Trigger requests a reconciliation cycle without waiting for it.
func (d *Daemon) Trigger() {
	d.ledger.SyncNow()
}

// Apply installs new tunables. The reconciler picks them up at the start of
// its next batch; a changed schedule replaces the cron entry.
func (d *Daemon) Apply(t Tunables) error {
	if t.Schedule != "" && t.Schedule != d.schedule() {
		if err := d.scheduleCycles(t.Schedule); err != nil {
			return err
		}
	}
	if rec := d.ledger.Reconciler(); rec != nil {
		rec.Tune(t.BatchSize, t.RemoteTimeout)
	}
	if t.Retry != (db.RetryPolicy{}) {
		d.ledger.DB().SetRetryPolicy(t.Retry)
	}

	d.log.Info().
		Str("schedule", d.schedule()).
		Int("batch_size", t.BatchSize).
		Dur("remote_timeout", t.RemoteTimeout).
		Int("max_attempts", t.Retry.MaxAttempts).
		Msg("applied sync settings")
	return nil
}

func (d *Daemon) schedule() string {
	d.entryMu.Lock()
	defer d.entryMu.Unlock()
	return d.sched
}

// scheduleCycles replaces the periodic cron entry.
func (d *Daemon) scheduleCycles(expr string) error {
	d.entryMu.Lock()
	defer d.entryMu.Unlock()

	id, err := d.cron.AddFunc(expr, d.Trigger)
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	if d.entry != 0 {
		d.cron.Remove(d.entry)
	}
	d.entry = id
	d.sched = expr
	return nil
}

// syncLoop runs one cycle per trigger. Triggers coalesce, so a burst of
// edits costs one cycle.
func (d *Daemon) syncLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.ledger.Triggers():
			d.runCycle(ctx)
		}
	}
}

func (d *Daemon) runCycle(ctx context.Context) {
	report, err := d.ledger.Sync(ctx)
	if d.config.OnSync != nil {
		d.config.OnSync(report, err)
	}

	switch {
	case errors.Is(err, ledger.ErrNoRemote):
		d.log.Debug().Msg("no remote configured; skipping cycle")
	case err != nil:
		d.log.Warn().Err(err).Msg("sync cycle failed")
	case report.Sent+report.Pulled+report.Resolved > 0:
		d.log.Info().
			Int("sent", report.Sent).
			Int("acked", report.Acked).
			Int("conflicts", report.Conflicts).
			Int("retrying", report.Retrying).
			Int("failed", report.Failed).
			Int("pulled", report.Pulled).
			Int("applied", report.Applied).
			Dur("duration", report.Duration).
			Bool("interrupted", report.Interrupted).
			Msg("sync cycle complete")
	default:
		d.log.Debug().Dur("duration", report.Duration).Msg("nothing to sync")
	}
}

// prepareInbox creates the inbox layout, queues files already waiting and
// starts the watcher.
func (d *Daemon) prepareInbox() (*FileWatcher, error) {
	dir := d.config.InboxDir
	for _, sub := range []string{ProcessedDir, RejectedDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("failed to create inbox directory: %w", err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read inbox: %w", err)
	}
	now := time.Now()
	for _, e := range entries {
		if _, ok := classify(e.Name()); ok && !e.IsDir() {
			d.queueFile(filepath.Join(dir, e.Name()), now.Add(-d.config.SettleDelay))
		}
	}

	watcher, err := NewFileWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Start(dir); err != nil {
		_ = watcher.Stop()
		return nil, err
	}
	return watcher, nil
}

func (d *Daemon) queueFile(path string, at time.Time) {
	d.pendingMu.Lock()
	d.pending[path] = at
	d.pendingMu.Unlock()
}

// inboxLoop debounces watcher events and imports files once they settle.
func (d *Daemon) inboxLoop(ctx context.Context, watcher *FileWatcher) error {
	ticker := time.NewTicker(d.config.SettleDelay / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-watcher.Events():
			if !ok {
				return nil
			}
			if ev.Op == OpDelete {
				d.pendingMu.Lock()
				delete(d.pending, ev.Path)
				d.pendingMu.Unlock()
				continue
			}
			d.queueFile(ev.Path, time.Now())

		case err, ok := <-watcher.Errors():
			if !ok {
				return nil
			}
			d.log.Warn().Err(err).Msg("inbox watcher error")

		case <-ticker.C:
			for _, path := range d.settled(time.Now()) {
				d.importFile(ctx, path)
			}
		}
	}
}

// settled removes and returns the queued paths that have been quiet for
// SettleDelay, oldest name first.
func (d *Daemon) settled(now time.Time) []string {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()

	var ready []string
	for path, at := range d.pending {
		if now.Sub(at) >= d.config.SettleDelay {
			ready = append(ready, path)
			delete(d.pending, path)
		}
	}
	sort.Strings(ready)
	return ready
}

// importFile imports one inbox file and moves it out of the inbox. Records
// the validator refuses are listed in rejected/<name>.errors; a file that
// yields nothing importable is moved to rejected/ whole. A storage failure
// leaves the file in place for the next event.
func (d *Daemon) importFile(ctx context.Context, path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	log := d.log.With().Str("file", filepath.Base(path)).Logger()

	read, err := migrate.ReadFile(path)
	if err != nil {
		log.Warn().Err(err).Msg("rejected inbox file")
		d.moveTo(path, RejectedDir, []string{err.Error()})
		return
	}

	res, err := d.ledger.Import(ctx, read.Candidates)
	if err != nil {
		log.Error().Err(err).Msg("import failed; will retry")
		return
	}

	var problems []string
	for _, le := range read.Errors {
		problems = append(problems, le.Error())
	}
	for _, ie := range res.Rejected {
		problems = append(problems, ie.Error())
	}

	log.Info().
		Int("created", len(res.Created)).
		Int("rejected", len(problems)).
		Msg("imported inbox file")

	if len(res.Created) == 0 && len(problems) > 0 {
		d.moveTo(path, RejectedDir, problems)
		return
	}
	d.moveTo(path, ProcessedDir, nil)
	if len(problems) > 0 {
		d.writeErrors(filepath.Join(d.config.InboxDir, RejectedDir, filepath.Base(path)+".errors"), problems)
	}
}

// moveTo moves path into the named inbox subdirectory, never overwriting an
// earlier file of the same name.
func (d *Daemon) moveTo(path, sub string, problems []string) {
	dstDir := filepath.Join(d.config.InboxDir, sub)
	dst := filepath.Join(dstDir, filepath.Base(path))
	if _, err := os.Stat(dst); err == nil {
		ext := filepath.Ext(dst)
		dst = strings.TrimSuffix(dst, ext) + "." + time.Now().UTC().Format("20060102T150405.000000000") + ext
	}
	if err := os.Rename(path, dst); err != nil {
		d.log.Error().Err(err).Str("file", path).Msg("failed to move inbox file")
		return
	}
	if len(problems) > 0 {
		d.writeErrors(dst+".errors", problems)
	}
}

func (d *Daemon) writeErrors(path string, problems []string) {
	if err := os.WriteFile(path, []byte(strings.Join(problems, "\n")+"\n"), 0644); err != nil {
		d.log.Error().Err(err).Str("file", path).Msg("failed to write import errors")
	}
}
