package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/bookkeeper/ledgersync/internal/ledger"
	"github.com/bookkeeper/ledgersync/internal/ledger/db"
	"github.com/bookkeeper/ledgersync/internal/ledger/remote/memory"
	"github.com/bookkeeper/ledgersync/internal/ledger/sync"
	"github.com/bookkeeper/ledgersync/internal/ledger/validate"
)

// setupLedger opens a ledger backed by a temp SQLite file and an in-memory remote.
func setupLedger(t *testing.T) (*ledger.Ledger, *memory.Gateway) {
	t.Helper()

	gw := memory.New()
	l, err := ledger.Open(context.Background(), filepath.Join(t.TempDir(), "ledger.db"), ledger.Options{
		Gateway: gw,
		Logger:  zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("Failed to open ledger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l, gw
}

// startDaemon runs d in the background and stops it when the test ends.
func startDaemon(t *testing.T, d *Daemon) <-chan error {
	t.Helper()

	errCh := make(chan error, 1)
	go func() { errCh <- d.Start(context.Background()) }()
	t.Cleanup(func() { _ = d.Stop() })
	return errCh
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func entryJSON(category string) string {
	date := time.Now().AddDate(0, 0, -1).Format("2006-01-02")
	return fmt.Sprintf(`{"amount":"-7.25","currency":"USD","date":%q,"category":%q}`, date, category)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestNew(t *testing.T) {
	l, _ := setupLedger(t)

	tests := []struct {
		name     string
		schedule string
		wantErr  bool
	}{
		{name: "default schedule", schedule: ""},
		{name: "every descriptor", schedule: "@every 5m"},
		{name: "five field expression", schedule: "*/10 * * * *"},
		{name: "garbage", schedule: "whenever", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Schedule = tt.schedule
			d, err := New(l, cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && d.schedule() == "" {
				t.Error("schedule should default when empty")
			}
		})
	}

	if _, err := New(nil, DefaultConfig()); err == nil {
		t.Error("New(nil) should fail")
	}
}

func TestDaemon_SyncNowRunsCycle(t *testing.T) {
	l, gw := setupLedger(t)

	var mu gosync.Mutex
	var reports []sync.Report
	cfg := DefaultConfig()
	cfg.Schedule = "@every 1h"
	cfg.OnSync = func(r sync.Report, err error) {
		if err != nil {
			t.Errorf("cycle failed: %v", err)
		}
		mu.Lock()
		reports = append(reports, r)
		mu.Unlock()
	}

	d, err := New(l, cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	startDaemon(t, d)

	// The startup cycle finds nothing to do.
	waitFor(t, 5*time.Second, "startup cycle", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reports) >= 1
	})

	tx, err := l.Create(context.Background(), validate.Candidate{
		AmountMinor: -500,
		Currency:    "USD",
		Date:        time.Now().AddDate(0, 0, -1),
		Category:    "parking",
	})
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	waitFor(t, 5*time.Second, "transaction to reach the remote", func() bool {
		_, ok := gw.Get(tx.ID)
		return ok
	})
	waitFor(t, 5*time.Second, "local status SYNCED", func() bool {
		got, err := l.Get(context.Background(), tx.ID)
		return err == nil && got.Status == "SYNCED"
	})
}

func TestDaemon_InboxImportsFiles(t *testing.T) {
	l, gw := setupLedger(t)
	inbox := filepath.Join(t.TempDir(), "inbox")
	if err := os.MkdirAll(inbox, 0755); err != nil {
		t.Fatalf("Failed to create inbox: %v", err)
	}

	// Present before the daemon starts.
	if err := os.WriteFile(filepath.Join(inbox, "early.json"), []byte(entryJSON("groceries")), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	cfg := DefaultConfig()
	cfg.Schedule = "@every 1h"
	cfg.InboxDir = inbox
	cfg.SettleDelay = 50 * time.Millisecond
	d, err := New(l, cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	startDaemon(t, d)

	waitFor(t, 5*time.Second, "early.json processed", func() bool {
		return fileExists(filepath.Join(inbox, ProcessedDir, "early.json"))
	})

	// Arrives while running: one good line, one refused by the validator.
	batch := entryJSON("rent") + "\n" + entryJSON("") + "\n"
	if err := os.WriteFile(filepath.Join(inbox, "late.jsonl"), []byte(batch), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	waitFor(t, 5*time.Second, "late.jsonl processed", func() bool {
		return fileExists(filepath.Join(inbox, ProcessedDir, "late.jsonl"))
	})

	errFile := filepath.Join(inbox, RejectedDir, "late.jsonl.errors")
	data, err := os.ReadFile(errFile)
	if err != nil {
		t.Fatalf("Expected rejection report: %v", err)
	}
	if !strings.Contains(string(data), "record 2") {
		t.Errorf("Rejection report should name record 2, got %q", data)
	}

	waitFor(t, 5*time.Second, "imports to reach the remote", func() bool {
		return gw.Len() == 2
	})
	if fileExists(filepath.Join(inbox, "early.json")) || fileExists(filepath.Join(inbox, "late.jsonl")) {
		t.Error("Handled files should leave the inbox")
	}
}

func TestDaemon_InboxRejectsUnreadableFile(t *testing.T) {
	l, _ := setupLedger(t)
	inbox := t.TempDir()

	if err := os.WriteFile(filepath.Join(inbox, "broken.json"), []byte(`{"amount":`), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(inbox, "notes.txt"), []byte("ignored"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	cfg := DefaultConfig()
	cfg.Schedule = "@every 1h"
	cfg.InboxDir = inbox
	cfg.SettleDelay = 50 * time.Millisecond
	d, err := New(l, cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	startDaemon(t, d)

	waitFor(t, 5*time.Second, "broken.json rejected", func() bool {
		return fileExists(filepath.Join(inbox, RejectedDir, "broken.json")) &&
			fileExists(filepath.Join(inbox, RejectedDir, "broken.json.errors"))
	})
	if !fileExists(filepath.Join(inbox, "notes.txt")) {
		t.Error("Non-import files should be left alone")
	}

	counts, err := l.Counts(context.Background())
	if err != nil {
		t.Fatalf("Counts() failed: %v", err)
	}
	for status, n := range counts {
		if n != 0 {
			t.Errorf("Expected no rows, got %d %s", n, status)
		}
	}
}

func TestDaemon_StartStop(t *testing.T) {
	l, _ := setupLedger(t)

	d, err := New(l, DefaultConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- d.Start(context.Background()) }()

	waitFor(t, 5*time.Second, "daemon to run", func() bool {
		d.runMu.Lock()
		defer d.runMu.Unlock()
		return d.cancel != nil
	})

	if err := d.Start(context.Background()); err == nil {
		t.Error("Second Start() should fail while running")
	}

	if err := d.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start() returned %v after Stop()", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after Stop()")
	}

	// Stopping again is a no-op.
	if err := d.Stop(); err != nil {
		t.Errorf("second Stop() failed: %v", err)
	}
}

func TestDaemon_ContextCancelStops(t *testing.T) {
	l, _ := setupLedger(t)

	d, err := New(l, DefaultConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Start(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start() = %v, want nil on cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after cancel")
	}
}

func TestDaemon_Apply(t *testing.T) {
	l, _ := setupLedger(t)

	d, err := New(l, DefaultConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	policy := db.RetryPolicy{MaxAttempts: 9, BackoffBase: time.Second, BackoffMax: time.Minute}
	err = d.Apply(Tunables{
		Schedule:      "@every 2m",
		BatchSize:     10,
		RemoteTimeout: 3 * time.Second,
		Retry:         policy,
	})
	if err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}

	if got := l.DB().RetryPolicy(); got != policy {
		t.Errorf("RetryPolicy = %+v, want %+v", got, policy)
	}
	if got := d.schedule(); got != "@every 2m" {
		t.Errorf("schedule = %q, want %q", got, "@every 2m")
	}
	if n := len(d.cron.Entries()); n != 1 {
		t.Errorf("cron entries = %d, want 1", n)
	}

	if err := d.Apply(Tunables{Schedule: "sometimes"}); err == nil {
		t.Error("Apply() should reject an invalid schedule")
	}
	if got := d.schedule(); got != "@every 2m" {
		t.Errorf("schedule changed to %q after a rejected Apply", got)
	}
}
