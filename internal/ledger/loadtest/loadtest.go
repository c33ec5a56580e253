// Package loadtest drives a ledger the way several busy clients would and
// measures foreground latency while the reconciler drains the queue against
// a slow remote.
//
// The foreground path (validate, commit, enqueue) must never wait on the
// network: with a remote that takes tens of milliseconds per call, edit
// latency should stay at local SQLite speed. After a run, Drain and
// VerifyConsistency check that every transaction converged to SYNCED with
// the remote holding the same content.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"slices"
	gosync "sync"
	"time"

	"github.com/bookkeeper/ledgersync/internal/ledger"
	"github.com/bookkeeper/ledgersync/internal/ledger/db"
	"github.com/bookkeeper/ledgersync/internal/ledger/remote/memory"
	"github.com/bookkeeper/ledgersync/internal/ledger/schema"
	"github.com/bookkeeper/ledgersync/internal/ledger/sync"
	"github.com/bookkeeper/ledgersync/internal/ledger/validate"
)

// TestLedger is a populated ledger backed by an in-process remote.
type TestLedger struct {
	Ledger  *ledger.Ledger
	Gateway *memory.Gateway
	IDs     []string
}

// LatencyStats captures foreground latency of a run.
type LatencyStats struct {
	Min      time.Duration
	Max      time.Duration
	Mean     time.Duration
	P50      time.Duration // Median
	P95      time.Duration
	P99      time.Duration
	TotalOps int
	Errors   int
}

// CreateTestLedger opens a ledger at dbPath and records n transactions.
// remoteDelay is added to every remote call.
func CreateTestLedger(ctx context.Context, dbPath string, n int, remoteDelay time.Duration) (*TestLedger, error) {
	gw := memory.New()
	gw.SetDelay(remoteDelay)

	l, err := ledger.Open(ctx, dbPath, ledger.Options{Gateway: gw})
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	tl := &TestLedger{Ledger: l, Gateway: gw, IDs: make([]string, 0, n)}
	for _, c := range generateCandidates(n, time.Now()) {
		t, err := l.Create(ctx, c)
		if err != nil {
			_ = l.Close()
			return nil, fmt.Errorf("failed to create transaction: %w", err)
		}
		tl.IDs = append(tl.IDs, t.ID)
	}
	return tl, nil
}

// Close closes the ledger and its gateway.
func (tl *TestLedger) Close() error {
	return tl.Ledger.Close()
}

// generateCandidates creates n valid transactions spread over the last 90
// days. The distribution is deterministic.
func generateCandidates(n int, now time.Time) []validate.Candidate {
	rng := rand.New(rand.NewSource(42))
	categories := []string{"groceries", "rent", "coffee", "transport", "salary", "utilities"}
	currencies := []string{"EUR", "EUR", "EUR", "USD", "GBP", "JPY"}

	out := make([]validate.Candidate, n)
	for i := range out {
		category := categories[i%len(categories)]
		amount := -int64(100 + rng.Intn(20_000))
		if category == "salary" {
			amount = 250_000 + int64(rng.Intn(50_000))
		}
		out[i] = validate.Candidate{
			AmountMinor: amount,
			Currency:    currencies[rng.Intn(len(currencies))],
			Date:        schema.NormalizeDate(now.AddDate(0, 0, -rng.Intn(90))),
			Category:    category,
			Description: fmt.Sprintf("load test %d", i),
		}
	}
	return out
}

// RunConcurrentEdits simulates clients editing random transactions while
// the reconciler runs back to back in the background. Each client performs
// editsPerClient edits; the latency of every Edit call is recorded.
func (tl *TestLedger) RunConcurrentEdits(ctx context.Context, clients, editsPerClient int) (*LatencyStats, sync.Report, error) {
	if len(tl.IDs) == 0 {
		return nil, sync.Report{}, errors.New("no transactions to edit")
	}

	syncCtx, stopSync := context.WithCancel(ctx)
	defer stopSync()

	var report sync.Report
	var syncErr error
	syncDone := make(chan struct{})
	go func() {
		defer close(syncDone)
		for syncCtx.Err() == nil {
			r, err := tl.Ledger.Sync(syncCtx)
			report.Add(r)
			if err != nil && syncCtx.Err() == nil {
				syncErr = err
				return
			}
			if r.Sent == 0 {
				// Idle: don't spin on an empty queue.
				select {
				case <-syncCtx.Done():
				case <-time.After(2 * time.Millisecond):
				}
			}
		}
	}()

	var wg gosync.WaitGroup
	results := make(chan []time.Duration, clients)
	errs := make(chan error, clients*editsPerClient)

	for c := 0; c < clients; c++ {
		wg.Add(1)
		go func(client int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(client) + 1))
			durations := make([]time.Duration, 0, editsPerClient)

			for j := 0; j < editsPerClient; j++ {
				id := tl.IDs[rng.Intn(len(tl.IDs))]
				description := fmt.Sprintf("client %d edit %d", client, j)

				start := time.Now()
				_, err := tl.Ledger.Edit(ctx, id, ledger.Edit{Description: &description})
				durations = append(durations, time.Since(start))
				if err != nil {
					errs <- fmt.Errorf("client %d edit %d on %s: %w", client, j, id, err)
				}
			}
			results <- durations
		}(c)
	}

	wg.Wait()
	close(results)
	close(errs)

	stopSync()
	<-syncDone

	var all []time.Duration
	for d := range results {
		all = append(all, d...)
	}
	stats := computeLatencyStats(all)
	for range errs {
		stats.Errors++
	}
	return stats, report, syncErr
}

// Drain runs reconciliation cycles until the queue is empty or maxCycles
// have run.
func (tl *TestLedger) Drain(ctx context.Context, maxCycles int) (sync.Report, error) {
	var total sync.Report
	for i := 0; i < maxCycles; i++ {
		n, err := tl.Ledger.DB().QueueLen(ctx)
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
		r, err := tl.Ledger.Sync(ctx)
		total.Add(r)
		if err != nil {
			return total, err
		}
	}
	return total, fmt.Errorf("queue not drained after %d cycles", maxCycles)
}

// VerifyConsistency checks that every local transaction is SYNCED at the
// revision the remote holds, with identical content.
func (tl *TestLedger) VerifyConsistency(ctx context.Context) error {
	txs, err := tl.Ledger.List(ctx, db.ListFilter{IncludeDeleted: true})
	if err != nil {
		return err
	}
	if len(txs) != tl.Gateway.Len() {
		return fmt.Errorf("local has %d transactions, remote has %d", len(txs), tl.Gateway.Len())
	}
	for _, t := range txs {
		if t.Status != schema.StatusSynced {
			return fmt.Errorf("transaction %s is %s, want %s", t.ID, t.Status, schema.StatusSynced)
		}
		rec, ok := tl.Gateway.Get(t.ID)
		if !ok {
			return fmt.Errorf("transaction %s missing remotely", t.ID)
		}
		if rec.Revision != t.RemoteRevision {
			return fmt.Errorf("transaction %s: local remote_revision %d, remote revision %d", t.ID, t.RemoteRevision, rec.Revision)
		}
		if rec.Revision != t.Revision {
			return fmt.Errorf("transaction %s: local revision %d, remote revision %d", t.ID, t.Revision, rec.Revision)
		}
		local := t.Payload()
		if !local.Equal(rec.Payload) {
			return fmt.Errorf("transaction %s: content differs (%v)", t.ID, local.ChangedFields(rec.Payload))
		}
	}
	return nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := slices.Clone(durations)
	slices.Sort(sorted)

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return &LatencyStats{
		Min:      sorted[0],
		Max:      sorted[len(sorted)-1],
		Mean:     sum / time.Duration(len(sorted)),
		P50:      sorted[len(sorted)*50/100],
		P95:      sorted[len(sorted)*95/100],
		P99:      sorted[len(sorted)*99/100],
		TotalOps: len(sorted),
	}
}

// PrintStats formats latency statistics.
func (s *LatencyStats) PrintStats(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Total Edits:   %d\n", s.TotalOps)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
