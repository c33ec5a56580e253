package ledger

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/bookkeeper/ledgersync/internal/ledger/db"
	"github.com/bookkeeper/ledgersync/internal/ledger/remote/memory"
	"github.com/bookkeeper/ledgersync/internal/ledger/schema"
	"github.com/bookkeeper/ledgersync/internal/ledger/sync"
	"github.com/bookkeeper/ledgersync/internal/ledger/validate"
)

func openLedger(t *testing.T) (*Ledger, *memory.Gateway) {
	t.Helper()
	gw := memory.New()
	l, err := Open(context.Background(), filepath.Join(t.TempDir(), "ledger.db"), Options{
		Gateway: gw,
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, gw
}

func candidate() validate.Candidate {
	return validate.Candidate{
		AmountMinor: -2350,
		Currency:    "usd",
		Date:        time.Now().AddDate(0, 0, -1),
		Category:    " dining ",
		Description: "pho",
	}
}

func ptr[T any](v T) *T { return &v }

func syncOnce(t *testing.T, l *Ledger) sync.Report {
	t.Helper()
	report, err := l.Sync(context.Background())
	require.NoError(t, err)
	return report
}

func TestCreate_RoundTrip(t *testing.T) {
	l, _ := openLedger(t)
	ctx := context.Background()

	c := candidate()
	created, err := l.Create(ctx, c)
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	got, err := l.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, c.AmountMinor, got.AmountMinor)
	require.Equal(t, "USD", got.Currency)
	require.Equal(t, "dining", got.Category)
	require.Equal(t, "pho", got.Description)
	require.True(t, schema.NormalizeDate(c.Date).Equal(got.Date))
	require.Equal(t, int64(0), got.Revision)
	require.Equal(t, schema.StatusPending, got.Status)

	_, err = l.Create(ctx, validate.FromTransaction(got))
	require.ErrorIs(t, err, ErrExists)
}

func TestCreate_InvalidCandidateIsNotStored(t *testing.T) {
	l, _ := openLedger(t)
	ctx := context.Background()

	c := candidate()
	c.AmountMinor = 0
	c.Currency = "XXY"
	_, err := l.Create(ctx, c)
	require.ErrorIs(t, err, validate.ErrAmountInvalid)
	require.ErrorIs(t, err, validate.ErrCurrencyUnknown)

	counts, err := l.Counts(ctx)
	require.NoError(t, err)
	for status, n := range counts {
		require.Zero(t, n, status)
	}
}

func TestEdit_RevisionCountsEdits(t *testing.T) {
	l, _ := openLedger(t)
	ctx := context.Background()

	tx, err := l.Create(ctx, candidate())
	require.NoError(t, err)

	const n = 5
	for i := 1; i <= n; i++ {
		got, err := l.Edit(ctx, tx.ID, Edit{AmountMinor: ptr(int64(-1000 * i))})
		require.NoError(t, err)
		require.Equal(t, int64(i), got.Revision)
	}

	// A no-op edit changes nothing.
	got, err := l.Edit(ctx, tx.ID, Edit{Category: ptr("dining")})
	require.NoError(t, err)
	require.Equal(t, int64(n), got.Revision)

	ops, err := l.DB().ListOperations(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, ops, n+1)
}

func TestEdit_InvalidLeavesRowUntouched(t *testing.T) {
	l, _ := openLedger(t)
	ctx := context.Background()

	tx, err := l.Create(ctx, candidate())
	require.NoError(t, err)

	_, err = l.Edit(ctx, tx.ID, Edit{Category: ptr("  ")})
	require.ErrorIs(t, err, validate.ErrCategoryMissing)

	got, err := l.Get(ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, "dining", got.Category)
	require.Equal(t, int64(0), got.Revision)
}

func TestEdit_SyncedGoesBackToPending(t *testing.T) {
	l, gw := openLedger(t)
	ctx := context.Background()

	tx, err := l.Create(ctx, candidate())
	require.NoError(t, err)
	syncOnce(t, l)

	got, err := l.Edit(ctx, tx.ID, Edit{Description: ptr("pho ga")})
	require.NoError(t, err)
	require.Equal(t, schema.StatusPending, got.Status)

	var pending []string
	for p, err := range l.ListPending(ctx) {
		require.NoError(t, err)
		pending = append(pending, p.ID)
	}
	require.Equal(t, []string{tx.ID}, pending)

	syncOnce(t, l)
	rec, _ := gw.Get(tx.ID)
	require.Equal(t, "pho ga", rec.Payload.Description)
}

func TestDelete_NeverSentIsPurged(t *testing.T) {
	l, gw := openLedger(t)
	ctx := context.Background()

	tx, err := l.Create(ctx, candidate())
	require.NoError(t, err)
	require.NoError(t, l.Delete(ctx, tx.ID))

	_, err = l.Get(ctx, tx.ID)
	require.ErrorIs(t, err, db.ErrNotFound)

	audit, err := l.Audit(ctx, tx.ID)
	require.NoError(t, err)
	require.NotEmpty(t, audit)
	require.Equal(t, db.AuditPurged, audit[len(audit)-1].Action)

	syncOnce(t, l)
	require.Zero(t, gw.Calls())
}

func TestDelete_OfflineDeleteOfSyncedIsConfirmedThenRemoved(t *testing.T) {
	l, gw := openLedger(t)
	ctx := context.Background()

	tx, err := l.Create(ctx, candidate())
	require.NoError(t, err)
	syncOnce(t, l)

	require.NoError(t, l.Delete(ctx, tx.ID))
	got, err := l.Get(ctx, tx.ID)
	require.NoError(t, err)
	require.True(t, got.Deleted)
	require.Equal(t, schema.StatusPending, got.Status)

	err = l.Delete(ctx, tx.ID)
	require.ErrorIs(t, err, ErrDeleted)
	_, err = l.Edit(ctx, tx.ID, Edit{Description: ptr("x")})
	require.ErrorIs(t, err, ErrDeleted)

	syncOnce(t, l)
	_, err = l.Get(ctx, tx.ID)
	require.ErrorIs(t, err, db.ErrNotFound)

	rec, ok := gw.Get(tx.ID)
	require.True(t, ok)
	require.True(t, rec.Deleted)
}

func TestRetry_FailedTransaction(t *testing.T) {
	l, gw := openLedger(t)
	ctx := context.Background()

	tx, err := l.Create(ctx, candidate())
	require.NoError(t, err)

	gw.FailFatalNext(1)
	report := syncOnce(t, l)
	require.Equal(t, 1, report.Failed)

	failed, err := l.ListFailed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, tx.ID, failed[0].ID)

	got, err := l.Retry(ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, schema.StatusPending, got.Status)
	require.Empty(t, got.LastError)

	ops, err := l.DB().ListOperations(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, schema.OpCreate, ops[0].Kind)
	require.Zero(t, ops[0].Attempts)

	syncOnce(t, l)
	got, err = l.Get(ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, schema.StatusSynced, got.Status)

	_, err = l.Retry(ctx, tx.ID)
	require.ErrorIs(t, err, ErrNotFailed)
}

func TestResolveConflict(t *testing.T) {
	l, gw := openLedger(t)
	ctx := context.Background()

	tx, err := l.Create(ctx, candidate())
	require.NoError(t, err)
	syncOnce(t, l)

	rec, _ := gw.Get(tx.ID)
	theirs := rec.Payload
	theirs.Description = "theirs"
	gw.Put(theirs)

	_, err = l.Edit(ctx, tx.ID, Edit{Description: ptr("ours")})
	require.NoError(t, err)
	report := syncOnce(t, l)
	require.Equal(t, 1, report.Conflicts)

	conflicts, err := l.ListConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	require.Equal(t, "ours", conflicts[0].Local.Description)
	require.Equal(t, "theirs", conflicts[0].Remote.Description)

	// Editing during a conflict keeps the conflict.
	got, err := l.Edit(ctx, tx.ID, Edit{Description: ptr("ours, fixed")})
	require.NoError(t, err)
	require.Equal(t, schema.StatusConflict, got.Status)
	n, err := l.DB().QueueLen(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	require.NoError(t, l.ResolveConflict(ctx, tx.ID, sync.KeepLocal))
	syncOnce(t, l)

	got, err = l.Get(ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, schema.StatusSynced, got.Status)
	rec, _ = gw.Get(tx.ID)
	require.Equal(t, "ours, fixed", rec.Payload.Description)

	err = l.ResolveConflict(ctx, tx.ID, sync.KeepLocal)
	require.ErrorIs(t, err, ErrNotInConflict)
}

func TestResolveConflict_SyncedRevisionMatchesRemote(t *testing.T) {
	tests := []struct {
		name    string
		variant sync.Variant
		want    string
	}{
		{"keep local", sync.KeepLocal, "edit 4"},
		{"keep remote", sync.KeepRemote, "theirs"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, gw := openLedger(t)
			ctx := context.Background()

			tx, err := l.Create(ctx, candidate())
			require.NoError(t, err)
			syncOnce(t, l)

			// Offline edits take the local revision well past the remote one.
			for i := 1; i <= 4; i++ {
				_, err := l.Edit(ctx, tx.ID, Edit{Description: ptr(fmt.Sprintf("edit %d", i))})
				require.NoError(t, err)
			}
			rec, _ := gw.Get(tx.ID)
			theirs := rec.Payload
			theirs.Description = "theirs"
			gw.Put(theirs)

			require.Equal(t, 1, syncOnce(t, l).Conflicts)
			require.NoError(t, l.ResolveConflict(ctx, tx.ID, tt.variant))
			syncOnce(t, l)

			got, err := l.Get(ctx, tx.ID)
			require.NoError(t, err)
			rec, _ = gw.Get(tx.ID)
			require.Equal(t, schema.StatusSynced, got.Status)
			require.Equal(t, rec.Revision, got.Revision)
			require.Equal(t, rec.Revision, got.RemoteRevision)
			require.Greater(t, got.Revision, int64(5))
			require.Equal(t, tt.want, got.Description)
			require.Equal(t, tt.want, rec.Payload.Description)
		})
	}
}

func TestSyncNow_NeverBlocks(t *testing.T) {
	l, _ := openLedger(t)
	for i := 0; i < 10; i++ {
		l.SyncNow()
	}
	select {
	case <-l.Triggers():
	default:
		t.Fatal("expected a pending trigger")
	}
	select {
	case <-l.Triggers():
		t.Fatal("triggers must coalesce")
	default:
	}
}

func TestImport_SkipsInvalidCandidates(t *testing.T) {
	l, _ := openLedger(t)
	ctx := context.Background()

	bad := candidate()
	bad.Category = ""
	res, err := l.Import(ctx, []validate.Candidate{candidate(), bad, candidate()})
	require.NoError(t, err)
	require.Len(t, res.Created, 2)
	require.Len(t, res.Rejected, 1)
	require.Equal(t, 1, res.Rejected[0].Index)
	require.ErrorIs(t, res.Rejected[0].Err, validate.ErrCategoryMissing)
}

func TestNew_WithoutRemote(t *testing.T) {
	store, err := db.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	l := New(store, Options{})
	t.Cleanup(func() { l.Close() })

	_, err = l.Create(context.Background(), candidate())
	require.NoError(t, err)

	_, err = l.Sync(context.Background())
	require.ErrorIs(t, err, ErrNoRemote)
	require.ErrorIs(t, l.ResolveConflict(context.Background(), "x", sync.Merge), ErrNoRemote)
	require.Nil(t, l.Reconciler())
}
