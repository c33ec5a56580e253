package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bookkeeper/ledgersync/internal/ledger/db"
	"github.com/bookkeeper/ledgersync/internal/ledger/schema"
)

// Pull implements Reconciler.Pull.
func (r *reconciler) Pull(ctx context.Context) (Report, error) {
	r.run.Lock()
	defer r.run.Unlock()

	start := time.Now()
	report, err := r.pull(ctx)
	report.Duration = time.Since(start)
	return report, err
}

func (r *reconciler) pull(ctx context.Context) (Report, error) {
	var report Report

	cursor, err := r.db.Cursor(ctx)
	if err != nil {
		return report, err
	}

	for {
		if ctx.Err() != nil {
			report.Interrupted = true
			return report, nil
		}

		_, timeout := r.tunables()
		fetchCtx, cancel := context.WithTimeout(ctx, timeout)
		records, err := r.gateway.FetchSince(fetchCtx, cursor, r.pullLimit)
		cancel()
		if err != nil {
			return report, fmt.Errorf("failed to fetch remote changes: %w", err)
		}

		for _, rec := range records {
			if ctx.Err() != nil {
				report.Interrupted = true
				return report, nil
			}
			report.Pulled++
			if err := r.fold(context.WithoutCancel(ctx), rec, &report); err != nil {
				return report, err
			}
			cursor = rec.Seq
			if err := r.db.SetCursor(ctx, cursor); err != nil {
				return report, err
			}
		}

		if len(records) < r.pullLimit {
			return report, nil
		}
	}
}

// fold merges one remote record into the ledger under the record's lock.
func (r *reconciler) fold(ctx context.Context, rec schema.RemoteRecord, report *Report) error {
	unlock := r.locks.Lock(rec.ID)
	defer unlock()

	if rec.Payload.ID == "" {
		rec.Payload.ID = rec.ID
	}

	t, err := r.db.Get(ctx, rec.ID)
	if errors.Is(err, db.ErrNotFound) {
		if rec.Deleted {
			return nil
		}
		stored, err := r.db.ApplyRemote(ctx, rec)
		if err != nil {
			return err
		}
		report.Applied++
		r.emit(rec.ID, "", schema.StatusSynced, stored.Revision, "", "pulled")
		return nil
	}
	if err != nil {
		return err
	}

	// Our own acknowledged writes come back here; so do stale copies.
	if rec.Revision <= t.RemoteRevision {
		return nil
	}

	switch t.Status {
	case schema.StatusSynced:
		stored, err := r.db.ApplyRemote(ctx, rec)
		if err != nil {
			return err
		}
		report.Applied++
		if stored == nil {
			r.emit(rec.ID, t.Status, "", rec.Revision, "", "deleted remotely")
		} else {
			r.emit(rec.ID, t.Status, schema.StatusSynced, stored.Revision, "", "pulled")
		}
		return nil

	case schema.StatusConflict:
		// Keep the stored conflict current with the newest remote copy.
		stored, err := r.db.GetConflict(ctx, t.ID)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return err
		}
		if stored != nil && stored.RemoteRevision >= rec.Revision {
			return nil
		}

	default:
		// An in-flight mutation whose response was lost shows up with our
		// own content, possibly behind later local edits; the resend is
		// deduplicated by op id.
		local := t.Payload()
		if local.Deleted == rec.Deleted && local.Equal(rec.Payload) {
			return nil
		}
		own, err := r.queuedWrite(ctx, rec)
		if err != nil {
			return err
		}
		if own {
			return nil
		}
	}

	remotePayload := rec.Payload
	remotePayload.ID = rec.ID
	c := db.Conflict{
		TransactionID:  t.ID,
		Local:          t.Payload(),
		LocalRevision:  t.Revision,
		Remote:         remotePayload,
		RemoteRevision: rec.Revision,
		RemoteDeleted:  rec.Deleted,
		Reason:         fmt.Sprintf("remote revision %d changed while local revision %d was %s", rec.Revision, t.Revision, t.Status),
		DetectedAt:     r.now().UTC(),
	}
	return r.recordConflict(ctx, c, "", report)
}

// queuedWrite reports whether rec carries the content of one of the
// transaction's own queued operations.
func (r *reconciler) queuedWrite(ctx context.Context, rec schema.RemoteRecord) (bool, error) {
	ops, err := r.db.ListOperations(ctx, rec.ID)
	if err != nil {
		return false, err
	}
	for _, op := range ops {
		deleted := op.Kind == schema.OpDelete || op.Payload.Deleted
		if deleted != rec.Deleted {
			continue
		}
		if deleted || op.Payload.Equal(rec.Payload) {
			return true, nil
		}
	}
	return false, nil
}
