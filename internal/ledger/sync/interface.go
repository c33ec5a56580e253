// Package sync reconciles the local ledger with the authoritative remote
// store.
//
// Push drains the sync queue: every eligible operation moves QUEUED ->
// SENDING, is applied remotely with apply-if-revision-matches, and ends as
// ACKED (row SYNCED or still PENDING behind later edits), CONFLICTED (row
// CONFLICT, both payloads stored) or ERRORED (retried with backoff, FAILED
// once the retry budget is spent or the remote rejects it permanently).
//
// Pull reads remote changes since the stored cursor and folds them into the
// ledger as SYNCED, recording a conflict instead whenever the row has local
// work the remote has not seen.
//
// Nothing leaves CONFLICT without Resolve.
package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrManualResolutionRequired is returned by a merge that would have to pick
// a winner for a protected field (amounts, currencies) or for a deletion.
var ErrManualResolutionRequired = errors.New("manual resolution required")

// ConflictError describes a conflict that automatic merging refused to
// settle. It unwraps to ErrManualResolutionRequired.
type ConflictError struct {
	TransactionID string
	Fields        []string
	Reason        string
}

func (e *ConflictError) Error() string {
	msg := fmt.Sprintf("conflict on %s", e.TransactionID)
	if len(e.Fields) > 0 {
		msg += " (" + strings.Join(e.Fields, ", ") + ")"
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *ConflictError) Unwrap() error { return ErrManualResolutionRequired }

// Variant selects how a conflict is resolved.
type Variant string

const (
	// KeepLocal re-sends the local copy against the remote revision.
	KeepLocal Variant = "local"
	// KeepRemote accepts the remote copy and discards local changes.
	KeepRemote Variant = "remote"
	// Merge combines non-overlapping field changes.
	Merge Variant = "merge"
)

// ParseVariant parses a variant name.
func ParseVariant(s string) (Variant, error) {
	switch v := Variant(strings.ToLower(strings.TrimSpace(s))); v {
	case KeepLocal, KeepRemote, Merge:
		return v, nil
	}
	return "", fmt.Errorf("unknown resolution %q (want local, remote or merge)", s)
}

// Report summarizes one push, pull or full cycle.
type Report struct {
	Sent        int // operations handed to the remote
	Acked       int
	Conflicts   int // conflicts detected by push or pull
	Retrying    int // transient failures waiting out a backoff
	Failed      int // transactions moved to FAILED
	Pulled      int // remote records read
	Applied     int // remote records written to the ledger
	Resolved    int // conflicts settled by auto-resolve
	Duration    time.Duration
	Interrupted bool // the context ended before the queue was drained
}

// Add accumulates o into r.
func (r *Report) Add(o Report) {
	r.Sent += o.Sent
	r.Acked += o.Acked
	r.Conflicts += o.Conflicts
	r.Retrying += o.Retrying
	r.Failed += o.Failed
	r.Pulled += o.Pulled
	r.Applied += o.Applied
	r.Resolved += o.Resolved
	r.Duration += o.Duration
	r.Interrupted = r.Interrupted || o.Interrupted
}

// Reconciler drives synchronization between the ledger and the remote.
//
// Push, Pull and RunOnce never run concurrently with each other; a second
// caller waits for the first to finish. Each works on one transaction at a
// time under that transaction's lock, so foreground edits of other
// transactions are never blocked.
type Reconciler interface {
	// RunOnce pushes every eligible operation and then pulls remote changes.
	//
	// Example:
	//   report, err := rec.RunOnce(ctx)
	RunOnce(ctx context.Context) (Report, error)

	// Push drains the queue in batches. Cancelling ctx stops it between
	// operations; an operation already sent is always settled first.
	Push(ctx context.Context) (Report, error)

	// Pull folds remote changes since the last cursor into the ledger.
	Pull(ctx context.Context) (Report, error)

	// Resolve settles the stored conflict of a transaction. It returns
	// db.ErrNotFound when there is no conflict and a *ConflictError when a
	// merge needs a human decision.
	Resolve(ctx context.Context, id string, v Variant) error

	// Tune changes the batch size and remote timeout; zero values keep the
	// current setting.
	Tune(batchSize int, remoteTimeout time.Duration)
}
