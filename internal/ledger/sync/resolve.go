package sync

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/bookkeeper/ledgersync/internal/ledger/db"
	"github.com/bookkeeper/ledgersync/internal/ledger/schema"
)

// Resolve implements Reconciler.Resolve.
func (r *reconciler) Resolve(ctx context.Context, id string, v Variant) error {
	unlock := r.locks.Lock(id)
	defer unlock()
	return r.resolveLocked(ctx, id, v)
}

func (r *reconciler) resolveLocked(ctx context.Context, id string, v Variant) error {
	c, err := r.db.GetConflict(ctx, id)
	if err != nil {
		return err
	}
	t, err := r.db.Get(ctx, id)
	if err != nil {
		return err
	}

	remotePayload := c.Remote
	remotePayload.ID = id
	remotePayload.Deleted = c.RemoteDeleted
	local := t.Payload()

	switch v {
	case KeepRemote:
		return r.acceptRemote(ctx, t, c, remotePayload, []db.AuditEntry{
			{Action: db.AuditLocalDiscarded, Detail: fmt.Sprintf("local revision %d replaced by remote revision %d", t.Revision, c.RemoteRevision), Payload: &local},
			{Action: db.AuditConflictResolved, Detail: "kept remote"},
		})

	case KeepLocal:
		return r.sendLocal(ctx, t, c, local, []db.AuditEntry{
			{Action: db.AuditRemoteDiscarded, Detail: fmt.Sprintf("remote revision %d overwritten by local revision %d", c.RemoteRevision, t.Revision), Payload: &remotePayload},
			{Action: db.AuditConflictResolved, Detail: "kept local"},
		})

	case Merge:
		res, err := MergePayloads(c.Base, local, remotePayload, r.protected)
		if err != nil {
			if ce, ok := err.(*ConflictError); ok {
				ce.TransactionID = id
			}
			return err
		}

		var audit []db.AuditEntry
		for _, loss := range res.Losses {
			loser := local
			if loss.Side == "remote" {
				loser = remotePayload
			}
			audit = append(audit, db.AuditEntry{Action: db.AuditMergeLoser, Detail: loss.String(), Payload: &loser})
		}

		merged := res.Payload
		merged.ID = id
		if merged.Equal(remotePayload) {
			audit = append(audit, db.AuditEntry{Action: db.AuditConflictResolved, Detail: "merged: remote already holds the result"})
			return r.acceptRemote(ctx, t, c, remotePayload, audit)
		}
		audit = append(audit, db.AuditEntry{
			Action: db.AuditConflictResolved,
			Detail: fmt.Sprintf("merged: %d local field(s) over remote revision %d", len(res.FromLocal), c.RemoteRevision),
		})
		return r.sendLocal(ctx, t, c, merged, audit)
	}
	return fmt.Errorf("unknown resolution %q", v)
}

// acceptRemote makes the remote copy the local state. When local edits
// have already taken the revision past the remote one, the remote content
// is sent back unchanged so the remote revision catches up.
func (r *reconciler) acceptRemote(ctx context.Context, t *schema.Transaction, c *db.Conflict, remotePayload schema.Payload, audit []db.AuditEntry) error {
	if !c.RemoteDeleted && t.Revision > c.RemoteRevision {
		return r.sendLocal(ctx, t, c, remotePayload, audit)
	}

	res := db.Resolution{TransactionID: t.ID, Audit: audit}

	if !c.RemoteDeleted {
		nt := t.Clone()
		nt.ApplyPayload(remotePayload)
		nt.Deleted = false
		nt.RemoteRevision = c.RemoteRevision
		nt.Revision = c.RemoteRevision
		nt.Status = schema.StatusSynced
		nt.LastError = ""
		res.Transaction = nt
		res.Base = &remotePayload
	}

	if err := r.db.CommitResolution(ctx, res); err != nil {
		return fmt.Errorf("failed to resolve conflict on %s: %w", t.ID, err)
	}
	if res.Transaction == nil {
		r.emit(t.ID, schema.StatusConflict, "", c.RemoteRevision, "", "resolved: deleted remotely")
	} else {
		r.emit(t.ID, schema.StatusConflict, schema.StatusSynced, res.Transaction.Revision, "", "resolved")
	}
	return nil
}

// sendLocal stores p as the local state and queues it against the remote
// revision recorded in the conflict.
func (r *reconciler) sendLocal(ctx context.Context, t *schema.Transaction, c *db.Conflict, p schema.Payload, audit []db.AuditEntry) error {
	res := db.Resolution{TransactionID: t.ID, Audit: audit}

	// Deleted on both sides: nothing left to send.
	if p.Deleted && c.RemoteDeleted {
		if err := r.db.CommitResolution(ctx, res); err != nil {
			return fmt.Errorf("failed to resolve conflict on %s: %w", t.ID, err)
		}
		r.emit(t.ID, schema.StatusConflict, "", t.Revision, "", "resolved: deleted on both sides")
		return nil
	}

	now := r.now().UTC()
	nt := t.Clone()
	nt.ApplyPayload(p)
	nt.UpdatedAt = now
	nt.Revision = t.Revision + 1
	nt.RemoteRevision = c.RemoteRevision
	nt.Status = schema.StatusPending
	nt.LastError = ""

	kind := schema.OpUpdate
	switch {
	case nt.Deleted:
		kind = schema.OpDelete
	case c.RemoteRevision == 0:
		kind = schema.OpCreate
	}

	res.Transaction = nt
	res.Op = &schema.SyncOperation{
		OpID:          uuid.NewString(),
		TransactionID: t.ID,
		Kind:          kind,
		Revision:      nt.Revision,
		BaseRevision:  c.RemoteRevision,
		Payload:       nt.Payload(),
		EnqueuedAt:    now,
	}
	if !c.RemoteDeleted {
		base := c.Remote
		base.ID = t.ID
		res.Base = &base
	}

	if err := r.db.CommitResolution(ctx, res); err != nil {
		return fmt.Errorf("failed to resolve conflict on %s: %w", t.ID, err)
	}
	r.emit(t.ID, schema.StatusConflict, schema.StatusPending, nt.Revision, res.Op.OpID, "resolved")
	return nil
}
