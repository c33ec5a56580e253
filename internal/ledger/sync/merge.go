package sync

import (
	"fmt"
	"slices"

	"github.com/bookkeeper/ledgersync/internal/ledger/schema"
)

// FieldLoss is one field value discarded by a merge.
type FieldLoss struct {
	Field     string
	Side      string // "local" or "remote"
	Discarded string
	Kept      string
}

// MergeResult is the outcome of MergePayloads.
type MergeResult struct {
	Payload schema.Payload
	// FromLocal lists fields taken from the local side.
	FromLocal []string
	Losses    []FieldLoss
}

// MergePayloads combines local and remote edits of the same transaction.
//
// Fields changed on only one side since base are taken from that side.
// Fields changed on both sides to different values go to the side with the
// later UpdatedAt (remote on a tie); the losing value is reported in Losses.
// Without a base every differing field counts as changed on both sides.
//
// The merge refuses, with a *ConflictError, when a protected field would
// have to pick a winner or when exactly one side deleted the transaction.
func MergePayloads(base *schema.Payload, local, remote schema.Payload, protected map[string]bool) (MergeResult, error) {
	if local.Deleted != remote.Deleted {
		return MergeResult{}, &ConflictError{
			TransactionID: local.ID,
			Fields:        []string{schema.FieldDeleted},
			Reason:        "deleted on one side and edited on the other",
		}
	}
	if local.Deleted {
		return MergeResult{Payload: remote}, nil
	}

	var localChanged, remoteChanged []string
	if base == nil {
		localChanged = local.ChangedFields(remote)
		remoteChanged = localChanged
	} else {
		localChanged = local.ChangedFields(*base)
		remoteChanged = remote.ChangedFields(*base)
	}

	var overlap, locked []string
	for _, f := range localChanged {
		if !slices.Contains(remoteChanged, f) || local.FieldValue(f) == remote.FieldValue(f) {
			continue
		}
		overlap = append(overlap, f)
		if protected[f] {
			locked = append(locked, f)
		}
	}
	if len(locked) > 0 {
		return MergeResult{}, &ConflictError{
			TransactionID: local.ID,
			Fields:        locked,
			Reason:        "protected fields changed on both sides",
		}
	}

	localWins := local.UpdatedAt.After(remote.UpdatedAt)
	res := MergeResult{Payload: remote}
	for _, f := range localChanged {
		if slices.Contains(overlap, f) {
			loss := FieldLoss{Field: f, Side: "remote", Discarded: remote.FieldValue(f), Kept: local.FieldValue(f)}
			if !localWins {
				loss = FieldLoss{Field: f, Side: "local", Discarded: local.FieldValue(f), Kept: remote.FieldValue(f)}
				res.Losses = append(res.Losses, loss)
				continue
			}
			res.Losses = append(res.Losses, loss)
		}
		res.Payload.CopyField(f, local)
		res.FromLocal = append(res.FromLocal, f)
	}
	if localWins {
		res.Payload.UpdatedAt = local.UpdatedAt
	}
	return res, nil
}

func (l FieldLoss) String() string {
	return fmt.Sprintf("%s: kept %q, discarded %s value %q", l.Field, l.Kept, l.Side, l.Discarded)
}
