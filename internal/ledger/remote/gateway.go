// Package remote defines the contract between the reconciler and the
// authoritative remote transaction store.
//
// A Gateway applies a mutation only when the remote revision matches the
// revision the client last saw, and reports the remote copy otherwise. Every
// mutation carries a client-generated operation id; a gateway MUST treat a
// repeated op id as a no-op that returns the original outcome, so a client
// that lost a response can safely resend.
package remote

import (
	"context"

	"github.com/bookkeeper/ledgersync/internal/ledger/schema"
)

// Mutation is what a client sends for one queued operation.
type Mutation struct {
	OpID          string
	Kind          schema.OpKind
	TransactionID string
	Revision      int64 // local revision the mutation was derived from
	Payload       schema.Payload
}

// MutationFromOp builds the wire mutation of a queued operation.
func MutationFromOp(op *schema.SyncOperation) Mutation {
	return Mutation{
		OpID:          op.OpID,
		Kind:          op.Kind,
		TransactionID: op.TransactionID,
		Revision:      op.Revision,
		Payload:       op.Payload,
	}
}

// Outcome is the result of a conditional apply.
type Outcome int

const (
	// Acked means the mutation was applied (or had been applied before).
	Acked Outcome = iota + 1
	// Conflict means the remote revision did not match the expected one.
	Conflict
)

func (o Outcome) String() string {
	switch o {
	case Acked:
		return "ACKED"
	case Conflict:
		return "CONFLICT"
	}
	return "UNKNOWN"
}

// Result of ApplyIfRevisionMatches.
type Result struct {
	Outcome     Outcome
	NewRevision int64                // set when Acked
	Remote      *schema.RemoteRecord // set when Conflict; nil if the record does not exist remotely
}

// NextRevision is the revision a successful apply assigns: past the
// expected remote revision and never below the local revision the mutation
// carries, so a client that acks it can adopt it as its own revision.
func NextRevision(expected, local int64) int64 {
	return max(expected+1, local)
}

// Gateway is the remote transaction API.
type Gateway interface {
	// ApplyIfRevisionMatches applies m when the remote record's revision
	// equals expected (0 meaning "does not exist yet"). On success the
	// remote revision becomes NextRevision(expected, m.Revision) and is
	// returned in NewRevision. Errors are *Error values classified as
	// transient or fatal.
	ApplyIfRevisionMatches(ctx context.Context, m Mutation, expected int64) (Result, error)

	// FetchSince returns up to limit records changed after cursor, in change
	// order. The Seq of the last record is the next cursor.
	FetchSince(ctx context.Context, cursor int64, limit int) ([]schema.RemoteRecord, error)

	// Close releases the gateway's resources.
	Close() error
}
