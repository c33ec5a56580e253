package schema

import (
	"fmt"
	"time"
)

// OpKind is the kind of mutation a queued operation carries.
type OpKind string

const (
	OpCreate OpKind = "CREATE"
	OpUpdate OpKind = "UPDATE"
	OpDelete OpKind = "DELETE"
)

// Valid reports whether k is a known operation kind.
func (k OpKind) Valid() bool {
	return k == OpCreate || k == OpUpdate || k == OpDelete
}

// OpState is the delivery state of a queued operation.
// Terminal outcomes (acked, conflicted, failed) remove the row from the queue.
type OpState string

const (
	OpQueued  OpState = "QUEUED"
	OpSending OpState = "SENDING"
)

// SyncOperation is one durable entry of the sync queue.
type SyncOperation struct {
	OpID          string    `json:"op_id"` // idempotency token sent with the mutation
	Seq           int64     `json:"seq"`   // global enqueue order
	TransactionID string    `json:"transaction_id"`
	Kind          OpKind    `json:"kind"`
	Revision      int64     `json:"revision"`      // local revision the op was derived from
	BaseRevision  int64     `json:"base_revision"` // remote revision the op expects to replace
	Payload       Payload   `json:"payload"`
	State         OpState   `json:"state"`
	Attempts      int       `json:"attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
}

// Validate checks that the operation can be enqueued.
func (o *SyncOperation) Validate() error {
	if o.OpID == "" {
		return fmt.Errorf("op_id is required")
	}
	if o.TransactionID == "" {
		return fmt.Errorf("transaction_id is required")
	}
	if !o.Kind.Valid() {
		return fmt.Errorf("invalid operation kind %q", o.Kind)
	}
	if o.Payload.ID != o.TransactionID {
		return fmt.Errorf("payload id %q does not match transaction %q", o.Payload.ID, o.TransactionID)
	}
	if o.BaseRevision < 0 {
		return fmt.Errorf("base_revision must be non-negative")
	}
	return nil
}

// RemoteRecord is the authoritative remote copy of a transaction.
type RemoteRecord struct {
	ID       string  `json:"id"`
	Revision int64   `json:"revision"`
	Payload  Payload `json:"payload"`
	Deleted  bool    `json:"deleted"`
	Seq      int64   `json:"seq"` // change-feed position used as the pull cursor
}
