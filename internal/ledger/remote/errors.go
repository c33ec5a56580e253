package remote

import (
	"errors"
	"fmt"
)

// Kind classifies a gateway failure.
type Kind int

const (
	// KindTransient failures are retried with backoff.
	KindTransient Kind = iota + 1
	// KindFatal failures (auth, permanent rejection) fail the transaction at once.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	}
	return "unknown"
}

// ErrOffline is returned by gateways that know the remote is unreachable.
var ErrOffline = errors.New("remote unreachable")

// Error is a classified gateway failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a transient failure of op.
func Transient(op string, err error) *Error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Fatal wraps err as a fatal failure of op.
func Fatal(op string, err error) *Error {
	return &Error{Kind: KindFatal, Op: op, Err: err}
}

// KindOf classifies any error returned by a gateway call. Unclassified errors
// are transient: deadlines, cancellations and network errors are expected on
// an unreliable link, and retrying an idempotent mutation is always safe.
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}

// IsFatal reports whether err is a permanent failure.
func IsFatal(err error) bool {
	return err != nil && KindOf(err) == KindFatal
}
