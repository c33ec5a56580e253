package db

import "time"

// RetryPolicy bounds delivery attempts of a queued operation.
type RetryPolicy struct {
	MaxAttempts int           // attempts before the transaction becomes FAILED
	BackoffBase time.Duration // delay after the first failure
	BackoffMax  time.Duration // cap on the delay
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BackoffBase: 2 * time.Second,
		BackoffMax:  5 * time.Minute,
	}
}

// Backoff returns the delay before the next attempt after `attempts`
// failures: base * 2^(attempts-1), capped at BackoffMax.
func (p RetryPolicy) Backoff(attempts int) time.Duration {
	if attempts < 1 || p.BackoffBase <= 0 {
		return 0
	}
	d := p.BackoffBase
	for i := 1; i < attempts; i++ {
		if p.BackoffMax > 0 && d >= p.BackoffMax {
			break
		}
		d *= 2
	}
	if p.BackoffMax > 0 && d > p.BackoffMax {
		d = p.BackoffMax
	}
	return d
}

func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BackoffBase < 0 {
		p.BackoffBase = 0
	}
	if p.BackoffMax < p.BackoffBase {
		p.BackoffMax = p.BackoffBase
	}
	return p
}

// SetRetryPolicy replaces the retry policy. Operations already waiting keep
// their scheduled next attempt.
func (db *DB) SetRetryPolicy(p RetryPolicy) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.retry = p.normalized()
}

// RetryPolicy returns the current retry policy.
func (db *DB) RetryPolicy() RetryPolicy {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.retry
}
