// Package memory provides an in-process remote.Gateway. It is the
// authoritative store used by tests and by the offline demo mode, and it can
// inject the failures a real network produces.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/bookkeeper/ledgersync/internal/ledger/remote"
	"github.com/bookkeeper/ledgersync/internal/ledger/schema"
)

// ErrResponseLost is returned after a mutation was applied but its response
// was dropped.
var ErrResponseLost = errors.New("response lost")

// Gateway is an in-memory authoritative transaction store.
type Gateway struct {
	mu      sync.Mutex
	records map[string]schema.RemoteRecord
	applied map[string]int64 // op id -> revision it produced
	seq     int64

	offline   bool
	failNext  int
	fatalNext int
	dropNext  int
	delay     time.Duration
	calls     int
	closed    bool
}

// New creates an empty gateway.
func New() *Gateway {
	return &Gateway{
		records: make(map[string]schema.RemoteRecord),
		applied: make(map[string]int64),
	}
}

// SetOffline makes every call fail with a transient error while true.
func (g *Gateway) SetOffline(offline bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.offline = offline
}

// FailNext makes the next n mutations fail with a transient error before
// being applied.
func (g *Gateway) FailNext(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failNext = n
}

// FailFatalNext makes the next n mutations fail permanently.
func (g *Gateway) FailFatalNext(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fatalNext = n
}

// DropResponseNext applies the next n mutations but reports a transient
// error instead of the ack, as if the response was lost on the way back.
func (g *Gateway) DropResponseNext(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dropNext = n
}

// SetDelay makes every call wait d (or until its context ends).
func (g *Gateway) SetDelay(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.delay = d
}

// Calls returns how many mutations were received.
func (g *Gateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// Get returns the remote copy of a transaction.
func (g *Gateway) Get(id string) (schema.RemoteRecord, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.records[id]
	return rec, ok
}

// Len returns the number of live (not deleted) records.
func (g *Gateway) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, r := range g.records {
		if !r.Deleted {
			n++
		}
	}
	return n
}

// Put writes p as another client would, bumping the revision. It returns
// the new revision.
func (g *Gateway) Put(p schema.Payload) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.write(p.ID, p, p.Deleted, g.records[p.ID].Revision+1)
}

// Delete tombstones a record as another client would.
func (g *Gateway) Delete(id string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	p := g.records[id].Payload
	p.ID = id
	p.Deleted = true
	return g.write(id, p, true, g.records[id].Revision+1)
}

func (g *Gateway) write(id string, p schema.Payload, deleted bool, rev int64) int64 {
	g.seq++
	g.records[id] = schema.RemoteRecord{
		ID:       id,
		Revision: rev,
		Payload:  p,
		Deleted:  deleted,
		Seq:      g.seq,
	}
	return rev
}

func (g *Gateway) wait(ctx context.Context, op string) error {
	g.mu.Lock()
	d := g.delay
	g.mu.Unlock()

	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return remote.Transient(op, ctx.Err())
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return remote.Transient(op, err)
	}
	return nil
}

// ApplyIfRevisionMatches implements remote.Gateway.
func (g *Gateway) ApplyIfRevisionMatches(ctx context.Context, m remote.Mutation, expected int64) (remote.Result, error) {
	const op = "apply"
	if err := g.wait(ctx, op); err != nil {
		return remote.Result{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++

	switch {
	case g.closed:
		return remote.Result{}, remote.Fatal(op, errors.New("gateway closed"))
	case g.offline:
		return remote.Result{}, remote.Transient(op, remote.ErrOffline)
	case g.failNext > 0:
		g.failNext--
		return remote.Result{}, remote.Transient(op, errors.New("injected transient failure"))
	case g.fatalNext > 0:
		g.fatalNext--
		return remote.Result{}, remote.Fatal(op, errors.New("injected permanent rejection"))
	}

	if rev, ok := g.applied[m.OpID]; ok {
		return remote.Result{Outcome: remote.Acked, NewRevision: rev}, nil
	}

	cur, exists := g.records[m.TransactionID]
	if cur.Revision != expected {
		res := remote.Result{Outcome: remote.Conflict}
		if exists {
			c := cur
			res.Remote = &c
		}
		return res, nil
	}

	p := m.Payload
	deleted := m.Kind == schema.OpDelete || p.Deleted
	p.Deleted = deleted
	rev := g.write(m.TransactionID, p, deleted, remote.NextRevision(expected, m.Revision))
	g.applied[m.OpID] = rev

	if g.dropNext > 0 {
		g.dropNext--
		return remote.Result{}, remote.Transient(op, ErrResponseLost)
	}
	return remote.Result{Outcome: remote.Acked, NewRevision: rev}, nil
}

// FetchSince implements remote.Gateway.
func (g *Gateway) FetchSince(ctx context.Context, cursor int64, limit int) ([]schema.RemoteRecord, error) {
	const op = "fetch"
	if err := g.wait(ctx, op); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil, remote.Fatal(op, errors.New("gateway closed"))
	}
	if g.offline {
		return nil, remote.Transient(op, remote.ErrOffline)
	}

	var out []schema.RemoteRecord
	for _, r := range g.records {
		if r.Seq > cursor {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close implements remote.Gateway.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}

var _ remote.Gateway = (*Gateway)(nil)
