// Package events carries sync status transitions to observers such as the
// logger and the dashboard.
package events

import (
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bookkeeper/ledgersync/internal/ledger/schema"
)

// Transition records one status change of a transaction. From is empty for
// newly created rows and To is empty when the row was removed.
type Transition struct {
	TransactionID string        `json:"transaction_id"`
	From          schema.Status `json:"from,omitempty"`
	To            schema.Status `json:"to,omitempty"`
	Revision      int64         `json:"revision"`
	OpID          string        `json:"op_id,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	At            time.Time     `json:"at"`
}

// Sink receives transitions. Implementations must not block for long; they
// are called from the reconciler and the foreground path.
type Sink interface {
	OnTransition(Transition)
}

// Func adapts a function to Sink.
type Func func(Transition)

func (f Func) OnTransition(t Transition) { f(t) }

// Nop discards transitions.
type Nop struct{}

func (Nop) OnTransition(Transition) {}

// Multi fans a transition out to several sinks in order.
type Multi []Sink

func (m Multi) OnTransition(t Transition) {
	for _, s := range m {
		if s != nil {
			s.OnTransition(t)
		}
	}
}

// Hub is a Sink whose subscribers can change after it has been handed to
// the ledger.
type Hub struct {
	mu    sync.RWMutex
	next  int
	sinks map[int]Sink
}

// NewHub creates a Hub with the given initial subscribers.
func NewHub(sinks ...Sink) *Hub {
	h := &Hub{sinks: make(map[int]Sink)}
	for _, s := range sinks {
		h.Subscribe(s)
	}
	return h
}

// Subscribe adds s and returns a function that removes it.
func (h *Hub) Subscribe(s Sink) (unsubscribe func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sinks == nil {
		h.sinks = make(map[int]Sink)
	}
	id := h.next
	h.next++
	h.sinks[id] = s
	return func() {
		h.mu.Lock()
		delete(h.sinks, id)
		h.mu.Unlock()
	}
}

// OnTransition delivers t to every subscriber in subscription order.
func (h *Hub) OnTransition(t Transition) {
	h.mu.RLock()
	ids := make([]int, 0, len(h.sinks))
	for id := range h.sinks {
		ids = append(ids, id)
	}
	sinks := make([]Sink, 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		sinks = append(sinks, h.sinks[id])
	}
	h.mu.RUnlock()

	Multi(sinks).OnTransition(t)
}

// LogSink writes transitions as structured log events.
type LogSink struct {
	Logger zerolog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{Logger: logger}
}

func (s *LogSink) OnTransition(t Transition) {
	ev := s.Logger.Info()
	if t.To == schema.StatusFailed || t.To == schema.StatusConflict {
		ev = s.Logger.Warn()
	}
	ev = ev.Str("transaction_id", t.TransactionID).
		Str("from", string(t.From)).
		Str("to", string(t.To)).
		Int64("revision", t.Revision)
	if t.OpID != "" {
		ev = ev.Str("op_id", t.OpID)
	}
	if t.Reason != "" {
		ev = ev.Str("reason", t.Reason)
	}
	ev.Msg("status transition")
}
