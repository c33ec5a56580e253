package dashboard

import (
	"maps"
	gosync "sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/bookkeeper/ledgersync/internal/ledger/events"
	"github.com/bookkeeper/ledgersync/internal/ledger/schema"
	"github.com/bookkeeper/ledgersync/internal/ledger/sync"
)

// Handler turns ledger events into dashboard messages. It is an
// events.Sink; subscribe it to the ledger's event hub.
type Handler struct {
	server *Server
	logger zerolog.Logger

	mu    gosync.Mutex
	stats StatsData
}

var _ events.Sink = (*Handler)(nil)

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, logger zerolog.Logger) *Handler {
	return &Handler{
		server: server,
		logger: logger,
		stats:  StatsData{ByStatus: make(map[string]int)},
	}
}

// OnTransition broadcasts the transition and the adjusted counts.
func (h *Handler) OnTransition(t events.Transition) {
	h.publish(MessageTypeTransition, t)

	if t.From == t.To {
		return
	}
	h.mu.Lock()
	if t.From != "" {
		h.stats.ByStatus[string(t.From)]--
		h.stats.Total--
	}
	if t.To != "" {
		h.stats.ByStatus[string(t.To)]++
		h.stats.Total++
	}
	stats := h.snapshotLocked()
	h.mu.Unlock()

	h.publish(MessageTypeStats, stats)
}

// OnSyncComplete broadcasts the summary of a reconciliation cycle. Its
// signature matches the daemon's OnSync hook.
func (h *Handler) OnSyncComplete(report sync.Report, err error) {
	data := SyncCompleteData{
		Sent:      report.Sent,
		Acked:     report.Acked,
		Conflicts: report.Conflicts,
		Retrying:  report.Retrying,
		Failed:    report.Failed,
		Pulled:    report.Pulled,
		Applied:   report.Applied,
		Resolved:  report.Resolved,
		Duration:  report.Duration,
	}
	if err != nil {
		data.Error = err.Error()
	}
	h.publish(MessageTypeSyncComplete, data)
}

// UpdateStats replaces the counts, e.g. from Ledger.Counts at startup, and
// broadcasts them.
func (h *Handler) UpdateStats(counts map[schema.Status]int) {
	h.mu.Lock()
	h.stats = StatsData{ByStatus: make(map[string]int, len(counts))}
	for status, n := range counts {
		h.stats.ByStatus[string(status)] = n
		h.stats.Total += n
	}
	stats := h.snapshotLocked()
	h.mu.Unlock()

	h.publish(MessageTypeStats, stats)
}

// GetStats returns the current statistics
func (h *Handler) GetStats() StatsData {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked()
}

func (h *Handler) snapshotLocked() StatsData {
	return StatsData{Total: h.stats.Total, ByStatus: maps.Clone(h.stats.ByStatus)}
}

func (h *Handler) publish(typ MessageType, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error().Err(err).Str("type", string(typ)).Msg("failed to marshal dashboard message")
		return
	}
	h.server.Broadcast(Message{
		Type:      typ,
		Timestamp: time.Now(),
		Data:      data,
	})
}
