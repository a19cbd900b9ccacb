// Package dashboard provides event handling and message formatting for the dashboard.
package dashboard

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/lagoi/fieldsync/internal/mirror"
	"github.com/lagoi/fieldsync/internal/queue"
	"github.com/lagoi/fieldsync/internal/reconcile"
	"github.com/lagoi/fieldsync/internal/spool"
)

// Handler bridges pipeline events to dashboard broadcasts. The daemon hangs
// its methods on the engine's transition hook, the spool ingester's receipt
// hook, and the periodic stats and sweep tickers.
type Handler struct {
	server *Server
	logger *log.Logger

	// Last stats pushed through the handler
	mu    sync.Mutex
	stats QueueStatsData
}

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}

	return &Handler{
		server: server,
		logger: logger,
	}
}

// OnTransition handles queue entry state changes
func (h *Handler) OnTransition(tr reconcile.Transition) {
	data := EntryUpdateData{
		EntryID:  tr.EntryID,
		Kind:     string(tr.Kind),
		ChatID:   tr.ChatID,
		Origin:   tr.Origin,
		Status:   string(tr.To),
		Attempts: tr.Attempts,
		Error:    tr.Error,
	}
	h.send(MessageTypeEntryUpdate, data)
}

// OnQueueStats handles queue statistics refreshes
func (h *Handler) OnQueueStats(stats queue.Stats) {
	data := QueueStatsData{
		Pending:    stats.Pending,
		Processing: stats.Processing,
		Applied:    stats.Applied,
		Failed:     stats.Failed,
	}

	h.mu.Lock()
	h.stats = data
	h.mu.Unlock()

	h.send(MessageTypeQueueStats, data)
}

// OnSweepReport handles mirror divergence sweep completions
func (h *Handler) OnSweepReport(report *mirror.Report) {
	data := SweepReportData{
		Clean:     report.Clean(),
		Primary:   report.Primary,
		Secondary: report.Secondary,
	}
	for _, delta := range report.Entities {
		if delta.Clean() {
			continue
		}
		data.Deltas = append(data.Deltas, SweepDeltaData{
			Kind:           string(delta.Kind),
			PrimaryCount:   delta.PrimaryCount,
			SecondaryCount: delta.SecondaryCount,
			OnlyPrimary:    len(delta.OnlyPrimary),
			OnlySecondary:  len(delta.OnlySecondary),
			Mismatched:     len(delta.Mismatched),
		})
	}

	if data.Clean {
		h.logger.Printf("Sweep clean: %s vs %s", report.Primary, report.Secondary)
	} else {
		h.logger.Printf("Sweep found divergence in %d entity kind(s)", len(data.Deltas))
	}

	h.send(MessageTypeSweepReport, data)
}

// OnSpoolIngest handles offline bundle ingest receipts
func (h *Handler) OnSpoolIngest(res spool.Result) {
	h.logger.Printf("Bundle %s ingested: %d enqueued, %d duplicates, %d malformed",
		res.ReceiptID, res.Enqueued, res.Duplicates, res.Malformed)

	h.send(MessageTypeSpoolIngest, SpoolIngestData{
		ReceiptID:  res.ReceiptID,
		Enqueued:   res.Enqueued,
		Duplicates: res.Duplicates,
		Malformed:  res.Malformed,
	})
}

// QueueStats returns the last statistics pushed through the handler
func (h *Handler) QueueStats() QueueStatsData {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

// send marshals a payload and broadcasts it under the given message type
func (h *Handler) send(typ MessageType, payload interface{}) {
	dataJSON, err := json.Marshal(payload)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", typ, err)
		return
	}

	h.server.Broadcast(Message{
		Type:      typ,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}
