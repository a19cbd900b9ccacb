package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/lagoi/fieldsync/internal/catalog"
	"github.com/lagoi/fieldsync/internal/mirror"
	"github.com/lagoi/fieldsync/internal/queue"
	"github.com/lagoi/fieldsync/internal/reconcile"
	"github.com/lagoi/fieldsync/internal/spool"
)

func startTestServer(t *testing.T) *Server {
	t.Helper()
	server := NewServer(&Config{
		Port:   0, // random available port
		Logger: log.New(io.Discard, "", 0),
	})
	if err := server.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })

	time.Sleep(100 * time.Millisecond)
	return server
}

// dialTestClient connects a WebSocket client and consumes the welcome
// message so subsequent reads see broadcasts only.
func dialTestClient(t *testing.T, ctx context.Context, server *Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })

	if _, _, err := conn.Read(ctx); err != nil {
		t.Fatalf("failed to read welcome message: %v", err)
	}
	return conn
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("failed to unmarshal message: %v", err)
	}
	return msg
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{Port: 0, Logger: log.New(io.Discard, "", 0)})

	if err := server.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if server.GetAddr() == "" {
		t.Fatal("server address is empty")
	}

	if err := server.Stop(); err != nil {
		t.Fatalf("failed to stop server: %v", err)
	}
}

func TestWebSocketConnection(t *testing.T) {
	server := startTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("failed to connect WebSocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if count := server.ClientCount(); count != 1 {
		t.Errorf("ClientCount() = %d, want 1", count)
	}

	// The welcome message announces the queue_stats stream.
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("failed to read welcome message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("failed to unmarshal welcome: %v", err)
	}
	if msg.Type != MessageTypeQueueStats {
		t.Errorf("welcome message type = %s, want %s", msg.Type, MessageTypeQueueStats)
	}
}

func TestMultipleClients(t *testing.T) {
	server := startTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	numClients := 3
	for i := 0; i < numClients; i++ {
		dialTestClient(t, ctx, server)
	}

	if count := server.ClientCount(); count != numClients {
		t.Errorf("ClientCount() = %d, want %d", count, numClients)
	}
}

func TestMessageBroadcast(t *testing.T) {
	server := startTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialTestClient(t, ctx, server)

	update := EntryUpdateData{
		EntryID:  7,
		Kind:     "find_report",
		ChatID:   "chat-1",
		Origin:   "chat-1/msg-9",
		Status:   "applied",
		Attempts: 1,
	}
	dataJSON, _ := json.Marshal(update)
	server.Broadcast(Message{Type: MessageTypeEntryUpdate, Timestamp: time.Now(), Data: dataJSON})

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeEntryUpdate {
		t.Fatalf("message type = %s, want %s", msg.Type, MessageTypeEntryUpdate)
	}

	var received EntryUpdateData
	if err := json.Unmarshal(msg.Data, &received); err != nil {
		t.Fatalf("failed to unmarshal entry data: %v", err)
	}
	if received != update {
		t.Errorf("entry update = %+v, want %+v", received, update)
	}
}

func TestHandlerTransition(t *testing.T) {
	server := startTestServer(t)
	handler := NewHandler(server, log.New(io.Discard, "", 0))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialTestClient(t, ctx, server)

	handler.OnTransition(reconcile.Transition{
		EntryID:  42,
		Kind:     catalog.RecordFindReport,
		ChatID:   "chat-3",
		Origin:   "chat-3/msg-17",
		From:     queue.StatusProcessing,
		To:       queue.StatusFailed,
		Attempts: 5,
		Error:    "constraint violation",
	})

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeEntryUpdate {
		t.Fatalf("message type = %s, want %s", msg.Type, MessageTypeEntryUpdate)
	}

	var data EntryUpdateData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("failed to unmarshal entry data: %v", err)
	}
	if data.EntryID != 42 || data.ChatID != "chat-3" || data.Status != "failed" {
		t.Errorf("entry update = %+v, want id 42 chat-3 failed", data)
	}
	if data.Attempts != 5 || data.Error != "constraint violation" {
		t.Errorf("entry update attempts/error = %d/%q", data.Attempts, data.Error)
	}
}

func TestHandlerQueueStats(t *testing.T) {
	server := startTestServer(t)
	handler := NewHandler(server, log.New(io.Discard, "", 0))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialTestClient(t, ctx, server)

	handler.OnQueueStats(queue.Stats{Pending: 4, Processing: 1, Applied: 120, Failed: 2})

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeQueueStats {
		t.Fatalf("message type = %s, want %s", msg.Type, MessageTypeQueueStats)
	}

	var data QueueStatsData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("failed to unmarshal stats data: %v", err)
	}
	want := QueueStatsData{Pending: 4, Processing: 1, Applied: 120, Failed: 2}
	if data != want {
		t.Errorf("queue stats = %+v, want %+v", data, want)
	}

	if got := handler.QueueStats(); got != want {
		t.Errorf("QueueStats() = %+v, want %+v", got, want)
	}
}

func TestHandlerSweepReport(t *testing.T) {
	server := startTestServer(t)
	handler := NewHandler(server, log.New(io.Discard, "", 0))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialTestClient(t, ctx, server)

	report := &mirror.Report{
		GeneratedAt: time.Now(),
		Primary:     "sqlite:primary.db",
		Secondary:   "postgres",
		Entities: []mirror.EntityDelta{
			{Kind: catalog.KindSite, PrimaryCount: 2, SecondaryCount: 2},
			{
				Kind:           catalog.KindFind,
				PrimaryCount:   5,
				SecondaryCount: 4,
				OnlyPrimary:    []string{"WRK01/F-5"},
				Mismatched:     []string{"WRK01/F-2"},
			},
		},
	}
	handler.OnSweepReport(report)

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeSweepReport {
		t.Fatalf("message type = %s, want %s", msg.Type, MessageTypeSweepReport)
	}

	var data SweepReportData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("failed to unmarshal sweep data: %v", err)
	}
	if data.Clean {
		t.Error("sweep report Clean = true, want false")
	}
	if len(data.Deltas) != 1 {
		t.Fatalf("len(Deltas) = %d, want 1 (clean kinds omitted)", len(data.Deltas))
	}
	delta := data.Deltas[0]
	if delta.Kind != "find" || delta.OnlyPrimary != 1 || delta.Mismatched != 1 {
		t.Errorf("delta = %+v, want find kind with 1 only-primary and 1 mismatch", delta)
	}
}

func TestHandlerSpoolIngest(t *testing.T) {
	server := startTestServer(t)
	handler := NewHandler(server, log.New(io.Discard, "", 0))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialTestClient(t, ctx, server)

	handler.OnSpoolIngest(spool.Result{
		ReceiptID:  "r-20250614-01",
		Enqueued:   12,
		Duplicates: 3,
		Malformed:  1,
	})

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeSpoolIngest {
		t.Fatalf("message type = %s, want %s", msg.Type, MessageTypeSpoolIngest)
	}

	var data SpoolIngestData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("failed to unmarshal spool data: %v", err)
	}
	want := SpoolIngestData{ReceiptID: "r-20250614-01", Enqueued: 12, Duplicates: 3, Malformed: 1}
	if data != want {
		t.Errorf("spool ingest = %+v, want %+v", data, want)
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := startTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dialTestClient(t, ctx, server)

	resp, err := http.Get(fmt.Sprintf("http://%s/health", server.GetAddr()))
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var health struct {
		Status  string `json:"status"`
		Clients int    `json:"clients"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("failed to decode health response: %v", err)
	}
	if health.Status != "ok" {
		t.Errorf("health status = %q, want ok", health.Status)
	}
	if health.Clients != 1 {
		t.Errorf("health clients = %d, want 1", health.Clients)
	}
}
