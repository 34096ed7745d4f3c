package eventlog

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestEmitDeliversCLEF(t *testing.T) {
	var mu sync.Mutex
	var received []map[string]interface{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Seq-ApiKey") != "key-123" {
			t.Errorf("missing API key header")
		}
		body, _ := io.ReadAll(r.Body)
		var doc map[string]interface{}
		if err := json.Unmarshal(body, &doc); err != nil {
			t.Errorf("invalid CLEF body: %v", err)
		}
		mu.Lock()
		received = append(received, doc)
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	sink := New(server.URL, "key-123", "heatpilot", zap.NewNop().Sugar())
	sink.Emit(Event{
		EventType: "TokenRefreshed",
		Message:   "BMS token refreshed",
		EntityID:  "villa-eriksson",
		Component: "worker",
	})
	sink.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected 1 event, got %d", len(received))
	}
	doc := received[0]
	if doc["EventType"] != "TokenRefreshed" {
		t.Errorf("unexpected EventType %v", doc["EventType"])
	}
	if doc["EntityId"] != "villa-eriksson" {
		t.Errorf("unexpected EntityId %v", doc["EntityId"])
	}
	if doc["Application"] != "heatpilot" {
		t.Errorf("unexpected Application %v", doc["Application"])
	}
}

func TestNilSinkIsSafe(t *testing.T) {
	var sink *Sink
	sink.Emit(Event{EventType: "Anything"})
	sink.Close()
}

func TestEmitNeverBlocksWhenServerIsDown(t *testing.T) {
	sink := New("http://127.0.0.1:1", "", "heatpilot", zap.NewNop().Sugar())
	done := make(chan struct{})
	go func() {
		for i := 0; i < queueCapacity*2; i++ {
			sink.Emit(Event{EventType: "Flood", Message: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Emit blocked with unreachable server")
	}
	sink.Close()
}
