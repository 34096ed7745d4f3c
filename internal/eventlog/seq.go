// Package eventlog delivers structured operational events to a Seq server.
// The sink is optional: a nil *Sink is safe to use and drops everything,
// and delivery failures never propagate to the pipeline.
package eventlog

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	ingestPath    = "/api/events/raw?clef"
	sendTimeout   = 10 * time.Second
	queueCapacity = 256
)

// Event is one structured event in the shared log.
type Event struct {
	Timestamp time.Time
	Level     string // "Information", "Warning", "Error"
	EventType string // e.g. "TokenRefreshed", "WriterRestored", "WorkerRecovered"
	Message   string
	EntityID  string
	Component string
	Extra     map[string]interface{}
}

// Sink buffers events and ships them to Seq in the background.
type Sink struct {
	url    string
	apiKey string
	app    string
	client *http.Client
	logger *zap.SugaredLogger

	events chan Event
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a sink posting to the given Seq base URL. Returns nil when
// url is empty, which callers treat as "logging disabled".
func New(url, apiKey, application string, logger *zap.SugaredLogger) *Sink {
	if url == "" {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sink{
		url:    url,
		apiKey: apiKey,
		app:    application,
		client: &http.Client{Timeout: sendTimeout},
		logger: logger.Named("eventlog"),
		events: make(chan Event, queueCapacity),
		cancel: cancel,
	}
	s.wg.Add(1)
	go s.run(ctx)
	return s
}

// Emit queues an event for delivery. Never blocks: when the queue is full
// the event is dropped with a debug log.
func (s *Sink) Emit(ev Event) {
	if s == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if ev.Level == "" {
		ev.Level = "Information"
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Debugw("Event queue full, dropping event", "eventType", ev.EventType)
	}
}

// Close stops the background sender after draining queued events.
func (s *Sink) Close() {
	if s == nil {
		return
	}
	close(s.events)
	s.wg.Wait()
	s.cancel()
}

func (s *Sink) run(ctx context.Context) {
	defer s.wg.Done()
	for ev := range s.events {
		if err := s.post(ctx, ev); err != nil {
			s.logger.Debugw("Failed to deliver event", "eventType", ev.EventType, "error", err)
		}
	}
}

// post encodes one event as compact CLEF and ships it.
func (s *Sink) post(ctx context.Context, ev Event) error {
	doc := map[string]interface{}{
		"@t":          ev.Timestamp.UTC().Format(time.RFC3339Nano),
		"@mt":         ev.Message,
		"@l":          ev.Level,
		"Application": s.app,
		"EventType":   ev.EventType,
	}
	if ev.EntityID != "" {
		doc["EntityId"] = ev.EntityID
	}
	if ev.Component != "" {
		doc["Component"] = ev.Component
	}
	for k, v := range ev.Extra {
		doc[k] = v
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	body = append(body, '\n')

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url+ingestPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/vnd.serilog.clef")
	if s.apiKey != "" {
		req.Header.Set("X-Seq-ApiKey", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}
