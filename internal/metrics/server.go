package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// WorkerStatus is one entity's health snapshot for /healthz.
type WorkerStatus struct {
	EntityID        string    `json:"entity_id"`
	LastSuccess     time.Time `json:"last_success,omitempty"`
	FailingSince    time.Time `json:"failing_since,omitempty"`
	FailureDuration string    `json:"failure_duration,omitempty"`
	BreakerState    string    `json:"breaker_state,omitempty"`
}

// StatusSource provides the current worker statuses to the health handler.
type StatusSource interface {
	WorkerStatuses() []WorkerStatus
}

// Server is the optional metrics/health HTTP listener.
type Server struct {
	srv    *http.Server
	logger *zap.SugaredLogger
	wg     sync.WaitGroup
}

// NewServer builds the listener. Returns nil when addr is empty.
func NewServer(addr string, source StatusSource, logger *zap.SugaredLogger) *Server {
	if addr == "" {
		return nil
	}

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		statuses := []WorkerStatus{}
		if source != nil {
			statuses = source.WorkerStatuses()
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  "ok",
			"workers": statuses,
		})
	})

	return &Server{
		srv:    &http.Server{Addr: addr, Handler: router},
		logger: logger.Named("metrics"),
	}
}

// Start begins serving in the background.
func (s *Server) Start() {
	if s == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Infof("Metrics listener on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("Metrics listener failed: %v", err)
		}
	}()
}

// Stop shuts the listener down.
func (s *Server) Stop(ctx context.Context) {
	if s == nil {
		return
	}
	s.srv.Shutdown(ctx)
	s.wg.Wait()
}
