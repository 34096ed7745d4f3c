package portal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/heatpilot/heatpilot/internal/bms"
	"github.com/heatpilot/heatpilot/pkg/config"
)

type portalFake struct {
	logins     atomic.Int64
	exchanges  atomic.Int64
	reads      atomic.Int64
	validToken string
	expiresIn  int
}

func newPortalServer(t *testing.T) (*portalFake, *httptest.Server) {
	t.Helper()
	f := &portalFake{validToken: "bearer-1", expiresIn: 3600}
	mux := http.NewServeMux()

	mux.HandleFunc("/api/login", func(w http.ResponseWriter, r *http.Request) {
		f.logins.Add(1)
		var body struct{ Username, Password string }
		json.NewDecoder(r.Body).Decode(&body)
		if body.Username != "svc" || body.Password != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"token": "session-abc"})
	})

	mux.HandleFunc("/api/bms/token", func(w http.ResponseWriter, r *http.Request) {
		f.exchanges.Add(1)
		if r.Header.Get("Authorization") != "Session session-abc" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"accessToken": f.validToken,
			"expiresIn":   f.expiresIn,
		})
	})

	mux.HandleFunc("/graphql", func(w http.ResponseWriter, r *http.Request) {
		f.reads.Add(1)
		if r.Header.Get("Authorization") != "Bearer "+f.validToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req struct {
			Query     string                 `json:"query"`
			Variables map[string]interface{} `json:"variables"`
		}
		json.NewDecoder(r.Body).Decode(&req)

		ids, _ := req.Variables["ids"].([]interface{})
		signals := make([]map[string]interface{}, 0, len(ids))
		for _, id := range ids {
			signals = append(signals, map[string]interface{}{
				"id": id, "value": 42.5, "boolValue": false, "isBool": false,
			})
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{"signals": signals},
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func testCreds() config.Credentials {
	return config.Credentials{Username: "svc", Password: "secret"}
}

func TestThreeStageAuthAndBulkRead(t *testing.T) {
	fake, srv := newPortalServer(t)
	a := New(srv.URL, testCreds(), zap.NewNop().Sugar())

	if err := a.Authenticate(context.Background()); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if fake.logins.Load() != 1 || fake.exchanges.Load() != 1 {
		t.Errorf("expected 1 login + 1 exchange, got %d/%d", fake.logins.Load(), fake.exchanges.Load())
	}

	values, err := a.ReadCurrentValues(context.Background(), []string{"s1", "s2", "s3"})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(values) != 3 {
		t.Fatalf("expected 3 values, got %d", len(values))
	}
	if got := values["s2"].AsFloat(); got != 42.5 {
		t.Errorf("expected 42.5, got %f", got)
	}
	if fake.reads.Load() != 1 {
		t.Errorf("bulk read should use a single query, got %d", fake.reads.Load())
	}
}

func TestStaleTokenSurfacesUnauthorized(t *testing.T) {
	fake, srv := newPortalServer(t)
	a := New(srv.URL, testCreds(), zap.NewNop().Sugar())

	if err := a.Authenticate(context.Background()); err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	// Invalidate the bearer server-side: the read 401s and the adapter
	// reports ErrUnauthorized instead of silently retrying. The worker
	// then runs the full three-stage refresh once per iteration.
	fake.validToken = "bearer-2"

	if _, err := a.ReadCurrentValues(context.Background(), []string{"s1"}); !errors.Is(err, bms.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := a.Authenticate(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, err := a.ReadCurrentValues(context.Background(), []string{"s1"}); err != nil {
		t.Fatalf("read after refresh: %v", err)
	}
	if got := fake.logins.Load(); got != 2 {
		t.Errorf("expected exactly one refresh login, got %d total logins", got)
	}
}

func TestReadWithoutSessionFails(t *testing.T) {
	_, srv := newPortalServer(t)
	a := New(srv.URL, config.Credentials{Username: "wrong", Password: "wrong"}, zap.NewNop().Sugar())

	_, err := a.ReadCurrentValues(context.Background(), []string{"s1"})
	if err == nil {
		t.Fatal("expected error with bad credentials")
	}
}

func TestEnsureAuthenticatedSkipsFreshToken(t *testing.T) {
	fake, srv := newPortalServer(t)
	a := New(srv.URL, testCreds(), zap.NewNop().Sugar())

	if err := a.EnsureAuthenticated(context.Background()); err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	if err := a.EnsureAuthenticated(context.Background()); err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if fake.logins.Load() != 1 {
		t.Errorf("fresh token should not re-login, got %d logins", fake.logins.Load())
	}
}

func TestShortLivedTokenReauthsProactively(t *testing.T) {
	fake, srv := newPortalServer(t)
	// Lifetime below the 5-minute safety margin: expiresAt lands in the
	// past, so every ensure re-authenticates.
	fake.expiresIn = 60
	a := New(srv.URL, testCreds(), zap.NewNop().Sugar())

	if err := a.EnsureAuthenticated(context.Background()); err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	if err := a.EnsureAuthenticated(context.Background()); err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if fake.logins.Load() != 2 {
		t.Errorf("token inside safety margin should re-login, got %d logins", fake.logins.Load())
	}
}

func TestHistoryQuery(t *testing.T) {
	mux := http.NewServeMux()

	ts := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	mux.HandleFunc("/api/login", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"token": "session-abc"})
	})
	mux.HandleFunc("/api/bms/token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"accessToken": "b", "expiresIn": 3600})
	})
	mux.HandleFunc("/graphql", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Variables map[string]interface{} `json:"variables"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if res, ok := req.Variables["resolutionSeconds"].(float64); !ok || res != 900 {
			t.Errorf("expected resolutionSeconds 900, got %v", req.Variables["resolutionSeconds"])
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"history": []map[string]interface{}{
					{
						"id": "s1",
						"points": []map[string]interface{}{
							{"t": ts.Format(time.RFC3339), "v": 21.3},
							{"t": ts.Add(15 * time.Minute).Format(time.RFC3339), "v": 21.4},
						},
					},
				},
			},
		})
	})
	hist := httptest.NewServer(mux)
	defer hist.Close()

	a := New(hist.URL, testCreds(), zap.NewNop().Sugar())
	points, err := a.ReadHistory(context.Background(), []string{"s1"}, ts.Add(-time.Hour), ts, 15*time.Minute)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(points["s1"]) != 2 {
		t.Fatalf("expected 2 points, got %d", len(points["s1"]))
	}
	if !points["s1"][0].Time.Equal(ts) || points["s1"][0].Value != 21.3 {
		t.Errorf("unexpected first point: %+v", points["s1"][0])
	}
}

func TestAdapterSatisfiesInterfaces(t *testing.T) {
	var _ bms.Adapter = (*Adapter)(nil)
	var _ bms.AlarmReader = (*Adapter)(nil)
	var _ bms.SignalLister = (*Adapter)(nil)
}
