// Package direct implements the direct GraphQL BMS adapter used by
// buildings whose management system exposes the GraphQL API without a
// portal in front. The wire format matches the portal variant; only the
// login differs.
package direct

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/heatpilot/heatpilot/internal/bms"
	"github.com/heatpilot/heatpilot/internal/bms/graphql"
	"github.com/heatpilot/heatpilot/pkg/config"
)

const tokenSafetyMargin = 5 * time.Minute

const defaultTokenLifetime = 3 * time.Hour

// Adapter talks GraphQL straight to the building's management system.
type Adapter struct {
	baseURL    string
	creds      config.Credentials
	httpClient *http.Client
	logger     *zap.SugaredLogger

	mu        sync.Mutex
	bearer    string
	expiresAt time.Time

	gql *graphql.Client
}

// New creates a direct adapter for one building.
func New(baseURL string, creds config.Credentials, logger *zap.SugaredLogger) *Adapter {
	a := &Adapter{
		baseURL:    baseURL,
		creds:      creds,
		httpClient: &http.Client{},
		logger:     logger.Named("direct"),
	}
	a.gql = graphql.NewClient(a.httpClient, baseURL+"/graphql", a.currentBearer)
	return a
}

func (a *Adapter) currentBearer() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bearer
}

// Authenticate logs in and stores the bearer.
func (a *Adapter) Authenticate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, bms.AuthTimeout)
	defer cancel()

	payload, _ := json.Marshal(map[string]string{
		"username": a.creds.Username,
		"password": a.creds.Password,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/login", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("bms login: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: login rejected (status %d)", bms.ErrUnauthorized, resp.StatusCode)
	default:
		return fmt.Errorf("bms login status %d", resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"accessToken"`
		ExpiresIn   int    `json:"expiresIn"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decoding login response: %w", err)
	}
	if body.AccessToken == "" {
		return fmt.Errorf("login returned empty token")
	}

	lifetime := defaultTokenLifetime
	if body.ExpiresIn > 0 {
		lifetime = time.Duration(body.ExpiresIn) * time.Second
	}

	a.mu.Lock()
	a.bearer = body.AccessToken
	a.expiresAt = time.Now().Add(lifetime - tokenSafetyMargin)
	a.mu.Unlock()

	a.logger.Debugw("Authenticated against building BMS", "expiresIn", lifetime)
	return nil
}

// EnsureAuthenticated re-authenticates only when the bearer is missing
// or inside the safety margin.
func (a *Adapter) EnsureAuthenticated(ctx context.Context) error {
	a.mu.Lock()
	valid := a.bearer != "" && time.Now().Before(a.expiresAt)
	a.mu.Unlock()
	if valid {
		return nil
	}
	return a.Authenticate(ctx)
}

const currentValuesQuery = `query CurrentValues($ids: [String!]!) {
  signals(ids: $ids) {
    id
    value
    boolValue
    isBool
  }
}`

// ReadCurrentValues fetches all requested signals in one bulk query.
// A 401 surfaces as bms.ErrUnauthorized; the worker owns the single
// full refresh per iteration.
func (a *Adapter) ReadCurrentValues(ctx context.Context, signalIDs []string) (map[string]bms.Value, error) {
	ctx, cancel := context.WithTimeout(ctx, bms.ReadTimeout)
	defer cancel()

	if err := a.EnsureAuthenticated(ctx); err != nil {
		return nil, err
	}

	var data struct {
		Signals []struct {
			ID        string  `json:"id"`
			Value     float64 `json:"value"`
			BoolValue bool    `json:"boolValue"`
			IsBool    bool    `json:"isBool"`
		} `json:"signals"`
	}
	if err := a.gql.Do(ctx, currentValuesQuery, map[string]interface{}{"ids": signalIDs}, &data); err != nil {
		return nil, err
	}

	values := make(map[string]bms.Value, len(data.Signals))
	for _, s := range data.Signals {
		values[s.ID] = bms.Value{Float: s.Value, Bool: s.BoolValue, IsBool: s.IsBool}
	}
	return values, nil
}

const historyQuery = `query History($ids: [String!]!, $from: String!, $to: String!, $resolutionSeconds: Int!) {
  history(signalIds: $ids, from: $from, to: $to, resolutionSeconds: $resolutionSeconds) {
    id
    points {
      t
      v
    }
  }
}`

// ReadHistory fetches historical samples per signal.
func (a *Adapter) ReadHistory(ctx context.Context, signalIDs []string, from, to time.Time, resolution time.Duration) (map[string][]bms.Point, error) {
	ctx, cancel := context.WithTimeout(ctx, bms.HistoryTimeout)
	defer cancel()

	if err := a.EnsureAuthenticated(ctx); err != nil {
		return nil, err
	}

	var data struct {
		History []struct {
			ID     string `json:"id"`
			Points []struct {
				T time.Time `json:"t"`
				V float64   `json:"v"`
			} `json:"points"`
		} `json:"history"`
	}
	vars := map[string]interface{}{
		"ids":               signalIDs,
		"from":              from.UTC().Format(time.RFC3339),
		"to":                to.UTC().Format(time.RFC3339),
		"resolutionSeconds": int(resolution.Seconds()),
	}
	if err := a.gql.Do(ctx, historyQuery, vars, &data); err != nil {
		return nil, err
	}

	out := make(map[string][]bms.Point, len(data.History))
	for _, series := range data.History {
		points := make([]bms.Point, 0, len(series.Points))
		for _, p := range series.Points {
			points = append(points, bms.Point{Time: p.T, Value: p.V})
		}
		out[series.ID] = points
	}
	return out, nil
}

const listSignalsQuery = `query {
  signals {
    id
    name
    unit
    value
  }
}`

// ListSignals enumerates available signals for onboarding.
func (a *Adapter) ListSignals(ctx context.Context) ([]bms.SignalInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, bms.ReadTimeout)
	defer cancel()

	if err := a.EnsureAuthenticated(ctx); err != nil {
		return nil, err
	}

	var data struct {
		Signals []struct {
			ID    string  `json:"id"`
			Name  string  `json:"name"`
			Unit  string  `json:"unit"`
			Value float64 `json:"value"`
		} `json:"signals"`
	}
	if err := a.gql.Do(ctx, listSignalsQuery, nil, &data); err != nil {
		return nil, err
	}

	infos := make([]bms.SignalInfo, 0, len(data.Signals))
	for _, s := range data.Signals {
		infos = append(infos, bms.SignalInfo{
			ID:    s.ID,
			Name:  s.Name,
			Unit:  s.Unit,
			Value: bms.Value{Float: s.Value},
		})
	}
	return infos, nil
}

// Close drops the bearer.
func (a *Adapter) Close(ctx context.Context) error {
	a.mu.Lock()
	a.bearer = ""
	a.expiresAt = time.Time{}
	a.mu.Unlock()
	return nil
}
