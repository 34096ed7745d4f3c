// Package portal implements the portal-relayed BMS adapter used for
// single-family houses. Authentication is three-staged: a portal login
// yields an opaque session token, which is exchanged for a short-lived
// bearer scoped to the upstream BMS, which authorizes the GraphQL calls.
package portal

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

// tokenSafetyMargin is subtracted from the reported expiry so the adapter
// re-authenticates proactively instead of racing the upstream clock.
const tokenSafetyMargin = 5 * time.Minute

// defaultTokenLifetime applies when the exchange response omits expiry.
const defaultTokenLifetime = 3 * time.Hour

// Adapter is the portal-relayed BMS client for one entity.
type Adapter struct {
	baseURL    string
	creds      config.Credentials
	httpClient *http.Client
	logger     *zap.SugaredLogger

	mu           sync.Mutex
	sessionToken string
	bearer       string
	expiresAt    time.Time

	gql *graphql.Client
}

// New creates a portal adapter. baseURL is the portal root.
func New(baseURL string, creds config.Credentials, logger *zap.SugaredLogger) *Adapter {
	a := &Adapter{
		baseURL:    baseURL,
		creds:      creds,
		httpClient: &http.Client{},
		logger:     logger.Named("portal"),
	}
	a.gql = graphql.NewClient(a.httpClient, baseURL+"/graphql", a.currentBearer)
	return a
}

func (a *Adapter) currentBearer() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bearer
}

// Authenticate performs the full three-stage login.
func (a *Adapter) Authenticate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, bms.AuthTimeout)
	defer cancel()

	session, err := a.portalLogin(ctx)
	if err != nil {
		return fmt.Errorf("portal login: %w", err)
	}

	bearer, lifetime, err := a.exchangeToken(ctx, session)
	if err != nil {
		return fmt.Errorf("token exchange: %w", err)
	}

	a.mu.Lock()
	a.sessionToken = session
	a.bearer = bearer
	a.expiresAt = time.Now().Add(lifetime - tokenSafetyMargin)
	a.mu.Unlock()

	a.logger.Debugw("Authenticated against portal", "expiresIn", lifetime)
	return nil
}

// EnsureAuthenticated re-authenticates only when the bearer is missing or
// inside the safety margin.
func (a *Adapter) EnsureAuthenticated(ctx context.Context) error {
	a.mu.Lock()
	valid := a.bearer != "" && time.Now().Before(a.expiresAt)
	a.mu.Unlock()
	if valid {
		return nil
	}
	return a.Authenticate(ctx)
}

func (a *Adapter) portalLogin(ctx context.Context) (string, error) {
	payload, _ := json.Marshal(map[string]string{
		"username": a.creds.Username,
		"password": a.creds.Password,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/login", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return "", fmt.Errorf("%w: portal rejected credentials (status %d)", bms.ErrUnauthorized, resp.StatusCode)
	default:
		return "", fmt.Errorf("portal login status %d", resp.StatusCode)
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decoding portal login response: %w", err)
	}
	if body.Token == "" {
		return "", fmt.Errorf("portal login returned empty token")
	}
	return body.Token, nil
}

func (a *Adapter) exchangeToken(ctx context.Context, session string) (string, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/bms/token", nil)
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Authorization", "Session "+session)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return "", 0, bms.ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("token exchange status %d", resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"accessToken"`
		ExpiresIn   int    `json:"expiresIn"` // seconds
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", 0, fmt.Errorf("decoding token exchange response: %w", err)
	}
	if body.AccessToken == "" {
		return "", 0, fmt.Errorf("token exchange returned empty token")
	}
	lifetime := defaultTokenLifetime
	if body.ExpiresIn > 0 {
		lifetime = time.Duration(body.ExpiresIn) * time.Second
	}
	return body.AccessToken, lifetime, nil
}

const currentValuesQuery = `query CurrentValues($ids: [String!]!) {
  signals(ids: $ids) {
    id
    value
    boolValue
    isBool
  }
}`

// ReadCurrentValues fetches all requested analog signals in one bulk
// query. The token is refreshed proactively inside the expiry margin; a
// 401 surfaces as bms.ErrUnauthorized so the worker can run its one full
// refresh for the iteration.
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

// ReadHistory fetches historical samples through the portal's history
// filter.
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

const alarmsQuery = `query {
  alarms {
    id
    path
    message
    priority
    raisedAt
  }
}`

// GetAlarms fetches the active alarm list.
func (a *Adapter) GetAlarms(ctx context.Context) ([]bms.Alarm, error) {
	ctx, cancel := context.WithTimeout(ctx, bms.ReadTimeout)
	defer cancel()

	if err := a.EnsureAuthenticated(ctx); err != nil {
		return nil, err
	}

	var data struct {
		Alarms []struct {
			ID       string    `json:"id"`
			Path     string    `json:"path"`
			Message  string    `json:"message"`
			Priority int       `json:"priority"`
			RaisedAt time.Time `json:"raisedAt"`
		} `json:"alarms"`
	}
	if err := a.gql.Do(ctx, alarmsQuery, nil, &data); err != nil {
		return nil, err
	}

	alarms := make([]bms.Alarm, 0, len(data.Alarms))
	for _, al := range data.Alarms {
		alarms = append(alarms, bms.Alarm{
			ID:       al.ID,
			Path:     al.Path,
			Message:  al.Message,
			Priority: al.Priority,
			Raised:   al.RaisedAt,
		})
	}
	return alarms, nil
}

// Close drops the session tokens.
func (a *Adapter) Close(ctx context.Context) error {
	a.mu.Lock()
	a.sessionToken = ""
	a.bearer = ""
	a.expiresAt = time.Time{}
	a.mu.Unlock()
	return nil
}
