// Package ebo implements the adapter for EBO-class building management
// systems. Login is challenge-digest based with an encrypted password
// envelope; reads go through a live subscription that is created once
// and then polled by handle.
package ebo

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/heatpilot/heatpilot/internal/bms"
	"github.com/heatpilot/heatpilot/pkg/config"
)

const loginPath = "/api/v1/login"

// Adapter is the EBO client for one building.
type Adapter struct {
	baseURL    string
	creds      config.Credentials
	httpClient *http.Client
	logger     *zap.SugaredLogger

	mu           sync.Mutex
	sessionToken string

	// Subscription state. The handle resets on poll failure so the
	// next read recreates the subscription.
	subHandle string
	subPaths  string
}

// New creates an EBO adapter. baseURL is the server root over HTTPS.
func New(baseURL string, creds config.Credentials, logger *zap.SugaredLogger) *Adapter {
	return &Adapter{
		baseURL:    strings.TrimRight(baseURL, "/"),
		creds:      creds,
		httpClient: &http.Client{},
		logger:     logger.Named("ebo"),
	}
}

// Authenticate performs the challenge-digest login. The server first
// hands out a nonce and its RSA public key; the client answers with the
// SHA-256 digest and the encrypted password envelope.
func (a *Adapter) Authenticate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, bms.AuthTimeout)
	defer cancel()

	nonce, serverKey, err := a.fetchChallenge(ctx)
	if err != nil {
		return fmt.Errorf("fetching login challenge: %w", err)
	}

	envelope, err := encryptPassword(a.creds.Password, serverKey)
	if err != nil {
		return fmt.Errorf("encrypting password: %w", err)
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"username": a.creds.Username,
		"domain":   a.creds.Domain,
		"digest":   loginDigest(a.creds.Username, a.creds.Domain, a.creds.Password, loginPath, nonce),
		"password": envelope,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+loginPath, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ebo login: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: ebo rejected login (status %d)", bms.ErrUnauthorized, resp.StatusCode)
	default:
		return fmt.Errorf("ebo login status %d", resp.StatusCode)
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decoding ebo login response: %w", err)
	}
	if body.Token == "" {
		return fmt.Errorf("ebo login returned empty token")
	}

	a.mu.Lock()
	a.sessionToken = body.Token
	a.subHandle = "" // subscriptions do not survive re-login
	a.mu.Unlock()

	a.logger.Debugw("Authenticated against EBO server")
	return nil
}

func (a *Adapter) fetchChallenge(ctx context.Context) (string, *rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+loginPath, nil)
	if err != nil {
		return "", nil, err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("challenge status %d", resp.StatusCode)
	}

	var body struct {
		Nonce     string `json:"nonce"`
		PublicKey string `json:"publicKey"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", nil, fmt.Errorf("decoding challenge: %w", err)
	}
	if body.Nonce == "" {
		return "", nil, fmt.Errorf("challenge returned empty nonce")
	}
	key, err := parsePublicKey(body.PublicKey)
	if err != nil {
		return "", nil, err
	}
	return body.Nonce, key, nil
}

func (a *Adapter) token() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sessionToken == "" {
		return "", bms.ErrNoSession
	}
	return a.sessionToken, nil
}

// doJSON issues one authenticated request and decodes the response into
// dest. 401 maps to bms.ErrUnauthorized.
func (a *Adapter) doJSON(ctx context.Context, method, path string, payload, dest interface{}) error {
	token, err := a.token()
	if err != nil {
		return err
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return bms.ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ebo %s %s status %d: %s", method, path, resp.StatusCode, msg)
	}
	if dest != nil {
		if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
			return fmt.Errorf("decoding ebo response: %w", err)
		}
	}
	return nil
}

// ReadCurrentValues polls the live subscription covering the requested
// paths, creating it first if the path set changed or a previous poll
// failed. A 401 surfaces as bms.ErrUnauthorized; the worker owns the
// single full refresh per iteration.
func (a *Adapter) ReadCurrentValues(ctx context.Context, signalIDs []string) (map[string]bms.Value, error) {
	ctx, cancel := context.WithTimeout(ctx, bms.ReadTimeout)
	defer cancel()
	return a.readSubscription(ctx, signalIDs)
}

func (a *Adapter) readSubscription(ctx context.Context, signalIDs []string) (map[string]bms.Value, error) {
	pathKey := strings.Join(signalIDs, "\x00")

	a.mu.Lock()
	handle := a.subHandle
	stale := a.subPaths != pathKey
	a.mu.Unlock()

	if handle == "" || stale {
		h, err := a.createSubscription(ctx, signalIDs)
		if err != nil {
			return nil, err
		}
		a.mu.Lock()
		a.subHandle = h
		a.subPaths = pathKey
		a.mu.Unlock()
		handle = h
	}

	values, err := a.pollSubscription(ctx, handle)
	if err != nil {
		// Drop the handle so the next read recreates the subscription.
		a.mu.Lock()
		if a.subHandle == handle {
			a.subHandle = ""
		}
		a.mu.Unlock()
		return nil, err
	}
	return values, nil
}

func (a *Adapter) createSubscription(ctx context.Context, paths []string) (string, error) {
	var out struct {
		Handle string `json:"handle"`
	}
	if err := a.doJSON(ctx, http.MethodPost, "/api/v1/subscriptions", map[string]interface{}{"paths": paths}, &out); err != nil {
		return "", fmt.Errorf("creating subscription: %w", err)
	}
	if out.Handle == "" {
		return "", fmt.Errorf("subscription create returned empty handle")
	}
	a.logger.Debugw("Created value subscription", "paths", len(paths), "handle", out.Handle)
	return out.Handle, nil
}

func (a *Adapter) pollSubscription(ctx context.Context, handle string) (map[string]bms.Value, error) {
	var out struct {
		Values []struct {
			Path  string `json:"path"`
			Value string `json:"value"` // hex-encoded IEEE-754 double
			Type  string `json:"type"`
		} `json:"values"`
	}
	if err := a.doJSON(ctx, http.MethodGet, "/api/v1/subscriptions/"+handle, nil, &out); err != nil {
		return nil, fmt.Errorf("polling subscription %s: %w", handle, err)
	}

	values := make(map[string]bms.Value, len(out.Values))
	for _, v := range out.Values {
		f, err := decodeHexDouble(v.Value)
		if err != nil {
			a.logger.Warnw("Dropping undecodable subscription value", "path", v.Path, "error", err)
			continue
		}
		if v.Type == "boolean" {
			values[v.Path] = bms.Value{Bool: f != 0, IsBool: true}
			continue
		}
		values[v.Path] = bms.Value{Float: f}
	}
	return values, nil
}

// ReadHistory fetches trend-log samples per signal path.
func (a *Adapter) ReadHistory(ctx context.Context, signalIDs []string, from, to time.Time, resolution time.Duration) (map[string][]bms.Point, error) {
	ctx, cancel := context.WithTimeout(ctx, bms.HistoryTimeout)
	defer cancel()

	out := make(map[string][]bms.Point, len(signalIDs))
	for _, id := range signalIDs {
		var resp struct {
			Records []struct {
				Timestamp time.Time `json:"timestamp"`
				Value     string    `json:"value"`
			} `json:"records"`
		}
		payload := map[string]interface{}{
			"path":              id,
			"from":              from.UTC().Format(time.RFC3339),
			"to":                to.UTC().Format(time.RFC3339),
			"resolutionSeconds": int(resolution.Seconds()),
		}
		if err := a.doJSON(ctx, http.MethodPost, "/api/v1/trendlog", payload, &resp); err != nil {
			return nil, fmt.Errorf("trend log for %s: %w", id, err)
		}
		points := make([]bms.Point, 0, len(resp.Records))
		for _, r := range resp.Records {
			f, err := decodeHexDouble(r.Value)
			if err != nil {
				a.logger.Warnw("Dropping undecodable trend record", "path", id, "error", err)
				continue
			}
			points = append(points, bms.Point{Time: r.Timestamp, Value: f})
		}
		out[id] = points
	}
	return out, nil
}

// GetAlarms returns the server's active alarm list.
func (a *Adapter) GetAlarms(ctx context.Context) ([]bms.Alarm, error) {
	ctx, cancel := context.WithTimeout(ctx, bms.ReadTimeout)
	defer cancel()

	var out struct {
		Alarms []struct {
			ID        string    `json:"id"`
			Source    string    `json:"source"`
			Message   string    `json:"message"`
			Priority  int       `json:"priority"`
			Triggered time.Time `json:"triggered"`
		} `json:"alarms"`
	}
	if err := a.doJSON(ctx, http.MethodGet, "/api/v1/alarms", nil, &out); err != nil {
		return nil, err
	}

	alarms := make([]bms.Alarm, 0, len(out.Alarms))
	for _, al := range out.Alarms {
		alarms = append(alarms, bms.Alarm{
			ID:       al.ID,
			Path:     al.Source,
			Message:  al.Message,
			Priority: al.Priority,
			Raised:   al.Triggered,
		})
	}
	return alarms, nil
}

// ListSignals enumerates readable points for onboarding.
func (a *Adapter) ListSignals(ctx context.Context) ([]bms.SignalInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, bms.ReadTimeout)
	defer cancel()

	var out struct {
		Points []struct {
			Path  string `json:"path"`
			Name  string `json:"name"`
			Unit  string `json:"unit"`
			Value string `json:"value"`
		} `json:"points"`
	}
	if err := a.doJSON(ctx, http.MethodGet, "/api/v1/points", nil, &out); err != nil {
		return nil, err
	}

	infos := make([]bms.SignalInfo, 0, len(out.Points))
	for _, p := range out.Points {
		f, err := decodeHexDouble(p.Value)
		if err != nil {
			f = 0
		}
		infos = append(infos, bms.SignalInfo{
			ID:    p.Path,
			Name:  p.Name,
			Unit:  p.Unit,
			Value: bms.Value{Float: f},
		})
	}
	return infos, nil
}

// ForceValue issues a timed-force write: the server applies the value
// immediately and releases it after duration. Used by external control
// tooling only; the polling loop never writes.
func (a *Adapter) ForceValue(ctx context.Context, path string, value float64, duration time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, bms.ReadTimeout)
	defer cancel()

	payload := map[string]interface{}{
		"path":            path,
		"value":           encodeHexDouble(value),
		"releaseAfterSec": int(duration.Seconds()),
	}
	if err := a.doJSON(ctx, http.MethodPost, "/api/v1/force", payload, nil); err != nil {
		return fmt.Errorf("forcing %s: %w", path, err)
	}
	a.logger.Infow("Forced value with timed release", "path", path, "value", value, "release", duration)
	return nil
}

// Close releases the subscription and drops the session.
func (a *Adapter) Close(ctx context.Context) error {
	a.mu.Lock()
	handle := a.subHandle
	token := a.sessionToken
	a.subHandle = ""
	a.sessionToken = ""
	a.mu.Unlock()

	if handle == "" || token == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, a.baseURL+"/api/v1/subscriptions/"+handle, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil // best effort on shutdown
	}
	resp.Body.Close()
	return nil
}
