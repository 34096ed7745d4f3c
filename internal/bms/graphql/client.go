// Package graphql is the shared GraphQL transport used by the portal and
// direct BMS adapters.
package graphql

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/heatpilot/heatpilot/internal/bms"
)

// Client posts GraphQL queries to a single endpoint with a caller-supplied
// bearer token source.
type Client struct {
	httpClient *http.Client
	endpoint   string
	token      func() string
}

// NewClient builds a client for the endpoint. token is consulted per
// request so the adapter can rotate bearers without rebuilding the client.
func NewClient(httpClient *http.Client, endpoint string, token func() string) *Client {
	return &Client{httpClient: httpClient, endpoint: endpoint, token: token}
}

type request struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type response struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message    string `json:"message"`
		Extensions struct {
			Code string `json:"code"`
		} `json:"extensions"`
	} `json:"errors"`
}

// Do executes one query and decodes the data payload into dest.
// A 401 response or an UNAUTHENTICATED error code maps to
// bms.ErrUnauthorized so callers can trigger a token refresh.
func (c *Client) Do(ctx context.Context, query string, variables map[string]interface{}, dest interface{}) error {
	body, err := json.Marshal(request{Query: query, Variables: variables})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token := c.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("graphql request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return bms.ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("graphql status %d: %s", resp.StatusCode, msg)
	}

	var envelope response
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decoding graphql response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		first := envelope.Errors[0]
		if first.Extensions.Code == "UNAUTHENTICATED" {
			return bms.ErrUnauthorized
		}
		return fmt.Errorf("graphql error: %s", first.Message)
	}
	if dest != nil {
		if err := json.Unmarshal(envelope.Data, dest); err != nil {
			return fmt.Errorf("decoding graphql data: %w", err)
		}
	}
	return nil
}
