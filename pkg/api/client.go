package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pario-ai/genroute/pkg/models"
)

// Client talks to a running genroute server.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// NewClient returns a Client for base, e.g. "http://localhost:8090".
func NewClient(base, token string) *Client {
	return &Client{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}
}

// BaseURL turns a listen address like ":8090" into a local URL.
func BaseURL(listen string) string {
	if strings.HasPrefix(listen, "http://") || strings.HasPrefix(listen, "https://") {
		return listen
	}
	if strings.HasPrefix(listen, ":") {
		return "http://localhost" + listen
	}
	return "http://" + listen
}

// Accounts returns the account status table.
func (c *Client) Accounts(ctx context.Context) ([]models.AccountStatus, error) {
	var out []models.AccountStatus
	err := c.do(ctx, http.MethodGet, "/v1/accounts", nil, &out)
	return out, err
}

// Emergency reports whether emergency mode is on.
func (c *Client) Emergency(ctx context.Context) (bool, error) {
	var out emergencyBody
	if err := c.do(ctx, http.MethodGet, "/v1/emergency", nil, &out); err != nil {
		return false, err
	}
	return out.Enabled != nil && *out.Enabled, nil
}

// SetEmergency switches emergency mode and returns the new state.
func (c *Client) SetEmergency(ctx context.Context, on bool) (bool, error) {
	var out emergencyBody
	if err := c.do(ctx, http.MethodPut, "/v1/emergency", emergencyBody{Enabled: &on}, &out); err != nil {
		return false, err
	}
	return out.Enabled != nil && *out.Enabled, nil
}

// Generate submits one request.
func (c *Client) Generate(ctx context.Context, req models.GenerationRequest) (models.DispatchOutcome, error) {
	var out models.DispatchOutcome
	err := c.do(ctx, http.MethodPost, "/v1/generate", req, &out)
	if err != nil && out.Status != "" {
		// failed outcomes come back with a non-2xx status and a full body
		return out, nil
	}
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if out != nil && len(data) > 0 {
		_ = json.Unmarshal(data, out)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return nil
}
