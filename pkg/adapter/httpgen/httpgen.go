// Package httpgen is a generic JSON-over-HTTP generation adapter.
//
// The provider is expected to expose:
//
//	POST {base}/v1/generate   body is the request payload, reply {"result": ..., "credits": 1.5}
//	GET  {base}/v1/health     any 2xx is healthy
//	GET  {base}/v1/balance    reply {"remaining": 1234}
package httpgen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pario-ai/genroute/pkg/adapter"
	"github.com/pario-ai/genroute/pkg/models"
)

func init() {
	adapter.Register("http", func(spec models.AccountSpec) (adapter.Adapter, error) {
		return New(spec, nil)
	})
}

// maximum error body kept in messages
const maxErrorBody = 512

// Adapter talks to one provider account.
type Adapter struct {
	base   *url.URL
	apiKey string
	caps   []models.Capability
	client *http.Client
	header map[string]string
}

// New builds an adapter for spec. A nil client uses a fresh http.Client.
// Options prefixed with "header." are sent as extra request headers.
func New(spec models.AccountSpec, client *http.Client) (*Adapter, error) {
	if spec.BaseURL == "" {
		return nil, fmt.Errorf("account %s: base_url is required for http adapters", spec.ID)
	}
	base, err := url.Parse(strings.TrimRight(spec.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("account %s: invalid base_url: %w", spec.ID, err)
	}
	if client == nil {
		client = &http.Client{}
	}
	header := make(map[string]string)
	for k, v := range spec.Options {
		if name, ok := strings.CutPrefix(k, "header."); ok {
			header[name] = v
		}
	}
	return &Adapter{
		base:   base,
		apiKey: spec.APIKey,
		caps:   append([]models.Capability(nil), spec.Capabilities...),
		client: client,
		header: header,
	}, nil
}

// Capabilities returns the tiers this account serves.
func (a *Adapter) Capabilities() []models.Capability { return a.caps }

type generateResponse struct {
	Result  json.RawMessage `json:"result"`
	Credits float64         `json:"credits"`
}

// Dispatch posts the payload to the generate endpoint.
func (a *Adapter) Dispatch(ctx context.Context, payload json.RawMessage, timeout time.Duration) (adapter.Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	status, body, err := a.do(ctx, http.MethodPost, "/v1/generate", payload)
	if err != nil {
		return adapter.Result{}, &adapter.Error{Kind: adapter.KindTransient, Err: err}
	}
	if kind := adapter.Classify(status); kind != "" {
		return adapter.Result{}, &adapter.Error{Kind: kind, StatusCode: status, Err: errors.New(truncate(body))}
	}

	var resp generateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return adapter.Result{}, &adapter.Error{Kind: adapter.KindTransient, StatusCode: status, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(resp.Result) == 0 {
		resp.Result = body
	}
	return adapter.Result{Payload: resp.Result, CreditsConsumed: adapter.Credits(resp.Credits)}, nil
}

// Probe calls the health endpoint.
func (a *Adapter) Probe(ctx context.Context, timeout time.Duration) models.HealthSample {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	start := time.Now()
	status, body, err := a.do(ctx, http.MethodGet, "/v1/health", nil)
	sample := models.HealthSample{Latency: time.Since(start), At: time.Now().UTC()}
	if err != nil {
		sample.Result = models.ProbeFailed
		sample.Message = err.Error()
		return sample
	}
	switch adapter.Classify(status) {
	case "":
		sample.Result = models.ProbeOK
	case adapter.KindAuth:
		sample.Result = models.ProbeAuth
		sample.Message = fmt.Sprintf("status %d", status)
	case adapter.KindQuotaExhausted:
		// reachable but out of credits; the budget tracker deals with it
		sample.Result = models.ProbeSoft
		sample.Message = "quota exhausted"
	default:
		if status == http.StatusTooManyRequests {
			sample.Result = models.ProbeSoft
		} else {
			sample.Result = models.ProbeFailed
		}
		sample.Message = fmt.Sprintf("status %d: %s", status, truncate(body))
	}
	return sample
}

// Balance queries the remaining credits, rounded down.
func (a *Adapter) Balance(ctx context.Context) (int64, error) {
	status, body, err := a.do(ctx, http.MethodGet, "/v1/balance", nil)
	if err != nil {
		return 0, err
	}
	if kind := adapter.Classify(status); kind != "" {
		return 0, &adapter.Error{Kind: kind, StatusCode: status, Err: errors.New(truncate(body))}
	}
	var resp struct {
		Remaining float64 `json:"remaining"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("decode balance: %w", err)
	}
	if resp.Remaining < 0 {
		return 0, nil
	}
	return int64(math.Floor(resp.Remaining)), nil
}

func (a *Adapter) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.base.String()+path, rd)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
	for k, v := range a.header {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

func truncate(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	return s
}
