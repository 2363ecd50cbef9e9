package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/pario-ai/genroute/pkg/models"
)

type fakeControl struct {
	accounts  []models.AccountStatus
	emergency bool
}

func (f *fakeControl) Accounts(context.Context) ([]models.AccountStatus, error) {
	return f.accounts, nil
}
func (f *fakeControl) Emergency(context.Context) (bool, error) { return f.emergency, nil }
func (f *fakeControl) SetEmergency(_ context.Context, on bool) (bool, error) {
	f.emergency = on
	return on, nil
}

type fakeUsage struct {
	summaries []models.UsageSummary
	asked     string
}

func (f *fakeUsage) Summary(_ context.Context, accountID string) ([]models.UsageSummary, error) {
	f.asked = accountID
	return f.summaries, nil
}

type fakeCache struct {
	stats models.CacheStats
}

func (f *fakeCache) Stats() (models.CacheStats, error) { return f.stats, nil }

type fakeAudit struct {
	entries []models.AttemptEntry
	opts    models.AuditQueryOpts
}

func (f *fakeAudit) Query(_ context.Context, opts models.AuditQueryOpts) ([]models.AttemptEntry, error) {
	f.opts = opts
	return f.entries, nil
}

func sendAndReceive(t *testing.T, srv *Server, req Request) Response {
	t.Helper()
	line, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	line = append(line, '\n')

	var out bytes.Buffer
	if err := srv.Run(context.Background(), bytes.NewReader(line), &out); err != nil {
		t.Fatal(err)
	}

	var resp Response
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v\nraw: %s", err, out.String())
	}
	return resp
}

func callTool(t *testing.T, srv *Server, name, args string) ToolCallResult {
	t.Helper()
	params, _ := json.Marshal(ToolCallParams{Name: name, Arguments: json.RawMessage(args)})
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`7`),
		Method:  "tools/call",
		Params:  params,
	})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	data, _ := json.Marshal(resp.Result)
	var result ToolCallResult
	json.Unmarshal(data, &result)
	if len(result.Content) == 0 {
		t.Fatal("expected content")
	}
	return result
}

func TestInitialize(t *testing.T) {
	srv := New(nil, nil, nil, nil, "test")
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`1`),
		Method:  "initialize",
	})

	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}

	data, _ := json.Marshal(resp.Result)
	var result InitializeResult
	json.Unmarshal(data, &result)

	if result.ProtocolVersion != ProtocolVersion {
		t.Errorf("protocol version = %s, want %s", result.ProtocolVersion, ProtocolVersion)
	}
	if result.ServerInfo.Name != "genroute" {
		t.Errorf("server name = %s, want genroute", result.ServerInfo.Name)
	}
}

func TestToolsList(t *testing.T) {
	srv := New(nil, nil, nil, nil, "test")
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`2`),
		Method:  "tools/list",
	})

	data, _ := json.Marshal(resp.Result)
	var result ToolsListResult
	json.Unmarshal(data, &result)

	if len(result.Tools) != len(tools) {
		t.Errorf("got %d tools, want %d", len(result.Tools), len(tools))
	}
	for _, tool := range result.Tools {
		if _, ok := lookupTool(tool.Name); !ok {
			t.Errorf("listed tool %s has no handler", tool.Name)
		}
	}
}

func TestToolCallAccounts(t *testing.T) {
	ctl := &fakeControl{accounts: []models.AccountStatus{
		{AccountID: "runway-1", Provider: "runway", Capabilities: []models.Capability{models.CapabilityPremium}, Health: models.HealthDegraded, Remaining: models.Int64(1200), Stale: true, Active: true},
		{AccountID: "local-1", Provider: "local", Capabilities: []models.Capability{models.CapabilityVolume}, Active: true},
	}}
	text := callTool(t, New(ctl, nil, nil, nil, "test"), "genroute_accounts", `{}`).Content[0].Text

	for _, want := range []string{"runway-1", "degraded", "1200*", "unlimited"} {
		if !strings.Contains(text, want) {
			t.Errorf("expected %q in output:\n%s", want, text)
		}
	}
}

func TestToolCallEmergency(t *testing.T) {
	ctl := &fakeControl{}
	srv := New(ctl, nil, nil, nil, "test")

	if text := callTool(t, srv, "genroute_emergency", `{}`).Content[0].Text; !strings.Contains(text, "off") {
		t.Errorf("expected off, got %s", text)
	}
	if text := callTool(t, srv, "genroute_emergency", `{"enabled":true}`).Content[0].Text; !strings.Contains(text, "ON") {
		t.Errorf("expected ON, got %s", text)
	}
	if !ctl.emergency {
		t.Error("expected emergency switched on")
	}
}

func TestToolCallStats(t *testing.T) {
	usage := &fakeUsage{summaries: []models.UsageSummary{
		{AccountID: "runway-1", Capability: models.CapabilityPremium, RequestCount: 10, Credits: 1000, Downgraded: 2},
	}}
	text := callTool(t, New(nil, usage, nil, nil, "test"), "genroute_stats", `{"account_id":"runway-1"}`).Content[0].Text

	if !strings.Contains(text, "runway-1") || !strings.Contains(text, "1000") {
		t.Errorf("unexpected output: %s", text)
	}
	if usage.asked != "runway-1" {
		t.Errorf("expected filter passed through, got %q", usage.asked)
	}
}

func TestToolCallNotConfigured(t *testing.T) {
	srv := New(nil, nil, nil, nil, "test")
	for _, name := range []string{"genroute_accounts", "genroute_emergency", "genroute_stats", "genroute_cache_stats", "genroute_audit_search"} {
		t.Run(name, func(t *testing.T) {
			if text := callTool(t, srv, name, `{}`).Content[0].Text; !strings.Contains(text, "not configured") {
				t.Errorf("expected 'not configured', got: %s", text)
			}
		})
	}
}

func TestToolCallCacheStats(t *testing.T) {
	cache := &fakeCache{stats: models.CacheStats{Entries: 42, Hits: 10, Misses: 5}}
	text := callTool(t, New(nil, nil, cache, nil, "test"), "genroute_cache_stats", "").Content[0].Text

	if !strings.Contains(text, "42") || !strings.Contains(text, "66.7%") {
		t.Errorf("unexpected cache stats output: %s", text)
	}
}

func TestToolCallAuditSearch(t *testing.T) {
	aud := &fakeAudit{entries: []models.AttemptEntry{
		{RequestID: "req-1", AccountID: "pika-1", Capability: models.CapabilityStandard, Attempt: 2, Kind: "transient", Message: "503 from upstream", CreatedAt: time.Now()},
	}}
	srv := New(nil, nil, nil, aud, "test")

	text := callTool(t, srv, "genroute_audit_search", `{"account_id":"pika-1","kind":"transient","since":"2026-03-01"}`).Content[0].Text
	if !strings.Contains(text, "503 from upstream") {
		t.Errorf("unexpected output: %s", text)
	}
	if aud.opts.AccountID != "pika-1" || aud.opts.Kind != "transient" || aud.opts.Limit != 50 || aud.opts.Since.IsZero() {
		t.Errorf("unexpected query opts %+v", aud.opts)
	}

	if res := callTool(t, srv, "genroute_audit_search", `{"since":"yesterday"}`); !res.IsError {
		t.Error("expected isError for bad date")
	}
}

func TestUnknownTool(t *testing.T) {
	if res := callTool(t, New(nil, nil, nil, nil, "test"), "genroute_usage", `{}`); !res.IsError {
		t.Error("expected isError for unknown tool")
	}
}

func TestNotificationNoResponse(t *testing.T) {
	srv := New(nil, nil, nil, nil, "test")

	line, _ := json.Marshal(Request{
		JSONRPC: "2.0",
		Method:  "notifications/initialized",
	})
	line = append(line, '\n')

	var out bytes.Buffer
	_ = srv.Run(context.Background(), bytes.NewReader(line), &out)

	if out.Len() != 0 {
		t.Errorf("expected no output for notification, got: %s", out.String())
	}
}

func TestUnknownMethod(t *testing.T) {
	srv := New(nil, nil, nil, nil, "test")
	resp := sendAndReceive(t, srv, Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`9`),
		Method:  "unknown/method",
	})

	if resp.Error == nil {
		t.Fatal("expected error for unknown method")
	}
	if resp.Error.Code != CodeMethodNotFound {
		t.Errorf("error code = %d, want %d", resp.Error.Code, CodeMethodNotFound)
	}
}

func TestInvalidVersion(t *testing.T) {
	resp := sendAndReceive(t, New(nil, nil, nil, nil, "test"), Request{
		JSONRPC: "1.0",
		ID:      json.RawMessage(`10`),
		Method:  "ping",
	})
	if resp.Error == nil || resp.Error.Code != CodeInvalidRequest {
		t.Errorf("expected invalid request error, got %+v", resp.Error)
	}
}
