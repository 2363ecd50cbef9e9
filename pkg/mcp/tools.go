package mcp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pario-ai/genroute/pkg/models"
)

type accountArgs struct {
	AccountID string `json:"account_id"`
}

type emergencyArgs struct {
	Enabled *bool `json:"enabled"`
}

type auditSearchArgs struct {
	AccountID string `json:"account_id"`
	RequestID string `json:"request_id"`
	Kind      string `json:"kind"`
	Since     string `json:"since"`
	Limit     int    `json:"limit"`
}

type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

type tool struct {
	ToolDefinition
	handle toolHandler
}

func str(desc string) Property { return Property{Type: "string", Description: desc} }

var tools = []tool{
	{
		ToolDefinition: ToolDefinition{
			Name:        "genroute_accounts",
			Description: "List provider accounts with health, remaining credits and in-flight work.",
			InputSchema: object(nil),
		},
		handle: handleAccounts,
	},
	{
		ToolDefinition: ToolDefinition{
			Name:        "genroute_emergency",
			Description: "Show emergency mode, or switch it when enabled is given. Emergency mode routes everything to the zero-cost tier.",
			InputSchema: object(map[string]Property{
				"enabled": {Type: "boolean", Description: "New emergency mode state (optional, omit to read)"},
			}),
		},
		handle: handleEmergency,
	},
	{
		ToolDefinition: ToolDefinition{
			Name:        "genroute_stats",
			Description: "Show dispatch counts and credits per account and tier, optionally for one account.",
			InputSchema: object(map[string]Property{
				"account_id": str("Filter by account id (optional)"),
			}),
		},
		handle: handleStats,
	},
	{
		ToolDefinition: ToolDefinition{
			Name:        "genroute_cache_stats",
			Description: "Show replay cache statistics (entries, hits, misses, hit rate).",
			InputSchema: object(nil),
		},
		handle: handleCacheStats,
	},
	{
		ToolDefinition: ToolDefinition{
			Name:        "genroute_audit_search",
			Description: "Search the attempt journal for adapter calls and their error kinds.",
			InputSchema: object(map[string]Property{
				"account_id": str("Filter by account id (optional)"),
				"request_id": str("Filter by request id (optional)"),
				"kind":       str("Filter by error kind, e.g. transient or quota_exhausted (optional)"),
				"since":      str("Start date in YYYY-MM-DD format (optional)"),
				"limit":      {Type: "integer", Description: "Maximum rows (default 50)"},
			}),
		},
		handle: handleAuditSearch,
	},
}

func definitions() []ToolDefinition {
	out := make([]ToolDefinition, len(tools))
	for i, t := range tools {
		out[i] = t.ToolDefinition
	}
	return out
}

func lookupTool(name string) (toolHandler, bool) {
	for _, t := range tools {
		if t.Name == name {
			return t.handle, true
		}
	}
	return nil, false
}

func handleAccounts(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	if s.control == nil {
		return textResult("Router control is not configured.")
	}
	accts, err := s.control.Accounts(ctx)
	if err != nil {
		return errorResult("Error fetching accounts: " + err.Error())
	}
	return textResult(formatAccounts(accts))
}

func handleEmergency(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	if s.control == nil {
		return textResult("Router control is not configured.")
	}
	var args emergencyArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}
	var on bool
	var err error
	if args.Enabled != nil {
		on, err = s.control.SetEmergency(ctx, *args.Enabled)
	} else {
		on, err = s.control.Emergency(ctx)
	}
	if err != nil {
		return errorResult("Error reaching router: " + err.Error())
	}
	if on {
		return textResult("Emergency mode: ON (zero-cost tier only)")
	}
	return textResult("Emergency mode: off")
}

func handleStats(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	if s.usage == nil {
		return textResult("Usage tracking is not configured.")
	}
	var args accountArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}
	rows, err := s.usage.Summary(ctx, args.AccountID)
	if err != nil {
		return errorResult("Error fetching stats: " + err.Error())
	}
	return textResult(formatSummary(rows))
}

func handleCacheStats(_ context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	if s.cache == nil {
		return textResult("Cache is not configured.")
	}
	stats, err := s.cache.Stats()
	if err != nil {
		return errorResult("Error fetching cache stats: " + err.Error())
	}
	return textResult(formatCacheStats(stats))
}

func handleAuditSearch(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	if s.auditor == nil {
		return textResult("Audit logging is not configured.")
	}
	var args auditSearchArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}

	opts := models.AuditQueryOpts{
		AccountID: args.AccountID,
		RequestID: args.RequestID,
		Kind:      args.Kind,
		Limit:     args.Limit,
	}
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if args.Since != "" {
		t, err := time.Parse("2006-01-02", args.Since)
		if err != nil {
			return errorResult("Invalid since date (use YYYY-MM-DD): " + err.Error())
		}
		opts.Since = t
	}

	entries, err := s.auditor.Query(ctx, opts)
	if err != nil {
		return errorResult("Error searching audit log: " + err.Error())
	}
	return textResult(formatAttempts(entries))
}
