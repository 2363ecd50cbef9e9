package mcp

import (
	"fmt"
	"strings"

	"github.com/pario-ai/genroute/pkg/models"
)

func formatRemaining(r *int64) string {
	if r == nil {
		return "unlimited"
	}
	return fmt.Sprintf("%d", *r)
}

func formatAccounts(rows []models.AccountStatus) string {
	if len(rows) == 0 {
		return "No accounts registered."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-12s %-26s %4s %-9s %12s %10s %6s\n",
		"Account", "Provider", "Tiers", "Prio", "Health", "Remaining", "Today", "Active")
	b.WriteString(strings.Repeat("-", 106) + "\n")
	for _, r := range rows {
		tiers := make([]string, len(r.Capabilities))
		for i, c := range r.Capabilities {
			tiers[i] = string(c)
		}
		remaining := formatRemaining(r.Remaining)
		if r.Stale {
			remaining += "*"
		}
		fmt.Fprintf(&b, "%-20s %-12s %-26s %4d %-9s %12s %10d %6t\n",
			r.AccountID, r.Provider, strings.Join(tiers, ","), r.Priority, r.Health, remaining, r.ConsumedToday, r.Active)
	}
	return b.String()
}

func formatSummary(rows []models.UsageSummary) string {
	if len(rows) == 0 {
		return "No usage data found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-10s %8s %10s %10s\n",
		"Account", "Tier", "Requests", "Credits", "Downgraded")
	b.WriteString(strings.Repeat("-", 62) + "\n")
	for _, r := range rows {
		fmt.Fprintf(&b, "%-20s %-10s %8d %10d %10d\n",
			r.AccountID, r.Capability, r.RequestCount, r.Credits, r.Downgraded)
	}
	return b.String()
}

func formatAttempts(entries []models.AttemptEntry) string {
	if len(entries) == 0 {
		return "No attempts found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-38s %-20s %-9s %3s %-16s %8s %8s\n",
		"Time", "Request", "Account", "Tier", "#", "Result", "Credits", "ms")
	b.WriteString(strings.Repeat("-", 130) + "\n")
	for _, e := range entries {
		kind := e.Kind
		if kind == "" {
			kind = "ok"
		}
		fmt.Fprintf(&b, "%-20s %-38s %-20s %-9s %3d %-16s %8d %8d\n",
			e.CreatedAt.Format("2006-01-02 15:04:05"), e.RequestID, e.AccountID, e.Capability,
			e.Attempt, kind, e.Credits, e.LatencyMs)
		if e.Message != "" {
			fmt.Fprintf(&b, "    %s\n", e.Message)
		}
	}
	return b.String()
}

func formatCacheStats(stats models.CacheStats) string {
	total := stats.Hits + stats.Misses
	hitRate := float64(0)
	if total > 0 {
		hitRate = float64(stats.Hits) / float64(total) * 100
	}
	return fmt.Sprintf("Replay Cache\n"+
		"  Entries:  %d\n"+
		"  Hits:     %d\n"+
		"  Misses:   %d\n"+
		"  Hit Rate: %.1f%%\n",
		stats.Entries, stats.Hits, stats.Misses, hitRate)
}
