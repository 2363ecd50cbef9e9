package budget

import (
	"github.com/pario-ai/genroute/pkg/models"
)

// DailyTotals is the pool-wide budget picture the planner works from.
type DailyTotals struct {
	Day           string
	ConsumedToday int64
	// remaining finite credits across usable accounts per tier; an account
	// serving several tiers counts toward each
	Remaining map[models.Capability]int64
	// tiers with at least one usable unlimited account
	Unlimited map[models.Capability]bool
}

// Covers reports whether a tier can pay for credits more work.
func (d DailyTotals) Covers(c models.Capability, credits int64) bool {
	return d.Unlimited[c] || d.Remaining[c] >= credits
}

// Aggregate sums budget state over active, non-dead accounts.
func (t *Tracker) Aggregate() DailyTotals {
	out := DailyTotals{
		Day:       dayKey(t.now()),
		Remaining: make(map[models.Capability]int64),
		Unlimited: make(map[models.Capability]bool),
	}
	for _, a := range t.reg.List() {
		if a.Budget.Day == out.Day {
			out.ConsumedToday += a.Budget.ConsumedToday
		}
		if !a.Active || a.Health == models.HealthDead {
			continue
		}
		for _, c := range a.Capabilities {
			if a.Budget.Unlimited() {
				out.Unlimited[c] = true
				continue
			}
			out.Remaining[c] += *a.Budget.Remaining
		}
	}
	return out
}
