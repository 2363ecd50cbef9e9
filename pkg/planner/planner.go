// Package planner turns a daily production target into batches of
// generation requests and feeds them to the router.
package planner

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/pario-ai/genroute/pkg/budget"
	"github.com/pario-ai/genroute/pkg/logging"
	"github.com/pario-ai/genroute/pkg/models"
)

// Target is a day's production goal.
type Target struct {
	PerDay    int
	Ratios    map[models.Capability]float64
	Platforms []models.Platform
}

// Batch is the set of requests due in one slot of the day.
type Batch struct {
	Slot     int
	At       time.Time
	Requests []models.GenerationRequest
}

// Planner knows tier pricing, which Rebalance needs.
type Planner struct {
	tiers []models.TierConfig
	now   func() time.Time
}

// New returns a Planner for the given tier table.
func New(tiers []models.TierConfig) *Planner {
	return &Planner{tiers: tiers, now: func() time.Time { return time.Now().UTC() }}
}

// order lists tiers most expensive first, the tiebreak for rounding.
func (p *Planner) order(ratios map[models.Capability]float64) []models.Capability {
	cost := make(map[models.Capability]int64, len(p.tiers))
	for _, t := range p.tiers {
		cost[t.Capability] = t.CostPerUnit
	}
	caps := make([]models.Capability, 0, len(ratios))
	for c := range ratios {
		caps = append(caps, c)
	}
	sort.Slice(caps, func(i, j int) bool {
		if cost[caps[i]] != cost[caps[j]] {
			return cost[caps[i]] > cost[caps[j]]
		}
		return caps[i] < caps[j]
	})
	return caps
}

// Counts splits PerDay across tiers by normalized ratio using largest
// remainder rounding, so the counts always sum to PerDay.
func (p *Planner) Counts(target Target) map[models.Capability]int {
	out := make(map[models.Capability]int, len(target.Ratios))
	var sum float64
	for _, r := range target.Ratios {
		if r > 0 {
			sum += r
		}
	}
	if target.PerDay <= 0 || sum == 0 {
		return out
	}

	caps := p.order(target.Ratios)
	type share struct {
		c    models.Capability
		frac float64
	}
	shares := make([]share, 0, len(caps))
	assigned := 0
	for _, c := range caps {
		r := target.Ratios[c]
		if r <= 0 {
			continue
		}
		raw := float64(target.PerDay) * r / sum
		whole := int(math.Floor(raw + 1e-9))
		out[c] = whole
		assigned += whole
		shares = append(shares, share{c: c, frac: raw - float64(whole)})
	}
	sort.SliceStable(shares, func(i, j int) bool { return shares[i].frac > shares[j].frac })
	for i := 0; assigned < target.PerDay; i++ {
		out[shares[i%len(shares)].c]++
		assigned++
	}
	return out
}

// Plan spreads the day's requests evenly over slots. Request ids are fresh
// uuids; idempotency keys are stable per day, tier and sequence number so
// re-running a plan is safe.
func (p *Planner) Plan(target Target, slots int) []Batch {
	if slots <= 0 {
		slots = 1
	}
	now := p.now()
	day := now.Format("2006-01-02")
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	width := 24 * time.Hour / time.Duration(slots)

	platforms := target.Platforms
	if len(platforms) == 0 {
		platforms = []models.Platform{models.PlatformGeneric}
	}

	counts := p.Counts(target)
	batches := make([]Batch, slots)
	for i := range batches {
		batches[i] = Batch{Slot: i, At: start.Add(time.Duration(i) * width)}
	}

	seq := 0
	for _, c := range p.order(target.Ratios) {
		n := counts[c]
		made := 0
		for i := 0; i < slots; i++ {
			due := (i+1)*n/slots - i*n/slots
			for k := 0; k < due; k++ {
				made++
				platform := platforms[seq%len(platforms)]
				seq++
				batches[i].Requests = append(batches[i].Requests, models.GenerationRequest{
					ID:             uuid.NewString(),
					Platform:       platform,
					Capability:     c,
					Payload:        payload(c, platform, i),
					IdempotencyKey: fmt.Sprintf("plan-%s-%s-%d", day, c, made),
				})
			}
		}
	}
	return batches
}

func payload(c models.Capability, platform models.Platform, slot int) json.RawMessage {
	b, _ := json.Marshal(map[string]any{"tier": c, "platform": platform, "slot": slot})
	return b
}

// Rebalance moves the part of each paid tier's remaining share that the
// pool can no longer pay for onto the zero-cost tier. progress is the
// fraction of the day already produced.
func (p *Planner) Rebalance(target Target, totals budget.DailyTotals, progress float64) Target {
	progress = math.Max(0, math.Min(1, progress))
	var zero models.Capability
	hasZero := false
	for _, t := range p.tiers {
		if t.CostPerUnit == 0 {
			zero, hasZero = t.Capability, true
			break
		}
	}
	if !hasZero || target.PerDay <= 0 {
		return target
	}

	counts := p.Counts(target)
	shifted := 0
	for _, t := range p.tiers {
		planned := counts[t.Capability]
		if t.CostPerUnit == 0 || planned == 0 {
			continue
		}
		left := int(math.Ceil(float64(planned) * (1 - progress)))
		if totals.Covers(t.Capability, int64(left)*t.CostPerUnit) {
			continue
		}
		affordable := int(totals.Remaining[t.Capability] / t.CostPerUnit)
		if affordable > left {
			affordable = left
		}
		move := left - affordable
		counts[t.Capability] -= move
		counts[zero] += move
		shifted += move
		logging.Component("planner").Info("shifting share to zero-cost tier",
			"tier", t.Capability, "requests", move, "remaining_credits", totals.Remaining[t.Capability])
	}
	if shifted == 0 {
		return target
	}

	out := Target{
		PerDay:    target.PerDay,
		Ratios:    make(map[models.Capability]float64, len(counts)),
		Platforms: target.Platforms,
	}
	for c, n := range counts {
		out.Ratios[c] = float64(n) / float64(target.PerDay)
	}
	return out
}
