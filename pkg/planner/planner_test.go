package planner

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pario-ai/genroute/pkg/budget"
	"github.com/pario-ai/genroute/pkg/models"
)

func defaultTarget() Target {
	return Target{
		PerDay: 96,
		Ratios: map[models.Capability]float64{
			models.CapabilityPremium:  0.125,
			models.CapabilityStandard: 0.25,
			models.CapabilityVolume:   0.625,
		},
		Platforms: []models.Platform{models.PlatformYouTube, models.PlatformTikTok},
	}
}

func newPlanner() *Planner {
	p := New(models.DefaultTiers())
	p.now = func() time.Time { return time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC) }
	return p
}

func TestCounts(t *testing.T) {
	got := newPlanner().Counts(defaultTarget())
	if got[models.CapabilityPremium] != 12 || got[models.CapabilityStandard] != 24 || got[models.CapabilityVolume] != 60 {
		t.Errorf("expected 12/24/60, got %v", got)
	}
}

func TestCountsLargestRemainder(t *testing.T) {
	target := Target{PerDay: 10, Ratios: map[models.Capability]float64{
		models.CapabilityPremium:  1,
		models.CapabilityStandard: 1,
		models.CapabilityVolume:   1,
	}}
	got := newPlanner().Counts(target)
	sum := got[models.CapabilityPremium] + got[models.CapabilityStandard] + got[models.CapabilityVolume]
	if sum != 10 {
		t.Fatalf("counts must sum to PerDay, got %v", got)
	}
	// equal remainders go to the most expensive tier first
	if got[models.CapabilityPremium] != 4 {
		t.Errorf("expected premium to take the extra request, got %v", got)
	}
}

func TestPlanSpreadsEvenly(t *testing.T) {
	batches := newPlanner().Plan(defaultTarget(), 24)
	if len(batches) != 24 {
		t.Fatalf("expected 24 batches, got %d", len(batches))
	}

	perTier := map[models.Capability]int{}
	keys := map[string]bool{}
	for i, b := range batches {
		if b.Slot != i || b.At.Hour() != i {
			t.Errorf("batch %d has slot %d at %v", i, b.Slot, b.At)
		}
		if n := len(b.Requests); n < 3 || n > 5 {
			t.Errorf("expected 3 to 5 requests in slot %d, got %d", i, n)
		}
		for _, r := range b.Requests {
			perTier[r.Capability]++
			if keys[r.IdempotencyKey] {
				t.Errorf("duplicate key %s", r.IdempotencyKey)
			}
			keys[r.IdempotencyKey] = true
			if !strings.HasPrefix(r.IdempotencyKey, "plan-2026-03-10-") {
				t.Errorf("unexpected key %s", r.IdempotencyKey)
			}
			if err := r.Validate(); err != nil {
				t.Errorf("planned request invalid: %v", err)
			}
		}
	}
	if perTier[models.CapabilityPremium] != 12 || perTier[models.CapabilityVolume] != 60 {
		t.Errorf("unexpected tier totals %v", perTier)
	}
}

func TestPlanKeysStable(t *testing.T) {
	p := newPlanner()
	a := p.Plan(defaultTarget(), 4)
	b := p.Plan(defaultTarget(), 4)
	if a[0].Requests[0].IdempotencyKey != b[0].Requests[0].IdempotencyKey {
		t.Error("keys should be stable across runs on the same day")
	}
	if a[0].Requests[0].ID == b[0].Requests[0].ID {
		t.Error("request ids should be fresh")
	}
}

func TestRebalanceShiftsUncoveredShare(t *testing.T) {
	totals := budget.DailyTotals{
		Remaining: map[models.Capability]int64{
			models.CapabilityPremium:  300, // 3 premium requests
			models.CapabilityStandard: 100000,
		},
		Unlimited: map[models.Capability]bool{models.CapabilityVolume: true},
	}
	p := newPlanner()
	got := p.Counts(p.Rebalance(defaultTarget(), totals, 0.5))

	// 6 premium left to produce, 3 affordable
	if got[models.CapabilityPremium] != 9 {
		t.Errorf("expected 9 premium, got %v", got)
	}
	if got[models.CapabilityStandard] != 24 || got[models.CapabilityVolume] != 63 {
		t.Errorf("expected 24 standard and 63 volume, got %v", got)
	}
}

func TestRebalanceNoChangeWhenCovered(t *testing.T) {
	totals := budget.DailyTotals{Unlimited: map[models.Capability]bool{
		models.CapabilityPremium: true, models.CapabilityStandard: true, models.CapabilityVolume: true,
	}}
	target := defaultTarget()
	got := newPlanner().Rebalance(target, totals, 0.1)
	if got.Ratios[models.CapabilityPremium] != 0.125 {
		t.Errorf("target should be unchanged, got %v", got.Ratios)
	}
}

type fakeSubmitter struct {
	mu   sync.Mutex
	seen []models.GenerationRequest
}

func (f *fakeSubmitter) Submit(_ context.Context, req models.GenerationRequest) models.DispatchOutcome {
	f.mu.Lock()
	f.seen = append(f.seen, req)
	f.mu.Unlock()
	if req.Capability == models.CapabilityPremium {
		return models.DispatchOutcome{Status: models.StatusFailed, Kind: models.KindNoCapacity}
	}
	return models.DispatchOutcome{
		Status:          models.StatusSucceeded,
		CreditsConsumed: 20,
		Meta:            models.OutcomeMeta{WasDowngraded: req.Capability == models.CapabilityStandard},
	}
}

func TestRunnerReport(t *testing.T) {
	sub := &fakeSubmitter{}
	batches := newPlanner().Plan(defaultTarget(), 6)

	rep, err := NewRunner(sub, 3).Run(context.Background(), batches)
	if err != nil {
		t.Fatal(err)
	}
	submitted, succeeded := rep.Total()
	if submitted != 96 || succeeded != 84 {
		t.Errorf("expected 96 submitted and 84 succeeded, got %d/%d", submitted, succeeded)
	}
	prem := rep.Tiers[models.CapabilityPremium]
	if prem.Failed[models.KindNoCapacity] != 12 {
		t.Errorf("expected 12 no_capacity failures, got %v", prem.Failed)
	}
	std := rep.Tiers[models.CapabilityStandard]
	if std.Downgraded != 24 || std.Credits != 480 {
		t.Errorf("unexpected standard report %+v", std)
	}
}

func TestRunnerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep, err := NewRunner(&fakeSubmitter{}, 1).Run(ctx, newPlanner().Plan(defaultTarget(), 2))
	if err == nil {
		t.Fatal("expected context error")
	}
	if submitted, _ := rep.Total(); submitted != 0 {
		t.Errorf("expected nothing submitted, got %d", submitted)
	}
}
