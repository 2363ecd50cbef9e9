package budget

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pario-ai/genroute/pkg/adapter"
	"github.com/pario-ai/genroute/pkg/adapter/mock"
	"github.com/pario-ai/genroute/pkg/models"
	"github.com/pario-ai/genroute/pkg/registry"
)

func setup(t *testing.T, specs ...models.AccountSpec) (*Tracker, *registry.Registry) {
	t.Helper()
	reg := registry.New(models.DefaultTiers())
	for _, s := range specs {
		if _, err := reg.AddAccount(s); err != nil {
			t.Fatal(err)
		}
	}
	tr := New(reg, Options{Warning: 5000, Critical: 1000, AnomalyTolerance: 100})
	tr.now = func() time.Time { return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC) }
	return tr, reg
}

func limited(id string, budget int64) models.AccountSpec {
	return models.AccountSpec{ID: id, Provider: "p", Capabilities: []models.Capability{models.CapabilityPremium}, Budget: models.Int64(budget)}
}

func unlimited(id string) models.AccountSpec {
	return models.AccountSpec{ID: id, Provider: "p", Capabilities: []models.Capability{models.CapabilityVolume}}
}

func remaining(t *testing.T, reg *registry.Registry, id string) int64 {
	t.Helper()
	a, err := reg.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if a.Budget.Remaining == nil {
		t.Fatalf("%s has no limit", id)
	}
	return *a.Budget.Remaining
}

func collect(tr *Tracker) *[]models.ThresholdEvent {
	var mu sync.Mutex
	events := &[]models.ThresholdEvent{}
	tr.Subscribe(func(ev models.ThresholdEvent) {
		mu.Lock()
		defer mu.Unlock()
		*events = append(*events, ev)
	})
	return events
}

func TestRecordConsumptionClampsAtZero(t *testing.T) {
	tr, reg := setup(t, limited("a", 300))

	state, err := tr.RecordConsumption("a", 500)
	if err != nil {
		t.Fatal(err)
	}
	if *state.Remaining != 0 || state.ConsumedToday != 500 {
		t.Errorf("expected remaining 0 and consumed 500, got %d/%d", *state.Remaining, state.ConsumedToday)
	}
	if got := reg.ListEligible(models.CapabilityPremium, 0); len(got) != 0 {
		t.Error("exhausted account must be ineligible")
	}
	if _, err := tr.RecordConsumption("a", -1); err == nil {
		t.Error("expected error for negative credits")
	}
	if _, err := tr.RecordConsumption("ghost", 1); !errors.Is(err, registry.ErrUnknownAccount) {
		t.Errorf("expected ErrUnknownAccount, got %v", err)
	}
}

func TestThresholdEventsFireOnceOnDownwardCrossing(t *testing.T) {
	tr, _ := setup(t, limited("a", 6000))
	events := collect(tr)

	steps := []int64{500, 600, 3000, 100, 1800}
	// 6000 -> 5500 -> 4900 (warning) -> 1900 -> 1800 -> 0 (critical, exhausted)
	for _, c := range steps {
		if _, err := tr.RecordConsumption("a", c); err != nil {
			t.Fatal(err)
		}
	}

	want := []models.ThresholdLevel{models.LevelWarning, models.LevelCritical, models.LevelExhausted}
	if len(*events) != len(want) {
		t.Fatalf("expected %d events, got %+v", len(want), *events)
	}
	for i, ev := range *events {
		if ev.Level != want[i] || ev.AccountID != "a" {
			t.Errorf("event %d: expected %s, got %+v", i, want[i], ev)
		}
	}

	// top-up then fall again re-arms the crossing
	if err := tr.RefreshBalance("a", 5200); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.RecordConsumption("a", 300); err != nil {
		t.Fatal(err)
	}
	if last := (*events)[len(*events)-1]; last.Level != models.LevelWarning {
		t.Errorf("expected warning after re-crossing, got %+v", last)
	}
}

func TestUnlimitedAccumulatesOnly(t *testing.T) {
	tr, reg := setup(t, unlimited("u"))
	events := collect(tr)

	state, err := tr.RecordConsumption("u", 10_000)
	if err != nil {
		t.Fatal(err)
	}
	if state.Remaining != nil || state.ConsumedToday != 10_000 {
		t.Errorf("unexpected state %+v", state)
	}
	if len(*events) != 0 {
		t.Errorf("unlimited accounts never cross thresholds: %+v", *events)
	}
	if err := tr.RefreshBalance("u", 5); err != nil {
		t.Fatal(err)
	}
	if a, _ := reg.Get("u"); a.Budget.Remaining != nil {
		t.Error("refresh must not limit an unlimited account")
	}
}

func TestDayRollover(t *testing.T) {
	tr, reg := setup(t, limited("a", 1000))
	if _, err := tr.RecordConsumption("a", 100); err != nil {
		t.Fatal(err)
	}
	tr.now = func() time.Time { return time.Date(2026, 3, 11, 0, 0, 1, 0, time.UTC) }
	state, err := tr.RecordConsumption("a", 50)
	if err != nil {
		t.Fatal(err)
	}
	if state.ConsumedToday != 50 || state.Day != "2026-03-11" {
		t.Errorf("expected daily total reset, got %+v", state)
	}
	if remaining(t, reg, "a") != 850 {
		t.Errorf("remaining must carry across days, got %d", remaining(t, reg, "a"))
	}
}

func TestReserveCommitRelease(t *testing.T) {
	tr, reg := setup(t, limited("a", 1000))

	res, err := tr.Reserve("a", 400)
	if err != nil {
		t.Fatal(err)
	}
	if remaining(t, reg, "a") != 600 {
		t.Errorf("reservation should hold credits, got %d", remaining(t, reg, "a"))
	}
	state, err := tr.Commit(res, 250)
	if err != nil {
		t.Fatal(err)
	}
	if *state.Remaining != 750 || state.ConsumedToday != 250 {
		t.Errorf("expected refund of the difference, got %+v", state)
	}
	if _, err := tr.Commit(res, 1); err == nil {
		t.Error("expected error committing twice")
	}

	res, err = tr.Reserve("a", 700)
	if err != nil {
		t.Fatal(err)
	}
	tr.Release(res)
	tr.Release(res)
	if remaining(t, reg, "a") != 750 {
		t.Errorf("release should refund exactly once, got %d", remaining(t, reg, "a"))
	}

	if _, err := tr.Reserve("a", 751); !errors.Is(err, ErrInsufficientCredits) {
		t.Errorf("expected ErrInsufficientCredits, got %v", err)
	}
}

func TestCommitChargesOverrun(t *testing.T) {
	tr, reg := setup(t, limited("a", 1000))
	res, _ := tr.Reserve("a", 100)
	if _, err := tr.Commit(res, 1500); err != nil {
		t.Fatal(err)
	}
	if remaining(t, reg, "a") != 0 {
		t.Errorf("overrun should clamp at zero, got %d", remaining(t, reg, "a"))
	}
}

func TestReserveNeverOverCommits(t *testing.T) {
	const cost = 100
	const funded = 9
	tr, _ := setup(t, limited("a", cost*funded))

	var ok, denied atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < funded+1; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tr.Reserve("a", cost); err != nil {
				denied.Add(1)
				return
			}
			ok.Add(1)
		}()
	}
	wg.Wait()
	if ok.Load() != funded || denied.Load() != 1 {
		t.Errorf("expected %d reservations and 1 denial, got %d/%d", funded, ok.Load(), denied.Load())
	}
}

func TestExhaustThenReleaseDoesNotRefund(t *testing.T) {
	tr, reg := setup(t, limited("a", 1000))
	res, _ := tr.Reserve("a", 100)
	if err := tr.Exhaust("a"); err != nil {
		t.Fatal(err)
	}
	tr.Release(res)
	if remaining(t, reg, "a") != 0 {
		t.Errorf("exhausted account must stay at zero, got %d", remaining(t, reg, "a"))
	}
}

func TestExhaustUnlimitedUntilNextDay(t *testing.T) {
	tr, reg := setup(t, unlimited("u"))
	if err := tr.Exhaust("u"); err != nil {
		t.Fatal(err)
	}
	if got := reg.ListEligible(models.CapabilityVolume, 0); len(got) != 0 {
		t.Error("quota-exhausted unlimited account should be ineligible")
	}
	tr.now = func() time.Time { return time.Date(2026, 3, 11, 1, 0, 0, 0, time.UTC) }
	if _, err := tr.RecordConsumption("u", 0); err != nil {
		t.Fatal(err)
	}
	if got := reg.ListEligible(models.CapabilityVolume, 0); len(got) != 1 {
		t.Error("unlimited account should recover on the next day")
	}
}

func TestRefreshBalance(t *testing.T) {
	tr, reg := setup(t, limited("a", 1000))
	if err := tr.MarkStale("a", errors.New("timeout")); err != nil {
		t.Fatal(err)
	}
	if a, _ := reg.Get("a"); !a.Budget.Stale || *a.Budget.Remaining != 1000 {
		t.Errorf("stale must keep the last value: %+v", a.Budget)
	}

	// top-up accepted
	if err := tr.RefreshBalance("a", 4000); err != nil {
		t.Fatal(err)
	}
	a, _ := reg.Get("a")
	if *a.Budget.Remaining != 4000 || a.Budget.Stale || a.Budget.LastRefreshed.IsZero() {
		t.Errorf("unexpected state after top-up: %+v", a.Budget)
	}

	// large unexplained drop is still authoritative
	if err := tr.RefreshBalance("a", 100); err != nil {
		t.Fatal(err)
	}
	if remaining(t, reg, "a") != 100 {
		t.Errorf("external value is ground truth, got %d", remaining(t, reg, "a"))
	}
	if err := tr.RefreshBalance("a", -1); err == nil {
		t.Error("expected error for negative balance")
	}
}

func TestRefreshBalanceKeepsInFlightReservations(t *testing.T) {
	tr, reg := setup(t, limited("a", 200))
	first, err := tr.Reserve("a", 100)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Reserve("a", 100); err != nil {
		t.Fatal(err)
	}

	// provider has not billed either dispatch yet
	if err := tr.RefreshBalance("a", 200); err != nil {
		t.Fatal(err)
	}
	if remaining(t, reg, "a") != 0 {
		t.Errorf("held credits must stay reserved after refresh, got %d", remaining(t, reg, "a"))
	}
	if _, err := tr.Reserve("a", 100); !errors.Is(err, ErrInsufficientCredits) {
		t.Errorf("expected ErrInsufficientCredits, got %v", err)
	}

	state, err := tr.Commit(first, 60)
	if err != nil {
		t.Fatal(err)
	}
	if *state.Remaining != 40 {
		t.Errorf("commit should settle against the refreshed value, got %d", *state.Remaining)
	}
	if err := tr.RefreshBalance("a", 140); err != nil {
		t.Fatal(err)
	}
	if remaining(t, reg, "a") != 40 {
		t.Errorf("one reservation still held, got %d", remaining(t, reg, "a"))
	}
}

func TestRestore(t *testing.T) {
	tr, _ := setup(t, limited("a", 1000), limited("b", 1000))
	if err := tr.Restore(models.BudgetSnapshot{AccountID: "a", Remaining: models.Int64(420), ConsumedToday: 580, Day: "2026-03-10"}); err != nil {
		t.Fatal(err)
	}
	if err := tr.Restore(models.BudgetSnapshot{AccountID: "b", Remaining: models.Int64(10), ConsumedToday: 990, Day: "2026-03-09", Stale: true}); err != nil {
		t.Fatal(err)
	}
	snap := tr.Snapshot()
	if *snap["a"].Remaining != 420 || snap["a"].ConsumedToday != 580 {
		t.Errorf("same-day snapshot should restore fully: %+v", snap["a"])
	}
	if *snap["b"].Remaining != 10 || snap["b"].ConsumedToday != 0 || !snap["b"].Stale {
		t.Errorf("old-day snapshot should reset the daily total: %+v", snap["b"])
	}
}

func TestAggregate(t *testing.T) {
	tr, reg := setup(t, limited("a", 1000), limited("b", 500), unlimited("u"))
	if _, err := tr.RecordConsumption("a", 200); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.UpdateHealth("b", func(h *registry.HealthRecord) { h.Health = models.HealthDead }); err != nil {
		t.Fatal(err)
	}
	totals := tr.Aggregate()
	if totals.Remaining[models.CapabilityPremium] != 800 {
		t.Errorf("expected 800 premium credits from live accounts, got %d", totals.Remaining[models.CapabilityPremium])
	}
	if !totals.Unlimited[models.CapabilityVolume] || !totals.Covers(models.CapabilityVolume, 1<<40) {
		t.Error("volume should be unlimited")
	}
	if totals.ConsumedToday != 200 {
		t.Errorf("expected 200 consumed, got %d", totals.ConsumedToday)
	}
}

func TestPoller(t *testing.T) {
	tr, reg := setup(t, limited("good", 1000), limited("broken", 1000), limited("silent", 1000), unlimited("u"))

	set := adapter.NewSet()
	good := mock.New()
	good.SetBalance(777, nil)
	broken := mock.New()
	broken.SetBalance(0, errors.New("401"))
	set.Add("good", good)
	set.Add("broken", broken)
	set.Add("silent", mock.New())
	set.Add("u", mock.New())

	NewPoller(tr, set, time.Minute, time.Second).Poll(context.Background())

	if remaining(t, reg, "good") != 777 {
		t.Errorf("expected refreshed balance, got %d", remaining(t, reg, "good"))
	}
	if a, _ := reg.Get("broken"); !a.Budget.Stale || *a.Budget.Remaining != 1000 {
		t.Errorf("failed poll should mark stale and keep value: %+v", a.Budget)
	}
	if a, _ := reg.Get("silent"); a.Budget.Stale {
		t.Error("accounts without balance support must not go stale")
	}
}
