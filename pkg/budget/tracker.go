// Package budget keeps per-account credit totals and emits threshold events.
package budget

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/pario-ai/genroute/pkg/logging"
	"github.com/pario-ai/genroute/pkg/models"
	"github.com/pario-ai/genroute/pkg/registry"
)

// ErrInsufficientCredits is returned by Reserve when the account cannot
// cover the amount.
var ErrInsufficientCredits = errors.New("insufficient credits")

// Options configures a Tracker.
type Options struct {
	Warning  int64
	Critical int64
	// unexplained downward balance drift tolerated before logging an anomaly
	AnomalyTolerance int64
}

// Tracker mutates budget state through the registry's update API.
type Tracker struct {
	reg  *registry.Registry
	opts Options
	now  func() time.Time

	mu        sync.RWMutex
	listeners []func(models.ThresholdEvent)
	// bumped when Exhaust zeroes the budget, so reservations taken
	// before it are not refunded on top of it
	epochs map[string]uint64
	// credits held by unsettled reservations, per account
	outstanding map[string]int64
}

// New creates a Tracker over reg.
func New(reg *registry.Registry, opts Options) *Tracker {
	return &Tracker{
		reg:         reg,
		opts:        opts,
		now:         time.Now,
		epochs:      make(map[string]uint64),
		outstanding: make(map[string]int64),
	}
}

// Subscribe registers a listener for threshold events. Listeners run on
// the goroutine that caused the crossing, after the registry lock is
// released, so they must not block.
func (t *Tracker) Subscribe(fn func(models.ThresholdEvent)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

func (t *Tracker) emit(events []models.ThresholdEvent) {
	if len(events) == 0 {
		return
	}
	t.mu.RLock()
	listeners := slices.Clone(t.listeners)
	t.mu.RUnlock()

	log := logging.Component("budget")
	for _, ev := range events {
		log.Warn("budget threshold crossed", "account", ev.AccountID, "level", ev.Level, "remaining", ev.Remaining, "threshold", ev.Threshold)
		for _, fn := range listeners {
			fn(ev)
		}
	}
}

// periodStart returns the start of the current UTC day.
func periodStart(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func dayKey(now time.Time) string {
	return periodStart(now).Format("2006-01-02")
}

// rollover resets daily counters when the UTC day changes. Unlimited
// accounts that were exhausted by a provider quota error become
// unlimited again.
func rollover(spec models.AccountSpec, b *models.BudgetState, now time.Time) {
	day := dayKey(now)
	if b.Day == day {
		return
	}
	if b.Day != "" && spec.Budget == nil {
		b.Remaining = nil
	}
	b.Day = day
	b.ConsumedToday = 0
}

// crossings lists the levels passed when remaining drops from before to after.
func (t *Tracker) crossings(spec models.AccountSpec, before, after int64, at time.Time) []models.ThresholdEvent {
	var events []models.ThresholdEvent
	check := func(level models.ThresholdLevel, threshold int64) {
		if before > threshold && after <= threshold {
			events = append(events, models.ThresholdEvent{
				AccountID: spec.ID,
				Provider:  spec.Provider,
				Level:     level,
				Remaining: after,
				Threshold: threshold,
				At:        at,
			})
		}
	}
	if t.opts.Warning > 0 {
		check(models.LevelWarning, t.opts.Warning)
	}
	if t.opts.Critical > 0 {
		check(models.LevelCritical, t.opts.Critical)
	}
	check(models.LevelExhausted, 0)
	return events
}

// RecordConsumption charges credits to an account, clamping at zero.
func (t *Tracker) RecordConsumption(id string, credits int64) (models.BudgetState, error) {
	if credits < 0 {
		return models.BudgetState{}, fmt.Errorf("credits must be >= 0, got %d", credits)
	}
	now := t.now()
	var events []models.ThresholdEvent
	state, err := t.reg.UpdateBudget(id, func(spec models.AccountSpec, b *models.BudgetState) error {
		rollover(spec, b, now)
		b.ConsumedToday += credits
		b.SinceRefresh += credits
		if b.Remaining != nil {
			before := *b.Remaining
			after := max(before-credits, 0)
			*b.Remaining = after
			events = t.crossings(spec, before, after, now.UTC())
		}
		return nil
	})
	if err != nil {
		return state, err
	}
	t.emit(events)
	return state, nil
}

// Reservation holds credits from dispatch until Commit or Release.
type Reservation struct {
	AccountID string
	Amount    int64
	// Stale reports whether the budget was stale when reserved.
	Stale bool
	epoch uint64
	done  bool
}

// Reserve atomically takes credits from the account's remaining budget.
// Unlimited accounts get a zero-amount reservation.
func (t *Tracker) Reserve(id string, credits int64) (*Reservation, error) {
	if credits < 0 {
		return nil, fmt.Errorf("credits must be >= 0, got %d", credits)
	}
	now := t.now()
	res := &Reservation{AccountID: id}
	_, err := t.reg.UpdateBudget(id, func(spec models.AccountSpec, b *models.BudgetState) error {
		rollover(spec, b, now)
		res.Stale = b.Stale
		res.epoch = t.epoch(id)
		if b.Remaining == nil {
			return nil
		}
		if !b.Covers(credits) {
			return fmt.Errorf("%w: %s has %d, need %d", ErrInsufficientCredits, id, *b.Remaining, credits)
		}
		*b.Remaining -= credits
		res.Amount = credits
		t.hold(id, credits)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Commit settles a reservation to the actual credits charged. The
// difference is refunded or charged, and actual counts toward today's
// consumption.
func (t *Tracker) Commit(res *Reservation, actual int64) (models.BudgetState, error) {
	if res == nil || res.done {
		return models.BudgetState{}, errors.New("reservation already settled")
	}
	res.done = true
	actual = max(actual, 0)

	now := t.now()
	var events []models.ThresholdEvent
	state, err := t.reg.UpdateBudget(res.AccountID, func(spec models.AccountSpec, b *models.BudgetState) error {
		rollover(spec, b, now)
		t.hold(res.AccountID, -res.Amount)
		b.ConsumedToday += actual
		b.SinceRefresh += actual
		if b.Remaining == nil {
			return nil
		}
		if t.epoch(res.AccountID) != res.epoch {
			// exhausted after the reservation was taken
			return nil
		}
		before := *b.Remaining + res.Amount
		after := max(before-actual, 0)
		*b.Remaining = after
		events = t.crossings(spec, before, after, now.UTC())
		return nil
	})
	if err != nil {
		return state, err
	}
	t.emit(events)
	return state, nil
}

// Release refunds an unused reservation. Safe on nil or settled reservations.
func (t *Tracker) Release(res *Reservation) {
	if res == nil || res.done {
		return
	}
	res.done = true
	if res.Amount == 0 {
		return
	}
	_, err := t.reg.UpdateBudget(res.AccountID, func(_ models.AccountSpec, b *models.BudgetState) error {
		t.hold(res.AccountID, -res.Amount)
		if b.Remaining != nil && t.epoch(res.AccountID) == res.epoch {
			*b.Remaining += res.Amount
		}
		return nil
	})
	if err != nil {
		logging.Component("budget").Warn("release reservation", "account", res.AccountID, "err", err)
	}
}

// Exhaust zeroes an account's budget after the provider reported the
// quota as exhausted. Unlimited accounts stay exhausted until the next
// UTC day or a balance refresh.
func (t *Tracker) Exhaust(id string) error {
	now := t.now()
	var events []models.ThresholdEvent
	_, err := t.reg.UpdateBudget(id, func(spec models.AccountSpec, b *models.BudgetState) error {
		rollover(spec, b, now)
		t.bumpEpoch(id)
		if b.Remaining == nil {
			b.Remaining = models.Int64(0)
			events = []models.ThresholdEvent{{AccountID: id, Provider: spec.Provider, Level: models.LevelExhausted, At: now.UTC()}}
			return nil
		}
		before := *b.Remaining
		*b.Remaining = 0
		events = t.crossings(spec, before, 0, now.UTC())
		return nil
	})
	if err != nil {
		return err
	}
	t.emit(events)
	return nil
}

// RefreshBalance replaces the local remaining value with the provider's
// authoritative one, less the credits still held by unsettled
// reservations. Those reservations stay valid and settle against the new
// value. Upward jumps are top-ups; downward jumps larger than the anomaly
// tolerance are logged but still accepted.
func (t *Tracker) RefreshBalance(id string, queriedRemaining int64) error {
	if queriedRemaining < 0 {
		return fmt.Errorf("queried balance must be >= 0, got %d", queriedRemaining)
	}
	log := logging.Component("budget")
	now := t.now()
	var events []models.ThresholdEvent
	_, err := t.reg.UpdateBudget(id, func(spec models.AccountSpec, b *models.BudgetState) error {
		rollover(spec, b, now)
		if spec.Budget == nil && b.Remaining == nil {
			log.Debug("ignoring balance for unlimited account", "account", id, "queried", queriedRemaining)
			return nil
		}
		var local int64
		if b.Remaining != nil {
			local = *b.Remaining
		}
		held := t.held(id)
		available := max(queriedRemaining-held, 0)
		switch {
		case available > local:
			log.Info("balance top-up", "account", id, "local", local, "queried", queriedRemaining, "reserved", held)
		case local-available > t.opts.AnomalyTolerance:
			log.Warn("balance anomaly: drop not explained by local consumption",
				"account", id,
				"local", local,
				"queried", queriedRemaining,
				"reserved", held,
				"consumed_since_refresh", b.SinceRefresh,
				"tolerance", t.opts.AnomalyTolerance,
			)
		}
		events = t.crossings(spec, local, available, now.UTC())
		b.Remaining = models.Int64(available)
		b.Stale = false
		b.LastRefreshed = now.UTC()
		b.SinceRefresh = 0
		return nil
	})
	if err != nil {
		return err
	}
	t.emit(events)
	return nil
}

// MarkStale flags the budget as stale after a failed refresh, keeping the
// last known value.
func (t *Tracker) MarkStale(id string, cause error) error {
	_, err := t.reg.UpdateBudget(id, func(_ models.AccountSpec, b *models.BudgetState) error {
		b.Stale = true
		return nil
	})
	if err != nil {
		return err
	}
	logging.Component("budget").Warn("balance refresh failed, budget marked stale", "account", id, "err", cause)
	return nil
}

// Snapshot returns a copy of every account's budget state.
func (t *Tracker) Snapshot() map[string]models.BudgetState {
	out := make(map[string]models.BudgetState)
	for _, a := range t.reg.List() {
		out[a.ID] = a.Budget
	}
	return out
}

// Restore loads a persisted snapshot into an account. A snapshot from an
// earlier UTC day keeps its remaining value but not its daily total.
func (t *Tracker) Restore(snap models.BudgetSnapshot) error {
	now := t.now()
	_, err := t.reg.UpdateBudget(snap.AccountID, func(spec models.AccountSpec, b *models.BudgetState) error {
		if snap.Remaining != nil {
			b.Remaining = models.Int64(*snap.Remaining)
		} else if spec.Budget == nil {
			b.Remaining = nil
		}
		b.Day = snap.Day
		b.ConsumedToday = snap.ConsumedToday
		b.LastRefreshed = snap.LastRefreshed
		b.Stale = snap.Stale
		rollover(spec, b, now)
		return nil
	})
	return err
}

func (t *Tracker) epoch(id string) uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.epochs[id]
}

func (t *Tracker) held(id string) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.outstanding[id]
}

func (t *Tracker) hold(id string, credits int64) {
	if credits == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.outstanding[id] += credits
	if t.outstanding[id] <= 0 {
		delete(t.outstanding, id)
	}
}

func (t *Tracker) bumpEpoch(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.epochs[id]++
}
