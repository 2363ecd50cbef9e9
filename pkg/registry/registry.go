// Package registry owns the pool of provider accounts.
//
// All mutation of account health and budget goes through the narrow update
// API here (UpdateHealth, UpdateBudget, Acquire/Release) so that there is a
// single writer path per field. Readers receive value copies, never live
// records.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/samber/lo"

	"github.com/pario-ai/genroute/pkg/models"
)

var (
	// ErrDuplicateAccount is returned by AddAccount when the id is taken.
	ErrDuplicateAccount = errors.New("duplicate account")
	// ErrUnknownAccount is returned for ids the registry has never seen.
	ErrUnknownAccount = errors.New("unknown account")
	// ErrInvalidAccount wraps spec validation failures.
	ErrInvalidAccount = errors.New("invalid account")
)

// HealthRecord is the health state the monitor walks.
type HealthRecord struct {
	Health models.Health
	// consecutive healthy probes since the last failure
	Streak      int
	LastMessage string
}

type record struct {
	spec       models.AccountSpec
	active     bool
	health     HealthRecord
	budget     models.BudgetState
	inFlight   int
	generation uint64
}

func (r *record) snapshot() models.Account {
	spec := r.spec
	spec.Capabilities = append([]models.Capability(nil), r.spec.Capabilities...)
	if r.spec.Budget != nil {
		spec.Budget = models.Int64(*r.spec.Budget)
	}
	return models.Account{
		AccountSpec:   spec,
		Active:        r.active,
		Health:        r.health.Health,
		HealthyStreak: r.health.Streak,
		LastProbe:     r.health.LastMessage,
		Budget:        r.budget.Clone(),
		InFlight:      r.inFlight,
		Generation:    r.generation,
	}
}

// Registry holds every known account and the tier table.
type Registry struct {
	mu        sync.RWMutex
	accounts  map[string]*record
	tiers     map[models.Capability]models.TierConfig
	emergency bool
	gen       uint64
}

// New creates a Registry with the given tier table.
func New(tiers []models.TierConfig) *Registry {
	r := &Registry{accounts: make(map[string]*record)}
	r.SetTiers(tiers)
	return r
}

// SetTiers replaces the tier table.
func (r *Registry) SetTiers(tiers []models.TierConfig) {
	m := lo.SliceToMap(tiers, func(t models.TierConfig) (models.Capability, models.TierConfig) {
		return t.Capability, t
	})
	r.mu.Lock()
	r.tiers = m
	r.mu.Unlock()
}

// Tier returns the pricing for a capability.
func (r *Registry) Tier(c models.Capability) (models.TierConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tiers[c]
	return t, ok
}

// Tiers returns the tier table ordered by descending cost.
func (r *Registry) Tiers() []models.TierConfig {
	r.mu.RLock()
	out := lo.Values(r.tiers)
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CostPerUnit != out[j].CostPerUnit {
			return out[i].CostPerUnit > out[j].CostPerUnit
		}
		return out[i].Capability < out[j].Capability
	})
	return out
}

// ZeroCostCapability returns the tier with no per-unit cost, if any.
func (r *Registry) ZeroCostCapability() (models.Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.zeroCostLocked()
}

func (r *Registry) zeroCostLocked() (models.Capability, bool) {
	for _, t := range r.tiers {
		if t.CostPerUnit == 0 {
			return t.Capability, true
		}
	}
	return "", false
}

// AddAccount registers a new, active, healthy account.
func (r *Registry) AddAccount(spec models.AccountSpec) (string, error) {
	spec.ID = strings.TrimSpace(spec.ID)
	if err := r.validate(spec); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accounts[spec.ID]; ok {
		return "", fmt.Errorf("%w: %s", ErrDuplicateAccount, spec.ID)
	}
	r.gen++
	rec := &record{
		spec:       spec,
		active:     true,
		health:     HealthRecord{Health: models.HealthHealthy},
		generation: r.gen,
	}
	if spec.Budget != nil {
		rec.budget.Remaining = models.Int64(*spec.Budget)
	}
	r.accounts[spec.ID] = rec
	return spec.ID, nil
}

func (r *Registry) validate(spec models.AccountSpec) error {
	if spec.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidAccount)
	}
	if len(spec.Capabilities) == 0 {
		return fmt.Errorf("%w: %s has no capabilities", ErrInvalidAccount, spec.ID)
	}
	if spec.Priority < 0 {
		return fmt.Errorf("%w: %s priority must be >= 0", ErrInvalidAccount, spec.ID)
	}
	if spec.Budget != nil && *spec.Budget < 0 {
		return fmt.Errorf("%w: %s budget must be >= 0", ErrInvalidAccount, spec.ID)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range spec.Capabilities {
		if _, ok := r.tiers[c]; !ok {
			return fmt.Errorf("%w: %s capability %q has no tier", ErrInvalidAccount, spec.ID, c)
		}
	}
	return nil
}

// RemoveAccount marks an account inactive. Dispatches already bound to it
// run to completion.
func (r *Registry) RemoveAccount(id string) error {
	return r.SetActive(id, false)
}

// SetActive toggles whether an account may be selected.
func (r *Registry) SetActive(id string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.accounts[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, id)
	}
	if rec.active != active {
		r.gen++
		rec.generation = r.gen
	}
	rec.active = active
	return nil
}

// Get returns a copy of one account.
func (r *Registry) Get(id string) (models.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.accounts[id]
	if !ok {
		return models.Account{}, fmt.Errorf("%w: %s", ErrUnknownAccount, id)
	}
	return rec.snapshot(), nil
}

// List returns copies of all accounts ordered by id.
func (r *Registry) List() []models.Account {
	r.mu.RLock()
	out := make([]models.Account, 0, len(r.accounts))
	for _, rec := range r.accounts {
		out = append(out, rec.snapshot())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Status returns the dashboard view of every account.
func (r *Registry) Status() []models.AccountStatus {
	return lo.Map(r.List(), func(a models.Account, _ int) models.AccountStatus {
		return models.AccountStatus{
			AccountID:     a.ID,
			Provider:      a.Provider,
			Capabilities:  a.Capabilities,
			Priority:      a.Priority,
			Health:        a.Health,
			HealthyStreak: a.HealthyStreak,
			LastProbe:     a.LastProbe,
			Remaining:     a.Budget.Remaining,
			ConsumedToday: a.Budget.ConsumedToday,
			Stale:         a.Budget.Stale,
			Active:        a.Active,
			InFlight:      a.InFlight,
		}
	})
}

// SetEmergencyMode restricts every eligibility query to the zero-cost tier.
func (r *Registry) SetEmergencyMode(on bool) {
	r.mu.Lock()
	r.emergency = on
	r.mu.Unlock()
}

// EmergencyMode reports whether emergency mode is on.
func (r *Registry) EmergencyMode() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.emergency
}

// ResolveCapability applies the emergency downgrade to a requested tier.
func (r *Registry) ResolveCapability(requested models.Capability) (served models.Capability, downgraded bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolveLocked(requested)
}

func (r *Registry) resolveLocked(requested models.Capability) (models.Capability, bool) {
	if !r.emergency {
		return requested, false
	}
	zero, ok := r.zeroCostLocked()
	if !ok {
		// nothing can serve; callers see an empty eligible set
		return "", requested != ""
	}
	return zero, requested != zero
}

// ListEligible returns active, non-dead accounts supporting capability that
// can cover minCreditsNeeded, ordered by priority ascending then remaining
// budget descending (unlimited first).
func (r *Registry) ListEligible(capability models.Capability, minCreditsNeeded int64) []models.Account {
	r.mu.RLock()
	capability, _ = r.resolveLocked(capability)
	candidates := lo.Filter(lo.Values(r.accounts), func(rec *record, _ int) bool {
		return rec.active &&
			rec.health.Health != models.HealthDead &&
			rec.spec.Supports(capability) &&
			rec.budget.Covers(minCreditsNeeded)
	})
	out := lo.Map(candidates, func(rec *record, _ int) models.Account { return rec.snapshot() })
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if c := compareRemaining(a.Budget, b.Budget); c != 0 {
			return c > 0
		}
		if a.Health != b.Health {
			return a.Health < b.Health
		}
		return a.ID < b.ID
	})
	return out
}

// compareRemaining orders budgets with unlimited above any finite value.
func compareRemaining(a, b models.BudgetState) int {
	switch {
	case a.Unlimited() && b.Unlimited():
		return 0
	case a.Unlimited():
		return 1
	case b.Unlimited():
		return -1
	case *a.Remaining > *b.Remaining:
		return 1
	case *a.Remaining < *b.Remaining:
		return -1
	default:
		return 0
	}
}

// UpdateBudget runs fn against a copy of the account's budget under the
// write lock and stores the result when fn returns nil.
func (r *Registry) UpdateBudget(id string, fn func(spec models.AccountSpec, b *models.BudgetState) error) (models.BudgetState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.accounts[id]
	if !ok {
		return models.BudgetState{}, fmt.Errorf("%w: %s", ErrUnknownAccount, id)
	}
	next := rec.budget.Clone()
	if err := fn(rec.spec, &next); err != nil {
		return rec.budget.Clone(), err
	}
	if next.Remaining != nil && *next.Remaining < 0 {
		*next.Remaining = 0
	}
	rec.budget = next
	return next.Clone(), nil
}

// UpdateHealth runs fn against the account's health record under the write lock.
func (r *Registry) UpdateHealth(id string, fn func(h *HealthRecord)) (HealthRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.accounts[id]
	if !ok {
		return HealthRecord{}, fmt.Errorf("%w: %s", ErrUnknownAccount, id)
	}
	fn(&rec.health)
	return rec.health, nil
}

// Lease pins an account for the duration of a dispatch.
type Lease struct {
	AccountID  string
	Generation uint64
	r          *Registry
	once       sync.Once
}

// Acquire records an in-flight dispatch against the account.
func (r *Registry) Acquire(id string) (*Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, id)
	}
	rec.inFlight++
	return &Lease{AccountID: id, Generation: rec.generation, r: r}, nil
}

// Release ends the lease. Safe to call more than once.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		l.r.mu.Lock()
		defer l.r.mu.Unlock()
		if rec, ok := l.r.accounts[l.AccountID]; ok && rec.inFlight > 0 {
			rec.inFlight--
		}
	})
}

// Changed reports whether the account was removed or re-activated since the
// lease was taken.
func (l *Lease) Changed() bool {
	l.r.mu.RLock()
	defer l.r.mu.RUnlock()
	rec, ok := l.r.accounts[l.AccountID]
	return !ok || rec.generation != l.Generation
}
