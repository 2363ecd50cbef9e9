package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pario-ai/genroute/pkg/models"
)

// Validate checks cross-field constraints that yaml cannot express.
func (c *Config) Validate() error {
	var errs []error

	tiers := make(map[models.Capability]bool, len(c.Tiers))
	zeroCost := 0
	for _, t := range c.Tiers {
		if _, err := models.ParseCapability(string(t.Capability)); err != nil {
			errs = append(errs, fmt.Errorf("tiers: %w", err))
			continue
		}
		if tiers[t.Capability] {
			errs = append(errs, fmt.Errorf("tiers: duplicate capability %q", t.Capability))
		}
		tiers[t.Capability] = true
		if t.CostPerUnit < 0 {
			errs = append(errs, fmt.Errorf("tiers: %s cost_per_unit must be >= 0", t.Capability))
		}
		if t.CostPerUnit == 0 {
			zeroCost++
		}
		if t.MaxInFlight < 0 {
			errs = append(errs, fmt.Errorf("tiers: %s max_in_flight must be >= 0", t.Capability))
		}
	}
	if len(c.Tiers) == 0 {
		errs = append(errs, errors.New("tiers: at least one tier is required"))
	}
	if zeroCost > 1 {
		errs = append(errs, errors.New("tiers: at most one zero-cost tier is allowed"))
	}

	seen := make(map[string]bool, len(c.Accounts))
	for i, a := range c.Accounts {
		id := strings.TrimSpace(a.ID)
		if id == "" {
			errs = append(errs, fmt.Errorf("accounts[%d]: id is required", i))
			continue
		}
		if seen[id] {
			errs = append(errs, fmt.Errorf("accounts[%d]: duplicate id %q", i, id))
		}
		seen[id] = true
		if len(a.Capabilities) == 0 {
			errs = append(errs, fmt.Errorf("account %s: at least one capability is required", id))
		}
		for _, capability := range a.Capabilities {
			if !tiers[capability] {
				errs = append(errs, fmt.Errorf("account %s: capability %q has no tier", id, capability))
			}
		}
		if a.Budget != nil && *a.Budget < 0 {
			errs = append(errs, fmt.Errorf("account %s: budget must be >= 0", id))
		}
		if a.Priority < 0 {
			errs = append(errs, fmt.Errorf("account %s: priority must be >= 0", id))
		}
	}

	if c.Router.MaxRetries < 0 {
		errs = append(errs, errors.New("router: max_retries must be >= 0"))
	}
	if c.Router.MaxFailover < 1 {
		errs = append(errs, errors.New("router: max_failover must be >= 1"))
	}
	if c.Router.BaseBackoff < 0 || c.Router.MaxBackoff < c.Router.BaseBackoff {
		errs = append(errs, errors.New("router: need 0 <= base_backoff <= max_backoff"))
	}
	if c.Router.DispatchTimeout <= 0 {
		errs = append(errs, errors.New("router: dispatch_timeout must be > 0"))
	}
	switch c.Router.Idempotency {
	case IdempotencyJoin, IdempotencyReject:
	default:
		errs = append(errs, fmt.Errorf("router: idempotency must be %q or %q", IdempotencyJoin, IdempotencyReject))
	}

	if c.Budget.Critical < 0 || c.Budget.Warning < c.Budget.Critical {
		errs = append(errs, errors.New("budget: need 0 <= critical_threshold <= warning_threshold"))
	}
	if c.Budget.PollInterval <= 0 {
		errs = append(errs, errors.New("budget: poll_interval must be > 0"))
	}
	if c.Health.Interval <= 0 || c.Health.ProbeTimeout <= 0 {
		errs = append(errs, errors.New("health: interval and probe_timeout must be > 0"))
	}

	for capability, ratio := range c.Planner.Ratios {
		if !tiers[capability] {
			errs = append(errs, fmt.Errorf("planner: ratio for unknown tier %q", capability))
		}
		if ratio < 0 {
			errs = append(errs, fmt.Errorf("planner: ratio for %s must be >= 0", capability))
		}
	}

	return errors.Join(errs...)
}
