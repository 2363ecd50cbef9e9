package models

import (
	"fmt"
	"strings"
)

// Capability is a quality tier an account can serve.
type Capability string

const (
	CapabilityPremium  Capability = "premium"
	CapabilityStandard Capability = "standard"
	CapabilityVolume   Capability = "volume"
)

// ParseCapability normalizes a tier name.
func ParseCapability(s string) (Capability, error) {
	switch c := Capability(strings.ToLower(strings.TrimSpace(s))); c {
	case CapabilityPremium, CapabilityStandard, CapabilityVolume:
		return c, nil
	default:
		return "", fmt.Errorf("unknown capability %q", s)
	}
}

// TierConfig maps a capability to its static pricing and concurrency cap.
type TierConfig struct {
	Capability  Capability `json:"capability" yaml:"capability"`
	CostPerUnit int64      `json:"cost_per_unit" yaml:"cost_per_unit"`
	MaxInFlight int        `json:"max_in_flight" yaml:"max_in_flight"`
}

// DefaultTiers returns the stock premium/standard/volume tier table.
func DefaultTiers() []TierConfig {
	return []TierConfig{
		{Capability: CapabilityPremium, CostPerUnit: 100, MaxInFlight: 4},
		{Capability: CapabilityStandard, CostPerUnit: 20, MaxInFlight: 8},
		{Capability: CapabilityVolume, CostPerUnit: 0, MaxInFlight: 16},
	}
}

// Health is the liveness state of an account.
type Health int

const (
	HealthHealthy Health = iota
	HealthDegraded
	HealthDead
)

func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthDead:
		return "dead"
	default:
		return "unknown"
	}
}

// ParseHealth is the inverse of Health.String.
func ParseHealth(s string) (Health, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "healthy", "":
		return HealthHealthy, nil
	case "degraded":
		return HealthDegraded, nil
	case "dead":
		return HealthDead, nil
	default:
		return HealthHealthy, fmt.Errorf("unknown health %q", s)
	}
}

// MarshalText renders the health state by name in JSON and YAML.
func (h Health) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

// UnmarshalText parses a health state name.
func (h *Health) UnmarshalText(b []byte) error {
	v, err := ParseHealth(string(b))
	if err != nil {
		return err
	}
	*h = v
	return nil
}

// AccountSpec describes one credentialed provider connection.
// Budget is nil for accounts without a credit limit.
type AccountSpec struct {
	ID           string            `json:"id" yaml:"id"`
	Provider     string            `json:"provider" yaml:"provider"`
	Type         string            `json:"type" yaml:"type"`
	Capabilities []Capability      `json:"capabilities" yaml:"capabilities"`
	Budget       *int64            `json:"budget,omitempty" yaml:"budget"`
	Priority     int               `json:"priority" yaml:"priority"`
	BaseURL      string            `json:"base_url,omitempty" yaml:"base_url"`
	APIKey       string            `json:"-" yaml:"api_key"`
	Options      map[string]string `json:"options,omitempty" yaml:"options"`
}

// Supports reports whether the account can serve the capability.
func (s AccountSpec) Supports(c Capability) bool {
	for _, have := range s.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Account is a point-in-time copy of a registry record.
type Account struct {
	AccountSpec
	Active bool   `json:"active"`
	Health Health `json:"health"`
	// consecutive healthy probes since the last failure
	HealthyStreak int         `json:"healthy_streak"`
	LastProbe     string      `json:"last_probe,omitempty"`
	Budget        BudgetState `json:"budget_state"`
	InFlight      int         `json:"in_flight"`
	Generation    uint64      `json:"generation"`
}

// AccountStatus is the dashboard view of an account.
type AccountStatus struct {
	AccountID     string       `json:"account_id"`
	Provider      string       `json:"provider"`
	Capabilities  []Capability `json:"capabilities"`
	Priority      int          `json:"priority"`
	Health        Health       `json:"health"`
	HealthyStreak int          `json:"healthy_streak"`
	LastProbe     string       `json:"last_probe,omitempty"`
	Remaining     *int64       `json:"remaining_budget"`
	ConsumedToday int64        `json:"consumed_today"`
	Stale         bool         `json:"stale"`
	Active        bool         `json:"active"`
	InFlight      int          `json:"in_flight"`
}

// Int64 returns a pointer to v, for literal budgets.
func Int64(v int64) *int64 { return &v }
