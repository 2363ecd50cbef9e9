package models

import "time"

// BudgetState holds the running credit totals for one account.
// A nil Remaining means the account has no credit limit.
type BudgetState struct {
	Remaining     *int64    `json:"remaining,omitempty"`
	ConsumedToday int64     `json:"consumed_today"`
	Day           string    `json:"day"`
	LastRefreshed time.Time `json:"last_refreshed"`
	Stale         bool      `json:"stale"`
	// consumed since LastRefreshed, used to judge refresh anomalies
	SinceRefresh int64 `json:"since_refresh"`
}

// Unlimited reports whether the account has no credit limit.
func (b BudgetState) Unlimited() bool { return b.Remaining == nil }

// Exhausted reports whether a limited account has no credits left.
func (b BudgetState) Exhausted() bool { return b.Remaining != nil && *b.Remaining <= 0 }

// Covers reports whether the budget can pay for credits.
func (b BudgetState) Covers(credits int64) bool {
	if b.Remaining == nil {
		return true
	}
	if *b.Remaining <= 0 {
		return false
	}
	return *b.Remaining >= credits
}

// Clone returns a copy that does not share the Remaining pointer.
func (b BudgetState) Clone() BudgetState {
	if b.Remaining != nil {
		v := *b.Remaining
		b.Remaining = &v
	}
	return b
}

// ThresholdLevel names a budget alert level.
type ThresholdLevel string

const (
	LevelWarning   ThresholdLevel = "warning"
	LevelCritical  ThresholdLevel = "critical"
	LevelExhausted ThresholdLevel = "exhausted"
)

// ThresholdEvent is emitted when an account's remaining credits cross a level downward.
type ThresholdEvent struct {
	AccountID string         `json:"account_id"`
	Provider  string         `json:"provider"`
	Level     ThresholdLevel `json:"level"`
	Remaining int64          `json:"remaining"`
	Threshold int64          `json:"threshold"`
	At        time.Time      `json:"at"`
}

// BudgetSnapshot is the persisted form of an account's budget state.
type BudgetSnapshot struct {
	AccountID     string    `json:"account_id"`
	Remaining     *int64    `json:"remaining,omitempty"`
	ConsumedToday int64     `json:"consumed_today"`
	Day           string    `json:"day"`
	LastRefreshed time.Time `json:"last_refreshed"`
	Stale         bool      `json:"stale"`
	SavedAt       time.Time `json:"saved_at"`
}
