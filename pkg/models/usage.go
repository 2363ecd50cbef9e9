package models

import "time"

// DispatchRecord is one successful dispatch persisted for reporting.
type DispatchRecord struct {
	ID             int64      `json:"id"`
	RequestID      string     `json:"request_id"`
	IdempotencyKey string     `json:"idempotency_key"`
	AccountID      string     `json:"account_id"`
	Provider       string     `json:"provider"`
	Platform       Platform   `json:"platform"`
	Requested      Capability `json:"capability_requested"`
	Served         Capability `json:"capability_served"`
	Credits        int64      `json:"credits"`
	Attempts       int        `json:"attempts"`
	Downgraded     bool       `json:"downgraded"`
	CreatedAt      time.Time  `json:"created_at"`
}

// UsageSummary aggregates dispatches per account and tier.
type UsageSummary struct {
	AccountID    string     `json:"account_id"`
	Capability   Capability `json:"capability"`
	RequestCount int        `json:"request_count"`
	Credits      int64      `json:"credits"`
	Downgraded   int        `json:"downgraded"`
}

// DailyUsage aggregates dispatches per day and tier.
type DailyUsage struct {
	Day          string     `json:"day"`
	Capability   Capability `json:"capability"`
	RequestCount int        `json:"request_count"`
	Credits      int64      `json:"credits"`
}
