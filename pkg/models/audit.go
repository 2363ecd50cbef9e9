package models

import "time"

// AttemptEntry records a single adapter call made by the router.
type AttemptEntry struct {
	RequestID      string     `json:"request_id"`
	IdempotencyKey string     `json:"idempotency_key"`
	AccountID      string     `json:"account_id"`
	Capability     Capability `json:"capability"`
	Attempt        int        `json:"attempt"`
	Kind           string     `json:"kind,omitempty"`
	Message        string     `json:"message,omitempty"`
	Credits        int64      `json:"credits"`
	LatencyMs      int64      `json:"latency_ms"`
	CreatedAt      time.Time  `json:"created_at"`
}

// AuditConfig controls the attempt journal.
type AuditConfig struct {
	Enabled       bool   `yaml:"enabled"`
	DBPath        string `yaml:"db_path"`
	RetentionDays int    `yaml:"retention_days"`
	MaxMessage    int    `yaml:"max_message"` // bytes
}

// AuditQueryOpts specifies filters for querying attempts.
type AuditQueryOpts struct {
	AccountID      string
	IdempotencyKey string
	RequestID      string
	Kind           string
	Since          time.Time
	Limit          int
}

// AuditStat holds attempt counts per account, outcome kind and day.
type AuditStat struct {
	AccountID string
	Kind      string
	Day       string
	Count     int
}
