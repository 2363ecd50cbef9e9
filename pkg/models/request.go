package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Platform is the destination the generated content is for.
type Platform string

const (
	PlatformYouTube   Platform = "youtube"
	PlatformTikTok    Platform = "tiktok"
	PlatformInstagram Platform = "instagram"
	PlatformGeneric   Platform = "generic"
)

// ParsePlatform normalizes a platform name. Empty maps to generic.
func ParsePlatform(s string) (Platform, error) {
	switch p := Platform(strings.ToLower(strings.TrimSpace(s))); p {
	case PlatformYouTube, PlatformTikTok, PlatformInstagram, PlatformGeneric:
		return p, nil
	case "":
		return PlatformGeneric, nil
	default:
		return "", fmt.Errorf("unknown platform %q", s)
	}
}

// GenerationRequest is one unit of content generation work.
type GenerationRequest struct {
	ID             string          `json:"id,omitempty"`
	Platform       Platform        `json:"platform"`
	Capability     Capability      `json:"capability"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
	Deadline       time.Time       `json:"deadline,omitempty"`
	// Units scales the tier cost (e.g. seconds of video). Zero counts as one.
	Units int `json:"units,omitempty"`
}

// Validate checks the fields the router relies on.
func (r GenerationRequest) Validate() error {
	if strings.TrimSpace(r.IdempotencyKey) == "" {
		return errors.New("idempotency key is required")
	}
	if _, err := ParseCapability(string(r.Capability)); err != nil {
		return err
	}
	if _, err := ParsePlatform(string(r.Platform)); err != nil {
		return err
	}
	if r.Units < 0 {
		return fmt.Errorf("units must be >= 0, got %d", r.Units)
	}
	return nil
}

// CostUnits returns the multiplier applied to the tier cost.
func (r GenerationRequest) CostUnits() int64 {
	if r.Units <= 0 {
		return 1
	}
	return int64(r.Units)
}

// ErrorKind classifies a failed outcome.
type ErrorKind string

const (
	KindNone              ErrorKind = ""
	KindNoCapacity        ErrorKind = "no_capacity"
	KindRequestRejected   ErrorKind = "request_rejected"
	KindTransient         ErrorKind = "transient"
	KindQuotaExhausted    ErrorKind = "quota_exhausted"
	KindDeadlineExceeded  ErrorKind = "deadline_exceeded"
	KindDuplicateInFlight ErrorKind = "duplicate_in_flight"
)

var (
	ErrNoCapacity        = errors.New("no eligible account")
	ErrRequestRejected   = errors.New("request rejected")
	ErrTransientProvider = errors.New("transient provider error")
	ErrQuotaExhausted    = errors.New("quota exhausted")
	ErrDeadlineExceeded  = errors.New("deadline exceeded")
	ErrDuplicateInFlight = errors.New("duplicate request in flight")
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindNoCapacity:
		return ErrNoCapacity
	case KindRequestRejected:
		return ErrRequestRejected
	case KindTransient:
		return ErrTransientProvider
	case KindQuotaExhausted:
		return ErrQuotaExhausted
	case KindDeadlineExceeded:
		return ErrDeadlineExceeded
	case KindDuplicateInFlight:
		return ErrDuplicateInFlight
	default:
		return nil
	}
}

// OutcomeStatus is the terminal state of a request.
type OutcomeStatus string

const (
	StatusSucceeded OutcomeStatus = "succeeded"
	StatusFailed    OutcomeStatus = "failed"
)

// OutcomeMeta carries routing details for observability.
type OutcomeMeta struct {
	AccountUsed         string     `json:"account_used,omitempty"`
	CapabilityRequested Capability `json:"capability_requested"`
	CapabilityServed    Capability `json:"capability_served,omitempty"`
	AttemptCount        int        `json:"attempt_count"`
	WasDowngraded       bool       `json:"was_downgraded"`
	AttemptedAccounts   []string   `json:"attempted_accounts,omitempty"`
	BudgetStale         bool       `json:"budget_stale,omitempty"`
	Replayed            bool       `json:"replayed,omitempty"`
	Joined              bool       `json:"joined,omitempty"`
}

// DispatchOutcome is the terminal result of Submit.
type DispatchOutcome struct {
	RequestID       string          `json:"request_id"`
	IdempotencyKey  string          `json:"idempotency_key"`
	Status          OutcomeStatus   `json:"status"`
	Kind            ErrorKind       `json:"kind,omitempty"`
	Message         string          `json:"message,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	CreditsConsumed int64           `json:"credits_consumed"`
	Meta            OutcomeMeta     `json:"meta"`
	CompletedAt     time.Time       `json:"completed_at"`
}

// Succeeded reports whether the request was served.
func (o DispatchOutcome) Succeeded() bool { return o.Status == StatusSucceeded }

// Err returns nil on success, otherwise an error wrapping the kind's sentinel.
func (o DispatchOutcome) Err() error {
	if o.Succeeded() {
		return nil
	}
	base := o.Kind.sentinel()
	if base == nil {
		base = errors.New("dispatch failed")
	}
	if o.Message == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, o.Message)
}
