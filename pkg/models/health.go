package models

import "time"

// ProbeResult classifies a single health probe.
type ProbeResult string

const (
	ProbeOK     ProbeResult = "ok"
	ProbeSoft   ProbeResult = "soft_error"
	ProbeFailed ProbeResult = "failed"
	ProbeAuth   ProbeResult = "auth_error"
)

// HealthSample is what an adapter reports from a probe.
type HealthSample struct {
	Result  ProbeResult   `json:"result"`
	Latency time.Duration `json:"latency"`
	Message string        `json:"message,omitempty"`
	At      time.Time     `json:"at"`
}
