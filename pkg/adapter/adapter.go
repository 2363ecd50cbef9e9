// Package adapter defines the contract between the router and the
// generation providers behind each account.
package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/pario-ai/genroute/pkg/models"
)

// Result is a successful generation.
type Result struct {
	Payload json.RawMessage
	// whole credits charged for this call
	CreditsConsumed int64
}

// Adapter translates a generic request into one provider's call.
// Dispatch errors should be *Error so the router can classify them;
// anything else is treated as transient.
type Adapter interface {
	Capabilities() []models.Capability
	Dispatch(ctx context.Context, payload json.RawMessage, timeout time.Duration) (Result, error)
	Probe(ctx context.Context, timeout time.Duration) models.HealthSample
}

// Prober is the part of an Adapter the health monitor needs.
type Prober interface {
	Probe(ctx context.Context, timeout time.Duration) models.HealthSample
}

// ErrBalanceUnsupported is returned by Balance when the provider cannot
// report one; the poller skips such accounts.
var ErrBalanceUnsupported = errors.New("balance not supported")

// BalanceReporter is implemented by adapters that can query the
// provider for the account's remaining credits.
type BalanceReporter interface {
	Balance(ctx context.Context) (int64, error)
}

// Credits converts a provider charge into whole credits, rounding up.
func Credits(charge float64) int64 {
	if charge <= 0 {
		return 0
	}
	whole := int64(charge)
	if float64(whole) < charge {
		whole++
	}
	return whole
}
