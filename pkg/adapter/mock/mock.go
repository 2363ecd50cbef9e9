// Package mock provides a scripted in-memory adapter for tests and
// dry-run simulations.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/pario-ai/genroute/pkg/adapter"
	"github.com/pario-ai/genroute/pkg/models"
)

func init() {
	adapter.Register("mock", func(spec models.AccountSpec) (adapter.Adapter, error) {
		return FromSpec(spec)
	})
}

// Step is one scripted dispatch response.
type Step struct {
	Result adapter.Result
	Err    error
}

// OK is a successful step charging credits.
func OK(credits int64) Step {
	return Step{Result: adapter.Result{Payload: json.RawMessage(`{"ok":true}`), CreditsConsumed: credits}}
}

// Fail is a failing step of the given kind.
func Fail(kind adapter.Kind) Step {
	return Step{Err: adapter.NewError(kind, "scripted %s", kind)}
}

// Adapter replays scripted steps, then falls back to Default.
type Adapter struct {
	caps []models.Capability

	mu       sync.Mutex
	steps    []Step
	Default  Step
	calls    int
	payloads []json.RawMessage
	probes   []models.HealthSample
	balance  int64
	balErr   error
	hasBal   bool
	latency  time.Duration

	// every n-th call fails transiently when > 0
	failEvery int

	// Gate, when set, holds each dispatch until it receives or is closed.
	Gate    chan struct{}
	// Started receives one value per dispatch entering the adapter.
	Started chan struct{}
}

// New returns an adapter that succeeds with zero credits by default.
func New(caps ...models.Capability) *Adapter {
	return &Adapter{caps: caps, Default: OK(0)}
}

// FromSpec builds a mock from account options: credits, latency,
// fail_every and balance.
func FromSpec(spec models.AccountSpec) (*Adapter, error) {
	a := New(spec.Capabilities...)
	if v, ok := spec.Options["credits"]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("account %s: invalid credits option: %w", spec.ID, err)
		}
		a.Default = OK(n)
	}
	if v, ok := spec.Options["latency"]; ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("account %s: invalid latency option: %w", spec.ID, err)
		}
		a.latency = d
	}
	if v, ok := spec.Options["fail_every"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("account %s: invalid fail_every option: %w", spec.ID, err)
		}
		a.failEvery = n
	}
	if v, ok := spec.Options["balance"]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("account %s: invalid balance option: %w", spec.ID, err)
		}
		a.balance, a.hasBal = n, true
	}
	return a, nil
}

// Script appends steps to the queue.
func (a *Adapter) Script(steps ...Step) *Adapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.steps = append(a.steps, steps...)
	return a
}

// ScriptProbes queues health samples; the last one repeats.
func (a *Adapter) ScriptProbes(samples ...models.HealthSample) *Adapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.probes = append(a.probes, samples...)
	return a
}

// SetBalance sets what Balance reports.
func (a *Adapter) SetBalance(v int64, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.balance, a.balErr, a.hasBal = v, err, true
}

// Calls returns the number of Dispatch calls so far.
func (a *Adapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// Payloads returns every payload dispatched so far.
func (a *Adapter) Payloads() []json.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]json.RawMessage(nil), a.payloads...)
}

func (a *Adapter) Capabilities() []models.Capability { return a.caps }

func (a *Adapter) Dispatch(ctx context.Context, payload json.RawMessage, timeout time.Duration) (adapter.Result, error) {
	a.mu.Lock()
	a.calls++
	n := a.calls
	a.payloads = append(a.payloads, payload)
	step := a.Default
	if len(a.steps) > 0 {
		step = a.steps[0]
		a.steps = a.steps[1:]
	} else if a.failEvery > 0 && n%a.failEvery == 0 {
		step = Fail(adapter.KindTransient)
	}
	gate, started, latency := a.Gate, a.Started, a.latency
	a.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return adapter.Result{}, &adapter.Error{Kind: adapter.KindTransient, Err: ctx.Err()}
		}
	}
	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return adapter.Result{}, &adapter.Error{Kind: adapter.KindTransient, Err: ctx.Err()}
		}
	}
	return step.Result, step.Err
}

func (a *Adapter) Probe(ctx context.Context, timeout time.Duration) models.HealthSample {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := models.HealthSample{Result: models.ProbeOK, Latency: a.latency}
	if len(a.probes) > 0 {
		s = a.probes[0]
		if len(a.probes) > 1 {
			a.probes = a.probes[1:]
		}
	}
	s.At = time.Now().UTC()
	return s
}

func (a *Adapter) Balance(ctx context.Context) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.hasBal {
		return 0, adapter.ErrBalanceUnsupported
	}
	return a.balance, a.balErr
}
