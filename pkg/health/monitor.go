// Package health probes accounts and walks their health state.
package health

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pario-ai/genroute/pkg/adapter"
	"github.com/pario-ai/genroute/pkg/logging"
	"github.com/pario-ai/genroute/pkg/models"
	"github.com/pario-ai/genroute/pkg/registry"
)

// ProberSource looks up the prober for an account.
type ProberSource interface {
	Prober(id string) (adapter.Prober, bool)
}

// Options configures the probe loop.
type Options struct {
	Interval         time.Duration
	ProbeTimeout     time.Duration
	LatencyThreshold time.Duration
	// probes run in parallel up to this many; zero means 8
	Concurrency int
}

// Monitor applies probe results to the registry.
type Monitor struct {
	reg     *registry.Registry
	probers ProberSource
	opts    Options
}

// New creates a Monitor.
func New(reg *registry.Registry, probers ProberSource, opts Options) *Monitor {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	return &Monitor{reg: reg, probers: probers, opts: opts}
}

type signal int

const (
	signalHealthy signal = iota
	signalDegraded
	signalFailed
	signalAuth
)

func (m *Monitor) classify(s models.HealthSample) signal {
	switch s.Result {
	case models.ProbeAuth:
		return signalAuth
	case models.ProbeFailed:
		return signalFailed
	case models.ProbeSoft:
		return signalDegraded
	}
	if m.opts.LatencyThreshold > 0 && s.Latency > m.opts.LatencyThreshold {
		return signalDegraded
	}
	return signalHealthy
}

// step moves health one notch at a time: a healthy sample promotes, a
// failure demotes, so a dead account needs two consecutive healthy probes
// to return to service at full standing.
func step(h *registry.HealthRecord, sig signal) {
	switch sig {
	case signalHealthy:
		h.Streak++
		if h.Health > models.HealthHealthy {
			h.Health--
		}
	case signalDegraded:
		h.Streak = 0
		if h.Health == models.HealthHealthy {
			h.Health = models.HealthDegraded
		}
	case signalFailed:
		h.Streak = 0
		if h.Health < models.HealthDead {
			h.Health++
		}
	case signalAuth:
		h.Streak = 0
		h.Health = models.HealthDead
	}
}

// Observe applies one probe sample and returns the new health.
func (m *Monitor) Observe(id string, sample models.HealthSample) (models.Health, error) {
	var prev models.Health
	rec, err := m.reg.UpdateHealth(id, func(h *registry.HealthRecord) {
		prev = h.Health
		step(h, m.classify(sample))
		h.LastMessage = sample.Message
	})
	if err != nil {
		return models.HealthHealthy, err
	}
	if rec.Health != prev {
		logging.Component("health").Info("account health changed",
			"account", id,
			"from", prev,
			"to", rec.Health,
			"probe", sample.Result,
			"latency", sample.Latency,
			"message", sample.Message,
		)
	}
	return rec.Health, nil
}

// MarkDegraded demotes a healthy account after the router exhausted its
// retries on it. Dead accounts stay dead.
func (m *Monitor) MarkDegraded(id string) error {
	var prev models.Health
	_, err := m.reg.UpdateHealth(id, func(h *registry.HealthRecord) {
		prev = h.Health
		h.Streak = 0
		if h.Health == models.HealthHealthy {
			h.Health = models.HealthDegraded
		}
	})
	if err == nil && prev == models.HealthHealthy {
		logging.Component("health").Warn("account degraded after repeated dispatch failures", "account", id)
	}
	return err
}

// ProbeAll probes every active account once, concurrently.
func (m *Monitor) ProbeAll(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Concurrency)

	for _, a := range m.reg.List() {
		if !a.Active {
			continue
		}
		p, ok := m.probers.Prober(a.ID)
		if !ok {
			continue
		}
		id := a.ID
		g.Go(func() error {
			pctx := ctx
			if m.opts.ProbeTimeout > 0 {
				var cancel context.CancelFunc
				pctx, cancel = context.WithTimeout(ctx, m.opts.ProbeTimeout)
				defer cancel()
			}
			sample := p.Probe(pctx, m.opts.ProbeTimeout)
			if ctx.Err() != nil {
				// shutting down; a cancelled probe says nothing about the account
				return nil
			}
			if _, err := m.Observe(id, sample); err != nil {
				logging.Component("health").Warn("observe probe", "account", id, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Run probes immediately and then on every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.ProbeAll(ctx)
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ProbeAll(ctx)
		}
	}
}
