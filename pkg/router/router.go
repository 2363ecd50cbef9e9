// Package router selects an account for each generation request and
// drives the bounded retry/failover state machine around its dispatch.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/pario-ai/genroute/pkg/adapter"
	"github.com/pario-ai/genroute/pkg/budget"
	"github.com/pario-ai/genroute/pkg/health"
	"github.com/pario-ai/genroute/pkg/logging"
	"github.com/pario-ai/genroute/pkg/models"
	"github.com/pario-ai/genroute/pkg/registry"
)

// AdapterSource looks up the adapter bound to an account.
type AdapterSource interface {
	Adapter(id string) (adapter.Adapter, bool)
}

// OutcomeCache replays completed outcomes by idempotency key.
type OutcomeCache interface {
	Get(key string) (models.DispatchOutcome, bool)
	Put(key string, outcome models.DispatchOutcome) error
}

// Recorder persists successful dispatches.
type Recorder interface {
	Record(ctx context.Context, rec models.DispatchRecord) error
}

// Journal records every adapter attempt.
type Journal interface {
	Log(ctx context.Context, entry models.AttemptEntry) error
}

// errNoSlot wraps a tier semaphore wait cut short by the request context.
var errNoSlot = errors.New("no dispatch slot")

// IdempotencyMode selects how a duplicate in-flight key is handled.
type IdempotencyMode string

const (
	// Join blocks the duplicate until the first dispatch completes and
	// returns the same outcome.
	Join IdempotencyMode = "join"
	// Reject fails the duplicate with DuplicateInFlight.
	Reject IdempotencyMode = "reject"
)

// Options bounds the retry/failover state machine.
type Options struct {
	MaxRetries      int
	MaxFailover     int
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
	DispatchTimeout time.Duration
	IdempotencyMode IdempotencyMode

	Cache    OutcomeCache
	Recorder Recorder
	Journal  Journal

	// Sleep waits between retries; tests replace it. It must return
	// ctx.Err() when ctx ends first.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultOptions mirrors the config defaults.
func DefaultOptions() Options {
	return Options{
		MaxRetries:      2,
		MaxFailover:     3,
		BaseBackoff:     500 * time.Millisecond,
		MaxBackoff:      10 * time.Second,
		DispatchTimeout: 2 * time.Minute,
		IdempotencyMode: Join,
	}
}

// Router is safe for concurrent use; each Submit runs on its caller's goroutine.
type Router struct {
	reg      *registry.Registry
	budget   *budget.Tracker
	health   *health.Monitor
	adapters AdapterSource
	opts     Options

	semMu sync.Mutex
	sems  map[models.Capability]*tierSem

	flightMu sync.Mutex
	inflight map[string]*call
	// bumped after each outcome is cached, before its in-flight entry goes
	settled atomic.Uint64
	// called when a duplicate starts waiting; tests only
	onJoin func(key string)
}

type tierSem struct {
	size int
	sem  *semaphore.Weighted
}

type call struct {
	done    chan struct{}
	outcome models.DispatchOutcome
}

// New creates a Router.
func New(reg *registry.Registry, bt *budget.Tracker, hm *health.Monitor, adapters AdapterSource, opts Options) *Router {
	if opts.Sleep == nil {
		opts.Sleep = sleep
	}
	if opts.IdempotencyMode == "" {
		opts.IdempotencyMode = Join
	}
	if opts.MaxFailover < 1 {
		opts.MaxFailover = 1
	}
	return &Router{
		reg:      reg,
		budget:   bt,
		health:   hm,
		adapters: adapters,
		opts:     opts,
		sems:     make(map[models.Capability]*tierSem),
		inflight: make(map[string]*call),
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// GetAccountStatus returns the dashboard view of every account.
func (r *Router) GetAccountStatus() []models.AccountStatus {
	return r.reg.Status()
}

// SetEmergencyMode restricts all traffic to the zero-cost tier.
func (r *Router) SetEmergencyMode(on bool) {
	if r.reg.EmergencyMode() != on {
		logging.Component("router").Warn("emergency mode changed", "on", on)
	}
	r.reg.SetEmergencyMode(on)
}

// EmergencyMode reports whether emergency mode is on.
func (r *Router) EmergencyMode() bool {
	return r.reg.EmergencyMode()
}

// Submit routes one request to completion. It always returns a terminal
// outcome; failures carry a kind and the accounts already attempted.
func (r *Router) Submit(ctx context.Context, req models.GenerationRequest) models.DispatchOutcome {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Platform == "" {
		req.Platform = models.PlatformGeneric
	}
	if err := req.Validate(); err != nil {
		return failed(req, models.KindRequestRejected, err.Error(), models.OutcomeMeta{CapabilityRequested: req.Capability})
	}

	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	seen := r.settled.Load()
	if out, ok := r.replay(req.IdempotencyKey); ok {
		return out
	}

	r.flightMu.Lock()
	if c, ok := r.inflight[req.IdempotencyKey]; ok {
		r.flightMu.Unlock()
		if r.opts.IdempotencyMode == Reject {
			return failed(req, models.KindDuplicateInFlight, "a request with this idempotency key is in flight",
				models.OutcomeMeta{CapabilityRequested: req.Capability})
		}
		if r.onJoin != nil {
			r.onJoin(req.IdempotencyKey)
		}
		return r.join(ctx, req, c)
	}
	// a call with this key may have finished after the lookup above
	if r.settled.Load() != seen {
		if out, ok := r.replay(req.IdempotencyKey); ok {
			r.flightMu.Unlock()
			return out
		}
	}
	c := &call{done: make(chan struct{})}
	r.inflight[req.IdempotencyKey] = c
	r.flightMu.Unlock()

	out := r.dispatch(ctx, req)

	if out.Succeeded() && r.opts.Cache != nil {
		if err := r.opts.Cache.Put(req.IdempotencyKey, out); err != nil {
			logging.Component("router").Warn("cache outcome", "key", req.IdempotencyKey, "err", err)
		}
	}
	c.outcome = out
	r.settled.Add(1)
	r.flightMu.Lock()
	delete(r.inflight, req.IdempotencyKey)
	r.flightMu.Unlock()
	close(c.done)
	return out
}

func (r *Router) replay(key string) (models.DispatchOutcome, bool) {
	if r.opts.Cache == nil {
		return models.DispatchOutcome{}, false
	}
	out, ok := r.opts.Cache.Get(key)
	if ok {
		out.Meta.Replayed = true
	}
	return out, ok
}

func (r *Router) join(ctx context.Context, req models.GenerationRequest, c *call) models.DispatchOutcome {
	select {
	case <-c.done:
		out := c.outcome
		out.Meta.AttemptedAccounts = append([]string(nil), out.Meta.AttemptedAccounts...)
		out.Meta.Joined = true
		return out
	case <-ctx.Done():
		return failed(req, models.KindDeadlineExceeded, "deadline expired waiting for in-flight duplicate",
			models.OutcomeMeta{CapabilityRequested: req.Capability})
	}
}

func failed(req models.GenerationRequest, kind models.ErrorKind, msg string, meta models.OutcomeMeta) models.DispatchOutcome {
	return models.DispatchOutcome{
		RequestID:      req.ID,
		IdempotencyKey: req.IdempotencyKey,
		Status:         models.StatusFailed,
		Kind:           kind,
		Message:        msg,
		Meta:           meta,
		CompletedAt:    time.Now().UTC(),
	}
}

// dispatch runs the selection and retry/failover state machine.
func (r *Router) dispatch(ctx context.Context, req models.GenerationRequest) models.DispatchOutcome {
	log := logging.Component("router").With("request", req.ID, "key", req.IdempotencyKey)
	meta := models.OutcomeMeta{CapabilityRequested: req.Capability}

	served, downgraded := r.reg.ResolveCapability(req.Capability)
	meta.CapabilityServed = served
	meta.WasDowngraded = downgraded
	if downgraded {
		log.Info("emergency downgrade", "requested", req.Capability, "served", served)
	}

	tier, ok := r.reg.Tier(served)
	if !ok {
		return failed(req, models.KindNoCapacity, fmt.Sprintf("no tier serves %q", req.Capability), meta)
	}
	cost := tier.CostPerUnit * req.CostUnits()

	candidates := r.reg.ListEligible(served, cost)
	if len(candidates) == 0 {
		log.Debug("no eligible account", "capability", served, "cost", cost)
		return failed(req, models.KindNoCapacity, fmt.Sprintf("no eligible %s account for %d credits", served, cost), meta)
	}

	lastKind := models.KindNoCapacity
	lastMsg := fmt.Sprintf("no %s account could reserve %d credits", served, cost)

	for _, acct := range candidates {
		if len(meta.AttemptedAccounts) >= r.opts.MaxFailover {
			break
		}
		if err := ctx.Err(); err != nil {
			return failed(req, models.KindDeadlineExceeded, err.Error(), meta)
		}
		a, ok := r.adapters.Adapter(acct.ID)
		if !ok {
			log.Warn("no adapter for account", "account", acct.ID)
			continue
		}
		// the account may have been drained since ListEligible
		res, err := r.budget.Reserve(acct.ID, cost)
		if err != nil {
			log.Debug("skip account", "account", acct.ID, "err", err)
			continue
		}
		meta.AttemptedAccounts = append(meta.AttemptedAccounts, acct.ID)
		if res.Stale {
			meta.BudgetStale = true
			log.Warn("dispatching on stale budget", "account", acct.ID, "degraded_confidence", true)
		}

		out, next := r.tryAccount(ctx, req, acct, a, served, res, &meta)
		if !next {
			return out
		}
		lastKind, lastMsg = out.Kind, out.Message
	}

	log.Warn("request failed", "kind", lastKind, "attempts", meta.AttemptCount, "accounts", meta.AttemptedAccounts)
	return failed(req, lastKind, lastMsg, meta)
}

// tryAccount dispatches with retries on one account. next reports whether
// the caller should fail over; otherwise the returned outcome is terminal.
func (r *Router) tryAccount(ctx context.Context, req models.GenerationRequest, acct models.Account, a adapter.Adapter, served models.Capability, res *budget.Reservation, meta *models.OutcomeMeta) (out models.DispatchOutcome, next bool) {
	log := logging.Component("router").With("request", req.ID, "account", acct.ID)

	lease, err := r.reg.Acquire(acct.ID)
	if err != nil {
		r.budget.Release(res)
		return failed(req, models.KindTransient, err.Error(), *meta), true
	}
	defer lease.Release()

	for retry := 0; ; retry++ {
		if err := ctx.Err(); err != nil {
			r.budget.Release(res)
			return failed(req, models.KindDeadlineExceeded, err.Error(), *meta), false
		}

		result, latency, err := r.attempt(ctx, req, a, served)
		if errors.Is(err, errNoSlot) {
			r.budget.Release(res)
			return failed(req, models.KindDeadlineExceeded, err.Error(), *meta), false
		}
		meta.AttemptCount++
		r.journal(ctx, req, acct.ID, served, meta.AttemptCount, result, err, latency)

		if err == nil {
			state, cerr := r.budget.Commit(res, result.CreditsConsumed)
			if cerr != nil {
				log.Warn("commit credits", "err", cerr)
			}
			meta.AccountUsed = acct.ID
			if lease.Changed() {
				log.Info("account removed while dispatch was in flight")
			}
			r.record(ctx, req, acct, served, result.CreditsConsumed, meta)
			log.Info("dispatch succeeded",
				"capability", served,
				"credits", result.CreditsConsumed,
				"attempts", meta.AttemptCount,
				"remaining", state.Remaining,
			)
			return models.DispatchOutcome{
				RequestID:       req.ID,
				IdempotencyKey:  req.IdempotencyKey,
				Status:          models.StatusSucceeded,
				Result:          result.Payload,
				CreditsConsumed: result.CreditsConsumed,
				Meta:            *meta,
				CompletedAt:     time.Now().UTC(),
			}, false
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			r.budget.Release(res)
			return failed(req, models.KindDeadlineExceeded, ctxErr.Error(), *meta), false
		}

		switch adapter.KindOf(err) {
		case adapter.KindMalformed, adapter.KindPermanent:
			r.budget.Release(res)
			log.Warn("request rejected by provider", "err", err)
			return failed(req, models.KindRequestRejected, err.Error(), *meta), false

		case adapter.KindQuotaExhausted:
			r.budget.Release(res)
			if xerr := r.budget.Exhaust(acct.ID); xerr != nil {
				log.Warn("exhaust budget", "err", xerr)
			}
			log.Warn("provider reports quota exhausted, failing over", "err", err)
			return failed(req, models.KindQuotaExhausted, err.Error(), *meta), true

		case adapter.KindAuth:
			r.budget.Release(res)
			if r.health != nil {
				if _, herr := r.health.Observe(acct.ID, models.HealthSample{Result: models.ProbeAuth, Message: err.Error(), At: time.Now().UTC()}); herr != nil {
					log.Warn("mark account dead", "err", herr)
				}
			}
			log.Warn("provider rejected credentials, failing over", "err", err)
			return failed(req, models.KindTransient, err.Error(), *meta), true

		default:
			if retry < r.opts.MaxRetries {
				wait := r.backoff(retry)
				log.Debug("transient failure, retrying", "retry", retry+1, "backoff", wait, "err", err)
				if serr := r.opts.Sleep(ctx, wait); serr != nil {
					r.budget.Release(res)
					return failed(req, models.KindDeadlineExceeded, serr.Error(), *meta), false
				}
				continue
			}
			r.budget.Release(res)
			if r.health != nil {
				if herr := r.health.MarkDegraded(acct.ID); herr != nil {
					log.Warn("mark degraded", "err", herr)
				}
			}
			log.Warn("retries exhausted, failing over", "retries", r.opts.MaxRetries, "err", err)
			return failed(req, models.KindTransient, err.Error(), *meta), true
		}
	}
}

// attempt makes one adapter call under the tier's in-flight cap and the
// dispatch timeout.
func (r *Router) attempt(ctx context.Context, req models.GenerationRequest, a adapter.Adapter, served models.Capability) (adapter.Result, time.Duration, error) {
	if sem := r.semaphore(served); sem != nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			return adapter.Result{}, 0, fmt.Errorf("%w: %w", errNoSlot, err)
		}
		defer sem.Release(1)
	}

	timeout := r.opts.DispatchTimeout
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); timeout <= 0 || rem < timeout {
			timeout = rem
		}
	}
	dctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	start := time.Now()
	result, err := a.Dispatch(dctx, payload, timeout)
	if err == nil && result.CreditsConsumed < 0 {
		err = adapter.NewError(adapter.KindPermanent, "adapter reported negative credits %d", result.CreditsConsumed)
	}
	return result, time.Since(start), err
}

func (r *Router) backoff(retry int) time.Duration {
	d := r.opts.BaseBackoff
	for i := 0; i < retry && d < r.opts.MaxBackoff; i++ {
		d *= 2
	}
	if r.opts.MaxBackoff > 0 && d > r.opts.MaxBackoff {
		d = r.opts.MaxBackoff
	}
	return d
}

func (r *Router) semaphore(c models.Capability) *semaphore.Weighted {
	tier, ok := r.reg.Tier(c)
	if !ok || tier.MaxInFlight <= 0 {
		return nil
	}
	r.semMu.Lock()
	defer r.semMu.Unlock()
	ts, ok := r.sems[c]
	if !ok || ts.size != tier.MaxInFlight {
		ts = &tierSem{size: tier.MaxInFlight, sem: semaphore.NewWeighted(int64(tier.MaxInFlight))}
		r.sems[c] = ts
	}
	return ts.sem
}

func (r *Router) journal(ctx context.Context, req models.GenerationRequest, accountID string, served models.Capability, attempt int, result adapter.Result, err error, latency time.Duration) {
	if r.opts.Journal == nil {
		return
	}
	entry := models.AttemptEntry{
		RequestID:      req.ID,
		IdempotencyKey: req.IdempotencyKey,
		AccountID:      accountID,
		Capability:     served,
		Attempt:        attempt,
		Credits:        result.CreditsConsumed,
		LatencyMs:      latency.Milliseconds(),
		CreatedAt:      time.Now().UTC(),
	}
	if err != nil {
		entry.Kind = string(adapter.KindOf(err))
		entry.Message = err.Error()
	}
	if jerr := r.opts.Journal.Log(context.WithoutCancel(ctx), entry); jerr != nil {
		logging.Component("router").Warn("journal attempt", "err", jerr)
	}
}

func (r *Router) record(ctx context.Context, req models.GenerationRequest, acct models.Account, served models.Capability, credits int64, meta *models.OutcomeMeta) {
	if r.opts.Recorder == nil {
		return
	}
	rec := models.DispatchRecord{
		RequestID:      req.ID,
		IdempotencyKey: req.IdempotencyKey,
		AccountID:      acct.ID,
		Provider:       acct.Provider,
		Platform:       req.Platform,
		Requested:      req.Capability,
		Served:         served,
		Credits:        credits,
		Attempts:       meta.AttemptCount,
		Downgraded:     meta.WasDowngraded,
		CreatedAt:      time.Now().UTC(),
	}
	if err := r.opts.Recorder.Record(context.WithoutCancel(ctx), rec); err != nil {
		logging.Component("router").Warn("record dispatch", "err", err)
	}
}
